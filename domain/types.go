// Package domain holds the core data model shared by every component of
// the query engine: tenants, data sources, schemas, intents, cache
// entries, query records, and pipeline events.
package domain

import "time"

// Tenant bounds visibility of data sources, queries, and cache entries.
// Every persisted entity below carries one.
type Tenant string

// DataSourceKind selects the schema source and executor adapter for a DataSource.
type DataSourceKind string

const (
	KindRelationalPostgres DataSourceKind = "relational-postgres"
	KindRelationalMySQL    DataSourceKind = "relational-mysql"
	KindSpreadsheet        DataSourceKind = "spreadsheet"
	KindEcommerceOrders    DataSourceKind = "ecommerce-orders"
	KindPayments           DataSourceKind = "payments"
	KindAccounting         DataSourceKind = "accounting"
	KindCSV                DataSourceKind = "csv"
)

// Connection is an opaque, encrypted-at-rest credentials container. The
// core never inspects or mutates it directly; secrets.CredentialStore
// decrypts it for the span of a single Execute call.
type Connection struct {
	Encrypted []byte
	KeyID     string
}

// DataSource is a logical handle to an external system a query can run against.
type DataSource struct {
	ID            string
	Tenant        Tenant
	Kind          DataSourceKind
	DisplayName   string
	Connection    Connection
	SchemaHint    *Schema
	LastSyncedAt  time.Time
}

// Column describes one column of a Table.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	IsPK     bool
	IsFK     bool
	FKRef    string // "table.column" when IsFK
}

// Table is an ordered set of columns plus a handful of sample rows.
type Table struct {
	Name       string
	Columns    []Column
	SampleRows []map[string]string
	RowCount   int64
}

// Cardinality describes a Relationship's multiplicity.
type Cardinality string

const (
	OneToOne   Cardinality = "one-to-one"
	OneToMany  Cardinality = "one-to-many"
	ManyToMany Cardinality = "many-to-many"
)

// Relationship connects a qualified column in one table to another.
type Relationship struct {
	FromTable   string
	FromColumn  string
	ToTable     string
	ToColumn    string
	Cardinality Cardinality
}

// Schema is the read-model produced by the Schema Registry for a DataSource.
type Schema struct {
	DataSourceID  string
	DatabaseType  string
	Tables        []Table
	Relationships []Relationship
}

// HasColumn reports whether table.column exists in the schema.
func (s *Schema) HasColumn(table, column string) bool {
	for _, t := range s.Tables {
		if t.Name != table {
			continue
		}
		for _, c := range t.Columns {
			if c.Name == column {
				return true
			}
		}
	}
	return false
}

// Timeframe is an optional date range with a granularity hint ("day", "week", "month").
type Timeframe struct {
	From        time.Time
	To          time.Time
	Granularity string
}

// Intent is the immutable output of the Intent Classifier.
type Intent struct {
	Label       string
	Confidence  float64
	Entities    map[string]string
	Timeframe   *Timeframe
	Metrics     []string
	Dimensions  []string
	Suggestions []string
}

// Recognised intent labels for the analytical-query domain.
const (
	IntentSchemaDiscovery  = "schema_discovery"
	IntentDataQuality      = "data_quality"
	IntentDataTransform    = "data_transform"
	IntentAnalytics        = "analytics"
	IntentRelationshipQry  = "relationship_query"
	IntentQueryGeneration  = "query_generation"
	IntentDocumentSearch   = "document_search"
	IntentAPICall          = "api_call"
	IntentUnknown          = "unknown"
)

// QueryStatus is the lifecycle state of a QueryRecord.
type QueryStatus string

const (
	StatusPending   QueryStatus = "pending"
	StatusCompleted QueryStatus = "completed"
	StatusFailed    QueryStatus = "failed"
)

// QueryMetadata is the typed extension slot for a QueryRecord, preferred
// over free-form JSON per the typed-metadata decision (DESIGN.md, Open
// Question decision 2).
type QueryMetadata struct {
	Entities             map[string]string  `json:"entities,omitempty"`
	Timeframe            *Timeframe         `json:"timeframe,omitempty"`
	Metrics              []string           `json:"metrics,omitempty"`
	Dimensions           []string           `json:"dimensions,omitempty"`
	Columns              []string           `json:"columns,omitempty"`
	OptimizationAnalysis *OptimizationAnalysis `json:"optimization_analysis,omitempty"`
	Feedback             *Feedback          `json:"feedback,omitempty"`
	Extra                map[string]any     `json:"extra,omitempty"`
}

// Feedback is user-submitted feedback on a completed query.
type Feedback struct {
	Helpful   bool      `json:"helpful"`
	Accurate  bool      `json:"accurate"`
	Rating    *int      `json:"rating,omitempty"`
	Comments  string    `json:"comments,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueryRecord is a persisted query execution outcome.
type QueryRecord struct {
	ID              string
	Tenant          Tenant
	DataSourceID    string
	User            string
	NaturalLanguage string
	GeneratedSQL    string
	IntentLabel     string
	Confidence      float64
	Status          QueryStatus
	ExecutionMs     int64
	RowCount        int
	ErrorMessage    string
	Metadata        QueryMetadata
	CreatedAt       time.Time
}

// Fingerprint is the 256-bit content hash used to address the Result Cache.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	const hex = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range f {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0x0f]
	}
	return string(out)
}

// ResultPayload is the cached/returned tabular result of a query.
type ResultPayload struct {
	Data    []map[string]any `json:"data"`
	Columns []string         `json:"columns"`
}

// CacheEntry is one Result Cache row.
type CacheEntry struct {
	Fingerprint Fingerprint
	Payload     ResultPayload
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// OptimizationCategory buckets an OptimizationAnalysis score.
type OptimizationCategory string

const (
	CategoryExcellent OptimizationCategory = "excellent"
	CategoryGood      OptimizationCategory = "good"
	CategoryFair      OptimizationCategory = "fair"
	CategoryPoor      OptimizationCategory = "poor"
)

// OptimizationAnalysis is the advisory SQL-quality score of §4.7.
type OptimizationAnalysis struct {
	Score       int                   `json:"score"`
	Category    OptimizationCategory  `json:"category"`
	Suggestions []string              `json:"suggestions"`
}

// PipelineEventType discriminates the PipelineEvent union.
type PipelineEventType string

const (
	EventConnection PipelineEventType = "connection"
	EventProgress   PipelineEventType = "progress"
	EventResult     PipelineEventType = "result"
	EventError      PipelineEventType = "error"
)

// PipelineEvent is the wire-level unit emitted by the orchestrator onto
// the Streaming Channel. Only the fields relevant to Type are populated.
type PipelineEvent struct {
	Type      PipelineEventType `json:"type"`
	StreamID  string            `json:"streamId,omitempty"`
	Step      string            `json:"step,omitempty"`
	Message   string            `json:"message,omitempty"`
	Progress  *int              `json:"progress,omitempty"`
	Data      any               `json:"data,omitempty"`
	Error     string            `json:"error,omitempty"`
}
