package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/queryengine/cache"
	"github.com/AlfredDev/queryengine/domain"
	"github.com/AlfredDev/queryengine/executor"
	"github.com/AlfredDev/queryengine/intent"
	"github.com/AlfredDev/queryengine/llm"
	"github.com/AlfredDev/queryengine/schema"
	"github.com/AlfredDev/queryengine/stream"
)

// fakeResolver hands back one fixed DataSource regardless of ID.
type fakeResolver struct {
	ds  *domain.DataSource
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, tenant domain.Tenant, dataSourceID string) (*domain.DataSource, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ds, nil
}

// fakeStore is an in-memory QueryStore, tracking every Save for assertions.
type fakeStore struct {
	mu      sync.Mutex
	saved   []domain.QueryRecord
	similar []domain.QueryRecord
}

func (f *fakeStore) Save(record domain.QueryRecord) domain.QueryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	record.ID = "rec-" + string(rune('a'+len(f.saved)))
	f.saved = append(f.saved, record)
	return record
}

func (f *fakeStore) FindSimilar(ctx context.Context, text string, tenant domain.Tenant, dataSourceID string, k int) ([]domain.QueryRecord, error) {
	return f.similar, nil
}

// fakeProvider is a minimal llm.Provider returning a fixed SQL payload.
type fakeProvider struct {
	name string
	sql  string
	fail bool
}

func (f *fakeProvider) Name() string   { return f.name }
func (f *fakeProvider) Models() []string { return []string{"m1"} }
func (f *fakeProvider) HealthCheck(ctx context.Context) llm.HealthStatus {
	return llm.HealthStatus{Healthy: true}
}
func (f *fakeProvider) ChatCompletion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.fail {
		return nil, errors.New("upstream unavailable")
	}
	return &llm.ChatResponse{
		Choices: []llm.Choice{{Message: llm.ChatMessage{Content: `{"sql":"` + f.sql + `","explanation":"top orders","confidence":0.9,"estimated_rows":5,"warnings":[]}`}}},
	}, nil
}

// fakeAdapter is a minimal executor.Adapter returning a fixed Result.
type fakeAdapter struct {
	result *executor.Result
	err    error
}

func (f *fakeAdapter) Execute(ctx context.Context, sql string, ds *domain.DataSource, opts executor.Options) (*executor.Result, error) {
	if opts.OnProgress != nil {
		opts.OnProgress("running", 0.5)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testDataSource() *domain.DataSource {
	return &domain.DataSource{ID: "ds1", Tenant: "t1", Kind: domain.KindEcommerceOrders, DisplayName: "orders"}
}

func buildOrchestrator(t *testing.T, genFails, execFails bool, store *fakeStore) *Orchestrator {
	t.Helper()
	logger := zerolog.Nop()

	schemas := schema.NewRegistry(logger)

	classifier := intent.NewKeywordClassifier(0.1)

	registry := llm.NewRegistry()
	registry.Register(&fakeProvider{name: "primary", sql: "SELECT id, total FROM orders LIMIT 10", fail: genFails})

	generator := llm.NewSQLGenerator(registry, llm.FailoverConfig{PrimaryProvider: "primary", RetryAttempts: 1, RetryDelay: time.Millisecond}, logger)

	execRegistry := executor.NewRegistry()
	execRegistry.Register(domain.KindEcommerceOrders, &fakeAdapter{
		result: &executor.Result{
			Data:    []map[string]any{{"id": 1, "total": 100}},
			Columns: []string{"id", "total"},
			RowCount: 1,
		},
		err: errFor(execFails),
	})

	cacheEng := cache.NewEngine(logger, nil)

	resolver := &fakeResolver{ds: testDataSource()}

	return New(schemas, classifier, generator, execRegistry, cacheEng, store, resolver, logger, Config{
		BatchTimeout: 5 * time.Second, MinConfidence: 0.1,
	})
}

func errFor(fail bool) error {
	if fail {
		return errors.New("connection refused")
	}
	return nil
}

func TestExecuteQuery_HappyPath(t *testing.T) {
	store := &fakeStore{}
	o := buildOrchestrator(t, false, false, store)
	ch := stream.NewChannel(16)

	resp := o.ExecuteQuery(context.Background(), Request{
		Tenant: "t1", User: "u1", DataSourceID: "ds1",
		NaturalLanguage: "show me the top orders by total", UseCache: true,
	}, ch)

	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	if resp.RowCount != 1 || len(resp.Data) != 1 {
		t.Fatalf("unexpected result shape: %+v", resp)
	}
	if resp.Optimizations == nil {
		t.Fatal("expected optimization analysis to be populated")
	}
	if len(store.saved) != 1 || store.saved[0].Status != domain.StatusCompleted {
		t.Fatalf("expected one completed record saved, got %+v", store.saved)
	}
}

func TestExecuteQuery_ProgressIsMonotonicAndTerminatesAt100(t *testing.T) {
	store := &fakeStore{}
	o := buildOrchestrator(t, false, false, store)
	ch := stream.NewChannel(16)

	ctx := context.Background()
	var events []domain.PipelineEvent
	done := make(chan struct{})
	go func() {
		events = ch.Drain(ctx)
		close(done)
	}()

	resp := o.ExecuteQuery(ctx, Request{
		Tenant: "t1", DataSourceID: "ds1", NaturalLanguage: "show me the top orders by total",
	}, ch)
	<-done

	if !resp.Success {
		t.Fatalf("expected success, got %q", resp.Error)
	}
	last := -1
	for _, ev := range events {
		if ev.Progress == nil {
			continue
		}
		if *ev.Progress < last {
			t.Fatalf("progress went backwards: %d after %d", *ev.Progress, last)
		}
		last = *ev.Progress
	}
	if last != 100 {
		t.Fatalf("expected pipeline to terminate at progress 100, got %d", last)
	}
}

func TestExecuteQuery_LowConfidenceIntentRejected(t *testing.T) {
	store := &fakeStore{}
	o := buildOrchestrator(t, false, false, store)
	o.minConfidence = 0.99 // nothing the keyword classifier produces will clear this
	ch := stream.NewChannel(16)

	resp := o.ExecuteQuery(context.Background(), Request{
		Tenant: "t1", DataSourceID: "ds1", NaturalLanguage: "asdkj qpwoe xyzzy plugh",
	}, ch)

	if resp.Success {
		t.Fatal("expected low-confidence rejection")
	}
	if resp.Error != string(domain.KindIntentLowConf) {
		t.Fatalf("expected IntentLowConfidence, got %q", resp.Error)
	}
	if len(store.saved) != 1 || store.saved[0].Status != domain.StatusFailed {
		t.Fatalf("expected one failed record persisted, got %+v", store.saved)
	}
}

func TestExecuteQuery_UnsafeSQLRejected(t *testing.T) {
	store := &fakeStore{}
	logger := zerolog.Nop()
	schemas := schema.NewRegistry(logger)
	classifier := intent.NewKeywordClassifier(0.1)

	registry := llm.NewRegistry()
	registry.Register(&fakeProvider{name: "primary", sql: "DROP TABLE orders"})
	generator := llm.NewSQLGenerator(registry, llm.FailoverConfig{PrimaryProvider: "primary", RetryAttempts: 1, RetryDelay: time.Millisecond}, logger)

	execRegistry := executor.NewRegistry()
	execRegistry.Register(domain.KindEcommerceOrders, &fakeAdapter{result: &executor.Result{}})

	cacheEng := cache.NewEngine(logger, nil)
	o := New(schemas, classifier, generator, execRegistry, cacheEng, store, &fakeResolver{ds: testDataSource()}, logger, Config{MinConfidence: 0.1})

	ch := stream.NewChannel(16)
	resp := o.ExecuteQuery(context.Background(), Request{
		Tenant: "t1", DataSourceID: "ds1", NaturalLanguage: "drop the table holding the top orders",
	}, ch)

	if resp.Success {
		t.Fatal("expected unsafe SQL rejection")
	}
	if resp.Error != string(domain.KindUnsafeSQL) {
		t.Fatalf("expected UnsafeSQL, got %q", resp.Error)
	}
}

func TestExecuteQuery_ExecutionFailurePersistsFailedRecord(t *testing.T) {
	store := &fakeStore{}
	o := buildOrchestrator(t, false, true, store)
	ch := stream.NewChannel(16)

	resp := o.ExecuteQuery(context.Background(), Request{
		Tenant: "t1", DataSourceID: "ds1", NaturalLanguage: "show me the top orders by total",
	}, ch)

	if resp.Success {
		t.Fatal("expected execution failure")
	}
	if len(store.saved) != 1 || store.saved[0].Status != domain.StatusFailed {
		t.Fatalf("expected one failed record persisted, got %+v", store.saved)
	}
}

func TestExecuteQuery_CacheHitSkipsGeneration(t *testing.T) {
	store := &fakeStore{}
	o := buildOrchestrator(t, true, false, store) // generator would fail if invoked
	ch := stream.NewChannel(16)

	fp := cache.Fingerprint("t1", "ds1", "show me the top orders by total")
	o.cacheEng.Put(context.Background(), fp, domain.ResultPayload{
		Data:    []map[string]any{{"id": 7}},
		Columns: []string{"id"},
	}, time.Hour)

	resp := o.ExecuteQuery(context.Background(), Request{
		Tenant: "t1", DataSourceID: "ds1", NaturalLanguage: "show me the top orders by total", UseCache: true,
	}, ch)

	if !resp.Success || !resp.Cached {
		t.Fatalf("expected cached success, got %+v", resp)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("expected cached payload returned, got %+v", resp.Data)
	}
}

func TestExecuteQuery_ExplainReturnsSQLWithoutExecuting(t *testing.T) {
	store := &fakeStore{}
	o := buildOrchestrator(t, false, false, store)
	ch := stream.NewChannel(16)

	resp := o.ExecuteQuery(context.Background(), Request{
		Tenant: "t1", DataSourceID: "ds1", NaturalLanguage: "show me the top orders by total", Explain: true,
	}, ch)

	if !resp.Success || resp.SQL == "" {
		t.Fatalf("expected explain response with SQL, got %+v", resp)
	}
	if resp.Optimizations == nil {
		t.Fatal("expected optimization analysis on explain response")
	}
	if len(store.saved) != 0 {
		t.Fatalf("explain mode must not persist or execute, got %+v", store.saved)
	}
}

func TestExecuteQuery_ValidationRejectsShortInput(t *testing.T) {
	store := &fakeStore{}
	o := buildOrchestrator(t, false, false, store)
	ch := stream.NewChannel(16)

	resp := o.ExecuteQuery(context.Background(), Request{Tenant: "t1", DataSourceID: "ds1", NaturalLanguage: "hi"}, ch)
	if resp.Success || resp.Error != string(domain.KindInvalidRequest) {
		t.Fatalf("expected InvalidRequest, got %+v", resp)
	}
}
