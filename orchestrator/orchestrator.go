// Package orchestrator implements spec C8: the Pipeline Orchestrator. It
// sequences the Schema Registry, Intent Classifier, Result Cache, SQL
// Generator, Validator, and Executor Adapter behind one ExecuteQuery
// operation, emitting PipelineEvents onto a stream.Channel at each step,
// and persists outcomes via the Query Manager. Adapted from the
// gateway's handler/proxy.go request lifecycle (parse request -> route
// to provider -> call -> respond), generalized from "one HTTP request,
// one provider call" into the 8-step pipeline of spec §4.8.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AlfredDev/queryengine/cache"
	"github.com/AlfredDev/queryengine/domain"
	"github.com/AlfredDev/queryengine/executor"
	"github.com/AlfredDev/queryengine/intent"
	"github.com/AlfredDev/queryengine/llm"
	"github.com/AlfredDev/queryengine/observability"
	"github.com/AlfredDev/queryengine/querymanager"
	"github.com/AlfredDev/queryengine/schema"
	"github.com/AlfredDev/queryengine/stream"
	"github.com/AlfredDev/queryengine/validator"
)

// progress checkpoints of spec §4.8, named so the pipeline's emitted
// values are easy to audit against the wire-protocol invariant (strictly
// non-decreasing, ending at exactly 100).
const (
	progressStart           = 0
	progressIntentStarted   = 10
	progressIntentResolved  = 20
	progressCacheCheck      = 30
	progressSQLGenStarted   = 40
	progressSQLGenDone      = 60
	progressExecutionStart  = 70
	progressExecutionEnd    = 90
	progressSaving          = 95
	progressComplete        = 100
	progressCacheHit        = 90
)

// Request is the ExecuteQuery/ExplainQuery input, spec §6.
type Request struct {
	Tenant          domain.Tenant
	User            string
	NaturalLanguage string
	DataSourceID    string
	UseCache        bool
	Explain         bool
	Streaming       bool
}

// Response is ExecuteQuery's non-streaming (or batch-terminal) shape per
// spec §6.1.
type Response struct {
	Success        bool                         `json:"success"`
	Data           []map[string]any              `json:"data,omitempty"`
	Columns        []string                      `json:"columns,omitempty"`
	RowCount       int                           `json:"rowCount,omitempty"`
	ExecutionTime  int64                         `json:"executionTime"`
	Cached         bool                          `json:"cached"`
	Intent         *domain.Intent                `json:"intent,omitempty"`
	SQL            string                        `json:"sql,omitempty"`
	Optimizations  *domain.OptimizationAnalysis  `json:"optimizations,omitempty"`
	QueryID        string                        `json:"queryId,omitempty"`
	DataSourceType domain.DataSourceKind         `json:"dataSourceType,omitempty"`
	Error          string                        `json:"error,omitempty"`
}

// DataSourceResolver resolves a data source identity within a tenant,
// the one collaborator interface this package borrows from the
// out-of-scope external management layer (spec §1's "assumed to have
// already ... resolved the tenant identity").
type DataSourceResolver interface {
	Resolve(ctx context.Context, tenant domain.Tenant, dataSourceID string) (*domain.DataSource, error)
}

// QueryStore is the slice of querymanager.Manager the orchestrator
// needs: enqueue a record for async persistence and look up similar
// past queries for the cache-check step. Kept as a narrow interface
// (rather than a concrete *querymanager.Manager) so the pipeline can be
// exercised in tests without a live Postgres pool.
type QueryStore interface {
	Save(record domain.QueryRecord) domain.QueryRecord
	FindSimilar(ctx context.Context, text string, tenant domain.Tenant, dataSourceID string, k int) ([]domain.QueryRecord, error)
}

// Orchestrator wires C1-C7 behind the §4.8 state machine.
type Orchestrator struct {
	schemas    *schema.Registry
	classifier intent.Classifier
	generator  *llm.SQLGenerator
	executors  *executor.Registry
	cacheEng   *cache.Engine
	queries    QueryStore
	resolver   DataSourceResolver
	logger     zerolog.Logger
	tracer     trace.Tracer

	batchTimeout  time.Duration
	streamTimeout time.Duration
	minConfidence float64
}

// Config controls orchestrator-level timeouts and thresholds (spec §6).
type Config struct {
	BatchTimeout  time.Duration
	StreamTimeout time.Duration
	MinConfidence float64
}

// New builds an Orchestrator from its component collaborators.
func New(
	schemas *schema.Registry,
	classifier intent.Classifier,
	generator *llm.SQLGenerator,
	executors *executor.Registry,
	cacheEng *cache.Engine,
	queries QueryStore,
	resolver DataSourceResolver,
	logger zerolog.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 30 * time.Second
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 120 * time.Second
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.30
	}
	return &Orchestrator{
		schemas:       schemas,
		classifier:    classifier,
		generator:     generator,
		executors:     executors,
		cacheEng:      cacheEng,
		queries:       queries,
		resolver:      resolver,
		logger:        logger.With().Str("component", "orchestrator").Logger(),
		tracer:        otel.Tracer("github.com/AlfredDev/queryengine/orchestrator"),
		batchTimeout:  cfg.BatchTimeout,
		streamTimeout: cfg.StreamTimeout,
		minConfidence: cfg.MinConfidence,
	}
}

func intp(v int) *int { return &v }

// ExecuteQuery runs the full §4.8 pipeline, emitting events on ch, and
// returns the terminal Response. Batch callers should call this and
// discard ch; streaming callers should range over ch.Events()
// concurrently while this call is in flight.
func (o *Orchestrator) ExecuteQuery(ctx context.Context, req Request, ch *stream.Channel) (resp Response) {
	pipelineStart := time.Now()
	defer func() {
		outcome := "failed"
		if resp.Success {
			outcome = "completed"
		}
		observability.RecordQueryOutcome(outcome, string(resp.DataSourceType))
		observability.RecordStage("pipeline", outcome, time.Since(pipelineStart).Seconds())
	}()

	if len(req.NaturalLanguage) < 5 || len(req.NaturalLanguage) > 1000 {
		return o.terminalError(ctx, ch, "", "validation", domain.KindInvalidRequest, "natural_language must be between 5 and 1000 characters", nil)
	}

	timeout := o.batchTimeout
	if req.Streaming {
		timeout = o.streamTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, rootSpan := o.tracer.Start(ctx, "pipeline.execute_query", trace.WithAttributes(
		attribute.String("tenant", string(req.Tenant)),
		attribute.String("data_source_id", req.DataSourceID),
		attribute.Bool("streaming", req.Streaming),
		attribute.Bool("explain", req.Explain),
	))
	defer rootSpan.End()

	start := time.Now()
	streamID := uuid.NewString()
	if !ch.Emit(ctx, domain.PipelineEvent{Type: domain.EventConnection, StreamID: streamID}) {
		return o.cancelledResponse(req, "", nil, start)
	}

	dsCtx, dsSpan := o.tracer.Start(ctx, "pipeline.data_source_resolution")
	ds, err := o.resolver.Resolve(dsCtx, req.Tenant, req.DataSourceID)
	dsSpan.End()
	if err != nil {
		return o.terminalError(ctx, ch, "", "data_source_resolution", domain.KindDataSourceNotFound, "data source not found", err)
	}

	// Step 2: intent detection.
	if !ch.Emit(ctx, progressEvent("intent_detection", progressIntentStarted, "classifying intent", nil)) {
		return o.cancelledResponse(req, ds.Kind, nil, start)
	}
	intentCtx, intentSpan := o.tracer.Start(ctx, "pipeline.intent_detection")
	detected, err := o.classifier.Classify(intentCtx, req.NaturalLanguage)
	if err != nil {
		intentSpan.RecordError(err)
		intentSpan.End()
		return o.terminalError(ctx, ch, "", "intent_detection", domain.KindInternal, "intent classifier unavailable", err)
	}
	intentSpan.SetAttributes(attribute.String("intent.label", detected.Label), attribute.Float64("intent.confidence", detected.Confidence))
	intentSpan.End()
	if detected.Confidence < o.minConfidence {
		o.persistFailed(ctx, req, ds.Kind, detected, "", "intent confidence below threshold")
		errEv := domain.PipelineEvent{
			Type: domain.EventError, Step: "intent_detection",
			Message: "could not confidently interpret the question", Error: string(domain.KindIntentLowConf),
			Data: map[string]any{"suggestions": detected.Suggestions},
		}
		ch.Emit(ctx, errEv)
		return Response{Success: false, Error: string(domain.KindIntentLowConf), Intent: detected, ExecutionTime: time.Since(start).Milliseconds()}
	}
	if !ch.Emit(ctx, progressEvent("intent_detection", progressIntentResolved, "intent resolved", detected)) {
		return o.cancelledResponse(req, ds.Kind, detected, start)
	}

	sch, err := o.schemas.GetSchema(ctx, ds)
	if err != nil {
		return o.terminalErrorWithIntent(ctx, ch, detected, "schema_resolution", domain.KindInternal, "schema unavailable", err, req, ds.Kind, start)
	}

	// Step 3: cache check.
	var fp domain.Fingerprint
	if req.UseCache {
		if !ch.Emit(ctx, progressEvent("cache_check", progressCacheCheck, "checking result cache", nil)) {
			return o.cancelledResponse(req, ds.Kind, detected, start)
		}
		fp = cache.Fingerprint(req.Tenant, req.DataSourceID, req.NaturalLanguage)
		cacheCtx, cacheSpan := o.tracer.Start(ctx, "pipeline.cache_check")
		if entry, ok := o.cacheEng.Get(cacheCtx, fp); ok {
			cacheSpan.SetAttributes(attribute.Bool("cache.hit", true))
			cacheSpan.End()
			return o.finishCacheHit(ctx, ch, req, ds, detected, entry, start)
		}
		if similar, serr := o.queries.FindSimilar(cacheCtx, req.NaturalLanguage, req.Tenant, req.DataSourceID, 1); serr == nil && len(similar) > 0 && similar[0].GeneratedSQL != "" {
			simFP := cache.Fingerprint(req.Tenant, req.DataSourceID, similar[0].NaturalLanguage)
			if entry, ok := o.cacheEng.Get(cacheCtx, simFP); ok {
				cacheSpan.SetAttributes(attribute.Bool("cache.hit", true))
				cacheSpan.End()
				return o.finishCacheHit(ctx, ch, req, ds, detected, entry, start)
			}
		}
		cacheSpan.SetAttributes(attribute.Bool("cache.hit", false))
		cacheSpan.End()
	}

	// Step 4: SQL generation.
	if !ch.Emit(ctx, progressEvent("sql_generation", progressSQLGenStarted, "generating sql", nil)) {
		return o.cancelledResponse(req, ds.Kind, detected, start)
	}
	genCtx, genSpan := o.tracer.Start(ctx, "pipeline.sql_generation")
	gen, err := o.generator.Generate(genCtx, req.NaturalLanguage, detected, sch, ds.Kind)
	if err != nil {
		genSpan.RecordError(err)
		genSpan.SetStatus(codes.Error, "sql generation failed")
		genSpan.End()
		o.persistFailed(ctx, req, ds.Kind, detected, "", "sql generation failed")
		return o.executionFailedResponse(ctx, ch, detected, start, err)
	}
	genSpan.End()
	if !ch.Emit(ctx, progressEvent("sql_generation", progressSQLGenDone, gen.Explanation, map[string]any{"explanation": gen.Explanation, "warnings": gen.Warnings})) {
		return o.cancelledResponse(req, ds.Kind, detected, start)
	}

	// Step 5: validation.
	_, validationSpan := o.tracer.Start(ctx, "pipeline.sql_validation")
	formatted, err := validator.ValidateAndFormat(gen.SQL)
	if err != nil {
		validationSpan.SetStatus(codes.Error, "unsafe sql rejected")
		validationSpan.End()
		o.persistFailed(ctx, req, ds.Kind, detected, gen.SQL, "unsafe sql rejected")
		errEv := domain.PipelineEvent{Type: domain.EventError, Step: "sql_validation", Message: "generated sql failed safety validation", Error: string(domain.KindUnsafeSQL)}
		ch.Emit(ctx, errEv)
		return Response{Success: false, Error: string(domain.KindUnsafeSQL), Intent: detected, ExecutionTime: time.Since(start).Milliseconds()}
	}
	validationSpan.End()

	if req.Explain {
		return Response{
			Success: true, Intent: detected, SQL: formatted,
			Optimizations: ptrAnalysis(querymanager.AnalyzeOptimization(formatted)),
			ExecutionTime: time.Since(start).Milliseconds(), DataSourceType: ds.Kind,
		}
	}

	// Step 6: execution.
	if !ch.Emit(ctx, progressEvent("sql_execution", progressExecutionStart, "executing query", nil)) {
		return o.cancelledResponse(req, ds.Kind, detected, start)
	}
	onProgress := func(message string, p float64) {
		relayed := progressExecutionStart + int(p*float64(progressExecutionEnd-progressExecutionStart))
		ch.Emit(ctx, progressEvent("sql_execution", relayed, message, nil))
	}
	execCtx, execSpan := o.tracer.Start(ctx, "pipeline.sql_execution")
	result, err := o.executors.Execute(execCtx, formatted, ds, executor.Options{Timeout: timeout, OnProgress: onProgress})
	if err != nil {
		execSpan.RecordError(err)
		execSpan.SetStatus(codes.Error, "execution failed")
		execSpan.End()
		o.persistFailed(ctx, req, ds.Kind, detected, formatted, "execution failed")
		return o.executionFailedResponse(ctx, ch, detected, start, err)
	}
	execSpan.SetAttributes(attribute.Int("row_count", result.RowCount))
	execSpan.End()

	// Step 7: saving results.
	if !ch.Emit(ctx, progressEvent("saving_results", progressSaving, "saving results", nil)) {
		return o.cancelledResponse(req, ds.Kind, detected, start)
	}
	_, saveSpan := o.tracer.Start(ctx, "pipeline.saving_results")
	analysis := querymanager.AnalyzeOptimization(formatted)
	record := domain.QueryRecord{
		Tenant: req.Tenant, DataSourceID: req.DataSourceID, User: req.User,
		NaturalLanguage: req.NaturalLanguage, GeneratedSQL: formatted,
		IntentLabel: detected.Label, Confidence: detected.Confidence,
		Status: domain.StatusCompleted, ExecutionMs: time.Since(start).Milliseconds(),
		RowCount: result.RowCount,
		Metadata: domain.QueryMetadata{
			Entities: detected.Entities, Timeframe: detected.Timeframe,
			Metrics: detected.Metrics, Dimensions: detected.Dimensions,
			Columns: result.Columns, OptimizationAnalysis: &analysis,
		},
	}
	saved := o.queries.Save(record)
	payload := domain.ResultPayload{Data: result.Data, Columns: result.Columns}
	if req.UseCache {
		o.cacheEng.Put(ctx, fp, payload, 0)
	}
	saveSpan.End()

	// Step 8: completion.
	resultData := map[string]any{"data": result.Data, "columns": result.Columns, "queryId": saved.ID}
	ch.Emit(ctx, domain.PipelineEvent{Type: domain.EventResult, Step: "completed", Progress: intp(progressComplete), Data: resultData})

	resp := Response{
		Success: true, Data: result.Data, Columns: result.Columns, RowCount: result.RowCount,
		ExecutionTime: time.Since(start).Milliseconds(), Cached: false, Intent: detected,
		Optimizations: &analysis, QueryID: saved.ID, DataSourceType: ds.Kind,
	}
	if req.Explain {
		resp.SQL = formatted
	}
	return resp
}

func (o *Orchestrator) finishCacheHit(ctx context.Context, ch *stream.Channel, req Request, ds *domain.DataSource, detected *domain.Intent, entry *domain.CacheEntry, start time.Time) Response {
	if !ch.Emit(ctx, progressEvent("cache_hit", progressCacheHit, "serving cached result", nil)) {
		return o.cancelledResponse(req, ds.Kind, detected, start)
	}
	resultData := map[string]any{"data": entry.Payload.Data, "columns": entry.Payload.Columns, "cached": true}
	ch.Emit(ctx, domain.PipelineEvent{Type: domain.EventResult, Step: "completed", Progress: intp(progressComplete), Data: resultData})

	record := domain.QueryRecord{
		Tenant: req.Tenant, DataSourceID: req.DataSourceID, User: req.User,
		NaturalLanguage: req.NaturalLanguage, GeneratedSQL: "CACHED",
		IntentLabel: detected.Label, Confidence: detected.Confidence,
		Status: domain.StatusCompleted, ExecutionMs: time.Since(start).Milliseconds(),
		RowCount: len(entry.Payload.Data),
	}
	saved := o.queries.Save(record)

	return Response{
		Success: true, Data: entry.Payload.Data, Columns: entry.Payload.Columns,
		RowCount: len(entry.Payload.Data), ExecutionTime: time.Since(start).Milliseconds(),
		Cached: true, Intent: detected, QueryID: saved.ID, DataSourceType: ds.Kind,
	}
}

func (o *Orchestrator) executionFailedResponse(ctx context.Context, ch *stream.Channel, detected *domain.Intent, start time.Time, cause error) Response {
	kind := domain.KindOf(cause)
	if kind == domain.KindInternal {
		kind = domain.KindExecutionFailed
	}
	ch.Emit(ctx, domain.PipelineEvent{Type: domain.EventError, Step: "execution_failed", Message: safeMessage(cause), Error: string(kind)})
	return Response{Success: false, Error: string(kind), Intent: detected, ExecutionTime: time.Since(start).Milliseconds()}
}

func (o *Orchestrator) terminalError(ctx context.Context, ch *stream.Channel, sql, step string, kind domain.Kind, message string, cause error) Response {
	ch.Emit(ctx, domain.PipelineEvent{Type: domain.EventError, Step: step, Message: message, Error: string(kind)})
	return Response{Success: false, Error: string(kind)}
}

func (o *Orchestrator) terminalErrorWithIntent(ctx context.Context, ch *stream.Channel, detected *domain.Intent, step string, kind domain.Kind, message string, cause error, req Request, dsKind domain.DataSourceKind, start time.Time) Response {
	o.persistFailed(ctx, req, dsKind, detected, "", message)
	ch.Emit(ctx, domain.PipelineEvent{Type: domain.EventError, Step: step, Message: message, Error: string(kind)})
	return Response{Success: false, Error: string(kind), Intent: detected, ExecutionTime: time.Since(start).Milliseconds()}
}

// persistFailed best-effort persists a failed QueryRecord before a
// terminal error response, per §4.8/§7's "always attempts to persist".
func (o *Orchestrator) persistFailed(ctx context.Context, req Request, dsKind domain.DataSourceKind, detected *domain.Intent, sql, errMsg string) {
	label, confidence := "", 0.0
	if detected != nil {
		label, confidence = detected.Label, detected.Confidence
	}
	o.queries.Save(domain.QueryRecord{
		Tenant: req.Tenant, DataSourceID: req.DataSourceID, User: req.User,
		NaturalLanguage: req.NaturalLanguage, GeneratedSQL: sql,
		IntentLabel: label, Confidence: confidence,
		Status: domain.StatusFailed, ErrorMessage: errMsg,
	})
}

// cancelledResponse is returned when ch.Emit observes consumer
// cancellation. Per §5, "the orchestrator still attempts to persist a
// failed QueryRecord with error_message = 'cancelled'" even though the
// stream itself is gone; it uses a background context since req's ctx
// may already be cancelled.
func (o *Orchestrator) cancelledResponse(req Request, dsKind domain.DataSourceKind, detected *domain.Intent, start time.Time) Response {
	o.persistFailed(context.Background(), req, dsKind, detected, "", "cancelled")
	return Response{Success: false, Error: string(domain.KindCancelled), Intent: detected, ExecutionTime: time.Since(start).Milliseconds()}
}

func progressEvent(step string, progress int, message string, data any) domain.PipelineEvent {
	return domain.PipelineEvent{Type: domain.EventProgress, Step: step, Message: message, Progress: intp(progress), Data: data}
}

func safeMessage(err error) string {
	if err == nil {
		return "execution failed"
	}
	return fmt.Sprintf("execution failed: %s", err.Error())
}

func ptrAnalysis(a domain.OptimizationAnalysis) *domain.OptimizationAnalysis { return &a }
