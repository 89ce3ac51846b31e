package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/queryengine/cache"
	"github.com/AlfredDev/queryengine/domain"
	"github.com/AlfredDev/queryengine/executor"
	"github.com/AlfredDev/queryengine/intent"
	"github.com/AlfredDev/queryengine/llm"
	"github.com/AlfredDev/queryengine/orchestrator"
	"github.com/AlfredDev/queryengine/querymanager"
	"github.com/AlfredDev/queryengine/schema"
)

type fakeFullStore struct {
	saved map[string]domain.QueryRecord
}

func newFakeFullStore() *fakeFullStore {
	return &fakeFullStore{saved: make(map[string]domain.QueryRecord)}
}

func (f *fakeFullStore) Save(record domain.QueryRecord) domain.QueryRecord {
	record.ID = "q1"
	f.saved[record.ID] = record
	return record
}

func (f *fakeFullStore) FindSimilar(ctx context.Context, text string, tenant domain.Tenant, dataSourceID string, k int) ([]domain.QueryRecord, error) {
	return nil, nil
}

func (f *fakeFullStore) Get(ctx context.Context, id string, tenant domain.Tenant) (*domain.QueryRecord, error) {
	rec, ok := f.saved[id]
	if !ok {
		return nil, domain.NewError(domain.KindDataSourceNotFound, "query record not found", nil)
	}
	return &rec, nil
}

func (f *fakeFullStore) History(ctx context.Context, tenant domain.Tenant, filters querymanager.Filters, page querymanager.Page) ([]domain.QueryRecord, int, error) {
	var out []domain.QueryRecord
	for _, rec := range f.saved {
		out = append(out, rec)
	}
	return out, len(out), nil
}

func (f *fakeFullStore) Analytics(ctx context.Context, tenant domain.Tenant, window string) (*querymanager.Analytics, error) {
	return &querymanager.Analytics{TotalQueries: len(f.saved)}, nil
}

func (f *fakeFullStore) OptimizationReport(ctx context.Context, tenant domain.Tenant, window string) (*querymanager.OptimizationReport, error) {
	return &querymanager.OptimizationReport{}, nil
}

func (f *fakeFullStore) UpdateFeedback(ctx context.Context, id string, tenant domain.Tenant, feedback domain.Feedback) (*domain.QueryRecord, error) {
	rec, ok := f.saved[id]
	if !ok {
		return nil, domain.NewError(domain.KindDataSourceNotFound, "query record not found", nil)
	}
	rec.Metadata.Feedback = &feedback
	f.saved[id] = rec
	return &rec, nil
}

func (f *fakeFullStore) Delete(ctx context.Context, id string, tenant domain.Tenant) error {
	if _, ok := f.saved[id]; !ok {
		return domain.NewError(domain.KindDataSourceNotFound, "query record not found", nil)
	}
	delete(f.saved, id)
	return nil
}

type fakeResolver struct{ ds *domain.DataSource }

func (f *fakeResolver) Resolve(ctx context.Context, tenant domain.Tenant, dataSourceID string) (*domain.DataSource, error) {
	return f.ds, nil
}

type fakeProvider struct{ sql string }

func (f *fakeProvider) Name() string     { return "primary" }
func (f *fakeProvider) Models() []string { return []string{"m1"} }
func (f *fakeProvider) HealthCheck(ctx context.Context) llm.HealthStatus {
	return llm.HealthStatus{Healthy: true}
}
func (f *fakeProvider) ChatCompletion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Choices: []llm.Choice{{Message: llm.ChatMessage{Content: `{"sql":"` + f.sql + `","explanation":"ok","confidence":0.9,"estimated_rows":1,"warnings":[]}`}}},
	}, nil
}

type fakeAdapter struct{}

func (f *fakeAdapter) Execute(ctx context.Context, sql string, ds *domain.DataSource, opts executor.Options) (*executor.Result, error) {
	return &executor.Result{Data: []map[string]any{{"id": 1}}, Columns: []string{"id"}, RowCount: 1}, nil
}

func buildTestHandler(t *testing.T) (*Handler, *fakeFullStore) {
	t.Helper()
	logger := zerolog.Nop()
	store := newFakeFullStore()

	schemas := schema.NewRegistry(logger)
	classifier := intent.NewKeywordClassifier(0.1)

	registry := llm.NewRegistry()
	registry.Register(&fakeProvider{sql: "SELECT id FROM orders LIMIT 10"})
	generator := llm.NewSQLGenerator(registry, llm.FailoverConfig{PrimaryProvider: "primary", RetryAttempts: 1, RetryDelay: time.Millisecond}, logger)

	execRegistry := executor.NewRegistry()
	execRegistry.Register(domain.KindEcommerceOrders, &fakeAdapter{})

	cacheEng := cache.NewEngine(logger, nil)
	resolver := &fakeResolver{ds: &domain.DataSource{ID: "ds1", Tenant: "default", Kind: domain.KindEcommerceOrders}}

	orch := orchestrator.New(schemas, classifier, generator, execRegistry, cacheEng, store, resolver, logger, orchestrator.Config{MinConfidence: 0.1})
	return New(orch, store, logger), store
}

func TestExecuteQuery_HTTPHappyPath(t *testing.T) {
	h, _ := buildTestHandler(t)

	body, _ := json.Marshal(executeRequest{NaturalLanguage: "show me the top orders by total", DataSourceID: "ds1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/queries", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.ExecuteQuery(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp orchestrator.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.RowCount != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestExecuteQuery_HTTPValidationError(t *testing.T) {
	h, _ := buildTestHandler(t)

	body, _ := json.Marshal(executeRequest{NaturalLanguage: "hi", DataSourceID: "ds1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/queries", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.ExecuteQuery(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func testRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/queries/{id}", h.GetQuery)
	r.Delete("/v1/queries/{id}", h.DeleteQuery)
	r.Post("/v1/queries/{id}/feedback", h.SubmitFeedback)
	return r
}

func TestGetQuery_NotFound(t *testing.T) {
	h, _ := buildTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/queries/missing", nil)
	w := httptest.NewRecorder()
	testRouter(h).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSubmitFeedback_UpdatesRecord(t *testing.T) {
	h, store := buildTestHandler(t)
	store.saved["q1"] = domain.QueryRecord{ID: "q1", Tenant: "default"}

	body, _ := json.Marshal(feedbackRequest{Helpful: true, Accurate: true, Comments: "nice"})
	req := httptest.NewRequest(http.MethodPost, "/v1/queries/q1/feedback", bytes.NewReader(body))
	w := httptest.NewRecorder()

	testRouter(h).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if store.saved["q1"].Metadata.Feedback == nil || !store.saved["q1"].Metadata.Feedback.Helpful {
		t.Fatalf("expected feedback persisted, got %+v", store.saved["q1"])
	}
}
