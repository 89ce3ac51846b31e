package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/queryengine/domain"
)

type fakeProvider struct {
	name    string
	models  []string
	failN   int // number of calls that return an error before succeeding
	rateLtd bool
	calls   int
	sql     string
}

func (f *fakeProvider) Name() string   { return f.name }
func (f *fakeProvider) Models() []string { return f.models }
func (f *fakeProvider) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Healthy: true}
}
func (f *fakeProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	f.calls++
	if f.calls <= f.failN {
		if f.rateLtd {
			return nil, errors.New("429 rate limit exceeded")
		}
		return nil, errors.New("transient upstream error")
	}
	return &ChatResponse{
		Choices: []Choice{{Message: ChatMessage{Content: `{"sql":"` + f.sql + `","explanation":"ok","confidence":0.9,"estimated_rows":10,"warnings":[]}`}}},
	}, nil
}

func testSchema() *domain.Schema {
	return &domain.Schema{
		DataSourceID: "d1",
		DatabaseType: "postgres",
		Tables: []domain.Table{
			{Name: "orders", Columns: []domain.Column{{Name: "id", Type: "int"}, {Name: "total", Type: "numeric"}}},
		},
	}
}

func TestSQLGenerator_ProviderFailover(t *testing.T) {
	registry := NewRegistry()
	bad := &fakeProvider{name: "a", models: []string{"m1"}, failN: 10, rateLtd: true}
	good := &fakeProvider{name: "b", models: []string{"m1"}, sql: "SELECT * FROM orders LIMIT 10"}
	registry.Register(bad)
	registry.Register(good)

	gen := NewSQLGenerator(registry, FailoverConfig{PrimaryProvider: "a", RetryAttempts: 2, RetryDelay: time.Millisecond}, zerolog.Nop())

	result, err := gen.Generate(context.Background(), "top orders", nil, testSchema(), domain.KindRelationalPostgres)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.ProviderUsed != "b" {
		t.Fatalf("expected failover to provider b, got %q", result.ProviderUsed)
	}
}

func TestSQLGenerator_AllProvidersFailed(t *testing.T) {
	registry := NewRegistry()
	bad := &fakeProvider{name: "a", models: []string{"m1"}, failN: 100}
	registry.Register(bad)

	gen := NewSQLGenerator(registry, FailoverConfig{RetryAttempts: 2, RetryDelay: time.Millisecond}, zerolog.Nop())
	_, err := gen.Generate(context.Background(), "top orders", nil, testSchema(), domain.KindRelationalPostgres)
	if domain.KindOf(err) != domain.KindSQLGenFailed {
		t.Fatalf("expected SQLGenerationFailed, got %v", err)
	}
}

func TestParseGenerationResponse_BadJSON(t *testing.T) {
	_, err := parseGenerationResponse("not json at all")
	if !errors.Is(err, domain.ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
}
