package schema

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/queryengine/domain"
)

func TestRegistry_BuiltInSchema(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	ds := &domain.DataSource{ID: "ds-1", Kind: domain.KindPayments}
	s, err := r.GetSchema(context.Background(), ds)
	if err != nil {
		t.Fatalf("GetSchema: %v", err)
	}
	if s.DataSourceID != "ds-1" || len(s.Tables) == 0 {
		t.Fatalf("unexpected schema: %+v", s)
	}
}

func TestRegistry_SchemaHintPassthrough(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	hint := &domain.Schema{DataSourceID: "ds-2", Tables: []domain.Table{{Name: "sheet1"}}}
	ds := &domain.DataSource{ID: "ds-2", Kind: domain.KindCSV, SchemaHint: hint}
	s, err := r.GetSchema(context.Background(), ds)
	if err != nil {
		t.Fatalf("GetSchema: %v", err)
	}
	if s != hint {
		t.Fatalf("expected hint passthrough, got %+v", s)
	}
}

type fakeEnumerator struct {
	calls int
	schema *domain.Schema
}

func (f *fakeEnumerator) EnumerateSchema(ctx context.Context, ds *domain.DataSource) (*domain.Schema, error) {
	f.calls++
	return f.schema, nil
}

func TestRegistry_MemoizesByLastSynced(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	fe := &fakeEnumerator{schema: &domain.Schema{DataSourceID: "ds-3"}}
	r.RegisterEnumerator(domain.KindRelationalPostgres, fe)

	ds := &domain.DataSource{ID: "ds-3", Kind: domain.KindRelationalPostgres}
	if _, err := r.GetSchema(context.Background(), ds); err != nil {
		t.Fatalf("first GetSchema: %v", err)
	}
	if _, err := r.GetSchema(context.Background(), ds); err != nil {
		t.Fatalf("second GetSchema: %v", err)
	}
	if fe.calls != 1 {
		t.Fatalf("expected 1 enumerate call from memoization, got %d", fe.calls)
	}
}

func TestRegistry_MissingEnumerator(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	ds := &domain.DataSource{ID: "ds-4", Kind: domain.KindRelationalMySQL}
	if _, err := r.GetSchema(context.Background(), ds); domain.KindOf(err) != domain.KindDataSourceNotFound {
		t.Fatalf("expected DataSourceNotFound, got %v", err)
	}
}
