// Package schema implements schema discovery and memoization: resolving a
// DataSource to its Schema, either by enumerating a live database, by
// returning a fixed built-in shape for SaaS-style sources, or by passing
// through a frozen hint for flat-file sources.
package schema

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/queryengine/domain"
)

// Enumerator is implemented by executor adapters capable of reading their
// own schema, e.g. PostgresAdapter reading information_schema.
type Enumerator interface {
	EnumerateSchema(ctx context.Context, ds *domain.DataSource) (*domain.Schema, error)
}

const maxCacheEntries = 256

type cacheKey struct {
	dataSourceID string
	lastSynced   int64
}

type cacheEntry struct {
	schema *domain.Schema
	key    cacheKey
}

// Registry resolves DataSources to Schemas, memoized by (data source id,
// last synced time) so a re-sync invalidates the cached shape without an
// explicit eviction call. One sync.Mutex per in-flight key prevents two
// concurrent callers from both paying the enumeration cost on a miss —
// single writer on miss, many readers once cached.
type Registry struct {
	mu          sync.Mutex
	entries     map[cacheKey]*cacheEntry
	order       []cacheKey // least recently used first, for bounded LRU eviction
	keyLocks    map[cacheKey]*sync.Mutex
	enumerators map[domain.DataSourceKind]Enumerator
	builtins    map[domain.DataSourceKind]*domain.Schema
	logger      zerolog.Logger
}

// NewRegistry builds a Registry seeded with the built-in SaaS schemas.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries:     make(map[cacheKey]*cacheEntry),
		keyLocks:    make(map[cacheKey]*sync.Mutex),
		enumerators: make(map[domain.DataSourceKind]Enumerator),
		builtins:    builtInSchemas(),
		logger:      logger,
	}
}

// RegisterEnumerator binds an Enumerator (typically an executor.Adapter)
// to the DataSourceKind it can introspect.
func (r *Registry) RegisterEnumerator(kind domain.DataSourceKind, e Enumerator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enumerators[kind] = e
}

// GetSchema resolves ds's Schema, consulting the memoization cache first.
func (r *Registry) GetSchema(ctx context.Context, ds *domain.DataSource) (*domain.Schema, error) {
	key := cacheKey{dataSourceID: ds.ID, lastSynced: ds.LastSyncedAt.UnixNano()}

	if s, ok := r.lookup(key); ok {
		return s, nil
	}

	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if s, ok := r.lookup(key); ok {
		return s, nil
	}

	s, err := r.resolve(ctx, ds)
	if err != nil {
		return nil, err
	}
	r.store(key, s)
	return s, nil
}

func (r *Registry) lookup(key cacheKey) (*domain.Schema, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			r.order = append(r.order, key)
			break
		}
	}
	return e.schema, true
}

func (r *Registry) store(key cacheKey, s *domain.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; !exists {
		r.order = append(r.order, key)
	}
	r.entries[key] = &cacheEntry{schema: s, key: key}
	for len(r.order) > maxCacheEntries {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.entries, oldest)
		delete(r.keyLocks, oldest)
	}
}

func (r *Registry) keyLock(key cacheKey) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		r.keyLocks[key] = l
	}
	return l
}

func (r *Registry) resolve(ctx context.Context, ds *domain.DataSource) (*domain.Schema, error) {
	switch ds.Kind {
	case domain.KindSpreadsheet, domain.KindCSV:
		if ds.SchemaHint == nil {
			return nil, domain.NewError(domain.KindDataSourceNotFound, "data source has no schema hint", domain.ErrSchemaUnavailable)
		}
		return ds.SchemaHint, nil

	case domain.KindEcommerceOrders, domain.KindPayments, domain.KindAccounting:
		s, ok := r.builtins[ds.Kind]
		if !ok {
			return nil, domain.NewError(domain.KindDataSourceNotFound, "no built-in schema for "+string(ds.Kind), domain.ErrSchemaUnavailable)
		}
		cloned := *s
		cloned.DataSourceID = ds.ID
		return &cloned, nil

	default:
		r.mu.Lock()
		enumerator, ok := r.enumerators[ds.Kind]
		r.mu.Unlock()
		if !ok {
			return nil, domain.NewError(domain.KindDataSourceNotFound, fmt.Sprintf("no schema enumerator registered for %s", ds.Kind), domain.ErrSchemaUnavailable)
		}
		start := time.Now()
		s, err := enumerator.EnumerateSchema(ctx, ds)
		if err != nil {
			return nil, fmt.Errorf("enumerate schema: %w", err)
		}
		r.logger.Debug().Str("data_source", ds.ID).Dur("elapsed", time.Since(start)).Int("tables", len(s.Tables)).Msg("schema enumerated")
		return s, nil
	}
}
