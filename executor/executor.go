// Package executor implements spec C5: one Adapter per DataSource kind,
// running validated SQL with a timeout and optional progress callbacks.
package executor

import (
	"context"
	"time"

	"github.com/AlfredDev/queryengine/domain"
)

// ProgressFunc is invoked at driver-defined checkpoints with progress in [0,1].
// Cooperative: implementations must not block the adapter beyond a short bound.
type ProgressFunc func(message string, progress float64)

// Options controls one Execute call.
type Options struct {
	Timeout    time.Duration
	OnProgress ProgressFunc
}

// Result is the portable tabular outcome of one Execute call.
type Result struct {
	Data      []map[string]any
	Columns   []string
	RowCount  int
	ElapsedMs int64
}

// Adapter runs validated SQL against one DataSource kind.
type Adapter interface {
	Execute(ctx context.Context, sql string, ds *domain.DataSource, opts Options) (*Result, error)
}

// Registry resolves a DataSourceKind to its Adapter.
type Registry struct {
	adapters map[domain.DataSourceKind]Adapter
}

// NewRegistry builds an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.DataSourceKind]Adapter)}
}

// Register binds an Adapter to a DataSourceKind.
func (r *Registry) Register(kind domain.DataSourceKind, a Adapter) {
	r.adapters[kind] = a
}

// For returns the Adapter registered for kind, or AdapterUnimplemented.
func (r *Registry) For(kind domain.DataSourceKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, domain.NewError(domain.KindExecutionFailed, "no executor adapter for data source kind "+string(kind), domain.ErrAdapterUnimplemented)
	}
	return a, nil
}

// Execute resolves the adapter for ds.Kind and runs sql through it,
// enforcing opts.Timeout via context cancellation regardless of which
// adapter handles the call.
func (r *Registry) Execute(ctx context.Context, sql string, ds *domain.DataSource, opts Options) (*Result, error) {
	a, err := r.For(ds.Kind)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	result, err := a.Execute(ctx, sql, ds, opts)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, domain.NewError(domain.KindExecutionFailed, "execution timed out", domain.ErrAdapterTimeout)
		}
		if ctx.Err() == context.Canceled {
			return nil, domain.NewError(domain.KindCancelled, "execution cancelled", ctx.Err())
		}
		return nil, domain.NewError(domain.KindExecutionFailed, "adapter error", err)
	}
	if result.ElapsedMs == 0 {
		result.ElapsedMs = time.Since(start).Milliseconds()
	}
	return result, nil
}
