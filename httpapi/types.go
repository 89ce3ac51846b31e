package httpapi

import (
	"context"
	"net/url"
	"time"

	"github.com/AlfredDev/queryengine/domain"
	"github.com/AlfredDev/queryengine/querymanager"
)

// FullQueryStore is the Query Manager surface the HTTP layer needs:
// every read/feedback/delete operation a host API exposes (Save and
// FindSimilar stay in orchestrator.QueryStore). *querymanager.Manager satisfies this
// directly; tests may substitute a fake.
type FullQueryStore interface {
	Get(ctx context.Context, id string, tenant domain.Tenant) (*domain.QueryRecord, error)
	History(ctx context.Context, tenant domain.Tenant, filters querymanager.Filters, page querymanager.Page) ([]domain.QueryRecord, int, error)
	Analytics(ctx context.Context, tenant domain.Tenant, window string) (*querymanager.Analytics, error)
	OptimizationReport(ctx context.Context, tenant domain.Tenant, window string) (*querymanager.OptimizationReport, error)
	UpdateFeedback(ctx context.Context, id string, tenant domain.Tenant, feedback domain.Feedback) (*domain.QueryRecord, error)
	Delete(ctx context.Context, id string, tenant domain.Tenant) error
}

func filtersFromParams(q url.Values) querymanager.Filters {
	var f querymanager.Filters
	if s := q.Get("status"); s != "" {
		f.Status = domain.QueryStatus(s)
	}
	f.DataSourceID = q.Get("data_source_id")
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	return f
}

func pageFromParams(q url.Values) querymanager.Page {
	return querymanager.Page{
		Limit:  atoiDefault(q.Get("limit"), 50),
		Offset: atoiDefault(q.Get("offset"), 0),
	}
}
