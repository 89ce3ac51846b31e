package querymanager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/AlfredDev/queryengine/domain"
)

// Filters narrows History to a subset of a tenant's QueryRecords.
type Filters struct {
	Status       domain.QueryStatus
	DataSourceID string
	From         time.Time
	To           time.Time
}

// Page requests a bounded, offset-paginated slice of results.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalized() Page {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// DailyCount is one day's query volume, part of Analytics.
type DailyCount struct {
	Day   string
	Count int
}

// Analytics is the §4.7 aggregate report over a time window.
type Analytics struct {
	TotalQueries        int
	SuccessRate         float64
	IntentHistogram     map[string]int
	DataSourceHistogram map[string]int
	DailyCounts         []DailyCount
	LatencyBuckets      map[string]int // "<1s", "1-5s", ">5s"
}

// OptimizationReport summarises OptimizationAnalysis scores across a
// tenant's completed queries with generated SQL over a window.
type OptimizationReport struct {
	SampleSize       int
	AverageScore     float64
	CategoryCounts   map[domain.OptimizationCategory]int
	TopSuggestions   []string
}

// windowDuration maps the spec's enumerated window tokens to a duration,
// defaulting to 7 days for an unrecognised value.
func windowDuration(window string) time.Duration {
	switch window {
	case "1d":
		return 24 * time.Hour
	case "7d":
		return 7 * 24 * time.Hour
	case "30d":
		return 30 * 24 * time.Hour
	case "90d":
		return 90 * 24 * time.Hour
	case "1y":
		return 365 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Get returns the QueryRecord with id, scoped to tenant. Returns
// DataSourceNotFound if id does not exist or belongs to another tenant —
// per the invariant that a QueryRecord is never visible outside its owner.
func (m *Manager) Get(ctx context.Context, id string, tenant domain.Tenant) (*domain.QueryRecord, error) {
	row := m.pool.QueryRow(ctx, `
		SELECT id, tenant, data_source_id, app_user, natural_language, generated_sql,
		       intent_label, confidence, status, execution_ms, row_count, error_message,
		       metadata, created_at
		FROM queries WHERE id = $1 AND tenant = $2`, id, string(tenant))
	rec, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.NewError(domain.KindDataSourceNotFound, "query record not found", err)
		}
		return nil, fmt.Errorf("get query record: %w", err)
	}
	return rec, nil
}

// History returns a page of a tenant's QueryRecords matching filters,
// newest first, plus the total matching count for pagination.
func (m *Manager) History(ctx context.Context, tenant domain.Tenant, filters Filters, page Page) ([]domain.QueryRecord, int, error) {
	page = page.normalized()

	where := `tenant = $1`
	args := []any{string(tenant)}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.DataSourceID != "" {
		args = append(args, filters.DataSourceID)
		where += fmt.Sprintf(" AND data_source_id = $%d", len(args))
	}
	if !filters.From.IsZero() {
		args = append(args, filters.From)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filters.To.IsZero() {
		args = append(args, filters.To)
		where += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	var total int
	if err := m.pool.QueryRow(ctx, "SELECT count(*) FROM queries WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	args = append(args, page.Limit, page.Offset)
	rows, err := m.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, tenant, data_source_id, app_user, natural_language, generated_sql,
		       intent_label, confidence, status, execution_ms, row_count, error_message,
		       metadata, created_at
		FROM queries WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.QueryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

// FindSimilar returns up to k recent completed queries for (tenant,
// dataSourceID) whose natural language contains text's first extracted
// keyword, per §4.6.
func (m *Manager) FindSimilar(ctx context.Context, text string, tenant domain.Tenant, dataSourceID string, k int) ([]domain.QueryRecord, error) {
	keyword := firstKeyword(text)
	if keyword == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}
	rows, err := m.pool.Query(ctx, `
		SELECT id, tenant, data_source_id, app_user, natural_language, generated_sql,
		       intent_label, confidence, status, execution_ms, row_count, error_message,
		       metadata, created_at
		FROM queries
		WHERE tenant = $1 AND data_source_id = $2 AND status = $3
		  AND natural_language ILIKE '%' || $4 || '%'
		ORDER BY created_at DESC LIMIT $5`,
		string(tenant), dataSourceID, string(domain.StatusCompleted), keyword, k)
	if err != nil {
		return nil, fmt.Errorf("find similar: %w", err)
	}
	defer rows.Close()

	var out []domain.QueryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan similar row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Analytics aggregates a tenant's QueryRecords over window into totals,
// success rate, intent/data-source histograms, per-day counts, and
// bucketed latency, per §4.7.
func (m *Manager) Analytics(ctx context.Context, tenant domain.Tenant, window string) (*Analytics, error) {
	since := time.Now().Add(-windowDuration(window))

	rows, err := m.pool.Query(ctx, `
		SELECT intent_label, data_source_id, status, execution_ms, created_at
		FROM queries WHERE tenant = $1 AND created_at >= $2`, string(tenant), since)
	if err != nil {
		return nil, fmt.Errorf("query analytics: %w", err)
	}
	defer rows.Close()

	report := &Analytics{
		IntentHistogram:     make(map[string]int),
		DataSourceHistogram: make(map[string]int),
		LatencyBuckets:      map[string]int{"<1s": 0, "1-5s": 0, ">5s": 0},
	}
	dayCounts := make(map[string]int)
	completed := 0

	for rows.Next() {
		var intentLabel, dataSourceID, status string
		var executionMs int64
		var createdAt time.Time
		if err := rows.Scan(&intentLabel, &dataSourceID, &status, &executionMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan analytics row: %w", err)
		}
		report.TotalQueries++
		if status == string(domain.StatusCompleted) {
			completed++
		}
		if intentLabel != "" {
			report.IntentHistogram[intentLabel]++
		}
		report.DataSourceHistogram[dataSourceID]++
		dayCounts[createdAt.UTC().Format("2006-01-02")]++

		switch {
		case executionMs < 1000:
			report.LatencyBuckets["<1s"]++
		case executionMs <= 5000:
			report.LatencyBuckets["1-5s"]++
		default:
			report.LatencyBuckets[">5s"]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analytics: %w", err)
	}

	if report.TotalQueries > 0 {
		report.SuccessRate = float64(completed) / float64(report.TotalQueries) * 100
	}
	for day, count := range dayCounts {
		report.DailyCounts = append(report.DailyCounts, DailyCount{Day: day, Count: count})
	}
	return report, nil
}

// OptimizationReport summarises stored OptimizationAnalysis results for a
// tenant's completed queries over window.
func (m *Manager) OptimizationReport(ctx context.Context, tenant domain.Tenant, window string) (*OptimizationReport, error) {
	since := time.Now().Add(-windowDuration(window))

	rows, err := m.pool.Query(ctx, `
		SELECT metadata FROM queries
		WHERE tenant = $1 AND status = $2 AND generated_sql <> '' AND created_at >= $3`,
		string(tenant), string(domain.StatusCompleted), since)
	if err != nil {
		return nil, fmt.Errorf("query optimization report: %w", err)
	}
	defer rows.Close()

	report := &OptimizationReport{CategoryCounts: make(map[domain.OptimizationCategory]int)}
	var totalScore int
	suggestionCounts := make(map[string]int)

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan optimization row: %w", err)
		}
		var meta domain.QueryMetadata
		if err := json.Unmarshal(raw, &meta); err != nil || meta.OptimizationAnalysis == nil {
			continue
		}
		report.SampleSize++
		totalScore += meta.OptimizationAnalysis.Score
		report.CategoryCounts[meta.OptimizationAnalysis.Category]++
		for _, s := range meta.OptimizationAnalysis.Suggestions {
			suggestionCounts[s]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate optimization report: %w", err)
	}
	if report.SampleSize > 0 {
		report.AverageScore = float64(totalScore) / float64(report.SampleSize)
	}
	report.TopSuggestions = topSuggestions(suggestionCounts, 5)
	return report, nil
}

func topSuggestions(counts map[string]int, limit int) []string {
	type kv struct {
		s string
		n int
	}
	ordered := make([]kv, 0, len(counts))
	for s, n := range counts {
		ordered = append(ordered, kv{s, n})
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].n > ordered[i].n {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	if limit > len(ordered) {
		limit = len(ordered)
	}
	out := make([]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = ordered[i].s
	}
	return out
}

// UpdateFeedback sets user feedback in a QueryRecord's metadata,
// idempotently under equal payloads (the second call with the same
// feedback overwrites with an identical row).
func (m *Manager) UpdateFeedback(ctx context.Context, id string, tenant domain.Tenant, feedback domain.Feedback) (*domain.QueryRecord, error) {
	feedback.UpdatedAt = time.Now().UTC()
	rec, err := m.Get(ctx, id, tenant)
	if err != nil {
		return nil, err
	}
	if prev := rec.Metadata.Feedback; prev != nil && prev.Helpful == feedback.Helpful &&
		prev.Accurate == feedback.Accurate && prev.Comments == feedback.Comments &&
		((prev.Rating == nil && feedback.Rating == nil) ||
			(prev.Rating != nil && feedback.Rating != nil && *prev.Rating == *feedback.Rating)) {
		feedback.UpdatedAt = prev.UpdatedAt
	}
	rec.Metadata.Feedback = &feedback

	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal feedback metadata: %w", err)
	}
	tag, err := m.pool.Exec(ctx, `UPDATE queries SET metadata = $1 WHERE id = $2 AND tenant = $3`,
		metaJSON, id, string(tenant))
	if err != nil {
		return nil, fmt.Errorf("update feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.NewError(domain.KindDataSourceNotFound, "query record not found", nil)
	}
	return rec, nil
}

// Delete removes a tenant's QueryRecord by id.
func (m *Manager) Delete(ctx context.Context, id string, tenant domain.Tenant) error {
	tag, err := m.pool.Exec(ctx, `DELETE FROM queries WHERE id = $1 AND tenant = $2`, id, string(tenant))
	if err != nil {
		return fmt.Errorf("delete query record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewError(domain.KindDataSourceNotFound, "query record not found", nil)
	}
	return nil
}

// rowScanner abstracts over pgx.Row and pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.QueryRecord, error) {
	var rec domain.QueryRecord
	var tenant, status string
	var metaRaw []byte
	if err := row.Scan(&rec.ID, &tenant, &rec.DataSourceID, &rec.User, &rec.NaturalLanguage,
		&rec.GeneratedSQL, &rec.IntentLabel, &rec.Confidence, &status, &rec.ExecutionMs,
		&rec.RowCount, &rec.ErrorMessage, &metaRaw, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Tenant = domain.Tenant(tenant)
	rec.Status = domain.QueryStatus(status)
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}
