package querymanager

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AlfredDev/queryengine/domain"
)

// PostgresSink batch-inserts QueryRecords into the queries table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink builds a sink over an existing pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (s *PostgresSink) WriteRecords(ctx context.Context, records []domain.QueryRecord) error {
	batch := &pgx.Batch{}
	for _, r := range records {
		metadata, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", r.ID, err)
		}
		batch.Queue(`
			INSERT INTO queries (id, tenant, data_source_id, app_user, natural_language,
				generated_sql, intent_label, confidence, status, execution_ms, row_count,
				error_message, metadata, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status, execution_ms = EXCLUDED.execution_ms,
				row_count = EXCLUDED.row_count, error_message = EXCLUDED.error_message,
				metadata = EXCLUDED.metadata`,
			r.ID, string(r.Tenant), r.DataSourceID, r.User, r.NaturalLanguage,
			r.GeneratedSQL, r.IntentLabel, r.Confidence, string(r.Status), r.ExecutionMs, r.RowCount,
			r.ErrorMessage, metadata, r.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("exec batched insert: %w", err)
		}
	}
	return nil
}
