// Package datasource is the thin read-path adapter the composition root
// wires in for orchestrator.DataSourceResolver. Full data-source
// lifecycle management (onboarding, credential rotation, sync
// scheduling) is an external collaborator's job; this package only
// answers "what is data source X for tenant Y", reading the row an
// onboarding flow elsewhere is assumed to have written. Modeled on the
// querymanager Manager's plain-pgx read methods rather than an ORM.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/queryengine/domain"
)

const createDataSourcesTable = `
CREATE TABLE IF NOT EXISTS data_sources (
	id                   TEXT NOT NULL,
	tenant               TEXT NOT NULL,
	kind                 TEXT NOT NULL,
	display_name         TEXT NOT NULL DEFAULT '',
	connection_encrypted BYTEA NOT NULL DEFAULT '',
	connection_key_id    TEXT NOT NULL DEFAULT '',
	last_synced_at       TIMESTAMPTZ,
	PRIMARY KEY (tenant, id)
);
`

const selectDataSourceQuery = `
SELECT id, tenant, kind, display_name, connection_encrypted, connection_key_id, last_synced_at
FROM data_sources
WHERE tenant = $1 AND id = $2
`

// Resolver implements orchestrator.DataSourceResolver against a Postgres
// table populated by the (out-of-scope) data-source management layer.
type Resolver struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewResolver builds a Resolver sharing pool with the rest of the engine.
func NewResolver(pool *pgxpool.Pool, logger zerolog.Logger) *Resolver {
	return &Resolver{pool: pool, logger: logger.With().Str("component", "datasource_resolver").Logger()}
}

// EnsureSchema creates the data_sources table if it does not exist.
func (r *Resolver) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, createDataSourcesTable); err != nil {
		return fmt.Errorf("ensure data_sources table: %w", err)
	}
	return nil
}

// Resolve satisfies orchestrator.DataSourceResolver.
func (r *Resolver) Resolve(ctx context.Context, tenant domain.Tenant, dataSourceID string) (*domain.DataSource, error) {
	row := r.pool.QueryRow(ctx, selectDataSourceQuery, string(tenant), dataSourceID)

	var ds domain.DataSource
	var tenantCol, kind string
	var lastSynced *time.Time
	if err := row.Scan(&ds.ID, &tenantCol, &kind, &ds.DisplayName, &ds.Connection.Encrypted, &ds.Connection.KeyID, &lastSynced); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewError(domain.KindDataSourceNotFound, "data source not found", err)
		}
		return nil, fmt.Errorf("resolve data source %q: %w", dataSourceID, err)
	}
	ds.Tenant = domain.Tenant(tenantCol)
	ds.Kind = domain.DataSourceKind(kind)
	if lastSynced != nil {
		ds.LastSyncedAt = *lastSynced
	}
	return &ds, nil
}
