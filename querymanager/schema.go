package querymanager

// createQueriesTable replaces the teacher's ClickHouse request_log DDL: no
// ClickHouse driver exists anywhere in the reference corpus, so history
// and analytics read rows from Postgres instead, and analytics counts
// them in Go.
const createQueriesTable = `
CREATE TABLE IF NOT EXISTS queries (
	id                 TEXT PRIMARY KEY,
	tenant             TEXT NOT NULL,
	data_source_id     TEXT NOT NULL,
	app_user           TEXT NOT NULL DEFAULT '',
	natural_language   TEXT NOT NULL,
	generated_sql      TEXT NOT NULL DEFAULT '',
	intent_label       TEXT NOT NULL DEFAULT '',
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	execution_ms       BIGINT NOT NULL DEFAULT 0,
	row_count          INTEGER NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	metadata           JSONB NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_queries_tenant_created_at ON queries (tenant, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_queries_tenant_data_source ON queries (tenant, data_source_id);
`
