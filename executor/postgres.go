package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/AlfredDev/queryengine/domain"
	"github.com/AlfredDev/queryengine/secrets"
)

// describeTableConcurrency bounds how many tables are described in
// parallel during schema enumeration, so a wide schema doesn't exhaust
// the pool's connections in one GetSchema call.
const describeTableConcurrency = 4

const progressCheckpointRows = 500

// PostgresAdapter executes validated SQL against a pgxpool.Pool, opened
// read-only for the span of one query.
type PostgresAdapter struct {
	pool     *pgxpool.Pool
	creds    *secrets.CredentialStore
}

// NewPostgresAdapter builds an adapter sharing one connection pool across
// DataSources. The target database is the one the pool connects to;
// the credential unsealed per call does not select a different database.
func NewPostgresAdapter(pool *pgxpool.Pool, creds *secrets.CredentialStore) *PostgresAdapter {
	return &PostgresAdapter{pool: pool, creds: creds}
}

func (a *PostgresAdapter) Execute(ctx context.Context, sql string, ds *domain.DataSource, opts Options) (*Result, error) {
	cred, release, err := a.creds.Unseal(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("unseal credential: %w", err)
	}
	defer release()
	_ = cred // the synthesised pool already targets the right database; a
	// per-tenant connection string swap would read cred.Value here.

	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SET default_transaction_read_only = on"); err != nil {
		return nil, fmt.Errorf("set read-only: %w", err)
	}

	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = string(fd.Name)
	}

	var data []map[string]any
	rowCount := 0
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = coerce(values[i])
		}
		data = append(data, row)
		rowCount++

		if opts.OnProgress != nil && rowCount%progressCheckpointRows == 0 {
			opts.OnProgress(fmt.Sprintf("%d rows fetched", rowCount), estimateProgress(rowCount))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}

	if opts.OnProgress != nil {
		opts.OnProgress(fmt.Sprintf("%d rows fetched", rowCount), 1.0)
	}

	return &Result{Data: data, Columns: columns, RowCount: rowCount}, nil
}

// coerce converts opaque pgx-returned values to a portable representation.
func coerce(v any) any {
	switch t := v.(type) {
	case [16]byte: // pgtype.UUID raw form in some drivers
		return fmt.Sprintf("%x", t)
	case pgx.Identifier:
		return strings.Join(t, ".")
	default:
		return v
	}
}

// estimateProgress is a coarse heuristic when the driver gives no total
// row count ahead of time: progress asymptotically approaches but never
// reaches 1.0 until the scan actually completes.
func estimateProgress(rowsSoFar int) float64 {
	p := 1.0 - 1.0/(1.0+float64(rowsSoFar)/5000.0)
	if p > 0.95 {
		p = 0.95
	}
	return p
}

const tableListQuery = `
SELECT table_name FROM information_schema.tables
WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
ORDER BY table_name`

const columnListQuery = `
SELECT c.column_name, c.data_type, c.is_nullable = 'YES',
       COALESCE(pk.is_pk, false)
FROM information_schema.columns c
LEFT JOIN (
	SELECT kcu.column_name, true AS is_pk
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
	WHERE tc.table_schema = 'public' AND tc.table_name = $1 AND tc.constraint_type = 'PRIMARY KEY'
) pk ON pk.column_name = c.column_name
WHERE c.table_schema = 'public' AND c.table_name = $1
ORDER BY c.ordinal_position`

const foreignKeyQuery = `
SELECT kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
	ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
	ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
WHERE tc.table_schema = 'public' AND tc.constraint_type = 'FOREIGN KEY'`

const maxSampleRows = 3

var credentialLikeColumn = map[string]bool{
	"password": true, "secret": true, "token": true, "key": true,
	"api_key": true, "apikey": true, "access_token": true, "private_key": true,
}

// EnumerateSchema builds a Schema by reading Postgres's information_schema,
// satisfying schema.Enumerator for relational-postgres DataSources.
func (a *PostgresAdapter) EnumerateSchema(ctx context.Context, ds *domain.DataSource) (*domain.Schema, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tableRows, err := conn.Query(ctx, tableListQuery)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var tableNames []string
	for tableRows.Next() {
		var name string
		if err := tableRows.Scan(&name); err != nil {
			tableRows.Close()
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tableNames = append(tableNames, name)
	}
	tableRows.Close()
	if err := tableRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}

	// Each table's columns and sample rows are independent reads, so they
	// are described concurrently (bounded pool-of-connections fan-out)
	// rather than one at a time over the single connection used to list
	// tables above.
	tables := make([]domain.Table, len(tableNames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(describeTableConcurrency)
	var mu sync.Mutex
	for i, name := range tableNames {
		i, name := i, name
		g.Go(func() error {
			tconn, err := a.pool.Acquire(gctx)
			if err != nil {
				return fmt.Errorf("acquire connection for table %q: %w", name, err)
			}
			defer tconn.Release()

			table, err := a.describeTable(gctx, tconn, name)
			if err != nil {
				return fmt.Errorf("describe table %q: %w", name, err)
			}
			mu.Lock()
			tables[i] = *table
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	relationships, err := a.foreignKeys(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("read foreign keys: %w", err)
	}

	return &domain.Schema{
		DataSourceID:  ds.ID,
		DatabaseType:  "postgres",
		Tables:        tables,
		Relationships: relationships,
	}, nil
}

func (a *PostgresAdapter) describeTable(ctx context.Context, conn *pgxpool.Conn, name string) (*domain.Table, error) {
	colRows, err := conn.Query(ctx, columnListQuery, name)
	if err != nil {
		return nil, err
	}
	var columns []domain.Column
	for colRows.Next() {
		var col domain.Column
		if err := colRows.Scan(&col.Name, &col.Type, &col.Nullable, &col.IsPK); err != nil {
			colRows.Close()
			return nil, err
		}
		columns = append(columns, col)
	}
	colRows.Close()
	if err := colRows.Err(); err != nil {
		return nil, err
	}

	sampleRows, rowCount, err := a.sampleRows(ctx, conn, name)
	if err != nil {
		return nil, err
	}

	return &domain.Table{Name: name, Columns: columns, SampleRows: sampleRows, RowCount: rowCount}, nil
}

func (a *PostgresAdapter) sampleRows(ctx context.Context, conn *pgxpool.Conn, table string) ([]map[string]string, int64, error) {
	quoted := pgx.Identifier{table}.Sanitize()
	rows, err := conn.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoted, maxSampleRows))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = string(fd.Name)
	}

	var sample []map[string]string
	var rowCount int64
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, 0, err
		}
		row := make(map[string]string, len(columns))
		for i, col := range columns {
			if credentialLikeColumn[strings.ToLower(col)] {
				row[col] = "[redacted]"
				continue
			}
			row[col] = fmt.Sprintf("%v", coerce(values[i]))
		}
		sample = append(sample, row)
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return sample, rowCount, nil
}

func (a *PostgresAdapter) foreignKeys(ctx context.Context, conn *pgxpool.Conn) ([]domain.Relationship, error) {
	rows, err := conn.Query(ctx, foreignKeyQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Relationship
	for rows.Next() {
		var rel domain.Relationship
		if err := rows.Scan(&rel.FromTable, &rel.FromColumn, &rel.ToTable, &rel.ToColumn); err != nil {
			return nil, err
		}
		rel.Cardinality = domain.OneToMany
		out = append(out, rel)
	}
	return out, rows.Err()
}
