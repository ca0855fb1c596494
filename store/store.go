// Package store wraps the analytical column store (DuckDB) behind the
// transactional bulk-insert-plus-cursor-commit and chunked-scan interface
// the sync and rebuild engines depend on. DuckDB itself is the external
// collaborator named "the analytical column store" in spec.md §1; this
// package is the in-scope Go-level seam around it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	duckdb "github.com/duckdb/duckdb-go/v2"

	"github.com/typhfeng/poly-pnl/registry"
)

// Store owns one DuckDB database behind one database/sql connection pool.
// InitEntity and AtomicInsertWithCursor are serialised by writerMu; reads
// run on pooled connections concurrently with each other and with the
// writer (DuckDB's MVCC makes that safe).
type Store struct {
	db *sql.DB

	writerMu sync.Mutex
}

// Open creates (or attaches to) a DuckDB database file at path and ensures
// the infrastructure tables exist.
func Open(path string) (*Store, error) {
	connector, err := duckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)

	s := &Store{db: db}
	if err := s.initInfra(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for components (e.g. the query façade's
// /sql endpoint) that need arbitrary read-only SELECTs.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initInfra(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			source VARCHAR NOT NULL,
			entity VARCHAR NOT NULL,
			cursor_value VARCHAR NOT NULL DEFAULT '',
			cursor_skip BIGINT NOT NULL DEFAULT 0,
			last_sync_at BIGINT,
			PRIMARY KEY (source, entity)
		)`,
		`CREATE TABLE IF NOT EXISTS entity_stats_meta (
			source VARCHAR NOT NULL,
			entity VARCHAR NOT NULL,
			total_requests BIGINT NOT NULL DEFAULT 0,
			successful_requests BIGINT NOT NULL DEFAULT 0,
			network_failures BIGINT NOT NULL DEFAULT 0,
			json_failures BIGINT NOT NULL DEFAULT 0,
			graphql_failures BIGINT NOT NULL DEFAULT 0,
			format_failures BIGINT NOT NULL DEFAULT 0,
			total_rows BIGINT NOT NULL DEFAULT 0,
			total_latency_ms BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (source, entity)
		)`,
		`CREATE TABLE IF NOT EXISTS indexer_fail_meta (
			source VARCHAR NOT NULL,
			entity VARCHAR NOT NULL,
			indexer_id VARCHAR NOT NULL,
			fail_requests BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (source, entity, indexer_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init infra: %w", err)
		}
	}
	return nil
}

// InitEntity idempotently creates the storage table and indices for one
// entity definition.
func (s *Store) InitEntity(ctx context.Context, e registry.Entity) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	if _, err := s.db.ExecContext(ctx, e.DDL()); err != nil {
		return fmt.Errorf("store: create table %s: %w", e.Table, err)
	}
	for _, idx := range e.IndexDDL() {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("store: create index on %s: %w", e.Table, err)
		}
	}
	return nil
}

// Cursor is the persisted sync position for one (source, entity) pair.
type Cursor struct {
	Value string
	Skip  int64
}

// GetCursor returns ("", 0) if no cursor row exists yet.
func (s *Store) GetCursor(ctx context.Context, source, entity string) (Cursor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cursor_value, cursor_skip FROM sync_state WHERE source = ? AND entity = ?`,
		source, entity)
	var c Cursor
	if err := row.Scan(&c.Value, &c.Skip); err != nil {
		if err == sql.ErrNoRows {
			return Cursor{}, nil
		}
		return Cursor{}, fmt.Errorf("store: get cursor: %w", err)
	}
	return c, nil
}

// AtomicInsertWithCursor upserts all rows (conflict-by-id, every other
// column replaced by the incoming value) and advances the cursor, in one
// transaction. Either both happen or neither does.
func (s *Store) AtomicInsertWithCursor(
	ctx context.Context,
	table string,
	columns []string,
	rows [][]any,
	source, entity string,
	cursorValue string,
	cursorSkip int64,
	nowUnix int64,
) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if len(rows) > 0 {
		insertSQL := buildUpsertSQL(table, columns)
		stmt, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			return fmt.Errorf("store: prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if len(row) != len(columns) {
				return fmt.Errorf("store: row has %d values, expected %d", len(row), len(columns))
			}
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("store: upsert into %s: %w", table, err)
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_state (source, entity, cursor_value, cursor_skip, last_sync_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source, entity) DO UPDATE SET
			cursor_value = excluded.cursor_value,
			cursor_skip = excluded.cursor_skip,
			last_sync_at = excluded.last_sync_at
	`, source, entity, cursorValue, cursorSkip, nowUnix)
	if err != nil {
		return fmt.Errorf("store: upsert cursor: %w", err)
	}

	return tx.Commit()
}

// buildUpsertSQL builds an INSERT ... ON CONFLICT (id) DO UPDATE statement
// where every non-id column is replaced by excluded.<col>, per spec.md §6.2.
func buildUpsertSQL(table string, columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}

	var sets []string
	for _, c := range columns {
		if c == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(sets, ", "),
	)
}

// QuerySingleInt runs a query expected to return exactly one integer column
// in its first row, e.g. a COUNT(*).
func (s *Store) QuerySingleInt(ctx context.Context, query string, args ...any) (int64, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: query single int: %w", err)
	}
	return n, nil
}

// QueryJSON runs an arbitrary read-only SELECT and returns rows as a slice
// of column-name-to-value maps, ready for json.Marshal.
func (s *Store) QueryJSON(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("store: columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		obj := make(map[string]any, len(cols))
		for i, c := range cols {
			obj[c] = normalizeValue(vals[i])
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// normalizeValue coerces driver-specific byte-slice results (DuckDB returns
// []byte for VARCHAR/JSON columns through database/sql) into plain strings
// so json.Marshal doesn't base64-encode them.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
