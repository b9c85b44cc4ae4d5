// Package store persists signing requests, their signers and finalization
// records. Every mutation is a conditional UPDATE whose affected-row count
// tells the caller whether it won; there are no in-process locks.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the DDL variant. Queries use $N placeholders on both.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	return string(d)
}

// DialectFromURL picks Postgres for postgres:// URLs and SQLite otherwise.
func DialectFromURL(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// SQLStore implements the signing store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

func New(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "store"),
	}
}

// Open connects and pings. SQLite in-memory databases are pinned to a single
// connection so every query sees the same database.
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	dialect := DialectFromURL(dsn)
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return New(db, dialect), nil
}

// DB exposes the handle so sibling stores (MFA secrets) share the connection.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Close() error { return s.db.Close() }

const postgresSchema = `
CREATE TABLE IF NOT EXISTS signing_requests (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	document_ref TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	signing_mode TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	signed_count INTEGER NOT NULL DEFAULT 0,
	viewed_count INTEGER NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 0,
	artifact_ref TEXT,
	finalized_at TIMESTAMPTZ,
	finalization_error TEXT,
	finalization_attempts INTEGER NOT NULL DEFAULT 0,
	last_finalization_attempt_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_signing_requests_status ON signing_requests (status);

CREATE TABLE IF NOT EXISTS signers (
	request_id TEXT NOT NULL REFERENCES signing_requests(id),
	email TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	signing_order INTEGER NOT NULL,
	status TEXT NOT NULL,
	viewed_at TIMESTAMPTZ,
	signed_at TIMESTAMPTZ,
	declined_at TIMESTAMPTZ,
	decline_reason TEXT NOT NULL DEFAULT '',
	mfa_verified BOOLEAN NOT NULL DEFAULT FALSE,
	mfa_verified_at TIMESTAMPTZ,
	mfa_method TEXT NOT NULL DEFAULT '',
	signature_payload BYTEA,
	PRIMARY KEY (request_id, email)
);

CREATE TABLE IF NOT EXISTS finalization_records (
	request_id TEXT PRIMARY KEY REFERENCES signing_requests(id),
	artifact_ref TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	generator TEXT NOT NULL DEFAULT '',
	finalized_at TIMESTAMPTZ NOT NULL
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS signing_requests (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	document_ref TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	signing_mode TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	signed_count INTEGER NOT NULL DEFAULT 0,
	viewed_count INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0,
	artifact_ref TEXT,
	finalized_at TIMESTAMP,
	finalization_error TEXT,
	finalization_attempts INTEGER NOT NULL DEFAULT 0,
	last_finalization_attempt_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_signing_requests_status ON signing_requests (status);

CREATE TABLE IF NOT EXISTS signers (
	request_id TEXT NOT NULL REFERENCES signing_requests(id),
	email TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	signing_order INTEGER NOT NULL,
	status TEXT NOT NULL,
	viewed_at TIMESTAMP,
	signed_at TIMESTAMP,
	declined_at TIMESTAMP,
	decline_reason TEXT NOT NULL DEFAULT '',
	mfa_verified BOOLEAN NOT NULL DEFAULT 0,
	mfa_verified_at TIMESTAMP,
	mfa_method TEXT NOT NULL DEFAULT '',
	signature_payload BLOB,
	PRIMARY KEY (request_id, email)
);

CREATE TABLE IF NOT EXISTS finalization_records (
	request_id TEXT PRIMARY KEY REFERENCES signing_requests(id),
	artifact_ref TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	generator TEXT NOT NULL DEFAULT '',
	finalized_at TIMESTAMP NOT NULL
);
`

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	// modernc executes multi-statement strings; lib/pq does too for simple queries.
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s: %w", s.dialect, err)
	}
	return nil
}

// inClause renders "$n, $n+1, ..." for vals starting at placeholder n and
// returns the args to append.
func inClause[T ~string](start int, vals []T) (string, []any) {
	ph := make([]string, len(vals))
	args := make([]any, len(vals))
	for i, v := range vals {
		ph[i] = fmt.Sprintf("$%d", start+i)
		args[i] = string(v)
	}
	return strings.Join(ph, ", "), args
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}
