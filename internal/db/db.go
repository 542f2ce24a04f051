// Package db stores loop runs in SQL for history and failure analytics.
// SQLite is the default; a postgres:// DSN selects PostgreSQL through pgx.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// DB wraps the audit database connection.
type DB struct {
	conn    *sql.DB
	dsn     string
	dialect dialect
	// Now stamps rows. Defaults to time.Now.
	Now func() time.Time
}

// DefaultDBPath returns ~/.ciloop/ciloop.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".ciloop")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "ciloop.db"), nil
}

// IsPostgres reports whether dsn names a PostgreSQL server.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open connects to dsn: a postgres:// URL or a SQLite file path (":memory:" works).
func Open(dsn string) (*DB, error) {
	if IsPostgres(dsn) {
		return openPostgres(dsn)
	}
	return openSQLite(dsn)
}

func openSQLite(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &DB{conn: conn, dsn: path, dialect: dialectSQLite, Now: time.Now}, nil
}

func openPostgres(dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{conn: conn, dsn: dsn, dialect: dialectPostgres, Now: time.Now}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) now() string {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL.
func (d *DB) rebind(query string) string {
	if d.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Timestamps are RFC3339 UTC text in both dialects so they sort and compare
// the same way.
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS loop_runs (
    run_id       TEXT PRIMARY KEY,
    repo         TEXT NOT NULL DEFAULT '',
    targets      TEXT NOT NULL,
    max_attempts INTEGER NOT NULL,
    status       TEXT NOT NULL CHECK(status IN ('running','succeeded','failed','cancelled')),
    started_at   TEXT NOT NULL,
    finished_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_loop_runs_started ON loop_runs(started_at DESC);

CREATE TABLE IF NOT EXISTS attempts (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id         TEXT NOT NULL REFERENCES loop_runs(run_id) ON DELETE CASCADE,
    attempt_number INTEGER NOT NULL,
    timestamp      TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    report         TEXT NOT NULL,
    UNIQUE(run_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS run_statuses (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id         TEXT NOT NULL REFERENCES loop_runs(run_id) ON DELETE CASCADE,
    attempt_number INTEGER NOT NULL,
    workflow       TEXT NOT NULL,
    branch         TEXT NOT NULL,
    triggered      BOOLEAN NOT NULL,
    conclusion     TEXT NOT NULL,
    observed_at    TEXT NOT NULL,
    ci_run_id      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_run_statuses_run ON run_statuses(run_id, attempt_number);

CREATE TABLE IF NOT EXISTS classified_failures (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id         TEXT NOT NULL REFERENCES loop_runs(run_id) ON DELETE CASCADE,
    attempt_number INTEGER NOT NULL,
    workflow       TEXT NOT NULL,
    branch         TEXT NOT NULL,
    tag            TEXT NOT NULL,
    timestamp      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_classified_tag ON classified_failures(tag, timestamp);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS loop_runs (
    run_id       TEXT PRIMARY KEY,
    repo         TEXT NOT NULL DEFAULT '',
    targets      TEXT NOT NULL,
    max_attempts INTEGER NOT NULL,
    status       TEXT NOT NULL CHECK(status IN ('running','succeeded','failed','cancelled')),
    started_at   TEXT NOT NULL,
    finished_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_loop_runs_started ON loop_runs(started_at DESC);

CREATE TABLE IF NOT EXISTS attempts (
    id             BIGSERIAL PRIMARY KEY,
    run_id         TEXT NOT NULL REFERENCES loop_runs(run_id) ON DELETE CASCADE,
    attempt_number INTEGER NOT NULL,
    timestamp      TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    report         TEXT NOT NULL,
    UNIQUE(run_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS run_statuses (
    id             BIGSERIAL PRIMARY KEY,
    run_id         TEXT NOT NULL REFERENCES loop_runs(run_id) ON DELETE CASCADE,
    attempt_number INTEGER NOT NULL,
    workflow       TEXT NOT NULL,
    branch         TEXT NOT NULL,
    triggered      BOOLEAN NOT NULL,
    conclusion     TEXT NOT NULL,
    observed_at    TEXT NOT NULL,
    ci_run_id      BIGINT
);
CREATE INDEX IF NOT EXISTS idx_run_statuses_run ON run_statuses(run_id, attempt_number);

CREATE TABLE IF NOT EXISTS classified_failures (
    id             BIGSERIAL PRIMARY KEY,
    run_id         TEXT NOT NULL REFERENCES loop_runs(run_id) ON DELETE CASCADE,
    attempt_number INTEGER NOT NULL,
    workflow       TEXT NOT NULL,
    branch         TEXT NOT NULL,
    tag            TEXT NOT NULL,
    timestamp      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_classified_tag ON classified_failures(tag, timestamp);
`

// Migrate applies the database schema. It is a no-op once applied.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	schema := schemaSQLite
	if d.dialect == dialectPostgres {
		schema = schemaPostgres
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(d.rebind("INSERT INTO schema_version (version, applied_at) VALUES (1, ?)"), d.now()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"classified_failures", "run_statuses", "attempts", "loop_runs", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
