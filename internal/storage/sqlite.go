package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// CLI invocations and the API server may share the file.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operation_log (
  id           TEXT PRIMARY KEY,
  kind         TEXT NOT NULL,
  env          TEXT NOT NULL,
  env_path     TEXT NOT NULL,
  target       TEXT,
  status       TEXT NOT NULL,
  step         TEXT,
  exit_code    INTEGER,
  last_error   TEXT,
  output       TEXT,
  created_at   TEXT NOT NULL,
  started_at   TEXT,
  completed_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS package_snapshot (
  env_path     TEXT PRIMARY KEY,
  packages     JSON NOT NULL DEFAULT '[]',
  refreshed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS operation_log_completed_at_idx ON operation_log(completed_at);`,
		`CREATE INDEX IF NOT EXISTS operation_log_env_idx ON operation_log(env, completed_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
