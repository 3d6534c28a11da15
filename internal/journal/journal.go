// Package journal persists finished operations and package snapshots so that
// history survives across CLI invocations.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
)

const (
	maxOutputBytes = 64 * 1024

	// timeLayout is fixed width so that stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrEntryNotFound is returned by Get for unknown operation IDs.
var ErrEntryNotFound = errors.New("journal entry not found")

// Entry is one finished operation.
type Entry struct {
	ID          string
	Kind        string
	Env         string
	EnvPath     string
	Target      string
	Status      string
	Step        string
	ExitCode    *int
	LastError   *string
	Output      string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt time.Time
}

// Filter narrows Recent.
type Filter struct {
	Env   string
	Limit int
}

// Snapshot is the last recorded package set of an environment.
type Snapshot struct {
	Packages    []pkgmgr.Package
	RefreshedAt time.Time
}

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record appends a finished operation.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("id is empty")
	}
	if e.Kind == "" {
		return fmt.Errorf("kind is empty")
	}
	if e.Status == "" {
		return fmt.Errorf("status is empty")
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.CompletedAt
	}

	output := e.Output
	if len(output) > maxOutputBytes {
		output = output[len(output)-maxOutputBytes:]
	}

	var startedAt any
	if e.StartedAt != nil {
		startedAt = formatTime(*e.StartedAt)
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO operation_log(
  id, kind, env, env_path, target, status, step, exit_code, last_error, output,
  created_at, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.Kind, e.Env, e.EnvPath, nullString(e.Target), e.Status, nullString(e.Step), e.ExitCode, e.LastError, nullString(output),
		formatTime(e.CreatedAt), startedAt, formatTime(e.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert operation_log: %w", err)
	}
	return nil
}

// Recent returns the newest entries first.
func (j *Journal) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT id, kind, env, env_path, target, status, step, exit_code, last_error, output,
       created_at, started_at, completed_at
FROM operation_log`
	args := []any{}
	if f.Env != "" {
		query += `
WHERE env = ? OR target = ?`
		args = append(args, f.Env, f.Env)
	}
	query += `
ORDER BY completed_at DESC, id DESC
LIMIT ?;`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operation_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation_log: %w", err)
	}
	return out, nil
}

// Get loads a single entry.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, kind, env, env_path, target, status, step, exit_code, last_error, output,
       created_at, started_at, completed_at
FROM operation_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return e, err
}

// Prune deletes entries completed before now minus retention.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-retention))
	res, err := j.db.ExecContext(ctx, `DELETE FROM operation_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune operation_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveSnapshot stores the package set last seen in an environment.
func (j *Journal) SaveSnapshot(ctx context.Context, envPath string, pkgs []pkgmgr.Package) error {
	if pkgs == nil {
		pkgs = []pkgmgr.Package{}
	}
	data, err := json.Marshal(pkgs)
	if err != nil {
		return fmt.Errorf("encode packages: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
INSERT INTO package_snapshot(env_path, packages, refreshed_at)
VALUES(?, ?, ?)
ON CONFLICT(env_path) DO UPDATE SET packages = excluded.packages, refreshed_at = excluded.refreshed_at;
`, envPath, string(data), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert package_snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot forgets an environment's package set.
func (j *Journal) DeleteSnapshot(ctx context.Context, envPath string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM package_snapshot WHERE env_path = ?;`, envPath); err != nil {
		return fmt.Errorf("delete package_snapshot: %w", err)
	}
	return nil
}

// Snapshots returns every stored package set keyed by environment path.
func (j *Journal) Snapshots(ctx context.Context) (map[string]Snapshot, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT env_path, packages, refreshed_at FROM package_snapshot;`)
	if err != nil {
		return nil, fmt.Errorf("query package_snapshot: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Snapshot)
	for rows.Next() {
		var path, raw, refreshed string
		if err := rows.Scan(&path, &raw, &refreshed); err != nil {
			return nil, fmt.Errorf("scan package_snapshot: %w", err)
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap.Packages); err != nil {
			return nil, fmt.Errorf("decode packages for %s: %w", path, err)
		}
		snap.RefreshedAt, _ = time.Parse(time.RFC3339Nano, refreshed)
		out[path] = snap
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e                      Entry
		target, step, output   sql.NullString
		lastError              sql.NullString
		exitCode               sql.NullInt64
		createdAt, completedAt string
		startedAt              sql.NullString
	)
	if err := s.Scan(&e.ID, &e.Kind, &e.Env, &e.EnvPath, &target, &e.Status, &step, &exitCode, &lastError, &output,
		&createdAt, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan operation_log: %w", err)
	}
	e.Target = target.String
	e.Step = step.String
	e.Output = output.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	if lastError.Valid {
		msg := lastError.String
		e.LastError = &msg
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			e.StartedAt = &t
		}
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
