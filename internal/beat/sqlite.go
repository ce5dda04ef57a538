package beat

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteState keeps entry state in a local file, for deployments that
// run a single beat process and prefer not to share state through
// Redis. The original deployment this replaces kept its schedule file
// on local disk the same way.
type SQLiteState struct {
	db *sql.DB
}

func NewSQLiteState(path string) (*SQLiteState, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open beat state db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS beat_state (
			name TEXT PRIMARY KEY,
			last_run_at INTEGER NOT NULL,
			next_run_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate beat state db: %w", err)
	}
	return &SQLiteState{db: db}, nil
}

func (s *SQLiteState) Load(ctx context.Context) (map[string]EntryState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, last_run_at, next_run_at FROM beat_state`)
	if err != nil {
		return nil, fmt.Errorf("load beat state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]EntryState)
	for rows.Next() {
		var name string
		var last, next int64
		if err := rows.Scan(&name, &last, &next); err != nil {
			return nil, fmt.Errorf("scan beat state: %w", err)
		}
		out[name] = EntryState{
			LastRunAt: millisToTime(last),
			NextRunAt: millisToTime(next),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate beat state: %w", err)
	}
	return out, nil
}

func (s *SQLiteState) Save(ctx context.Context, name string, st EntryState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO beat_state (name, last_run_at, next_run_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_run_at = excluded.last_run_at, next_run_at = excluded.next_run_at
	`, name, timeToMillis(st.LastRunAt), timeToMillis(st.NextRunAt))
	if err != nil {
		return fmt.Errorf("save beat state %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteState) Prune(ctx context.Context, keep map[string]bool) error {
	names := make([]string, 0, len(keep))
	args := make([]any, 0, len(keep))
	for name := range keep {
		names = append(names, "?")
		args = append(args, name)
	}
	query := `DELETE FROM beat_state`
	if len(names) > 0 {
		query += ` WHERE name NOT IN (` + strings.Join(names, ",") + `)`
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("prune beat state: %w", err)
	}
	return nil
}

func (s *SQLiteState) Close() error { return s.db.Close() }

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
