package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Event is one recorded lifecycle transition of a task.
type Event struct {
	TaskID   string    `json:"task_id"`
	TaskName string    `json:"task_name"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// Lifecycle event names written by the worker, beat, and API.
const (
	EventPublished  = "published"
	EventStarted    = "started"
	EventSucceeded  = "succeeded"
	EventRetry      = "retry_scheduled"
	EventDeadLetter = "dead_letter"
	EventRevoked    = "revoked"
)

// Recorder persists task lifecycle events. Recording is best-effort:
// implementations log failures and never propagate them into the
// caller's ack/nack decision.
type Recorder interface {
	Record(ctx context.Context, taskID, taskName, event, detail string)
}

// Nop discards all events; used when no DSN is configured.
type Nop struct{}

func (Nop) Record(context.Context, string, string, string, string) {}

// Postgres records events through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection and ensures the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_events (
			id BIGSERIAL PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_name TEXT NOT NULL,
			event TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS task_events_task_id_idx ON task_events (task_id);
	`)
	if err != nil {
		return fmt.Errorf("migrate task_events: %w", err)
	}
	return nil
}

// Record inserts one event row. Failures are logged and swallowed.
func (p *Postgres) Record(ctx context.Context, taskID, taskName, event, detail string) {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO task_events (task_id, task_name, event, detail)
		VALUES ($1, $2, $3, $4)
	`, taskID, taskName, event, detail)
	if err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Str("event", event).Msg("history record failed")
	}
}

// Events returns the recorded lifecycle of one task, oldest first.
func (p *Postgres) Events(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT task_id, task_name, event, detail, recorded_at
		FROM task_events WHERE task_id = $1 ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.TaskID, &e.TaskName, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return out, nil
}
