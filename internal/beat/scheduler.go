package beat

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"beatq/internal/config"
	"beatq/internal/history"
	"beatq/internal/task"
	"beatq/internal/telemetry"
)

// Publisher is the slice of the broker the scheduler needs. The beat
// loop and external producers publish through the same contract; the
// worker pool cannot tell them apart.
type Publisher interface {
	Publish(ctx context.Context, msg *task.Message) (string, error)
}

// Scheduler fires recurring task messages on schedule. It runs as a
// single loop, logically separate from the worker pool, and coordinates
// with it only through published messages.
type Scheduler struct {
	cfg     config.Config
	pub     Publisher
	state   StateStore
	entries []*Entry
	history history.Recorder

	now func() time.Time
}

func NewScheduler(cfg config.Config, pub Publisher, state StateStore, entries []*Entry, rec history.Recorder) *Scheduler {
	if rec == nil {
		rec = history.Nop{}
	}
	return &Scheduler{
		cfg:     cfg,
		pub:     pub,
		state:   state,
		entries: entries,
		history: rec,
		now:     time.Now,
	}
}

// Init merges persisted fire times into the configured entries and
// seeds state for entries seen for the first time. An entry first
// fires one full interval after it appears, never immediately.
func (s *Scheduler) Init(ctx context.Context) error {
	persisted, err := s.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("beat init: %w", err)
	}
	now := s.now()
	keep := make(map[string]bool, len(s.entries))
	for _, e := range s.entries {
		keep[e.Name] = true
		if st, ok := persisted[e.Name]; ok && !st.NextRunAt.IsZero() {
			e.LastRunAt = st.LastRunAt
			e.NextRunAt = st.NextRunAt
			continue
		}
		e.NextRunAt = e.Spec.Next(now)
		if err := s.state.Save(ctx, e.Name, EntryState{NextRunAt: e.NextRunAt}); err != nil {
			log.Error().Err(err).Str("entry", e.Name).Msg("persist initial beat state failed")
		}
	}
	if err := s.state.Prune(ctx, keep); err != nil {
		log.Warn().Err(err).Msg("prune beat state failed")
	}
	log.Info().Int("entries", len(s.entries)).Str("catchup", s.cfg.BeatCatchUp).Msg("beat initialized")
	return nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	tick := s.cfg.BeatTick
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every due entry in stable name order. Entries that
// are simultaneously due all fire within the same tick.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	for _, e := range s.entries {
		if e.NextRunAt.IsZero() || e.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *Entry, now time.Time) {
	msg := task.NewMessage(e.TaskName, e.Args, e.Kwargs)
	msg.Queue = e.Queue
	msg.MaxRetries = e.MaxRetries
	if msg.MaxRetries == 0 {
		msg.MaxRetries = s.cfg.MaxRetries
	}

	id, err := s.pub.Publish(ctx, msg)
	if err != nil {
		// Entry stays eligible; the next tick retries the dispatch.
		log.Error().Err(err).Str("entry", e.Name).Msg("beat dispatch failed")
		return
	}

	next := s.advance(e, now)
	st := EntryState{LastRunAt: now, NextRunAt: next}
	if err := s.state.Save(ctx, e.Name, st); err != nil {
		// Dispatch happened but the new fire time did not persist; the
		// entry stays eligible and may fire again. At-least-once
		// delivery makes this a duplicate the handlers must tolerate.
		log.Error().Err(err).Str("entry", e.Name).Msg("persist beat state failed, entry may fire again")
		return
	}
	e.LastRunAt = now
	e.NextRunAt = next

	telemetry.BeatDispatches.Inc()
	s.history.Record(ctx, id, e.TaskName, history.EventPublished, fmt.Sprintf("beat entry=%s", e.Name))
	log.Info().Str("entry", e.Name).Str("task_id", id).Time("next_run", next).Msg("beat dispatched")
}

// advance derives the next due instant from the entry's own prior due
// instant. Under the fire-once catch-up policy, due instants missed
// while the process was down collapse into the dispatch that already
// happened; under fire-each the backlog drains one dispatch per tick.
func (s *Scheduler) advance(e *Entry, now time.Time) time.Time {
	next := e.Spec.Next(e.NextRunAt)
	if s.cfg.BeatCatchUp == config.CatchUpEach {
		return next
	}
	for !next.After(now) {
		next = e.Spec.Next(next)
	}
	return next
}
