package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"beatq/internal/broker"
	"beatq/internal/config"
	"beatq/internal/history"
	"beatq/internal/results"
	"beatq/internal/task"
	"beatq/internal/telemetry"
)

// ErrTimeout marks a handler that exceeded its execution budget. It is
// treated exactly like a handler failure for retry purposes.
var ErrTimeout = errors.New("handler timed out")

// Pool executes due messages with bounded concurrency. Each of the
// configured slots leases up to prefetch messages at a time and runs
// them one after another; slots share nothing but the broker, the
// read-only registry, the result backend, and the history recorder.
type Pool struct {
	cfg      config.Config
	broker   broker.Broker
	registry *task.Registry
	backend  results.Backend
	history  history.Recorder

	wg sync.WaitGroup
}

func NewPool(cfg config.Config, b broker.Broker, reg *task.Registry, backend results.Backend, rec history.Recorder) *Pool {
	if rec == nil {
		rec = history.Nop{}
	}
	return &Pool{cfg: cfg, broker: b, registry: reg, backend: backend, history: rec}
}

// Run leases and executes messages until ctx is cancelled, then drains:
// no new leases are taken, in-flight executions get DrainTimeout to
// finish, and whatever remains is force-cancelled so its leases expire
// and the broker redelivers elsewhere.
func (p *Pool) Run(ctx context.Context) error {
	p.registry.Seal()

	// Executions outlive ctx during the drain window, so they run under
	// a separate context cancelled only at the force-cancel deadline.
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()

	concurrency := p.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	log.Info().
		Int("concurrency", concurrency).
		Int("prefetch", p.cfg.Prefetch).
		Strs("queues", p.cfg.Queues).
		Msg("worker pool started")

	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.slotLoop(ctx, execCtx, slot)
		}(i)
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("worker pool drained")
	case <-time.After(p.cfg.DrainTimeout):
		log.Warn().Dur("drain_timeout", p.cfg.DrainTimeout).Msg("drain deadline reached, abandoning in-flight tasks")
		execCancel()
		<-done
	}
	return nil
}

func (p *Pool) slotLoop(ctx, execCtx context.Context, slot int) {
	prefetch := p.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := p.broker.Lease(ctx, p.cfg.Queues, prefetch, p.cfg.LeaseWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("slot", slot).Msg("lease failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		for _, d := range deliveries {
			if execCtx.Err() != nil {
				return
			}
			p.executeOne(execCtx, d)
		}
	}
}

// executeOne drives one message through
// Leased -> Executing -> {Acked | Requeued | DeadLettered}.
func (p *Pool) executeOne(ctx context.Context, d *broker.Delivery) {
	msg := d.Msg

	if revoked, err := p.broker.IsRevoked(ctx, msg.ID); err == nil && revoked {
		p.finishRevoked(ctx, d)
		return
	}

	reg, err := p.registry.Resolve(msg.Name)
	if err != nil {
		// Retrying cannot resolve a missing registration; dead-letter now.
		log.Error().Str("task_id", msg.ID).Str("task", msg.Name).Msg("unknown task, dead-lettering")
		p.finishFailure(ctx, d, err, false)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	p.history.Record(ctx, msg.ID, msg.Name, history.EventStarted,
		fmt.Sprintf("retry_count=%d", msg.RetryCount))

	value, err := p.invoke(ctx, reg, msg)
	if err != nil {
		p.finishFailure(ctx, d, err, true)
		return
	}
	p.finishSuccess(ctx, d, value)
}

// invoke runs the handler under its timeout budget. A handler that
// outlives the budget is abandoned; its result is discarded.
func (p *Pool) invoke(ctx context.Context, reg *task.Registration, msg *task.Message) (any, error) {
	timeout := reg.Opts.Timeout
	if timeout == 0 {
		timeout = p.cfg.TaskTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		v, err := reg.Handler(hctx, msg.Args, msg.Kwargs)
		ch <- outcome{value: v, err: err}
	}()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-hctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

func (p *Pool) finishSuccess(ctx context.Context, d *broker.Delivery, value any) {
	msg := d.Msg
	p.storeResult(ctx, &task.Result{
		TaskID:      msg.ID,
		Status:      task.StatusSuccess,
		Value:       value,
		CompletedAt: time.Now().UTC(),
	})
	if err := p.broker.Ack(ctx, d); err != nil {
		log.Error().Err(err).Str("task_id", msg.ID).Msg("ack failed")
		return
	}
	p.history.Record(ctx, msg.ID, msg.Name, history.EventSucceeded, "")
	telemetry.TaskSuccess.Inc()
	log.Debug().Str("task_id", msg.ID).Str("task", msg.Name).Msg("task succeeded")
}

func (p *Pool) finishFailure(ctx context.Context, d *broker.Delivery, cause error, retryable bool) {
	msg := d.Msg
	delay := backoffWithJitter(p.cfg.BackoffBase, p.cfg.BackoffMax, msg.RetryCount+1)
	outcome, err := p.broker.Nack(ctx, d, retryable, delay)
	if err != nil {
		log.Error().Err(err).Str("task_id", msg.ID).Msg("nack failed")
		return
	}
	switch outcome {
	case broker.NackRequeued:
		p.history.Record(ctx, msg.ID, msg.Name, history.EventRetry,
			fmt.Sprintf("retry_count=%d delay=%s error=%s", msg.RetryCount+1, delay, cause))
		telemetry.TaskRetries.Inc()
		log.Warn().Err(cause).Str("task_id", msg.ID).Str("task", msg.Name).
			Int("retry_count", msg.RetryCount+1).Dur("delay", delay).Msg("task failed, retry scheduled")
	case broker.NackDeadLettered:
		p.storeResult(ctx, &task.Result{
			TaskID:      msg.ID,
			Status:      task.StatusFailure,
			Error:       cause.Error(),
			CompletedAt: time.Now().UTC(),
		})
		p.history.Record(ctx, msg.ID, msg.Name, history.EventDeadLetter, cause.Error())
		telemetry.TaskDeadLetter.Inc()
		log.Error().Err(cause).Str("task_id", msg.ID).Str("task", msg.Name).Msg("task dead-lettered")
	case broker.NackExpired:
		// Lease was reclaimed while we executed; the broker will redeliver.
		log.Warn().Str("task_id", msg.ID).Msg("lease expired before nack, message will be redelivered")
	}
}

func (p *Pool) finishRevoked(ctx context.Context, d *broker.Delivery) {
	msg := d.Msg
	p.storeResult(ctx, &task.Result{
		TaskID:      msg.ID,
		Status:      task.StatusRevoked,
		CompletedAt: time.Now().UTC(),
	})
	if err := p.broker.Ack(ctx, d); err != nil {
		log.Error().Err(err).Str("task_id", msg.ID).Msg("ack of revoked task failed")
		return
	}
	p.history.Record(ctx, msg.ID, msg.Name, history.EventRevoked, "")
	telemetry.TaskRevoked.Inc()
	log.Info().Str("task_id", msg.ID).Str("task", msg.Name).Msg("revoked task skipped")
}

// storeResult is best-effort; failures are logged and never influence
// the ack/nack decision.
func (p *Pool) storeResult(ctx context.Context, res *task.Result) {
	if p.backend == nil {
		return
	}
	if err := p.backend.Store(ctx, res, p.cfg.ResultTTL); err != nil {
		log.Warn().Err(err).Str("task_id", res.TaskID).Msg("result store failed")
	}
}

// backoffWithJitter computes the delay before attempt n (1-based):
// base*2^(n-1) capped at max, then half fixed plus half jitter. The
// fixed half guarantees delays are non-decreasing across attempts.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempt <= 0 {
		attempt = 1
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64/2) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
