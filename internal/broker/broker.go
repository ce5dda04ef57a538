package broker

import (
	"context"
	"errors"
	"time"

	"beatq/internal/task"
)

// ErrUnavailable wraps transport-level failures. Callers decide whether
// to retry; in-flight work is never dead-lettered because of it.
var ErrUnavailable = errors.New("broker unavailable")

// Delivery is a leased message: time-bounded exclusive custody, revoked
// by expiry. The token ties ack/nack to this particular lease so that
// operations on an expired or reclaimed lease are silent no-ops.
type Delivery struct {
	Msg      *task.Message
	Token    string
	Deadline time.Time
}

// NackOutcome reports what a Nack actually did.
type NackOutcome int

const (
	// NackExpired means the lease was no longer held; nothing happened.
	NackExpired NackOutcome = iota
	// NackRequeued means the message was re-published with retry_count+1.
	NackRequeued
	// NackDeadLettered means the message was routed to the dead-letter queue.
	NackDeadLettered
)

// Broker is the only way in or out of queue storage. All operations are
// safe for concurrent use by multiple worker slots.
type Broker interface {
	// Publish stores the message and makes it visible once its ETA has
	// passed. Returns the message id.
	Publish(ctx context.Context, msg *task.Message) (string, error)

	// Lease blocks up to wait and returns zero or more due messages from
	// the given queues, each under a fresh lease.
	Lease(ctx context.Context, queues []string, count int, wait time.Duration) ([]*Delivery, error)

	// Ack releases the lease and destroys the message. Idempotent:
	// acking an already-acked or expired lease is a no-op, never an error.
	Ack(ctx context.Context, d *Delivery) error

	// Nack releases the lease. With requeue and retry budget remaining
	// the message is re-published after delay with retry_count+1;
	// otherwise it is routed to the dead-letter queue.
	Nack(ctx context.Context, d *Delivery, requeue bool, delay time.Duration) (NackOutcome, error)

	// Revoke withdraws a pending message and marks the id revoked so a
	// worker that already holds a lease can skip execution.
	Revoke(ctx context.Context, id string) error

	// IsRevoked reports whether the id was revoked.
	IsRevoked(ctx context.Context, id string) (bool, error)
}
