package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"beatq/internal/config"
	"beatq/internal/task"
)

// Redis coordinates ready, in-flight, and scheduled queues in Redis.
// Ready messages live in per-queue lists; messages waiting on an ETA or
// a retry backoff live in a shared scheduled set scored by due time;
// leased messages live in an in-flight set scored by lease deadline.
type Redis struct {
	client       *redis.Client
	msgPrefix    string
	leasePrefix  string
	revokePrefix string
	inflightKey  string
	scheduledKey string
	dlqKey       string
	visibility   time.Duration
	pollEvery    time.Duration
	batch        int64
	revokeTTL    time.Duration
}

// NewRedis builds a broker client from config.
func NewRedis(cfg config.Config) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisWithClient(client, cfg)
}

// NewRedisWithClient wraps an existing client; used by tests to point
// the broker at miniredis.
func NewRedisWithClient(client *redis.Client, cfg config.Config) *Redis {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 100 * time.Millisecond
	}
	batch := cfg.ScheduledBatch
	if batch == 0 {
		batch = 100
	}
	dlq := cfg.DLQKey
	if dlq == "" {
		dlq = "beatq:dlq"
	}
	ttl := cfg.ResultTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{
		client:       client,
		msgPrefix:    "beatq:msg:",
		leasePrefix:  "beatq:lease:",
		revokePrefix: "beatq:revoked:",
		inflightKey:  "beatq:inflight",
		scheduledKey: "beatq:scheduled",
		dlqKey:       dlq,
		visibility:   visibility,
		pollEvery:    poll,
		batch:        int64(batch),
		revokeTTL:    ttl,
	}
}

func (b *Redis) readyKey(queue string) string { return "beatq:ready:" + queue }
func (b *Redis) msgKey(id string) string      { return b.msgPrefix + id }
func (b *Redis) leaseKey(id string) string    { return b.leasePrefix + id }
func (b *Redis) revokedKey(id string) string  { return b.revokePrefix + id }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// Ping verifies the transport at startup.
func (b *Redis) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Publish stores the message body and routes it to the ready list or,
// when its ETA is in the future, to the scheduled set.
func (b *Redis) Publish(ctx context.Context, msg *task.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Queue == "" {
		msg.Queue = "default"
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}
	body, err := msg.Encode()
	if err != nil {
		return "", err
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.msgKey(msg.ID), "body", body, "queue", msg.Queue)
	if msg.ETA != nil && msg.ETA.After(time.Now()) {
		pipe.ZAdd(ctx, b.scheduledKey, redis.Z{Score: float64(msg.ETA.UnixMilli()), Member: msg.ID})
	} else {
		pipe.RPush(ctx, b.readyKey(msg.Queue), msg.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable("publish", err)
	}
	return msg.ID, nil
}

// Lease pops due messages from the given queues, placing each into the
// in-flight set under a fresh lease token. Blocks up to wait when
// nothing is due, polling the scheduled and expired sets in between.
func (b *Redis) Lease(ctx context.Context, queues []string, count int, wait time.Duration) ([]*Delivery, error) {
	if count <= 0 {
		count = 1
	}
	deadline := time.Now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := time.Now()
		if _, err := b.promoteScheduled(ctx, now); err != nil {
			return nil, err
		}
		if err := b.reclaimExpired(ctx, now); err != nil {
			return nil, err
		}

		deliveries, err := b.popReady(ctx, queues, count)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}
		if !time.Now().Add(b.pollEvery).Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollEvery):
		}
	}
}

func (b *Redis) popReady(ctx context.Context, queues []string, count int) ([]*Delivery, error) {
	keys := make([]string, 0, len(queues)+1)
	for _, q := range queues {
		keys = append(keys, b.readyKey(q))
	}
	keys = append(keys, b.inflightKey)

	var out []*Delivery
	for len(out) < count {
		token := uuid.New().String()
		leaseUntil := time.Now().Add(b.visibility)
		res, err := leaseScript.Run(ctx, b.client, keys, leaseUntil.UnixMilli(), b.leasePrefix, token).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return out, unavailable("lease", err)
		}
		id, ok := res.(string)
		if !ok {
			return out, fmt.Errorf("lease: unexpected script result type %T", res)
		}
		msg, err := b.loadMessage(ctx, id)
		if err != nil {
			// Body missing or corrupt; drop the lease so the id does not
			// cycle through in-flight forever.
			log.Warn().Str("task_id", id).Err(err).Msg("discarding leased message without body")
			b.client.ZRem(ctx, b.inflightKey, id)
			b.client.Del(ctx, b.leaseKey(id), b.msgKey(id))
			continue
		}
		out = append(out, &Delivery{Msg: msg, Token: token, Deadline: leaseUntil})
	}
	return out, nil
}

func (b *Redis) loadMessage(ctx context.Context, id string) (*task.Message, error) {
	body, err := b.client.HGet(ctx, b.msgKey(id), "body").Result()
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	return task.DecodeMessage([]byte(body))
}

// promoteScheduled moves due scheduled messages into their ready lists.
func (b *Redis) promoteScheduled(ctx context.Context, now time.Time) (int, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: b.batch,
	}).Result()
	if err != nil {
		return 0, unavailable("promote scheduled", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := b.client.TxPipeline()
	for _, id := range ids {
		queue, err := b.client.HGet(ctx, b.msgKey(id), "queue").Result()
		if err != nil || queue == "" {
			queue = "default"
		}
		pipe.ZRem(ctx, b.scheduledKey, id)
		pipe.RPush(ctx, b.readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("promote scheduled", err)
	}
	return len(ids), nil
}

// reclaimExpired returns messages whose lease deadline passed to their
// ready lists. The stale lease token is deleted, so a worker that later
// acks or nacks the old delivery performs a no-op.
func (b *Redis) reclaimExpired(ctx context.Context, now time.Time) error {
	ids, err := b.client.ZRangeByScore(ctx, b.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: b.batch,
	}).Result()
	if err != nil {
		return unavailable("reclaim expired", err)
	}
	if len(ids) == 0 {
		return nil
	}
	pipe := b.client.TxPipeline()
	for _, id := range ids {
		queue, err := b.client.HGet(ctx, b.msgKey(id), "queue").Result()
		if err != nil || queue == "" {
			queue = "default"
		}
		pipe.ZRem(ctx, b.inflightKey, id)
		pipe.Del(ctx, b.leaseKey(id))
		pipe.RPush(ctx, b.readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("reclaim expired", err)
	}
	log.Debug().Int("count", len(ids)).Msg("reclaimed expired leases")
	return nil
}

// Ack releases the lease and destroys the message. Acking a lease that
// expired or was already released is a no-op.
func (b *Redis) Ack(ctx context.Context, d *Delivery) error {
	held, err := b.release(ctx, d)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	if err := b.client.Del(ctx, b.msgKey(d.Msg.ID)).Err(); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

// Nack releases the lease and either re-publishes the message with
// retry_count+1 after delay, or routes it to the dead-letter queue when
// the retry budget is exhausted or requeue is false.
func (b *Redis) Nack(ctx context.Context, d *Delivery, requeue bool, delay time.Duration) (NackOutcome, error) {
	held, err := b.release(ctx, d)
	if err != nil {
		return NackExpired, err
	}
	if !held {
		return NackExpired, nil
	}

	msg := d.Msg
	if requeue && msg.RetryCount < msg.MaxRetries {
		retried := *msg
		retried.RetryCount++
		body, err := retried.Encode()
		if err != nil {
			return NackExpired, err
		}
		pipe := b.client.TxPipeline()
		pipe.HSet(ctx, b.msgKey(msg.ID), "body", body, "queue", retried.Queue)
		pipe.ZAdd(ctx, b.scheduledKey, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: msg.ID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return NackExpired, unavailable("nack requeue", err)
		}
		return NackRequeued, nil
	}

	body, err := msg.Encode()
	if err != nil {
		return NackExpired, err
	}
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, b.dlqKey, body)
	pipe.Del(ctx, b.msgKey(msg.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return NackExpired, unavailable("nack dead-letter", err)
	}
	return NackDeadLettered, nil
}

// release atomically checks the lease token and, when still held,
// removes the lease and the in-flight entry.
func (b *Redis) release(ctx context.Context, d *Delivery) (bool, error) {
	res, err := releaseScript.Run(ctx, b.client,
		[]string{b.leaseKey(d.Msg.ID), b.inflightKey},
		d.Token, d.Msg.ID,
	).Result()
	if err != nil {
		return false, unavailable("release lease", err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("release lease: unexpected script result type %T", res)
	}
	return n == 1, nil
}

// Revoke withdraws the message from ready and scheduled queues and
// marks the id revoked so an in-flight worker skips execution.
func (b *Redis) Revoke(ctx context.Context, id string) error {
	queue, err := b.client.HGet(ctx, b.msgKey(id), "queue").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("revoke", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.revokedKey(id), "1", b.revokeTTL)
	if queue != "" {
		pipe.LRem(ctx, b.readyKey(queue), 0, id)
	}
	pipe.ZRem(ctx, b.scheduledKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("revoke", err)
	}
	return nil
}

// IsRevoked reports whether the id was revoked.
func (b *Redis) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := b.client.Exists(ctx, b.revokedKey(id)).Result()
	if err != nil {
		return false, unavailable("is revoked", err)
	}
	return n > 0, nil
}

// DLQPeek reads up to count dead-lettered messages, newest last.
func (b *Redis) DLQPeek(ctx context.Context, count int64) ([]*task.Message, error) {
	bodies, err := b.client.LRange(ctx, b.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, unavailable("dlq peek", err)
	}
	msgs := make([]*task.Message, 0, len(bodies))
	for _, body := range bodies {
		msg, err := task.DecodeMessage([]byte(body))
		if err != nil {
			log.Warn().Err(err).Msg("skipping undecodable dead-letter record")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// QueueDepth returns the total length of the given ready lists.
func (b *Redis) QueueDepth(ctx context.Context, queues []string) (int64, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(queues))
	for _, q := range queues {
		cmds = append(cmds, pipe.LLen(ctx, b.readyKey(q)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("queue depth", err)
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Client exposes the underlying connection for components that share it
// (beat state, rate limiter).
func (b *Redis) Client() *redis.Client { return b.client }

// leaseScript pops the first available id across the ready lists and
// records the lease atomically.
var leaseScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    redis.call('SET', ARGV[2] .. id, ARGV[3])
    return id
  end
end
return nil
`)

// releaseScript removes the lease only when the caller still holds it.
var releaseScript = redis.NewScript(`
local token = redis.call('GET', KEYS[1])
if token == ARGV[1] then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`)
