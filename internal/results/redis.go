package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"beatq/internal/task"
)

// ErrNotFound is returned when no result exists for a task id.
var ErrNotFound = errors.New("result not found")

// Backend stores task outcomes keyed by task id with expiry. Storage is
// best-effort: callers log Store failures and never let them block
// acknowledgment.
type Backend interface {
	Store(ctx context.Context, res *task.Result, ttl time.Duration) error
	Fetch(ctx context.Context, taskID string) (*task.Result, error)
}

// Redis keeps results as TTL'd JSON values.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "beatq:result:"}
}

func (r *Redis) key(taskID string) string { return r.prefix + taskID }

func (r *Redis) Store(ctx context.Context, res *task.Result, ttl time.Duration) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", res.TaskID, err)
	}
	if err := r.client.Set(ctx, r.key(res.TaskID), body, ttl).Err(); err != nil {
		return fmt.Errorf("store result %s: %w", res.TaskID, err)
	}
	return nil
}

func (r *Redis) Fetch(ctx context.Context, taskID string) (*task.Result, error) {
	body, err := r.client.Get(ctx, r.key(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("result %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch result %s: %w", taskID, err)
	}
	var res task.Result
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", taskID, err)
	}
	return &res, nil
}
