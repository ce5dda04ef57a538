package beat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EntryState is the persisted portion of a schedule entry. Restart
// recovery re-derives eligibility from it, so an entry never fires
// twice for the same due instant.
type EntryState struct {
	LastRunAt time.Time `json:"last_run_at"`
	NextRunAt time.Time `json:"next_run_at"`
}

// StateStore persists per-entry fire times.
type StateStore interface {
	Load(ctx context.Context) (map[string]EntryState, error)
	Save(ctx context.Context, name string, st EntryState) error
	// Prune drops state for entries no longer in the schedule.
	Prune(ctx context.Context, keep map[string]bool) error
	Close() error
}

// RedisState keeps entry state in a Redis hash next to the queues, so a
// beat replica started on another host resumes where the last left off.
type RedisState struct {
	client *redis.Client
	key    string
}

func NewRedisState(client *redis.Client) *RedisState {
	return &RedisState{client: client, key: "beatq:beat:state"}
}

func (s *RedisState) Load(ctx context.Context) (map[string]EntryState, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load beat state: %w", err)
	}
	out := make(map[string]EntryState, len(raw))
	for name, body := range raw {
		var st EntryState
		if err := json.Unmarshal([]byte(body), &st); err != nil {
			return nil, fmt.Errorf("decode beat state %q: %w", name, err)
		}
		out[name] = st
	}
	return out, nil
}

func (s *RedisState) Save(ctx context.Context, name string, st EntryState) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode beat state %q: %w", name, err)
	}
	if err := s.client.HSet(ctx, s.key, name, body).Err(); err != nil {
		return fmt.Errorf("save beat state %q: %w", name, err)
	}
	return nil
}

func (s *RedisState) Prune(ctx context.Context, keep map[string]bool) error {
	raw, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return fmt.Errorf("prune beat state: %w", err)
	}
	var stale []string
	for _, name := range raw {
		if !keep[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key, stale...).Err(); err != nil {
		return fmt.Errorf("prune beat state: %w", err)
	}
	return nil
}

func (s *RedisState) Close() error { return nil }
