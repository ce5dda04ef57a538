package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"beatq/internal/task"
)

// RegisterBuiltins installs the smoke-test handlers used to exercise a
// deployment end to end: echo returns its argument, sleep simulates
// slow work, fail always errors and ends up in the dead-letter queue.
func RegisterBuiltins(reg *task.Registry) error {
	if err := reg.Register("echo", handleEcho, task.Options{}); err != nil {
		return err
	}
	if err := reg.Register("sleep", handleSleep, task.Options{}); err != nil {
		return err
	}
	return reg.Register("fail", handleFail, task.Options{})
}

func handleEcho(_ context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("echo: one argument required")
	}
	return args[0], nil
}

func handleSleep(ctx context.Context, _ []any, kwargs map[string]any) (any, error) {
	ms, ok := asInt(kwargs["duration_ms"])
	if !ok || ms < 0 {
		return nil, errors.New("sleep: duration_ms kwarg required")
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return ms, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func handleFail(_ context.Context, _ []any, kwargs map[string]any) (any, error) {
	msg := "failure requested"
	if m, ok := kwargs["message"].(string); ok && m != "" {
		msg = m
	}
	return nil, fmt.Errorf("fail: %s", msg)
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
