package results

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"beatq/internal/task"
)

func testBackend(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestStoreAndFetch(t *testing.T) {
	backend, _ := testBackend(t)
	ctx := context.Background()

	res := &task.Result{
		TaskID:      "abc",
		Status:      task.StatusSuccess,
		Value:       "hi",
		CompletedAt: time.Now().UTC(),
	}
	require.NoError(t, backend.Store(ctx, res, time.Minute))

	got, err := backend.Fetch(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, task.StatusSuccess, got.Status)
	require.Equal(t, "hi", got.Value)
}

func TestFetchMissing(t *testing.T) {
	backend, _ := testBackend(t)
	_, err := backend.Fetch(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResultExpires(t *testing.T) {
	backend, mr := testBackend(t)
	ctx := context.Background()

	res := &task.Result{TaskID: "abc", Status: task.StatusFailure, Error: "boom"}
	require.NoError(t, backend.Store(ctx, res, time.Minute))

	mr.FastForward(2 * time.Minute)
	_, err := backend.Fetch(ctx, "abc")
	require.ErrorIs(t, err, ErrNotFound)
}
