package beat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func stateStoreRoundTrip(t *testing.T, store StateStore) {
	t.Helper()
	ctx := context.Background()

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)

	last := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := EntryState{LastRunAt: last, NextRunAt: last.Add(time.Minute)}
	require.NoError(t, store.Save(ctx, "cleanup", st))
	require.NoError(t, store.Save(ctx, "digest", EntryState{NextRunAt: last.Add(time.Hour)}))

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.True(t, loaded["cleanup"].LastRunAt.Equal(last))
	require.True(t, loaded["cleanup"].NextRunAt.Equal(last.Add(time.Minute)))
	require.True(t, loaded["digest"].LastRunAt.IsZero())

	// Overwrites replace the previous state.
	st.NextRunAt = last.Add(2 * time.Minute)
	require.NoError(t, store.Save(ctx, "cleanup", st))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.True(t, loaded["cleanup"].NextRunAt.Equal(last.Add(2*time.Minute)))

	// Prune drops entries removed from the schedule.
	require.NoError(t, store.Prune(ctx, map[string]bool{"cleanup": true}))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	_, ok := loaded["digest"]
	require.False(t, ok)
}

func TestRedisStateRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stateStoreRoundTrip(t, NewRedisState(client))
}

func TestSQLiteStateRoundTrip(t *testing.T) {
	store, err := NewSQLiteState(filepath.Join(t.TempDir(), "beat-state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	stateStoreRoundTrip(t, store)
}

func TestSQLiteStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beat-state.db")
	ctx := context.Background()

	store, err := NewSQLiteState(path)
	require.NoError(t, err)
	last := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, "cleanup", EntryState{LastRunAt: last, NextRunAt: last.Add(time.Minute)}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteState(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	loaded, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.True(t, loaded["cleanup"].LastRunAt.Equal(last))
}
