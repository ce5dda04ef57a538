package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, "dev", cfg.Env)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, []string{"default"}, cfg.Queues)
	require.Equal(t, 4, cfg.Concurrency)
	require.Equal(t, time.Second, cfg.BeatTick)
	require.Equal(t, CatchUpOnce, cfg.BeatCatchUp)
	require.Equal(t, BeatStateRedis, cfg.BeatStateKind)
	require.False(t, cfg.BeatEnabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BEATQ_ENV", "test")
	t.Setenv("QUEUES", "mail, default ,low")
	t.Setenv("CONCURRENCY", "8")
	t.Setenv("VISIBILITY_TIMEOUT", "45s")
	t.Setenv("BEAT_ENABLED", "true")
	t.Setenv("BEAT_CATCHUP", CatchUpEach)

	cfg := Load()
	require.Equal(t, "test", cfg.Env)
	require.Equal(t, 1, cfg.RedisDB) // test profile isolates into its own DB
	require.Equal(t, []string{"mail", "default", "low"}, cfg.Queues)
	require.Equal(t, 8, cfg.Concurrency)
	require.Equal(t, 45*time.Second, cfg.VisibilityTimeout)
	require.True(t, cfg.BeatEnabled)
	require.Equal(t, CatchUpEach, cfg.BeatCatchUp)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("CONCURRENCY", "lots")
	t.Setenv("VISIBILITY_TIMEOUT", "soon")

	cfg := Load()
	require.Equal(t, 4, cfg.Concurrency)
	require.Equal(t, 30*time.Second, cfg.VisibilityTimeout)
}

func TestProdProfileHasNoImplicitAddresses(t *testing.T) {
	t.Setenv("BEATQ_ENV", "prod")
	cfg := Load()
	require.Empty(t, cfg.RedisAddr)
}
