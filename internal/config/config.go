package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Catch-up policies for schedule entries that missed one or more due
// instants while the process was down.
const (
	CatchUpOnce = "once"
	CatchUpEach = "each"
)

// Beat state store kinds.
const (
	BeatStateRedis  = "redis"
	BeatStateSQLite = "sqlite"
)

// Config holds shared runtime configuration for the worker and API
// processes. Loaded from environment variables; BEATQ_ENV selects the
// profile whose defaults apply underneath them.
type Config struct {
	Env           string
	HTTPPort      string
	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string // empty disables the history store

	Queues            []string
	DefaultQueue      string
	Concurrency       int
	Prefetch          int
	VisibilityTimeout time.Duration
	LeaseWait         time.Duration
	PollInterval      time.Duration
	MaxRetries        int
	TaskTimeout       time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	DrainTimeout      time.Duration
	ScheduledBatch    int
	DLQKey            string
	ResultTTL         time.Duration

	BeatEnabled   bool
	BeatTick      time.Duration
	BeatSchedule  string // path to the JSON schedule file
	BeatStateKind string
	BeatStatePath string // sqlite file, when BeatStateKind == sqlite
	BeatCatchUp   string

	RateLimitCapacity int
	RateLimitRefill   float64
}

// Load reads configuration for the profile named by BEATQ_ENV.
func Load() Config {
	env := getEnv("BEATQ_ENV", "dev")
	def := profileDefaults(env)
	return Config{
		Env:           env,
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		RedisAddr:     getEnv("REDIS_ADDR", def.redisAddr),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", def.redisDB),
		PostgresDSN:   getEnv("POSTGRES_DSN", def.postgresDSN),

		Queues:            getEnvList("QUEUES", []string{"default"}),
		DefaultQueue:      getEnv("DEFAULT_QUEUE", "default"),
		Concurrency:       getEnvInt("CONCURRENCY", 4),
		Prefetch:          getEnvInt("PREFETCH", 4),
		VisibilityTimeout: getEnvDuration("VISIBILITY_TIMEOUT", 30*time.Second),
		LeaseWait:         getEnvDuration("LEASE_WAIT", 2*time.Second),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 100*time.Millisecond),
		MaxRetries:        getEnvInt("MAX_RETRIES", 3),
		TaskTimeout:       getEnvDuration("TASK_TIMEOUT", time.Minute),
		BackoffBase:       getEnvDuration("BACKOFF_BASE", time.Second),
		BackoffMax:        getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		DrainTimeout:      getEnvDuration("DRAIN_TIMEOUT", 15*time.Second),
		ScheduledBatch:    getEnvInt("SCHEDULED_BATCH_SIZE", 100),
		DLQKey:            getEnv("DLQ_NAME", "beatq:dlq"),
		ResultTTL:         getEnvDuration("RESULT_TTL", 24*time.Hour),

		BeatEnabled:   getEnvBool("BEAT_ENABLED", false),
		BeatTick:      getEnvDuration("BEAT_TICK", time.Second),
		BeatSchedule:  getEnv("BEAT_SCHEDULE_FILE", "schedule.json"),
		BeatStateKind: getEnv("BEAT_STATE", BeatStateRedis),
		BeatStatePath: getEnv("BEAT_STATE_PATH", "beatq-state.db"),
		BeatCatchUp:   getEnv("BEAT_CATCHUP", CatchUpOnce),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),
	}
}

type profile struct {
	redisAddr   string
	redisDB     int
	postgresDSN string
}

func profileDefaults(env string) profile {
	switch env {
	case "test":
		return profile{redisAddr: "localhost:6379", redisDB: 1}
	case "prod":
		// Production requires explicit addresses; defaults stay empty so
		// a misconfigured deployment fails at startup instead of talking
		// to localhost.
		return profile{}
	default:
		return profile{redisAddr: "localhost:6379"}
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
