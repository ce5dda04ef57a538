package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"beatq/internal/beat"
	"beatq/internal/broker"
	"beatq/internal/config"
	"beatq/internal/history"
	"beatq/internal/results"
	"beatq/internal/task"
	"beatq/internal/telemetry"
	"beatq/internal/worker"
)

func main() {
	logLevel := flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	queues := flag.String("queues", "", "comma-separated queues to consume (overrides QUEUES)")
	concurrency := flag.Int("concurrency", 0, "worker slot count (overrides CONCURRENCY)")
	prefetch := flag.Int("prefetch", 0, "messages leased per slot (overrides PREFETCH)")
	runBeat := flag.Bool("beat", false, "run the embedded beat scheduler in-process")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Str("log_level", *logLevel).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	cfg := config.Load()
	if *queues != "" {
		cfg.Queues = splitList(*queues)
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	if *prefetch > 0 {
		cfg.Prefetch = *prefetch
	}
	if *runBeat {
		cfg.BeatEnabled = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	b := broker.NewRedis(cfg)
	if err := b.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("broker unreachable")
	}
	backend := results.NewRedis(b.Client())

	var rec history.Recorder = history.Nop{}
	if cfg.PostgresDSN != "" {
		pg, err := history.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("history store unreachable")
		}
		defer pg.Close()
		rec = pg
	}

	registry := task.NewRegistry()
	if err := worker.RegisterBuiltins(registry); err != nil {
		log.Fatal().Err(err).Msg("register builtin tasks")
	}
	log.Info().Strs("tasks", registry.Names()).Msg("task registry populated")

	if cfg.BeatEnabled {
		entries, err := beat.LoadScheduleFile(cfg.BeatSchedule)
		if err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.BeatSchedule).Msg("load schedule")
		}
		state, err := beatState(cfg, b)
		if err != nil {
			log.Fatal().Err(err).Msg("open beat state store")
		}
		defer state.Close()

		sched := beat.NewScheduler(cfg, b, state, entries, rec)
		go func() {
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("beat stopped")
				cancel()
			}
		}()
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	go sampleQueueDepth(ctx, b, cfg.Queues)

	pool := worker.NewPool(cfg, b, registry, backend, rec)
	if err := pool.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker pool failed")
	}
	log.Info().Msg("worker shut down cleanly")
}

func sampleQueueDepth(ctx context.Context, b *broker.Redis, queues []string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := b.QueueDepth(ctx, queues)
			if err != nil {
				continue
			}
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func beatState(cfg config.Config, b *broker.Redis) (beat.StateStore, error) {
	if cfg.BeatStateKind == config.BeatStateSQLite {
		return beat.NewSQLiteState(cfg.BeatStatePath)
	}
	return beat.NewRedisState(b.Client()), nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
