package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"beatq/internal/api"
	"beatq/internal/broker"
	"beatq/internal/config"
	"beatq/internal/history"
	"beatq/internal/ratelimit"
	"beatq/internal/results"
)

func main() {
	logLevel := flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Str("log_level", *logLevel).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	b := broker.NewRedis(cfg)
	if err := b.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("broker unreachable")
	}
	backend := results.NewRedis(b.Client())

	var hist *history.Postgres
	if cfg.PostgresDSN != "" {
		hist, err = history.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("history store unreachable")
		}
		defer hist.Close()
	}

	limiter := ratelimit.NewTokenBucket(b.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, b, backend, hist, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
