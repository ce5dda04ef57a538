package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"beatq/internal/broker"
	"beatq/internal/config"
	"beatq/internal/history"
	"beatq/internal/ratelimit"
	"beatq/internal/results"
	"beatq/internal/task"
	"beatq/internal/telemetry"
)

// Server exposes the producer/ops surface: publish, result lookup,
// revocation, and dead-letter inspection. External producers publish
// through the same broker contract the beat scheduler uses.
type Server struct {
	cfg     config.Config
	broker  *broker.Redis
	backend results.Backend
	history *history.Postgres // nil when the history store is disabled
	limiter *ratelimit.TokenBucket
}

func New(cfg config.Config, b *broker.Redis, backend results.Backend, hist *history.Postgres, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, broker: b, backend: backend, history: hist, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tasks", s.handlePublish)
	r.Get("/tasks/{id}", s.handleGetResult)
	r.Get("/tasks/{id}/history", s.handleGetHistory)
	r.Post("/tasks/{id}/revoke", s.handleRevoke)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type publishRequest struct {
	Name         string         `json:"name"`
	Args         []any          `json:"args"`
	Kwargs       map[string]any `json:"kwargs"`
	Queue        string         `json:"queue"`
	ETA          *time.Time     `json:"eta"`
	DelaySeconds int            `json:"delay_seconds"`
	MaxRetries   *int           `json:"max_retries"`
}

type publishResponse struct {
	ID string `json:"id"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	producer := producerFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("beatq:rl:%s", producer))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	msg := task.NewMessage(req.Name, req.Args, req.Kwargs)
	msg.Queue = req.Queue
	msg.MaxRetries = s.cfg.MaxRetries
	if req.MaxRetries != nil {
		msg.MaxRetries = *req.MaxRetries
	}
	if req.ETA != nil {
		msg.ETA = req.ETA
	} else if req.DelaySeconds > 0 {
		eta := time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
		msg.ETA = &eta
	}

	id, err := s.broker.Publish(r.Context(), msg)
	if err != nil {
		log.Error().Err(err).Str("task", req.Name).Msg("publish failed")
		http.Error(w, "publish failed", http.StatusServiceUnavailable)
		return
	}
	if s.history != nil {
		s.history.Record(r.Context(), id, msg.Name, history.EventPublished, fmt.Sprintf("producer=%s", producer))
	}
	telemetry.PublishCounter.Inc()
	writeJSON(w, http.StatusAccepted, publishResponse{ID: id})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.backend.Fetch(r.Context(), id)
	if errors.Is(err, results.ErrNotFound) {
		http.Error(w, "result not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "fetch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history store disabled", http.StatusNotFound)
		return
	}
	id := chi.URLParam(r, "id")
	events, err := s.history.Events(r.Context(), id)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.broker.Revoke(r.Context(), id); err != nil {
		http.Error(w, "revoke failed", http.StatusInternalServerError)
		return
	}
	if s.history != nil {
		s.history.Record(r.Context(), id, "", history.EventRevoked, "revoke requested via API")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.broker.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": msgs})
}

func producerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Producer-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
