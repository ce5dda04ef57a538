package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PublishCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "beatq_published_total", Help: "Messages published to the broker"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "beatq_rate_limit_rejects_total", Help: "API requests rejected by the rate limiter"})
	TaskSuccess      = prometheus.NewCounter(prometheus.CounterOpts{Name: "beatq_tasks_succeeded_total", Help: "Tasks completed successfully"})
	TaskRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "beatq_tasks_retried_total", Help: "Tasks that failed and were requeued"})
	TaskDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "beatq_tasks_dead_letter_total", Help: "Tasks routed to the dead-letter queue"})
	TaskRevoked      = prometheus.NewCounter(prometheus.CounterOpts{Name: "beatq_tasks_revoked_total", Help: "Leased tasks skipped because they were revoked"})
	BeatDispatches   = prometheus.NewCounter(prometheus.CounterOpts{Name: "beatq_beat_dispatches_total", Help: "Schedule entries fired by the beat loop"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "beatq_queue_depth", Help: "Ready queue depth across consumed queues"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "beatq_inflight", Help: "Tasks currently executing"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PublishCounter,
			RateLimitRejects,
			TaskSuccess,
			TaskRetries,
			TaskDeadLetter,
			TaskRevoked,
			BeatDispatches,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
