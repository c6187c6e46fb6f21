package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_failed_total", Help: "Jobs that reached failed"})
	JobsCancelled       = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_cancelled_total", Help: "Jobs cancelled by operator or tenant"})
	JobsReaped          = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_jobs_reaped_total", Help: "Stale jobs failed by the reaper"})
	JobsInFlight        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "autopilot_jobs_inflight", Help: "Jobs currently being executed"})
	PublishCalls        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_publish_calls_total", Help: "External publish calls by target"}, []string{"target"})
	CreditsDebited      = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_credits_debited_total", Help: "Credits debited across tenants"})
	CreditsRefunded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_credits_refunded_total", Help: "Credits refunded across tenants"})
	InsufficientCredits = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_insufficient_credits_total", Help: "Debits rejected for insufficient balance"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_rate_limit_rejects_total", Help: "Manual triggers rejected by rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			JobsReaped,
			JobsInFlight,
			PublishCalls,
			CreditsDebited,
			CreditsRefunded,
			InsufficientCredits,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
