package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	NotificationCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "missions_notifications_total", Help: "Change notifications accepted by the scheduler"})
	DebounceCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "missions_debounced_total", Help: "Notifications that refreshed an existing pending job"})
	ValidationCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "missions_validations_total", Help: "Validation passes by resulting action"}, []string{"action"})
	InvalidCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "missions_invalid_total", Help: "Archives that failed validation"})
	HandlerFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "missions_handler_failures_total", Help: "Scheduled validations that returned an error or panicked"})
	SideEffectErrors    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "missions_side_effect_errors_total", Help: "Swallowed errors from sidecar, quarantine, delete and record steps"}, []string{"step"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "missions_rate_limit_rejects_total", Help: "API requests rejected by rate limiter"})
	PendingGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "missions_pending", Help: "Archives waiting for their quiet period"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "missions_inflight", Help: "Validations currently executing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			NotificationCounter,
			DebounceCounter,
			ValidationCounter,
			InvalidCounter,
			HandlerFailures,
			SideEffectErrors,
			RateLimitRejects,
			PendingGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
