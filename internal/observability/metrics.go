// Package observability holds the Prometheus instrumentation for the
// accrual service.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics counts tick, sync, and claim activity across sessions.
type SessionMetrics struct {
	Ticks        prometheus.Counter
	TickFailures prometheus.Counter
	Syncs        *prometheus.CounterVec
	Claims       prometheus.Counter
	OfflineGaps  prometheus.Counter
}

var (
	sessionMetricsOnce sync.Once
	sessionRegistry    *SessionMetrics
)

// Metrics returns the lazily-initialised session metrics registry.
func Metrics() *SessionMetrics {
	sessionMetricsOnce.Do(func() {
		sessionRegistry = &SessionMetrics{
			Ticks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "accrual",
				Subsystem: "session",
				Name:      "ticks_total",
				Help:      "Total local accrual ticks across all sessions.",
			}),
			TickFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "accrual",
				Subsystem: "session",
				Name:      "tick_failures_total",
				Help:      "Ticks that panicked or failed to persist; the loop keeps running.",
			}),
			Syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "accrual",
				Subsystem: "session",
				Name:      "syncs_total",
				Help:      "Remote synchronizer pushes segmented by outcome.",
			}, []string{"outcome"}),
			Claims: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "accrual",
				Subsystem: "session",
				Name:      "claims_total",
				Help:      "Successful claim operations.",
			}),
			OfflineGaps: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "accrual",
				Subsystem: "session",
				Name:      "offline_gaps_applied_total",
				Help:      "Offline-gap corrections folded into a ledger on resume.",
			}),
		}
		prometheus.MustRegister(
			sessionRegistry.Ticks,
			sessionRegistry.TickFailures,
			sessionRegistry.Syncs,
			sessionRegistry.Claims,
			sessionRegistry.OfflineGaps,
		)
	})
	return sessionRegistry
}
