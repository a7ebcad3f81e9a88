// Package metrics defines Prometheus instrumentation for the daemon and an
// optional HTTP listener to expose it.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Usage accounting
	TicksAccumulated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tabwarden_ticks_accumulated_total",
		Help: "Ticks whose elapsed time was added to the daily counter",
	})

	TicksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabwarden_ticks_dropped_total",
		Help: "Ticks discarded without accumulation",
	}, []string{"reason"}) // noise, idle, screen_locked

	// Persistence
	PersistWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tabwarden_persist_writes_total",
		Help: "Successful backend writes",
	})

	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tabwarden_persist_failures_total",
		Help: "Failed backend writes entering back-off",
	})

	// State machine
	Locks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabwarden_locks_total",
		Help: "Lock transitions",
	}, []string{"cause"}) // limit, cooldown

	Nudges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tabwarden_nudges_total",
		Help: "Nudge warnings emitted",
	})

	Snoozes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabwarden_snoozes_total",
		Help: "Snooze requests by outcome",
	}, []string{"outcome"}) // granted, already-used-today, in-progress, not-allowed

	Rollovers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tabwarden_rollovers_total",
		Help: "Daily rollovers performed",
	})

	// Directive delivery
	Directives = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabwarden_directives_total",
		Help: "Directive delivery attempts by result",
	}, []string{"kind", "result"}) // delivered, retried, failed, closed
)

func init() {
	prometheus.MustRegister(
		TicksAccumulated,
		TicksDropped,
		PersistWrites,
		PersistFailures,
		Locks,
		Nudges,
		Snoozes,
		Rollovers,
		Directives,
	)
}

// Serve exposes /metrics on addr. Blocks until the listener fails.
func Serve(addr string, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("metrics listener started", zap.String("addr", addr))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.Serve(ln, mux)
}
