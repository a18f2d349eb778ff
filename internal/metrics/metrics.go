// Package metrics holds the engine's prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DecisionsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scalpex_decisions_dispatched_total",
		Help: "Decisions handed to a lane executor",
	})
	EntriesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scalpex_entries_rejected_total",
		Help: "Entry candidates blocked by a risk gate, by reason",
	}, []string{"reason"})
	DecisionsDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scalpex_decisions_deduped_total",
		Help: "Decisions suppressed by the per-bar fingerprint cache",
	})
	GuardRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scalpex_guard_retries_total",
		Help: "Broker calls retried after a retryable failure",
	})
	GuardFatalErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scalpex_guard_fatal_errors_total",
		Help: "Broker calls that tripped the kill-switch",
	})
	KillSwitchTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scalpex_kill_switch_trips_total",
		Help: "Times trading was disabled",
	})
	TrackerExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scalpex_tracker_exits_total",
		Help: "Position tracker exits, by reason",
	}, []string{"reason"})
	OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scalpex_open_positions",
		Help: "Trackers currently registered with the supervisor",
	})
	TicksRouted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scalpex_ticks_routed_total",
		Help: "Live ticks delivered to a tracker",
	})
)

func init() {
	prometheus.MustRegister(
		DecisionsDispatched, EntriesRejected, DecisionsDeduped,
		GuardRetries, GuardFatalErrors, KillSwitchTrips,
		TrackerExits, OpenPositions, TicksRouted,
	)
}
