// Package metrics exposes the kernel's operational counters and gauges
// on a Prometheus registry, bound to /metrics via promhttp.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus descriptor the kernel instruments.
type Metrics struct {
	registry *prometheus.Registry

	// Mission Store

	// MissionsSubmittedTotal counts Submit calls, by outcome (created, deduped).
	MissionsSubmittedTotal *prometheus.CounterVec
	// MissionsClaimedTotal counts successful Claim calls, by goal.
	MissionsClaimedTotal *prometheus.CounterVec
	// MissionsFinalizedTotal counts Complete/Fail calls, by terminal status.
	MissionsFinalizedTotal *prometheus.CounterVec
	// LeasesReclaimedTotal counts expired leases recovered by ReclaimExpired.
	LeasesReclaimedTotal prometheus.Counter
	// MissionLeaseDuration records the wall-clock time between claim and
	// terminal completion.
	MissionLeaseDuration prometheus.Histogram

	// Dispatcher / Worker

	// DispatcherMissionsEnqueuedTotal counts missions the Dispatcher submitted
	// from MQTT events, by goal.
	DispatcherMissionsEnqueuedTotal *prometheus.CounterVec
	// WorkerActiveCount is the current count of workers in the "working" state.
	WorkerActiveCount prometheus.Gauge

	// Command Proposal Service

	// ProposalsByStatusTotal counts proposal transitions, by resulting status.
	ProposalsByStatusTotal *prometheus.CounterVec

	// Autonomy Governor

	// CircuitBreakerTripsTotal counts rule trips, by rule name and action.
	CircuitBreakerTripsTotal *prometheus.CounterVec
	// ReadinessScore is the most recently computed overall readiness score.
	ReadinessScore prometheus.Gauge
	// GovernancePhase is 1 for the currently active autonomy phase and 0 for
	// all others, labeled by phase name.
	GovernancePhase *prometheus.GaugeVec
}

// New creates and registers every metric on a dedicated registry (not the
// global default), so this process's metrics never collide with another
// instrumented library sharing the same binary.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		MissionsSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "mission",
			Name:      "submitted_total",
			Help:      "Total mission submissions, by outcome.",
		}, []string{"outcome"}),

		MissionsClaimedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "mission",
			Name:      "claimed_total",
			Help:      "Total missions claimed by a worker, by goal.",
		}, []string{"goal"}),

		MissionsFinalizedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "mission",
			Name:      "finalized_total",
			Help:      "Total missions reaching a terminal status.",
		}, []string{"status"}),

		LeasesReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "mission",
			Name:      "leases_reclaimed_total",
			Help:      "Total expired leases recovered and retried or failed.",
		}),

		MissionLeaseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kernel",
			Subsystem: "mission",
			Name:      "lease_duration_seconds",
			Help:      "Wall-clock duration between a mission's claim and its terminal completion.",
			Buckets:   prometheus.DefBuckets,
		}),

		DispatcherMissionsEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "dispatcher",
			Name:      "missions_enqueued_total",
			Help:      "Total missions submitted by the dispatcher from broker events, by goal.",
		}, []string{"goal"}),

		WorkerActiveCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "worker",
			Name:      "active_count",
			Help:      "Current number of workers executing a mission.",
		}),

		ProposalsByStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "command",
			Name:      "proposals_total",
			Help:      "Total command proposal transitions, by resulting status.",
		}, []string{"status"}),

		CircuitBreakerTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "governor",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker rule trips, by rule name and action taken.",
		}, []string{"rule", "action"}),

		ReadinessScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "governor",
			Name:      "readiness_score",
			Help:      "Most recently computed overall scope-expansion readiness score.",
		}),

		GovernancePhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "governor",
			Name:      "phase",
			Help:      "1 for the currently active autonomy phase, 0 otherwise.",
		}, []string{"phase"}),
	}

	reg.MustRegister(
		m.MissionsSubmittedTotal,
		m.MissionsClaimedTotal,
		m.MissionsFinalizedTotal,
		m.LeasesReclaimedTotal,
		m.MissionLeaseDuration,
		m.DispatcherMissionsEnqueuedTotal,
		m.WorkerActiveCount,
		m.ProposalsByStatusTotal,
		m.CircuitBreakerTripsTotal,
		m.ReadinessScore,
		m.GovernancePhase,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the http.Handler serving this registry's /metrics page.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetPhase zeroes every known phase gauge and sets only active to 1, so
// Prometheus queries selecting on value=1 always return exactly the
// current phase.
func (m *Metrics) SetPhase(active string, known []string) {
	for _, p := range known {
		v := 0.0
		if p == active {
			v = 1.0
		}
		m.GovernancePhase.WithLabelValues(p).Set(v)
	}
}

// ObserveLeaseDuration records the time a mission spent leased before
// reaching a terminal status.
func (m *Metrics) ObserveLeaseDuration(claimedAt time.Time, finalizedAt time.Time) {
	if finalizedAt.Before(claimedAt) {
		return
	}
	m.MissionLeaseDuration.Observe(finalizedAt.Sub(claimedAt).Seconds())
}
