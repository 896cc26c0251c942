package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	GateDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_gate_decision_total",
			Help: "Count of gate decisions (allow/challenge/redirect_maintenance/error)",
		},
		[]string{"decision"},
	)
	GateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_gate_duration_seconds",
			Help:    "Latency of allowlist classification",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		},
	)
	ChallengeOutcome = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_challenge_outcome_total",
			Help: "Challenge steps by resulting state (awaiting/rejected/approved/failed)",
		},
		[]string{"state"},
	)
	Approvals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_approvals_total",
			Help: "Allowlist approvals (new/duplicate)",
		},
		[]string{"result"},
	)
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_store_errors_total",
			Help: "Allowlist store failures by operation",
		},
		[]string{"op"},
	)
	EnforcementSync = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_enforcement_sync_total",
			Help: "Enforcement sync attempts by sink and result (ok/error/skipped)",
		},
		[]string{"sink", "result"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatekeeper_breaker_state",
			Help: "Circuit breaker state per enforcement sink (0=closed, 1=open, 2=half-open)",
		},
		[]string{"sink"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"sink", "from", "to"},
	)
	UpstreamLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_upstream_duration_seconds",
			Help:    "Latency of requests passed through to the upstream site",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_upstream_errors_total",
			Help: "Upstream proxy errors by type (context/timeout/dns/connection/other)",
		},
		[]string{"type"},
	)
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatekeeper_build_info",
			Help: "Always 1; the version label carries the running build",
		},
		[]string{"version"},
	)
)

var registerOnce sync.Once

// MustRegister adds every collector to the default registry and records
// version in gatekeeper_build_info. Repeated calls are no-ops so tests that
// build several servers do not panic.
func MustRegister(version string) {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			GateDecision, GateDuration, ChallengeOutcome, Approvals, StoreErrors,
			EnforcementSync, BreakerState, BreakerTransitions,
			UpstreamLatency, UpstreamErrors, BuildInfo,
		)
		BuildInfo.WithLabelValues(version).Set(1)
	})
}
