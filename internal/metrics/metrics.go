// Package metrics provides Prometheus instrumentation for replication runs.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "federation"

// Metrics holds the counters exported by the replication engine.
type Metrics struct {
	// CommitsTotal counts CommitPipeline outcomes.
	// Labels: mode (tree, contents, none)
	CommitsTotal *prometheus.CounterVec

	// SkippedUnitsTotal counts patch units excluded from a commit.
	// Labels: reason (concurrent_modification, unchanged, duplicate_path, ...)
	SkippedUnitsTotal *prometheus.CounterVec

	// ReviewRecordsTotal counts records written to the manual review queue.
	ReviewRecordsTotal prometheus.Counter

	// CredentialRotationsTotal counts credential rotations after rate limiting.
	CredentialRotationsTotal prometheus.Counter

	// RemoteCallsTotal counts hosting API calls.
	// Labels: op, outcome (ok, error, rate_limited)
	RemoteCallsTotal *prometheus.CounterVec

	// RunsTotal counts replication runs by final state.
	RunsTotal *prometheus.CounterVec
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "total",
			Help:      "Commit pipeline invocations by resulting mode.",
		}, []string{"mode"}),
		SkippedUnitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "skipped_units_total",
			Help:      "Patch units excluded from a commit, by reason.",
		}, []string{"reason"}),
		ReviewRecordsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "records_total",
			Help:      "Records submitted to the manual review queue.",
		}),
		CredentialRotationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "credential_rotations_total",
			Help:      "Credential rotations triggered by rate limiting.",
		}),
		RemoteCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Hosting API calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "runs_total",
			Help:      "Replication runs by final state.",
		}, []string{"state"}),
	}
}

// Commit records one pipeline outcome.
func (m *Metrics) Commit(mode string) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(mode).Inc()
}

// Skipped records one excluded unit.
func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.SkippedUnitsTotal.WithLabelValues(reason).Inc()
}

// ReviewRecord records one manual review submission.
func (m *Metrics) ReviewRecord() {
	if m == nil {
		return
	}
	m.ReviewRecordsTotal.Inc()
}

// CredentialRotated records one rotation.
func (m *Metrics) CredentialRotated() {
	if m == nil {
		return
	}
	m.CredentialRotationsTotal.Inc()
}

// RemoteCall records one hosting API call.
func (m *Metrics) RemoteCall(op, outcome string) {
	if m == nil {
		return
	}
	m.RemoteCallsTotal.WithLabelValues(op, outcome).Inc()
}

// Run records the final state of a replication run.
func (m *Metrics) Run(state string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(state).Inc()
}
