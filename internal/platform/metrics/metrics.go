package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ReconcileOutcomes    *prometheus.CounterVec
	ReconcileDurationMs  prometheus.Histogram
	ReconcileShared      prometheus.Counter
	ReconcileThrottled   prometheus.Counter
	ProfilesProvisioned  prometheus.Counter
	GateDecisions        *prometheus.CounterVec
	RecoveryAttempts     prometheus.Counter
	CacheMisses          *prometheus.CounterVec
	ActiveContexts       prometheus.Gauge
	ContextEvictions     prometheus.Counter
	AuditPublishFailures prometheus.Counter
}

// New creates the metrics and registers them with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReconcileOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodlink_profile_reconcile_total",
			Help: "Profile reconciliations by outcome",
		}, []string{"outcome"}),
		ReconcileDurationMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bloodlink_profile_reconcile_duration_ms",
			Help:    "Latency of profile reconciliations that reached the store, in milliseconds",
			Buckets: []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		ReconcileShared: f.NewCounter(prometheus.CounterOpts{
			Name: "bloodlink_profile_reconcile_shared_total",
			Help: "Reconcile calls answered by a reconciliation shared with other callers",
		}),
		ReconcileThrottled: f.NewCounter(prometheus.CounterOpts{
			Name: "bloodlink_profile_reconcile_throttled_total",
			Help: "Reconcile calls answered from the throttle window without a store call",
		}),
		ProfilesProvisioned: f.NewCounter(prometheus.CounterOpts{
			Name: "bloodlink_profiles_provisioned_total",
			Help: "Default profiles created for first-time users",
		}),
		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodlink_gate_decisions_total",
			Help: "Gate decisions by gate and outcome",
		}, []string{"gate", "outcome"}),
		RecoveryAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "bloodlink_access_recovery_attempts_total",
			Help: "Profile resolution attempts made while recovering",
		}),
		CacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bloodlink_cache_misses_total",
			Help: "Cache reads reported as a miss, by reason",
		}, []string{"reason"}),
		ActiveContexts: f.NewGauge(prometheus.GaugeOpts{
			Name: "bloodlink_execution_contexts_active",
			Help: "Execution contexts currently held in the registry",
		}),
		ContextEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "bloodlink_execution_contexts_evicted_total",
			Help: "Execution contexts evicted after being idle",
		}),
		AuditPublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "bloodlink_audit_publish_failures_total",
			Help: "Audit events that could not be stored",
		}),
	}
}

func (m *Metrics) ObserveReconcile(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.ReconcileOutcomes.WithLabelValues(outcome).Inc()
	m.ReconcileDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
}

func (m *Metrics) IncrementReconcileShared() {
	if m == nil {
		return
	}
	m.ReconcileShared.Inc()
}

func (m *Metrics) IncrementReconcileThrottled() {
	if m == nil {
		return
	}
	m.ReconcileThrottled.Inc()
}

func (m *Metrics) IncrementProfilesProvisioned() {
	if m == nil {
		return
	}
	m.ProfilesProvisioned.Inc()
}

func (m *Metrics) IncrementGateDecision(gate, outcome string) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(gate, outcome).Inc()
}

func (m *Metrics) IncrementRecoveryAttempts() {
	if m == nil {
		return
	}
	m.RecoveryAttempts.Inc()
}

func (m *Metrics) IncrementCacheMiss(reason string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveContexts(n int) {
	if m == nil {
		return
	}
	m.ActiveContexts.Set(float64(n))
}

func (m *Metrics) IncrementContextEvictions() {
	if m == nil {
		return
	}
	m.ContextEvictions.Inc()
}

func (m *Metrics) IncrementAuditPublishFailures() {
	if m == nil {
		return
	}
	m.AuditPublishFailures.Inc()
}
