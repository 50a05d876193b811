// Package metrics provides Prometheus instrumentation for the repair pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "selfheal"

// Metrics holds every pipeline collector. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// IssuesDetected counts detected issues.
	// Labels: kind, severity
	IssuesDetected *prometheus.CounterVec

	// PatchesGenerated counts candidates by their status after generation.
	// Labels: status (pending, invalid)
	PatchesGenerated *prometheus.CounterVec

	// SafetyScore tracks the distribution of candidate safety scores.
	SafetyScore prometheus.Histogram

	// BackendRequests counts code-generation calls.
	// Labels: provider, result (success, error, rate_limited)
	BackendRequests *prometheus.CounterVec

	// BackendTokens counts tokens consumed.
	// Labels: provider, type (prompt, completion)
	BackendTokens *prometheus.CounterVec

	// Validations counts validation attempts.
	// Labels: status (success, warning, failed, aborted)
	Validations *prometheus.CounterVec

	// StageDuration tracks validation stage durations.
	// Labels: stage (build, test, security, performance)
	StageDuration *prometheus.HistogramVec

	// PatchesApplied counts patches applied to the canonical tree.
	PatchesApplied prometheus.Counter

	// PatchesRolledBack counts applied patches that were reverted.
	PatchesRolledBack prometheus.Counter

	// ActiveValidations is the number of sandboxes currently in use.
	ActiveValidations prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IssuesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "issues_total",
			Help:      "Total number of detected issues",
		}, []string{"kind", "severity"}),
		PatchesGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "patches_total",
			Help:      "Total number of generated candidate patches",
		}, []string{"status"}),
		SafetyScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "safety_score",
			Help:      "Safety score of generated candidates",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		BackendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Total number of code-generation requests",
		}, []string{"provider", "result"}),
		BackendTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "tokens_total",
			Help:      "Total number of tokens consumed",
		}, []string{"provider", "type"}),
		Validations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "validations_total",
			Help:      "Total number of validation attempts by outcome",
		}, []string{"status"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "stage_duration_seconds",
			Help:      "Duration of validation stages in seconds",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		PatchesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "git",
			Name:      "patches_applied_total",
			Help:      "Total number of patches applied",
		}),
		PatchesRolledBack: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "git",
			Name:      "patches_rolled_back_total",
			Help:      "Total number of applied patches rolled back",
		}),
		ActiveValidations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "active_validations",
			Help:      "Number of validations currently running",
		}),
	}
}

// RecordIssue counts one detected issue.
func (m *Metrics) RecordIssue(kind, severity string) {
	if m == nil {
		return
	}
	m.IssuesDetected.WithLabelValues(kind, severity).Inc()
}

// RecordCandidate records a generated candidate.
func (m *Metrics) RecordCandidate(status string, safety float64) {
	if m == nil {
		return
	}
	m.PatchesGenerated.WithLabelValues(status).Inc()
	m.SafetyScore.Observe(safety)
}

// RecordBackendCall records a code-generation request and its token usage.
func (m *Metrics) RecordBackendCall(provider, result string, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(provider, result).Inc()
	if promptTokens > 0 {
		m.BackendTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.BackendTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// RecordValidation records the outcome of a validation attempt.
func (m *Metrics) RecordValidation(status string) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(status).Inc()
}

// RecordStage records how long a validation stage ran.
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ValidationStarted marks a sandbox in use; call the returned func when done.
func (m *Metrics) ValidationStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveValidations.Inc()
	return m.ActiveValidations.Dec
}

// RecordApplied counts an applied patch.
func (m *Metrics) RecordApplied() {
	if m == nil {
		return
	}
	m.PatchesApplied.Inc()
}

// RecordRolledBack counts a rolled back patch.
func (m *Metrics) RecordRolledBack() {
	if m == nil {
		return
	}
	m.PatchesRolledBack.Inc()
}
