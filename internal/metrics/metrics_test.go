package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordIssue("security", "medium")
	m.RecordIssue("security", "medium")
	m.RecordCandidate("invalid", 0.4)
	m.RecordBackendCall("openai", "success", 100, 40)
	m.RecordValidation("failed")
	m.RecordStage("build", 2*time.Second)
	m.RecordApplied()
	m.RecordRolledBack()

	done := m.ValidationStarted()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveValidations))
	done()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveValidations))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.IssuesDetected.WithLabelValues("security", "medium")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PatchesGenerated.WithLabelValues("invalid")))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.BackendTokens.WithLabelValues("openai", "prompt")))
	assert.Equal(t, float64(40), testutil.ToFloat64(m.BackendTokens.WithLabelValues("openai", "completion")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Validations.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PatchesApplied))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PatchesRolledBack))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordIssue("style", "info")
		m.RecordCandidate("pending", 1)
		m.RecordBackendCall("ollama", "error", 0, 0)
		m.RecordValidation("success")
		m.RecordStage("test", time.Second)
		m.ValidationStarted()()
		m.RecordApplied()
		m.RecordRolledBack()
	})
}
