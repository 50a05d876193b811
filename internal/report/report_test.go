package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"json", FormatJSON, false},
		{"YAML", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncode_YAMLUsesJSONFieldNames(t *testing.T) {
	issue := remediation.Issue{
		ID:       "i1",
		FilePath: "src/main.rs",
		Line:     4,
		Severity: remediation.SeverityHigh,
		Kind:     remediation.KindTypeError,
		Message:  "mismatched types",
		Status:   remediation.IssueOpen,
		Context:  map[string]string{"code": "123"},
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, FormatYAML, issue))
	out := buf.String()
	assert.Contains(t, out, "file_path: src/main.rs")
	assert.Contains(t, out, "line: 4")
	assert.NotContains(t, out, "{", "block style")

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "123", back["context"].(map[string]any)["code"], "numeric-looking strings stay strings")
}

func TestEncode_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, FormatJSON, Summarize(nil)))

	var got ValidationSummary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Zero(t, got.Total)

	assert.Error(t, Encode(&buf, FormatText, got))
}

func TestFormatPatch(t *testing.T) {
	p := &remediation.Patch{
		ID:              "p1",
		IssueID:         "i1",
		Diff:            "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-a\n+b\n",
		Explanation:     "swap a for b",
		Confidence:      0.85,
		SafetyScore:     0.9,
		Status:          remediation.PatchValid,
		BreakingChanges: []string{"x.A"},
	}

	out := FormatPatch(p)
	assert.Contains(t, out, "Patch ID: p1\nIssue ID: i1\n")
	assert.Contains(t, out, "Confidence: 85.00%")
	assert.Contains(t, out, "Safety Score: 90.00%")
	assert.Contains(t, out, "```diff\n--- a/x.go")
	assert.Contains(t, out, "Breaking Changes:\nx.A\n")
	assert.Contains(t, out, "Dependencies:\nnone\n")
	assert.NotContains(t, out, "Original Code")
}

func TestValidationReport(t *testing.T) {
	results := []*remediation.ValidationResult{
		{PatchID: "p1", Status: remediation.ValidationSuccess, BuildSuccess: true, TestSuccess: true, SecurityScanPassed: true, Duration: time.Second},
		{PatchID: "p2", Status: remediation.ValidationWarning, BuildSuccess: true, TestSuccess: true, Warnings: []string{"secret detected"}},
		{PatchID: "p3", Status: remediation.ValidationFailed, ErrorKind: remediation.KindBuild, Errors: []string{"undefined: foo"}},
		nil,
	}

	s := Summarize(results)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Successful)
	assert.Equal(t, 1, s.Warnings)
	assert.Equal(t, 1, s.Failed)
	assert.InDelta(t, 100.0/3, s.SuccessRate, 1e-9)

	out := ValidationReport(results)
	assert.Contains(t, out, "- Total patches: 3\n")
	assert.Contains(t, out, "- Success rate: 33.3%\n")
	assert.Contains(t, out, "## Patch p3\n- Status: failed\n")
	assert.Contains(t, out, "- Error kind: build_failure\n")
	assert.Contains(t, out, "### Errors\n- undefined: foo\n")
	assert.Contains(t, out, "### Warnings\n- secret detected\n")
}

func TestStatistics(t *testing.T) {
	out := Statistics(&remediation.Statistics{TotalIssues: 4, OpenIssues: 1, ResolvedIssues: 3, AvgConfidence: 0.75})
	assert.Contains(t, out, "Issues:          4 (1 open, 3 resolved)\n")
	assert.Contains(t, out, "Avg confidence:  0.75\n")
}
