package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/selfheal/internal/backend"
	"github.com/fyrsmithlabs/selfheal/internal/orchestrator"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "shorter than max", input: "hello", maxLen: 10, want: "hello"},
		{name: "exactly max", input: "hello", maxLen: 5, want: "hello"},
		{name: "longer than max", input: "hello world", maxLen: 8, want: "hello..."},
		{name: "tiny max", input: "hello", maxLen: 2, want: "he"},
		{name: "empty", input: "", maxLen: 5, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.input, tt.maxLen))
		})
	}
}

func TestStorePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/repo", ".selfheal", "selfheal.db"), storePath("/repo", ".selfheal/selfheal.db"))
	assert.Equal(t, "/var/lib/selfheal.db", storePath("/repo", "/var/lib/selfheal.db"))
	assert.Equal(t, ":memory:", storePath("/repo", ":memory:"))
}

func TestIssueTable(t *testing.T) {
	assert.Equal(t, "No issues found\n", issueTable(nil))

	out := issueTable([]remediation.Issue{{
		ID:       "0123456789abcdef",
		FilePath: "internal/calc/calc.go",
		Line:     12,
		Severity: remediation.SeverityHigh,
		Kind:     remediation.KindUnsafeCode,
		Message:  "Package unsafe imported",
		Status:   remediation.IssueOpen,
	}})
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "01234...")
	assert.Contains(t, out, "internal/calc/calc.go:12")
	assert.Contains(t, out, "unsafe_code")
}

func TestRunSummary(t *testing.T) {
	rep := &orchestrator.RunReport{
		RunID:    "run-123456789",
		DryRun:   true,
		Detected: 3,
		Skipped:  1,
		Outcomes: []orchestrator.IssueOutcome{
			{IssueID: "issue-1", FilePath: "a.go", Status: remediation.IssueResolved, Candidates: 3, Validated: 2},
			{IssueID: "issue-2", FilePath: "b.go", Status: remediation.IssueOpen, RolledBack: true},
		},
	}
	out := runSummary(rep)
	assert.Contains(t, out, "Run run-1... (dry run): 3 detected, 0 duplicate, 1 skipped, 1 resolved\n")
	assert.Contains(t, out, "open (rolled back)")
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetErr(&buf)
	t.Cleanup(func() { rootCmd.SetErr(nil) })

	progressPrinter(rootCmd)(orchestrator.PhaseProgress{
		IssueID: "abcdef123456",
		Phase:   orchestrator.PhaseValidate,
		Status:  orchestrator.StatusCompleted,
		Message: "2 of 3 candidates valid",
	})
	assert.Equal(t, "[abcde...] validate completed 2 of 3 candidates valid\n", buf.String())
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, repoPath, outputFormat, metricsFile = "", "", "text", ""
	analyzeSave, issuesStatus, issuesSearch = false, "", ""

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func newProject(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("config permission checks differ on windows")
	}
	dir := t.TempDir()
	src := "package main\n\nimport \"unsafe\"\n\nvar size = unsafe.Sizeof(0)\n\nfunc main() { println(size) }\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte(src), 0o644))

	cfg := "repository:\n  path: " + dir + "\nlogging:\n  level: error\n"
	cfgPath := filepath.Join(t.TempDir(), "selfheal.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath
}

func TestAnalyze_SaveStoresNewIssuesOnce(t *testing.T) {
	cfgPath := newProject(t)

	out, err := execute(t, "--config", cfgPath, "analyze", "--save", "-o", "json")
	require.NoError(t, err)

	var issues []remediation.Issue
	require.NoError(t, json.Unmarshal([]byte(out), &issues))
	require.NotEmpty(t, issues)
	var unsafeIssue *remediation.Issue
	for i := range issues {
		if issues[i].Kind == remediation.KindUnsafeCode {
			unsafeIssue = &issues[i]
		}
	}
	require.NotNil(t, unsafeIssue)
	assert.Equal(t, "main.go", unsafeIssue.FilePath)
	assert.Equal(t, 3, unsafeIssue.Line)

	out, err = execute(t, "--config", cfgPath, "analyze", "--save", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out, "already stored issues are not stored again")

	out, err = execute(t, "--config", cfgPath, "issues", "--status", "open", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "file_path: main.go")
	assert.Contains(t, out, "kind: unsafe_code")

	out, err = execute(t, "--config", cfgPath, "stats", "-o", "json")
	require.NoError(t, err)
	var st remediation.Statistics
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, len(issues), st.TotalIssues)
	assert.Equal(t, len(issues), st.OpenIssues)
}

func TestAnalyze_WritesMetricsFile(t *testing.T) {
	cfgPath := newProject(t)
	path := filepath.Join(t.TempDir(), "selfheal.prom")

	_, err := execute(t, "--config", cfgPath, "--metrics-file", path, "analyze")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `selfheal_detector_issues_total{kind="unsafe_code",severity=`)
	assert.Contains(t, string(data), "selfheal_git_patches_applied_total 0")
}

func TestAnalyze_TextOutput(t *testing.T) {
	cfgPath := newProject(t)

	out, err := execute(t, "--config", cfgPath, "analyze")
	require.NoError(t, err)
	assert.Contains(t, out, "SEVERITY")
	assert.Contains(t, out, "main.go:3")
	assert.Contains(t, out, "Package unsafe imported")
}

func TestRollback_OutsideGitRepository(t *testing.T) {
	cfgPath := newProject(t)

	_, err := execute(t, "--config", cfgPath, "rollback", "--patch", "missing")
	assert.Error(t, err)
}

func TestUnknownFormat(t *testing.T) {
	cfgPath := newProject(t)

	_, err := execute(t, "--config", cfgPath, "stats", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestOfflineGenerator(t *testing.T) {
	_, err := offlineGenerator{}.GenerateCandidates(t.Context(), &remediation.Issue{}, 1)
	assert.ErrorIs(t, err, backend.ErrInvalidConfig)
}
