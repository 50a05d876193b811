package detector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func newDetector(t *testing.T, mutate func(*config.AnalysisConfig)) *Detector {
	t.Helper()
	cfg := config.Default().Analysis
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func TestDetect_WalksTreeAndContinuesPastParseErrors(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/main.rs":         "use std::process::Command;\n\nfn main() {\n    unsafe { run() }\n}\n",
		"broken.go":           "package broken\n\nfunc {\n",
		"clean.go":            "package clean\n\n// Ok is documented.\nfunc Ok() {}\n",
		"target/debug/gen.rs": "unsafe { }\n",
		"ignored/skip.go":     "package skip\n\nfunc Bare() {}\n",
		"README.md":           "unsafe {",
		".gitignore":          "ignored/\n",
	})

	issues, err := newDetector(t, nil).Detect(context.Background(), root)
	require.NoError(t, err)

	byFile := map[string][]remediation.Issue{}
	for _, is := range issues {
		byFile[is.FilePath] = append(byFile[is.FilePath], is)
	}
	assert.NotContains(t, byFile, "target/debug/gen.rs")
	assert.NotContains(t, byFile, "ignored/skip.go")
	assert.NotContains(t, byFile, "clean.go")
	assert.NotContains(t, byFile, "README.md")

	require.Len(t, byFile["broken.go"], 1)
	parseIssue := byFile["broken.go"][0]
	assert.Equal(t, remediation.KindParseError, parseIssue.Kind)
	assert.Equal(t, 3, parseIssue.Line)

	require.Len(t, byFile["src/main.rs"], 1)
	unsafeIssue := byFile["src/main.rs"][0]
	assert.Equal(t, remediation.KindUnsafeCode, unsafeIssue.Kind)
	assert.Equal(t, remediation.IssueOpen, unsafeIssue.Status)
	assert.Equal(t, "    unsafe { run() }", unsafeIssue.Context["line"])
	assert.Equal(t, "\nfn main() {", unsafeIssue.Context["before"])
	assert.NotEmpty(t, unsafeIssue.ID)
}

func TestDetect_Restartable(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.go": "package a\n\nfunc A() {}\n"})
	d := newDetector(t, nil)

	first, err := d.Detect(context.Background(), root)
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Fingerprint(), second[0].Fingerprint())
}

func TestDetect_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"a.go": "package a\n"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newDetector(t, nil).Detect(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectFile_SizeLimit(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"big.go": "package big\n\nfunc Big() {}\n"})
	d := newDetector(t, func(c *config.AnalysisConfig) { c.MaxFileSize = 8 })

	issues, err := d.DetectFile(context.Background(), root, "big.go")
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestNew_PassSelection(t *testing.T) {
	d := newDetector(t, func(c *config.AnalysisConfig) { c.Passes = []string{"security"} })
	issues := d.DetectSource("x.go", []byte("package x\n\nimport \"os\"\n\nfunc X() { os.RemoveAll(\"/\") }\n"))
	require.Len(t, issues, 1)
	assert.Equal(t, remediation.KindSecurity, issues[0].Kind)

	_, err := New(config.AnalysisConfig{Passes: []string{"nope"}})
	assert.Error(t, err)
}

func TestFromDiagnostics(t *testing.T) {
	root := t.TempDir()
	src := "fn main() {\n    let a = 1;\n    let b = 2;\n    let x: i32 = \"5\";\n}\n"
	writeFiles(t, root, map[string]string{"src/main.rs": src})

	out := `{"reason":"compiler-message","message":{"level":"error","message":"mismatched types","code":{"code":"E0308"},"spans":[{"file_name":"src/main.rs","line_start":4,"column_start":18,"is_primary":true}]}}
{"reason":"compiler-message","message":{"level":"warning","message":"use of deprecated function ` + "`old`" + `","code":null,"spans":[{"file_name":"src/main.rs","line_start":2,"column_start":5,"is_primary":true}]}}
{"reason":"compiler-message","message":{"level":"warning","message":"unused variable","code":null,"spans":[{"file_name":"src/main.rs","line_start":3,"column_start":9,"is_primary":true}]}}`

	issues := newDetector(t, nil).FromDiagnostics(root, out)
	require.Len(t, issues, 2)
	assert.Equal(t, remediation.KindTypeError, issues[0].Kind)
	assert.Equal(t, "src/main.rs", issues[0].FilePath)
	assert.Equal(t, 4, issues[0].Line)
	assert.Equal(t, "E0308: mismatched types", issues[0].Message)
	assert.Equal(t, `    let x: i32 = "5";`, issues[0].Context["line"])
	assert.Equal(t, remediation.KindDeprecated, issues[1].Kind)
}
