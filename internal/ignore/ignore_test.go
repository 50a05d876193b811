package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
	}{
		{"empty line", "", ""},
		{"whitespace only", "   ", ""},
		{"comment", "# build outputs", ""},
		{"negation skipped", "!keep.rs", ""},
		{"extension glob", "*.log", "**/*.log"},
		{"bare directory", "target", "**/target/**"},
		{"directory with slash", "generated/", "**/generated/**"},
		{"nested path", "vendor/cache", "vendor/cache/**"},
		{"anchored path", "/dist", "dist/**"},
		{"double star", "**/build", "**/build/**"},
		{"file with extension", "schema.pb.go", "**/schema.pb.go"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLine(tt.line))
		})
	}
}

func TestLoadAndMatch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("# generated\ngen/\n*.pb.go\n/scratch\n"), 0644))

	m, err := Load(root, []string{".gitignore", ".selfhealignore"}, []string{"examples/**", "[bad"})
	require.NoError(t, err)

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"gen", true, true},
		{"pkg/gen/types.go", false, true},
		{"api/v1/service.pb.go", false, true},
		{"scratch/notes.go", false, true},
		{"src/scratch/notes.go", false, false},
		{"examples/demo/main.go", false, true},
		{".git", true, true},
		{"target/debug/build.rs", false, true},
		{"src/main.rs", false, false},
		{"internal/diff/apply.go", false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Match(tt.path, tt.isDir), tt.path)
	}

	assert.NotContains(t, m.Patterns(), "[bad")
}

func TestLoad_NoIgnoreFiles(t *testing.T) {
	m, err := Load(t.TempDir(), []string{".gitignore"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPatterns, m.Patterns())
}
