// Package ignore turns gitignore-style files into glob matchers used to keep
// generated, vendored and ignored sources out of issue detection.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPatterns are always excluded, whatever the ignore files say.
var DefaultPatterns = []string{
	"**/.git/**",
	"**/.hg/**",
	"**/.svn/**",
	"**/node_modules/**",
	"**/vendor/**",
	"**/target/**",
	"**/testdata/**",
	"**/.selfheal/**",
}

// Matcher reports whether a repository-relative path is excluded.
type Matcher struct {
	patterns []string
}

// Load reads each ignore file under root and combines its patterns with
// DefaultPatterns and extra. Missing ignore files are skipped.
func Load(root string, ignoreFiles, extra []string) (*Matcher, error) {
	patterns := append([]string{}, DefaultPatterns...)
	for _, name := range ignoreFiles {
		filePatterns, err := parseFile(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		patterns = append(patterns, filePatterns...)
	}
	for _, p := range extra {
		if !doublestar.ValidatePattern(p) {
			continue
		}
		patterns = append(patterns, p)
	}
	return &Matcher{patterns: deduplicate(patterns)}, nil
}

// New builds a matcher from glob patterns.
func New(patterns ...string) *Matcher {
	return &Matcher{patterns: deduplicate(patterns)}
}

// Patterns returns the effective glob patterns.
func (m *Matcher) Patterns() []string {
	return m.patterns
}

// Match reports whether rel (slash or OS separated) is excluded.
// Directories are also tested with a trailing slash so "dir/**" prunes them.
func (m *Matcher) Match(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range m.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if isDir {
			if ok, _ := doublestar.Match(p, rel+"/"); ok {
				return true
			}
		}
	}
	return false
}

func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if pattern := parseLine(scanner.Text()); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	return patterns, scanner.Err()
}

// parseLine converts one gitignore line to a glob. Comments, blanks and
// negations (unsupported) yield "".
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	return toGlobPattern(line)
}

// toGlobPattern converts a gitignore pattern to a doublestar glob.
func toGlobPattern(pattern string) string {
	anchored := strings.HasPrefix(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "/")
	dirOnly := strings.HasSuffix(pattern, "/")
	pattern = strings.TrimSuffix(pattern, "/")

	// unanchored single-segment patterns match at any depth
	if !anchored && !strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "**") {
		pattern = "**/" + pattern
	}

	// names without an extension or glob are treated as directories
	last := pattern[strings.LastIndex(pattern, "/")+1:]
	if dirOnly || (!strings.ContainsAny(last, ".*?[") && last != "**") {
		pattern += "/**"
	}
	return pattern
}

func deduplicate(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	result := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}
	return result
}
