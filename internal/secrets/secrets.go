// Package secrets finds hardcoded credentials with the Gitleaks rule set.
// The validator uses it to fail the security stage when a patch adds a
// secret; the detector uses it to report secrets already in the tree.
package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Finding is one detected secret.
type Finding struct {
	RuleID   string `json:"rule_id"`
	RuleDesc string `json:"rule_desc"`
	Line     int    `json:"line"`
	StartCol int    `json:"start_col"`
	EndCol   int    `json:"end_col"`
	Match    string `json:"-"`
}

// Preview returns the first four characters of the secret.
func (f Finding) Preview() string {
	if len(f.Match) <= 4 {
		return f.Match
	}
	return f.Match[:4]
}

// Scanner wraps a Gitleaks detector built once from the default rule set.
type Scanner struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewScanner builds a scanner. allowlist may be nil.
func NewScanner(allowlist *Allowlist) (*Scanner, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if allowlist != nil {
		if err := applyAllowlist(&d.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &Scanner{detector: d}, nil
}

// Scan returns every secret in content ordered by position.
func (s *Scanner) Scan(content string) []Finding {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	s.mu.Lock()
	raw := s.detector.DetectString(content)
	s.mu.Unlock()

	out := make([]Finding, 0, len(raw))
	for _, f := range raw {
		out = append(out, Finding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			StartCol: f.StartColumn,
			EndCol:   f.EndColumn,
			Match:    f.Secret,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].StartCol < out[j].StartCol
	})
	return out
}

// Redact replaces each secret with [REDACTED:rule:preview].
func (s *Scanner) Redact(content string) (string, []Finding) {
	findings := s.Scan(content)
	if len(findings) == 0 {
		return content, nil
	}
	for _, f := range findings {
		if f.Match == "" {
			continue
		}
		marker := fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, f.Preview())
		content = strings.ReplaceAll(content, f.Match, marker)
	}
	return content, findings
}

// Summarize renders findings without their secret values.
func Summarize(findings []Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, fmt.Sprintf("line %d: %s (%s...)", f.Line, f.RuleDesc, f.Preview()))
	}
	return out
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{Description: "selfheal allowlist"}
	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.StopWords...)
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}
