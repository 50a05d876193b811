// Package detector walks a source tree and emits Issue records. Each file is
// parsed once and handed to independent passes, so a pass can be tested
// against a snippet in isolation.
package detector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/diagnostics"
	"github.com/fyrsmithlabs/selfheal/internal/ignore"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
	"github.com/fyrsmithlabs/selfheal/internal/secrets"
)

// Detector runs passes over the files of a project.
type Detector struct {
	passes       []Pass
	extensions   []string
	ignoreFiles  []string
	exclude      []string
	maxFileSize  int64
	contextLines int
	logger       *logging.Logger
	now          func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithPasses replaces the pass list.
func WithPasses(passes ...Pass) Option {
	return func(d *Detector) { d.passes = passes }
}

// WithSecrets adds a SecretPass backed by scanner.
func WithSecrets(scanner *secrets.Scanner) Option {
	return func(d *Detector) {
		if scanner != nil {
			d.passes = append(d.passes, SecretPass{Scanner: scanner})
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a detector from analysis configuration. cfg.Passes, when set,
// selects built-in passes by name.
func New(cfg config.AnalysisConfig, opts ...Option) (*Detector, error) {
	d := &Detector{
		extensions:   cfg.Extensions,
		ignoreFiles:  cfg.IgnoreFiles,
		exclude:      cfg.ExcludePatterns,
		maxFileSize:  cfg.MaxFileSize,
		contextLines: cfg.ContextLines,
		logger:       logging.Nop(),
		now:          time.Now,
	}
	if len(d.extensions) == 0 {
		d.extensions = []string{".go", ".rs"}
	}

	all := DefaultPasses(cfg.ComplexityThreshold)
	if len(cfg.Passes) == 0 {
		d.passes = all
	} else {
		for _, name := range cfg.Passes {
			idx := slices.IndexFunc(all, func(p Pass) bool { return p.Name() == name })
			if idx < 0 {
				return nil, fmt.Errorf("unknown detector pass %q", name)
			}
			d.passes = append(d.passes, all[idx])
		}
	}

	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("detector")
	return d, nil
}

// Detect walks root and returns issues for every supported file, ordered by
// path then line. Per-file parse failures become ParseError issues.
func (d *Detector) Detect(ctx context.Context, root string) ([]remediation.Issue, error) {
	matcher, err := ignore.Load(root, d.ignoreFiles, d.exclude)
	if err != nil {
		return nil, fmt.Errorf("loading ignore patterns: %w", err)
	}

	var issues []remediation.Issue
	files := 0
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			d.logger.Warn(ctx, "skipping unreadable path", zap.String("path", path), zap.Error(walkErr))
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		if matcher.Match(rel, entry.IsDir()) {
			if entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() || !d.supported(rel) {
			return nil
		}

		found, err := d.DetectFile(ctx, root, rel)
		if err != nil {
			d.logger.Warn(ctx, "skipping file", zap.String("file", rel), zap.Error(err))
			return nil
		}
		files++
		issues = append(issues, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info(ctx, "detection complete", zap.Int("files", files), zap.Int("issues", len(issues)))
	return issues, nil
}

// DetectFile analyzes one repository-relative file.
func (d *Detector) DetectFile(ctx context.Context, root, rel string) ([]remediation.Issue, error) {
	path := filepath.Join(root, rel)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if d.maxFileSize > 0 && info.Size() > d.maxFileSize {
		d.logger.Debug(ctx, "file exceeds size limit", zap.String("file", rel), zap.Int64("size", info.Size()))
		return nil, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return d.DetectSource(rel, src), nil
}

// DetectSource runs every pass over in-memory source.
func (d *Detector) DetectSource(rel string, src []byte) []remediation.Issue {
	file, err := Parse(rel, src)
	if err != nil {
		var pe *ParseError
		if !errors.As(err, &pe) {
			pe = &ParseError{Path: file.Path, Line: 1, Column: 1, Msg: err.Error()}
		}
		return []remediation.Issue{d.issue(file, Finding{
			Line:     pe.Line,
			Column:   pe.Column,
			Severity: remediation.SeverityHigh,
			Kind:     remediation.KindParseError,
			Message:  "Parse error: " + pe.Msg,
		})}
	}

	var issues []remediation.Issue
	for _, p := range d.passes {
		for _, f := range p.Check(file) {
			issues = append(issues, d.issue(file, f))
		}
	}
	slices.SortStableFunc(issues, func(a, b remediation.Issue) int { return a.Line - b.Line })
	return issues
}

func (d *Detector) issue(file *SourceFile, f Finding) remediation.Issue {
	now := d.now().UTC()
	return remediation.Issue{
		ID:         uuid.NewString(),
		FilePath:   file.Path,
		Line:       f.Line,
		Column:     f.Column,
		Severity:   f.Severity,
		Kind:       f.Kind,
		Message:    f.Message,
		Suggestion: f.Suggestion,
		Context:    file.Window(f.Line, d.contextLines),
		Status:     remediation.IssueOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (d *Detector) supported(rel string) bool {
	ext := strings.ToLower(filepath.Ext(rel))
	return slices.Contains(d.extensions, ext) && LanguageOf(rel) != ""
}

// FromDiagnostics converts compiler output into issues. Errors become
// TypeError issues; warnings mentioning deprecation become Deprecated.
// Diagnostics without a file or outside root are dropped.
func (d *Detector) FromDiagnostics(root, output string) []remediation.Issue {
	var issues []remediation.Issue
	for _, diag := range diagnostics.Parse(output) {
		if diag.File == "" {
			continue
		}
		rel := filepath.ToSlash(filepath.Clean(diag.File))
		if filepath.IsAbs(diag.File) {
			r, err := filepath.Rel(root, diag.File)
			if err != nil || strings.HasPrefix(r, "..") {
				continue
			}
			rel = filepath.ToSlash(r)
		}

		f := Finding{Line: diag.Line, Column: diag.Column, Message: diag.Message}
		switch {
		case diag.Level == diagnostics.LevelError:
			f.Kind, f.Severity = remediation.KindTypeError, remediation.SeverityHigh
		case strings.Contains(strings.ToLower(diag.Message), "deprecated"):
			f.Kind, f.Severity = remediation.KindDeprecated, remediation.SeverityLow
		default:
			continue
		}
		if diag.Code != "" {
			f.Message = diag.Code + ": " + diag.Message
		}

		file := &SourceFile{Path: rel}
		if src, err := os.ReadFile(filepath.Join(root, rel)); err == nil {
			file.Lines = splitLines(src)
		}
		issues = append(issues, d.issue(file, f))
	}
	return issues
}
