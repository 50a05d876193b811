// Package validator runs candidate patches through the build, test, security
// and performance gate. Every attempt works on its own copy of the
// workspace; the canonical tree is only ever read.
package validator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/diff"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/metrics"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
	"github.com/fyrsmithlabs/selfheal/internal/runner"
	"github.com/fyrsmithlabs/selfheal/internal/secrets"
)

const tracerName = "selfheal/validator"

// Stage names as they appear in results and metrics.
const (
	StageBuild       = "build"
	StageTest        = "test"
	StageSecurity    = "security"
	StagePerformance = "performance"
)

// Isolator runs commands in a container and reports whether the container
// runtime can be used. Purge empties a directory the container wrote to.
type Isolator interface {
	runner.Runner
	Available(ctx context.Context) bool
	Purge(ctx context.Context, dir string) error
}

// Validator validates patches against a workspace.
type Validator struct {
	root      string
	cfg       config.ValidationConfig
	host      runner.Runner
	container Isolator
	scanner   *secrets.Scanner
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	containerOnce sync.Once
	useContainer  bool

	baselineMu sync.Mutex
	baseline   *baseline
}

// Option configures a Validator.
type Option func(*Validator)

// WithRunner replaces the host command runner.
func WithRunner(r runner.Runner) Option {
	return func(v *Validator) { v.host = r }
}

// WithIsolator replaces the container runner built from configuration.
func WithIsolator(i Isolator) Option {
	return func(v *Validator) { v.container = i }
}

// WithSecrets enables the in-process secret scan of added lines.
func WithSecrets(s *secrets.Scanner) Option {
	return func(v *Validator) { v.scanner = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithMetrics records validation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

// WithTracerProvider sets the tracer provider. The global provider is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(v *Validator) {
		if tp != nil {
			v.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates a validator for the workspace at root.
func New(root string, cfg config.ValidationConfig, opts ...Option) (*Validator, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", abs)
	}
	if strings.TrimSpace(cfg.BuildCommand) == "" {
		return nil, errors.New("validator: build command is required")
	}

	v := &Validator{
		root:   abs,
		cfg:    cfg,
		host:   &runner.Exec{},
		logger: logging.Nop(),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.container == nil && cfg.Container.Enabled {
		v.container = &runner.Container{Runtime: cfg.Container.Runtime, Image: cfg.Container.Image, Host: v.host}
	}
	v.logger = v.logger.Named("validator")
	return v, nil
}

// Validate runs one validation attempt. Gate failures, including a diff
// that does not apply, are reported in the result; the error is reserved
// for cancellation and for sandbox setup failures.
func (v *Validator) Validate(ctx context.Context, patch *remediation.Patch) (*remediation.ValidationResult, error) {
	ctx = logging.WithPatchID(ctx, patch.ID)
	ctx, span := v.tracer.Start(ctx, "validator.validate",
		trace.WithAttributes(attribute.String("patch.id", patch.ID), attribute.String("issue.id", patch.IssueID)))
	defer span.End()
	defer v.metrics.ValidationStarted()()

	start := time.Now()
	res := &remediation.ValidationResult{PatchID: patch.ID, Timestamp: start.UTC()}

	parsed, err := diff.Parse(patch.Diff)
	if err != nil {
		return v.abort(ctx, res, remediation.KindParse, err, start), nil
	}

	sandbox, cleanup, err := v.newSandbox(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sandbox")
		return nil, err
	}
	defer cleanup()

	if _, err := diff.ApplyToDir(sandbox, parsed); err != nil {
		kind := remediation.KindParse
		if errors.Is(err, diff.ErrConflict) {
			kind = remediation.KindGitConflict
		}
		return v.abort(ctx, res, kind, err, start), nil
	}

	exec, containerized := v.executor(ctx)
	res.Containerized = containerized

	build, err := v.runStage(ctx, exec, sandbox, StageBuild, v.cfg.BuildCommand, remediation.KindBuild)
	if err != nil {
		return nil, err
	}
	res.BuildSuccess = build.Passed && !build.Skipped

	test := skipped(StageTest, v.cfg.TestCommand)
	if res.BuildSuccess {
		if test, err = v.runStage(ctx, exec, sandbox, StageTest, v.cfg.TestCommand, remediation.KindTest); err != nil {
			return nil, err
		}
		res.TestSuccess = test.Passed
	}

	security, err := v.securityStage(ctx, exec, sandbox, parsed)
	if err != nil {
		return nil, err
	}
	res.SecurityScanPassed = security.Passed

	perf := skipped(StagePerformance, v.cfg.BenchCommand)
	if res.BuildSuccess {
		if perf, err = v.performanceStage(ctx, exec, sandbox, build.Duration, &res.Performance); err != nil {
			return nil, err
		}
	}

	res.Stages = []remediation.StageReport{build, test, security, perf}
	for _, st := range res.Stages {
		res.Errors = append(res.Errors, st.Errors...)
		res.Warnings = append(res.Warnings, st.Warnings...)
		if res.ErrorKind == "" && !st.Passed && st.Kind != "" && st.Name != StagePerformance {
			res.ErrorKind = st.Kind
		}
	}
	res.Classify()
	res.Duration = time.Since(start)

	v.metrics.RecordValidation(string(res.Status))
	span.SetAttributes(attribute.String("validation.status", string(res.Status)))
	v.logger.Info(ctx, "validation completed",
		zap.String("status", string(res.Status)),
		zap.Bool("build", res.BuildSuccess),
		zap.Bool("test", res.TestSuccess),
		zap.Bool("security", res.SecurityScanPassed),
		zap.Bool("containerized", res.Containerized),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// ValidateAll validates patches concurrently, at most max_concurrent at a
// time, each in its own sandbox. Results are in input order.
func (v *Validator) ValidateAll(ctx context.Context, patches []*remediation.Patch) ([]*remediation.ValidationResult, error) {
	results := make([]*remediation.ValidationResult, len(patches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, v.cfg.MaxConcurrent))
	for i, p := range patches {
		g.Go(func() error {
			res, err := v.Validate(gctx, p)
			if err != nil {
				return fmt.Errorf("validating patch %s: %w", p.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Verdict maps a result to the status the patch earns. Warning results are
// accepted only when allowWarnings is set.
func Verdict(res *remediation.ValidationResult, allowWarnings bool) (remediation.PatchStatus, remediation.Kind, string) {
	switch res.Status {
	case remediation.ValidationSuccess:
		return remediation.PatchValid, "", ""
	case remediation.ValidationWarning:
		if allowWarnings {
			return remediation.PatchValid, "", ""
		}
		return remediation.PatchInvalid, remediation.KindSecurityFailure, "security scan failed"
	}
	kind := res.ErrorKind
	if kind == "" {
		kind = remediation.KindBuild
	}
	reason := string(kind)
	if len(res.Errors) > 0 {
		reason = res.Errors[0]
	}
	return remediation.PatchInvalid, kind, reason
}

func (v *Validator) abort(ctx context.Context, res *remediation.ValidationResult, kind remediation.Kind, err error, start time.Time) *remediation.ValidationResult {
	res.ErrorKind = kind
	res.Errors = append(res.Errors, err.Error())
	res.Classify()
	res.Duration = time.Since(start)
	v.metrics.RecordValidation(string(res.Status))
	v.logger.Warn(ctx, "validation aborted", zap.String("kind", string(kind)), zap.Error(err))
	return res
}

// executor picks the container runner when configured and reachable, and
// the host runner otherwise. Availability is checked once.
func (v *Validator) executor(ctx context.Context) (runner.Runner, bool) {
	if v.container == nil {
		return v.host, false
	}
	v.containerOnce.Do(func() {
		v.useContainer = v.container.Available(ctx)
		if !v.useContainer {
			v.logger.Warn(ctx, "container runtime unavailable, validating on the host")
		}
	})
	if v.useContainer {
		return v.container, true
	}
	return v.host, false
}

func (v *Validator) timeout() time.Duration {
	return v.cfg.Timeout.Or(runner.DefaultTimeout)
}

func skipped(name, command string) remediation.StageReport {
	return remediation.StageReport{Name: name, Command: command, Skipped: true}
}
