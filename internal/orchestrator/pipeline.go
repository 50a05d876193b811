package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/generator"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/metrics"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
	"github.com/fyrsmithlabs/selfheal/internal/runner"
	"github.com/fyrsmithlabs/selfheal/internal/store"
	"github.com/fyrsmithlabs/selfheal/internal/validator"
)

const tracerName = "selfheal/pipeline"

// Orchestrator runs detection, generation, validation and application.
type Orchestrator struct {
	cfg       *config.Config
	detector  Detector
	generator Generator
	validator Validator
	repo      Repository
	store     Store
	runner    runner.Runner
	gates     []ApplyGate
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	progress  ProgressCallback

	// retryInterval is the first wait after a rate-limited generation.
	retryInterval time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracerProvider sets the tracer provider. The global provider is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithRunner sets the runner used for post-apply verification.
func WithRunner(r runner.Runner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

// WithRetryInterval sets the first backoff wait after a rate limit.
func WithRetryInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.retryInterval = d }
}

// New wires an orchestrator. The repository must have at least one commit.
func New(cfg *config.Config, d Detector, g Generator, v Validator, repo Repository, s Store, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("orchestrator requires a configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if d == nil || g == nil || v == nil || repo == nil || s == nil {
		return nil, errors.New("orchestrator requires a detector, generator, validator, repository and store")
	}
	if _, err := repo.HeadHash(); err != nil {
		return nil, fmt.Errorf("repository at %s is not usable: %w", repo.Root(), err)
	}

	o := &Orchestrator{
		cfg:           cfg,
		detector:      d,
		generator:     g,
		validator:     v,
		repo:          repo,
		store:         s,
		runner:        &runner.Exec{},
		logger:        logging.Nop(),
		tracer:        otel.GetTracerProvider().Tracer(tracerName),
		retryInterval: time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator")
	o.gates = []ApplyGate{
		NewValidationGate(s, cfg.Validation.AllowWarnings),
		NewSafetyGate(cfg.Safety.MinScore),
		NewCleanTreeGate(repo),
	}
	return o, nil
}

// RegisterGate adds a gate checked before every apply.
func (o *Orchestrator) RegisterGate(g ApplyGate) {
	o.gates = append(o.gates, g)
}

// OnProgress sets the progress callback.
func (o *Orchestrator) OnProgress(cb ProgressCallback) {
	o.progress = cb
}

func (o *Orchestrator) report(issueID string, phase Phase, status PhaseStatus, format string, args ...any) {
	if o.progress != nil {
		o.progress(PhaseProgress{IssueID: issueID, Phase: phase, Status: status, Message: fmt.Sprintf(format, args...)})
	}
}

// Run detects issues in the repository and processes each new one.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Bool("dry_run", o.cfg.Pipeline.DryRun),
	))
	defer span.End()

	rep := &RunReport{RunID: runID, StartedAt: time.Now().UTC(), DryRun: o.cfg.Pipeline.DryRun}

	o.report("", PhaseDetect, StatusStarted, "scanning %s", o.repo.Root())
	issues, err := o.detector.Detect(ctx, o.repo.Root())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "detection failed")
		o.report("", PhaseDetect, StatusFailed, "%v", err)
		return rep, fmt.Errorf("detecting issues: %w", err)
	}
	rep.Detected = len(issues)
	for _, issue := range issues {
		o.metrics.RecordIssue(string(issue.Kind), string(issue.Severity))
	}
	selected := o.selectIssues(issues)
	rep.Skipped = len(issues) - len(selected)
	o.report("", PhaseDetect, StatusCompleted, "%d issues detected, %d selected", len(issues), len(selected))

	for i := range selected {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		issue := &selected[i]
		original, err := o.register(ctx, issue)
		if err != nil {
			return rep, err
		}
		if original != nil {
			rep.Duplicates++
			rep.Outcomes = append(rep.Outcomes, IssueOutcome{
				IssueID:     issue.ID,
				FilePath:    issue.FilePath,
				Status:      remediation.IssueDuplicate,
				DuplicateOf: original.ID,
			})
			continue
		}
		rep.Outcomes = append(rep.Outcomes, o.ProcessIssue(ctx, issue))
	}

	if days := o.cfg.Store.RetentionDays; days > 0 {
		n, err := o.store.Cleanup(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			o.logger.Warn(ctx, "retention cleanup failed", zap.Error(err))
		}
		rep.CleanedUp = n
	}

	rep.FinishedAt = time.Now().UTC()
	span.SetAttributes(attribute.Int("issues.detected", rep.Detected), attribute.Int("issues.resolved", rep.Resolved()))
	o.logger.Info(ctx, "pipeline run completed",
		zap.Int("detected", rep.Detected),
		zap.Int("processed", len(rep.Outcomes)-rep.Duplicates),
		zap.Int("duplicates", rep.Duplicates),
		zap.Int("resolved", rep.Resolved()),
		zap.Duration("duration", rep.FinishedAt.Sub(rep.StartedAt)))
	return rep, nil
}

// selectIssues drops issues below the minimum severity and keeps the most
// severe max_issues, ties in detection order.
func (o *Orchestrator) selectIssues(issues []remediation.Issue) []remediation.Issue {
	floor := remediation.Severity(o.cfg.Pipeline.MinSeverity).Rank()
	var out []remediation.Issue
	for _, issue := range issues {
		if issue.Severity.Rank() >= floor {
			out = append(out, issue)
		}
	}
	slices.SortStableFunc(out, func(a, b remediation.Issue) int {
		return b.Severity.Rank() - a.Severity.Rank()
	})
	if n := o.cfg.Pipeline.MaxIssues; n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// register stores a newly detected issue. When an open issue already
// describes the same defect, the new one is marked Duplicate and the
// original is returned.
func (o *Orchestrator) register(ctx context.Context, issue *remediation.Issue) (*remediation.Issue, error) {
	if err := o.store.CreateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("storing issue: %w", err)
	}
	original, err := o.store.FindOpenByFingerprint(ctx, issue)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := o.setIssueStatus(ctx, issue, remediation.IssueDuplicate); err != nil {
		return nil, err
	}
	o.logger.Debug(logging.WithIssueID(ctx, issue.ID), "duplicate issue", zap.String("original", original.ID))
	return original, nil
}

// ProcessIssueByID processes a stored issue.
func (o *Orchestrator) ProcessIssueByID(ctx context.Context, id string) (IssueOutcome, error) {
	issue, err := o.store.GetIssue(ctx, id)
	if err != nil {
		return IssueOutcome{IssueID: id}, err
	}
	switch issue.Status {
	case remediation.IssueOpen, remediation.IssueInProgress:
	default:
		return IssueOutcome{IssueID: id, Status: issue.Status}, fmt.Errorf("issue %s is %s", id, issue.Status)
	}
	return o.ProcessIssue(ctx, issue), nil
}

// ProcessIssue generates, validates and applies a fix for a stored issue.
// The returned outcome carries the issue's final status; failures are
// reported in the outcome, never by corrupting the working tree.
func (o *Orchestrator) ProcessIssue(ctx context.Context, issue *remediation.Issue) IssueOutcome {
	ctx = logging.WithIssueID(ctx, issue.ID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.process_issue", trace.WithAttributes(
		attribute.String("issue.id", issue.ID),
		attribute.String("issue.kind", string(issue.Kind)),
		attribute.String("issue.file", issue.FilePath),
	))
	defer span.End()

	out := IssueOutcome{IssueID: issue.ID, FilePath: issue.FilePath}
	finish := func(status remediation.IssueStatus, err error) IssueOutcome {
		if err != nil {
			out.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if serr := o.setIssueStatus(context.WithoutCancel(ctx), issue, status); serr != nil && out.Error == "" {
			out.Error = serr.Error()
		}
		out.Status = issue.Status
		span.SetAttributes(attribute.String("issue.status", string(out.Status)))
		return out
	}

	if err := o.setIssueStatus(ctx, issue, remediation.IssueInProgress); err != nil {
		out.Error = err.Error()
		out.Status = issue.Status
		return out
	}

	o.report(issue.ID, PhaseGenerate, StatusStarted, "generating %d candidates", max(o.cfg.Generator.Candidates, 1))
	candidates, err := o.generate(ctx, issue)
	if err != nil {
		o.report(issue.ID, PhaseGenerate, StatusFailed, "%v", err)
		return finish(remediation.IssueOpen, err)
	}
	out.Candidates = len(candidates)
	if err := o.store.CreatePatches(ctx, candidates); err != nil {
		return finish(remediation.IssueOpen, err)
	}
	o.report(issue.ID, PhaseGenerate, StatusCompleted, "%d candidates", len(candidates))

	o.report(issue.ID, PhaseValidate, StatusStarted, "validating")
	results, err := o.validate(ctx, candidates)
	out.Validated = len(results)
	out.Results = results
	if err != nil {
		o.report(issue.ID, PhaseValidate, StatusFailed, "%v", err)
		return finish(remediation.IssueOpen, err)
	}

	var valid []*remediation.Patch
	held := 0
	for _, p := range candidates {
		switch {
		case p.Status == remediation.PatchValid:
			valid = append(valid, p)
		case generator.NeedsReview(p):
			held++
		}
	}
	o.report(issue.ID, PhaseValidate, StatusCompleted, "%d of %d candidates valid", len(valid), len(results))

	if len(valid) == 0 {
		if held > 0 {
			o.logger.Info(ctx, "candidates held for review", zap.Int("held", held))
			return finish(remediation.IssueOpen, nil)
		}
		o.logger.Info(ctx, "no valid candidate", zap.Int("candidates", len(candidates)))
		return finish(remediation.IssueRejected, nil)
	}

	if o.cfg.Pipeline.DryRun {
		out.Selected = valid[0].ID
		o.report(issue.ID, PhaseApply, StatusSkipped, "dry run: would apply %s", valid[0].ID)
		return finish(remediation.IssueOpen, nil)
	}

	var lastErr error
	for _, p := range valid {
		o.report(issue.ID, PhaseApply, StatusStarted, "applying %s", p.ID)
		app, err := o.apply(ctx, issue, p)
		if err != nil {
			lastErr = err
			o.report(issue.ID, PhaseApply, StatusFailed, "%v", err)
			if recoverable(err) {
				o.logger.Warn(logging.WithPatchID(ctx, p.ID), "candidate not applied, trying next", zap.Error(err))
				continue
			}
			return finish(remediation.IssueOpen, err)
		}
		out.Selected, out.Branch, out.Commit = p.ID, app.branch, app.commit
		o.report(issue.ID, PhaseApply, StatusCompleted, "applied %s as %s", p.ID, short(app.commit))

		if !o.cfg.Pipeline.VerifyAfterApply {
			return finish(remediation.IssueResolved, nil)
		}
		o.report(issue.ID, PhaseVerify, StatusStarted, "re-running tests")
		ok, reason := o.verify(ctx)
		if ok {
			o.report(issue.ID, PhaseVerify, StatusCompleted, "tests pass")
			return finish(remediation.IssueResolved, nil)
		}
		o.report(issue.ID, PhaseVerify, StatusFailed, "%s", reason)
		if !o.cfg.Pipeline.RollbackOnFailure {
			o.logger.Warn(ctx, "post-apply verification failed, keeping change", zap.String("reason", reason))
			return finish(remediation.IssueResolved, nil)
		}
		if err := o.revert(ctx, p, app.baseHead, reason); err != nil {
			return finish(remediation.IssueOpen, err)
		}
		out.RolledBack = true
		return finish(remediation.IssueOpen, nil)
	}
	return finish(remediation.IssueOpen, fmt.Errorf("no valid candidate could be applied: %w", lastErr))
}

// generate requests candidates, backing off while the generator is rate
// limited. Candidates produced before the bucket emptied are kept.
func (o *Orchestrator) generate(ctx context.Context, issue *remediation.Issue) ([]*remediation.Patch, error) {
	n := max(o.cfg.Generator.Candidates, 1)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryInterval
	b.MaxInterval = 30 * time.Second

	return backoff.Retry(ctx, func() ([]*remediation.Patch, error) {
		candidates, err := o.generator.GenerateCandidates(ctx, issue, n)
		switch {
		case err == nil:
			return candidates, nil
		case errors.Is(err, remediation.ErrRateLimit) && len(candidates) > 0:
			return candidates, nil
		case errors.Is(err, remediation.ErrRateLimit):
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(o.cfg.Generator.MaxRetries, 0))+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warn(ctx, "generation rate limited, backing off", zap.Duration("retry_in", next))
		}),
	)
}

// validate moves candidates through Validating to Valid or Invalid and
// persists each result. Candidates already Invalid or held for review are
// not validated.
func (o *Orchestrator) validate(ctx context.Context, candidates []*remediation.Patch) ([]*remediation.ValidationResult, error) {
	var batch []*remediation.Patch
	for _, p := range candidates {
		if p.Status != remediation.PatchPending || generator.NeedsReview(p) {
			continue
		}
		if err := p.Transition(remediation.PatchValidating); err != nil {
			return nil, err
		}
		if err := o.store.UpdatePatchStatus(ctx, p); err != nil {
			return nil, err
		}
		batch = append(batch, p)
	}
	if len(batch) == 0 {
		return nil, nil
	}

	results, err := o.validator.ValidateAll(ctx, batch)
	if err != nil {
		// Nothing may stay in Validating once the attempt is over.
		bg := context.WithoutCancel(ctx)
		for i, p := range batch {
			if i < len(results) && results[i] != nil {
				o.recordVerdict(bg, p, results[i])
				continue
			}
			if ferr := p.Fail(remediation.KindTimeout, "validation interrupted: "+err.Error()); ferr == nil {
				_ = o.store.UpdatePatchStatus(bg, p)
			}
		}
		return compact(results), err
	}
	for i, p := range batch {
		if err := o.recordVerdict(ctx, p, results[i]); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (o *Orchestrator) recordVerdict(ctx context.Context, p *remediation.Patch, res *remediation.ValidationResult) error {
	status, kind, reason := validator.Verdict(res, o.cfg.Validation.AllowWarnings)
	var err error
	if status == remediation.PatchValid {
		err = p.Transition(remediation.PatchValid)
	} else {
		err = p.Fail(kind, reason)
	}
	if err != nil {
		return err
	}
	o.logger.Debug(logging.WithPatchID(ctx, p.ID), "validation verdict",
		zap.String("status", string(p.Status)), zap.String("reason", reason))
	return o.store.UpdatePatchValidation(ctx, p, res)
}

func (o *Orchestrator) setIssueStatus(ctx context.Context, issue *remediation.Issue, status remediation.IssueStatus) error {
	if err := o.store.UpdateIssueStatus(ctx, issue.ID, status); err != nil {
		o.logger.Warn(ctx, "updating issue status", zap.String("status", string(status)), zap.Error(err))
		return err
	}
	issue.Status = status
	return nil
}

// recoverable reports whether the next candidate may still be tried.
func recoverable(err error) bool {
	return errors.Is(err, ErrGateBlocked) ||
		errors.Is(err, remediation.ErrGitConflict) ||
		errors.Is(err, remediation.ErrMerge)
}

func compact(results []*remediation.ValidationResult) []*remediation.ValidationResult {
	out := results[:0:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
