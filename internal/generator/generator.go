// Package generator turns issues into candidate patches using a
// code-generation backend. Each candidate carries a confidence score
// (generation quality) and an independent safety score (denylist matches),
// and candidates are ranked by their product.
package generator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/selfheal/internal/backend"
	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/diff"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/metrics"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
	"github.com/fyrsmithlabs/selfheal/internal/secrets"
)

// ErrNoCandidates is returned when every generation attempt failed.
var ErrNoCandidates = errors.New("no candidate patches generated")

// Generator produces candidate patches. It owns its rate limiter; nothing
// outside the instance can observe or refill the bucket.
type Generator struct {
	root     string
	backend  backend.Backend
	denylist *Denylist
	limiter  *rate.Limiter
	cfg      config.GeneratorConfig
	safety   config.SafetyConfig
	scanner  *secrets.Scanner
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithSecrets redacts credentials from the code sent to the backend.
func WithSecrets(s *secrets.Scanner) Option {
	return func(g *Generator) { g.scanner = s }
}

// WithDenylist replaces the safety denylist.
func WithDenylist(d *Denylist) Option {
	return func(g *Generator) { g.denylist = d }
}

// New creates a generator for the repository at root.
func New(root string, b backend.Backend, cfg config.GeneratorConfig, safety config.SafetyConfig, opts ...Option) (*Generator, error) {
	if b == nil {
		return nil, errors.New("generator requires a backend")
	}
	requests := max(cfg.RateRequests, 1)
	window := cfg.RateWindow.Duration()
	if window <= 0 {
		window = time.Minute
	}

	g := &Generator{
		root:    root,
		backend: b,
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(requests)), requests),
		cfg:     cfg,
		safety:  safety,
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.denylist == nil {
		penalty := safety.Penalty
		if penalty <= 0 {
			penalty = 0.2
		}
		d, err := NewDenylist(safety.RulesFile, penalty)
		if err != nil {
			return nil, err
		}
		g.denylist = d
	}
	g.logger = g.logger.Named("generator")
	return g, nil
}

// Denylist returns the active safety denylist.
func (g *Generator) Denylist() *Denylist { return g.denylist }

// GenerateCandidates requests n candidates for issue and returns them ranked
// by confidence × safety, ties kept in generation order. A failed request
// does not discard the candidates already produced; a RateLimit error is
// returned as soon as the bucket is empty, together with what was produced.
func (g *Generator) GenerateCandidates(ctx context.Context, issue *remediation.Issue, n int) ([]*remediation.Patch, error) {
	if n < 1 {
		n = 1
	}
	ctx = logging.WithIssueID(ctx, issue.ID)

	var (
		candidates []*remediation.Patch
		errs       []error
	)
	for i := 0; i < n; i++ {
		p, err := g.generate(ctx, issue, i)
		if err != nil {
			if errors.Is(err, remediation.ErrRateLimit) || ctx.Err() != nil {
				Rank(candidates)
				return candidates, err
			}
			g.logger.Warn(ctx, "candidate generation failed", zap.Int("generation", i), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoCandidates, errors.Join(errs...))
	}

	Rank(candidates)
	g.logger.Info(ctx, "candidates generated",
		zap.Int("requested", n),
		zap.Int("produced", len(candidates)),
		zap.Float64("best_score", candidates[0].RankScore()))
	return candidates, nil
}

// Generate produces a single candidate.
func (g *Generator) Generate(ctx context.Context, issue *remediation.Issue) (*remediation.Patch, error) {
	return g.generate(logging.WithIssueID(ctx, issue.ID), issue, 0)
}

func (g *Generator) generate(ctx context.Context, issue *remediation.Issue, generation int) (*remediation.Patch, error) {
	if !g.limiter.Allow() {
		g.metrics.RecordBackendCall(g.backend.Name(), "rate_limited", 0, 0)
		return nil, remediation.NewError(remediation.KindRateLimit, "generator.generate",
			fmt.Errorf("more than %d requests per %s", g.cfg.RateRequests, g.cfg.RateWindow.Duration()))
	}

	snippet, firstLine, err := Snippet(g.root, issue, g.cfg.ContextLines)
	if err != nil {
		return nil, err
	}
	shown, snippet := g.redact(ctx, issue, snippet)
	req := backend.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(shown, snippet, firstLine),
		Context:     shown.Context,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: min(g.cfg.Temperature+0.1*float64(generation), 1.0),
		Model:       g.cfg.Model,
	}

	resp, err := g.backend.Generate(ctx, req)
	if err != nil {
		g.metrics.RecordBackendCall(g.backend.Name(), "error", 0, 0)
		return nil, err
	}
	g.metrics.RecordBackendCall(g.backend.Name(), "success", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	p := g.Candidate(issue, resp.Content, generation)
	g.metrics.RecordCandidate(string(p.Status), p.SafetyScore)
	g.logger.Debug(logging.WithPatchID(ctx, p.ID), "candidate built",
		zap.String("status", string(p.Status)),
		zap.Float64("confidence", p.Confidence),
		zap.Float64("safety", p.SafetyScore))
	return p, nil
}

// redact strips secrets from everything the prompt carries: the snippet and
// the issue's message, suggestion and context values. It returns a copy of
// the issue; the original is not modified.
func (g *Generator) redact(ctx context.Context, issue *remediation.Issue, snippet string) (*remediation.Issue, string) {
	shown := *issue
	if g.scanner == nil {
		return &shown, snippet
	}
	n := 0
	clean := func(s string) string {
		out, f := g.scanner.Redact(s)
		n += len(f)
		return out
	}
	snippet = clean(snippet)
	shown.Message = clean(issue.Message)
	shown.Suggestion = clean(issue.Suggestion)
	if issue.Context != nil {
		shown.Context = make(map[string]string, len(issue.Context))
		for k, v := range issue.Context {
			shown.Context[k] = clean(v)
		}
	}
	if n > 0 {
		g.logger.Warn(ctx, "secrets redacted from prompt", zap.Int("findings", n))
	}
	return &shown, snippet
}

// Candidate builds a patch from a raw completion: extract the diff,
// materialize the patched code, score it and apply the safety gate.
// Extraction or application failures yield an Invalid patch, never an error.
func (g *Generator) Candidate(issue *remediation.Issue, completion string, generation int) *remediation.Patch {
	now := time.Now().UTC()
	p := &remediation.Patch{
		ID:          uuid.NewString(),
		IssueID:     issue.ID,
		Explanation: explanation(completion),
		Status:      remediation.PatchPending,
		Generation:  generation,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	parsed, err := diff.Extract(completion)
	p.Confidence = Confidence(completion, parsed)
	if err != nil {
		p.SafetyScore = g.denylist.Score(completion)
		_ = p.Fail(remediation.KindParse, err.Error())
		return p
	}
	g.normalizePaths(parsed, issue.FilePath)
	p.Diff = parsed.String()
	p.SafetyScore = g.denylist.Score(parsed.AddedText())
	if parsed.ChangedLines() == 0 {
		_ = p.Fail(remediation.KindParse, "diff changes nothing")
		return p
	}

	changes, err := diff.Plan(g.root, parsed)
	if err != nil {
		kind := remediation.KindGitConflict
		if !errors.Is(err, diff.ErrConflict) {
			kind = remediation.KindParse
		}
		_ = p.Fail(kind, err.Error())
		return p
	}
	for _, c := range changes {
		if c.Path == issue.FilePath || len(changes) == 1 {
			p.OriginalCode = c.Before
			p.PatchedCode = c.After
		}
		p.BreakingChanges = append(p.BreakingChanges, BreakingChanges(c.Path, c.Before, c.After)...)
		p.Dependencies = mergeSorted(p.Dependencies, Dependencies(c.Path, c.After))
	}

	g.gate(p)
	return p
}

// gate enforces the size limit and the safety threshold. Below-threshold
// patches become Invalid unless a human review is required, in which case
// they stay Pending with the reason recorded.
func (g *Generator) gate(p *remediation.Patch) {
	if g.safety.MaxPatchSize > 0 && len(p.Diff) > g.safety.MaxPatchSize {
		_ = p.Fail(remediation.KindSafety, fmt.Sprintf("diff is %d bytes, limit %d", len(p.Diff), g.safety.MaxPatchSize))
		return
	}
	if p.SafetyScore >= g.safety.MinScore {
		return
	}
	reason := fmt.Sprintf("safety score %.2f below %.2f", p.SafetyScore, g.safety.MinScore)
	if g.safety.RequireReview {
		p.ReasonKind = remediation.KindSafety
		p.Reason = reason + "; awaiting review"
		return
	}
	_ = p.Fail(remediation.KindSafety, reason)
}

// NeedsReview reports whether a Pending patch is held for human review.
func NeedsReview(p *remediation.Patch) bool {
	return p.Status == remediation.PatchPending && p.ReasonKind == remediation.KindSafety
}

// normalizePaths makes a single-file diff point at the issue file when the
// backend omitted headers or used a path that does not exist.
func (g *Generator) normalizePaths(p *diff.Patch, issueFile string) {
	if len(p.Files) != 1 {
		return
	}
	name := p.Files[0].Name()
	if name == "" || !p.Headers || (name != issueFile && strings.HasSuffix(issueFile, "/"+name)) {
		p.Rename(issueFile)
	}
}

// Rank sorts candidates by confidence × safety, highest first. The sort is
// stable, so equal scores keep generation order.
func Rank(patches []*remediation.Patch) {
	slices.SortStableFunc(patches, func(a, b *remediation.Patch) int {
		sa, sb := a.RankScore(), b.RankScore()
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		default:
			return a.Generation - b.Generation
		}
	})
}

func mergeSorted(a, b []string) []string {
	for _, s := range b {
		if !slices.Contains(a, s) {
			a = append(a, s)
		}
	}
	slices.Sort(a)
	return a
}
