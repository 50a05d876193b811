package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/ignore"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/orchestrator"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
	"github.com/fyrsmithlabs/selfheal/internal/report"
	"github.com/fyrsmithlabs/selfheal/internal/runner"
	"github.com/fyrsmithlabs/selfheal/internal/store"
	"github.com/fyrsmithlabs/selfheal/internal/validator"
	"github.com/fyrsmithlabs/selfheal/internal/watch"
)

var (
	analyzeSave bool

	generateIssue      string
	generateCandidates int

	validatePatch string

	runDryRun bool
	runIssue  string

	issuesStatus string
	issuesSearch string

	patchesIssue string

	rollbackPatch  string
	rollbackReason string
)

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeSave, "save", false, "store new issues for later runs")

	generateCmd.Flags().StringVar(&generateIssue, "issue", "", "issue ID (required)")
	generateCmd.Flags().IntVarP(&generateCandidates, "candidates", "n", 0, "number of candidates (default generator.candidates)")
	_ = generateCmd.MarkFlagRequired("issue")

	validateCmd.Flags().StringVar(&validatePatch, "patch", "", "patch ID (required)")
	_ = validateCmd.MarkFlagRequired("patch")

	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "select fixes without applying them")
	runCmd.Flags().StringVar(&runIssue, "issue", "", "process a single stored issue")

	issuesCmd.Flags().StringVar(&issuesStatus, "status", "", "filter by status (open, in_progress, resolved, rejected, duplicate)")
	issuesCmd.Flags().StringVar(&issuesSearch, "search", "", "match file path or message")

	patchesCmd.Flags().StringVar(&patchesIssue, "issue", "", "issue ID (required)")
	_ = patchesCmd.MarkFlagRequired("issue")

	rollbackCmd.Flags().StringVar(&rollbackPatch, "patch", "", "applied patch ID (required)")
	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "reason recorded on the patch")
	_ = rollbackCmd.MarkFlagRequired("patch")
}

// withApp runs fn with an initialized app and closes it afterwards.
func withApp(fn func(cmd *cobra.Command, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		err = fn(cmd, a)
		return errors.Join(err, a.Close())
	}
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Detect issues in the repository",
	Long: `Scan supported source files for issues. When analysis.build_command is
set, the command is run and its compiler diagnostics are reported too.

Examples:
  # Print issues as a table
  selfheal analyze

  # Store them for "selfheal generate --issue"
  selfheal analyze --save -o json`,
	RunE: withApp(runAnalyze),
}

func runAnalyze(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	det, err := a.detector()
	if err != nil {
		return err
	}
	issues, err := det.Detect(ctx, a.root)
	if err != nil {
		return fmt.Errorf("detecting issues: %w", err)
	}

	if build := strings.TrimSpace(a.cfg.Analysis.BuildCommand); build != "" {
		res, err := (&runner.Exec{}).Run(ctx, a.root, build, a.cfg.Validation.Timeout.Duration())
		if err != nil {
			return fmt.Errorf("running build command: %w", err)
		}
		diags := det.FromDiagnostics(a.root, res.Output())
		a.logger.Info(ctx, "build diagnostics collected",
			zap.Int("exit_code", res.ExitCode),
			zap.Int("issues", len(diags)))
		issues = append(issues, diags...)
	}

	for i := range issues {
		a.metrics.RecordIssue(string(issues[i].Kind), string(issues[i].Severity))
	}

	if analyzeSave {
		stored := issues[:0]
		for i := range issues {
			_, err := a.store.FindOpenByFingerprint(ctx, &issues[i])
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := a.store.CreateIssue(ctx, &issues[i]); err != nil {
				return err
			}
			stored = append(stored, issues[i])
		}
		a.logger.Info(ctx, "issues stored", zap.Int("new", len(stored)), zap.Int("detected", len(issues)))
		issues = stored
	}

	return emit(cmd, a.format, issues, func() string { return issueTable(issues) })
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate candidate patches for a stored issue",
	Long: `Ask the configured backend for candidate fixes and store them. Candidates
that fail the safety gate are stored as invalid with the reason.

Examples:
  selfheal generate --issue 1b4e28ba-2fa1-11d2-883f-0016d3cca427 -n 5`,
	RunE: withApp(runGenerate),
}

func runGenerate(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	issue, err := a.store.GetIssue(ctx, generateIssue)
	if err != nil {
		return err
	}
	ctx = logging.WithIssueID(ctx, issue.ID)

	gen, err := a.generator()
	if err != nil {
		return err
	}
	n := generateCandidates
	if n <= 0 {
		n = a.cfg.Generator.Candidates
	}
	patches, err := gen.GenerateCandidates(ctx, issue, n)
	if len(patches) > 0 {
		if serr := a.store.CreatePatches(ctx, patches); serr != nil {
			return serr
		}
	}
	if err != nil {
		if len(patches) == 0 {
			return fmt.Errorf("generating candidates: %w", err)
		}
		a.logger.Warn(ctx, "generation stopped early", zap.Int("candidates", len(patches)), zap.Error(err))
	}

	return emit(cmd, a.format, patches, func() string {
		if len(patches) == 0 {
			return "No candidates generated\n"
		}
		parts := make([]string, len(patches))
		for i, p := range patches {
			parts[i] = report.FormatPatch(p)
		}
		return strings.Join(parts, "\n---\n\n")
	})
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a stored patch in a sandbox",
	Long: `Build, test and scan a candidate in an isolated copy of the repository.
A pending patch records the outcome; other patches are only reported.

Examples:
  selfheal validate --patch 9a0364b9-e99b-4f52-a7d4-9ad5f7b1c2e0`,
	RunE: withApp(runValidate),
}

func runValidate(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	p, err := a.store.GetPatch(ctx, validatePatch)
	if err != nil {
		return err
	}
	ctx = logging.WithPatchID(logging.WithIssueID(ctx, p.IssueID), p.ID)

	val, err := a.validator()
	if err != nil {
		return err
	}

	record := p.Status == remediation.PatchPending
	if record {
		if err := p.Transition(remediation.PatchValidating); err != nil {
			return err
		}
		if err := a.store.UpdatePatchStatus(ctx, p); err != nil {
			return err
		}
	}

	res, err := val.Validate(ctx, p)
	if err != nil {
		if record {
			_ = p.Fail(remediation.KindTimeout, "validation interrupted: "+err.Error())
			if serr := a.store.UpdatePatchStatus(context.WithoutCancel(ctx), p); serr != nil {
				a.logger.Error(ctx, "recording interrupted validation", zap.Error(serr))
			}
		}
		return fmt.Errorf("validating patch: %w", err)
	}

	if record {
		status, kind, reason := validator.Verdict(res, a.cfg.Validation.AllowWarnings)
		if status == remediation.PatchValid {
			err = p.Transition(remediation.PatchValid)
		} else {
			err = p.Fail(kind, reason)
		}
		if err != nil {
			return err
		}
		if err := a.store.UpdatePatchValidation(ctx, p, res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "patch %s is %s; result not recorded\n", p.ID, p.Status)
	}

	results := []*remediation.ValidationResult{res}
	return emit(cmd, a.format, res, func() string { return report.ValidationReport(results) })
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full repair pipeline",
	Long: `Detect issues, generate and validate candidates, and apply the best valid
candidate for each issue on an isolated branch.

Examples:
  # Show what would be applied
  selfheal run --dry-run

  # Retry one stored issue
  selfheal run --issue 1b4e28ba-2fa1-11d2-883f-0016d3cca427`,
	RunE: withApp(runPipeline),
}

func runPipeline(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	if runDryRun {
		a.cfg.Pipeline.DryRun = true
	}
	gen, err := a.generator()
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(gen)
	if err != nil {
		return err
	}
	if a.format == report.FormatText {
		orch.OnProgress(progressPrinter(cmd))
	}

	if runIssue != "" {
		out, err := orch.ProcessIssueByID(ctx, runIssue)
		if err != nil {
			return err
		}
		return emit(cmd, a.format, out, func() string { return outcomeTable([]orchestrator.IssueOutcome{out}) })
	}

	rep, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	return emit(cmd, a.format, rep, func() string { return runSummary(rep) })
}

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List stored issues",
	Long: `List issues recorded by earlier runs.

Examples:
  selfheal issues --status open
  selfheal issues --search handler.go`,
	RunE: withApp(runIssues),
}

func runIssues(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	var (
		issues []remediation.Issue
		err    error
	)
	switch {
	case issuesSearch != "":
		issues, err = a.store.SearchIssues(ctx, issuesSearch)
	case issuesStatus != "":
		issues, err = a.store.GetIssuesByStatus(ctx, remediation.IssueStatus(issuesStatus))
	default:
		issues, err = a.store.ListIssues(ctx)
	}
	if err != nil {
		return err
	}
	if issuesSearch != "" && issuesStatus != "" {
		filtered := issues[:0]
		for _, i := range issues {
			if string(i.Status) == issuesStatus {
				filtered = append(filtered, i)
			}
		}
		issues = filtered
	}
	return emit(cmd, a.format, issues, func() string { return issueTable(issues) })
}

var patchesCmd = &cobra.Command{
	Use:   "patches",
	Short: "List the candidate patches of an issue",
	RunE:  withApp(runPatches),
}

func runPatches(cmd *cobra.Command, a *app) error {
	patches, err := a.store.GetPatchesForIssue(cmd.Context(), patchesIssue)
	if err != nil {
		return err
	}
	return emit(cmd, a.format, patches, func() string { return patchTable(patches) })
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline statistics",
	RunE:  withApp(runStats),
}

func runStats(cmd *cobra.Command, a *app) error {
	st, err := a.store.GetStatistics(cmd.Context())
	if err != nil {
		return err
	}
	return emit(cmd, a.format, st, func() string { return report.Statistics(st) })
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back an applied patch",
	Long: `Revert an applied patch with its stored rollback diff and reopen its issue.
The working tree must be clean.

Examples:
  selfheal rollback --patch 9a0364b9-e99b-4f52-a7d4-9ad5f7b1c2e0 --reason "breaks CI"`,
	RunE: withApp(runRollback),
}

func runRollback(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	orch, err := a.orchestrator(nil)
	if err != nil {
		return err
	}
	if err := orch.Rollback(ctx, rollbackPatch, rollbackReason); err != nil {
		return err
	}
	p, err := a.store.GetPatch(ctx, rollbackPatch)
	if err != nil {
		return err
	}
	return emit(cmd, a.format, p, func() string {
		return fmt.Sprintf("Patch %s rolled back: %s\n", p.ID, p.Reason)
	})
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-run the pipeline whenever the tree changes",
	Long: `Run the pipeline once, then again after each burst of file changes.
Paths excluded by the ignore files are not watched. Stop with Ctrl-C.`,
	RunE: withApp(runWatch),
}

func runWatch(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	gen, err := a.generator()
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(gen)
	if err != nil {
		return err
	}
	matcher, err := ignore.Load(a.root, a.cfg.Analysis.IgnoreFiles, a.cfg.Analysis.ExcludePatterns)
	if err != nil {
		return err
	}
	w, err := watch.New(a.root,
		watch.WithDebounce(a.cfg.Watch.Debounce.Duration()),
		watch.WithFilter(matcher.Match),
		watch.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer w.Close()

	pass := func(ctx context.Context) error {
		rep, err := orch.Run(ctx)
		if err != nil {
			return err
		}
		if err := a.writeMetrics(); err != nil {
			a.logger.Warn(ctx, "metrics not written", zap.Error(err))
		}
		return emit(cmd, a.format, rep, func() string { return runSummary(rep) })
	}
	if err := pass(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error(ctx, "initial run failed", zap.Error(err))
	}

	err = w.Run(ctx, func(ctx context.Context, _ watch.Batch) error { return pass(ctx) })
	if ctx.Err() != nil {
		return nil
	}
	return err
}
