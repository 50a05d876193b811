package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/gitops"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

// ErrNotApplied is returned when rolling back a patch that is not Applied.
var ErrNotApplied = errors.New("patch is not applied")

type application struct {
	branch   string
	commit   string
	baseHead string
}

// apply commits p on its isolation branch and cherry-picks the commit onto
// the branch that was checked out. On any failure the canonical branch is
// left at its previous commit.
func (o *Orchestrator) apply(ctx context.Context, issue *remediation.Issue, p *remediation.Patch) (*application, error) {
	ctx = logging.WithPatchID(ctx, p.ID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.apply", trace.WithAttributes(attribute.String("patch.id", p.ID)))
	defer span.End()

	fail := func(err error) (*application, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for _, g := range o.gates {
		if err := g.Check(ctx, p); err != nil {
			return fail(err)
		}
	}

	base, err := o.repo.CurrentBranch()
	if err != nil {
		return fail(err)
	}
	baseHead, err := o.repo.HeadHash()
	if err != nil {
		return fail(err)
	}

	branch, err := o.repo.CreateIsolatedBranch(ctx, issue.ID, p.ID)
	if err != nil {
		return fail(err)
	}
	abandon := func() {
		bg := context.WithoutCancel(ctx)
		if err := o.repo.Checkout(bg, base); err != nil {
			o.logger.Error(bg, "returning to base branch", zap.String("branch", base), zap.Error(err))
			return
		}
		if err := o.repo.DeleteBranch(bg, branch); err != nil {
			o.logger.Warn(bg, "deleting isolation branch", zap.String("branch", branch), zap.Error(err))
		}
	}

	applied, err := o.repo.ApplyPatch(ctx, p.Diff)
	if err != nil {
		abandon()
		return fail(err)
	}
	fix, err := o.repo.Commit(ctx, commitMessage(issue, p), applied.Files(), gitops.Author{})
	if err != nil {
		// The isolation branch still points at baseHead.
		if rerr := o.repo.ResetToCommit(context.WithoutCancel(ctx), baseHead, true); rerr != nil {
			o.logger.Error(ctx, "discarding uncommitted patch", zap.Error(rerr))
		}
		abandon()
		return fail(err)
	}
	if err := o.repo.Checkout(ctx, base); err != nil {
		return fail(err)
	}

	before, err := o.repo.Snapshot(applied.Files())
	if err != nil {
		return fail(err)
	}
	picked, err := o.repo.CherryPick(ctx, fix)
	if err != nil {
		return fail(err)
	}
	rollback, err := o.repo.CaptureRollback(before)
	if err == nil {
		err = p.MarkApplied(rollback)
	}
	if err == nil {
		err = o.store.MarkPatchApplied(ctx, p.ID, rollback)
		if err != nil {
			p.Status, p.Applied, p.AppliedAt, p.RollbackPatch = remediation.PatchValid, false, nil, nil
		}
	}
	if err != nil {
		if rerr := o.repo.ResetToCommit(context.WithoutCancel(ctx), baseHead, true); rerr != nil {
			o.logger.Error(ctx, "undoing unrecorded apply", zap.Error(rerr))
		}
		return fail(err)
	}

	o.metrics.RecordApplied()
	o.logger.Info(ctx, "patch applied",
		zap.String("branch", branch),
		zap.String("commit", picked),
		zap.Float64("confidence", p.Confidence),
		zap.Float64("safety_score", p.SafetyScore))
	return &application{branch: branch, commit: picked, baseHead: baseHead}, nil
}

// verify re-runs the test command on the canonical tree.
func (o *Orchestrator) verify(ctx context.Context) (bool, string) {
	res, err := o.runner.Run(ctx, o.repo.Root(), o.cfg.Validation.TestCommand, o.cfg.Validation.Timeout.Duration())
	switch {
	case err != nil:
		return false, err.Error()
	case res.TimedOut:
		return false, "post-apply tests timed out"
	case !res.Success():
		return false, fmt.Sprintf("post-apply tests failed with exit code %d", res.ExitCode)
	}
	return true, ""
}

// revert undoes an applied patch with its rollback diff, falling back to a
// hard reset to baseHead when the diff no longer applies.
func (o *Orchestrator) revert(ctx context.Context, p *remediation.Patch, baseHead, reason string) error {
	ctx = logging.WithPatchID(ctx, p.ID)
	if err := o.undo(ctx, p, reason); err != nil {
		o.logger.Warn(ctx, "rollback diff failed, resetting", zap.String("commit", baseHead), zap.Error(err))
		if err := o.repo.ResetToCommit(ctx, baseHead, true); err != nil {
			return fmt.Errorf("rolling back %s: %w", p.ID, err)
		}
	}
	return o.markRolledBack(ctx, p, reason)
}

func (o *Orchestrator) undo(ctx context.Context, p *remediation.Patch, reason string) error {
	if p.RollbackPatch == nil || strings.TrimSpace(*p.RollbackPatch) == "" {
		return errors.New("no rollback patch recorded")
	}
	applied, err := o.repo.ApplyPatch(ctx, *p.RollbackPatch)
	if err != nil {
		return err
	}
	_, err = o.repo.Commit(ctx, revertMessage(p, reason), applied.Files(), gitops.Author{})
	return err
}

func (o *Orchestrator) markRolledBack(ctx context.Context, p *remediation.Patch, reason string) error {
	if err := p.Transition(remediation.PatchRolledBack); err != nil {
		return err
	}
	p.Reason = reason
	if err := o.store.MarkPatchRolledBack(ctx, p.ID, reason); err != nil {
		return err
	}
	o.metrics.RecordRolledBack()
	o.logger.Warn(ctx, "patch rolled back", zap.String("reason", reason))
	return nil
}

// Rollback reverts a previously applied patch and reopens its issue.
func (o *Orchestrator) Rollback(ctx context.Context, patchID, reason string) error {
	p, err := o.store.GetPatch(ctx, patchID)
	if err != nil {
		return err
	}
	if p.Status != remediation.PatchApplied {
		return fmt.Errorf("%w: %s is %s", ErrNotApplied, patchID, p.Status)
	}
	clean, err := o.repo.IsWorkingDirectoryClean()
	if err != nil {
		return err
	}
	if !clean {
		return gitops.ErrDirty
	}
	if reason == "" {
		reason = "manual rollback"
	}
	ctx = logging.WithIssueID(logging.WithPatchID(ctx, p.ID), p.IssueID)
	if err := o.undo(ctx, p, reason); err != nil {
		return fmt.Errorf("rolling back %s: %w", patchID, err)
	}
	if err := o.markRolledBack(ctx, p, reason); err != nil {
		return err
	}
	return o.store.UpdateIssueStatus(ctx, p.IssueID, remediation.IssueOpen)
}

func commitMessage(issue *remediation.Issue, p *remediation.Patch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "fix(%s): %s\n\n", issue.Kind, firstLine(issue.Message, 60))
	fmt.Fprintf(&b, "%s:%d\n", issue.FilePath, issue.Line)
	if p.Explanation != "" {
		fmt.Fprintf(&b, "\n%s\n", p.Explanation)
	}
	fmt.Fprintf(&b, "\nIssue: %s\nPatch: %s\nConfidence: %.2f\nSafety: %.2f\n", issue.ID, p.ID, p.Confidence, p.SafetyScore)
	return b.String()
}

func revertMessage(p *remediation.Patch, reason string) string {
	return fmt.Sprintf("revert: roll back patch %s\n\n%s\n\nIssue: %s\n", p.ID, reason, p.IssueID)
}

func firstLine(s string, limit int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > limit {
		s = s[:limit-3] + "..."
	}
	return s
}
