package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/selfheal/internal/remediation"
	"github.com/fyrsmithlabs/selfheal/internal/validator"
)

// ErrGateBlocked is matched by every gate refusal.
var ErrGateBlocked = errors.New("apply gate blocked")

// ApplyGate is a precondition checked before a patch touches the canonical
// tree. Check returns nil when the patch may proceed.
type ApplyGate interface {
	Name() string
	Check(ctx context.Context, p *remediation.Patch) error
}

func blocked(gate ApplyGate, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrGateBlocked, gate.Name(), fmt.Sprintf(format, args...))
}

// ValidationGate requires the stored patch to be Valid and its most recent
// validation to be accepted under the configured warning policy.
type ValidationGate struct {
	store         Store
	allowWarnings bool
}

// NewValidationGate creates the gate.
func NewValidationGate(s Store, allowWarnings bool) *ValidationGate {
	return &ValidationGate{store: s, allowWarnings: allowWarnings}
}

// Name returns the gate identifier.
func (g *ValidationGate) Name() string { return "validation" }

// Check consults the store rather than the in-memory patch.
func (g *ValidationGate) Check(ctx context.Context, p *remediation.Patch) error {
	stored, err := g.store.GetPatch(ctx, p.ID)
	if err != nil {
		return err
	}
	if stored.Status != remediation.PatchValid {
		return blocked(g, "patch %s is %s", p.ID, stored.Status)
	}
	res, err := g.store.LatestValidation(ctx, p.ID)
	if err != nil {
		return blocked(g, "no validation recorded for %s", p.ID)
	}
	if status, _, reason := validator.Verdict(res, g.allowWarnings); status != remediation.PatchValid {
		return blocked(g, "latest validation of %s rejected: %s", p.ID, reason)
	}
	return nil
}

// CleanTreeGate refuses to touch a working tree with uncommitted changes.
type CleanTreeGate struct {
	repo Repository
}

// NewCleanTreeGate creates the gate.
func NewCleanTreeGate(r Repository) *CleanTreeGate {
	return &CleanTreeGate{repo: r}
}

// Name returns the gate identifier.
func (g *CleanTreeGate) Name() string { return "clean-tree" }

// Check reads the working tree status.
func (g *CleanTreeGate) Check(_ context.Context, _ *remediation.Patch) error {
	clean, err := g.repo.IsWorkingDirectoryClean()
	if err != nil {
		return err
	}
	if !clean {
		return blocked(g, "working directory has uncommitted changes")
	}
	return nil
}

// SafetyGate re-checks the safety threshold, so a patch held for review
// and later promoted cannot slip under it.
type SafetyGate struct {
	min float64
}

// NewSafetyGate creates the gate.
func NewSafetyGate(threshold float64) *SafetyGate {
	return &SafetyGate{min: threshold}
}

// Name returns the gate identifier.
func (g *SafetyGate) Name() string { return "safety" }

// Check compares the patch's safety score.
func (g *SafetyGate) Check(_ context.Context, p *remediation.Patch) error {
	if p.SafetyScore < g.min {
		return blocked(g, "safety score %.2f below %.2f", p.SafetyScore, g.min)
	}
	return nil
}
