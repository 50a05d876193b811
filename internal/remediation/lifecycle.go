package remediation

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned for a state change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// Resolved issues reopen when their fix is rolled back.
var issueTransitions = map[IssueStatus][]IssueStatus{
	IssueOpen:       {IssueInProgress, IssueDuplicate},
	IssueInProgress: {IssueOpen, IssueResolved, IssueRejected},
	IssueResolved:   {IssueOpen},
}

// CanTransitionIssue reports whether an issue may move from one status to
// another. Keeping the current status is always allowed.
func CanTransitionIssue(from, to IssueStatus) bool {
	if from == to {
		return true
	}
	for _, next := range issueTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var patchTransitions = map[PatchStatus][]PatchStatus{
	PatchPending:    {PatchValidating, PatchInvalid, PatchRejected},
	PatchValidating: {PatchValid, PatchInvalid, PatchRejected},
	PatchValid:      {PatchApplied},
	PatchInvalid:    {PatchRejected},
	PatchApplied:    {PatchRolledBack},
}

// CanTransition reports whether a patch may move from one status to another.
func CanTransition(from, to PatchStatus) bool {
	for _, next := range patchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s PatchStatus) IsTerminal() bool {
	return len(patchTransitions[s]) == 0
}

// Transition moves the patch to the next status.
// Moving to Applied additionally requires a captured rollback patch.
func (p *Patch) Transition(to PatchStatus) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	now := time.Now().UTC()
	switch to {
	case PatchApplied:
		if p.RollbackPatch == nil {
			return fmt.Errorf("%w: applying %s without rollback patch", ErrInvalidTransition, p.ID)
		}
		p.Applied = true
		p.AppliedAt = &now
	case PatchRolledBack:
		p.Applied = false
	}
	p.Status = to
	p.UpdatedAt = now
	return nil
}

// MarkApplied records the rollback patch and moves a Valid patch to Applied.
func (p *Patch) MarkApplied(rollback string) error {
	if p.Status != PatchValid {
		return fmt.Errorf("%w: patch %s is %s, not valid", ErrInvalidTransition, p.ID, p.Status)
	}
	p.RollbackPatch = &rollback
	if err := p.Transition(PatchApplied); err != nil {
		p.RollbackPatch = nil
		return err
	}
	return nil
}

// Fail moves the patch to Invalid and records the reason.
func (p *Patch) Fail(kind Kind, reason string) error {
	if err := p.Transition(PatchInvalid); err != nil {
		return err
	}
	p.ReasonKind = kind
	p.Reason = reason
	return nil
}

// Reject moves the patch to the terminal Rejected status.
func (p *Patch) Reject(kind Kind, reason string) error {
	if err := p.Transition(PatchRejected); err != nil {
		return err
	}
	p.ReasonKind = kind
	p.Reason = reason
	return nil
}
