package remediation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    PatchStatus
		to      PatchStatus
		wantErr bool
	}{
		{"pending to validating", PatchPending, PatchValidating, false},
		{"validating to valid", PatchValidating, PatchValid, false},
		{"validating to invalid", PatchValidating, PatchInvalid, false},
		{"pending to rejected", PatchPending, PatchRejected, false},
		{"invalid to rejected", PatchInvalid, PatchRejected, false},
		{"pending to applied", PatchPending, PatchApplied, true},
		{"invalid to valid", PatchInvalid, PatchValid, true},
		{"valid back to validating", PatchValid, PatchValidating, true},
		{"rejected is terminal", PatchRejected, PatchPending, true},
		{"rolled back is terminal", PatchRolledBack, PatchApplied, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Patch{ID: "p1", Status: tt.from}
			err := p.Transition(tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, p.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, p.Status)
		})
	}
}

func TestMarkApplied(t *testing.T) {
	t.Run("requires valid status", func(t *testing.T) {
		p := &Patch{ID: "p1", Status: PatchPending}
		err := p.MarkApplied("--- a/x\n+++ b/x\n")
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.False(t, p.Applied)
		assert.Nil(t, p.RollbackPatch)
	})

	t.Run("sets rollback and applied", func(t *testing.T) {
		p := &Patch{ID: "p1", Status: PatchValid}
		require.NoError(t, p.MarkApplied("rollback"))
		assert.True(t, p.Applied)
		assert.Equal(t, PatchApplied, p.Status)
		require.NotNil(t, p.RollbackPatch)
		assert.Equal(t, "rollback", *p.RollbackPatch)
		assert.NotNil(t, p.AppliedAt)
	})

	t.Run("applied without rollback is refused", func(t *testing.T) {
		p := &Patch{ID: "p1", Status: PatchValid}
		require.ErrorIs(t, p.Transition(PatchApplied), ErrInvalidTransition)
		assert.False(t, p.Applied)
	})

	t.Run("rollback clears applied", func(t *testing.T) {
		p := &Patch{ID: "p1", Status: PatchValid}
		require.NoError(t, p.MarkApplied("rollback"))
		require.NoError(t, p.Transition(PatchRolledBack))
		assert.False(t, p.Applied)
		assert.NotNil(t, p.RollbackPatch)
	})
}

func TestFailAndReject(t *testing.T) {
	p := &Patch{ID: "p1", Status: PatchPending}
	require.NoError(t, p.Fail(KindSafety, "score 0.40 below 0.50"))
	assert.Equal(t, PatchInvalid, p.Status)
	assert.Equal(t, KindSafety, p.ReasonKind)

	require.NoError(t, p.Reject(KindSafety, "discarded"))
	assert.True(t, p.Status.IsTerminal())
	assert.Error(t, p.Fail(KindBuild, "again"))
}

func TestValidationClassify(t *testing.T) {
	tests := []struct {
		build, test, security bool
		want                  ValidationStatus
	}{
		{true, true, true, ValidationSuccess},
		{true, true, false, ValidationWarning},
		{true, false, true, ValidationFailed},
		{false, true, true, ValidationFailed},
		{false, false, false, ValidationFailed},
	}
	for _, tt := range tests {
		r := &ValidationResult{BuildSuccess: tt.build, TestSuccess: tt.test, SecurityScanPassed: tt.security}
		assert.Equal(t, tt.want, r.Classify())
		assert.Equal(t, tt.want, r.Status)
	}
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("validate: %w", NewError(KindGitConflict, "validator.apply", errors.New("hunk 1 does not match")))

	assert.ErrorIs(t, err, ErrGitConflict)
	assert.NotErrorIs(t, err, ErrMerge)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindGitConflict, kind)

	kind, ok = KindOf(fmt.Errorf("wrapped: %w", ErrRateLimit))
	require.True(t, ok)
	assert.Equal(t, KindRateLimit, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)

	assert.True(t, NewError(KindRateLimit, "generator", nil).Transient())
	assert.Equal(t, "generator: rate_limit", NewError(KindRateLimit, "generator", nil).Error())
}

func TestKindOf_FirstKindWins(t *testing.T) {
	err := errors.Join(ErrTimeout, ErrBuild, ErrPersistence)
	for range 20 {
		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindBuild, kind)
	}
	assert.ErrorIs(t, NewError(KindSecurityFailure, "validator.security", nil), ErrSecurity)
}

func TestCanTransitionIssue(t *testing.T) {
	tests := []struct {
		from, to IssueStatus
		want     bool
	}{
		{IssueOpen, IssueInProgress, true},
		{IssueOpen, IssueDuplicate, true},
		{IssueOpen, IssueOpen, true},
		{IssueInProgress, IssueResolved, true},
		{IssueInProgress, IssueRejected, true},
		{IssueInProgress, IssueOpen, true},
		{IssueResolved, IssueOpen, true},
		{IssueOpen, IssueResolved, false},
		{IssueDuplicate, IssueOpen, false},
		{IssueRejected, IssueInProgress, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransitionIssue(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
