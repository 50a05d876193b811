// Package orchestrator drives the repair pipeline for each detected issue.
//
// # Overview
//
// An issue moves through a fixed sequence of phases:
//
//	Generate → Validate → Apply → Verify
//
// Candidates are generated and ranked, validated concurrently in isolated
// sandboxes, and the best Valid candidate is applied to the canonical tree
// through an isolation branch and a cherry-pick. Every apply records the
// diff that undoes it before the patch is marked Applied.
//
// # Gates
//
// Gates run before the Apply phase and block it when a precondition does
// not hold:
//   - ValidationGate: the most recent stored validation accepted the patch
//   - CleanTreeGate: no uncommitted changes to tracked files
//   - SafetyGate: the safety score is at or above the configured minimum
//
// A blocked or conflicting candidate is skipped and the next Valid one is
// tried. The canonical tree is never left with a partial change.
//
// # Verification
//
// With pipeline.verify_after_apply the test command is re-run on the
// canonical tree. A failure reverts the change with the recorded rollback
// diff (or a hard reset to the pre-apply commit when the diff no longer
// applies) and the patch becomes RolledBack.
//
// # Progress
//
// OnProgress receives a PhaseProgress for each phase start and finish, so
// the CLI can render per-issue progress without parsing logs.
package orchestrator
