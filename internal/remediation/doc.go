// Package remediation defines the data model shared by the repair pipeline:
// detected issues, candidate patches, and the validation results that gate
// whether a patch may be applied.
//
// # Lifecycle
//
// Issues move Open → InProgress → Resolved | Rejected, or Open → Duplicate.
// An in-progress issue returns to Open when no fix lands, and a Resolved
// issue reopens when its patch is rolled back. Patches follow a forward-only
// state machine:
//
//	Pending → Validating → Valid | Invalid
//	Pending → Invalid
//	Valid → Applied → RolledBack
//	Pending | Validating | Invalid → Rejected
//
// There is no path from Pending to Applied. Use Patch.Transition to move a
// patch between states; it rejects every edge not listed above.
//
// # Errors
//
// Failures are classified by Kind (ParseError, SafetyRejection, BuildFailure,
// TestFailure, SecurityFailure, Timeout, GitConflict, MergeConflict,
// PersistenceError, RateLimit). Wrap with NewError and test with errors.Is
// against the Err* sentinels or with KindOf.
package remediation
