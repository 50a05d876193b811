package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/selfheal/internal/diff"
	"github.com/fyrsmithlabs/selfheal/internal/gitops"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

// Phase is one step of processing an issue.
type Phase string

const (
	PhaseDetect   Phase = "detect"
	PhaseGenerate Phase = "generate"
	PhaseValidate Phase = "validate"
	PhaseApply    Phase = "apply"
	PhaseVerify   Phase = "verify"
)

// AllPhases returns the per-issue phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhaseGenerate, PhaseValidate, PhaseApply, PhaseVerify}
}

// PhaseStatus is the state of a phase in a progress report.
type PhaseStatus string

const (
	StatusStarted   PhaseStatus = "started"
	StatusCompleted PhaseStatus = "completed"
	StatusFailed    PhaseStatus = "failed"
	StatusSkipped   PhaseStatus = "skipped"
)

// PhaseProgress reports progress during a run.
type PhaseProgress struct {
	IssueID string      `json:"issue_id,omitempty"`
	Phase   Phase       `json:"phase"`
	Status  PhaseStatus `json:"status"`
	Message string      `json:"message"`
}

// ProgressCallback receives progress updates.
type ProgressCallback func(PhaseProgress)

// IssueOutcome summarizes what happened to one issue.
type IssueOutcome struct {
	IssueID     string                          `json:"issue_id"`
	FilePath    string                          `json:"file_path"`
	Status      remediation.IssueStatus         `json:"status"`
	DuplicateOf string                          `json:"duplicate_of,omitempty"`
	Candidates  int                             `json:"candidates"`
	Validated   int                             `json:"validated"`
	Results     []*remediation.ValidationResult `json:"results,omitempty"`

	// Selected is the patch chosen for application (in a dry run, the one
	// that would have been applied).
	Selected   string `json:"selected_patch,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Commit     string `json:"commit,omitempty"`
	RolledBack bool   `json:"rolled_back,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RunReport summarizes a pipeline run.
type RunReport struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	DryRun     bool           `json:"dry_run"`
	Detected   int            `json:"detected"`
	Duplicates int            `json:"duplicates"`
	Skipped    int            `json:"skipped"`
	Outcomes   []IssueOutcome `json:"outcomes"`
	CleanedUp  int64          `json:"cleaned_up"`
}

// Resolved counts issues whose fix was applied and kept.
func (r *RunReport) Resolved() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == remediation.IssueResolved {
			n++
		}
	}
	return n
}

// Detector finds issues in a tree.
type Detector interface {
	Detect(ctx context.Context, root string) ([]remediation.Issue, error)
}

// Generator produces ranked candidate patches for an issue.
type Generator interface {
	GenerateCandidates(ctx context.Context, issue *remediation.Issue, n int) ([]*remediation.Patch, error)
}

// Validator validates candidates in isolation.
type Validator interface {
	ValidateAll(ctx context.Context, patches []*remediation.Patch) ([]*remediation.ValidationResult, error)
}

// Repository is the version-control surface the pipeline mutates.
type Repository interface {
	Root() string
	CurrentBranch() (string, error)
	HeadHash() (string, error)
	IsWorkingDirectoryClean() (bool, error)
	CreateIsolatedBranch(ctx context.Context, issueID, patchID string) (string, error)
	ApplyPatch(ctx context.Context, diffText string) (*gitops.Applied, error)
	Commit(ctx context.Context, message string, files []string, author gitops.Author) (string, error)
	Checkout(ctx context.Context, branch string) error
	DeleteBranch(ctx context.Context, name string) error
	Snapshot(paths []string) (map[string]diff.Version, error)
	CherryPick(ctx context.Context, hash string) (string, error)
	CaptureRollback(before map[string]diff.Version) (string, error)
	ResetToCommit(ctx context.Context, hash string, hard bool) error
}

// Store persists pipeline state.
type Store interface {
	CreateIssue(ctx context.Context, issue *remediation.Issue) error
	GetIssue(ctx context.Context, id string) (*remediation.Issue, error)
	FindOpenByFingerprint(ctx context.Context, issue *remediation.Issue) (*remediation.Issue, error)
	UpdateIssueStatus(ctx context.Context, id string, status remediation.IssueStatus) error
	CreatePatches(ctx context.Context, patches []*remediation.Patch) error
	GetPatch(ctx context.Context, id string) (*remediation.Patch, error)
	UpdatePatchStatus(ctx context.Context, p *remediation.Patch) error
	UpdatePatchValidation(ctx context.Context, p *remediation.Patch, res *remediation.ValidationResult) error
	LatestValidation(ctx context.Context, patchID string) (*remediation.ValidationResult, error)
	MarkPatchApplied(ctx context.Context, id, rollback string) error
	MarkPatchRolledBack(ctx context.Context, id, reason string) error
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}
