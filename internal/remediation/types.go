package remediation

import (
	"strconv"
	"time"
)

// Severity is the impact level of a detected issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities from Info (0) to Critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// IssueKind classifies a detected issue.
type IssueKind string

const (
	KindTypeCompat  IssueKind = "type_compat"
	KindTypeError   IssueKind = "type_error"
	KindUnsafeCode  IssueKind = "unsafe_code"
	KindPerformance IssueKind = "performance"
	KindSecurity    IssueKind = "security"
	KindStyle       IssueKind = "style"
	KindComplexity  IssueKind = "complexity"
	KindDeprecated  IssueKind = "deprecated"
	KindParseError  IssueKind = "parse_error"
)

// IssueStatus is the lifecycle state of an issue.
type IssueStatus string

const (
	IssueOpen       IssueStatus = "open"
	IssueInProgress IssueStatus = "in_progress"
	IssueResolved   IssueStatus = "resolved"
	IssueRejected   IssueStatus = "rejected"
	IssueDuplicate  IssueStatus = "duplicate"
)

// Issue is a located, classified code defect.
type Issue struct {
	ID         string            `json:"id"`
	FilePath   string            `json:"file_path"`
	Line       int               `json:"line"`
	Column     int               `json:"column"`
	Severity   Severity          `json:"severity"`
	Kind       IssueKind         `json:"kind"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Status     IssueStatus       `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// Fingerprint identifies issues that describe the same defect.
func (i *Issue) Fingerprint() string {
	return i.FilePath + "|" + string(i.Kind) + "|" + i.Message + "|" + strconv.Itoa(i.Line)
}

// PatchStatus is the validation lifecycle state of a patch.
type PatchStatus string

const (
	PatchPending    PatchStatus = "pending"
	PatchValidating PatchStatus = "validating"
	PatchValid      PatchStatus = "valid"
	PatchInvalid    PatchStatus = "invalid"
	PatchRejected   PatchStatus = "rejected"
	PatchApplied    PatchStatus = "applied"
	PatchRolledBack PatchStatus = "rolled_back"
)

// Patch is a candidate diff addressing exactly one issue.
type Patch struct {
	ID              string      `json:"id"`
	IssueID         string      `json:"issue_id"`
	Diff            string      `json:"diff"`
	OriginalCode    string      `json:"original_code,omitempty"`
	PatchedCode     string      `json:"patched_code,omitempty"`
	Explanation     string      `json:"explanation"`
	Confidence      float64     `json:"confidence"`
	SafetyScore     float64     `json:"safety_score"`
	BreakingChanges []string    `json:"breaking_changes,omitempty"`
	Dependencies    []string    `json:"dependencies,omitempty"`
	Status          PatchStatus `json:"status"`
	// Reason records why the patch ended in Invalid or Rejected.
	Reason        string     `json:"reason,omitempty"`
	ReasonKind    Kind       `json:"reason_kind,omitempty"`
	Applied       bool       `json:"applied"`
	RollbackPatch *string    `json:"rollback_patch,omitempty"`
	AppliedAt     *time.Time `json:"applied_at,omitempty"`
	// Generation is the order in which the candidate was produced.
	Generation int       `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RankScore is the product used to order candidates.
func (p *Patch) RankScore() float64 {
	return p.Confidence * p.SafetyScore
}

// ValidationStatus is the overall outcome of one validation attempt.
type ValidationStatus string

const (
	ValidationSuccess ValidationStatus = "success"
	ValidationWarning ValidationStatus = "warning"
	ValidationFailed  ValidationStatus = "failed"
)

// PerformanceImpact holds measured deltas against the unpatched baseline.
type PerformanceImpact struct {
	CompileTimeDeltaPct  float64 `json:"compile_time_delta_pct"`
	BinarySizeDeltaBytes int64   `json:"binary_size_delta_bytes"`
	RuntimeDeltaPct      float64 `json:"runtime_delta_pct"`
}

// StageReport is the outcome of one validation stage.
type StageReport struct {
	Name     string        `json:"name"`
	Command  string        `json:"command,omitempty"`
	Passed   bool          `json:"passed"`
	Skipped  bool          `json:"skipped,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Kind     Kind          `json:"error_kind,omitempty"`
	Errors   []string      `json:"errors,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
}

// ValidationResult records one validation attempt of a patch.
type ValidationResult struct {
	PatchID            string            `json:"patch_id"`
	Status             ValidationStatus  `json:"status"`
	BuildSuccess       bool              `json:"build_success"`
	TestSuccess        bool              `json:"test_success"`
	SecurityScanPassed bool              `json:"security_scan_passed"`
	Performance        PerformanceImpact `json:"performance"`
	Stages             []StageReport     `json:"stages,omitempty"`
	Errors             []string          `json:"errors,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
	// ErrorKind is set when the attempt was aborted or a stage failed.
	ErrorKind     Kind          `json:"error_kind,omitempty"`
	Containerized bool          `json:"containerized"`
	Duration      time.Duration `json:"duration"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Classify derives the overall status from the stage outcomes.
func (r *ValidationResult) Classify() ValidationStatus {
	switch {
	case r.BuildSuccess && r.TestSuccess && r.SecurityScanPassed:
		r.Status = ValidationSuccess
	case r.BuildSuccess && r.TestSuccess:
		r.Status = ValidationWarning
	default:
		r.Status = ValidationFailed
	}
	return r.Status
}

// GitCommit is a read-only projection of a commit.
type GitCommit struct {
	Hash         string    `json:"hash"`
	Message      string    `json:"message"`
	Author       string    `json:"author"`
	Email        string    `json:"email"`
	Timestamp    time.Time `json:"timestamp"`
	FilesChanged []string  `json:"files_changed"`
}

// Branch is a read-only projection of a local branch.
type Branch struct {
	Name       string `json:"name"`
	IsCurrent  bool   `json:"is_current"`
	HeadCommit string `json:"head_commit"`
	Upstream   string `json:"upstream,omitempty"`
	Ahead      int    `json:"ahead"`
	Behind     int    `json:"behind"`
}

// Statistics summarizes stored pipeline state.
type Statistics struct {
	TotalIssues           int     `json:"total_issues"`
	OpenIssues            int     `json:"open_issues"`
	ResolvedIssues        int     `json:"resolved_issues"`
	TotalPatches          int     `json:"total_patches"`
	AppliedPatches        int     `json:"applied_patches"`
	RolledBackPatches     int     `json:"rolled_back_patches"`
	ValidationRuns        int     `json:"validation_runs"`
	SuccessfulValidations int     `json:"successful_validations"`
	AvgConfidence         float64 `json:"avg_confidence"`
	AvgSafetyScore        float64 `json:"avg_safety_score"`
}
