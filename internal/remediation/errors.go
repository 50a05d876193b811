package remediation

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindParse           Kind = "parse_error"
	KindSafety          Kind = "safety_rejection"
	KindBuild           Kind = "build_failure"
	KindTest            Kind = "test_failure"
	KindSecurityFailure Kind = "security_failure"
	KindTimeout         Kind = "timeout"
	KindGitConflict     Kind = "git_conflict"
	KindMerge           Kind = "merge_conflict"
	KindPersistence     Kind = "persistence_error"
	KindRateLimit       Kind = "rate_limit"
)

// Sentinel errors, one per Kind.
var (
	ErrParse       = errors.New("parse error")
	ErrSafety      = errors.New("safety rejection")
	ErrBuild       = errors.New("build failure")
	ErrTest        = errors.New("test failure")
	ErrSecurity    = errors.New("security failure")
	ErrTimeout     = errors.New("timeout")
	ErrGitConflict = errors.New("git conflict")
	ErrMerge       = errors.New("merge conflict")
	ErrPersistence = errors.New("persistence error")
	ErrRateLimit   = errors.New("rate limit exceeded")
)

// kindSentinels is ordered so KindOf is deterministic when an error wraps
// more than one sentinel.
var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindParse, ErrParse},
	{KindSafety, ErrSafety},
	{KindBuild, ErrBuild},
	{KindTest, ErrTest},
	{KindSecurityFailure, ErrSecurity},
	{KindTimeout, ErrTimeout},
	{KindGitConflict, ErrGitConflict},
	{KindMerge, ErrMerge},
	{KindPersistence, ErrPersistence},
	{KindRateLimit, ErrRateLimit},
}

func sentinelOf(kind Kind) error {
	for _, s := range kindSentinels {
		if s.kind == kind {
			return s.err
		}
	}
	return nil
}

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind   // Failure class
	Op   string // Operation that failed, e.g. "validator.apply"
	Err  error  // Underlying cause, may be nil
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err.Error())
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	sentinel := sentinelOf(e.Kind)
	return sentinel != nil && sentinel == target
}

// Transient reports whether the failure may succeed on retry.
func (e *Error) Transient() bool {
	return e.Kind == KindRateLimit
}

// NewError creates a classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind, true
		}
	}
	return "", false
}
