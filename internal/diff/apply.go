package diff

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConflict is matched by every *ConflictError.
var ErrConflict = errors.New("patch does not apply")

// ConflictError reports the hunk that could not be placed.
type ConflictError struct {
	File string
	Hunk int // 1-based
	// AlreadyApplied is set when the target already holds the hunk's result.
	AlreadyApplied bool
}

func (e *ConflictError) Error() string {
	if e.AlreadyApplied {
		return fmt.Sprintf("%s: hunk %d already applied", e.File, e.Hunk)
	}
	return fmt.Sprintf("%s: hunk %d does not match", e.File, e.Hunk)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// text is file content split into lines plus its final-newline state.
type text struct {
	lines []string
	eol   bool
}

func splitText(s string) text {
	if s == "" {
		return text{eol: true}
	}
	t := text{eol: strings.HasSuffix(s, "\n")}
	s = strings.TrimSuffix(s, "\n")
	t.lines = strings.Split(s, "\n")
	return t
}

func (t text) String() string {
	if len(t.lines) == 0 {
		return ""
	}
	s := strings.Join(t.lines, "\n")
	if t.eol {
		s += "\n"
	}
	return s
}

// Apply applies one file's hunks to original and returns the result.
// Each hunk's context and removed lines must match exactly; the match is
// searched outward from the header position, so a diff made against an
// excerpt still applies to the whole file. Hunks must apply in order.
// original is never modified; on conflict the error is a *ConflictError.
func Apply(original string, fd *FileDiff) (string, error) {
	if fd.IsDelete() {
		return "", nil
	}
	src := splitText(original)
	out := make([]string, 0, len(src.lines))
	eol := src.eol
	pos := 0    // next unconsumed source line
	offset := 0 // drift between header positions and actual matches

	for i, h := range fd.Hunks {
		old, nw := h.Old(), h.New()

		expected := h.OldStart - 1
		if len(old) == 0 && h.OldStart > 0 {
			// pure insertion: header names the line after which to insert
			expected = h.OldStart
		}
		hint := expected + offset
		at, ok := locate(src.lines, old, hint, pos)
		if !ok {
			return "", &ConflictError{File: fd.Name(), Hunk: i + 1, AlreadyApplied: alreadyApplied(src.lines, nw, old, hint, pos)}
		}

		out = append(out, src.lines[pos:at]...)
		out = append(out, nw...)
		pos = at + len(old)
		offset = at - expected

		if pos == len(src.lines) {
			switch {
			case h.NewNoEOL:
				eol = false
			case h.OldNoEOL:
				eol = true
			}
		}
	}
	out = append(out, src.lines[pos:]...)

	return text{lines: out, eol: eol}.String(), nil
}

// locate finds want in lines at or after min, preferring positions nearest hint.
func locate(lines, want []string, hint, min int) (int, bool) {
	last := len(lines) - len(want)
	if last < min {
		return 0, false
	}
	if hint < min {
		hint = min
	}
	if hint > last {
		hint = last
	}
	for d := 0; ; d++ {
		lo, hi := hint-d, hint+d
		if lo < min && hi > last {
			return 0, false
		}
		if hi <= last && matchAt(lines, want, hi) {
			return hi, true
		}
		if d > 0 && lo >= min && matchAt(lines, want, lo) {
			return lo, true
		}
	}
}

func matchAt(lines, want []string, at int) bool {
	for j, w := range want {
		if lines[at+j] != w {
			return false
		}
	}
	return true
}

// alreadyApplied reports whether the hunk's result is present where its
// input should be, which means the same change landed before.
func alreadyApplied(lines, nw, old []string, hint, min int) bool {
	if len(nw) == 0 || equalLines(nw, old) {
		return false
	}
	_, ok := locate(lines, nw, hint, min)
	return ok
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ApplyPatch applies a single-file patch to content.
func ApplyPatch(original string, p *Patch) (string, error) {
	if len(p.Files) != 1 {
		return "", fmt.Errorf("%w: expected one file, got %d", ErrMalformed, len(p.Files))
	}
	return Apply(original, p.Files[0])
}
