// Package diff parses, applies and produces unified diffs.
//
// The parser is tolerant of the mistakes code-generation backends make:
// hunk header counts are recomputed from the hunk body, blank lines inside a
// hunk are read as blank context, and hunk headers without line numbers are
// accepted. Application is strict about content: every context and removed
// line must match the target, located by searching outward from the line the
// hunk header names.
package diff

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrNoDiff means the text contains nothing resembling a unified diff.
	ErrNoDiff = errors.New("no unified diff found")
	// ErrMalformed means a diff was found but could not be parsed.
	ErrMalformed = errors.New("malformed unified diff")
)

// DevNull names the missing side of a file creation or deletion.
const DevNull = "/dev/null"

// Op is the kind of a hunk line.
type Op byte

const (
	OpContext Op = ' '
	OpDelete  Op = '-'
	OpAdd     Op = '+'
)

// Line is a single hunk body line without its terminator.
type Line struct {
	Op   Op
	Text string
}

// Hunk is a contiguous change region.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Section  string
	Lines    []Line
	// OldNoEOL/NewNoEOL record "\ No newline at end of file" markers.
	OldNoEOL bool
	NewNoEOL bool
}

// FileDiff holds the hunks for one file.
type FileDiff struct {
	OldName string
	NewName string
	Hunks   []*Hunk
}

// Patch is a parsed multi-file unified diff.
type Patch struct {
	Files []*FileDiff
	// Headers is true when every file carried both --- and +++ headers.
	Headers bool
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@ ?(.*)$`)

// Parse reads a unified diff.
func Parse(text string) (*Patch, error) {
	p := &Patch{Headers: true}
	lines := splitKeepEmpty(text)

	var file *FileDiff
	var hunk *Hunk
	sawHeader := false

	closeHunk := func() {
		if hunk == nil {
			return
		}
		trimTrailingBlank(hunk)
		hunk.recount()
		if len(hunk.Lines) > 0 {
			file.Hunks = append(file.Hunks, hunk)
		}
		hunk = nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
			closeHunk()
			file = &FileDiff{
				OldName: parseName(line[4:], "a/"),
				NewName: parseName(lines[i+1][4:], "b/"),
			}
			p.Files = append(p.Files, file)
			sawHeader = true
			i++
			continue
		}

		if strings.HasPrefix(line, "@@") {
			closeHunk()
			if file == nil {
				file = &FileDiff{}
				p.Files = append(p.Files, file)
				p.Headers = false
			}
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			hunk = h
			continue
		}

		if hunk == nil {
			// preamble such as "diff --git" or "index" lines
			continue
		}

		switch {
		case line == "":
			hunk.Lines = append(hunk.Lines, Line{Op: OpContext})
		case strings.HasPrefix(line, `\`):
			if n := len(hunk.Lines); n > 0 {
				switch hunk.Lines[n-1].Op {
				case OpDelete:
					hunk.OldNoEOL = true
				case OpAdd:
					hunk.NewNoEOL = true
				default:
					hunk.OldNoEOL, hunk.NewNoEOL = true, true
				}
			}
		case line[0] == ' ' || line[0] == '-' || line[0] == '+':
			hunk.Lines = append(hunk.Lines, Line{Op: Op(line[0]), Text: line[1:]})
		default:
			// anything else ends the hunk
			closeHunk()
		}
	}
	closeHunk()

	if len(p.Files) == 0 {
		if sawHeader {
			return nil, fmt.Errorf("%w: headers without hunks", ErrMalformed)
		}
		return nil, ErrNoDiff
	}
	for _, f := range p.Files {
		if len(f.Hunks) == 0 && !f.IsNew() && !f.IsDelete() {
			return nil, fmt.Errorf("%w: file %q has no hunks", ErrMalformed, f.Name())
		}
	}
	return p, nil
}

func parseHunkHeader(line string) (*Hunk, error) {
	if strings.TrimSpace(line) == "@@" || strings.HasPrefix(line, "@@ @@") {
		return &Hunk{}, nil
	}
	m := hunkHeader.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("%w: bad hunk header %q", ErrMalformed, line)
	}
	h := &Hunk{Section: m[5]}
	h.OldStart, _ = strconv.Atoi(m[1])
	h.NewStart, _ = strconv.Atoi(m[3])
	return h, nil
}

// parseName strips timestamps and the conventional a/ or b/ prefix.
func parseName(s, prefix string) string {
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == DevNull {
		return s
	}
	return strings.TrimPrefix(s, prefix)
}

func trimTrailingBlank(h *Hunk) {
	for n := len(h.Lines); n > 0; n-- {
		l := h.Lines[n-1]
		if l.Op != OpContext || l.Text != "" {
			break
		}
		h.Lines = h.Lines[:n-1]
	}
}

// recount derives the line counts from the hunk body.
func (h *Hunk) recount() {
	h.OldLines, h.NewLines = 0, 0
	for _, l := range h.Lines {
		switch l.Op {
		case OpContext:
			h.OldLines++
			h.NewLines++
		case OpDelete:
			h.OldLines++
		case OpAdd:
			h.NewLines++
		}
	}
}

// Old returns the lines the hunk expects to find.
func (h *Hunk) Old() []string {
	out := make([]string, 0, h.OldLines)
	for _, l := range h.Lines {
		if l.Op != OpAdd {
			out = append(out, l.Text)
		}
	}
	return out
}

// New returns the lines the hunk leaves behind.
func (h *Hunk) New() []string {
	out := make([]string, 0, h.NewLines)
	for _, l := range h.Lines {
		if l.Op != OpDelete {
			out = append(out, l.Text)
		}
	}
	return out
}

// Name returns the path the diff applies to.
func (f *FileDiff) Name() string {
	if f.NewName != "" && f.NewName != DevNull {
		return f.NewName
	}
	return f.OldName
}

// IsNew reports whether the diff creates the file.
func (f *FileDiff) IsNew() bool { return f.OldName == DevNull }

// IsDelete reports whether the diff removes the file.
func (f *FileDiff) IsDelete() bool { return f.NewName == DevNull }

// ChangedLines counts added and removed lines across the patch.
func (p *Patch) ChangedLines() int {
	n := 0
	for _, f := range p.Files {
		for _, h := range f.Hunks {
			for _, l := range h.Lines {
				if l.Op != OpContext {
					n++
				}
			}
		}
	}
	return n
}

// BodyLines counts every hunk body line across the patch.
func (p *Patch) BodyLines() int {
	n := 0
	for _, f := range p.Files {
		for _, h := range f.Hunks {
			n += len(h.Lines)
		}
	}
	return n
}

// AddedText returns the added lines joined by newlines.
func (p *Patch) AddedText() string {
	var b strings.Builder
	for _, f := range p.Files {
		for _, h := range f.Hunks {
			for _, l := range h.Lines {
				if l.Op == OpAdd {
					b.WriteString(l.Text)
					b.WriteByte('\n')
				}
			}
		}
	}
	return b.String()
}

// Paths lists the files the patch touches.
func (p *Patch) Paths() []string {
	out := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		out = append(out, f.Name())
	}
	return out
}

// Rename points every file in the patch at path.
// Used when a backend emits placeholder names for a single-file fix.
func (p *Patch) Rename(path string) {
	for _, f := range p.Files {
		if !f.IsNew() {
			f.OldName = path
		}
		if !f.IsDelete() {
			f.NewName = path
		}
	}
}

// String renders the patch as a unified diff.
func (p *Patch) String() string {
	var b strings.Builder
	for _, f := range p.Files {
		old, nw := f.OldName, f.NewName
		if old != DevNull {
			old = "a/" + old
		}
		if nw != DevNull {
			nw = "b/" + nw
		}
		fmt.Fprintf(&b, "--- %s\n+++ %s\n", old, nw)
		for _, h := range f.Hunks {
			writeHunk(&b, h)
		}
	}
	return b.String()
}

func writeHunk(b *strings.Builder, h *Hunk) {
	fmt.Fprintf(b, "@@ -%s +%s @@", rangeString(h.OldStart, h.OldLines), rangeString(h.NewStart, h.NewLines))
	if h.Section != "" {
		b.WriteString(" " + h.Section)
	}
	b.WriteByte('\n')

	lastOld, lastNew := -1, -1
	for i, l := range h.Lines {
		if l.Op != OpAdd {
			lastOld = i
		}
		if l.Op != OpDelete {
			lastNew = i
		}
	}
	for i, l := range h.Lines {
		b.WriteByte(byte(l.Op))
		b.WriteString(l.Text)
		b.WriteByte('\n')
		marker := (h.OldNoEOL && i == lastOld && l.Op != OpAdd) || (h.NewNoEOL && i == lastNew && l.Op != OpDelete)
		if marker {
			b.WriteString("\\ No newline at end of file\n")
		}
	}
}

func rangeString(start, n int) string {
	if n == 1 {
		return strconv.Itoa(start)
	}
	return strconv.Itoa(start) + "," + strconv.Itoa(n)
}

// splitKeepEmpty splits on newlines, tolerating CRLF.
func splitKeepEmpty(text string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		out = append(out, strings.TrimSuffix(sc.Text(), "\r"))
	}
	return out
}
