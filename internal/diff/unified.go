package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultContext is the number of context lines around each change.
const DefaultContext = 3

// Unified returns the diff that turns before into after for path, or "" when
// the contents are equal. Line matching uses diffmatchpatch in line mode.
func Unified(path, before, after string) string {
	fd := Compute(path, before, after, DefaultContext)
	if fd == nil {
		return ""
	}
	return (&Patch{Files: []*FileDiff{fd}, Headers: true}).String()
}

// Version is the content of a file at one point in time. Exists is false
// for a missing file, which differs from an empty one.
type Version struct {
	Content string
	Exists  bool
}

// Compute builds a FileDiff from two versions of a file, taking empty
// content as a missing file. Use Between when an empty file must stay.
func Compute(path, before, after string, context int) *FileDiff {
	return Between(path, Version{before, before != ""}, Version{after, after != ""}, context)
}

// Between builds a FileDiff from two versions of a file. /dev/null headers
// are emitted only for a side that does not exist. It returns nil when the
// contents are equal; an empty file appearing or vanishing has no hunk.
func Between(path string, before, after Version, context int) *FileDiff {
	if before.Content == after.Content {
		return nil
	}
	ops := lineOps(before.Content, after.Content)

	fd := &FileDiff{OldName: path, NewName: path}
	if !before.Exists {
		fd.OldName = DevNull
	}
	if !after.Exists {
		fd.NewName = DevNull
	}

	oldEOL := before.Content == "" || strings.HasSuffix(before.Content, "\n")
	newEOL := after.Content == "" || strings.HasSuffix(after.Content, "\n")
	oldCount, newCount := countLines(before.Content), countLines(after.Content)

	// walk ops, tracking 1-based line numbers on each side
	type pos struct{ old, new int }
	at := make([]pos, len(ops))
	o, n := 1, 1
	for i, op := range ops {
		at[i] = pos{o, n}
		if op.Op != OpAdd {
			o++
		}
		if op.Op != OpDelete {
			n++
		}
	}

	for i := 0; i < len(ops); {
		if ops[i].Op == OpContext {
			i++
			continue
		}
		start := i - context
		if start < 0 {
			start = 0
		}
		// extend while the next change is within 2*context lines
		end := i
		for end < len(ops) {
			if ops[end].Op != OpContext {
				end++
				continue
			}
			run := end
			for run < len(ops) && ops[run].Op == OpContext {
				run++
			}
			if run == len(ops) || run-end > 2*context {
				end += min(context, run-end)
				break
			}
			end = run
		}

		h := &Hunk{Lines: append([]Line(nil), ops[start:end]...)}
		h.OldStart, h.NewStart = at[start].old, at[start].new
		h.recount()
		if h.OldLines == 0 {
			h.OldStart--
		}
		if h.NewLines == 0 {
			h.NewStart--
		}
		// markers apply when the hunk reaches the end of a side lacking a final newline
		h.OldNoEOL = !oldEOL && h.OldStart+h.OldLines-1 == oldCount && h.OldLines > 0
		h.NewNoEOL = !newEOL && h.NewStart+h.NewLines-1 == newCount && h.NewLines > 0
		fd.Hunks = append(fd.Hunks, h)
		i = end
	}
	return fd
}

func countLines(s string) int {
	return len(splitText(s).lines)
}

// lineOps diffs two texts line by line.
func lineOps(before, after string) []Line {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []Line
	for _, d := range diffs {
		op := OpContext
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = OpAdd
		case diffmatchpatch.DiffDelete:
			op = OpDelete
		}
		for _, l := range splitText(d.Text).lines {
			ops = append(ops, Line{Op: op, Text: l})
		}
	}
	return ops
}
