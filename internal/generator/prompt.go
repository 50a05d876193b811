package generator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

const systemPrompt = `You are an expert software engineer who repairs code.
Answer with a short explanation followed by exactly one unified diff in a fenced block labelled diff.
The diff must use --- a/<path> and +++ b/<path> headers with paths relative to the repository root,
and hunk headers whose line numbers match the snippet. Change only what is needed to fix the issue.`

var kindGuidance = map[remediation.IssueKind]string{
	remediation.KindSecurity:    "Fix the security vulnerability. Prefer validated inputs and safe APIs; never widen privileges.",
	remediation.KindPerformance: "Improve performance without changing behavior. Avoid unnecessary allocations and copies.",
	remediation.KindTypeCompat:  "Update the code for the current language edition and toolchain while preserving behavior.",
	remediation.KindDeprecated:  "Replace the deprecated API with its supported equivalent.",
	remediation.KindUnsafeCode:  "Replace the unsafe construct with a safe alternative where possible.",
	remediation.KindTypeError:   "Fix the type error so the code compiles. Keep the surrounding logic intact.",
}

// Snippet returns the issue's surrounding lines from the file under root,
// with the 1-based number of its first line.
func Snippet(root string, issue *remediation.Issue, radius int) (string, int, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(issue.FilePath)))
	if err != nil {
		return "", 0, fmt.Errorf("reading %s: %w", issue.FilePath, err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	line := max(issue.Line, 1)
	lo := max(1, line-radius)
	hi := min(len(lines), line+radius)
	if lo > hi {
		return "", lo, nil
	}
	return strings.Join(lines[lo-1:hi], "\n") + "\n", lo, nil
}

// buildPrompt renders the user prompt for an issue.
func buildPrompt(issue *remediation.Issue, snippet string, firstLine int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix the following %s issue (%s severity) in %s at line %d, column %d:\n%s\n",
		issue.Kind, issue.Severity, issue.FilePath, issue.Line, issue.Column, issue.Message)
	if issue.Suggestion != "" {
		fmt.Fprintf(&b, "Suggested direction: %s\n", issue.Suggestion)
	}
	if g, ok := kindGuidance[issue.Kind]; ok {
		b.WriteString(g + "\n")
	}
	fmt.Fprintf(&b, "\nLines %d-%d of %s:\n```\n%s```\n",
		firstLine, firstLine+strings.Count(snippet, "\n")-1, issue.FilePath, snippet)
	return b.String()
}

// explanation returns the prose of a completion with the diff removed.
func explanation(completion string) string {
	text := completion
	for _, marker := range []string{"```diff", "```patch", "\n--- "} {
		if i := strings.Index(text, marker); i >= 0 {
			text = text[:i]
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		// diff came first; keep whatever follows the closing fence
		if i := strings.LastIndex(completion, "```"); i >= 0 {
			text = strings.TrimSpace(completion[i+3:])
		}
	}
	const limit = 2000
	if len(text) > limit {
		text = text[:limit]
	}
	return text
}
