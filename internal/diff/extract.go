package diff

import (
	"strings"
)

// Extract finds and parses the unified diff in a backend completion.
//
// Accepted forms, in order of preference:
//  1. a fenced code block whose info string is "diff" or "patch"
//  2. a literal "--- " line immediately followed by a "+++ " line, read up to
//     the closing fence or the end of the text
//
// ErrNoDiff is returned when neither form is present; ErrMalformed when a
// candidate block exists but does not parse.
func Extract(completion string) (*Patch, error) {
	if block, ok := fencedBlock(completion); ok {
		return Parse(block)
	}
	if body, ok := headerBlock(completion); ok {
		return Parse(body)
	}
	return nil, ErrNoDiff
}

func fencedBlock(s string) (string, bool) {
	lines := strings.Split(s, "\n")
	for i := 0; i < len(lines); i++ {
		fence, info, ok := openFence(lines[i])
		if !ok {
			continue
		}
		var body []string
		closed := false
		for j := i + 1; j < len(lines); j++ {
			if strings.TrimSpace(strings.TrimSuffix(lines[j], "\r")) == fence {
				closed = true
				i = j
				break
			}
			body = append(body, lines[j])
		}
		if info == "diff" || info == "patch" {
			return strings.Join(body, "\n"), true
		}
		if !closed {
			break
		}
	}
	return "", false
}

// openFence recognizes ``` or ~~~ fences and returns the fence and its info word.
func openFence(line string) (string, string, bool) {
	t := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	for _, f := range []string{"```", "~~~"} {
		if strings.HasPrefix(t, f) {
			info := strings.TrimSpace(strings.TrimLeft(t, f[:1]))
			if word := strings.Fields(info); len(word) > 0 {
				info = strings.ToLower(word[0])
			}
			return t[:len(t)-len(strings.TrimLeft(t, f[:1]))], info, true
		}
	}
	return "", "", false
}

func headerBlock(s string) (string, bool) {
	lines := strings.Split(s, "\n")
	for i := 0; i+1 < len(lines); i++ {
		if strings.HasPrefix(lines[i], "--- ") && strings.HasPrefix(lines[i+1], "+++ ") {
			end := len(lines)
			for j := i + 2; j < len(lines); j++ {
				t := strings.TrimSpace(lines[j])
				if strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~") {
					end = j
					break
				}
			}
			return strings.Join(lines[i:end], "\n"), true
		}
	}
	return "", false
}
