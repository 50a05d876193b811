// Package diagnostics extracts errors and warnings from build, test and lint
// tool output. Machine-readable JSON lines (cargo --message-format=json,
// go test -json) are preferred; plain "file:line:col: message" lines and
// rustc's human format are recognized as a fallback. Other text is ignored.
package diagnostics

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Level is the diagnostic severity.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Diagnostic is one structured message from a tool.
type Diagnostic struct {
	Level   Level  `json:"level"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// String renders the diagnostic in compiler style.
func (d Diagnostic) String() string {
	var b strings.Builder
	if d.File != "" {
		b.WriteString(d.File)
		if d.Line > 0 {
			b.WriteString(":" + strconv.Itoa(d.Line))
			if d.Column > 0 {
				b.WriteString(":" + strconv.Itoa(d.Column))
			}
		}
		b.WriteString(": ")
	}
	if d.Code != "" {
		b.WriteString("[" + d.Code + "] ")
	}
	b.WriteString(d.Message)
	return b.String()
}

var (
	locatedLine = regexp.MustCompile(`^([^\s:][^:]*\.[A-Za-z0-9]+):(\d+):(?:(\d+):)? ?(?:(error|warning)(?:\[\w+\])?: )?(.+)$`)
	rustHeader  = regexp.MustCompile(`^(error|warning)(?:\[(\w+)\])?: (.+)$`)
	rustArrow   = regexp.MustCompile(`^\s*--> (.+?):(\d+):(\d+)`)
)

// Parse extracts diagnostics from tool output, in order of appearance.
func Parse(output string) []Diagnostic {
	var out []Diagnostic
	lines := strings.Split(output, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
			if d, ok := parseJSON(trimmed); ok {
				out = append(out, d)
			}
			continue
		}

		if m := rustHeader.FindStringSubmatch(trimmed); m != nil {
			d := Diagnostic{Level: Level(m[1]), Code: m[2], Message: m[3]}
			if strings.HasPrefix(d.Message, "aborting due to") || strings.Contains(d.Message, "generated") && strings.Contains(d.Message, "warning") {
				continue
			}
			if i+1 < len(lines) {
				if a := rustArrow.FindStringSubmatch(lines[i+1]); a != nil {
					d.File = a[1]
					d.Line, _ = strconv.Atoi(a[2])
					d.Column, _ = strconv.Atoi(a[3])
					i++
				}
			}
			out = append(out, d)
			continue
		}

		if m := locatedLine.FindStringSubmatch(trimmed); m != nil {
			d := Diagnostic{Level: LevelError, File: m[1], Message: m[5]}
			d.Line, _ = strconv.Atoi(m[2])
			d.Column, _ = strconv.Atoi(m[3])
			if m[4] == "warning" {
				d.Level = LevelWarning
			}
			out = append(out, d)
		}
	}
	return out
}

func parseJSON(line string) (Diagnostic, bool) {
	// cargo --message-format=json
	if gjson.Get(line, "reason").String() == "compiler-message" {
		msg := gjson.Get(line, "message")
		level := msg.Get("level").String()
		if level != "error" && level != "warning" {
			return Diagnostic{}, false
		}
		d := Diagnostic{
			Level:   Level(level),
			Code:    msg.Get("code.code").String(),
			Message: msg.Get("message").String(),
		}
		if span := msg.Get(`spans.#(is_primary==true)`); span.Exists() {
			d.File = span.Get("file_name").String()
			d.Line = int(span.Get("line_start").Int())
			d.Column = int(span.Get("column_start").Int())
		}
		return d, true
	}

	// go test -json
	if action := gjson.Get(line, "Action").String(); action == "fail" {
		test := gjson.Get(line, "Test").String()
		pkg := gjson.Get(line, "Package").String()
		if test == "" {
			return Diagnostic{Level: LevelError, Message: "package failed: " + pkg}, true
		}
		return Diagnostic{Level: LevelError, Message: "test failed: " + test + " (" + pkg + ")"}, true
	}
	return Diagnostic{}, false
}

// Split separates diagnostics into rendered errors and warnings.
func Split(diags []Diagnostic) (errs, warnings []string) {
	for _, d := range diags {
		if d.Level == LevelWarning {
			warnings = append(warnings, d.String())
		} else {
			errs = append(errs, d.String())
		}
	}
	return errs, warnings
}
