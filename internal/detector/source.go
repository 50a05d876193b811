package detector

import (
	"bytes"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"path/filepath"
	"strings"
)

// Language of a source file
type Language string

const (
	LangGo   Language = "go"
	LangRust Language = "rust"
)

// LanguageOf returns the language for a file extension, or "" if unsupported.
func LanguageOf(path string) Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return LangGo
	case ".rs":
		return LangRust
	default:
		return ""
	}
}

// SourceFile is the single parsed representation shared by every pass.
// Go files carry an AST; other languages are line-level only.
type SourceFile struct {
	Path  string // repository-relative, slash separated
	Lang  Language
	Src   []byte
	Lines []string
	Fset  *token.FileSet
	AST   *ast.File
}

// ParseError describes why a file could not be parsed.
type ParseError struct {
	Path   string
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Path, e.Line, e.Column, e.Msg)
}

// Parse builds a SourceFile. A *ParseError is returned for syntactically
// broken input; the returned SourceFile is still usable for context lines.
func Parse(path string, src []byte) (*SourceFile, error) {
	f := &SourceFile{
		Path:  filepath.ToSlash(path),
		Lang:  LanguageOf(path),
		Src:   src,
		Lines: splitLines(src),
	}

	switch f.Lang {
	case LangGo:
		f.Fset = token.NewFileSet()
		file, err := parser.ParseFile(f.Fset, f.Path, src, parser.ParseComments|parser.SkipObjectResolution)
		if err != nil {
			return f, goParseError(f.Path, err)
		}
		f.AST = file
	case LangRust:
		if err := checkDelimiters(f.Path, f.Lines); err != nil {
			return f, err
		}
	}
	return f, nil
}

func goParseError(path string, err error) *ParseError {
	var list scanner.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		return &ParseError{Path: path, Line: list[0].Pos.Line, Column: list[0].Pos.Column, Msg: list[0].Msg}
	}
	return &ParseError{Path: path, Line: 1, Column: 1, Msg: err.Error()}
}

// Position converts a token.Pos into line and column.
func (f *SourceFile) Position(pos token.Pos) (int, int) {
	if f.Fset == nil || !pos.IsValid() {
		return 0, 0
	}
	p := f.Fset.Position(pos)
	return p.Line, p.Column
}

// Line returns the 1-based line, or "" when out of range.
func (f *SourceFile) Line(n int) string {
	if n < 1 || n > len(f.Lines) {
		return ""
	}
	return f.Lines[n-1]
}

// Window returns the surrounding lines of a 1-based line number.
func (f *SourceFile) Window(line, radius int) map[string]string {
	if line < 1 {
		line = 1
	}
	lo := max(1, line-radius)
	hi := min(len(f.Lines), line+radius)

	var before, after []string
	for i := lo; i < line && i <= len(f.Lines); i++ {
		before = append(before, f.Lines[i-1])
	}
	for i := line + 1; i <= hi; i++ {
		after = append(after, f.Lines[i-1])
	}
	return map[string]string{
		"before": strings.Join(before, "\n"),
		"line":   f.Line(line),
		"after":  strings.Join(after, "\n"),
	}
}

// Imports maps the local name of every import to its path.
func (f *SourceFile) Imports() map[string]string {
	if f.AST == nil {
		return nil
	}
	out := make(map[string]string, len(f.AST.Imports))
	for _, imp := range f.AST.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		name := path[strings.LastIndex(path, "/")+1:]
		if imp.Name != nil {
			name = imp.Name.Name
		}
		out[name] = path
	}
	return out
}

func splitLines(src []byte) []string {
	if len(src) == 0 {
		return nil
	}
	src = bytes.TrimSuffix(src, []byte("\n"))
	lines := strings.Split(string(src), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// checkDelimiters is the shallow syntax check for languages without an
// in-process parser: brackets must balance outside strings and comments.
func checkDelimiters(path string, lines []string) error {
	type open struct {
		ch        byte
		line, col int
	}
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	var stack []open
	inBlock := 0
	inString := false
	rawHashes := -1 // >= 0 inside r"..." or r#"..."#

	for ln, text := range lines {
		for i := 0; i < len(text); i++ {
			c := text[i]
			switch {
			case rawHashes >= 0:
				if c == '"' && closesRaw(text[i+1:], rawHashes) {
					i += rawHashes
					rawHashes = -1
				}
			case inBlock > 0:
				if c == '*' && i+1 < len(text) && text[i+1] == '/' {
					inBlock--
					i++
				} else if c == '/' && i+1 < len(text) && text[i+1] == '*' {
					inBlock++
					i++
				}
			case inString:
				if c == '\\' {
					i++
				} else if c == '"' {
					inString = false
				}
			case c == '/' && i+1 < len(text) && text[i+1] == '/':
				i = len(text)
			case c == '/' && i+1 < len(text) && text[i+1] == '*':
				inBlock++
				i++
			case c == '"':
				inString = true
			case c == 'r' && rawStart(text, i) >= 0:
				rawHashes = rawStart(text, i)
				i += rawHashes + 1
			case c == '\'':
				// char literal like '{' or '\n'; lifetimes ('a) have no closing quote nearby
				if i+2 < len(text) && text[i+2] == '\'' {
					i += 2
				} else if i+3 < len(text) && text[i+1] == '\\' && text[i+3] == '\'' {
					i += 3
				}
			case c == '(' || c == '[' || c == '{':
				stack = append(stack, open{c, ln + 1, i + 1})
			case c == ')' || c == ']' || c == '}':
				if len(stack) == 0 || stack[len(stack)-1].ch != pairs[c] {
					return &ParseError{Path: path, Line: ln + 1, Column: i + 1, Msg: fmt.Sprintf("unexpected closing delimiter %q", c)}
				}
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) > 0 {
		o := stack[len(stack)-1]
		return &ParseError{Path: path, Line: o.line, Column: o.col, Msg: fmt.Sprintf("unclosed delimiter %q", o.ch)}
	}
	return nil
}

// rawStart reports the number of '#' in a raw string literal opening at
// text[i] ('r', optionally after 'b'), or -1 when text[i] is not one.
func rawStart(text string, i int) int {
	prev := i - 1
	if prev >= 0 && text[prev] == 'b' {
		prev--
	}
	if prev >= 0 && isIdentByte(text[prev]) {
		return -1
	}
	n := 0
	for i+1+n < len(text) && text[i+1+n] == '#' {
		n++
	}
	if i+1+n < len(text) && text[i+1+n] == '"' {
		return n
	}
	return -1
}

// closesRaw reports whether rest starts with the hashes ending a raw string.
func closesRaw(rest string, hashes int) bool {
	return len(rest) >= hashes && strings.Count(rest[:hashes], "#") == hashes
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
