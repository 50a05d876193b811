package generator

import (
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/selfheal/internal/diff"
)

var (
	certaintyWords    = regexp.MustCompile(`(?i)\b(confident|certain)\b`)
	verificationWords = regexp.MustCompile(`(?i)\b(tested|verified)\b`)
	hedgingWords      = regexp.MustCompile(`(?i)\b(might|not sure|possibly|unsure)\b`)
)

// Confidence scores generation quality from the completion text and the
// extracted diff. p may be nil when no diff was found. The score is a pure
// function of its inputs.
func Confidence(completion string, p *diff.Patch) float64 {
	score := 0.5
	if p != nil {
		if p.Headers {
			score += 0.1
		}
		if p.BodyLines() > 5 {
			score += 0.05
		}
	} else {
		score -= 0.3
	}
	if certaintyWords.MatchString(completion) {
		score += 0.2
	}
	if verificationWords.MatchString(completion) {
		score += 0.15
	}
	if hedgingWords.MatchString(completion) {
		score -= 0.2
	}
	return clamp(score)
}

var (
	goExported = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s*)?([A-Z]\w*)`),
		regexp.MustCompile(`(?m)^(?:type|var|const)\s+([A-Z]\w*)`),
	}
	rustExported = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\s*pub(?:\([^)]*\))?\s+(?:async\s+)?(?:unsafe\s+)?(?:fn|struct|enum|trait|type|const|static|mod)\s+(\w+)`),
	}

	goImportLine  = regexp.MustCompile(`(?m)^\s*import\s+(?:[\w.]+\s+)?"([^"]+)"`)
	rustUseLine   = regexp.MustCompile(`(?m)^\s*(?:pub\s+)?use\s+(?:::)?([A-Za-z_]\w*)`)
	rustExternLin = regexp.MustCompile(`(?m)^\s*extern\s+crate\s+(\w+)`)
)

// ExportedSymbols returns the externally visible names declared in code.
// Complete Go files are read with go/parser; snippets and other languages
// fall back to declaration patterns.
func ExportedSymbols(path, code string) []string {
	if file := parseGo(path, code); file != nil {
		return goFileSymbols(file)
	}
	return matchSymbols(path, code)
}

// BreakingChanges reports exported symbols present before but not after.
// Both versions are read the same way: when either fails to parse, both use
// the declaration patterns, so method names compare on equal terms.
func BreakingChanges(path, before, after string) []string {
	var was, kept []string
	oldFile, newFile := parseGo(path, before), parseGo(path, after)
	if oldFile != nil && newFile != nil {
		was, kept = goFileSymbols(oldFile), goFileSymbols(newFile)
	} else {
		was, kept = matchSymbols(path, before), matchSymbols(path, after)
	}
	var out []string
	for _, s := range was {
		if !slices.Contains(kept, s) {
			out = append(out, "removed exported symbol "+s)
		}
	}
	return out
}

// parseGo returns the parsed file, or nil for Rust and for Go that does not
// parse as a complete file.
func parseGo(path, code string) *ast.File {
	if strings.HasSuffix(path, ".rs") {
		return nil
	}
	file, err := parser.ParseFile(token.NewFileSet(), path, code, parser.SkipObjectResolution)
	if err != nil {
		return nil
	}
	return file
}

func matchSymbols(path, code string) []string {
	patterns := goExported
	if strings.HasSuffix(path, ".rs") {
		patterns = rustExported
	}
	set := map[string]bool{}
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(code, -1) {
			set[m[1]] = true
		}
	}
	return sortedKeys(set)
}

// Dependencies returns import paths (Go) or crate roots (Rust) in code.
func Dependencies(path, code string) []string {
	set := map[string]bool{}
	if strings.HasSuffix(path, ".rs") {
		for _, m := range rustUseLine.FindAllStringSubmatch(code, -1) {
			set[m[1]] = true
		}
		for _, m := range rustExternLin.FindAllStringSubmatch(code, -1) {
			set[m[1]] = true
		}
		for _, local := range []string{"crate", "self", "super"} {
			delete(set, local)
		}
	} else if file, err := parser.ParseFile(token.NewFileSet(), path, code, parser.ImportsOnly); err == nil {
		for _, imp := range file.Imports {
			set[strings.Trim(imp.Path.Value, `"`)] = true
		}
	} else {
		for _, m := range goImportLine.FindAllStringSubmatch(code, -1) {
			set[m[1]] = true
		}
	}
	return sortedKeys(set)
}

func goFileSymbols(file *ast.File) []string {
	set := map[string]bool{}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if !d.Name.IsExported() {
				continue
			}
			name := d.Name.Name
			if d.Recv != nil && len(d.Recv.List) > 0 {
				name = receiverName(d.Recv.List[0].Type) + "." + name
			}
			set[name] = true
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					if s.Name.IsExported() {
						set[s.Name.Name] = true
					}
				case *ast.ValueSpec:
					for _, n := range s.Names {
						if n.IsExported() {
							set[n.Name] = true
						}
					}
				}
			}
		}
	}
	return sortedKeys(set)
}

func receiverName(t ast.Expr) string {
	switch t := t.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return ""
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
