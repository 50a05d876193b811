package detector

import (
	"fmt"
	"go/ast"
	"go/token"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/selfheal/internal/remediation"
	"github.com/fyrsmithlabs/selfheal/internal/secrets"
)

// Finding is a pass result before it is turned into an Issue.
type Finding struct {
	Line       int
	Column     int
	Severity   remediation.Severity
	Kind       remediation.IssueKind
	Message    string
	Suggestion string
}

// Pass is one independent check over a parsed file. Implementations must
// not retain or mutate the SourceFile.
type Pass interface {
	Name() string
	Check(f *SourceFile) []Finding
}

// DefaultPasses returns the built-in passes.
func DefaultPasses(complexityThreshold int) []Pass {
	return []Pass{
		UnsafePass{},
		SecurityPass{},
		PerformancePass{},
		StylePass{},
		ComplexityPass{Threshold: complexityThreshold},
		CompatPass{},
	}
}

// lineRule is a regexp check for languages without an AST.
type lineRule struct {
	re         *regexp.Regexp
	severity   remediation.Severity
	kind       remediation.IssueKind
	message    string
	suggestion string
}

func (r lineRule) scan(f *SourceFile) []Finding {
	var out []Finding
	for i, text := range f.Lines {
		if isLineComment(text) {
			continue
		}
		if loc := r.re.FindStringIndex(text); loc != nil {
			out = append(out, Finding{
				Line:       i + 1,
				Column:     loc[0] + 1,
				Severity:   r.severity,
				Kind:       r.kind,
				Message:    r.message,
				Suggestion: r.suggestion,
			})
		}
	}
	return out
}

func scanRules(f *SourceFile, rules []lineRule) []Finding {
	var out []Finding
	for _, r := range rules {
		out = append(out, r.scan(f)...)
	}
	return out
}

func isLineComment(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "//")
}

// UnsafePass flags unchecked memory access.
type UnsafePass struct{}

func (UnsafePass) Name() string { return "unsafe" }

var rustUnsafeRules = []lineRule{
	{regexp.MustCompile(`\bunsafe\s*\{`), remediation.SeverityHigh, remediation.KindUnsafeCode,
		"Unsafe block detected", "Consider using safe alternatives"},
	{regexp.MustCompile(`\bunsafe\s+fn\b`), remediation.SeverityMedium, remediation.KindUnsafeCode,
		"Unsafe function declared", "Document the safety contract or provide a safe wrapper"},
	{regexp.MustCompile(`\bmem::transmute\b`), remediation.SeverityHigh, remediation.KindUnsafeCode,
		"Use of mem::transmute", "Use From/Into or byte conversion functions"},
}

func (UnsafePass) Check(f *SourceFile) []Finding {
	switch f.Lang {
	case LangRust:
		return scanRules(f, rustUnsafeRules)
	case LangGo:
		if f.AST == nil {
			return nil
		}
		var out []Finding
		for _, imp := range f.AST.Imports {
			if strings.Trim(imp.Path.Value, `"`) != "unsafe" {
				continue
			}
			line, col := f.Position(imp.Pos())
			out = append(out, Finding{
				Line: line, Column: col,
				Severity:   remediation.SeverityHigh,
				Kind:       remediation.KindUnsafeCode,
				Message:    "Package unsafe imported",
				Suggestion: "Consider using safe alternatives",
			})
		}
		return out
	}
	return nil
}

// SecurityPass flags process execution, destructive filesystem calls and
// weakened TLS or hashing.
type SecurityPass struct{}

func (SecurityPass) Name() string { return "security" }

var rustSecurityRules = []lineRule{
	{regexp.MustCompile(`\bCommand::new\b`), remediation.SeverityMedium, remediation.KindSecurity,
		"Potential command injection vulnerability", "Validate and sanitize command inputs"},
	{regexp.MustCompile(`\bstd::fs::remove_(file|dir_all|dir)\b|\bfs::remove_dir_all\b`), remediation.SeverityLow, remediation.KindSecurity,
		"File system operation detected", "Ensure proper path validation"},
}

type goCallRule struct {
	pkg, fn    string
	severity   remediation.Severity
	message    string
	suggestion string
}

var goSecurityCalls = []goCallRule{
	{"os/exec", "Command", remediation.SeverityMedium, "Potential command injection vulnerability", "Validate and sanitize command inputs"},
	{"os/exec", "CommandContext", remediation.SeverityMedium, "Potential command injection vulnerability", "Validate and sanitize command inputs"},
	{"os", "RemoveAll", remediation.SeverityLow, "File system operation detected", "Ensure proper path validation"},
	{"crypto/md5", "New", remediation.SeverityMedium, "Weak hash algorithm MD5", "Use crypto/sha256"},
	{"crypto/sha1", "New", remediation.SeverityMedium, "Weak hash algorithm SHA-1", "Use crypto/sha256"},
}

func (SecurityPass) Check(f *SourceFile) []Finding {
	switch f.Lang {
	case LangRust:
		return scanRules(f, rustSecurityRules)
	case LangGo:
		if f.AST == nil {
			return nil
		}
		imports := f.Imports()
		var out []Finding
		ast.Inspect(f.AST, func(n ast.Node) bool {
			switch n := n.(type) {
			case *ast.CallExpr:
				pkg, fn, ok := selectorCall(n, imports)
				if !ok {
					return true
				}
				for _, r := range goSecurityCalls {
					if r.pkg == pkg && r.fn == fn {
						line, col := f.Position(n.Pos())
						out = append(out, Finding{Line: line, Column: col, Severity: r.severity,
							Kind: remediation.KindSecurity, Message: r.message, Suggestion: r.suggestion})
					}
				}
			case *ast.KeyValueExpr:
				key, ok := n.Key.(*ast.Ident)
				val, vok := n.Value.(*ast.Ident)
				if ok && vok && key.Name == "InsecureSkipVerify" && val.Name == "true" {
					line, col := f.Position(n.Pos())
					out = append(out, Finding{Line: line, Column: col, Severity: remediation.SeverityHigh,
						Kind: remediation.KindSecurity, Message: "TLS certificate verification disabled",
						Suggestion: "Remove InsecureSkipVerify or configure trusted roots"})
				}
			}
			return true
		})
		return out
	}
	return nil
}

// selectorCall resolves pkg.Fn(...) calls to an import path.
func selectorCall(call *ast.CallExpr, imports map[string]string) (pkg, fn string, ok bool) {
	sel, isSel := call.Fun.(*ast.SelectorExpr)
	if !isSel {
		return "", "", false
	}
	ident, isIdent := sel.X.(*ast.Ident)
	if !isIdent {
		return "", "", false
	}
	path, found := imports[ident.Name]
	if !found {
		return "", "", false
	}
	return path, sel.Sel.Name, true
}

// PerformancePass flags common allocation and resource-release mistakes.
type PerformancePass struct{}

func (PerformancePass) Name() string { return "performance" }

var rustPerformanceRules = []lineRule{
	{regexp.MustCompile(`\.collect::<Vec<_>>\(\)\s*\.(len|iter|into_iter)\(\)`), remediation.SeverityLow, remediation.KindPerformance,
		"Intermediate Vec allocated only to be consumed", "Use the iterator directly (count, chain)"},
	{regexp.MustCompile(`\.clone\(\)\.clone\(\)`), remediation.SeverityLow, remediation.KindPerformance,
		"Redundant clone", "Remove the second clone"},
}

func (PerformancePass) Check(f *SourceFile) []Finding {
	switch f.Lang {
	case LangRust:
		return scanRules(f, rustPerformanceRules)
	case LangGo:
		if f.AST == nil {
			return nil
		}
		var out []Finding
		for _, decl := range f.AST.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Body == nil {
				continue
			}
			out = append(out, loopFindings(f, fn.Body, 0)...)
		}
		return out
	}
	return nil
}

// loopFindings walks a block tracking loop depth. Function literals reset
// the depth since a defer inside them runs per call.
func loopFindings(f *SourceFile, root ast.Node, depth int) []Finding {
	var out []Finding
	ast.Inspect(root, func(n ast.Node) bool {
		if n == root {
			return true
		}
		switch n := n.(type) {
		case *ast.FuncLit:
			out = append(out, loopFindings(f, n.Body, 0)...)
			return false
		case *ast.ForStmt:
			out = append(out, loopFindings(f, n.Body, depth+1)...)
			return false
		case *ast.RangeStmt:
			out = append(out, loopFindings(f, n.Body, depth+1)...)
			return false
		case *ast.DeferStmt:
			if depth > 0 {
				line, col := f.Position(n.Pos())
				out = append(out, Finding{Line: line, Column: col, Severity: remediation.SeverityMedium,
					Kind: remediation.KindPerformance, Message: "defer inside loop delays release until the function returns",
					Suggestion: "Move the loop body into a function or release explicitly"})
			}
		case *ast.AssignStmt:
			if depth > 0 && n.Tok == token.ADD_ASSIGN && len(n.Rhs) == 1 && isStringExpr(n.Rhs[0]) {
				line, col := f.Position(n.Pos())
				out = append(out, Finding{Line: line, Column: col, Severity: remediation.SeverityLow,
					Kind: remediation.KindPerformance, Message: "String concatenation in loop",
					Suggestion: "Use strings.Builder"})
			}
		}
		return true
	})
	return out
}

func isStringExpr(e ast.Expr) bool {
	switch e := e.(type) {
	case *ast.BasicLit:
		return e.Kind == token.STRING
	case *ast.BinaryExpr:
		return e.Op == token.ADD && (isStringExpr(e.X) || isStringExpr(e.Y))
	case *ast.CallExpr:
		if sel, ok := e.Fun.(*ast.SelectorExpr); ok {
			if id, ok := sel.X.(*ast.Ident); ok && id.Name == "fmt" && sel.Sel.Name == "Sprintf" {
				return true
			}
		}
	}
	return false
}

// StylePass flags exported declarations without documentation.
type StylePass struct{}

func (StylePass) Name() string { return "style" }

var rustPubItem = regexp.MustCompile(`^\s*pub\s+(fn|struct|enum|trait)\s+(\w+)`)

func (StylePass) Check(f *SourceFile) []Finding {
	var out []Finding
	switch f.Lang {
	case LangRust:
		for i, text := range f.Lines {
			m := rustPubItem.FindStringSubmatch(text)
			if m == nil || rustDocumented(f.Lines, i) {
				continue
			}
			out = append(out, Finding{Line: i + 1, Column: 1, Severity: remediation.SeverityInfo,
				Kind: remediation.KindStyle, Message: fmt.Sprintf("Public %s %s has no doc comment", m[1], m[2]),
				Suggestion: "Add a /// doc comment"})
		}
	case LangGo:
		if f.AST == nil {
			return nil
		}
		for _, decl := range f.AST.Decls {
			switch d := decl.(type) {
			case *ast.FuncDecl:
				if d.Name.IsExported() && d.Doc == nil && exportedReceiver(d) {
					out = append(out, undocumented(f, d.Pos(), "function", d.Name.Name))
				}
			case *ast.GenDecl:
				if d.Tok != token.TYPE {
					continue
				}
				for _, spec := range d.Specs {
					ts := spec.(*ast.TypeSpec)
					if ts.Name.IsExported() && ts.Doc == nil && d.Doc == nil {
						out = append(out, undocumented(f, ts.Pos(), "type", ts.Name.Name))
					}
				}
			}
		}
	}
	return out
}

func undocumented(f *SourceFile, pos token.Pos, what, name string) Finding {
	line, col := f.Position(pos)
	return Finding{Line: line, Column: col, Severity: remediation.SeverityInfo, Kind: remediation.KindStyle,
		Message: fmt.Sprintf("Exported %s %s has no doc comment", what, name), Suggestion: "Add a doc comment starting with " + name}
}

// exportedReceiver is false for methods on unexported types.
func exportedReceiver(fn *ast.FuncDecl) bool {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return true
	}
	t := fn.Recv.List[0].Type
	if star, ok := t.(*ast.StarExpr); ok {
		t = star.X
	}
	if idx, ok := t.(*ast.IndexExpr); ok {
		t = idx.X
	}
	if id, ok := t.(*ast.Ident); ok {
		return id.IsExported()
	}
	return true
}

func rustDocumented(lines []string, i int) bool {
	for j := i - 1; j >= 0; j-- {
		t := strings.TrimSpace(lines[j])
		switch {
		case strings.HasPrefix(t, "///"), strings.HasPrefix(t, "#[doc"):
			return true
		case strings.HasPrefix(t, "#["):
			continue
		default:
			return false
		}
	}
	return false
}

// ComplexityPass flags functions whose cyclomatic complexity exceeds Threshold.
type ComplexityPass struct {
	Threshold int
}

func (ComplexityPass) Name() string { return "complexity" }

func (p ComplexityPass) Check(f *SourceFile) []Finding {
	if f.AST == nil || p.Threshold <= 0 {
		return nil
	}
	var out []Finding
	for _, decl := range f.AST.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		if c := Cyclomatic(fn.Body); c > p.Threshold {
			line, col := f.Position(fn.Pos())
			out = append(out, Finding{Line: line, Column: col, Severity: remediation.SeverityMedium,
				Kind:       remediation.KindComplexity,
				Message:    fmt.Sprintf("Function %s has cyclomatic complexity %d (threshold %d)", fn.Name.Name, c, p.Threshold),
				Suggestion: "Split the function into smaller helpers"})
		}
	}
	return out
}

// Cyclomatic counts decision points plus one.
func Cyclomatic(body ast.Node) int {
	c := 1
	ast.Inspect(body, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt:
			c++
		case *ast.CaseClause:
			if n.List != nil {
				c++
			}
		case *ast.CommClause:
			if n.Comm != nil {
				c++
			}
		case *ast.BinaryExpr:
			if n.Op == token.LAND || n.Op == token.LOR {
				c++
			}
		}
		return true
	})
	return c
}

// CompatPass flags deprecated APIs and edition/toolchain compatibility notes.
type CompatPass struct{}

func (CompatPass) Name() string { return "compat" }

var goDeprecatedImports = map[string]string{
	"io/ioutil":                "Use the io and os equivalents",
	"golang.org/x/net/context": "Use the standard context package",
}

var rustCompatRules = []lineRule{
	{regexp.MustCompile(`#\[async_trait\]`), remediation.SeverityInfo, remediation.KindTypeCompat,
		"async_trait macro is unnecessary for most traits on Rust 1.75+", "Use native async fn in traits"},
	{regexp.MustCompile(`\btry!\(`), remediation.SeverityLow, remediation.KindDeprecated,
		"try! macro is deprecated", "Use the ? operator"},
	{regexp.MustCompile(`\bextern crate\b`), remediation.SeverityInfo, remediation.KindTypeCompat,
		"extern crate is unnecessary since the 2018 edition", "Remove it and use a use declaration"},
}

func (CompatPass) Check(f *SourceFile) []Finding {
	switch f.Lang {
	case LangRust:
		return scanRules(f, rustCompatRules)
	case LangGo:
		if f.AST == nil {
			return nil
		}
		var out []Finding
		for _, imp := range f.AST.Imports {
			path := strings.Trim(imp.Path.Value, `"`)
			if hint, ok := goDeprecatedImports[path]; ok {
				line, col := f.Position(imp.Pos())
				out = append(out, Finding{Line: line, Column: col, Severity: remediation.SeverityLow,
					Kind: remediation.KindDeprecated, Message: fmt.Sprintf("Package %s is deprecated", path), Suggestion: hint})
			}
		}
		return out
	}
	return nil
}

// SecretPass reports credentials committed in source.
type SecretPass struct {
	Scanner *secrets.Scanner
}

func (SecretPass) Name() string { return "secrets" }

func (p SecretPass) Check(f *SourceFile) []Finding {
	if p.Scanner == nil {
		return nil
	}
	src := string(f.Src)
	var out []Finding
	for _, s := range p.Scanner.Scan(src) {
		line, col := 1, 1
		if idx := strings.Index(src, s.Match); s.Match != "" && idx >= 0 {
			line = strings.Count(src[:idx], "\n") + 1
			col = idx - strings.LastIndex(src[:idx], "\n")
		}
		out = append(out, Finding{Line: line, Column: col, Severity: remediation.SeverityCritical,
			Kind:       remediation.KindSecurity,
			Message:    fmt.Sprintf("Hardcoded secret: %s (rule %s)", s.RuleDesc, s.RuleID),
			Suggestion: "Load the credential from the environment or a secret store and rotate it"})
	}
	return out
}
