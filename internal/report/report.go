// Package report renders pipeline state for people and for tools: JSON and
// YAML encodings of any result type, and the Markdown patch review and
// validation report.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

// Format selects an output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
}

// Encode writes v as JSON or YAML. YAML keys follow the json tags of v.
func Encode(w io.Writer, format Format, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		// JSON is a YAML subset; decoding into a node keeps field order.
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return err
		}
		blockStyle(&node)
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(&node); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("format %q is not a structured encoding", format)
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// FormatPatch renders a candidate for human review.
func FormatPatch(p *remediation.Patch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patch ID: %s\n", p.ID)
	fmt.Fprintf(&b, "Issue ID: %s\n", p.IssueID)
	fmt.Fprintf(&b, "Status: %s\n", p.Status)
	fmt.Fprintf(&b, "Confidence: %.2f%%\n", p.Confidence*100)
	fmt.Fprintf(&b, "Safety Score: %.2f%%\n", p.SafetyScore*100)
	if p.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s (%s)\n", p.Reason, p.ReasonKind)
	}
	if p.OriginalCode != "" {
		fmt.Fprintf(&b, "\nOriginal Code:\n```\n%s\n```\n", strings.TrimRight(p.OriginalCode, "\n"))
	}
	if p.PatchedCode != "" {
		fmt.Fprintf(&b, "\nPatched Code:\n```\n%s\n```\n", strings.TrimRight(p.PatchedCode, "\n"))
	}
	fmt.Fprintf(&b, "\nDiff:\n```diff\n%s\n```\n", strings.TrimRight(p.Diff, "\n"))
	fmt.Fprintf(&b, "\nExplanation:\n%s\n", orNone(p.Explanation))
	fmt.Fprintf(&b, "\nBreaking Changes:\n%s\n", orNone(strings.Join(p.BreakingChanges, ", ")))
	fmt.Fprintf(&b, "\nDependencies:\n%s\n", orNone(strings.Join(p.Dependencies, ", ")))
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}

// ValidationSummary counts validation outcomes.
type ValidationSummary struct {
	Total       int     `json:"total"`
	Successful  int     `json:"successful"`
	Warnings    int     `json:"warnings"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Summarize counts results by status. The success rate is 0 for no results.
func Summarize(results []*remediation.ValidationResult) ValidationSummary {
	var s ValidationSummary
	for _, r := range results {
		if r == nil {
			continue
		}
		s.Total++
		switch r.Status {
		case remediation.ValidationSuccess:
			s.Successful++
		case remediation.ValidationWarning:
			s.Warnings++
		default:
			s.Failed++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total) * 100
	}
	return s
}

// ValidationReport renders results as Markdown.
func ValidationReport(results []*remediation.ValidationResult) string {
	s := Summarize(results)

	var b strings.Builder
	b.WriteString("# Patch Validation Report\n\n")
	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- Total patches: %d\n", s.Total)
	fmt.Fprintf(&b, "- Successful: %d\n", s.Successful)
	fmt.Fprintf(&b, "- Warnings: %d\n", s.Warnings)
	fmt.Fprintf(&b, "- Failed: %d\n", s.Failed)
	fmt.Fprintf(&b, "- Success rate: %.1f%%\n", s.SuccessRate)

	for _, r := range results {
		if r == nil {
			continue
		}
		fmt.Fprintf(&b, "\n## Patch %s\n", r.PatchID)
		fmt.Fprintf(&b, "- Status: %s\n", r.Status)
		fmt.Fprintf(&b, "- Build: %t\n", r.BuildSuccess)
		fmt.Fprintf(&b, "- Tests: %t\n", r.TestSuccess)
		fmt.Fprintf(&b, "- Security: %t\n", r.SecurityScanPassed)
		if r.ErrorKind != "" {
			fmt.Fprintf(&b, "- Error kind: %s\n", r.ErrorKind)
		}
		fmt.Fprintf(&b, "- Duration: %s\n", r.Duration)
		perf := r.Performance
		if perf != (remediation.PerformanceImpact{}) {
			fmt.Fprintf(&b, "- Compile time: %+.1f%%\n", perf.CompileTimeDeltaPct)
			fmt.Fprintf(&b, "- Binary size: %+d bytes\n", perf.BinarySizeDeltaBytes)
			fmt.Fprintf(&b, "- Runtime: %+.1f%%\n", perf.RuntimeDeltaPct)
		}
		writeList(&b, "Errors", r.Errors)
		writeList(&b, "Warnings", r.Warnings)
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n### %s\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

// Statistics renders stored totals as aligned text.
func Statistics(st *remediation.Statistics) string {
	var b strings.Builder
	rows := []struct {
		label string
		value string
	}{
		{"Issues", fmt.Sprintf("%d (%d open, %d resolved)", st.TotalIssues, st.OpenIssues, st.ResolvedIssues)},
		{"Patches", fmt.Sprintf("%d (%d applied, %d rolled back)", st.TotalPatches, st.AppliedPatches, st.RolledBackPatches)},
		{"Validations", fmt.Sprintf("%d (%d successful)", st.ValidationRuns, st.SuccessfulValidations)},
		{"Avg confidence", fmt.Sprintf("%.2f", st.AvgConfidence)},
		{"Avg safety", fmt.Sprintf("%.2f", st.AvgSafetyScore)},
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "%-16s %s\n", r.label+":", r.value)
	}
	return b.String()
}
