package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/selfheal/internal/orchestrator"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
	"github.com/fyrsmithlabs/selfheal/internal/report"
)

// emit writes v in the structured format, or text() for text output.
func emit(cmd *cobra.Command, format report.Format, v any, text func() string) error {
	w := cmd.OutOrStdout()
	if format == report.FormatText {
		_, err := io.WriteString(w, text())
		return err
	}
	return report.Encode(w, format, v)
}

func issueTable(issues []remediation.Issue) string {
	if len(issues) == 0 {
		return "No issues found\n"
	}
	return table(func(w io.Writer) {
		fmt.Fprintln(w, "ID\tSTATUS\tSEVERITY\tKIND\tLOCATION\tMESSAGE")
		for _, i := range issues {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				truncate(i.ID, 8),
				i.Status,
				i.Severity,
				i.Kind,
				truncate(fmt.Sprintf("%s:%d", i.FilePath, i.Line), 40),
				truncate(i.Message, 50),
			)
		}
	})
}

func patchTable(patches []remediation.Patch) string {
	if len(patches) == 0 {
		return "No patches found\n"
	}
	return table(func(w io.Writer) {
		fmt.Fprintln(w, "ID\tGEN\tSTATUS\tCONFIDENCE\tSAFETY\tREASON")
		for _, p := range patches {
			fmt.Fprintf(w, "%s\t%d\t%s\t%.2f\t%.2f\t%s\n",
				p.ID,
				p.Generation,
				p.Status,
				p.Confidence,
				p.SafetyScore,
				truncate(p.Reason, 40),
			)
		}
	})
}

func outcomeTable(outcomes []orchestrator.IssueOutcome) string {
	if len(outcomes) == 0 {
		return "No issues processed\n"
	}
	return table(func(w io.Writer) {
		fmt.Fprintln(w, "ISSUE\tFILE\tSTATUS\tCANDIDATES\tVALID\tPATCH\tBRANCH\tERROR")
		for _, o := range outcomes {
			status := string(o.Status)
			if o.RolledBack {
				status += " (rolled back)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				truncate(o.IssueID, 8),
				truncate(o.FilePath, 30),
				status,
				o.Candidates,
				o.Validated,
				truncate(o.Selected, 8),
				o.Branch,
				truncate(o.Error, 50),
			)
		}
	})
}

func runSummary(rep *orchestrator.RunReport) string {
	var b strings.Builder
	mode := ""
	if rep.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(&b, "Run %s%s: %d detected, %d duplicate, %d skipped, %d resolved\n",
		truncate(rep.RunID, 8), mode, rep.Detected, rep.Duplicates, rep.Skipped, rep.Resolved())
	if rep.CleanedUp > 0 {
		fmt.Fprintf(&b, "Removed %d expired issues\n", rep.CleanedUp)
	}
	if len(rep.Outcomes) > 0 {
		b.WriteString("\n")
		b.WriteString(outcomeTable(rep.Outcomes))
	}
	return b.String()
}

// progressPrinter reports phase changes on stderr.
func progressPrinter(cmd *cobra.Command) orchestrator.ProgressCallback {
	w := cmd.ErrOrStderr()
	return func(p orchestrator.PhaseProgress) {
		id := "-"
		if p.IssueID != "" {
			id = truncate(p.IssueID, 8)
		}
		fmt.Fprintf(w, "[%s] %-8s %-9s %s\n", id, p.Phase, p.Status, p.Message)
	}
}

func table(fill func(w io.Writer)) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fill(w)
	w.Flush()
	return b.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
