package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"ibbench/evaluation/runscore"
	"ibbench/evaluation/scoring"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func outcomeLabel(outcome runscore.Outcome) string {
	label := strings.ToUpper(string(outcome))
	switch outcome {
	case runscore.OutcomePassed, runscore.OutcomeFinalized:
		return green(label)
	case runscore.OutcomeFailed, runscore.OutcomeError:
		return red(label)
	case runscore.OutcomeBlocked, runscore.OutcomeEscalated, runscore.OutcomePending:
		return yellow(label)
	default:
		return gray(label)
	}
}

func criterionMark(res scoring.CriterionResult) string {
	switch {
	case res.Pending():
		return yellow("?")
	case res.Passed:
		return green("✓")
	default:
		return red("✗")
	}
}

// printTask renders one task of a run. Criteria and change patches are shown
// only in verbose mode.
func printTask(w io.Writer, tr runscore.TaskReport, verbose bool) {
	line := fmt.Sprintf("%-24s %s", tr.TaskID, outcomeLabel(tr.Outcome))
	if rec := tr.Record; rec != nil && !rec.HumanPending() {
		line += fmt.Sprintf("  %.1f/%.1f (%.1f%%)", rec.PointsEarned, rec.TotalPoints, rec.ScorePercent)
		if rec.LLMGated {
			line += gray("  llm gated")
		}
	}
	if rec := tr.Record; rec != nil && rec.EscalationReason != "" && rec.HumanPending() {
		line += gray("  " + rec.EscalationReason)
	}
	if tr.Stale {
		line += yellow("  stale rubric")
	}
	if tr.Err != nil {
		line += "  " + red(tr.Err.Error())
	}
	fmt.Fprintln(w, line)

	if !verbose || tr.Record == nil {
		return
	}
	if tr.Outcome != runscore.OutcomeSkipped {
		for _, res := range tr.Record.Criteria {
			fmt.Fprintf(w, "   %s %-28s %5.1f/%-5.1f %s\n", criterionMark(res), res.ID, res.PointsEarned, res.Points, gray(res.Details))
		}
	}
	if !tr.Change.Empty() {
		fmt.Fprint(w, indent(tr.Change.Unified, "   "))
	}
}

func printTotals(w io.Writer, totals runscore.Totals) {
	fmt.Fprintf(w, "\n%s %d scored: %s passed, %s failed, %s blocked, %d skipped",
		bold("Run:"), totals.Total,
		green(fmt.Sprint(totals.Passed)), red(fmt.Sprint(totals.Failed)), yellow(fmt.Sprint(totals.Blocked)),
		totals.Skipped)
	if totals.Escalated > 0 {
		fmt.Fprintf(w, ", %s escalated", yellow(fmt.Sprint(totals.Escalated)))
	}
	if totals.Errors > 0 {
		fmt.Fprintf(w, ", %s errors", red(fmt.Sprint(totals.Errors)))
	}
	fmt.Fprintf(w, "\n%s %.1f/%.1f (%.1f%%)\n", bold("Points:"), totals.PointsEarned, totals.TotalPoints, totals.Percent())
}

func indent(text, prefix string) string {
	lines := strings.SplitAfter(text, "\n")
	var b strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		b.WriteString(prefix)
		b.WriteString(line)
	}
	return b.String()
}
