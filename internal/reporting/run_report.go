package reporting

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus/planrunner/internal/plan"
)

// RunReportPath returns the path for a markdown run report in dir.
func RunReportPath(dir string, ts time.Time) string {
	if dir == "" {
		dir = DefaultReportsDir()
	}
	return filepath.Join(expandPath(dir), fmt.Sprintf("run-%s.md", ts.Format("2006-01-02-150405")))
}

// RenderRunReport renders a markdown report for a single run. Every halt
// is explained: what stopped, why, and what was already tried.
func RenderRunReport(results *RunResults, logPath string) (string, error) {
	if results == nil {
		return "", fmt.Errorf("results cannot be nil")
	}

	var buf bytes.Buffer
	title := results.PlanTitle
	if title == "" {
		title = filepath.Base(results.PlanRef)
	}
	fmt.Fprintf(&buf, "# Plan Run - %s - %s\n\n", title, results.StartTime.Format("2006-01-02 15:04"))

	buf.WriteString("## Summary\n")
	fmt.Fprintf(&buf, "- Plan: %s\n", results.PlanRef)
	if results.RunID != "" {
		fmt.Fprintf(&buf, "- Run: %s\n", results.RunID)
	}
	fmt.Fprintf(&buf, "- Status: %s\n", results.Status)
	if results.Granularity != "" {
		fmt.Fprintf(&buf, "- Review granularity: %s\n", results.Granularity)
	}
	fmt.Fprintf(&buf, "- Duration: %s\n", formatDuration(results.EndTime.Sub(results.StartTime)))
	fmt.Fprintf(&buf, "- Targets: %d completed, %d blocked, %d escalated\n",
		len(results.Completed), len(results.Blocked), len(results.Escalated))
	if results.HaltReason != "" {
		fmt.Fprintf(&buf, "- Halted: %s\n", results.HaltReason)
	}
	if results.Error != "" {
		fmt.Fprintf(&buf, "- Error: %s\n", results.Error)
	}
	if logPath != "" {
		fmt.Fprintf(&buf, "- Logs: %s\n", logPath)
	}
	buf.WriteString("\n")

	writeTargetSection(&buf, "Completed", results.Completed)
	writeTargetSection(&buf, "Blocked", results.Blocked)
	writeEscalations(&buf, results.Escalated)
	writeTargetSection(&buf, "Decisions Applied", results.Decisions)

	return buf.String(), nil
}

// SaveRunReport writes a run report to disk.
func SaveRunReport(results *RunResults, path string, logPath string) error {
	content, err := RenderRunReport(results, logPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func writeTargetSection(buf *bytes.Buffer, title string, targets []TargetResult) {
	if len(targets) == 0 {
		return
	}
	buf.WriteString("## " + title + "\n")
	for _, t := range targets {
		line := fmt.Sprintf("- %s: %s", t.Target, t.Title)
		if t.Cycles > 0 {
			line += fmt.Sprintf(" (%d review cycles)", t.Cycles)
		}
		if t.CommitID != "" {
			line += " - commit " + t.CommitID
		}
		if t.Decision != plan.DecisionNone {
			line += " - decision: " + string(t.Decision)
		}
		if t.Reason != "" {
			line += " - " + t.Reason
		}
		buf.WriteString(line + "\n")
	}
	buf.WriteString("\n")
}

func writeEscalations(buf *bytes.Buffer, targets []TargetResult) {
	if len(targets) == 0 {
		return
	}
	buf.WriteString("## Escalated\n")
	for _, t := range targets {
		fmt.Fprintf(buf, "### %s: %s\n", t.Target, t.Title)
		if t.Reason != "" {
			fmt.Fprintf(buf, "- Reason: %s\n", t.Reason)
		}
		if t.Decision != plan.DecisionNone {
			fmt.Fprintf(buf, "- Decision: %s\n", t.Decision)
		} else {
			buf.WriteString("- Decision: awaiting human\n")
		}
		esc := t.Escalation
		if esc == nil {
			buf.WriteString("\n")
			continue
		}
		fmt.Fprintf(buf, "- Cycles: %d\n", esc.Cycles)
		if len(esc.Issues) > 0 {
			buf.WriteString("\nPersisting issues:\n")
			for _, i := range esc.Issues {
				loc := ""
				if i.Location != "" {
					loc = " at " + i.Location
				}
				fmt.Fprintf(buf, "- [%s] %s%s (seen %d cycles)\n", i.Severity, i.Description, loc, i.Count)
			}
		}
		if len(esc.Attempts) > 0 {
			buf.WriteString("\nFix attempts:\n")
			for _, a := range esc.Attempts {
				line := fmt.Sprintf("- cycle %d", a.Cycle)
				if a.Summary != "" {
					line += ": " + a.Summary
				}
				if a.CommitID != "" {
					line += " (" + a.CommitID + ")"
				}
				if a.Error != "" {
					line += " failed: " + a.Error
				}
				buf.WriteString(line + "\n")
			}
		}
		buf.WriteString("\n")
	}
}
