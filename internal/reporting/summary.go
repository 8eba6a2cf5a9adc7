// Package reporting renders run reports and plan progress summaries.
// Reports are markdown and can be saved next to the JSON run results.
package reporting

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcus/planrunner/internal/config"
	"github.com/marcus/planrunner/internal/logging"
	"github.com/marcus/planrunner/internal/plan"
)

// MilestoneProgress counts task states within one milestone.
type MilestoneProgress struct {
	Index     int
	Title     string
	Status    plan.MilestoneStatus
	Total     int
	Complete  int
	Blocked   int
	Escalated int
}

// Summary is a snapshot of how far a plan has progressed.
type Summary struct {
	Date          time.Time
	PlanRef       string
	PlanTitle     string
	Content       string
	Milestones    []MilestoneProgress
	TasksTotal    int
	TasksComplete int
	NextActions   []string
}

// Generator creates plan progress summaries.
type Generator struct {
	cfg    *config.Config
	logger *logging.Logger
}

// NewGenerator creates a summary generator with the given configuration.
func NewGenerator(cfg *config.Config) *Generator {
	return &Generator{
		cfg:    cfg,
		logger: logging.Component("reporting"),
	}
}

// Generate creates a summary of p.
func (g *Generator) Generate(p *plan.Plan) (*Summary, error) {
	if p == nil {
		return nil, fmt.Errorf("plan cannot be nil")
	}

	summary := &Summary{
		Date:       time.Now(),
		PlanRef:    p.Ref,
		PlanTitle:  p.Title,
		Milestones: make([]MilestoneProgress, 0, len(p.Milestones)),
	}

	for _, m := range p.Milestones {
		mp := MilestoneProgress{Index: m.Index, Title: m.Title, Status: m.Status, Total: len(m.Tasks)}
		for _, t := range m.Tasks {
			switch t.Status {
			case plan.TaskComplete:
				mp.Complete++
			case plan.TaskBlocked:
				mp.Blocked++
			case plan.TaskEscalated:
				mp.Escalated++
			}
		}
		summary.TasksTotal += mp.Total
		summary.TasksComplete += mp.Complete
		summary.Milestones = append(summary.Milestones, mp)
	}

	summary.NextActions = g.generateWhatsNext(p)
	summary.Content = g.renderMarkdown(summary)
	return summary, nil
}

// renderMarkdown generates the markdown summary content.
func (g *Generator) renderMarkdown(summary *Summary) string {
	var buf bytes.Buffer

	title := summary.PlanTitle
	if title == "" {
		title = filepath.Base(summary.PlanRef)
	}
	fmt.Fprintf(&buf, "# %s - %s\n\n", title, summary.Date.Format("2006-01-02 15:04"))

	percent := 0
	if summary.TasksTotal > 0 {
		percent = summary.TasksComplete * 100 / summary.TasksTotal
	}
	buf.WriteString("## Progress\n")
	fmt.Fprintf(&buf, "- Tasks: %d of %d complete (%d%%)\n\n", summary.TasksComplete, summary.TasksTotal, percent)

	buf.WriteString("## Milestones\n")
	for _, m := range summary.Milestones {
		line := fmt.Sprintf("- %d. %s [%s] %d/%d tasks", m.Index, m.Title, m.Status, m.Complete, m.Total)
		if m.Blocked > 0 {
			line += fmt.Sprintf(", %d blocked", m.Blocked)
		}
		if m.Escalated > 0 {
			line += fmt.Sprintf(", %d escalated", m.Escalated)
		}
		buf.WriteString(line + "\n")
	}
	buf.WriteString("\n")

	if len(summary.NextActions) > 0 {
		buf.WriteString("## What's Next\n")
		for _, item := range summary.NextActions {
			buf.WriteString("- " + item + "\n")
		}
		buf.WriteString("\n")
	}

	return buf.String()
}

// generateWhatsNext lists what a human should look at, escalations first.
func (g *Generator) generateWhatsNext(p *plan.Plan) []string {
	var decisions, unblock []string
	var next string

	for _, m := range p.Milestones {
		if m.Status == plan.MilestoneEscalated {
			decisions = append(decisions, escalationAction(fmt.Sprintf("milestone %d", m.Index), m.Escalation))
		}
		for _, t := range m.Tasks {
			switch t.Status {
			case plan.TaskEscalated:
				decisions = append(decisions, escalationAction("task "+t.ID.String(), t.Escalation))
			case plan.TaskBlocked:
				unblock = append(unblock, fmt.Sprintf("Unblock task %s (%s): %s", t.ID, t.Title, t.BlockedReason))
			case plan.TaskPending:
				if next == "" && m.Status != plan.MilestoneComplete {
					next = fmt.Sprintf("Next up: task %s (%s)", t.ID, t.Title)
				}
			}
		}
	}

	items := append(decisions, unblock...)
	if next != "" {
		items = append(items, next)
	}
	return items
}

func escalationAction(target string, esc *plan.Escalation) string {
	if esc == nil {
		return fmt.Sprintf("Decide on %s", target)
	}
	if esc.Decision != plan.DecisionNone && esc.Decision != plan.DecisionDefer {
		return fmt.Sprintf("Resume to apply %s decision on %s", esc.Decision, target)
	}
	return fmt.Sprintf("Decide on %s: %s", target, esc.Reason)
}

// Save writes the summary to a file.
func (g *Generator) Save(summary *Summary, path string) error {
	if summary == nil {
		return fmt.Errorf("summary cannot be nil")
	}

	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating summary directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(summary.Content), 0644); err != nil {
		return fmt.Errorf("writing summary file: %w", err)
	}

	g.logger.Infof("summary saved to %s", path)
	return nil
}

// SummaryPath returns where the progress summary for planRef is saved.
func (g *Generator) SummaryPath(planRef string) string {
	dir := DefaultReportsDir()
	if g.cfg != nil && g.cfg.Storage.ReportsDir != "" {
		dir = g.cfg.Storage.ReportsDir
	}
	name := strings.TrimSuffix(filepath.Base(planRef), filepath.Ext(planRef))
	return filepath.Join(expandPath(dir), fmt.Sprintf("status-%s.md", name))
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
