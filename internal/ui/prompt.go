package ui

import (
	"context"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/planrunner/internal/escalation"
	"github.com/marcus/planrunner/internal/plan"
)

// choice is one selectable decision.
type choice struct {
	decision plan.Decision
	key      string
	help     string
}

var choices = []choice{
	{plan.DecisionOverride, "o", "reset the strike count and review again"},
	{plan.DecisionResolve, "r", "mark it done; the issues were handled by hand"},
	{plan.DecisionAbandon, "a", "stop the run here"},
	{plan.DecisionDefer, "d", "leave it escalated and carry on"},
}

// DecisionModel is a bubbletea model that asks for one escalation decision.
type DecisionModel struct {
	report   *escalation.Report
	selected int
	decision plan.Decision
	done     bool
	width    int
	styles   *Styles
}

// NewDecisionModel creates a prompt for report. Defer is preselected.
func NewDecisionModel(report *escalation.Report) DecisionModel {
	return DecisionModel{
		report:   report,
		selected: len(choices) - 1,
		width:    80,
		styles:   DefaultStyles(),
	}
}

// Decision returns the chosen decision, or DecisionNone if the prompt has
// not finished.
func (m DecisionModel) Decision() plan.Decision {
	return m.decision
}

// Init implements tea.Model.
func (m DecisionModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m DecisionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
	}
	return m, nil
}

func (m DecisionModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
		return m, nil
	case "down", "j":
		if m.selected < len(choices)-1 {
			m.selected++
		}
		return m, nil
	case "enter":
		return m.choose(choices[m.selected].decision)
	case "q", "esc", "ctrl+c":
		return m.choose(plan.DecisionDefer)
	}
	for _, c := range choices {
		if key == c.key {
			return m.choose(c.decision)
		}
	}
	return m, nil
}

func (m DecisionModel) choose(d plan.Decision) (tea.Model, tea.Cmd) {
	m.decision = d
	m.done = true
	return m, tea.Quit
}

// View implements tea.Model.
func (m DecisionModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder

	b.WriteString(m.styles.Title.Render(fmt.Sprintf("Escalation: %s", m.report.Target)))
	b.WriteString("\n")
	b.WriteString(m.styles.Label.Render("Reason: "))
	b.WriteString(m.styles.Value.Render(m.report.Reason))
	b.WriteString("\n")
	b.WriteString(m.styles.Label.Render("Cycles: "))
	b.WriteString(m.styles.Value.Render(fmt.Sprintf("%d", m.report.Cycles)))
	b.WriteString("\n\n")

	if len(m.report.Issues) > 0 {
		b.WriteString(m.styles.Subtitle.Render("Persisting issues"))
		b.WriteString("\n")
		for _, p := range m.report.Issues {
			sev := m.styles.StatusError
			if p.Issue.Severity != "critical" {
				sev = m.styles.StatusWarn
			}
			fmt.Fprintf(&b, "  %s %s %s\n",
				sev.Render(string(p.Issue.Severity)),
				p.Issue.Description,
				m.styles.Muted.Render(fmt.Sprintf("%s x%d", p.Issue.Location, p.Count)))
		}
		b.WriteString("\n")
	}

	if len(m.report.Attempts) > 0 {
		b.WriteString(m.styles.Subtitle.Render("Fix attempts"))
		b.WriteString("\n")
		for _, a := range m.report.Attempts {
			line := a.Summary
			if a.Error != "" {
				line = m.styles.StatusError.Render("failed: " + a.Error)
			}
			fmt.Fprintf(&b, "  %s %s\n", m.styles.Muted.Render(fmt.Sprintf("cycle %d", a.Cycle)), line)
		}
		b.WriteString("\n")
	}

	b.WriteString(m.styles.Subtitle.Render("Decision"))
	b.WriteString("\n")
	for i, c := range choices {
		line := fmt.Sprintf(" %-8s %s ", c.decision, c.help)
		if i == m.selected {
			b.WriteString(m.styles.Selected.Render(">" + line))
		} else {
			b.WriteString(m.styles.Normal.Render(" " + line))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.renderHelpBar())

	return m.styles.Border.Width(m.width - 4).Render(b.String())
}

func (m DecisionModel) renderHelpBar() string {
	keys := []struct{ key, desc string }{
		{"↑/↓", "move"},
		{"enter", "choose"},
		{"o/r/a/d", "shortcut"},
		{"q", "defer"},
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, m.styles.HelpKey.Render(k.key)+" "+m.styles.HelpText.Render(k.desc))
	}
	return strings.Join(parts, "  ")
}

// Prompter is an escalation.Decider that asks on the terminal.
type Prompter struct {
	in  io.Reader
	out io.Writer
}

// PrompterOption configures a Prompter.
type PrompterOption func(*Prompter)

// WithInput sets where key presses are read from.
func WithInput(r io.Reader) PrompterOption {
	return func(p *Prompter) {
		p.in = r
	}
}

// WithOutput sets where the prompt is drawn.
func WithOutput(w io.Writer) PrompterOption {
	return func(p *Prompter) {
		p.out = w
	}
}

// NewPrompter creates a terminal decider.
func NewPrompter(opts ...PrompterOption) *Prompter {
	p := &Prompter{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide shows the report and blocks until a decision is chosen or ctx is
// cancelled.
func (p *Prompter) Decide(ctx context.Context, report *escalation.Report) (plan.Decision, error) {
	progOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if p.in != nil {
		progOpts = append(progOpts, tea.WithInput(p.in))
	}
	if p.out != nil {
		progOpts = append(progOpts, tea.WithOutput(p.out))
	}

	final, err := tea.NewProgram(NewDecisionModel(report), progOpts...).Run()
	if err != nil {
		return plan.DecisionNone, fmt.Errorf("decision prompt: %w", err)
	}
	m, ok := final.(DecisionModel)
	if !ok || m.decision == plan.DecisionNone {
		return plan.DecisionDefer, nil
	}
	return m.decision, nil
}

var _ escalation.Decider = (*Prompter)(nil)
