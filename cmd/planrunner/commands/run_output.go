package commands

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/planrunner/internal/orchestrator"
	"github.com/marcus/planrunner/internal/plan"
	"github.com/marcus/planrunner/internal/reporting"
	"github.com/marcus/planrunner/internal/ui"
)

// asyncSpinner renders a braille spinner on the current line using \r.
type asyncSpinner struct {
	mu      sync.Mutex
	label   string
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func (s *asyncSpinner) start(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.label = label
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

func (s *asyncSpinner) run() {
	defer close(s.doneCh)
	idx := 0
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.mu.Lock()
			clearLen := len(s.label) + 6
			s.mu.Unlock()
			fmt.Printf("\r%s\r", strings.Repeat(" ", clearLen))
			return
		case <-ticker.C:
			s.mu.Lock()
			label := s.label
			s.mu.Unlock()
			fmt.Printf("\r    %s %s", spinnerFrames[idx%len(spinnerFrames)], label)
			idx++
		}
	}
}

func (s *asyncSpinner) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	close(s.stopCh)
	<-s.doneCh
}

// liveRenderer prints orchestrator events as they happen. Events arrive on
// the orchestrator goroutine one at a time; the spinner has its own lock.
type liveRenderer struct {
	styles  *ui.Styles
	spinner *asyncSpinner
}

func newLiveRenderer() *liveRenderer {
	return &liveRenderer{
		styles:  ui.DefaultStyles(),
		spinner: &asyncSpinner{},
	}
}

func (r *liveRenderer) muted(format string, args ...any) string {
	return r.styles.Muted.Render(fmt.Sprintf(format, args...))
}

// HandleEvent renders one orchestrator event.
func (r *liveRenderer) HandleEvent(e orchestrator.Event) {
	switch e.Type {
	case orchestrator.EventRunStart:
		fmt.Printf("%s %s\n", r.styles.Title.Render("planrunner"), r.styles.Value.Render(e.Title))

	case orchestrator.EventMilestoneStart:
		r.spinner.stop()
		fmt.Printf("\n%s %s\n", r.styles.Highlight.Render(fmt.Sprintf("Milestone %d", e.Target.Milestone)), r.styles.Title.Render(e.Title))

	case orchestrator.EventTaskStart:
		r.spinner.stop()
		fmt.Printf("  %s %s\n", r.styles.Highlight.Render(">>> "+e.Target.Task.String()), r.styles.Value.Render(e.Title))
		r.spinner.start("working")

	case orchestrator.EventCycle:
		r.spinner.stop()
		label := fmt.Sprintf("review %d", e.Cycle)
		if e.Clean {
			fmt.Printf("    %s %s\n", r.styles.Label.Render(label), r.styles.StatusOK.Render("clean"))
			return
		}
		fmt.Printf("    %s %s\n", r.styles.Label.Render(label), r.styles.StatusWarn.Render(fmt.Sprintf("%d issue(s)", len(e.Issues))))
		for _, issue := range e.Issues {
			fmt.Printf("      %s\n", r.muted("%s", issue.String()))
		}
		r.spinner.start("fixing")

	case orchestrator.EventFix:
		r.spinner.stop()
		if e.Fix == nil {
			return
		}
		if e.Fix.Error != "" {
			fmt.Printf("    %s %s\n", r.styles.StatusError.Render("fix failed"), e.Fix.Error)
		} else {
			fmt.Printf("    %s %s\n", r.styles.Label.Render("fixed"), r.muted("%s", firstLine(e.Fix.Summary)))
		}
		r.spinner.start("reviewing")

	case orchestrator.EventEscalation:
		r.spinner.stop()
		fmt.Printf("    %s %s\n", r.styles.StatusError.Render("ESCALATED"), e.Message)

	case orchestrator.EventDecision:
		r.spinner.stop()
		fmt.Printf("    %s %s\n", r.styles.Label.Render("decision"), r.styles.Status(decisionStatus(e.Decision)).Render(string(e.Decision)))

	case orchestrator.EventTaskEnd, orchestrator.EventMilestoneEnd:
		r.spinner.stop()
		indent := "    "
		if e.Type == orchestrator.EventMilestoneEnd {
			indent = "  "
		}
		line := strings.ToUpper(e.Status)
		if e.Error != "" {
			line += ": " + e.Error
		}
		elapsed := ""
		if e.Duration > 0 {
			elapsed = r.muted("(%s)", e.Duration.Round(time.Second))
		}
		fmt.Printf("%s%s %s\n", indent, r.styles.Status(e.Status).Render(line), elapsed)

	case orchestrator.EventLog:
		switch e.Level {
		case "warn":
			r.spinner.stop()
			fmt.Printf("    %s %s\n", r.styles.StatusWarn.Render("WARN"), e.Message)
		case "error":
			r.spinner.stop()
			fmt.Printf("    %s %s\n", r.styles.StatusError.Render("ERROR"), e.Message)
		}

	case orchestrator.EventRunEnd:
		r.spinner.stop()
	}
}

// printSummary prints the closing block of a run.
func (r *liveRenderer) printSummary(res *reporting.RunResults) {
	r.spinner.stop()
	fmt.Println()
	fmt.Printf("%s %s  %s\n",
		r.styles.Label.Render("Run"),
		r.styles.Status(res.Status).Render(strings.ToUpper(res.Status)),
		r.muted("%s", formatDuration(res.EndTime.Sub(res.StartTime))))

	row := func(label string, n int, style lipgloss.Style) {
		if n == 0 {
			return
		}
		fmt.Printf("  %s %s\n", r.styles.Label.Render(fmt.Sprintf("%-10s", label)), style.Render(fmt.Sprint(n)))
	}
	row("completed", len(res.Completed), r.styles.StatusOK)
	row("blocked", len(res.Blocked), r.styles.StatusWarn)
	row("escalated", len(res.Escalated), r.styles.StatusError)
	row("decisions", len(res.Decisions), r.styles.Value)

	for _, t := range res.Blocked {
		fmt.Printf("  %s %s %s\n", r.styles.StatusWarn.Render("blocked"), t.Target, r.muted("%s", t.Reason))
	}
	for _, t := range res.Escalated {
		fmt.Printf("  %s %s %s\n", r.styles.StatusError.Render("awaiting decision"), t.Target, r.muted("%s", t.Reason))
	}
	if res.HaltReason != "" {
		fmt.Printf("  %s %s\n", r.styles.Label.Render("halted:"), res.HaltReason)
	}
	if res.Error != "" {
		fmt.Printf("  %s %s\n", r.styles.StatusError.Render("error:"), res.Error)
	}
}

func decisionStatus(d plan.Decision) string {
	switch d {
	case plan.DecisionOverride, plan.DecisionResolve:
		return "complete"
	case plan.DecisionAbandon:
		return "halted"
	default:
		return "escalated"
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
