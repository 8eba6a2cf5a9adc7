// Package escalation implements the three-strike circuit breaker that halts
// work on a target and hands it to a human with a structured report.
package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/planrunner/internal/ledger"
	"github.com/marcus/planrunner/internal/plan"
)

// Defaults for the gate. The cycle ceiling matches the strike limit so no
// target is reviewed a fourth time without a human seeing it.
const (
	DefaultStrikeLimit = 3
	DefaultMaxCycles   = DefaultStrikeLimit
)

// Reasons recorded on a report.
const (
	ReasonPersisting = "issue persisted across consecutive review cycles"
	ReasonCeiling    = "review cycle ceiling reached without a clean review"
)

// Attempt is one fixer invocation, listed per cycle in the report.
type Attempt struct {
	Cycle    int
	Issues   int
	Summary  string
	CommitID string
	Error    string
}

// Report is what a human sees when a target is escalated.
type Report struct {
	Target    ledger.Target
	Reason    string
	Issues    []ledger.Persisting
	Attempts  []Attempt
	Cycles    int // cycles since the last override
	CreatedAt time.Time
}

// RequiredError is returned when the gate fires. It halts only the target it
// names.
type RequiredError struct {
	Report *Report
}

func (e *RequiredError) Error() string {
	return fmt.Sprintf("escalation required for %s: %s", e.Report.Target, e.Report.Reason)
}

// Gate decides when a target must be escalated.
type Gate struct {
	StrikeLimit int
	MaxCycles   int
}

// NewGate returns a gate with the given limits, falling back to defaults for
// non-positive values.
func NewGate(strikeLimit, maxCycles int) *Gate {
	if strikeLimit <= 0 {
		strikeLimit = DefaultStrikeLimit
	}
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}
	if maxCycles < strikeLimit {
		maxCycles = strikeLimit
	}
	return &Gate{StrikeLimit: strikeLimit, MaxCycles: maxCycles}
}

// Check returns a report once any open fingerprint has persisted for
// StrikeLimit consecutive cycles, or once MaxCycles cycles have passed since
// the last override without a clean review. It returns nil otherwise.
func (g *Gate) Check(target ledger.Target, l *ledger.Ledger) *Report {
	if l.IsClean(target) {
		return nil
	}

	var struck []ledger.Persisting
	for _, p := range l.PersistingIssues(target) {
		if p.Count >= g.StrikeLimit {
			struck = append(struck, p)
		}
	}

	reason := ReasonPersisting
	if len(struck) == 0 {
		if l.CyclesSinceReset(target) < g.MaxCycles {
			return nil
		}
		reason = ReasonCeiling
		struck = l.PersistingIssues(target)
	}

	hist := l.History(target)
	report := &Report{
		Target:    target,
		Reason:    reason,
		Issues:    struck,
		Cycles:    l.CyclesSinceReset(target),
		CreatedAt: time.Now(),
	}
	for _, c := range hist {
		for _, f := range c.Fixes {
			report.Attempts = append(report.Attempts, Attempt{
				Cycle:    c.Number,
				Issues:   f.Issues,
				Summary:  f.Summary,
				CommitID: f.CommitID,
				Error:    f.Error,
			})
		}
	}
	return report
}

// ToPlan converts the report to its persisted form.
func (r *Report) ToPlan() *plan.Escalation {
	out := &plan.Escalation{
		Reason:    r.Reason,
		Cycles:    r.Cycles,
		CreatedAt: r.CreatedAt,
	}
	for _, p := range r.Issues {
		out.Issues = append(out.Issues, plan.EscalatedIssue{
			Fingerprint: p.Fingerprint,
			Severity:    string(p.Issue.Severity),
			Location:    p.Issue.Location,
			Description: p.Issue.Description,
			Count:       p.Count,
		})
	}
	for _, a := range r.Attempts {
		out.Attempts = append(out.Attempts, plan.FixAttempt{
			Cycle:    a.Cycle,
			Summary:  a.Summary,
			CommitID: a.CommitID,
			Error:    a.Error,
		})
	}
	return out
}

// FromPlan rebuilds a report from its persisted form so a resumed run can
// ask for a decision without the original ledger.
func FromPlan(target ledger.Target, e *plan.Escalation) *Report {
	r := &Report{
		Target:    target,
		Reason:    e.Reason,
		Cycles:    e.Cycles,
		CreatedAt: e.CreatedAt,
	}
	for _, i := range e.Issues {
		r.Issues = append(r.Issues, ledger.Persisting{
			Fingerprint: i.Fingerprint,
			Count:       i.Count,
			Issue: ledger.Issue{
				Severity:    ledger.Severity(i.Severity),
				Location:    i.Location,
				Description: i.Description,
			},
		})
	}
	for _, a := range e.Attempts {
		r.Attempts = append(r.Attempts, Attempt{
			Cycle:    a.Cycle,
			Summary:  a.Summary,
			CommitID: a.CommitID,
			Error:    a.Error,
		})
	}
	return r
}

// Summary renders a short plain-text description of the report.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s escalated after %d cycles: %s\n", r.Target, r.Cycles, r.Reason)
	for _, p := range r.Issues {
		fmt.Fprintf(&b, "  issue (x%d) %s\n", p.Count, p.Issue)
	}
	for _, a := range r.Attempts {
		line := fmt.Sprintf("  cycle %d fix", a.Cycle)
		if a.Summary != "" {
			line += ": " + a.Summary
		}
		if a.CommitID != "" {
			line += " (" + a.CommitID + ")"
		}
		if a.Error != "" {
			line += " failed: " + a.Error
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// Decider obtains a human decision for an escalation. Implementations block
// until a decision is available; there is no timeout.
type Decider interface {
	Decide(ctx context.Context, report *Report) (plan.Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, report *Report) (plan.Decision, error)

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, report *Report) (plan.Decision, error) {
	return f(ctx, report)
}

// Defer is a Decider for unattended runs: the target stays escalated until a
// decision is recorded against the plan out of band.
var Defer Decider = DeciderFunc(func(context.Context, *Report) (plan.Decision, error) {
	return plan.DecisionDefer, nil
})
