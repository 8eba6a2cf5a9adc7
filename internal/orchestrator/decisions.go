package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/planrunner/internal/escalation"
	"github.com/marcus/planrunner/internal/ledger"
	"github.com/marcus/planrunner/internal/plan"
	"github.com/marcus/planrunner/internal/state"
	"github.com/marcus/planrunner/internal/store"
)

// Decision sources recorded in the journal.
const (
	SourceRun  = "run"  // the run's decider answered
	SourcePlan = "plan" // a decision recorded in the plan file was applied
)

// decide asks for a decision on an escalation raised during this run and
// applies it.
func (o *Orchestrator) decide(ctx context.Context, st *store.Store, target ledger.Target, title string, report *escalation.Report, sum *Summary) (verdict, error) {
	d := o.ask(ctx, report)
	return o.apply(st, target, title, report, d, SourceRun, "", sum)
}

// settle handles a target that was already escalated when the run reached
// it. A decision recorded in the plan wins; otherwise the decider is asked.
func (o *Orchestrator) settle(ctx context.Context, st *store.Store, target ledger.Target, title string, esc *plan.Escalation, sum *Summary) (verdict, error) {
	if esc == nil {
		esc = &plan.Escalation{Reason: "escalated without a report"}
	}
	report := escalation.FromPlan(target, esc)

	if d := esc.Decision; d != plan.DecisionNone && d != plan.DecisionDefer {
		o.log("info", "applying recorded decision", map[string]any{"target": target.String(), "decision": string(d)})
		return o.apply(st, target, title, report, d, SourcePlan, esc.Note, sum)
	}
	d := o.ask(ctx, report)
	return o.apply(st, target, title, report, d, SourceRun, "", sum)
}

// ask blocks on the decider. A failing decider counts as defer.
func (o *Orchestrator) ask(ctx context.Context, report *escalation.Report) plan.Decision {
	o.log("warn", "escalation awaiting decision", map[string]any{
		"target": report.Target.String(),
		"reason": report.Reason,
		"cycles": report.Cycles,
	})
	d, err := o.decider.Decide(ctx, report)
	if err != nil {
		o.log("warn", "decider failed, deferring", map[string]any{"target": report.Target.String(), "error": err})
		return plan.DecisionDefer
	}
	if d == plan.DecisionNone || !d.Valid() {
		return plan.DecisionDefer
	}
	return d
}

// apply carries out a decision on an escalated target.
func (o *Orchestrator) apply(st *store.Store, target ledger.Target, title string, report *escalation.Report, d plan.Decision, source, note string, sum *Summary) (verdict, error) {
	now := time.Now()
	o.journalErr("decision", o.journalCall(func(j Journal) error {
		return j.RecordDecision(state.DecisionRecord{
			RunID:     o.runID,
			PlanRef:   st.Path(),
			Target:    target.String(),
			Decision:  d,
			Source:    source,
			Note:      note,
			DecidedAt: now,
		})
	}))

	res := TargetResult{
		Target:     target.String(),
		Title:      title,
		Status:     "escalated",
		Cycles:     report.Cycles,
		Reason:     report.Reason,
		Decision:   d,
		Escalation: report.ToPlan(),
	}
	o.emit(Event{Type: EventDecision, Target: target, Title: title, Decision: d, Report: report})

	if d == plan.DecisionDefer {
		sum.Escalated = append(sum.Escalated, res)
		return verdictFrozen, nil
	}

	if source == SourceRun && o.hasEscalation(st, target) {
		u := store.DecisionUpdate{Milestone: target.Milestone, Task: target.Task, Decision: d, At: now}
		if target.Kind == ledger.TargetMilestone {
			u.Task = plan.TaskID{}
		}
		if err := st.Persist(u); err != nil {
			return verdictFrozen, fmt.Errorf("persisting %s: %w", u, err)
		}
	}
	sum.Decisions = append(sum.Decisions, res)
	o.log("info", "decision applied", map[string]any{"target": target.String(), "decision": string(d), "source": source})

	switch d {
	case plan.DecisionOverride:
		o.Ledger().ResetCounts(target)
		if target.Kind == ledger.TargetTask {
			return verdictRetry, o.persistTask(st, store.TaskUpdate{ID: target.Task, Status: plan.TaskAwaitingReview}, "override")
		}
		return verdictRetry, o.persistMilestone(st, store.MilestoneUpdate{Index: target.Milestone, Status: plan.MilestoneInProgress}, "override")

	case plan.DecisionResolve:
		return o.resolve(st, target, title, report, sum)

	case plan.DecisionAbandon:
		sum.Escalated = append(sum.Escalated, res)
		sum.halt(fmt.Sprintf("%s abandoned", target))
		if target.Kind == ledger.TargetTask {
			esc := report.ToPlan()
			esc.Reason = fmt.Sprintf("%s abandoned: %s", target, report.Reason)
			esc.Decision = plan.DecisionAbandon
			esc.DecidedAt = &now
			u := store.MilestoneUpdate{Index: target.Milestone, Status: plan.MilestoneEscalated, Escalation: esc}
			if err := o.persistMilestone(st, u, esc.Reason); err != nil {
				return verdictFrozen, err
			}
		}
		return verdictFrozen, errAbandoned
	}
	return verdictFrozen, fmt.Errorf("unhandled decision %q", d)
}

// resolve accepts a target as complete on a human's word.
func (o *Orchestrator) resolve(st *store.Store, target ledger.Target, title string, report *escalation.Report, sum *Summary) (verdict, error) {
	review := &plan.ReviewOutcome{Cycles: report.Cycles, ResolvedBy: "human", At: time.Now()}

	if target.Kind == ledger.TargetMilestone {
		m := st.Plan().Milestone(target.Milestone)
		if m == nil || !m.AllTasksComplete() {
			o.log("warn", "cannot resolve milestone with incomplete tasks", map[string]any{"milestone": target.Milestone})
			sum.Escalated = append(sum.Escalated, TargetResult{Target: target.String(), Title: title, Status: "escalated", Reason: "resolve requires every task complete"})
			return verdictFrozen, nil
		}
		if err := o.completeMilestone(st, m, review, sum); err != nil {
			return verdictFrozen, err
		}
		o.Ledger().Clear(target)
		return verdictDone, nil
	}

	t := st.Plan().Task(target.Task)
	if t == nil {
		return verdictFrozen, fmt.Errorf("%w: %s", store.ErrUnknownTask, target.Task)
	}
	update := store.TaskUpdate{ID: t.ID, Status: plan.TaskComplete, CheckCriteria: true, Review: review}
	if t.Evidence == nil {
		update.Evidence = &plan.Evidence{Summary: "resolved by human decision"}
	}
	if err := o.persistTask(st, update, "resolved by human decision"); err != nil {
		return verdictFrozen, err
	}
	o.Ledger().Clear(target)
	o.taskComplete(t, report.Cycles, 0, sum)
	return verdictDone, nil
}

func (o *Orchestrator) hasEscalation(st *store.Store, target ledger.Target) bool {
	p := st.Plan()
	if target.Kind == ledger.TargetMilestone {
		m := p.Milestone(target.Milestone)
		return m != nil && m.Status == plan.MilestoneEscalated && m.Escalation != nil
	}
	t := p.Task(target.Task)
	return t != nil && t.Status == plan.TaskEscalated && t.Escalation != nil
}
