// Package orchestrator walks a work plan milestone by milestone.
// Tasks run in dependency order through the review-fix loop; every status
// change is persisted before the next step begins.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/planrunner/internal/escalation"
	"github.com/marcus/planrunner/internal/ledger"
	"github.com/marcus/planrunner/internal/logging"
	"github.com/marcus/planrunner/internal/plan"
	"github.com/marcus/planrunner/internal/resolver"
	"github.com/marcus/planrunner/internal/reviewloop"
	"github.com/marcus/planrunner/internal/state"
	"github.com/marcus/planrunner/internal/store"
)

// Granularity selects which targets go through the review-fix loop.
type Granularity string

const (
	GranularityPerTask      Granularity = "per_task"
	GranularityPerMilestone Granularity = "per_milestone"
	GranularityBoth         Granularity = "both"
)

// ParseGranularity parses a granularity name. Empty means per_task.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return GranularityPerTask, nil
	case GranularityPerTask, GranularityPerMilestone, GranularityBoth:
		return g, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

func (g Granularity) reviewsTasks() bool {
	return g != GranularityPerMilestone
}

func (g Granularity) reviewsMilestones() bool {
	return g == GranularityPerMilestone || g == GranularityBoth
}

// Config holds orchestrator configuration.
type Config struct {
	Granularity  Granularity
	StrikeLimit  int           // persistence count that escalates (default: 3)
	MaxCycles    int           // cycles without a clean review before escalating (default: StrikeLimit)
	AgentTimeout time.Duration // per collaborator call (default: 30min)
}

// DefaultConfig returns default orchestrator config.
func DefaultConfig() Config {
	return Config{
		Granularity:  GranularityPerTask,
		StrikeLimit:  escalation.DefaultStrikeLimit,
		MaxCycles:    escalation.DefaultMaxCycles,
		AgentTimeout: reviewloop.DefaultAgentTimeout,
	}
}

// Journal records run history alongside the plan. *state.State implements it.
type Journal interface {
	RecordCycle(runID string, target ledger.Target, cycle int, clean bool, issues []ledger.Issue, evidence *plan.Evidence) error
	RecordFix(runID string, target ledger.Target, fix ledger.Fix) error
	RecordEscalation(runID string, report *escalation.Report) error
	RecordDecision(rec state.DecisionRecord) error
	RecordStatus(runID, target, status, detail string) error
}

// errAbandoned stops the run after a human abandons a target.
var errAbandoned = errors.New("target abandoned")

type verdict int

const (
	verdictFrozen verdict = iota // target stays escalated
	verdictDone                  // target is complete
	verdictRetry                 // review the target again
)

// Orchestrator executes a work plan.
type Orchestrator struct {
	worker       reviewloop.Worker
	reviewer     reviewloop.Reviewer
	fixer        reviewloop.Fixer
	decider      escalation.Decider
	journal      Journal
	runID        string
	config       Config
	logger       *logging.Logger
	eventHandler EventHandler

	loop *reviewloop.Controller
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorker sets the collaborator that implements tasks.
func WithWorker(w reviewloop.Worker) Option {
	return func(o *Orchestrator) {
		o.worker = w
	}
}

// WithReviewer sets the collaborator that reviews targets.
func WithReviewer(r reviewloop.Reviewer) Option {
	return func(o *Orchestrator) {
		o.reviewer = r
	}
}

// WithFixer sets the collaborator that addresses review issues.
func WithFixer(f reviewloop.Fixer) Option {
	return func(o *Orchestrator) {
		o.fixer = f
	}
}

// WithDecider sets how escalations obtain a human decision.
func WithDecider(d escalation.Decider) Option {
	return func(o *Orchestrator) {
		o.decider = d
	}
}

// WithJournal records cycles, fixes, escalations and decisions under runID.
func WithJournal(j Journal, runID string) Option {
	return func(o *Orchestrator) {
		o.journal = j
		o.runID = runID
	}
}

// WithConfig sets orchestrator configuration.
func WithConfig(c Config) Option {
	return func(o *Orchestrator) {
		o.config = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithEventHandler sets an optional callback for real-time orchestrator events.
func WithEventHandler(h EventHandler) Option {
	return func(o *Orchestrator) {
		o.eventHandler = h
	}
}

// New creates an orchestrator with the given options.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:  DefaultConfig(),
		decider: escalation.Defer,
		logger:  logging.Component("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.config.Granularity == "" {
		o.config.Granularity = GranularityPerTask
	}
	o.loop = reviewloop.New(
		reviewloop.WithWorker(o.worker),
		reviewloop.WithReviewer(o.reviewer),
		reviewloop.WithFixer(o.fixer),
		reviewloop.WithGate(escalation.NewGate(o.config.StrikeLimit, o.config.MaxCycles)),
		reviewloop.WithAgentTimeout(o.config.AgentTimeout),
		reviewloop.WithLogger(o.logger.WithComponent("reviewloop")),
		reviewloop.WithEventHandler(o.onLoopEvent),
	)
	return o
}

// Ledger returns the issue ledger shared by every target in this run.
func (o *Orchestrator) Ledger() *ledger.Ledger {
	return o.loop.Ledger()
}

// emit sends an event to the registered handler, if any.
func (o *Orchestrator) emit(e Event) {
	if o.eventHandler != nil {
		e.Time = time.Now()
		o.eventHandler(e)
	}
}

// log writes to the logger and mirrors the message as an EventLog.
func (o *Orchestrator) log(level, msg string, fields map[string]any) {
	o.logger.Log(level, msg, fields)
	o.emit(Event{Type: EventLog, Level: level, Message: msg, Fields: fields})
}

// Run executes the plan held by st until it is complete, a milestone cannot
// complete, or ctx is cancelled. Structural problems (a dependency cycle, a
// failed write) are returned as errors; per-target failures are listed in
// the summary. On cancellation the summary is marked interrupted and the
// context error is returned.
func (o *Orchestrator) Run(ctx context.Context, st *store.Store) (*Summary, error) {
	p := st.Plan()
	sum := &Summary{
		RunID:       o.runID,
		PlanRef:     st.Path(),
		PlanTitle:   p.Title,
		Granularity: o.config.Granularity,
		StartedAt:   time.Now(),
	}

	o.log("info", "starting run", map[string]any{
		"plan":        st.Path(),
		"milestones":  len(p.Milestones),
		"granularity": string(o.config.Granularity),
	})
	o.emit(Event{Type: EventRunStart, Title: p.Title, Message: "starting run"})

	err := o.run(ctx, st, sum)
	if errors.Is(err, errAbandoned) {
		err = nil
	}

	sum.EndedAt = time.Now()
	sum.PlanComplete = p.Complete()
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		sum.Interrupted = true
	}

	fields := map[string]any{
		"status":    sum.Status(),
		"completed": len(sum.Completed),
		"blocked":   len(sum.Blocked),
		"escalated": len(sum.Escalated),
		"duration":  sum.Duration().String(),
	}
	if sum.HaltReason != "" {
		fields["halt_reason"] = sum.HaltReason
	}
	end := Event{Type: EventRunEnd, Status: sum.Status(), Duration: sum.Duration(), Message: "run finished"}
	if err != nil {
		fields["error"] = err
		end.Error = err.Error()
		o.log("error", "run stopped", fields)
	} else {
		o.log("info", "run finished", fields)
	}
	o.emit(end)
	return sum, err
}

func (o *Orchestrator) run(ctx context.Context, st *store.Store, sum *Summary) error {
	for _, m := range st.Plan().Milestones {
		if err := ctx.Err(); err != nil {
			return err
		}
		advance, err := o.runMilestone(ctx, st, m, sum)
		if err != nil {
			return err
		}
		if !advance {
			return nil
		}
	}
	return nil
}

// runMilestone works one milestone and reports whether the run may advance
// to the next.
func (o *Orchestrator) runMilestone(ctx context.Context, st *store.Store, m *plan.Milestone, sum *Summary) (bool, error) {
	if m.Status == plan.MilestoneComplete {
		return true, nil
	}
	start := time.Now()
	target := ledger.MilestoneTarget(m.Index)

	if m.Status == plan.MilestoneEscalated {
		v, err := o.settle(ctx, st, target, m.Title, m.Escalation, sum)
		if err != nil {
			return false, err
		}
		switch v {
		case verdictDone:
			return true, nil
		case verdictFrozen:
			sum.halt(fmt.Sprintf("%s is escalated", target))
			return false, nil
		}
	}

	o.emit(Event{Type: EventMilestoneStart, Target: target, Title: m.Title, Message: "starting milestone"})
	if m.Status != plan.MilestoneInProgress {
		if err := o.persistMilestone(st, store.MilestoneUpdate{Index: m.Index, Status: plan.MilestoneInProgress}, ""); err != nil {
			return false, err
		}
	}

	ordered, err := resolver.Order(m.Tasks)
	if err != nil {
		return false, err
	}
	for _, t := range ordered {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := o.runTask(ctx, st, t, sum); err != nil {
			if errors.Is(err, errAbandoned) {
				o.emit(Event{Type: EventMilestoneEnd, Target: target, Title: m.Title, Status: string(m.Status), Duration: time.Since(start)})
			}
			return false, err
		}
	}

	if !m.AllTasksComplete() {
		sum.halt(fmt.Sprintf("%s has tasks that are not complete", target))
		o.log("warn", "milestone cannot complete", map[string]any{"milestone": m.Index, "reason": sum.HaltReason})
		o.emit(Event{Type: EventMilestoneEnd, Target: target, Title: m.Title, Status: string(m.Status), Duration: time.Since(start)})
		return false, nil
	}

	done, err := o.finishMilestone(ctx, st, m, sum)
	o.emit(Event{Type: EventMilestoneEnd, Target: target, Title: m.Title, Status: string(m.Status), Duration: time.Since(start)})
	return done, err
}

// finishMilestone runs the milestone-level pass when the granularity asks
// for one and marks the milestone complete once it is clean.
func (o *Orchestrator) finishMilestone(ctx context.Context, st *store.Store, m *plan.Milestone, sum *Summary) (bool, error) {
	target := ledger.MilestoneTarget(m.Index)
	if !o.config.Granularity.reviewsMilestones() {
		return true, o.completeMilestone(st, m, nil, sum)
	}

	for {
		if err := o.persistMilestone(st, store.MilestoneUpdate{Index: m.Index, Status: plan.MilestoneReviewing}, ""); err != nil {
			return false, err
		}

		spec := reviewloop.MilestoneTargetSpec(m)
		_, err := o.loop.Review(ctx, spec, nil, "")
		if err == nil {
			review := &plan.ReviewOutcome{
				Cycles:     o.Ledger().Cycles(target),
				Clean:      true,
				ResolvedBy: "review",
				At:         time.Now(),
			}
			o.Ledger().Clear(target)
			return true, o.completeMilestone(st, m, review, sum)
		}

		var required *escalation.RequiredError
		if !errors.As(err, &required) {
			return false, err
		}

		esc := required.Report.ToPlan()
		if err := o.persistMilestone(st, store.MilestoneUpdate{Index: m.Index, Status: plan.MilestoneEscalated, Escalation: esc}, required.Report.Reason); err != nil {
			return false, err
		}
		v, err := o.decide(ctx, st, target, m.Title, required.Report, sum)
		if err != nil {
			return false, err
		}
		switch v {
		case verdictDone:
			return true, nil
		case verdictFrozen:
			sum.halt(fmt.Sprintf("%s is escalated", target))
			return false, nil
		}
	}
}

func (o *Orchestrator) completeMilestone(st *store.Store, m *plan.Milestone, review *plan.ReviewOutcome, sum *Summary) error {
	if err := o.persistMilestone(st, store.MilestoneUpdate{Index: m.Index, Status: plan.MilestoneComplete, Review: review}, ""); err != nil {
		return err
	}
	res := TargetResult{Target: ledger.MilestoneTarget(m.Index).String(), Title: m.Title, Status: string(plan.MilestoneComplete)}
	if review != nil {
		res.Cycles = review.Cycles
	}
	sum.Completed = append(sum.Completed, res)
	o.log("info", "milestone complete", map[string]any{"milestone": m.Index})
	return nil
}

// runTask takes one task as far as it can go. It returns an error only for
// failures that stop the whole run.
func (o *Orchestrator) runTask(ctx context.Context, st *store.Store, t *plan.Task, sum *Summary) error {
	target := ledger.TaskTarget(t.ID)

	switch t.Status {
	case plan.TaskComplete:
		return nil
	case plan.TaskEscalated:
		v, err := o.settle(ctx, st, target, t.Title, t.Escalation, sum)
		if err != nil || v != verdictRetry {
			return err
		}
		return o.reviewTask(ctx, st, t, t.Evidence, t.CommitID, sum)
	case plan.TaskAwaitingReview:
		if o.config.Granularity.reviewsTasks() {
			return o.reviewTask(ctx, st, t, t.Evidence, t.CommitID, sum)
		}
	}

	if unmet := resolver.Unmet(st.Plan(), t); len(unmet) > 0 {
		ids := make([]string, len(unmet))
		for i, id := range unmet {
			ids[i] = id.String()
		}
		reason := "waiting on " + strings.Join(ids, ", ")
		if err := o.persistTask(st, store.TaskUpdate{ID: t.ID, Status: plan.TaskBlocked, BlockedReason: reason}, reason); err != nil {
			return err
		}
		o.taskBlocked(t, reason, sum)
		return nil
	}

	start := time.Now()
	o.emit(Event{Type: EventTaskStart, Target: target, Title: t.Title, Message: "dispatching task"})
	if err := o.persistTask(st, store.TaskUpdate{ID: t.ID, Status: plan.TaskDispatched}, ""); err != nil {
		return err
	}

	res, err := o.loop.Dispatch(ctx, reviewloop.TaskSpecFor(t))
	if err != nil {
		var blocked *reviewloop.TaskBlockedError
		if !errors.As(err, &blocked) {
			return err
		}
		reason := blocked.Error()
		if err := o.persistTask(st, store.TaskUpdate{ID: t.ID, Status: plan.TaskBlocked, BlockedReason: reason}, reason); err != nil {
			return err
		}
		o.taskBlocked(t, reason, sum)
		return nil
	}

	evidence := res.Evidence.Clone()
	if evidence == nil {
		evidence = &plan.Evidence{Summary: res.Summary}
		if evidence.Summary == "" {
			evidence.Summary = "worker reported the task implemented"
		}
	}

	if !o.config.Granularity.reviewsTasks() {
		update := store.TaskUpdate{ID: t.ID, Status: plan.TaskComplete, Evidence: evidence, CommitID: res.CommitID, CheckCriteria: true}
		if err := o.persistTask(st, update, ""); err != nil {
			return err
		}
		o.taskComplete(t, 0, time.Since(start), sum)
		return nil
	}

	update := store.TaskUpdate{ID: t.ID, Status: plan.TaskAwaitingReview, Evidence: evidence, CommitID: res.CommitID}
	if err := o.persistTask(st, update, ""); err != nil {
		return err
	}
	return o.reviewTask(ctx, st, t, evidence, res.CommitID, sum)
}

// reviewTask drives a dispatched task through review until it is complete
// or frozen by escalation.
func (o *Orchestrator) reviewTask(ctx context.Context, st *store.Store, t *plan.Task, evidence *plan.Evidence, commitID string, sum *Summary) error {
	target := ledger.TaskTarget(t.ID)
	start := time.Now()

	for {
		out, err := o.loop.Review(ctx, reviewloop.TaskTargetSpec(t), evidence, commitID)
		if err == nil {
			ev := out.Evidence
			if ev == nil {
				ev = evidence
			}
			update := store.TaskUpdate{
				ID:            t.ID,
				Status:        plan.TaskComplete,
				Evidence:      ev,
				CommitID:      out.CommitID,
				CheckCriteria: true,
				Review: &plan.ReviewOutcome{
					Cycles:     o.Ledger().Cycles(target),
					Clean:      true,
					ResolvedBy: "review",
					At:         time.Now(),
				},
			}
			if err := o.persistTask(st, update, ""); err != nil {
				return err
			}
			cycles := o.Ledger().Cycles(target)
			o.Ledger().Clear(target)
			o.taskComplete(t, cycles, time.Since(start), sum)
			return nil
		}

		var required *escalation.RequiredError
		if !errors.As(err, &required) {
			return err
		}

		update := store.TaskUpdate{
			ID:         t.ID,
			Status:     plan.TaskEscalated,
			Evidence:   out.Evidence,
			CommitID:   out.CommitID,
			Escalation: required.Report.ToPlan(),
		}
		if err := o.persistTask(st, update, required.Report.Reason); err != nil {
			return err
		}
		evidence, commitID = out.Evidence, out.CommitID

		v, err := o.decide(ctx, st, target, t.Title, required.Report, sum)
		if err != nil {
			return err
		}
		if v != verdictRetry {
			return nil
		}
	}
}

func (o *Orchestrator) taskComplete(t *plan.Task, cycles int, elapsed time.Duration, sum *Summary) {
	target := ledger.TaskTarget(t.ID)
	sum.Completed = append(sum.Completed, TargetResult{
		Target:   target.String(),
		Title:    t.Title,
		Status:   string(plan.TaskComplete),
		Cycles:   cycles,
		CommitID: t.CommitID,
	})
	o.log("info", "task complete", map[string]any{"task": t.ID.String(), "cycles": cycles, "commit": t.CommitID})
	o.emit(Event{Type: EventTaskEnd, Target: target, Title: t.Title, Status: string(plan.TaskComplete), Duration: elapsed})
}

func (o *Orchestrator) taskBlocked(t *plan.Task, reason string, sum *Summary) {
	target := ledger.TaskTarget(t.ID)
	sum.Blocked = append(sum.Blocked, TargetResult{
		Target: target.String(),
		Title:  t.Title,
		Status: string(plan.TaskBlocked),
		Reason: reason,
	})
	o.log("warn", "task blocked", map[string]any{"task": t.ID.String(), "reason": reason})
	o.emit(Event{Type: EventTaskEnd, Target: target, Title: t.Title, Status: string(plan.TaskBlocked), Error: reason})
}

func (o *Orchestrator) persistTask(st *store.Store, u store.TaskUpdate, detail string) error {
	if err := st.Persist(u); err != nil {
		return fmt.Errorf("persisting %s: %w", u, err)
	}
	o.journalStatus(ledger.TaskTarget(u.ID), string(u.Status), detail)
	return nil
}

func (o *Orchestrator) persistMilestone(st *store.Store, u store.MilestoneUpdate, detail string) error {
	if err := st.Persist(u); err != nil {
		return fmt.Errorf("persisting %s: %w", u, err)
	}
	o.journalStatus(ledger.MilestoneTarget(u.Index), string(u.Status), detail)
	return nil
}

// onLoopEvent journals loop transitions and re-emits them to observers.
func (o *Orchestrator) onLoopEvent(e reviewloop.Event) {
	switch e.Type {
	case reviewloop.EventCycle:
		o.journalErr("cycle", o.journalCall(func(j Journal) error {
			return j.RecordCycle(o.runID, e.Target, e.Cycle, e.Clean, e.Issues, e.Evidence)
		}))
		o.emit(Event{Type: EventCycle, Target: e.Target, Cycle: e.Cycle, Issues: e.Issues, Clean: e.Clean})
	case reviewloop.EventFix:
		if e.Fix != nil {
			fix := *e.Fix
			o.journalErr("fix", o.journalCall(func(j Journal) error {
				return j.RecordFix(o.runID, e.Target, fix)
			}))
		}
		o.emit(Event{Type: EventFix, Target: e.Target, Cycle: e.Cycle, Fix: e.Fix})
	case reviewloop.EventEscalated:
		o.journalErr("escalation", o.journalCall(func(j Journal) error {
			return j.RecordEscalation(o.runID, e.Report)
		}))
		o.emit(Event{Type: EventEscalation, Target: e.Target, Cycle: e.Cycle, Report: e.Report, Message: e.Report.Reason})
	}
}

func (o *Orchestrator) journalStatus(target ledger.Target, status, detail string) {
	o.journalErr("status", o.journalCall(func(j Journal) error {
		return j.RecordStatus(o.runID, target.String(), status, detail)
	}))
}

func (o *Orchestrator) journalCall(fn func(Journal) error) error {
	if o.journal == nil {
		return nil
	}
	return fn(o.journal)
}

// journalErr logs a journal failure. The plan file is authoritative, so the
// run carries on.
func (o *Orchestrator) journalErr(kind string, err error) {
	if err != nil {
		o.logger.WarnCtx("journal write failed", map[string]any{"kind": kind, "error": err})
	}
}
