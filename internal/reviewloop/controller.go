// Package reviewloop drives one target through dispatch, review and fix
// cycles until it is clean or has to be escalated.
package reviewloop

import (
	"context"
	"errors"
	"time"

	"github.com/marcus/planrunner/internal/escalation"
	"github.com/marcus/planrunner/internal/ledger"
	"github.com/marcus/planrunner/internal/logging"
	"github.com/marcus/planrunner/internal/plan"
)

// DefaultAgentTimeout bounds each collaborator call.
const DefaultAgentTimeout = 30 * time.Minute

// State is the controller state for a target.
type State string

const (
	StateAwaitingDispatch State = "awaiting_dispatch"
	StateUnderReview      State = "under_review"
	StateFixing           State = "fixing"
	StateDone             State = "done"
	StateEscalated        State = "escalated"
)

// Issue reported in place of a review when the Reviewer itself fails.
const (
	ToolingLocation    = "verification"
	ToolingDescription = "missing verification tooling"
)

var errNoReview = errors.New("reviewer returned no result")

// ToolingIssue folds a Reviewer failure into a critical issue. The error text
// goes into Detail so the fingerprint stays the same across cycles.
func ToolingIssue(err error) ledger.Issue {
	issue := ledger.Issue{
		Severity:    ledger.SeverityCritical,
		Location:    ToolingLocation,
		Description: ToolingDescription,
	}
	if err != nil {
		issue.Detail = err.Error()
	}
	return issue
}

// Outcome is the result of driving a target through review.
type Outcome struct {
	Target   ledger.Target
	State    State
	Cycles   int // cycles run by this call
	Evidence *plan.Evidence
	CommitID string
	Report   *escalation.Report
}

// Controller runs the review-fix loop. One controller is shared by task and
// milestone targets; the ledger keys history by target.
type Controller struct {
	worker   Worker
	reviewer Reviewer
	fixer    Fixer
	ledger   *ledger.Ledger
	gate     *escalation.Gate
	timeout  time.Duration
	logger   *logging.Logger
	handler  EventHandler
}

// Option configures a Controller.
type Option func(*Controller)

// WithWorker sets the worker.
func WithWorker(w Worker) Option {
	return func(c *Controller) {
		c.worker = w
	}
}

// WithReviewer sets the reviewer.
func WithReviewer(r Reviewer) Option {
	return func(c *Controller) {
		c.reviewer = r
	}
}

// WithFixer sets the fixer.
func WithFixer(f Fixer) Option {
	return func(c *Controller) {
		c.fixer = f
	}
}

// WithLedger shares an issue ledger with the caller.
func WithLedger(l *ledger.Ledger) Option {
	return func(c *Controller) {
		c.ledger = l
	}
}

// WithGate sets the escalation gate.
func WithGate(g *escalation.Gate) Option {
	return func(c *Controller) {
		c.gate = g
	}
}

// WithAgentTimeout bounds each collaborator call.
func WithAgentTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithEventHandler registers a callback for loop events.
func WithEventHandler(h EventHandler) Option {
	return func(c *Controller) {
		c.handler = h
	}
}

// New creates a controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		timeout: DefaultAgentTimeout,
		logger:  logging.Component("reviewloop"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ledger == nil {
		c.ledger = ledger.New()
	}
	if c.gate == nil {
		c.gate = escalation.NewGate(0, 0)
	}
	return c
}

// Ledger returns the controller's issue ledger.
func (c *Controller) Ledger() *ledger.Ledger {
	return c.ledger
}

func (c *Controller) emit(e Event) {
	if c.handler != nil {
		e.Time = time.Now()
		c.handler(e)
	}
}

// callContext detaches a collaborator call from cancellation so an
// interrupted run never abandons a half-finished agent; the agent timeout
// still applies.
func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

// Dispatch hands a task to the Worker. Any Worker failure is returned as a
// *TaskBlockedError; it is never retried here.
func (c *Controller) Dispatch(ctx context.Context, task TaskSpec) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.worker == nil {
		return nil, &TaskBlockedError{Task: task.ID, Reason: "no worker configured"}
	}

	c.logger.InfoCtx("dispatching task", map[string]any{"task": task.ID.String(), "title": task.Title})

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	start := time.Now()
	res, err := c.worker.Implement(callCtx, task)
	if err != nil {
		var blocked *TaskBlockedError
		if !errors.As(err, &blocked) {
			blocked = &TaskBlockedError{Task: task.ID, Reason: "worker failed", Err: err}
		}
		c.logger.WarnCtx("task blocked", map[string]any{"task": task.ID.String(), "error": blocked.Error()})
		return nil, blocked
	}
	if res == nil {
		res = &Result{}
	}

	c.logger.InfoCtx("task implemented", map[string]any{
		"task":     task.ID.String(),
		"commit":   res.CommitID,
		"duration": time.Since(start).String(),
	})
	c.emit(Event{
		Type:   EventDispatched,
		Target: ledger.TaskTarget(task.ID),
		State:  StateUnderReview,
		Result: res,
	})
	return res, nil
}

// Review runs review-fix cycles on the target until a review comes back
// clean or the gate fires. Cycle numbers continue from the ledger's history
// for the target. Cancellation is checked only between cycles. When the gate
// fires the outcome carries the report and the error is an
// *escalation.RequiredError.
func (c *Controller) Review(ctx context.Context, spec TargetSpec, evidence *plan.Evidence, commitID string) (*Outcome, error) {
	out := &Outcome{
		Target:   spec.Target,
		State:    StateUnderReview,
		Evidence: evidence.Clone(),
		CommitID: commitID,
	}
	if c.reviewer == nil {
		return out, errors.New("reviewloop: no reviewer configured")
	}
	target := spec.Target

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		cycle := c.ledger.Cycles(target) + 1
		issues, reviewEvidence := c.review(ctx, spec, out.Evidence, cycle)
		if reviewEvidence != nil {
			out.Evidence = reviewEvidence
		}
		if err := c.ledger.Record(target, cycle, issues, out.Evidence); err != nil {
			return out, err
		}
		out.Cycles++

		latest, _ := c.ledger.Latest(target)
		clean := c.ledger.IsClean(target)
		c.emit(Event{
			Type:     EventCycle,
			Target:   target,
			State:    StateUnderReview,
			Cycle:    cycle,
			Issues:   latest.Issues,
			Evidence: out.Evidence,
			Clean:    clean,
		})

		if clean {
			out.State = StateDone
			c.logger.InfoCtx("review clean", map[string]any{"target": target.String(), "cycle": cycle})
			return out, nil
		}

		c.logger.InfoCtx("review found issues", map[string]any{
			"target":   target.String(),
			"cycle":    cycle,
			"issues":   len(latest.Issues),
			"critical": ledger.HasCritical(latest.Issues),
		})

		out.State = StateFixing
		fix, res := c.fix(ctx, spec, latest.Issues)
		if err := c.ledger.RecordFix(target, fix); err != nil {
			return out, err
		}
		if res != nil {
			if res.CommitID != "" {
				out.CommitID = res.CommitID
				spec.CommitIDs = append(spec.CommitIDs, res.CommitID)
			}
			if res.Evidence != nil {
				out.Evidence = res.Evidence.Clone()
			}
		}
		fix.Cycle = cycle
		c.emit(Event{
			Type:   EventFix,
			Target: target,
			State:  StateFixing,
			Cycle:  cycle,
			Fix:    &fix,
			Result: res,
		})

		if report := c.gate.Check(target, c.ledger); report != nil {
			out.State = StateEscalated
			out.Report = report
			c.logger.WarnCtx("escalation required", map[string]any{
				"target": target.String(),
				"cycles": report.Cycles,
				"reason": report.Reason,
			})
			c.emit(Event{
				Type:   EventEscalated,
				Target: target,
				State:  StateEscalated,
				Cycle:  cycle,
				Report: report,
			})
			return out, &escalation.RequiredError{Report: report}
		}
		out.State = StateUnderReview
	}
}

// review calls the Reviewer. A failing Reviewer yields the tooling issue
// instead of an error.
func (c *Controller) review(ctx context.Context, spec TargetSpec, evidence *plan.Evidence, cycle int) ([]ledger.Issue, *plan.Evidence) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	rv, err := c.reviewer.Review(callCtx, spec, evidence)
	if err != nil {
		c.logger.WarnCtx("reviewer failed", map[string]any{
			"target": spec.Target.String(),
			"cycle":  cycle,
			"error":  err.Error(),
		})
		return []ledger.Issue{ToolingIssue(err)}, nil
	}
	if rv == nil {
		c.logger.WarnCtx("reviewer returned no result", map[string]any{
			"target": spec.Target.String(),
			"cycle":  cycle,
		})
		return []ledger.Issue{ToolingIssue(errNoReview)}, nil
	}
	return rv.Issues, rv.Evidence.Clone()
}

// fix calls the Fixer with issues ordered critical first. A failure is
// recorded as a failed attempt and the loop carries on.
func (c *Controller) fix(ctx context.Context, spec TargetSpec, issues []ledger.Issue) (ledger.Fix, *Result) {
	ordered := ledger.SortBySeverity(issues)
	fix := ledger.Fix{Issues: len(ordered)}

	if c.fixer == nil {
		fix.Error = "no fixer configured"
		return fix, nil
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	res, err := c.fixer.Fix(callCtx, spec, ordered)
	if err != nil {
		fix.Error = err.Error()
		c.logger.WarnCtx("fixer failed", map[string]any{"target": spec.Target.String(), "error": err.Error()})
		return fix, nil
	}
	if res == nil {
		return fix, nil
	}
	fix.Summary = res.Summary
	fix.CommitID = res.CommitID
	return fix, res
}
