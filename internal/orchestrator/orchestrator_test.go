package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus/planrunner/internal/db"
	"github.com/marcus/planrunner/internal/escalation"
	"github.com/marcus/planrunner/internal/ledger"
	"github.com/marcus/planrunner/internal/logging"
	"github.com/marcus/planrunner/internal/plan"
	"github.com/marcus/planrunner/internal/resolver"
	"github.com/marcus/planrunner/internal/reviewloop"
	"github.com/marcus/planrunner/internal/state"
	"github.com/marcus/planrunner/internal/store"
)

// fakeWorker implements every task it is given and records the order.
type fakeWorker struct {
	fail  map[plan.TaskID]error
	hook  func(task reviewloop.TaskSpec)
	calls []plan.TaskID
}

func (w *fakeWorker) Implement(_ context.Context, task reviewloop.TaskSpec) (*reviewloop.Result, error) {
	w.calls = append(w.calls, task.ID)
	if w.hook != nil {
		w.hook(task)
	}
	if err := w.fail[task.ID]; err != nil {
		return nil, err
	}
	return &reviewloop.Result{
		Summary:  "implemented " + task.Title,
		CommitID: "c" + task.ID.String(),
		Evidence: &plan.Evidence{
			Summary:  "implemented " + task.Title,
			Commands: []plan.CommandCheck{{Name: "go test ./...", Passed: true}},
		},
	}, nil
}

// fakeReviewer plays back per-target scripts of issues, then reports clean.
// A script entry of nil means a clean review.
type fakeReviewer struct {
	scripts map[string][][]ledger.Issue
	always  map[string][]ledger.Issue
	calls   map[string]int
}

func newFakeReviewer() *fakeReviewer {
	return &fakeReviewer{
		scripts: make(map[string][][]ledger.Issue),
		always:  make(map[string][]ledger.Issue),
		calls:   make(map[string]int),
	}
}

func (r *fakeReviewer) Review(_ context.Context, target reviewloop.TargetSpec, _ *plan.Evidence) (*reviewloop.Review, error) {
	key := target.Target.String()
	r.calls[key]++
	if issues, ok := r.always[key]; ok {
		return &reviewloop.Review{Issues: issues}, nil
	}
	script := r.scripts[key]
	n := r.calls[key]
	if n <= len(script) && script[n-1] != nil {
		return &reviewloop.Review{Issues: script[n-1]}, nil
	}
	return &reviewloop.Review{Evidence: &plan.Evidence{Summary: "review clean for " + key}}, nil
}

func (r *fakeReviewer) total() int {
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

// fakeFixer records every fix request per target.
type fakeFixer struct {
	calls map[string]int
}

func (f *fakeFixer) Fix(_ context.Context, target reviewloop.TargetSpec, issues []ledger.Issue) (*reviewloop.Result, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	key := target.Target.String()
	f.calls[key]++
	return &reviewloop.Result{
		Summary:  fmt.Sprintf("fixed %d issues", len(issues)),
		CommitID: fmt.Sprintf("fix-%s-%d", strings.ReplaceAll(key, " ", ""), f.calls[key]),
	}, nil
}

// scriptedDecider answers in order, then defers.
type scriptedDecider struct {
	answers []plan.Decision
	reports []*escalation.Report
}

func (d *scriptedDecider) Decide(_ context.Context, report *escalation.Report) (plan.Decision, error) {
	d.reports = append(d.reports, report)
	if len(d.reports) > len(d.answers) {
		return plan.DecisionDefer, nil
	}
	return d.answers[len(d.reports)-1], nil
}

const abPlan = `title: A then B
milestones:
  - title: Basics
    tasks:
      - title: A
        type: infrastructure
        blocks: [1.2]
        acceptance_criteria:
          - text: A works
      - title: B
        type: functionality
        blocked_by: [1.1]
`

const escalationPlan = `title: Escalation
milestones:
  - title: First
    tasks:
      - title: C
        type: functionality
        blocks: [1.3]
      - title: D
        type: functionality
      - title: E
        type: integration
        blocked_by: [1.1]
  - title: Second
    tasks:
      - title: F
        type: functionality
`

const fivePlan = `title: Five
milestones:
  - title: Only
    tasks:
      - title: T1
        type: infrastructure
      - title: T2
        type: functionality
      - title: T3
        type: functionality
      - title: T4
        type: functionality
        acceptance_criteria:
          - text: four works
      - title: T5
        type: integration
`

var (
	important = ledger.Issue{Severity: ledger.SeverityImportant, Location: "a.go:10", Description: "missing test for empty input"}
	stuck     = ledger.Issue{Severity: ledger.SeverityCritical, Location: "c.go:42", Description: "data race on counter"}
)

func id(m, i int) plan.TaskID {
	return plan.TaskID{Milestone: m, Index: i}
}

func openPlan(t *testing.T, content string) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open plan: %v", err)
	}
	return st
}

func newTestOrchestrator(w reviewloop.Worker, r reviewloop.Reviewer, f reviewloop.Fixer, opts ...Option) *Orchestrator {
	base := []Option{
		WithWorker(w),
		WithReviewer(r),
		WithFixer(f),
		WithLogger(logging.Nop()),
	}
	return New(append(base, opts...)...)
}

func TestParseGranularity(t *testing.T) {
	tests := []struct {
		in      string
		want    Granularity
		wantErr bool
	}{
		{"", GranularityPerTask, false},
		{"per_task", GranularityPerTask, false},
		{"PER_MILESTONE", GranularityPerMilestone, false},
		{" both ", GranularityBoth, false},
		{"batch", "", true},
	}
	for _, tt := range tests {
		got, err := ParseGranularity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseGranularity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseGranularity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRunEndToEnd(t *testing.T) {
	st := openPlan(t, abPlan)
	worker := &fakeWorker{}
	reviewer := newFakeReviewer()
	reviewer.scripts["task 1.1"] = [][]ledger.Issue{{important}}
	fixer := &fakeFixer{}

	var events []EventType
	o := newTestOrchestrator(worker, reviewer, fixer, WithEventHandler(func(e Event) {
		if e.Type != EventLog {
			events = append(events, e.Type)
		}
	}))

	sum, err := o.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fmt.Sprint(worker.calls); got != "[1.1 1.2]" {
		t.Errorf("dispatch order = %s, want [1.1 1.2]", got)
	}
	if reviewer.calls["task 1.1"] != 2 {
		t.Errorf("A reviews = %d, want 2", reviewer.calls["task 1.1"])
	}
	if reviewer.calls["task 1.2"] != 1 {
		t.Errorf("B reviews = %d, want 1", reviewer.calls["task 1.2"])
	}
	if fixer.calls["task 1.1"] != 1 {
		t.Errorf("A fixes = %d, want 1", fixer.calls["task 1.1"])
	}

	p := st.Plan()
	a := p.Task(id(1, 1))
	if a.Status != plan.TaskComplete {
		t.Fatalf("A status = %s, want complete", a.Status)
	}
	if a.Review == nil || a.Review.Cycles != 2 || !a.Review.Clean || a.Review.ResolvedBy != "review" {
		t.Errorf("A review = %+v, want 2 clean cycles", a.Review)
	}
	if a.CommitID != "fix-task1.1-1" {
		t.Errorf("A commit = %q, want the fix commit", a.CommitID)
	}
	if !a.AcceptanceCriteria[0].Checked {
		t.Error("A criteria not checked")
	}
	if a.Evidence == nil {
		t.Error("A has no evidence")
	}
	if b := p.Task(id(1, 2)); b.Status != plan.TaskComplete || b.CommitID != "c1.2" {
		t.Errorf("B = %s/%s, want complete/c1.2", b.Status, b.CommitID)
	}
	if m := p.Milestone(1); m.Status != plan.MilestoneComplete {
		t.Errorf("milestone status = %s, want complete", m.Status)
	}

	if !sum.PlanComplete || sum.Halted || sum.Interrupted {
		t.Errorf("summary = %+v, want a complete run", sum)
	}
	if len(sum.Completed) != 3 {
		t.Errorf("completed = %d, want 2 tasks and 1 milestone", len(sum.Completed))
	}
	if sum.Status() != "complete" {
		t.Errorf("Status() = %s, want complete", sum.Status())
	}

	// The file on disk matches the live plan.
	reloaded, err := store.Load(st.Path())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Complete() {
		t.Error("persisted plan is not complete")
	}

	if events[0] != EventRunStart || events[len(events)-1] != EventRunEnd {
		t.Errorf("events = %v, want run start ... run end", events)
	}
	if n := countEvents(events, EventTaskEnd); n != 2 {
		t.Errorf("task end events = %d, want 2", n)
	}
	if n := countEvents(events, EventCycle); n != 3 {
		t.Errorf("cycle events = %d, want 3", n)
	}
}

func TestRunEscalationScenario(t *testing.T) {
	st := openPlan(t, escalationPlan)
	worker := &fakeWorker{}
	reviewer := newFakeReviewer()
	reviewer.always["task 1.1"] = []ledger.Issue{stuck}
	fixer := &fakeFixer{}
	decider := &scriptedDecider{}

	o := newTestOrchestrator(worker, reviewer, fixer, WithDecider(decider))
	sum, err := o.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	p := st.Plan()
	c := p.Task(id(1, 1))
	if c.Status != plan.TaskEscalated {
		t.Fatalf("C status = %s, want escalated", c.Status)
	}
	if reviewer.calls["task 1.1"] != 3 {
		t.Errorf("C reviews = %d, want 3", reviewer.calls["task 1.1"])
	}
	if fixer.calls["task 1.1"] != 3 {
		t.Errorf("C fixes = %d, want 3", fixer.calls["task 1.1"])
	}
	if c.Escalation == nil || len(c.Escalation.Attempts) != 3 {
		t.Fatalf("C escalation = %+v, want 3 attempts", c.Escalation)
	}
	if c.Escalation.Issues[0].Count != 3 || c.Escalation.Issues[0].Location != "c.go:42" {
		t.Errorf("escalated issue = %+v", c.Escalation.Issues[0])
	}
	if c.Escalation.Decision != plan.DecisionNone {
		t.Errorf("deferred decision persisted as %q", c.Escalation.Decision)
	}
	if len(decider.reports) != 1 {
		t.Errorf("decider asked %d times, want 1", len(decider.reports))
	}

	if d := p.Task(id(1, 2)); d.Status != plan.TaskComplete {
		t.Errorf("sibling D = %s, want complete", d.Status)
	}
	e := p.Task(id(1, 3))
	if e.Status != plan.TaskBlocked || e.BlockedReason != "waiting on 1.1" {
		t.Errorf("dependent E = %s (%q), want blocked waiting on 1.1", e.Status, e.BlockedReason)
	}
	if m := p.Milestone(1); m.Status == plan.MilestoneComplete {
		t.Error("milestone 1 completed with an escalated task")
	}
	if m := p.Milestone(2); m.Status != plan.MilestonePending {
		t.Errorf("milestone 2 = %s, want untouched", m.Status)
	}
	for _, called := range worker.calls {
		if called == id(2, 1) {
			t.Error("run advanced into milestone 2")
		}
	}

	if !sum.Halted || sum.PlanComplete {
		t.Errorf("summary halted=%v complete=%v, want halted", sum.Halted, sum.PlanComplete)
	}
	if len(sum.Escalated) != 1 || len(sum.Escalated[0].Escalation.Attempts) != 3 {
		t.Errorf("escalated = %+v", sum.Escalated)
	}
	if len(sum.Blocked) != 1 || sum.Blocked[0].Target != "task 1.3" {
		t.Errorf("blocked = %+v", sum.Blocked)
	}
}

func TestRunWorkerFailureBlocksTask(t *testing.T) {
	st := openPlan(t, escalationPlan)
	worker := &fakeWorker{fail: map[plan.TaskID]error{id(1, 1): errors.New("sandbox credentials missing")}}
	reviewer := newFakeReviewer()

	o := newTestOrchestrator(worker, reviewer, &fakeFixer{})
	sum, err := o.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	p := st.Plan()
	c := p.Task(id(1, 1))
	if c.Status != plan.TaskBlocked || !strings.Contains(c.BlockedReason, "sandbox credentials missing") {
		t.Errorf("C = %s (%q), want blocked with the worker error", c.Status, c.BlockedReason)
	}
	if p.Task(id(1, 2)).Status != plan.TaskComplete {
		t.Error("independent task D did not complete")
	}
	if p.Task(id(1, 3)).Status != plan.TaskBlocked {
		t.Error("dependent task E is not blocked")
	}
	if len(sum.Blocked) != 2 {
		t.Errorf("blocked = %d, want 2", len(sum.Blocked))
	}
	if !sum.Halted {
		t.Error("run did not halt on an incomplete milestone")
	}
}

func TestRunCycleErrorAborts(t *testing.T) {
	st := openPlan(t, `title: Loop
milestones:
  - title: Tangled
    tasks:
      - title: X
        type: functionality
        blocked_by: [1.2]
        blocks: [1.2]
      - title: Y
        type: functionality
        blocked_by: [1.1]
        blocks: [1.1]
`)
	worker := &fakeWorker{}
	o := newTestOrchestrator(worker, newFakeReviewer(), &fakeFixer{})

	_, err := o.Run(context.Background(), st)
	var cycleErr *resolver.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("err = %v, want CycleError", err)
	}
	if len(worker.calls) != 0 {
		t.Errorf("worker called %d times on a cyclic plan", len(worker.calls))
	}
}

func TestRunPerMilestoneGranularity(t *testing.T) {
	st := openPlan(t, abPlan)
	worker := &fakeWorker{}
	reviewer := newFakeReviewer()
	reviewer.scripts["milestone 1"] = [][]ledger.Issue{{important}}
	fixer := &fakeFixer{}

	o := newTestOrchestrator(worker, reviewer, fixer, WithConfig(Config{Granularity: GranularityPerMilestone}))
	sum, err := o.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if reviewer.calls["task 1.1"] != 0 || reviewer.calls["task 1.2"] != 0 {
		t.Errorf("tasks reviewed under per_milestone: %v", reviewer.calls)
	}
	if reviewer.calls["milestone 1"] != 2 {
		t.Errorf("milestone reviews = %d, want 2", reviewer.calls["milestone 1"])
	}
	if fixer.calls["milestone 1"] != 1 {
		t.Errorf("milestone fixes = %d, want 1", fixer.calls["milestone 1"])
	}
	m := st.Plan().Milestone(1)
	if m.Status != plan.MilestoneComplete || m.Review == nil || m.Review.Cycles != 2 {
		t.Errorf("milestone = %s review %+v, want complete after 2 cycles", m.Status, m.Review)
	}
	if a := st.Plan().Task(id(1, 1)); a.Review != nil || a.Status != plan.TaskComplete {
		t.Errorf("task A = %s review %+v, want complete without a task review", a.Status, a.Review)
	}
	if !sum.PlanComplete {
		t.Error("plan not complete")
	}
}

func TestRunBothGranularity(t *testing.T) {
	st := openPlan(t, abPlan)
	reviewer := newFakeReviewer()

	o := newTestOrchestrator(&fakeWorker{}, reviewer, &fakeFixer{}, WithConfig(Config{Granularity: GranularityBoth}))
	if _, err := o.Run(context.Background(), st); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reviewer.total() != 3 {
		t.Errorf("reviews = %v, want two tasks and one milestone", reviewer.calls)
	}
	if m := st.Plan().Milestone(1); m.Review == nil || m.Review.ResolvedBy != "review" {
		t.Errorf("milestone review = %+v", m.Review)
	}
}

func TestRunMilestoneEscalationHalts(t *testing.T) {
	st := openPlan(t, escalationPlan)
	reviewer := newFakeReviewer()
	reviewer.always["milestone 1"] = []ledger.Issue{stuck}

	o := newTestOrchestrator(&fakeWorker{}, reviewer, &fakeFixer{}, WithConfig(Config{Granularity: GranularityPerMilestone}))
	sum, err := o.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	m := st.Plan().Milestone(1)
	if m.Status != plan.MilestoneEscalated || m.Escalation == nil {
		t.Fatalf("milestone = %s, want escalated", m.Status)
	}
	if !m.AllTasksComplete() {
		t.Error("tasks should be complete under per_milestone")
	}
	if st.Plan().Milestone(2).Status != plan.MilestonePending {
		t.Error("run advanced past an escalated milestone")
	}
	if !sum.Halted || sum.HaltReason != "milestone 1 is escalated" {
		t.Errorf("halt = %v %q", sum.Halted, sum.HaltReason)
	}
}

func TestRunOverrideContinuesReview(t *testing.T) {
	st := openPlan(t, abPlan)
	reviewer := newFakeReviewer()
	reviewer.scripts["task 1.1"] = [][]ledger.Issue{{stuck}, {stuck}, {stuck}}
	decider := &scriptedDecider{answers: []plan.Decision{plan.DecisionOverride}}

	o := newTestOrchestrator(&fakeWorker{}, reviewer, &fakeFixer{}, WithDecider(decider))
	sum, err := o.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	a := st.Plan().Task(id(1, 1))
	if a.Status != plan.TaskComplete {
		t.Fatalf("A = %s, want complete after override", a.Status)
	}
	if a.Review.Cycles != 4 {
		t.Errorf("A cycles = %d, want 4 (numbering continues after override)", a.Review.Cycles)
	}
	if a.Escalation == nil || a.Escalation.Decision != plan.DecisionOverride {
		t.Errorf("A escalation = %+v, want override recorded", a.Escalation)
	}
	if !sum.PlanComplete || len(sum.Decisions) != 1 {
		t.Errorf("complete=%v decisions=%d", sum.PlanComplete, len(sum.Decisions))
	}
}

func TestRunResolveDecision(t *testing.T) {
	st := openPlan(t, abPlan)
	reviewer := newFakeReviewer()
	reviewer.always["task 1.1"] = []ledger.Issue{stuck}
	decider := &scriptedDecider{answers: []plan.Decision{plan.DecisionResolve}}

	o := newTestOrchestrator(&fakeWorker{}, reviewer, &fakeFixer{}, WithDecider(decider))
	sum, err := o.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	a := st.Plan().Task(id(1, 1))
	if a.Status != plan.TaskComplete || a.Review.ResolvedBy != "human" || a.Review.Clean {
		t.Errorf("A = %s review %+v, want complete resolved by human", a.Status, a.Review)
	}
	if st.Plan().Task(id(1, 2)).Status != plan.TaskComplete {
		t.Error("B did not run after A was resolved")
	}
	if !sum.PlanComplete {
		t.Error("plan not complete")
	}
}

func TestRunAbandonHaltsRun(t *testing.T) {
	st := openPlan(t, escalationPlan)
	worker := &fakeWorker{}
	reviewer := newFakeReviewer()
	reviewer.always["task 1.1"] = []ledger.Issue{stuck}
	decider := &scriptedDecider{answers: []plan.Decision{plan.DecisionAbandon}}

	o := newTestOrchestrator(worker, reviewer, &fakeFixer{}, WithDecider(decider))
	sum, err := o.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(worker.calls) != 1 {
		t.Errorf("dispatched %v, want only C", worker.calls)
	}
	m := st.Plan().Milestone(1)
	if m.Status != plan.MilestoneEscalated || m.Escalation.Decision != plan.DecisionAbandon {
		t.Errorf("milestone = %s %+v, want escalated and abandoned", m.Status, m.Escalation)
	}
	if !sum.Halted || sum.HaltReason != "task 1.1 abandoned" {
		t.Errorf("halt = %v %q", sum.Halted, sum.HaltReason)
	}

	// A later run stops at the abandoned milestone without dispatching.
	again := &fakeWorker{}
	o2 := newTestOrchestrator(again, reviewer, &fakeFixer{})
	sum2, err := o2.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(again.calls) != 0 || !sum2.Halted {
		t.Errorf("second run dispatched %v halted=%v", again.calls, sum2.Halted)
	}
}

func TestRecordedDecisionAppliedOnResume(t *testing.T) {
	st := openPlan(t, escalationPlan)
	reviewer := newFakeReviewer()
	reviewer.always["task 1.1"] = []ledger.Issue{stuck}

	o := newTestOrchestrator(&fakeWorker{}, reviewer, &fakeFixer{})
	if _, err := o.Run(context.Background(), st); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// A human records a decision against the file between runs.
	offline, err := store.Open(st.Path())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := offline.Persist(store.DecisionUpdate{Task: id(1, 1), Decision: plan.DecisionResolve, Note: "flaky detector"}); err != nil {
		t.Fatalf("record decision: %v", err)
	}

	resumed, err := store.Resume(st.Path())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	worker := &fakeWorker{}
	sum, err := newTestOrchestrator(worker, newFakeReviewer(), &fakeFixer{}).Run(context.Background(), resumed)
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}

	p := resumed.Plan()
	if p.Task(id(1, 1)).Status != plan.TaskComplete {
		t.Errorf("C = %s, want complete after recorded resolve", p.Task(id(1, 1)).Status)
	}
	if got := fmt.Sprint(worker.calls); got != "[1.3 2.1]" {
		t.Errorf("resumed dispatches = %s, want [1.3 2.1]", got)
	}
	if !sum.PlanComplete {
		t.Error("plan not complete after resume")
	}
}

func TestResumeRedispatchesOnlyInterruptedTask(t *testing.T) {
	// Uninterrupted baseline.
	baseline := openPlan(t, fivePlan)
	if _, err := newTestOrchestrator(&fakeWorker{}, newFakeReviewer(), &fakeFixer{}).Run(context.Background(), baseline); err != nil {
		t.Fatalf("baseline Run: %v", err)
	}

	// Interrupted while task 4 is between dispatch and review.
	st := openPlan(t, fivePlan)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := &fakeWorker{hook: func(task reviewloop.TaskSpec) {
		if task.ID == id(1, 4) {
			cancel()
		}
	}}
	sum, err := newTestOrchestrator(first, newFakeReviewer(), &fakeFixer{}).Run(ctx, st)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !sum.Interrupted || sum.Status() != "interrupted" {
		t.Errorf("summary interrupted = %v", sum.Interrupted)
	}

	resumed, err := store.Resume(st.Path())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s := resumed.Plan().Task(id(1, 4)).Status; s != plan.TaskPending {
		t.Errorf("task 4 after resume = %s, want pending", s)
	}
	second := &fakeWorker{}
	if _, err := newTestOrchestrator(second, newFakeReviewer(), &fakeFixer{}).Run(context.Background(), resumed); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if got := fmt.Sprint(second.calls); got != "[1.4 1.5]" {
		t.Errorf("resumed dispatches = %s, want [1.4 1.5]", got)
	}

	want, got := baseline.Plan(), resumed.Plan()
	for _, wt := range want.Tasks() {
		gt := got.Task(wt.ID)
		if gt.Status != wt.Status || gt.CommitID != wt.CommitID {
			t.Errorf("task %s = %s/%s, want %s/%s", wt.ID, gt.Status, gt.CommitID, wt.Status, wt.CommitID)
		}
		if gt.Evidence.Summary != wt.Evidence.Summary {
			t.Errorf("task %s evidence = %q, want %q", wt.ID, gt.Evidence.Summary, wt.Evidence.Summary)
		}
		if gt.Review.Cycles != wt.Review.Cycles {
			t.Errorf("task %s cycles = %d, want %d", wt.ID, gt.Review.Cycles, wt.Review.Cycles)
		}
		for i := range wt.AcceptanceCriteria {
			if gt.AcceptanceCriteria[i].Checked != wt.AcceptanceCriteria[i].Checked {
				t.Errorf("task %s criterion %d checked mismatch", wt.ID, i)
			}
		}
	}
	if got.Milestone(1).Status != want.Milestone(1).Status {
		t.Errorf("milestone = %s, want %s", got.Milestone(1).Status, want.Milestone(1).Status)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	st := openPlan(t, abPlan)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	worker := &fakeWorker{}
	sum, err := newTestOrchestrator(worker, newFakeReviewer(), &fakeFixer{}).Run(ctx, st)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !sum.Interrupted || len(worker.calls) != 0 {
		t.Errorf("interrupted=%v calls=%v", sum.Interrupted, worker.calls)
	}
}

func TestRunWritesJournal(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "planrunner.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = database.Close() }()
	journal, err := state.New(database)
	if err != nil {
		t.Fatalf("state: %v", err)
	}

	st := openPlan(t, escalationPlan)
	runID, err := journal.StartRun(st.Path(), "run", string(GranularityPerTask))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	reviewer := newFakeReviewer()
	reviewer.always["task 1.1"] = []ledger.Issue{stuck}
	o := newTestOrchestrator(&fakeWorker{}, reviewer, &fakeFixer{}, WithJournal(journal, runID))
	sum, err := o.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.RunID != runID {
		t.Errorf("summary run id = %q, want %q", sum.RunID, runID)
	}

	cycles, _ := journal.Cycles(runID)
	if len(cycles) != 4 {
		t.Errorf("journaled cycles = %d, want 3 for C and 1 for D", len(cycles))
	}
	fixes, _ := journal.Fixes(runID)
	if len(fixes) != 3 {
		t.Errorf("journaled fixes = %d, want 3", len(fixes))
	}
	escs, _ := journal.Escalations(runID)
	if len(escs) != 1 || escs[0].Target != "task 1.1" {
		t.Errorf("journaled escalations = %+v", escs)
	}
	decisions, _ := journal.Decisions(st.Path(), "task 1.1")
	if len(decisions) != 1 || decisions[0].Decision != plan.DecisionDefer || decisions[0].Source != SourceRun {
		t.Errorf("journaled decisions = %+v", decisions)
	}
	changes, _ := journal.StatusChanges(runID)
	if len(changes) == 0 {
		t.Error("no status changes journaled")
	}
}

func countEvents(events []EventType, want EventType) int {
	n := 0
	for _, e := range events {
		if e == want {
			n++
		}
	}
	return n
}
