// Package plan defines the milestone/task hierarchy executed by planrunner.
// The types here are the in-memory form of the persisted plan artifact; only
// the status-bearing fields are ever mutated during a run.
package plan

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TaskID identifies a task by its milestone and position within it.
type TaskID struct {
	Milestone int
	Index     int
}

// String renders the id as "M.T".
func (id TaskID) String() string {
	return fmt.Sprintf("%d.%d", id.Milestone, id.Index)
}

// IsZero reports whether the id is unset.
func (id TaskID) IsZero() bool {
	return id.Milestone == 0 && id.Index == 0
}

// ParseTaskID parses an "M.T" reference.
func ParseTaskID(s string) (TaskID, error) {
	s = strings.TrimSpace(s)
	left, right, ok := strings.Cut(s, ".")
	if !ok {
		return TaskID{}, fmt.Errorf("invalid task id %q: want M.T", s)
	}
	m, err := strconv.Atoi(left)
	if err != nil || m < 1 {
		return TaskID{}, fmt.Errorf("invalid task id %q: bad milestone", s)
	}
	t, err := strconv.Atoi(right)
	if err != nil || t < 1 {
		return TaskID{}, fmt.Errorf("invalid task id %q: bad task index", s)
	}
	return TaskID{Milestone: m, Index: t}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id TaskID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *TaskID) UnmarshalText(b []byte) error {
	parsed, err := ParseTaskID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// WorkType tags what kind of work a task is. Opaque to the core.
type WorkType string

const (
	WorkInfrastructure WorkType = "infrastructure"
	WorkFunctionality  WorkType = "functionality"
	WorkIntegration    WorkType = "integration"
)

// Valid reports whether t is a known work type.
func (t WorkType) Valid() bool {
	switch t {
	case WorkInfrastructure, WorkFunctionality, WorkIntegration:
		return true
	}
	return false
}

// TaskStatus is a task's position in its lifecycle.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskBlocked        TaskStatus = "blocked"
	TaskDispatched     TaskStatus = "dispatched"
	TaskAwaitingReview TaskStatus = "awaiting_review"
	TaskComplete       TaskStatus = "complete"
	TaskEscalated      TaskStatus = "escalated"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskBlocked, TaskDispatched, TaskAwaitingReview, TaskComplete, TaskEscalated:
		return true
	}
	return false
}

// Terminal reports whether no further work is dispatched for this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskComplete || s == TaskEscalated
}

// MilestoneStatus is a milestone's position in its lifecycle.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneReviewing  MilestoneStatus = "reviewing"
	MilestoneComplete   MilestoneStatus = "complete"
	MilestoneEscalated  MilestoneStatus = "escalated"
)

// Valid reports whether s is a known milestone status.
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestonePending, MilestoneInProgress, MilestoneReviewing, MilestoneComplete, MilestoneEscalated:
		return true
	}
	return false
}

// Plan is the full milestone hierarchy loaded from a plan artifact.
type Plan struct {
	Ref        string       `yaml:"-"`
	Title      string       `yaml:"title"`
	Milestones []*Milestone `yaml:"milestones"`
}

// Milestone is a demoable increment containing an ordered set of tasks.
type Milestone struct {
	Index      int             `yaml:"index"`
	Title      string          `yaml:"title"`
	Status     MilestoneStatus `yaml:"status,omitempty"`
	Tasks      []*Task         `yaml:"tasks"`
	Review     *ReviewOutcome  `yaml:"review,omitempty"`
	Escalation *Escalation     `yaml:"escalation,omitempty"`
}

// Criterion is one acceptance criterion and whether it has been checked off.
type Criterion struct {
	Text    string `yaml:"text"`
	Checked bool   `yaml:"checked,omitempty"`
}

// Task is the smallest dispatchable unit of work.
type Task struct {
	ID                 TaskID         `yaml:"-"`
	Title              string         `yaml:"title"`
	JobStory           string         `yaml:"job_story,omitempty"`
	Description        string         `yaml:"description,omitempty"`
	AcceptanceCriteria []Criterion    `yaml:"acceptance_criteria,omitempty"`
	Type               WorkType       `yaml:"type"`
	BlockedBy          []TaskID       `yaml:"blocked_by,omitempty"`
	Blocks             []TaskID       `yaml:"blocks,omitempty"`
	Status             TaskStatus     `yaml:"status,omitempty"`
	BlockedReason      string         `yaml:"blocked_reason,omitempty"`
	CommitID           string         `yaml:"commit_id,omitempty"`
	Evidence           *Evidence      `yaml:"evidence,omitempty"`
	Review             *ReviewOutcome `yaml:"review,omitempty"`
	Escalation         *Escalation    `yaml:"escalation,omitempty"`
}

// Evidence is opaque verification output produced by a collaborator.
type Evidence struct {
	Summary  string         `yaml:"summary,omitempty" json:"summary,omitempty"`
	Commands []CommandCheck `yaml:"commands,omitempty" json:"commands,omitempty"`
}

// CommandCheck records one verification command and whether it passed.
type CommandCheck struct {
	Name   string `yaml:"name" json:"name"`
	Passed bool   `yaml:"passed" json:"passed"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// Passed reports whether every recorded command passed.
func (e *Evidence) Passed() bool {
	if e == nil {
		return false
	}
	for _, c := range e.Commands {
		if !c.Passed {
			return false
		}
	}
	return true
}

// ReviewOutcome is the persisted result of a target's review loop.
type ReviewOutcome struct {
	Cycles     int       `yaml:"cycles"`
	Clean      bool      `yaml:"clean"`
	ResolvedBy string    `yaml:"resolved_by,omitempty"` // "review" or "human"
	At         time.Time `yaml:"at"`
}

// Decision is a human response to an escalation.
type Decision string

const (
	DecisionNone     Decision = ""
	DecisionOverride Decision = "override"
	DecisionResolve  Decision = "resolve"
	DecisionAbandon  Decision = "abandon"
	DecisionDefer    Decision = "defer"
)

// Valid reports whether d is a recognised decision, including none.
func (d Decision) Valid() bool {
	switch d {
	case DecisionNone, DecisionOverride, DecisionResolve, DecisionAbandon, DecisionDefer:
		return true
	}
	return false
}

// Escalation is the persisted form of an escalation report plus any decision
// a human has recorded against it.
type Escalation struct {
	Reason    string           `yaml:"reason"`
	Issues    []EscalatedIssue `yaml:"issues"`
	Attempts  []FixAttempt     `yaml:"attempts,omitempty"`
	Cycles    int              `yaml:"cycles"`
	CreatedAt time.Time        `yaml:"created_at"`
	Decision  Decision         `yaml:"decision,omitempty"`
	DecidedAt *time.Time       `yaml:"decided_at,omitempty"`
	Note      string           `yaml:"note,omitempty"`
}

// EscalatedIssue is an issue that persisted long enough to trigger escalation.
type EscalatedIssue struct {
	Fingerprint string `yaml:"fingerprint"`
	Severity    string `yaml:"severity"`
	Location    string `yaml:"location,omitempty"`
	Description string `yaml:"description"`
	Count       int    `yaml:"count"`
}

// FixAttempt summarises one fixer invocation.
type FixAttempt struct {
	Cycle    int    `yaml:"cycle"`
	Summary  string `yaml:"summary,omitempty"`
	CommitID string `yaml:"commit_id,omitempty"`
	Error    string `yaml:"error,omitempty"`
}

// Milestone returns the milestone with the given index.
func (p *Plan) Milestone(index int) *Milestone {
	for _, m := range p.Milestones {
		if m.Index == index {
			return m
		}
	}
	return nil
}

// Task returns the task with the given id.
func (p *Plan) Task(id TaskID) *Task {
	m := p.Milestone(id.Milestone)
	if m == nil {
		return nil
	}
	return m.Task(id.Index)
}

// Tasks returns every task in declaration order.
func (p *Plan) Tasks() []*Task {
	var out []*Task
	for _, m := range p.Milestones {
		out = append(out, m.Tasks...)
	}
	return out
}

// Complete reports whether every milestone is complete.
func (p *Plan) Complete() bool {
	for _, m := range p.Milestones {
		if m.Status != MilestoneComplete {
			return false
		}
	}
	return true
}

// Task returns the task at the 1-based index.
func (m *Milestone) Task(index int) *Task {
	if index < 1 || index > len(m.Tasks) {
		return nil
	}
	return m.Tasks[index-1]
}

// AllTasksComplete reports whether every contained task is complete.
func (m *Milestone) AllTasksComplete() bool {
	for _, t := range m.Tasks {
		if t.Status != TaskComplete {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the plan. Collaborators receive clones so they
// can never mutate orchestrator-owned state.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{Ref: p.Ref, Title: p.Title}
	for _, m := range p.Milestones {
		out.Milestones = append(out.Milestones, m.Clone())
	}
	return out
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	out := *m
	out.Tasks = make([]*Task, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		out.Tasks = append(out.Tasks, t.Clone())
	}
	out.Review = m.Review.clone()
	out.Escalation = m.Escalation.Clone()
	return &out
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.AcceptanceCriteria = append([]Criterion(nil), t.AcceptanceCriteria...)
	out.BlockedBy = append([]TaskID(nil), t.BlockedBy...)
	out.Blocks = append([]TaskID(nil), t.Blocks...)
	out.Evidence = t.Evidence.Clone()
	out.Review = t.Review.clone()
	out.Escalation = t.Escalation.Clone()
	return &out
}

// Clone returns a deep copy of the evidence.
func (e *Evidence) Clone() *Evidence {
	if e == nil {
		return nil
	}
	out := *e
	out.Commands = append([]CommandCheck(nil), e.Commands...)
	return &out
}

func (r *ReviewOutcome) clone() *ReviewOutcome {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// Clone returns a deep copy of the escalation.
func (e *Escalation) Clone() *Escalation {
	if e == nil {
		return nil
	}
	out := *e
	out.Issues = append([]EscalatedIssue(nil), e.Issues...)
	out.Attempts = append([]FixAttempt(nil), e.Attempts...)
	if e.DecidedAt != nil {
		at := *e.DecidedAt
		out.DecidedAt = &at
	}
	return &out
}
