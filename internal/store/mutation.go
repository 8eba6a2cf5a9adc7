package store

import (
	"fmt"
	"time"

	"github.com/marcus/planrunner/internal/plan"
)

// Mutation is one change to a plan.
type Mutation interface {
	Apply(p *plan.Plan) error
	String() string
}

// TaskUpdate changes a task's status and attaches whatever the transition
// produced.
type TaskUpdate struct {
	ID              plan.TaskID
	Status          plan.TaskStatus
	BlockedReason   string
	Evidence        *plan.Evidence
	CommitID        string
	CheckCriteria   bool
	Review          *plan.ReviewOutcome
	Escalation      *plan.Escalation
	ClearEscalation bool
}

// Apply implements Mutation.
func (u TaskUpdate) Apply(p *plan.Plan) error {
	t := p.Task(u.ID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, u.ID)
	}
	if !u.Status.Valid() {
		return fmt.Errorf("task %s: invalid status %q", u.ID, u.Status)
	}
	if u.Status == plan.TaskComplete && u.Evidence == nil && t.Evidence == nil {
		return fmt.Errorf("task %s: %w", u.ID, ErrEvidenceRequired)
	}

	t.Status = u.Status
	t.BlockedReason = ""
	if u.Status == plan.TaskBlocked {
		t.BlockedReason = u.BlockedReason
	}
	if u.Evidence != nil {
		t.Evidence = u.Evidence.Clone()
	}
	if u.CommitID != "" {
		t.CommitID = u.CommitID
	}
	if u.CheckCriteria {
		for i := range t.AcceptanceCriteria {
			t.AcceptanceCriteria[i].Checked = true
		}
	}
	if u.Review != nil {
		r := *u.Review
		t.Review = &r
	}
	if u.ClearEscalation {
		t.Escalation = nil
	}
	if u.Escalation != nil {
		t.Escalation = u.Escalation.Clone()
	}
	return nil
}

func (u TaskUpdate) String() string {
	return fmt.Sprintf("task %s -> %s", u.ID, u.Status)
}

// MilestoneUpdate changes a milestone's status.
type MilestoneUpdate struct {
	Index           int
	Status          plan.MilestoneStatus
	Review          *plan.ReviewOutcome
	Escalation      *plan.Escalation
	ClearEscalation bool
}

// Apply implements Mutation.
func (u MilestoneUpdate) Apply(p *plan.Plan) error {
	m := p.Milestone(u.Index)
	if m == nil {
		return fmt.Errorf("%w: %d", ErrUnknownMilestone, u.Index)
	}
	if !u.Status.Valid() {
		return fmt.Errorf("milestone %d: invalid status %q", u.Index, u.Status)
	}
	if u.Status == plan.MilestoneComplete && !m.AllTasksComplete() {
		return fmt.Errorf("milestone %d: %w", u.Index, ErrMilestoneIncomplete)
	}

	m.Status = u.Status
	if u.Review != nil {
		r := *u.Review
		m.Review = &r
	}
	if u.ClearEscalation {
		m.Escalation = nil
	}
	if u.Escalation != nil {
		m.Escalation = u.Escalation.Clone()
	}
	return nil
}

func (u MilestoneUpdate) String() string {
	return fmt.Sprintf("milestone %d -> %s", u.Index, u.Status)
}

// DecisionUpdate records a human decision on an escalated task or, when Task
// is zero, on an escalated milestone.
type DecisionUpdate struct {
	Milestone int
	Task      plan.TaskID
	Decision  plan.Decision
	Note      string
	At        time.Time
}

// Apply implements Mutation.
func (u DecisionUpdate) Apply(p *plan.Plan) error {
	if !u.Decision.Valid() || u.Decision == "" {
		return fmt.Errorf("invalid decision %q", u.Decision)
	}

	var esc *plan.Escalation
	if u.Task.IsZero() {
		m := p.Milestone(u.Milestone)
		if m == nil {
			return fmt.Errorf("%w: %d", ErrUnknownMilestone, u.Milestone)
		}
		if m.Status != plan.MilestoneEscalated || m.Escalation == nil {
			return fmt.Errorf("milestone %d: %w", u.Milestone, ErrNotEscalated)
		}
		esc = m.Escalation
	} else {
		t := p.Task(u.Task)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrUnknownTask, u.Task)
		}
		if t.Status != plan.TaskEscalated || t.Escalation == nil {
			return fmt.Errorf("task %s: %w", u.Task, ErrNotEscalated)
		}
		esc = t.Escalation
	}

	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	esc.Decision = u.Decision
	esc.DecidedAt = &at
	esc.Note = u.Note
	return nil
}

func (u DecisionUpdate) String() string {
	if u.Task.IsZero() {
		return fmt.Sprintf("milestone %d decision %s", u.Milestone, u.Decision)
	}
	return fmt.Sprintf("task %s decision %s", u.Task, u.Decision)
}
