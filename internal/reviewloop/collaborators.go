package reviewloop

import (
	"context"
	"fmt"

	"github.com/marcus/planrunner/internal/ledger"
	"github.com/marcus/planrunner/internal/plan"
)

// TaskSpec is what a Worker is asked to implement.
type TaskSpec struct {
	ID                 plan.TaskID
	Title              string
	JobStory           string
	Description        string
	AcceptanceCriteria []string
	Type               plan.WorkType
}

// TargetSpec is what a Reviewer or Fixer works against: a single task, or a
// milestone with all of its tasks.
type TargetSpec struct {
	Target      ledger.Target
	Title       string
	Description string
	Tasks       []TaskSpec
	CommitIDs   []string
}

// Result is returned by a Worker or Fixer.
type Result struct {
	Summary  string
	CommitID string
	Evidence *plan.Evidence
}

// Review is returned by a Reviewer.
type Review struct {
	Issues   []ledger.Issue
	Evidence *plan.Evidence
}

// Worker implements a task and reports evidence plus the commit it made.
type Worker interface {
	Implement(ctx context.Context, task TaskSpec) (*Result, error)
}

// Reviewer inspects a target and reports structured issues. An empty issue
// list means clean.
type Reviewer interface {
	Review(ctx context.Context, target TargetSpec, evidence *plan.Evidence) (*Review, error)
}

// Fixer addresses every issue it is given.
type Fixer interface {
	Fix(ctx context.Context, target TargetSpec, issues []ledger.Issue) (*Result, error)
}

// TaskBlockedError reports a Worker that could not complete its task. The
// task stays blocked and the run continues.
type TaskBlockedError struct {
	Task   plan.TaskID
	Reason string
	Err    error
}

func (e *TaskBlockedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s blocked: %s: %v", e.Task, e.Reason, e.Err)
	}
	return fmt.Sprintf("task %s blocked: %s", e.Task, e.Reason)
}

func (e *TaskBlockedError) Unwrap() error {
	return e.Err
}

// TaskSpecFor builds the worker view of a plan task.
func TaskSpecFor(t *plan.Task) TaskSpec {
	spec := TaskSpec{
		ID:          t.ID,
		Title:       t.Title,
		JobStory:    t.JobStory,
		Description: t.Description,
		Type:        t.Type,
	}
	for _, c := range t.AcceptanceCriteria {
		spec.AcceptanceCriteria = append(spec.AcceptanceCriteria, c.Text)
	}
	return spec
}

// TaskTargetSpec builds the review view of a single task.
func TaskTargetSpec(t *plan.Task) TargetSpec {
	spec := TargetSpec{
		Target:      ledger.TaskTarget(t.ID),
		Title:       t.Title,
		Description: t.Description,
		Tasks:       []TaskSpec{TaskSpecFor(t)},
	}
	if t.CommitID != "" {
		spec.CommitIDs = []string{t.CommitID}
	}
	return spec
}

// MilestoneTargetSpec builds the review view of a whole milestone.
func MilestoneTargetSpec(m *plan.Milestone) TargetSpec {
	spec := TargetSpec{
		Target: ledger.MilestoneTarget(m.Index),
		Title:  m.Title,
	}
	for _, t := range m.Tasks {
		spec.Tasks = append(spec.Tasks, TaskSpecFor(t))
		if t.CommitID != "" {
			spec.CommitIDs = append(spec.CommitIDs, t.CommitID)
		}
	}
	return spec
}
