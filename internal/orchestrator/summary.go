package orchestrator

import (
	"time"

	"github.com/marcus/planrunner/internal/plan"
)

// TargetResult describes where one task or milestone ended up in a run.
type TargetResult struct {
	Target     string           `json:"target"`
	Title      string           `json:"title"`
	Status     string           `json:"status"`
	Cycles     int              `json:"cycles,omitempty"`
	CommitID   string           `json:"commit_id,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Decision   plan.Decision    `json:"decision,omitempty"`
	Escalation *plan.Escalation `json:"escalation,omitempty"`
}

// Summary is the outcome of one orchestrator run.
type Summary struct {
	RunID        string         `json:"run_id,omitempty"`
	PlanRef      string         `json:"plan_ref"`
	PlanTitle    string         `json:"plan_title"`
	Granularity  Granularity    `json:"granularity"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at"`
	Completed    []TargetResult `json:"completed"`
	Blocked      []TargetResult `json:"blocked"`
	Escalated    []TargetResult `json:"escalated"`
	Decisions    []TargetResult `json:"decisions,omitempty"`
	Halted       bool           `json:"halted"`
	HaltReason   string         `json:"halt_reason,omitempty"`
	Interrupted  bool           `json:"interrupted"`
	PlanComplete bool           `json:"plan_complete"`
}

// Duration returns how long the run took.
func (s *Summary) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Status returns a one-word run status for the journal.
func (s *Summary) Status() string {
	switch {
	case s.Interrupted:
		return "interrupted"
	case s.PlanComplete:
		return "complete"
	default:
		return "halted"
	}
}

func (s *Summary) halt(reason string) {
	if s.Halted {
		return
	}
	s.Halted = true
	s.HaltReason = reason
}
