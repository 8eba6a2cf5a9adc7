package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus/planrunner/internal/config"
	"github.com/marcus/planrunner/internal/orchestrator"
	"github.com/marcus/planrunner/internal/plan"
)

// TargetResult is one task or milestone as it stood at the end of a run.
type TargetResult struct {
	Target     string           `json:"target"`
	Title      string           `json:"title"`
	Status     string           `json:"status"` // complete, blocked, escalated
	Cycles     int              `json:"cycles,omitempty"`
	CommitID   string           `json:"commit_id,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Decision   plan.Decision    `json:"decision,omitempty"`
	Escalation *plan.Escalation `json:"escalation,omitempty"`
}

// RunResults holds everything a report needs about one run.
type RunResults struct {
	RunID       string         `json:"run_id,omitempty"`
	PlanRef     string         `json:"plan_ref"`
	PlanTitle   string         `json:"plan_title"`
	Granularity string         `json:"granularity"`
	Status      string         `json:"status"` // complete, halted, interrupted
	HaltReason  string         `json:"halt_reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	Completed   []TargetResult `json:"completed"`
	Blocked     []TargetResult `json:"blocked"`
	Escalated   []TargetResult `json:"escalated"`
	Decisions   []TargetResult `json:"decisions,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
}

// FromSummary converts an orchestrator summary. runErr is the error Run
// returned, if any.
func FromSummary(sum *orchestrator.Summary, runErr error) *RunResults {
	if sum == nil {
		return nil
	}
	results := &RunResults{
		RunID:       sum.RunID,
		PlanRef:     sum.PlanRef,
		PlanTitle:   sum.PlanTitle,
		Granularity: string(sum.Granularity),
		Status:      sum.Status(),
		HaltReason:  sum.HaltReason,
		Completed:   convertTargets(sum.Completed),
		Blocked:     convertTargets(sum.Blocked),
		Escalated:   convertTargets(sum.Escalated),
		Decisions:   convertTargets(sum.Decisions),
		StartTime:   sum.StartedAt,
		EndTime:     sum.EndedAt,
	}
	if runErr != nil {
		results.Error = runErr.Error()
		if !sum.Interrupted {
			results.Status = "failed"
		}
	}
	return results
}

func convertTargets(in []orchestrator.TargetResult) []TargetResult {
	out := make([]TargetResult, 0, len(in))
	for _, t := range in {
		out = append(out, TargetResult{
			Target:     t.Target,
			Title:      t.Title,
			Status:     t.Status,
			Cycles:     t.Cycles,
			CommitID:   t.CommitID,
			Reason:     t.Reason,
			Decision:   t.Decision,
			Escalation: t.Escalation,
		})
	}
	return out
}

// DefaultReportsDir returns the default directory for run reports.
func DefaultReportsDir() string {
	return filepath.Join(config.DataDir(), "reports")
}

// RunResultsPath returns the path for a run results JSON file in dir.
func RunResultsPath(dir string, ts time.Time) string {
	if dir == "" {
		dir = DefaultReportsDir()
	}
	return filepath.Join(expandPath(dir), fmt.Sprintf("run-%s.json", ts.Format("2006-01-02-150405")))
}

// SaveRunResults writes structured run results to disk as JSON.
func SaveRunResults(results *RunResults, path string) error {
	if results == nil {
		return fmt.Errorf("results cannot be nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating results dir: %w", err)
	}
	payload, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	return nil
}

// LoadRunResults reads structured run results from disk.
func LoadRunResults(path string) (*RunResults, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}
	var results RunResults
	if err := json.Unmarshal(payload, &results); err != nil {
		return nil, fmt.Errorf("decoding results: %w", err)
	}
	return &results, nil
}
