package reporting

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus/planrunner/internal/orchestrator"
	"github.com/marcus/planrunner/internal/plan"
)

func TestFromSummary(t *testing.T) {
	sum := &orchestrator.Summary{
		RunID:       "run-1",
		PlanRef:     "plan.yaml",
		PlanTitle:   "Checkout",
		Granularity: orchestrator.GranularityBoth,
		StartedAt:   time.Now().Add(-time.Minute),
		EndedAt:     time.Now(),
		Completed:   []orchestrator.TargetResult{{Target: "task 1.1", Title: "A", Status: "complete", Cycles: 1}},
		Escalated: []orchestrator.TargetResult{{
			Target:     "task 1.2",
			Status:     "escalated",
			Decision:   plan.DecisionDefer,
			Escalation: &plan.Escalation{Cycles: 3},
		}},
		Halted:     true,
		HaltReason: "milestone 1 has tasks that are not complete",
	}

	results := FromSummary(sum, nil)
	if results.Status != "halted" {
		t.Errorf("Status = %s, want halted", results.Status)
	}
	if results.Granularity != "both" {
		t.Errorf("Granularity = %s, want both", results.Granularity)
	}
	if len(results.Completed) != 1 || results.Completed[0].Cycles != 1 {
		t.Errorf("Completed = %+v", results.Completed)
	}
	if len(results.Escalated) != 1 || results.Escalated[0].Escalation.Cycles != 3 {
		t.Errorf("Escalated = %+v", results.Escalated)
	}
	if results.Blocked == nil {
		t.Error("Blocked should be an empty list, not nil")
	}
}

func TestFromSummaryWithError(t *testing.T) {
	failed := FromSummary(&orchestrator.Summary{}, errors.New("disk full"))
	if failed.Status != "failed" || failed.Error != "disk full" {
		t.Errorf("failed run = %s/%q", failed.Status, failed.Error)
	}

	interrupted := FromSummary(&orchestrator.Summary{Interrupted: true}, context.Canceled)
	if interrupted.Status != "interrupted" {
		t.Errorf("interrupted run status = %s", interrupted.Status)
	}

	if FromSummary(nil, nil) != nil {
		t.Error("nil summary should give nil results")
	}
}

func TestRunResultsPath(t *testing.T) {
	ts := time.Date(2026, 2, 10, 14, 30, 45, 0, time.UTC)
	path := RunResultsPath("/tmp/reports", ts)
	if path != "/tmp/reports/run-2026-02-10-143045.json" {
		t.Errorf("RunResultsPath = %s", path)
	}
}

func TestSaveAndLoadRunResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "run.json")
	want := sampleResults()

	if err := SaveRunResults(want, path); err != nil {
		t.Fatalf("SaveRunResults: %v", err)
	}
	got, err := LoadRunResults(path)
	if err != nil {
		t.Fatalf("LoadRunResults: %v", err)
	}
	if got.RunID != want.RunID || got.HaltReason != want.HaltReason {
		t.Errorf("loaded = %+v", got)
	}
	esc := got.Escalated[0].Escalation
	if esc == nil || len(esc.Attempts) != 3 || esc.Attempts[2].Error != "agent timed out" {
		t.Errorf("escalation did not survive a round trip: %+v", esc)
	}
}

func TestSaveRunResultsNil(t *testing.T) {
	if err := SaveRunResults(nil, filepath.Join(t.TempDir(), "x.json")); err == nil {
		t.Fatal("expected error for nil results")
	}
}

func TestLoadRunResultsErrors(t *testing.T) {
	if _, err := LoadRunResults(filepath.Join(t.TempDir(), "missing.json")); err == nil || !strings.Contains(err.Error(), "reading results") {
		t.Errorf("missing file err = %v", err)
	}
}
