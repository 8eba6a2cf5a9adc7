// Package ledger keeps per-target review history and tracks how many
// consecutive review cycles each logical issue has persisted for.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/marcus/planrunner/internal/plan"
)

// Severity classifies a review issue.
type Severity string

const (
	SeverityCritical  Severity = "critical"
	SeverityImportant Severity = "important"
	SeverityMinor     Severity = "minor"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityImportant, SeverityMinor:
		return true
	}
	return false
}

// Weight orders severities; higher is more severe.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityImportant:
		return 2
	case SeverityMinor:
		return 1
	default:
		return 0
	}
}

// ParseSeverity maps reviewer vocabulary onto the three severities. Unknown
// labels are treated as important so they are never silently dropped.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "blocker", "high":
		return SeverityCritical
	case "minor", "low", "nit", "suggestion":
		return SeverityMinor
	default:
		return SeverityImportant
	}
}

// Issue is one problem reported by a reviewer.
type Issue struct {
	Severity    Severity `json:"severity"`
	Location    string   `json:"location,omitempty"`
	Description string   `json:"description"`
	// Detail is free-form context that is not part of the fingerprint.
	Detail     string `json:"detail,omitempty"`
	FixApplied bool   `json:"fix_applied,omitempty"`
}

// Fingerprint derives a stable identity from severity, location and
// description so the same issue can be recognised across cycles.
func (i Issue) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", i.Severity, normalizeText(i.Location), normalizeText(i.Description))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (i Issue) String() string {
	if i.Location == "" {
		return fmt.Sprintf("[%s] %s", i.Severity, i.Description)
	}
	return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Location, i.Description)
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// SortBySeverity orders issues critical first, keeping report order within a
// severity.
func SortBySeverity(issues []Issue) []Issue {
	out := append([]Issue(nil), issues...)
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Severity.Weight() > out[b].Severity.Weight()
	})
	return out
}

// HasCritical reports whether any issue is critical.
func HasCritical(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// TargetKind distinguishes task-level from milestone-level review.
type TargetKind string

const (
	TargetTask      TargetKind = "task"
	TargetMilestone TargetKind = "milestone"
)

// Target is the unit a review cycle runs against.
type Target struct {
	Kind      TargetKind
	Milestone int
	Task      plan.TaskID
}

// TaskTarget returns the target for a task.
func TaskTarget(id plan.TaskID) Target {
	return Target{Kind: TargetTask, Milestone: id.Milestone, Task: id}
}

// MilestoneTarget returns the target for a milestone.
func MilestoneTarget(index int) Target {
	return Target{Kind: TargetMilestone, Milestone: index}
}

func (t Target) String() string {
	if t.Kind == TargetMilestone {
		return fmt.Sprintf("milestone %d", t.Milestone)
	}
	return fmt.Sprintf("task %s", t.Task)
}
