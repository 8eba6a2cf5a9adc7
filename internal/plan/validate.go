package plan

import (
	"fmt"
	"strings"
)

// MalformedPlanError reports structural defects in a persisted plan. It is
// fatal: a plan with any of these problems cannot be executed.
type MalformedPlanError struct {
	Problems []string
}

func (e *MalformedPlanError) Error() string {
	if len(e.Problems) == 1 {
		return "malformed plan: " + e.Problems[0]
	}
	return fmt.Sprintf("malformed plan: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate checks milestone sequencing, enum values, dependency references and
// the symmetry of blocked_by/blocks.
func Validate(p *Plan) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(p.Milestones) == 0 {
		add("plan has no milestones")
	}

	known := make(map[TaskID]*Task)
	for mi, m := range p.Milestones {
		if m == nil {
			add("milestone %d is empty", mi+1)
			continue
		}
		if m.Index != mi+1 {
			add("milestone at position %d has index %d", mi+1, m.Index)
		}
		if !m.Status.Valid() {
			add("milestone %d: unknown status %q", m.Index, m.Status)
		}
		if len(m.Tasks) == 0 {
			add("milestone %d has no tasks", m.Index)
		}
		for ti, t := range m.Tasks {
			if t == nil {
				add("milestone %d: task %d is empty", m.Index, ti+1)
				continue
			}
			known[t.ID] = t
			if !t.Type.Valid() {
				add("task %s: unknown type %q", t.ID, t.Type)
			}
			if !t.Status.Valid() {
				add("task %s: unknown status %q", t.ID, t.Status)
			}
			if t.Status == TaskComplete && t.Evidence == nil {
				add("task %s: complete without evidence", t.ID)
			}
			if t.Escalation != nil && !t.Escalation.Decision.Valid() {
				add("task %s: unknown decision %q", t.ID, t.Escalation.Decision)
			}
		}
	}

	for _, t := range p.Tasks() {
		if t == nil {
			continue
		}
		for _, dep := range t.BlockedBy {
			other, ok := known[dep]
			if !ok {
				add("task %s: blocked_by references unknown task %s", t.ID, dep)
				continue
			}
			if dep == t.ID {
				add("task %s: blocked by itself", t.ID)
			}
			if !containsID(other.Blocks, t.ID) {
				add("task %s: blocked_by %s but %s does not list it in blocks", t.ID, dep, dep)
			}
		}
		for _, dep := range t.Blocks {
			other, ok := known[dep]
			if !ok {
				add("task %s: blocks references unknown task %s", t.ID, dep)
				continue
			}
			if !containsID(other.BlockedBy, t.ID) {
				add("task %s: blocks %s but %s does not list it in blocked_by", t.ID, dep, dep)
			}
		}
		for _, dep := range t.BlockedBy {
			if dep.Milestone > t.ID.Milestone {
				add("task %s: blocked_by %s in a later milestone", t.ID, dep)
			}
		}
	}

	if len(problems) > 0 {
		return &MalformedPlanError{Problems: problems}
	}
	return nil
}

func containsID(ids []TaskID, id TaskID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
