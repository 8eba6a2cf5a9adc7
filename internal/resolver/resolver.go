// Package resolver orders a milestone's tasks so that every task follows the
// tasks it is blocked by.
package resolver

import (
	"fmt"
	"strings"

	"github.com/marcus/planrunner/internal/plan"
)

// CycleError reports a dependency cycle. Members lists every task of one
// cycle in declaration order.
type CycleError struct {
	Members []plan.TaskID
}

func (e *CycleError) Error() string {
	ids := make([]string, len(e.Members))
	for i, id := range e.Members {
		ids[i] = id.String()
	}
	return "dependency cycle: " + strings.Join(ids, " -> ")
}

// Order returns tasks in a valid execution order using Kahn's algorithm over
// blocked_by edges. Only edges between tasks in the given set constrain the
// order; edges to other tasks are prerequisites checked at dispatch time.
// Ready tasks are emitted in declaration order so the output is deterministic.
func Order(tasks []*plan.Task) ([]*plan.Task, error) {
	position := make(map[plan.TaskID]int, len(tasks))
	for i, t := range tasks {
		if _, dup := position[t.ID]; dup {
			return nil, fmt.Errorf("resolver: duplicate task %s", t.ID)
		}
		position[t.ID] = i
	}

	inDeg := make([]int, len(tasks))
	dependents := make([][]int, len(tasks))
	for i, t := range tasks {
		seen := make(map[plan.TaskID]bool, len(t.BlockedBy))
		for _, dep := range t.BlockedBy {
			j, ok := position[dep]
			if !ok || seen[dep] {
				continue
			}
			seen[dep] = true
			inDeg[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(tasks))
	ordered := make([]*plan.Task, 0, len(tasks))
	for len(ordered) < len(tasks) {
		// Lowest declaration index with no unmet dependency wins.
		next := -1
		for i := range tasks {
			if !done[i] && inDeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, &CycleError{Members: findCycle(tasks, position, done)}
		}
		done[next] = true
		ordered = append(ordered, tasks[next])
		for _, d := range dependents[next] {
			inDeg[d]--
		}
	}
	return ordered, nil
}

// findCycle walks blocked_by edges among the unprocessed tasks until a task
// repeats. Every unprocessed task has an unprocessed blocker, so the walk
// always closes a loop.
func findCycle(tasks []*plan.Task, position map[plan.TaskID]int, done []bool) []plan.TaskID {
	start := -1
	for i := range tasks {
		if !done[i] {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	visitedAt := make(map[int]int)
	var path []int
	cur := start
	for {
		if at, ok := visitedAt[cur]; ok {
			path = path[at:]
			break
		}
		visitedAt[cur] = len(path)
		path = append(path, cur)
		next := -1
		for _, dep := range tasks[cur].BlockedBy {
			if j, ok := position[dep]; ok && !done[j] {
				next = j
				break
			}
		}
		if next < 0 {
			return []plan.TaskID{tasks[cur].ID}
		}
		cur = next
	}

	inCycle := make(map[int]bool, len(path))
	for _, i := range path {
		inCycle[i] = true
	}
	members := make([]plan.TaskID, 0, len(path))
	for i := range tasks {
		if inCycle[i] {
			members = append(members, tasks[i].ID)
		}
	}
	return members
}

// Unmet returns the blockers of t that are not complete in p.
func Unmet(p *plan.Plan, t *plan.Task) []plan.TaskID {
	var unmet []plan.TaskID
	for _, dep := range t.BlockedBy {
		other := p.Task(dep)
		if other == nil || other.Status != plan.TaskComplete {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}
