package resolver

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/marcus/planrunner/internal/plan"
)

func id(m, t int) plan.TaskID { return plan.TaskID{Milestone: m, Index: t} }

// newTasks builds milestone-1 tasks with the given blocked_by lists
// (1-based indexes into the same milestone).
func newTasks(deps ...[]int) []*plan.Task {
	tasks := make([]*plan.Task, len(deps))
	for i, ds := range deps {
		t := &plan.Task{ID: id(1, i+1), Type: plan.WorkFunctionality}
		for _, d := range ds {
			t.BlockedBy = append(t.BlockedBy, id(1, d))
		}
		tasks[i] = t
	}
	return tasks
}

func ids(tasks []*plan.Task) []plan.TaskID {
	out := make([]plan.TaskID, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestOrderDeclarationTieBreak(t *testing.T) {
	// 1 and 3 are free; 2 depends on 3; 4 depends on 1 and 2.
	tasks := newTasks(nil, []int{3}, nil, []int{1, 2})

	got, err := Order(tasks)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	want := []plan.TaskID{id(1, 1), id(1, 3), id(1, 2), id(1, 4)}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("order = %v, want %v", ids(got), want)
		}
	}
}

func TestOrderIgnoresExternalEdges(t *testing.T) {
	tasks := newTasks(nil)
	tasks[0].BlockedBy = []plan.TaskID{id(0, 7)}

	got, err := Order(tasks)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestOrderCycle(t *testing.T) {
	// 1 free, 2 -> 4 -> 3 -> 2 cycle, 5 depends on the cycle.
	tasks := newTasks(nil, []int{4}, []int{2}, []int{3}, []int{3})

	_, err := Order(tasks)
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("error = %v, want CycleError", err)
	}
	want := []plan.TaskID{id(1, 2), id(1, 3), id(1, 4)}
	if len(cycle.Members) != len(want) {
		t.Fatalf("members = %v, want %v", cycle.Members, want)
	}
	for i := range want {
		if cycle.Members[i] != want[i] {
			t.Fatalf("members = %v, want %v", cycle.Members, want)
		}
	}
}

func TestOrderSelfLoop(t *testing.T) {
	tasks := newTasks([]int{1})
	_, err := Order(tasks)
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("error = %v, want CycleError", err)
	}
	if len(cycle.Members) != 1 || cycle.Members[0] != id(1, 1) {
		t.Errorf("members = %v, want [1.1]", cycle.Members)
	}
}

// TestOrderRandomDAGs checks completeness and precedence on random acyclic
// graphs where edges only point backwards in declaration order.
func TestOrderRandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(12)
		deps := make([][]int, n)
		for i := 1; i < n; i++ {
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps[i] = append(deps[i], j+1)
				}
			}
		}
		tasks := newTasks(deps...)
		rng.Shuffle(len(tasks), func(a, b int) { tasks[a], tasks[b] = tasks[b], tasks[a] })

		got, err := Order(tasks)
		if err != nil {
			t.Fatalf("round %d: Order: %v", round, err)
		}
		if len(got) != n {
			t.Fatalf("round %d: len = %d, want %d", round, len(got), n)
		}
		pos := make(map[plan.TaskID]int, n)
		for i, task := range got {
			if _, dup := pos[task.ID]; dup {
				t.Fatalf("round %d: %s emitted twice", round, task.ID)
			}
			pos[task.ID] = i
		}
		for _, task := range got {
			for _, dep := range task.BlockedBy {
				if pos[dep] > pos[task.ID] {
					t.Fatalf("round %d: %s before its blocker %s", round, task.ID, dep)
				}
			}
		}
	}
}

func TestOrderDeterministic(t *testing.T) {
	tasks := newTasks(nil, nil, []int{1}, nil, []int{2, 3})
	first, err := Order(tasks)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := Order(tasks)
		for j := range first {
			if first[j].ID != again[j].ID {
				t.Fatalf("run %d differs: %v vs %v", i, ids(first), ids(again))
			}
		}
	}
}

func TestUnmet(t *testing.T) {
	p := &plan.Plan{Milestones: []*plan.Milestone{{
		Index: 1,
		Tasks: newTasks(nil, nil, []int{1, 2}),
	}}}
	p.Milestones[0].Tasks[0].Status = plan.TaskComplete
	p.Milestones[0].Tasks[1].Status = plan.TaskEscalated

	unmet := Unmet(p, p.Task(id(1, 3)))
	if len(unmet) != 1 || unmet[0] != id(1, 2) {
		t.Errorf("Unmet = %v, want [1.2]", unmet)
	}
}
