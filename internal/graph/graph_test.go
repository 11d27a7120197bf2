package graph

import (
	"errors"
	"testing"

	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/ids"
)

func task(id, title string, deps ...string) *domain.Task {
	return &domain.Task{ID: ids.TaskId(id), Title: title, DependencyRefs: deps}
}

func TestBuildSingleTask(t *testing.T) {
	dag, err := NewBuilder(0).Build([]*domain.Task{task("T1", "docs")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(dag.Levels) != 1 || len(dag.Levels[0]) != 1 {
		t.Fatalf("expected one level with one node, got %v", dag.Levels)
	}
	order := TopologicalSort(dag)
	if len(order) != 1 || order[0] != "T1" {
		t.Fatalf("topological sort = %v, want [T1]", order)
	}
}

func TestBuildEmpty(t *testing.T) {
	_, err := NewBuilder(0).Build(nil)
	var emptyErr *EmptyGraphError
	if !errors.As(err, &emptyErr) {
		t.Fatalf("expected EmptyGraphError, got %v", err)
	}
}

func TestBuildDiamond(t *testing.T) {
	a := task("A", "a")
	b := task("B", "b", "A")
	c := task("C", "c", "A")
	d := task("D", "d", "B", "C")
	dag, err := NewBuilder(0).Build([]*domain.Task{d, c, b, a})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := [][]ids.TaskId{{"A"}, {"B", "C"}, {"D"}}
	if len(dag.Levels) != len(want) {
		t.Fatalf("levels = %v, want %v", dag.Levels, want)
	}
	for i := range want {
		if len(dag.Levels[i]) != len(want[i]) {
			t.Fatalf("level %d = %v, want %v", i, dag.Levels[i], want[i])
		}
	}

	order := TopologicalSort(dag)
	wantOrder := []ids.TaskId{"A", "B", "C", "D"}
	for i, id := range wantOrder {
		if order[i] != id {
			t.Fatalf("topological sort = %v, want %v", order, wantOrder)
		}
	}
}

func TestBuildCycleRejected(t *testing.T) {
	x := task("X", "x", "Y")
	y := task("Y", "y", "X")
	_, err := NewBuilder(0).Build([]*domain.Task{x, y})
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(cycleErr.Nodes) != 2 {
		t.Fatalf("cycle nodes = %v, want 2 entries", cycleErr.Nodes)
	}
}

func TestBuildUnresolvedDependency(t *testing.T) {
	a := task("A", "a", "ghost")
	_, err := NewBuilder(0).Build([]*domain.Task{a})
	var unresolved *UnresolvedDependencyError
	if !errors.As(err, &unresolved) {
		t.Fatalf("expected UnresolvedDependencyError, got %v", err)
	}
}

func TestBuildAllIndependentCappedByMaxParallelism(t *testing.T) {
	tasks := make([]*domain.Task, 0, 10)
	for i := 0; i < 10; i++ {
		tasks = append(tasks, task(string(rune('A'+i)), string(rune('A'+i))))
	}
	dag, err := NewBuilder(4).Build(tasks)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, lvl := range dag.Levels {
		if len(lvl) > 4 {
			t.Fatalf("level %v exceeds max parallelism 4", lvl)
		}
	}
	total := 0
	for _, lvl := range dag.Levels {
		total += len(lvl)
	}
	if total != 10 {
		t.Fatalf("total tasks across levels = %d, want 10", total)
	}
}

func TestDAGIntegrityInvariant(t *testing.T) {
	a := task("A", "a")
	b := task("B", "b", "A")
	dag, err := NewBuilder(0).Build([]*domain.Task{a, b})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	levelOf := make(map[ids.TaskId]int)
	for i, lvl := range dag.Levels {
		for _, id := range lvl {
			levelOf[id] = i
		}
	}
	for _, e := range dag.Edges {
		if levelOf[e.From] >= levelOf[e.To] {
			t.Fatalf("edge %v violates level ordering", e)
		}
	}
}
