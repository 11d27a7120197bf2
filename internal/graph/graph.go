// Package graph turns a list of tasks, each declaring dependencies by
// title or id, into a validated DAG with an "as-early-as-possible"
// execution-level partition.
package graph

import (
	"fmt"
	"sort"

	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/errs"
	"github.com/swarmguard/taskforge/internal/ids"
)

// CycleError names every node participating in a detected cycle.
type CycleError struct {
	Nodes []ids.TaskId
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected among tasks: %v", e.Nodes)
}

// UnresolvedDependencyError names a dependency reference that does not
// resolve to any known task.
type UnresolvedDependencyError struct {
	From ids.TaskId
	To   string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on unresolved reference %q", e.From, e.To)
}

// EmptyGraphError is returned when the input task list has no tasks.
type EmptyGraphError struct{}

func (e *EmptyGraphError) Error() string { return "task list is empty" }

// Builder constructs DAGs, optionally capping the width of any one level.
type Builder struct {
	MaxParallelism int // 0 = unbounded
}

// NewBuilder returns a Builder with the given max-parallelism cap (0 for
// unbounded).
func NewBuilder(maxParallelism int) *Builder {
	return &Builder{MaxParallelism: maxParallelism}
}

// Build resolves dependency references, detects cycles, and assigns
// execution levels. Dependency references may name either a task's
// title or its id; an id match is tried first, then a title match, so a
// TaskGenerator collaborator never needs to mint ids itself.
func (b *Builder) Build(tasks []*domain.Task) (*domain.DAG, error) {
	if len(tasks) == 0 {
		return nil, errs.Validation("%w", &EmptyGraphError{})
	}

	byID := make(map[ids.TaskId]*domain.Task, len(tasks))
	byTitle := make(map[string]ids.TaskId, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		byTitle[t.Title] = t.ID
	}

	// Resolve dependency references into concrete TaskIds.
	for _, t := range tasks {
		if t.Dependencies == nil {
			t.Dependencies = make(map[ids.TaskId]struct{})
		}
		for _, ref := range t.DependencyRefs {
			if _, ok := byID[ids.TaskId(ref)]; ok {
				t.Dependencies[ids.TaskId(ref)] = struct{}{}
				continue
			}
			if id, ok := byTitle[ref]; ok {
				t.Dependencies[id] = struct{}{}
				continue
			}
			return nil, errs.Validation("%w", &UnresolvedDependencyError{From: t.ID, To: ref})
		}
		t.DependencyRefs = nil
	}

	if cycle := detectCycle(tasks); cycle != nil {
		return nil, errs.Validation("%w", &CycleError{Nodes: cycle})
	}

	levels := assignLevels(tasks)
	if b.MaxParallelism > 0 {
		levels = capLevels(levels, b.MaxParallelism)
	}

	edges := make([]domain.Edge, 0)
	for _, t := range tasks {
		for dep := range t.Dependencies {
			edges = append(edges, domain.Edge{From: dep, To: t.ID})
		}
	}

	return &domain.DAG{Nodes: byID, Edges: edges, Levels: levels}, nil
}

// detectCycle runs a depth-first search over the dependency
// graph (edges point from dependency to dependent) and, if it finds a
// cycle, returns every node on it sorted by id for a deterministic
// error message.
func detectCycle(tasks []*domain.Task) []ids.TaskId {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[ids.TaskId]int, len(tasks))
	byID := make(map[ids.TaskId]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		color[t.ID] = white
	}

	var cyclic map[ids.TaskId]struct{}

	var visit func(id ids.TaskId, stack []ids.TaskId) bool
	visit = func(id ids.TaskId, stack []ids.TaskId) bool {
		color[id] = gray
		stack = append(stack, id)
		for dep := range byID[id].Dependencies {
			switch color[dep] {
			case gray:
				cyclic = make(map[ids.TaskId]struct{})
				start := false
				for _, s := range stack {
					if s == dep {
						start = true
					}
					if start {
						cyclic[s] = struct{}{}
					}
				}
				cyclic[id] = struct{}{}
				return true
			case white:
				if visit(dep, stack) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	ordered := sortedIDs(tasks)
	for _, id := range ordered {
		if color[id] == white {
			if visit(id, nil) {
				break
			}
		}
	}

	if cyclic == nil {
		return nil
	}
	out := make([]ids.TaskId, 0, len(cyclic))
	for id := range cyclic {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// assignLevels computes level(n) = 1 + max(level(dep) for dep in deps),
// with leaves at level 0, by memoized recursion over each task's
// dependencies (every dependency id is guaranteed to exist by the
// resolution step above).
func assignLevels(tasks []*domain.Task) [][]ids.TaskId {
	byID := make(map[ids.TaskId]*domain.Task, len(tasks))
	level := make(map[ids.TaskId]int, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var computeLevel func(id ids.TaskId) int
	computeLevel = func(id ids.TaskId) int {
		if lvl, ok := level[id]; ok {
			return lvl
		}
		max := -1
		for dep := range byID[id].Dependencies {
			if l := computeLevel(dep); l > max {
				max = l
			}
		}
		lvl := max + 1
		level[id] = lvl
		return lvl
	}

	maxLevel := 0
	for _, t := range tasks {
		l := computeLevel(t.ID)
		if l > maxLevel {
			maxLevel = l
		}
	}

	levels := make([][]ids.TaskId, maxLevel+1)
	for _, id := range sortedIDs(tasks) {
		l := level[id]
		levels[l] = append(levels[l], id)
	}
	return levels
}

// capLevels enforces |level| <= maxParallelism by pushing overflow tasks
// down into a newly appended level, repeating until every level fits.
// Tasks sharing a level carry no edges between them, so pushing some to
// a later level never violates the "lower level, strictly higher level"
// edge invariant.
func capLevels(levels [][]ids.TaskId, max int) [][]ids.TaskId {
	out := make([][]ids.TaskId, 0, len(levels))
	for _, lvl := range levels {
		remaining := lvl
		for len(remaining) > max {
			out = append(out, remaining[:max])
			remaining = remaining[max:]
		}
		out = append(out, remaining)
	}
	return out
}

func sortedIDs(tasks []*domain.Task) []ids.TaskId {
	out := make([]ids.TaskId, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TopologicalSort returns any linearization consistent with dag's edges,
// with ties broken by task id for determinism.
func TopologicalSort(dag *domain.DAG) []ids.TaskId {
	indegree := make(map[ids.TaskId]int, len(dag.Nodes))
	adj := make(map[ids.TaskId][]ids.TaskId, len(dag.Nodes))
	for id := range dag.Nodes {
		indegree[id] = 0
	}
	for _, e := range dag.Edges {
		indegree[e.To]++
		adj[e.From] = append(adj[e.From], e.To)
	}

	ready := make([]ids.TaskId, 0)
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	out := make([]ids.TaskId, 0, len(dag.Nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)
		for _, child := range adj[next] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	return out
}
