package orchestrator

import (
	"context"
	"strings"

	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/ids"
)

// HeuristicGenerator is the default TaskGenerator: it turns an issue's
// labels into a small, fixed task shape (an implement task, then test
// and docs tasks that each depend only on implement; a docs-labelled
// issue gets no test task), letting the priority calculator and graph builder handle ordering and
// scheduling. A real deployment would replace this with a call out to an
// LLM-backed decomposition service.
type HeuristicGenerator struct{}

// Generate implements TaskGenerator.
func (HeuristicGenerator) Generate(ctx context.Context, issue domain.Issue) ([]*domain.Task, error) {
	kind := domain.KindFeature
	switch {
	case issue.HasLabel("bug"):
		kind = domain.KindBug
	case issue.HasLabel("refactor"):
		kind = domain.KindRefactor
	case issue.HasLabel("docs"):
		kind = domain.KindDocs
	}

	implement := &domain.Task{
		ID:           ids.NewTaskId(),
		Title:        "implement: " + strings.TrimSpace(issue.Title),
		Kind:         kind,
		AssignedRole: "implementer",
		Dependencies: map[ids.TaskId]struct{}{},
	}
	test := &domain.Task{
		ID:             ids.NewTaskId(),
		Title:          "test: " + strings.TrimSpace(issue.Title),
		Kind:           domain.KindTest,
		AssignedRole:   "tester",
		Dependencies:   map[ids.TaskId]struct{}{},
		DependencyRefs: []string{string(implement.ID)},
	}
	docs := &domain.Task{
		ID:             ids.NewTaskId(),
		Title:          "docs: " + strings.TrimSpace(issue.Title),
		Kind:           domain.KindDocs,
		AssignedRole:   "writer",
		Dependencies:   map[ids.TaskId]struct{}{},
		DependencyRefs: []string{string(implement.ID)},
	}

	if issue.HasLabel("docs") {
		return []*domain.Task{implement, docs}, nil
	}
	return []*domain.Task{implement, test, docs}, nil
}
