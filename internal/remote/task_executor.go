package remote

import (
	"context"
	"time"

	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/errs"
)

// TaskExecutor adapts the SSH Executor to the Scheduler's per-role
// executor shape, so a task carrying a TargetMachine runs its role's
// command on that machine instead of in a local subprocess. The
// Scheduler's per-machine admission control has already reserved a slot
// on the machine by the time Run is called.
type TaskExecutor struct {
	exec     *Executor
	registry Registry
	commands map[string]string
	timeout  time.Duration
}

// NewTaskExecutor returns a TaskExecutor dispatching each role's command
// from commands over exec, bounded by timeout per task.
func NewTaskExecutor(exec *Executor, registry Registry, commands map[string]string, timeout time.Duration) *TaskExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &TaskExecutor{exec: exec, registry: registry, commands: commands, timeout: timeout}
}

// Run executes the task's role command on its TargetMachine and returns
// the remote stdout as the task's output.
func (t *TaskExecutor) Run(ctx context.Context, task *domain.Task, ws *domain.Workspace) (domain.TaskResult, error) {
	command, ok := t.commands[task.AssignedRole]
	if !ok {
		return domain.TaskResult{}, errs.Permanent("remote: no command configured for role %q", task.AssignedRole)
	}

	var machine domain.Machine
	found := false
	for _, m := range t.registry.List() {
		if m.Name == task.TargetMachine {
			machine = m
			found = true
			break
		}
	}
	if !found {
		return domain.TaskResult{}, errs.Validation("remote: unknown machine %q", task.TargetMachine)
	}

	out, err := t.exec.Execute(ctx, machine, command, t.timeout)
	if err != nil {
		return domain.TaskResult{}, err
	}
	return domain.TaskResult{Output: out}, nil
}
