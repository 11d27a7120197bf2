// Package executor implements the per-role executor the scheduler
// dispatches tasks to: it runs one configured command (as argv, never
// through a shell), selected by the
// task's role, inside the task's workspace and reports the files that
// command touched.
package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"

	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/errs"
)

// ShellExecutor runs one configured command per role, e.g. "implementer"
// -> a code-generation CLI, "tester" -> "go test ./...", "writer" -> a
// docs generator. Unconfigured roles fail with a Permanent error, the
// same as the Scheduler's own missing-executor case.
type ShellExecutor struct {
	commands        map[string]string
	allowedCommands map[string]bool
}

// New returns a ShellExecutor dispatching commands by role. allowed
// lists the leading binary names permitted to run; nil permits any
// binary named in commands.
func New(commands map[string]string, allowed []string) *ShellExecutor {
	var set map[string]bool
	if allowed != nil {
		set = make(map[string]bool, len(allowed))
		for _, a := range allowed {
			set[a] = true
		}
	}
	return &ShellExecutor{commands: commands, allowedCommands: set}
}

// Run implements scheduler.Executor.
func (e *ShellExecutor) Run(ctx context.Context, task *domain.Task, ws *domain.Workspace) (domain.TaskResult, error) {
	command, ok := e.commands[task.AssignedRole]
	if !ok {
		return domain.TaskResult{}, errs.Permanent("executor: no command configured for role %q", task.AssignedRole)
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return domain.TaskResult{}, errs.Permanent("executor: empty command for role %q", task.AssignedRole)
	}
	if e.allowedCommands != nil && !e.allowedCommands[fields[0]] {
		return domain.TaskResult{}, errs.Permanent("executor: command %q not allowed for role %q", fields[0], task.AssignedRole)
	}

	dir := "."
	if ws != nil {
		dir = ws.Path
	}

	// The command runs against argv directly, never through a shell:
	// placeholder expansion puts a task's title or description into a
	// single argument, so metacharacters in issue text cannot change
	// what gets executed. The binary name itself is never templated.
	args := make([]string, 0, len(fields)-1)
	for _, f := range fields[1:] {
		args = append(args, resolveTemplate(f, task))
	}
	cmd := exec.CommandContext(ctx, fields[0], args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return domain.TaskResult{}, errs.Transient("executor: role %q: %w", task.AssignedRole, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return domain.TaskResult{}, errs.Permanent("executor: role %q exited %d: %s", task.AssignedRole, exitErr.ExitCode(), stderr.String())
		}
		return domain.TaskResult{}, errs.Transient("executor: role %q spawn failed: %w", task.AssignedRole, err)
	}

	modified := changedFiles(ctx, dir)
	return domain.TaskResult{
		Output:          stdout.String(),
		ModifiedFiles:   modified,
		FilesWritten:    len(modified),
		TotalLinesAdded: linesAdded(ctx, dir),
	}, nil
}

// linesAdded totals the insertions git reports for the working tree,
// zero when dir is not a git worktree.
func linesAdded(ctx context.Context, dir string) int {
	cmd := exec.CommandContext(ctx, "git", "diff", "--numstat")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return 0
	}
	total := 0
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if n, err := strconv.Atoi(fields[0]); err == nil {
			total += n
		}
	}
	return total
}

// changedFiles asks git for the working tree's modified paths, returning
// nil (never an error) if dir is not a git worktree or git is missing —
// an executor that can't report touched files still reports success.
func changedFiles(ctx context.Context, dir string) []string {
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// resolveTemplate substitutes {{task.title}}, {{task.id}}, and
// {{task.description}} into one argument of the role's configured
// command.
func resolveTemplate(command string, task *domain.Task) string {
	r := strings.NewReplacer(
		"{{task.title}}", task.Title,
		"{{task.id}}", string(task.ID),
		"{{task.description}}", task.Description,
	)
	return r.Replace(command)
}
