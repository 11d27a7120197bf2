package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/errs"
	"github.com/swarmguard/taskforge/internal/eventbus"
	"github.com/swarmguard/taskforge/internal/ids"
	"github.com/swarmguard/taskforge/internal/workspace"
)

// noWorkspaceCfg returns a Config that never touches the Workspace
// Manager, so these tests exercise the coordinator/worker logic without
// needing a real git checkout on disk.
func noWorkspaceCfg() Config {
	return Config{
		MaxConcurrency:   4,
		RetryMaxAttempts: 3,
		RetryBackoffBase: time.Millisecond,
		NeedsWorkspace:   func(*domain.Task) bool { return false },
	}
}

type fixedExecutor struct {
	run func(task *domain.Task) (domain.TaskResult, error)
}

func (f *fixedExecutor) Run(ctx context.Context, task *domain.Task, ws *domain.Workspace) (domain.TaskResult, error) {
	return f.run(task)
}

func newTask(id ids.TaskId, role string, priority int) *domain.Task {
	return &domain.Task{
		ID:           id,
		Title:        string(id),
		AssignedRole: role,
		Priority:     priority,
		Dependencies: map[ids.TaskId]struct{}{},
	}
}

func succeeding() *fixedExecutor {
	return &fixedExecutor{run: func(task *domain.Task) (domain.TaskResult, error) {
		return domain.TaskResult{ModifiedFiles: []string{string(task.ID) + ".go"}}, nil
	}}
}

func TestSchedulerDiamondExecutesAllAndAggregates(t *testing.T) {
	// root -> {left, right} -> join
	root := newTask("root", "worker", 0)
	left := newTask("left", "worker", 0)
	right := newTask("right", "worker", 0)
	join := newTask("join", "worker", 0)

	dag := &domain.DAG{
		Nodes: map[ids.TaskId]*domain.Task{"root": root, "left": left, "right": right, "join": join},
		Edges: []domain.Edge{
			{From: "root", To: "left"},
			{From: "root", To: "right"},
			{From: "left", To: "join"},
			{From: "right", To: "join"},
		},
	}

	sched := New(noWorkspaceCfg(), map[string]Executor{"worker": succeeding()}, nil, nil, clock.Real{}, nil, nil, nil)
	agg, err := sched.Run(context.Background(), ids.NewExecutionId(), dag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if agg.Total != 4 || agg.Succeeded != 4 || agg.Failed != 0 || agg.Cancelled != 0 || agg.Skipped != 0 {
		t.Fatalf("unexpected aggregation: %+v", agg)
	}
	if len(agg.ModifiedArtifacts) != 4 {
		t.Fatalf("expected 4 modified artifacts, got %v", agg.ModifiedArtifacts)
	}
	for _, id := range []ids.TaskId{"root", "left", "right", "join"} {
		if dag.Nodes[id].Status != domain.StatusSucceeded {
			t.Fatalf("task %s status = %s, want succeeded", id, dag.Nodes[id].Status)
		}
	}
}

// TestSchedulerTransientRetryThenSuccess: a task fails transiently on
// its first attempt and succeeds on its second, ending with Attempt == 2
// and a single succeeded status.
func TestSchedulerTransientRetryThenSuccess(t *testing.T) {
	task := newTask("flaky", "worker", 0)
	dag := &domain.DAG{Nodes: map[ids.TaskId]*domain.Task{"flaky": task}}

	var calls int32
	exec := &fixedExecutor{run: func(task *domain.Task) (domain.TaskResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return domain.TaskResult{}, errs.Transient("connection reset")
		}
		return domain.TaskResult{}, nil
	}}

	sched := New(noWorkspaceCfg(), map[string]Executor{"worker": exec}, nil, nil, clock.Real{}, nil, nil, nil)
	agg, err := sched.Run(context.Background(), ids.NewExecutionId(), dag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if agg.Succeeded != 1 || agg.Failed != 0 {
		t.Fatalf("expected single success after retry, got %+v", agg)
	}
	if task.Attempt != 2 {
		t.Fatalf("expected Attempt == 2, got %d", task.Attempt)
	}
	if task.Status != domain.StatusSucceeded {
		t.Fatalf("expected succeeded status, got %s", task.Status)
	}
}

// TestSchedulerPermanentFailureDoesNotRetry asserts a Permanent-classified
// failure fails on the first attempt, never consuming the rest of the
// retry budget.
func TestSchedulerPermanentFailureDoesNotRetry(t *testing.T) {
	task := newTask("broken", "worker", 0)
	dag := &domain.DAG{Nodes: map[ids.TaskId]*domain.Task{"broken": task}}

	var calls int32
	exec := &fixedExecutor{run: func(task *domain.Task) (domain.TaskResult, error) {
		atomic.AddInt32(&calls, 1)
		return domain.TaskResult{}, errs.Permanent("syntax error")
	}}

	sched := New(noWorkspaceCfg(), map[string]Executor{"worker": exec}, nil, nil, clock.Real{}, nil, nil, nil)
	agg, err := sched.Run(context.Background(), ids.NewExecutionId(), dag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if agg.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", agg)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 attempt for a permanent failure, got %d", calls)
	}
	if task.Attempt != 1 {
		t.Fatalf("expected Attempt == 1, got %d", task.Attempt)
	}
}

// TestSchedulerFailureCascadesSkip asserts a failed task's descendants are
// marked skipped rather than ever attempted.
func TestSchedulerFailureCascadesSkip(t *testing.T) {
	root := newTask("root", "worker", 0)
	child := newTask("child", "worker", 0)
	grandchild := newTask("grandchild", "worker", 0)

	dag := &domain.DAG{
		Nodes: map[ids.TaskId]*domain.Task{"root": root, "child": child, "grandchild": grandchild},
		Edges: []domain.Edge{
			{From: "root", To: "child"},
			{From: "child", To: "grandchild"},
		},
	}

	var childCalled int32
	exec := &fixedExecutor{run: func(task *domain.Task) (domain.TaskResult, error) {
		if task.ID == "root" {
			return domain.TaskResult{}, errs.Permanent("boom")
		}
		atomic.AddInt32(&childCalled, 1)
		return domain.TaskResult{}, nil
	}}

	sched := New(noWorkspaceCfg(), map[string]Executor{"worker": exec}, nil, nil, clock.Real{}, nil, nil, nil)
	agg, err := sched.Run(context.Background(), ids.NewExecutionId(), dag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if agg.Failed != 1 || agg.Skipped != 2 {
		t.Fatalf("expected 1 failed + 2 skipped, got %+v", agg)
	}
	if childCalled != 0 {
		t.Fatalf("expected descendants of a failed task never to execute")
	}
	if child.Status != domain.StatusSkipped || grandchild.Status != domain.StatusSkipped {
		t.Fatalf("expected skipped status, got child=%s grandchild=%s", child.Status, grandchild.Status)
	}
}

// TestSchedulerCancellationStopsPendingWork cancels the run's context
// partway through and asserts no task still pending is ever started.
func TestSchedulerCancellationStopsPendingWork(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan ids.TaskId, 10)

	blocking := &fixedExecutor{run: func(task *domain.Task) (domain.TaskResult, error) {
		started <- task.ID
		<-gate
		return domain.TaskResult{}, nil
	}}

	nodes := map[ids.TaskId]*domain.Task{}
	for i := 0; i < 5; i++ {
		id := ids.TaskId(string(rune('a' + i)))
		nodes[id] = newTask(id, "worker", 0)
	}
	dag := &domain.DAG{Nodes: nodes}

	cfg := noWorkspaceCfg()
	cfg.MaxConcurrency = 1
	sched := New(cfg, map[string]Executor{"worker": blocking}, nil, nil, clock.Real{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var agg *Aggregation
	var runErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		agg, runErr = sched.Run(ctx, ids.NewExecutionId(), dag)
	}()

	<-started // first task is now running
	cancel()
	close(gate) // let the in-flight task finish honouring cancellation
	wg.Wait()

	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if agg.Cancelled == 0 {
		t.Fatalf("expected some tasks cancelled, got %+v", agg)
	}
	if agg.Succeeded+agg.Cancelled != agg.Total {
		t.Fatalf("succeeded+cancelled should account for all tasks: %+v", agg)
	}
}

// TestSchedulerMachineAdmissionControl asserts a task targeting a machine
// at capacity fails (transiently) rather than running.
func TestSchedulerMachineAdmissionControl(t *testing.T) {
	task := newTask("remote-task", "worker", 0)
	task.TargetMachine = "build-1"
	dag := &domain.DAG{Nodes: map[ids.TaskId]*domain.Task{"remote-task": task}}

	slot := &MachineSlot{Machine: domain.Machine{Name: "build-1", MaxParallel: 0}}
	machines := map[string]*MachineSlot{"build-1": slot}

	exec := &fixedExecutor{run: func(task *domain.Task) (domain.TaskResult, error) {
		t.Fatalf("executor should never run when the machine is at capacity")
		return domain.TaskResult{}, nil
	}}

	cfg := noWorkspaceCfg()
	cfg.RetryMaxAttempts = 1
	sched := New(cfg, map[string]Executor{"worker": exec}, machines, nil, clock.Real{}, nil, nil, nil)
	agg, err := sched.Run(context.Background(), ids.NewExecutionId(), dag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if agg.Failed != 1 {
		t.Fatalf("expected the task to fail admission, got %+v", agg)
	}
	if task.Status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", task.Status)
	}
}

// TestSchedulerPublishesRunningThenTerminal asserts the event bus sees
// exactly a "running" event followed by one terminal status event per
// task.
func TestSchedulerPublishesRunningThenTerminal(t *testing.T) {
	task := newTask("solo", "worker", 0)
	dag := &domain.DAG{Nodes: map[ids.TaskId]*domain.Task{"solo": task}}

	bus := eventbus.New(16, nil, nil, nil)
	session := ids.NewExecutionId()
	ch, cancel := bus.Subscribe(context.Background(), session, 0)
	defer cancel()

	sched := New(noWorkspaceCfg(), map[string]Executor{"worker": succeeding()}, nil, nil, clock.Real{}, bus, nil, nil)
	if _, err := sched.Run(context.Background(), session, dag); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var kinds []string
	for len(kinds) < 2 {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	if kinds[0] != "running" || kinds[1] != string(domain.StatusSucceeded) {
		t.Fatalf("unexpected event order: %v", kinds)
	}
}

// TestSchedulerParksOnWorkspaceExhaustion runs two workspace-needing
// tasks against a quota of one: the second task must wait for the first
// to release its workspace rather than failing.
func TestSchedulerParksOnWorkspaceExhaustion(t *testing.T) {
	fcDir := t.TempDir()
	wsMgr := workspace.New(fcDir, clock.Real{}, workspace.Thresholds{
		Active: time.Hour, Idle: time.Hour, Stuck: time.Hour, Orphan: time.Hour,
	}, nil)

	max := 1
	cfg := Config{
		MaxConcurrency:   2,
		RetryMaxAttempts: 10,
		RetryBackoffBase: 10 * time.Millisecond,
		MaxWorkspaces:    &max,
	}

	slow := &fixedExecutor{run: func(task *domain.Task) (domain.TaskResult, error) {
		time.Sleep(5 * time.Millisecond)
		return domain.TaskResult{}, nil
	}}

	dag := &domain.DAG{Nodes: map[ids.TaskId]*domain.Task{
		"a": newTask("a", "worker", 0),
		"b": newTask("b", "worker", 0),
	}}

	sched := New(cfg, map[string]Executor{"worker": slow}, nil, wsMgr, clock.Real{}, nil, nil, nil)
	agg, err := sched.Run(context.Background(), ids.NewExecutionId(), dag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if agg.Succeeded != 2 {
		t.Fatalf("expected both tasks to succeed after parking, got %+v", agg)
	}
}

// TestSchedulerUnknownMachineFailsValidation asserts a task targeting a
// machine nobody registered fails immediately instead of retrying.
func TestSchedulerUnknownMachineFailsValidation(t *testing.T) {
	task := newTask("lost", "worker", 0)
	task.TargetMachine = "ghost"
	dag := &domain.DAG{Nodes: map[ids.TaskId]*domain.Task{"lost": task}}

	exec := &fixedExecutor{run: func(task *domain.Task) (domain.TaskResult, error) {
		t.Fatalf("executor should never run for an unknown machine")
		return domain.TaskResult{}, nil
	}}

	sched := New(noWorkspaceCfg(), map[string]Executor{"worker": exec}, nil, nil, clock.Real{}, nil, nil, nil)
	agg, err := sched.Run(context.Background(), ids.NewExecutionId(), dag)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if agg.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", agg)
	}
	if task.LastError == "" {
		t.Fatalf("expected LastError naming the unknown machine")
	}
}
