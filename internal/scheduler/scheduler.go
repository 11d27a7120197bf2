// Package scheduler executes a DAG by running ready tasks concurrently
// up to an admission limit, retrying transient failures with backoff,
// and aggregating the outcome.
//
// Level boundaries are soft: a task starts as soon as its own
// dependencies succeed, not when its whole level is ready; the level
// partition is only a reporting device. Per-machine admission combines
// the machine's load counter with a circuit breaker tripped by repeated
// remote failures.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/errs"
	"github.com/swarmguard/taskforge/internal/eventbus"
	"github.com/swarmguard/taskforge/internal/ids"
	"github.com/swarmguard/taskforge/internal/resilience"
	"github.com/swarmguard/taskforge/internal/workspace"
	"go.opentelemetry.io/otel/metric"
)

// Executor runs one Task against a Workspace and reports its result. One
// Executor is registered per assigned role.
type Executor interface {
	Run(ctx context.Context, task *domain.Task, ws *domain.Workspace) (domain.TaskResult, error)
}

// MachineSlot tracks one Machine's admission state: its concurrency
// counter and an adaptive breaker tripped by repeated remote failures.
type MachineSlot struct {
	Machine domain.Machine
	Breaker *resilience.CircuitBreaker
	mu      sync.Mutex
}

func (m *MachineSlot) tryAcquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Machine.CurrentLoad >= m.Machine.MaxParallel {
		return false
	}
	if m.Breaker != nil && !m.Breaker.Allow() {
		return false
	}
	m.Machine.CurrentLoad++
	return true
}

func (m *MachineSlot) release(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Machine.CurrentLoad--
	if m.Breaker != nil {
		m.Breaker.RecordResult(success)
	}
}

// Config carries the Scheduler's retry and admission knobs.
type Config struct {
	MaxConcurrency     int
	RetryMaxAttempts   int
	RetryBackoffBase   time.Duration
	NeedsWorkspace     func(task *domain.Task) bool
	MaxWorkspaces      *int
	WorkspaceBranchFor func(task *domain.Task) string
}

// Aggregation is the Scheduler's terminal report for one run.
type Aggregation struct {
	Total             int
	Succeeded         int
	Failed            int
	Cancelled         int
	Skipped           int
	ModifiedArtifacts []string
}

// Scheduler runs DAGs.
type Scheduler struct {
	cfg        Config
	executors  map[string]Executor
	machines   map[string]*MachineSlot
	workspaces *workspace.Manager
	clock      clock.Clock
	bus        *eventbus.Bus
	retryCounter metric.Int64Counter
	taskCounter  metric.Int64Counter
}

// New returns a Scheduler.
func New(cfg Config, executors map[string]Executor, machines map[string]*MachineSlot, workspaces *workspace.Manager, cl clock.Clock, bus *eventbus.Bus, retryCounter, taskCounter metric.Int64Counter) *Scheduler {
	if cfg.NeedsWorkspace == nil {
		cfg.NeedsWorkspace = func(*domain.Task) bool { return true }
	}
	return &Scheduler{
		cfg: cfg, executors: executors, machines: machines, workspaces: workspaces,
		clock: cl, bus: bus, retryCounter: retryCounter, taskCounter: taskCounter,
	}
}

// coordinator holds the mutable run-local scheduling state.
type coordinator struct {
	mu         sync.Mutex
	cond       *sync.Cond
	dag        *domain.DAG
	indegree   map[ids.TaskId]int
	dependents map[ids.TaskId][]ids.TaskId
	ready      []ids.TaskId
	inflight   int
	done       int
	cancelled  bool
	artifacts  []string
	agg        Aggregation
}

// Run executes dag to completion (or cancellation), reporting status
// transitions on session's event stream with phase "execute".
func (s *Scheduler) Run(ctx context.Context, session ids.SessionId, dag *domain.DAG) (*Aggregation, error) {
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()
	run := newRunState(s.clock, cancelAll)

	co := &coordinator{
		dag:        dag,
		indegree:   make(map[ids.TaskId]int, len(dag.Nodes)),
		dependents: make(map[ids.TaskId][]ids.TaskId, len(dag.Nodes)),
		agg:        Aggregation{Total: len(dag.Nodes)},
	}
	co.cond = sync.NewCond(&co.mu)

	for _, e := range dag.Edges {
		co.indegree[e.To]++
		co.dependents[e.From] = append(co.dependents[e.From], e.To)
	}
	for id, t := range dag.Nodes {
		t.Status = domain.StatusPending
		if co.indegree[id] == 0 {
			t.Status = domain.StatusReady
			co.ready = append(co.ready, id)
		}
	}

	var wg sync.WaitGroup
	workers := s.cfg.MaxConcurrency
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, session, co, run)
		}()
	}

	go func() {
		<-ctx.Done()
		run.Cancel()
		co.mu.Lock()
		co.cancelled = true
		co.cond.Broadcast()
		co.mu.Unlock()
	}()

	wg.Wait()

	co.mu.Lock()
	defer co.mu.Unlock()
	return &co.agg, nil
}

func (s *Scheduler) worker(ctx context.Context, session ids.SessionId, co *coordinator, run *runState) {
	for {
		co.mu.Lock()
		for len(co.ready) == 0 && co.done < len(co.dag.Nodes) && !co.cancelled {
			co.cond.Wait()
		}
		if co.cancelled || ctx.Err() != nil {
			s.cancelRemaining(co)
			co.mu.Unlock()
			return
		}
		if co.done >= len(co.dag.Nodes) {
			co.mu.Unlock()
			return
		}
		id := popBest(co)
		task := co.dag.Nodes[id]
		task.Status = domain.StatusRunning
		co.inflight++
		co.mu.Unlock()

		s.publish(ctx, session, task, "running")
		result, err := s.runWithGracePeriod(ctx, run, task)

		co.mu.Lock()
		co.inflight--
		s.settle(co, task, result, err)
		s.admitReadyLocked(co)
		co.cond.Broadcast()
		co.mu.Unlock()

		s.publish(ctx, session, task, string(task.Status))
	}
}

// popBest removes and returns the highest-priority ready task, breaking
// ties by the lowest task id. Caller must hold co.mu.
func popBest(co *coordinator) ids.TaskId {
	sort.Slice(co.ready, func(i, j int) bool {
		a, b := co.dag.Nodes[co.ready[i]], co.dag.Nodes[co.ready[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return co.ready[i] < co.ready[j]
	})
	id := co.ready[0]
	co.ready = co.ready[1:]
	return id
}

// runWithGracePeriod executes task and, once the run is cancelled, gives
// it GracePeriod to reach a terminal state on its own before the
// Scheduler gives up waiting and marks it failed with a "did not honour
// cancel" reason. The abandoned execution goroutine is left to finish
// (or not) in the background; its eventual result is discarded.
func (s *Scheduler) runWithGracePeriod(ctx context.Context, run *runState, task *domain.Task) (domain.TaskResult, error) {
	type outcome struct {
		result domain.TaskResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.executeWithRetry(ctx, task)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-run.clock.After(GracePeriod):
		return domain.TaskResult{}, errs.Permanent("task %s did not honour cancel within grace period", task.ID)
	}
}

func (s *Scheduler) executeWithRetry(ctx context.Context, task *domain.Task) (domain.TaskResult, error) {
	attempts := s.cfg.RetryMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	exec, ok := s.executors[task.AssignedRole]
	if !ok {
		return domain.TaskResult{}, errs.Permanent("no executor registered for role %q", task.AssignedRole)
	}

	// Workspace exhaustion parks the task: Acquire's quota error is
	// Transient, so the task waits out the backoff and asks again once a
	// running task has released its workspace, instead of failing.
	var ws *domain.Workspace
	if s.cfg.NeedsWorkspace(task) {
		branch := string(task.ID)
		if s.cfg.WorkspaceBranchFor != nil {
			branch = s.cfg.WorkspaceBranchFor(task)
		}
		acquired, err := resilience.RetryIf(ctx, attempts, s.cfg.RetryBackoffBase, nil, errs.IsTransient, func() (*domain.Workspace, error) {
			return s.workspaces.Acquire(task.ParentIssue, branch, s.cfg.MaxWorkspaces)
		})
		if err != nil {
			return domain.TaskResult{}, err
		}
		ws = acquired
		ws.OwningTask = task.ID
		defer func() {
			s.workspaces.Release(ws)
		}()
	}

	// Machine saturation parks the same way; a machine that simply does
	// not exist is the caller's mistake and fails without retrying.
	var slot *MachineSlot
	if task.TargetMachine != "" {
		slot = s.machines[task.TargetMachine]
		if slot == nil {
			return domain.TaskResult{}, errs.Validation("unknown machine %q", task.TargetMachine)
		}
		_, err := resilience.RetryIf(ctx, attempts, s.cfg.RetryBackoffBase, nil, errs.IsTransient, func() (struct{}, error) {
			if !slot.tryAcquire() {
				return struct{}{}, errs.Transient("machine %s at capacity", task.TargetMachine)
			}
			return struct{}{}, nil
		})
		if err != nil {
			return domain.TaskResult{}, err
		}
	}

	// RetryIf stops after the first non-transient failure instead of
	// burning the rest of the attempt budget on an error that was never
	// going to succeed (Permanent/Validation/Invariant fail once, not
	// RetryMaxAttempts times).
	result, err := resilience.RetryIf(ctx, attempts, s.cfg.RetryBackoffBase, s.retryCounter, errs.IsTransient, func() (domain.TaskResult, error) {
		task.Attempt++
		return exec.Run(ctx, task, ws)
	})

	if slot != nil {
		slot.release(err == nil)
	}
	return result, err
}

// settle records the terminal outcome of one task execution. Retrying on
// transient failure already happened inside executeWithRetry
// (resilience.RetryIf owns the whole attempt budget with backoff); by the
// time settle runs, err is either nil or a final, no-more-attempts-left
// failure, so every call here is terminal: it increments co.done once for
// task itself, and skipDependents adds one more for each dependent it
// marks skipped.
func (s *Scheduler) settle(co *coordinator, task *domain.Task, result domain.TaskResult, err error) {
	if err == nil {
		task.Status = domain.StatusSucceeded
		task.Result = &result
		co.agg.Succeeded++
		co.done++
		co.artifacts = append(co.artifacts, result.ModifiedFiles...)
		co.agg.ModifiedArtifacts = co.artifacts
		return
	}
	if errors.Is(err, context.Canceled) {
		task.Status = domain.StatusCancelled
		task.LastError = err.Error()
		co.agg.Cancelled++
		co.done++
		s.skipDependents(co, task.ID)
		return
	}
	task.Status = domain.StatusFailed
	task.LastError = err.Error()
	co.agg.Failed++
	co.done++
	s.skipDependents(co, task.ID)
}

// skipDependents transitions every pending/ready descendant of a task
// that ended non-successfully to skipped, recursively.
func (s *Scheduler) skipDependents(co *coordinator, id ids.TaskId) {
	for _, child := range co.dependents[id] {
		t := co.dag.Nodes[child]
		if t.Status == domain.StatusPending || t.Status == domain.StatusReady {
			t.Status = domain.StatusSkipped
			co.agg.Skipped++
			co.done++
			s.skipDependents(co, child)
		}
	}
}

// admitReadyLocked promotes any task whose dependencies have all
// succeeded into the ready set. Caller must hold co.mu.
func (s *Scheduler) admitReadyLocked(co *coordinator) {
	for id, t := range co.dag.Nodes {
		if t.Status != domain.StatusPending {
			continue
		}
		allSucceeded := true
		for _, e := range co.dag.Edges {
			if e.To == id {
				dep := co.dag.Nodes[e.From]
				if dep.Status != domain.StatusSucceeded {
					allSucceeded = false
					break
				}
			}
		}
		if allSucceeded {
			t.Status = domain.StatusReady
			co.ready = append(co.ready, id)
		}
	}
}

// cancelRemaining transitions every pending/ready task to cancelled.
// Caller must hold co.mu.
func (s *Scheduler) cancelRemaining(co *coordinator) {
	for _, t := range co.dag.Nodes {
		if t.Status == domain.StatusPending || t.Status == domain.StatusReady {
			t.Status = domain.StatusCancelled
			co.agg.Cancelled++
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, session ids.SessionId, task *domain.Task, kind string) {
	if s.bus == nil {
		return
	}
	priority := domain.PriorityNormal
	if kind == "failed" {
		priority = domain.PriorityHigh
	}
	_ = s.bus.Publish(ctx, session, domain.Event{
		Phase:     "execute",
		Kind:      kind,
		Priority:  priority,
		Payload:   map[string]string{"task_id": string(task.ID), "status": string(task.Status)},
		Timestamp: s.clock.Now(),
	})
	if s.taskCounter != nil {
		s.taskCounter.Add(ctx, 1)
	}
}
