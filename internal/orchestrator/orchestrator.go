// Package orchestrator is the top-level driver of one run over one
// issue, taking it through Analyze, Decompose, Provision, Execute,
// Review, Gate, and Report, wiring together every other component
// (graph, priority, workspace, scheduler, quality, approval, eventbus,
// store). Each phase carries its own failure policy.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/taskforge/internal/approval"
	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/config"
	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/errs"
	"github.com/swarmguard/taskforge/internal/eventbus"
	"github.com/swarmguard/taskforge/internal/graph"
	"github.com/swarmguard/taskforge/internal/ids"
	"github.com/swarmguard/taskforge/internal/pagination"
	"github.com/swarmguard/taskforge/internal/priority"
	"github.com/swarmguard/taskforge/internal/quality"
	"github.com/swarmguard/taskforge/internal/scheduler"
	"github.com/swarmguard/taskforge/internal/store"
	"github.com/swarmguard/taskforge/internal/validate"
	"github.com/swarmguard/taskforge/internal/workspace"
)

// TaskGenerator backs the Decompose phase: it turns one issue into a
// flat list of candidate tasks, dependencies left unresolved (as
// DependencyRefs) for the graph builder.
type TaskGenerator interface {
	Generate(ctx context.Context, issue domain.Issue) ([]*domain.Task, error)
}

// HostingPlatform is the adapter to wherever issues live: fetching an
// issue by number for submit-by-number callers, and opening a change
// request for a run's artifacts once it succeeds. Implementations are
// external; the core only holds the interface.
type HostingPlatform interface {
	FetchIssue(ctx context.Context, number int) (domain.Issue, error)
	OpenChangeRequest(ctx context.Context, artifacts []string, title string) (string, error)
}

// QualityScorer produces the per-checker scores the Review phase feeds
// to the Quality Gate. Swappable so a real lint/compile/security/test
// pipeline can replace the heuristic default without touching Review's
// control flow.
type QualityScorer interface {
	Score(ctx context.Context, agg *scheduler.Aggregation) (map[quality.Checker]int, error)
}

// RunReport is what Run returns: one terminal summary per phase plus the
// overall outcome.
type RunReport struct {
	Session     ids.SessionId
	PhaseErrors map[string]string
	Aggregation *scheduler.Aggregation
	Quality     *quality.Report
	Approval    *domain.ApprovalState
	Outcome     string // "succeeded", "failed", "cancelled"
	// InvariantViolated marks a run ended by a broken internal guarantee
	// rather than an ordinary failure; CLI entry points exit 5 on it.
	InvariantViolated bool
	CompletedAt       time.Time
}

// Orchestrator wires every other component into one run() call.
type Orchestrator struct {
	generator  TaskGenerator
	scorer     QualityScorer
	sched      *scheduler.Scheduler
	workspaces *workspace.Manager
	approvals  *approval.Store
	bus        *eventbus.Bus
	persist    *store.Store
	clock      clock.Clock
	platform   HostingPlatform

	mu          sync.Mutex
	idempotency map[string]ids.SessionId
	cancels     map[ids.SessionId]context.CancelFunc
	reports     map[ids.SessionId]*RunReport
	order       []ids.SessionId // completion order, oldest first, for ListReports
}

// New returns an Orchestrator. persist may be nil to disable durable
// checkpointing.
func New(generator TaskGenerator, scorer QualityScorer, sched *scheduler.Scheduler, workspaces *workspace.Manager, approvals *approval.Store, bus *eventbus.Bus, persist *store.Store, cl clock.Clock) *Orchestrator {
	return &Orchestrator{
		generator: generator, scorer: scorer, sched: sched, workspaces: workspaces,
		approvals: approvals, bus: bus, persist: persist, clock: cl,
		idempotency: make(map[string]ids.SessionId),
		cancels:     make(map[ids.SessionId]context.CancelFunc),
		reports:     make(map[ids.SessionId]*RunReport),
	}
}

// SetHostingPlatform wires the issue-hosting adapter. When set,
// SubmitByNumber becomes available and a succeeded run's Report phase
// opens a change request for its modified artifacts.
func (o *Orchestrator) SetHostingPlatform(hp HostingPlatform) {
	o.platform = hp
}

// SubmitByNumber fetches the numbered issue from the hosting platform
// and submits it.
func (o *Orchestrator) SubmitByNumber(ctx context.Context, number int, cfg config.RunConfig) (ids.SessionId, error) {
	if o.platform == nil {
		return "", errs.Validation("no hosting platform configured")
	}
	issue, err := o.platform.FetchIssue(ctx, number)
	if err != nil {
		return "", errs.Transient("fetch issue %d: %v", number, err)
	}
	return o.Submit(ctx, issue, cfg)
}

// Submit starts a run for issue in the background and returns its
// SessionId immediately. It is idempotent in cfg.IdempotencyKey:
// resubmitting the same key returns the SessionId of the run it already
// started instead of starting a second one. Callers observe progress via
// the event bus and the final outcome via Report.
func (o *Orchestrator) Submit(ctx context.Context, issue domain.Issue, cfg config.RunConfig) (ids.SessionId, error) {
	if err := validate.Issue(issue); err != nil {
		return "", err
	}

	session := ids.NewExecutionId()
	runCtx, cancel := context.WithCancel(detach(ctx))

	// Check-and-record under one lock so two concurrent submits carrying
	// the same key cannot both start a run.
	o.mu.Lock()
	if cfg.IdempotencyKey != "" {
		if existing, ok := o.idempotency[cfg.IdempotencyKey]; ok {
			o.mu.Unlock()
			cancel()
			return existing, nil
		}
		o.idempotency[cfg.IdempotencyKey] = session
	}
	o.cancels[session] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.cancels, session)
			o.mu.Unlock()
		}()
		report, _ := o.run(runCtx, session, issue, cfg)
		report.CompletedAt = o.clock.Now()
		o.mu.Lock()
		o.reports[session] = report
		o.order = append(o.order, session)
		o.mu.Unlock()
	}()

	return session, nil
}

// CancelRun cooperatively cancels a run still in progress; it is a
// no-op if session is unknown or already finished.
func (o *Orchestrator) CancelRun(session ids.SessionId) {
	o.mu.Lock()
	cancel, ok := o.cancels[session]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// Report returns the RunReport Submit's background run produced for
// session, once it has finished.
func (o *Orchestrator) Report(session ids.SessionId) (*RunReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.reports[session]
	return r, ok
}

// ListReports returns up to limit finished RunReports in completion
// order starting after cursor, plus the cursor to resume from and
// whether more results remain.
func (o *Orchestrator) ListReports(cursor pagination.Cursor, limit int) ([]*RunReport, pagination.Cursor, bool) {
	if limit <= 0 {
		limit = 50
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	start := 0
	if cursor.LastID != "" {
		for i, id := range o.order {
			if string(id) == cursor.LastID {
				start = i + 1
				break
			}
		}
	}

	var page []*RunReport
	for _, id := range o.order[start:] {
		page = append(page, o.reports[id])
		if len(page) == limit {
			break
		}
	}

	if len(page) == 0 {
		return nil, cursor, false
	}
	last := page[len(page)-1]
	next := pagination.Cursor{LastID: string(last.Session), LastUpdated: last.CompletedAt.UnixNano(), Direction: cursor.Direction}
	hasMore := start+len(page) < len(o.order)
	return page, next, hasMore
}

// detach strips ctx's deadline/cancellation but keeps its values, so a
// Submit call tied to one HTTP request's context doesn't abort the
// background run the moment that request's handler returns.
func detach(ctx context.Context) context.Context {
	return detachedContext{ctx}
}

type detachedContext struct{ context.Context }

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}       { return nil }
func (detachedContext) Err() error                  { return nil }

// Run drives one issue through all seven phases synchronously, blocking
// the caller for the whole run, and honours cfg's per-phase policies.
// Most callers should prefer Submit, which returns as soon as the
// SessionId is minted; Run remains for callers (and tests) that want the
// synchronous, single-call shape.
func (o *Orchestrator) Run(ctx context.Context, issue domain.Issue, cfg config.RunConfig) (*RunReport, error) {
	if err := validate.Issue(issue); err != nil {
		return nil, err
	}
	return o.run(ctx, ids.NewExecutionId(), issue, cfg)
}

// run drives issue through all seven phases under the given, already
// validated session id. Submit and Run both funnel through here so
// idempotency/cancellation bookkeeping and the synchronous call path
// share one implementation.
func (o *Orchestrator) run(ctx context.Context, session ids.SessionId, issue domain.Issue, cfg config.RunConfig) (*RunReport, error) {
	report := &RunReport{Session: session, PhaseErrors: make(map[string]string), Outcome: "failed"}

	var dag *domain.DAG
	var approvalState *domain.ApprovalState

	// The Report phase always runs, win or halt: every run ends with a
	// single terminal event and workspace teardown per policy, and partial
	// progress is never silently dropped even when an earlier phase halted
	// the run.
	defer func() {
		_ = o.runPhase(ctx, session, "report", cfg.PhasePolicies.Report, report, func(ctx context.Context) error {
			return o.finish(ctx, session, issue, dag, cfg, report)
		})
		switch {
		case len(report.PhaseErrors) == 0:
			report.Outcome = "succeeded"
		case ctx.Err() == context.Canceled:
			report.Outcome = "cancelled"
		default:
			report.Outcome = "failed"
		}
	}()

	err := o.runPhase(ctx, session, "analyze", cfg.PhasePolicies.Analyze, report, func(ctx context.Context) error {
		state, err := o.analyze(ctx, session, issue, cfg)
		approvalState = state
		return err
	})
	report.Approval = approvalState
	if err != nil {
		return report, err
	}

	err = o.runPhase(ctx, session, "decompose", cfg.PhasePolicies.Decompose, report, func(ctx context.Context) error {
		d, err := o.decompose(ctx, issue, cfg)
		dag = d
		return err
	})
	if err != nil {
		return report, err
	}
	o.checkpoint(ctx, session, dag)

	err = o.runPhase(ctx, session, "provision", cfg.PhasePolicies.Provision, report, func(ctx context.Context) error {
		return o.provision(ctx, dag)
	})
	if err != nil {
		return report, err
	}

	var agg *scheduler.Aggregation
	err = o.runPhase(ctx, session, "execute", cfg.PhasePolicies.Execute, report, func(ctx context.Context) error {
		if cfg.DryRun {
			agg = o.dryRun(ctx, session, dag)
			return nil
		}
		a, err := o.sched.Run(ctx, session, dag)
		agg = a
		return err
	})
	report.Aggregation = agg
	o.checkpoint(ctx, session, dag)
	if err != nil {
		return report, err
	}

	var qreport *quality.Report
	err = o.runPhase(ctx, session, "review", cfg.PhasePolicies.Review, report, func(ctx context.Context) error {
		r, err := o.review(ctx, agg, cfg)
		qreport = r
		return err
	})
	report.Quality = qreport
	if err != nil {
		return report, err
	}

	err = o.runPhase(ctx, session, "gate", cfg.PhasePolicies.Gate, report, func(ctx context.Context) error {
		state, err := o.gate(ctx, session, cfg)
		if state != nil {
			approvalState = state
		}
		return err
	})
	report.Approval = approvalState
	if err != nil {
		return report, err
	}

	return report, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, session ids.SessionId, name string, policy config.PhasePolicy, report *RunReport, fn func(context.Context) error) error {
	attempts := 1
	backoff := 200 * time.Millisecond
	if policy == config.PolicyRetry {
		attempts = 3
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil {
			o.publish(ctx, session, name, "completed", nil)
			return nil
		}
		if policy != config.PolicyRetry || !errs.IsTransient(err) {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-o.clock.After(backoff):
		}
		backoff *= 2
	}

	report.PhaseErrors[name] = err.Error()
	if errs.KindOf(err) == errs.KindInvariant {
		report.InvariantViolated = true
	}
	o.publish(ctx, session, name, "failed", err)
	slog.Error("phase failed", "phase", name, "session", session, "policy", policy, "error", err)

	if policy == config.PolicyContinue {
		return nil
	}
	return err
}

func (o *Orchestrator) publish(ctx context.Context, session ids.SessionId, phase, kind string, err error) {
	if o.bus == nil {
		return
	}
	pri := domain.PriorityNormal
	payload := map[string]string{"phase": phase, "status": kind}
	if err != nil {
		pri = domain.PriorityHigh
		if errs.KindOf(err) == errs.KindInvariant {
			pri = domain.PriorityUrgent
		}
		payload["error"] = err.Error()
	}
	_ = o.bus.Publish(ctx, session, domain.Event{
		Phase: phase, Kind: kind, Priority: pri, Payload: payload, Timestamp: o.clock.Now(),
	})
}

// analyze estimates the issue's complexity and decides whether the run
// requires up-front human sign-off before any tasks are generated. It
// does not label the issue or compute a priority; priorities are set per
// task in decompose. In autonomous mode, an issue at or below the
// configured complexity threshold is auto-approved; everything else
// opens an Approval Gate when approvers are configured.
func (o *Orchestrator) analyze(ctx context.Context, session ids.SessionId, issue domain.Issue, cfg config.RunConfig) (*domain.ApprovalState, error) {
	if len(cfg.ApprovalRequiredApprovers) == 0 || o.approvals == nil {
		return nil, nil
	}
	complexity := complexityOf(issue)
	if cfg.AutonomousMode && complexity <= cfg.ComplexityAutoApproveThreshold {
		return nil, nil
	}

	gate := approval.NewGate("analyze-"+string(session), cfg.ApprovalRequiredApprovers, cfg.ApprovalTimeout)
	id := o.approvals.Create(string(session), gate)
	state := o.waitForApproval(ctx, id)
	o.persistApproval(ctx, state)
	if state.Status != domain.ApprovalApproved {
		return &state, errs.Permanent("analyze: issue complexity %d requires approval, got status %s", complexity, state.Status)
	}
	return &state, nil
}

// complexityOf is a deliberately simple heuristic (label count plus body
// size, capped at 100) standing in for a real static-analysis estimator.
func complexityOf(issue domain.Issue) int {
	c := len(issue.Labels)*10 + len(issue.Body)/200
	if c > 100 {
		c = 100
	}
	return c
}

// checkpoint persists the DAG's current statuses so a restarted process
// can see where the run got to; failures are logged, never fatal.
func (o *Orchestrator) checkpoint(ctx context.Context, session ids.SessionId, dag *domain.DAG) {
	if o.persist == nil || dag == nil {
		return
	}
	if err := o.persist.PutRun(ctx, session, dag); err != nil {
		slog.Warn("run checkpoint failed", "session", session, "error", err)
	}
}

// dryRun walks the DAG in topological order marking every task succeeded
// without invoking any executor, publishing the same running/succeeded
// event pairs a real execution would, so observers can rehearse a run's
// event stream end to end.
func (o *Orchestrator) dryRun(ctx context.Context, session ids.SessionId, dag *domain.DAG) *scheduler.Aggregation {
	order := graph.TopologicalSort(dag)
	for _, id := range order {
		task := dag.Nodes[id]
		task.Status = domain.StatusRunning
		o.publishTask(ctx, session, task)
		task.Status = domain.StatusSucceeded
		o.publishTask(ctx, session, task)
	}
	return &scheduler.Aggregation{Total: len(order), Succeeded: len(order)}
}

func (o *Orchestrator) publishTask(ctx context.Context, session ids.SessionId, task *domain.Task) {
	if o.bus == nil {
		return
	}
	_ = o.bus.Publish(ctx, session, domain.Event{
		Phase:    "execute",
		Kind:     string(task.Status),
		Priority: domain.PriorityNormal,
		Payload:  map[string]string{"task_id": string(task.ID), "status": string(task.Status), "dry_run": "true"},
		Timestamp: o.clock.Now(),
	})
}

func (o *Orchestrator) decompose(ctx context.Context, issue domain.Issue, cfg config.RunConfig) (*domain.DAG, error) {
	tasks, err := o.generator.Generate(ctx, issue)
	if err != nil {
		return nil, errs.Permanent("decompose: task generation failed: %v", err)
	}
	for _, t := range tasks {
		t.ParentIssue = issue.Number
		priority.Annotate(t, issue)
	}

	maxParallel := cfg.MaxConcurrency
	if maxParallel <= 0 {
		maxParallel = 1
	}
	builder := graph.NewBuilder(maxParallel)
	dag, err := builder.Build(tasks)
	if err != nil {
		return nil, errs.Validation("decompose: %v", err)
	}
	return dag, nil
}

// provision requests (and immediately releases) a Workspace per
// leaf-level task — the level-0 tasks with no dependencies, the first
// ones Execute will run — surfacing quota exhaustion before Execute
// ever starts rather than mid-run. Scheduler.Run acquires the
// task-owned workspace lazily per task at execution time; this phase
// only validates capacity.
func (o *Orchestrator) provision(ctx context.Context, dag *domain.DAG) error {
	if o.workspaces == nil || len(dag.Levels) == 0 {
		return nil
	}
	leaf := dag.Levels[0]
	for _, id := range leaf {
		task := dag.Nodes[id]
		ws, err := o.workspaces.Acquire(task.ParentIssue, string(task.ID), nil)
		if err != nil {
			return errs.Transient("provision: task %s: %v", task.ID, err)
		}
		o.workspaces.Release(ws)
	}
	return nil
}

func (o *Orchestrator) review(ctx context.Context, agg *scheduler.Aggregation, cfg config.RunConfig) (*quality.Report, error) {
	var scores map[quality.Checker]int
	var err error
	if o.scorer != nil {
		scores, err = o.scorer.Score(ctx, agg)
		if err != nil {
			return nil, errs.Permanent("review: scoring failed: %v", err)
		}
	} else {
		scores = heuristicScores(agg)
	}

	weights := quality.Weights{Lint: cfg.Quality.Lint, Compile: cfg.Quality.Compile, Security: cfg.Quality.Security, Tests: cfg.Quality.Tests}
	rep := quality.Evaluate(scores, weights, cfg.QualityPassThreshold)
	if !rep.Passed {
		return &rep, errs.Permanent("review: quality score %d below threshold %d", rep.Score, cfg.QualityPassThreshold)
	}
	return &rep, nil
}

// heuristicScores derives a quality signal straight from the execution
// aggregation when no dedicated scorer is wired: a clean run with no
// failures scores every checker at 100, the failed-task ratio lowers all
// four checkers by the same amount, and any cancellation takes a further
// 10 points off every score (an interrupted run is never fully
// trustworthy).
func heuristicScores(agg *scheduler.Aggregation) map[quality.Checker]int {
	if agg == nil || agg.Total == 0 {
		return map[quality.Checker]int{quality.CheckerLint: 100, quality.CheckerCompile: 100, quality.CheckerSecurity: 100, quality.CheckerTests: 100}
	}
	failRatio := float64(agg.Failed) / float64(agg.Total)
	base := 100 - int(failRatio*100)
	if agg.Cancelled > 0 {
		base -= 10
	}
	if base < 0 {
		base = 0
	}
	return map[quality.Checker]int{
		quality.CheckerLint:     base,
		quality.CheckerCompile:  base,
		quality.CheckerSecurity: base,
		quality.CheckerTests:    base,
	}
}

func (o *Orchestrator) gate(ctx context.Context, session ids.SessionId, cfg config.RunConfig) (*domain.ApprovalState, error) {
	if len(cfg.ApprovalRequiredApprovers) == 0 || o.approvals == nil || cfg.AutonomousMode {
		return nil, nil
	}
	g := approval.NewGate("artifact-"+string(session), cfg.ApprovalRequiredApprovers, cfg.ApprovalTimeout)
	id := o.approvals.Create(string(session), g)
	state := o.waitForApproval(ctx, id)
	o.persistApproval(ctx, state)
	if state.Status != domain.ApprovalApproved {
		return &state, errs.Permanent("gate: artifact approval ended with status %s", state.Status)
	}
	return &state, nil
}

// persistApproval checkpoints a resolved ApprovalState for audit; the
// in-memory Store remains the source of truth while the process lives.
func (o *Orchestrator) persistApproval(ctx context.Context, state domain.ApprovalState) {
	if o.persist == nil || state.ID == "" {
		return
	}
	if err := o.persist.PutApproval(ctx, state); err != nil {
		slog.Warn("approval checkpoint failed", "approval", state.ID, "error", err)
	}
}

// waitForApproval polls the Approval Gate until it leaves pending or ctx
// is cancelled, calling CheckTimeouts each tick so a gate whose deadline
// has passed is not left pending forever just because nobody polled it.
func (o *Orchestrator) waitForApproval(ctx context.Context, id ids.ApprovalId) domain.ApprovalState {
	ticker := 500 * time.Millisecond
	for {
		o.approvals.CheckTimeouts()
		state, err := o.approvals.Status(id)
		if err != nil {
			return domain.ApprovalState{ID: id, Status: domain.ApprovalRejected}
		}
		if state.Status.Terminal() {
			return state
		}
		select {
		case <-ctx.Done():
			// Run-wide cancel: the still-pending gate transitions to
			// cancelled rather than lingering until its timeout.
			_ = o.approvals.Cancel(id)
			if st, err := o.approvals.Status(id); err == nil {
				return st
			}
			return state
		case <-o.clock.After(ticker):
		}
	}
}

func (o *Orchestrator) finish(ctx context.Context, session ids.SessionId, issue domain.Issue, dag *domain.DAG, cfg config.RunConfig, report *RunReport) error {
	if o.persist != nil && dag != nil {
		if err := o.persist.DeleteRun(ctx, session); err != nil {
			slog.Warn("report: failed to clear persisted run state", "session", session, "error", err)
		}
	}
	if o.workspaces != nil {
		// The run is over: its workspaces become reclaimable right away
		// when the cleanup policy says delete-on-completion.
		o.workspaces.MarkRunCompleted(issue.Number)
		cleanup := o.workspaces.RunCleanup(workspace.CleanupPolicy{
			DeleteOrphanedAfter: cfg.Cleanup.DeleteOrphanedAfter,
			DeleteIdleAfter:     cfg.Cleanup.DeleteIdleAfter,
			DeleteStuckAfter:    cfg.Cleanup.DeleteStuckAfter,
			DeleteOnCompletion:  cfg.Cleanup.DeleteOnCompletion,
			MaxWorkspaces:       cfg.Cleanup.MaxWorkspaces,
		})
		if len(cleanup.Errors) > 0 {
			slog.Warn("report: cleanup reported errors", "session", session, "errors", len(cleanup.Errors))
		}
	}
	if o.platform != nil && len(report.PhaseErrors) == 0 && report.Aggregation != nil && len(report.Aggregation.ModifiedArtifacts) > 0 {
		title := fmt.Sprintf("automated change for run %s", session)
		if id, err := o.platform.OpenChangeRequest(ctx, report.Aggregation.ModifiedArtifacts, title); err != nil {
			slog.Warn("report: change request failed", "session", session, "error", err)
		} else {
			slog.Info("report: change request opened", "session", session, "change_request", id)
		}
	}
	summary := fmt.Sprintf("run %s: %d phases errored", session, len(report.PhaseErrors))
	o.publish(ctx, session, "report", "terminal", nil)
	slog.Info("run complete", "session", session, "summary", summary)
	return nil
}
