// Command orchestrator runs the taskforge process: it exposes an HTTP
// API for submitting issues, recording approval decisions, streaming
// run events, and inspecting run reports, wiring every internal
// component into one process.
//
// "orchestrator run <issue.json>" instead drives a single issue through
// one synchronous run and exits with the documented codes: 0 success,
// 1 bad input, 2 configuration error, 3 run failed, 4 run cancelled,
// 5 internal invariant violated.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskforge/internal/approval"
	"github.com/swarmguard/taskforge/internal/authn"
	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/config"
	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/errs"
	"github.com/swarmguard/taskforge/internal/eventbus"
	"github.com/swarmguard/taskforge/internal/executor"
	"github.com/swarmguard/taskforge/internal/ids"
	"github.com/swarmguard/taskforge/internal/logging"
	"github.com/swarmguard/taskforge/internal/orchestrator"
	"github.com/swarmguard/taskforge/internal/otelinit"
	"github.com/swarmguard/taskforge/internal/pagination"
	"github.com/swarmguard/taskforge/internal/remote"
	"github.com/swarmguard/taskforge/internal/resilience"
	"github.com/swarmguard/taskforge/internal/scheduler"
	"github.com/swarmguard/taskforge/internal/store"
	"github.com/swarmguard/taskforge/internal/validate"
	"github.com/swarmguard/taskforge/internal/workspace"
)

const (
	exitOK = iota
	exitBadInput
	exitBadConfig
	exitRunFailed
	exitRunCancelled
	exitInvariant
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "run" {
		os.Exit(runOnce(os.Args[2:]))
	}
	os.Exit(serve())
}

// components is everything one process instance wires up, shared between
// the long-running server and the one-shot CLI path.
type components struct {
	cfg            config.RunConfig
	orc            *orchestrator.Orchestrator
	bus            *eventbus.Bus
	approvals      *approval.Store
	wsMgr          *workspace.Manager
	persist        *store.Store
	metricsHandler http.Handler
	close          func()
}

func build(ctx context.Context, service string) (*components, error) {
	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, instruments := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	cfg := config.FromEnv()

	persist, err := store.Open(getenv("TASKFORGE_DB_PATH", "taskforge.db"), meter)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cl := clock.Real{}
	wsMgr := workspace.New(getenv("TASKFORGE_WORKSPACE_DIR", "workspaces"), cl, workspace.Thresholds{
		Active: 15 * time.Minute,
		Idle:   2 * time.Hour,
		Stuck:  30 * time.Minute,
		Orphan: 24 * time.Hour,
	}, instruments.WorkspaceOps)

	approvals := approval.NewStore(cl, instruments.ApprovalDecisions)

	var broadcaster eventbus.Broadcaster
	var closeNATS func()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		nb, err := eventbus.DialNATS(natsURL, "taskforge.events")
		if err != nil {
			slog.Warn("nats connect failed, durable fan-out disabled", "error", err)
		} else {
			broadcaster = nb
			closeNATS = nb.Close
		}
	}
	evictCounter, _ := meter.Int64Counter("taskforge_eventbus_evictions_total")
	bus := eventbus.New(cfg.EventBusQueueCapacityPerSession, broadcaster, instruments.EventBusOps, evictCounter)

	shellExec := executor.New(roleCommands(), []string{"go", "gofmt", "echo", "true"})

	// Machines named in TASKFORGE_MACHINES get a per-machine admission
	// slot with a circuit breaker, and tasks targeting one are dispatched
	// over SSH instead of a local subprocess.
	machines := map[string]*scheduler.MachineSlot{}
	var remoteTasks scheduler.Executor
	if spec := os.Getenv("TASKFORGE_MACHINES"); spec != "" {
		fleet := remote.ParseMachines(spec)
		registry := remote.NewStaticRegistry(fleet)
		sshExec := remote.New(remote.Config{
			ConnectTimeout: 10 * time.Second,
			KnownHostsFile: os.Getenv("TASKFORGE_KNOWN_HOSTS"),
		}, instruments.RemoteCalls)
		remoteTasks = remote.NewTaskExecutor(sshExec, registry, roleCommands(), 30*time.Minute)
		for _, m := range fleet {
			machines[m.Name] = &scheduler.MachineSlot{
				Machine: m,
				Breaker: resilience.NewCircuitBreaker(time.Minute, 6, 5, 0.5, 30*time.Second, 2, instruments.CircuitOpen, nil),
			}
		}
	}

	executors := map[string]scheduler.Executor{}
	for _, role := range []string{"implementer", "tester", "writer"} {
		executors[role] = routingExecutor{local: shellExec, remote: remoteTasks}
	}

	schedCfg := scheduler.Config{
		MaxConcurrency:   cfg.MaxConcurrency,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBackoffBase: cfg.RetryBackoffBase,
		MaxWorkspaces:    cfg.MaxWorkspaces,
	}
	sched := scheduler.New(schedCfg, executors, machines, wsMgr, cl, bus, instruments.RetryAttempts, instruments.SchedulerTaskEvents)

	orc := orchestrator.New(orchestrator.HeuristicGenerator{}, nil, sched, wsMgr, approvals, bus, persist, cl)

	return &components{
		cfg:            cfg,
		orc:            orc,
		bus:            bus,
		approvals:      approvals,
		wsMgr:          wsMgr,
		persist:        persist,
		metricsHandler: promHandler,
		close: func() {
			if closeNATS != nil {
				closeNATS()
			}
			_ = persist.Close()
			ctxSd, cancelSd := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelSd()
			otelinit.Flush(ctxSd, shutdownTrace)
			_ = shutdownMetrics(ctxSd)
		},
	}, nil
}

// routingExecutor dispatches a task to the remote executor when it
// targets a machine, and to the local shell executor otherwise.
type routingExecutor struct {
	local  scheduler.Executor
	remote scheduler.Executor
}

func (r routingExecutor) Run(ctx context.Context, task *domain.Task, ws *domain.Workspace) (domain.TaskResult, error) {
	if task.TargetMachine != "" && r.remote != nil {
		return r.remote.Run(ctx, task, ws)
	}
	return r.local.Run(ctx, task, ws)
}

func runOnce(args []string) int {
	logging.Init("orchestrator")
	if len(args) < 1 {
		slog.Error("usage: orchestrator run <issue.json>")
		return exitBadInput
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		slog.Error("cannot read issue file", "path", args[0], "error", err)
		return exitBadInput
	}
	var req validate.SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Error("issue file is not valid json", "error", err)
		return exitBadInput
	}
	issue, err := req.Validate()
	if err != nil {
		slog.Error("invalid issue", "error", err)
		return exitBadInput
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := build(ctx, "orchestrator")
	if err != nil {
		slog.Error("configuration error", "error", err)
		return exitBadConfig
	}
	defer c.close()

	report, err := c.orc.Run(ctx, issue, c.cfg)
	if report == nil {
		slog.Error("run rejected", "error", err)
		return exitBadInput
	}
	slog.Info("run finished", "session", report.Session, "outcome", report.Outcome)
	switch {
	case report.InvariantViolated:
		return exitInvariant
	case report.Outcome == "cancelled":
		return exitRunCancelled
	case report.Outcome == "failed":
		return exitRunFailed
	}
	return exitOK
}

func serve() int {
	const service = "orchestrator"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := build(ctx, service)
	if err != nil {
		slog.Error("configuration error", "error", err)
		return exitBadConfig
	}
	defer c.close()

	var verifier *authn.Verifier
	if secret := os.Getenv("TASKFORGE_JWT_SECRET"); len(secret) >= 32 {
		verifier, err = authn.NewVerifier([]byte(secret), "taskforge", "taskforge-api")
		if err != nil {
			slog.Warn("jwt verifier init failed, approvals accept unauthenticated approver names", "error", err)
		}
	} else {
		slog.Warn("TASKFORGE_JWT_SECRET unset or too short, approvals accept unauthenticated approver names")
	}

	cleanupTicker := cron.New()
	cleanupTicker.AddFunc("@every 5m", func() {
		report := c.wsMgr.RunCleanup(workspace.CleanupPolicy{
			DeleteOrphanedAfter: c.cfg.Cleanup.DeleteOrphanedAfter,
			DeleteIdleAfter:     c.cfg.Cleanup.DeleteIdleAfter,
			DeleteStuckAfter:    c.cfg.Cleanup.DeleteStuckAfter,
			DeleteOnCompletion:  c.cfg.Cleanup.DeleteOnCompletion,
			MaxWorkspaces:       c.cfg.Cleanup.MaxWorkspaces,
		})
		if len(report.Deleted) > 0 || len(report.Errors) > 0 {
			slog.Info("periodic cleanup", "deleted", len(report.Deleted), "errors", len(report.Errors))
		}
		if timedOut := c.approvals.CheckTimeouts(); len(timedOut) > 0 {
			slog.Info("periodic approval timeout sweep", "timed_out", len(timedOut))
		}
	})
	cleanupTicker.Start()
	defer cleanupTicker.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /v1/issues", func(w http.ResponseWriter, r *http.Request) {
		var req validate.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		issue, err := req.Validate()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		runCfg := c.cfg
		runCfg.IdempotencyKey = req.IdempotencyKey
		session, err := c.orc.Submit(r.Context(), issue, runCfg)
		if err != nil {
			slog.Error("submit failed", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": string(session)})
	})

	mux.HandleFunc("GET /v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		report, ok := c.orc.Report(ids.SessionId(r.PathValue("id")))
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("POST /v1/runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		c.orc.CancelRun(ids.SessionId(r.PathValue("id")))
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /v1/runs", func(w http.ResponseWriter, r *http.Request) {
		cursor, err := pagination.Decode(r.URL.Query().Get("cursor"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
				limit = n
			}
		}
		page, next, hasMore := c.orc.ListReports(cursor, limit)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"runs":        page,
			"next_cursor": next.Encode(),
			"has_more":    hasMore,
		})
	})

	// Server-sent event stream of one session's progress, resuming from
	// ?watermark=N or, absent that, the session's persisted watermark.
	mux.HandleFunc("GET /v1/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		session := ids.SessionId(r.PathValue("id"))
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		var watermark uint64
		if v := r.URL.Query().Get("watermark"); v != "" {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				watermark = n
			}
		} else if wm, err := c.persist.GetWatermark(r.Context(), session); err == nil {
			watermark = wm
		}

		ch, cancelSub := c.bus.Subscribe(r.Context(), session, watermark)
		defer cancelSub()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher.Flush()

		for {
			select {
			case e := <-ch:
				data, err := json.Marshal(e)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
				_ = c.persist.PutWatermark(r.Context(), session, e.Seq+1)
			case <-r.Context().Done():
				return
			}
		}
	})

	mux.HandleFunc("POST /v1/approvals/{id}/approve", approvalHandler(c.approvals, verifier, true))
	mux.HandleFunc("POST /v1/approvals/{id}/reject", approvalHandler(c.approvals, verifier, false))

	if c.metricsHandler != nil {
		mux.Handle("/metrics", c.metricsHandler)
	}

	srv := &http.Server{Addr: getenv("TASKFORGE_ADDR", ":8080"), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("orchestrator started", "addr", srv.Addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, cancelSd := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSd()
	_ = srv.Shutdown(ctxSd)
	slog.Info("shutdown complete")
	return exitOK
}

// roleCommands is the default command a freshly bootstrapped process runs
// for each role; every command is overridable by hand-editing
// this map or, in a larger deployment, sourcing it from config. Commands
// are argv, not shell: no redirects, pipes, or chaining.
func roleCommands() map[string]string {
	return map[string]string{
		"implementer": "true",
		"tester":      "go test ./...",
		"writer":      "true",
	}
}

type approveRequest struct {
	Comment string `json:"comment"`
}

func approvalHandler(approvals *approval.Store, verifier *authn.Verifier, approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := ids.ApprovalId(r.PathValue("id"))

		approver, err := identify(r, verifier)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		var req approveRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		var respErr error
		if approve {
			_, respErr = approvals.Approve(id, approver, req.Comment)
		} else {
			_, respErr = approvals.Reject(id, approver, req.Comment)
		}
		if respErr != nil {
			status := http.StatusBadRequest
			if errs.KindOf(respErr) == errs.KindValidation {
				status = http.StatusForbidden
			}
			http.Error(w, respErr.Error(), status)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// identify returns the caller's approver name: the verified JWT subject
// when a Verifier is configured, otherwise the "approver" query
// parameter, matching the degraded-but-functional mode logged at startup
// when no signing secret is configured.
func identify(r *http.Request, verifier *authn.Verifier) (string, error) {
	if verifier == nil {
		if a := r.URL.Query().Get("approver"); a != "" {
			return a, nil
		}
		return "", errs.Validation("approver query parameter required when no jwt verifier is configured")
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", errs.Validation("missing bearer token")
	}
	approver, _, err := verifier.Verify(token)
	return approver, err
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
