// Package workspace gives each task a private working copy of the
// repository, enforces an upper bound on live workspaces, and reclaims
// workspaces that are no longer useful.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/errs"
	"github.com/swarmguard/taskforge/internal/ids"
	"go.opentelemetry.io/otel/metric"
)

// Thresholds control how ClassifyAll buckets workspaces.
type Thresholds struct {
	Active time.Duration
	Idle   time.Duration
	Stuck  time.Duration
	Orphan time.Duration
}

// CleanupPolicy enumerates the reclamation options RunCleanup honours.
type CleanupPolicy struct {
	DeleteOrphanedAfter time.Duration
	DeleteIdleAfter     time.Duration
	DeleteStuckAfter    time.Duration
	DeleteOnCompletion  bool
	MaxWorkspaces       *int
	DryRun              bool
}

// CleanupReport is what RunCleanup returns.
type CleanupReport struct {
	Deleted     []ids.WorkspaceId
	WouldDelete []ids.WorkspaceId
	Errors      map[ids.WorkspaceId]error
}

// Manager owns the set of live workspaces rooted under BaseDir.
type Manager struct {
	mu              sync.Mutex
	workspaces      map[ids.WorkspaceId]*domain.Workspace
	completedIssues map[int]struct{}
	baseDir         string
	clock           clock.Clock
	thresholds      Thresholds
	ops             metric.Int64Counter
}

// New returns a Manager rooted at baseDir.
func New(baseDir string, cl clock.Clock, thresholds Thresholds, ops metric.Int64Counter) *Manager {
	return &Manager{
		workspaces:      make(map[ids.WorkspaceId]*domain.Workspace),
		completedIssues: make(map[int]struct{}),
		baseDir:         baseDir,
		clock:           cl,
		thresholds:      thresholds,
		ops:             ops,
	}
}

// MarkRunCompleted records that the run over parentIssue has finished,
// making its workspaces eligible for immediate reclamation under
// CleanupPolicy.DeleteOnCompletion.
func (m *Manager) MarkRunCompleted(parentIssue int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedIssues[parentIssue] = struct{}{}
}

// Acquire creates a fresh working copy on branch for parentIssue. It
// fails with a Transient error if maxWorkspaces would be exceeded and no
// reclaimable workspace exists, so the Scheduler parks the task and asks
// again once a running task has released its workspace; creation
// failures (disk I/O) are Transient too.
func (m *Manager) Acquire(parentIssue int, branch string, maxWorkspaces *int) (*domain.Workspace, error) {
	m.mu.Lock()
	if maxWorkspaces != nil && len(m.workspaces) >= *maxWorkspaces {
		victim := m.reclaimCandidateLocked()
		if victim == nil {
			m.mu.Unlock()
			return nil, errs.Transient("workspace quota %d exceeded and no reclaimable workspace exists", *maxWorkspaces)
		}
		delete(m.workspaces, victim.ID)
		m.mu.Unlock()
		_ = os.RemoveAll(victim.Path)
		m.mu.Lock()
	}
	m.mu.Unlock()

	id := ids.NewWorkspaceId()
	path := filepath.Join(m.baseDir, fmt.Sprintf("issue-%d", parentIssue), string(id))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errs.Transient("workspace create: %w", err)
	}
	if err := initBranch(path, branch); err != nil {
		_ = os.RemoveAll(path)
		return nil, errs.Transient("workspace branch init: %w", err)
	}

	now := m.clock.Now()
	ws := &domain.Workspace{
		ID:           id,
		Path:         path,
		Branch:       branch,
		ParentIssue:  parentIssue,
		Status:       domain.WorkspaceActive,
		CreatedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	m.workspaces[id] = ws
	m.mu.Unlock()
	m.count()
	return ws, nil
}

// initBranch creates a local git repository and branch for a workspace.
func initBranch(path, branch string) error {
	cmds := [][]string{
		{"git", "init", "-q"},
		{"git", "checkout", "-q", "-b", branch},
	}
	for _, c := range cmds {
		cmd := exec.Command(c[0], c[1:]...)
		cmd.Dir = path
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%v: %w", c, err)
		}
	}
	return nil
}

// Release marks ws idle without deleting it.
func (m *Manager) Release(ws *domain.Workspace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.workspaces[ws.ID]; ok {
		existing.Status = domain.WorkspaceIdle
		existing.OwningTask = ""
		existing.LastActivity = m.clock.Now()
	}
	m.count()
}

// Touch records activity against ws, keeping it out of the stuck/idle
// buckets while its owning task is still working.
func (m *Manager) Touch(ws *domain.Workspace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.workspaces[ws.ID]; ok {
		existing.LastActivity = m.clock.Now()
	}
}

// ClassifyAll scans every known workspace and assigns it a status.
func (m *Manager) ClassifyAll() []domain.Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	out := make([]domain.Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		ws.Status = m.classifyLocked(ws, now)
		out = append(out, *ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) classifyLocked(ws *domain.Workspace, now time.Time) domain.WorkspaceStatus {
	if corrupted(ws.Path) {
		return domain.WorkspaceCorrupted
	}
	quiet := now.Sub(ws.LastActivity)
	// A workspace counts as owned from Acquire until Release, even in the
	// window before the acquiring task has written its id onto it; only
	// released workspaces are candidates for idle/orphan reclamation.
	if ws.OwningTask != "" || ws.Status == domain.WorkspaceActive {
		switch {
		case quiet > m.thresholds.Stuck:
			return domain.WorkspaceStuck
		case quiet <= m.thresholds.Active:
			return domain.WorkspaceActive
		default:
			// Owned but quiet past the active window: no longer making
			// progress, not yet quiet long enough to count as stuck.
			return domain.WorkspaceIdle
		}
	}
	switch {
	case quiet <= m.thresholds.Idle:
		return domain.WorkspaceIdle
	case quiet > m.thresholds.Orphan:
		return domain.WorkspaceOrphaned
	default:
		// Released and aged past the idle window, but not yet old enough
		// to count as orphaned.
		return domain.WorkspaceIdle
	}
}

func corrupted(path string) bool {
	info, err := os.Stat(path)
	return err != nil || !info.IsDir()
}

// reclaimCandidateLocked picks the oldest workspace to evict, in the
// order corrupted -> orphaned -> stuck -> idle; active workspaces are
// never reclaimed. Caller must hold m.mu.
func (m *Manager) reclaimCandidateLocked() *domain.Workspace {
	now := m.clock.Now()
	order := []domain.WorkspaceStatus{
		domain.WorkspaceCorrupted,
		domain.WorkspaceOrphaned,
		domain.WorkspaceStuck,
		domain.WorkspaceIdle,
	}
	for _, class := range order {
		var best *domain.Workspace
		for _, ws := range m.workspaces {
			if m.classifyLocked(ws, now) != class {
				continue
			}
			if best == nil || ws.CreatedAt.Before(best.CreatedAt) {
				best = ws
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}

// RunCleanup deletes workspaces according to policy. Deletion failures
// are recorded in the report and do not abort the remaining cleanup;
// corrupted workspaces are reported as "would delete" even under
// DryRun.
func (m *Manager) RunCleanup(policy CleanupPolicy) CleanupReport {
	report := CleanupReport{Errors: make(map[ids.WorkspaceId]error)}
	now := m.clock.Now()

	m.mu.Lock()
	candidates := make([]*domain.Workspace, 0)
	for _, ws := range m.workspaces {
		status := m.classifyLocked(ws, now)
		// A completed run's workspaces are reclaimed immediately under
		// DeleteOnCompletion, with no ageing-out wait; active ones are
		// still never touched.
		if policy.DeleteOnCompletion && status != domain.WorkspaceActive {
			if _, done := m.completedIssues[ws.ParentIssue]; done {
				candidates = append(candidates, ws)
				continue
			}
		}
		switch status {
		case domain.WorkspaceCorrupted:
			candidates = append(candidates, ws)
		case domain.WorkspaceOrphaned:
			if policy.DeleteOrphanedAfter > 0 && now.Sub(ws.LastActivity) > policy.DeleteOrphanedAfter {
				candidates = append(candidates, ws)
			}
		case domain.WorkspaceStuck:
			if policy.DeleteStuckAfter > 0 && now.Sub(ws.LastActivity) > policy.DeleteStuckAfter {
				candidates = append(candidates, ws)
			}
		case domain.WorkspaceIdle:
			if policy.DeleteIdleAfter > 0 && now.Sub(ws.LastActivity) > policy.DeleteIdleAfter {
				candidates = append(candidates, ws)
			}
		}
	}
	m.mu.Unlock()

	for _, ws := range candidates {
		if policy.DryRun {
			report.WouldDelete = append(report.WouldDelete, ws.ID)
			continue
		}
		if err := os.RemoveAll(ws.Path); err != nil {
			report.Errors[ws.ID] = err
			continue
		}
		m.mu.Lock()
		delete(m.workspaces, ws.ID)
		m.mu.Unlock()
		report.Deleted = append(report.Deleted, ws.ID)
	}

	m.pruneCompleted()
	m.count()
	return report
}

// pruneCompleted forgets completed-run markers once no workspace for
// that issue remains, so the marker set does not grow without bound.
func (m *Manager) pruneCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make(map[int]struct{}, len(m.workspaces))
	for _, ws := range m.workspaces {
		live[ws.ParentIssue] = struct{}{}
	}
	for issue := range m.completedIssues {
		if _, ok := live[issue]; !ok {
			delete(m.completedIssues, issue)
		}
	}
}

func (m *Manager) count() {
	if m.ops != nil {
		m.ops.Add(context.Background(), 1)
	}
}
