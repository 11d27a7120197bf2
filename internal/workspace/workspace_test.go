package workspace

import (
	"os"
	"testing"
	"time"

	"github.com/swarmguard/taskforge/internal/clock"
)

func newTestManager(t *testing.T) (*Manager, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	fc := clock.NewFake(time.Unix(0, 0))
	th := Thresholds{Active: time.Hour, Idle: 2 * time.Hour, Stuck: 30 * time.Minute, Orphan: 24 * time.Hour}
	return New(dir, fc, th, nil), fc
}

func TestAcquireCreatesDirectory(t *testing.T) {
	m, _ := newTestManager(t)
	ws, err := m.Acquire(1, "task/1", nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(ws.Path); err != nil {
		t.Fatalf("workspace path missing: %v", err)
	}
	if ws.Status != "active" {
		t.Fatalf("status = %v, want active", ws.Status)
	}
}

func TestAcquireQuotaExhaustedNoReclaimable(t *testing.T) {
	m, _ := newTestManager(t)
	max := 1
	ws1, err := m.Acquire(1, "a", &max)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ws1.OwningTask = "T1" // keep it active so it cannot be reclaimed

	if _, err := m.Acquire(2, "b", &max); err == nil {
		t.Fatalf("expected quota exhaustion error")
	}
}

func TestReleaseMarksIdle(t *testing.T) {
	m, _ := newTestManager(t)
	ws, _ := m.Acquire(1, "a", nil)
	m.Release(ws)
	all := m.ClassifyAll()
	if len(all) != 1 || all[0].Status != "idle" {
		t.Fatalf("expected idle, got %v", all)
	}
}

func TestClassifyActiveAndIdleThresholds(t *testing.T) {
	dir := t.TempDir()
	fc := clock.NewFake(time.Unix(0, 0))
	th := Thresholds{Active: 10 * time.Minute, Idle: time.Hour, Stuck: 30 * time.Minute, Orphan: 24 * time.Hour}
	m := New(dir, fc, th, nil)

	owned, err := m.Acquire(1, "owned", nil)
	if err != nil {
		t.Fatalf("acquire owned: %v", err)
	}
	owned.OwningTask = "T1"
	released, err := m.Acquire(1, "released", nil)
	if err != nil {
		t.Fatalf("acquire released: %v", err)
	}
	m.Release(released)

	statuses := func() map[string]string {
		out := make(map[string]string)
		for _, ws := range m.ClassifyAll() {
			out[ws.Branch] = string(ws.Status)
		}
		return out
	}

	fc.Advance(5 * time.Minute)
	got := statuses()
	if got["owned"] != "active" {
		t.Fatalf("at 5m owned = %s, want active", got["owned"])
	}
	if got["released"] != "idle" {
		t.Fatalf("at 5m released = %s, want idle", got["released"])
	}

	// Past the 10m active window but short of the 30m stuck threshold:
	// the owned workspace is no longer active.
	fc.Advance(10 * time.Minute)
	got = statuses()
	if got["owned"] != "idle" {
		t.Fatalf("at 15m owned = %s, want idle", got["owned"])
	}

	fc.Advance(30 * time.Minute)
	got = statuses()
	if got["owned"] != "stuck" {
		t.Fatalf("at 45m owned = %s, want stuck", got["owned"])
	}
	if got["released"] != "idle" {
		t.Fatalf("at 45m released = %s, want idle (within the 1h idle window)", got["released"])
	}
}

func TestClassifyStuckAfterThreshold(t *testing.T) {
	m, fc := newTestManager(t)
	ws, _ := m.Acquire(1, "a", nil)
	ws.OwningTask = "T1"

	fc.Advance(45 * time.Minute) // past the 30m stuck threshold
	all := m.ClassifyAll()
	if len(all) != 1 || all[0].Status != "stuck" {
		t.Fatalf("expected stuck, got %v", all)
	}
}

func TestRunCleanupDeletesOrphaned(t *testing.T) {
	m, fc := newTestManager(t)
	ws, _ := m.Acquire(1, "a", nil)
	m.Release(ws)

	fc.Advance(25 * time.Hour)
	report := m.RunCleanup(CleanupPolicy{DeleteOrphanedAfter: 24 * time.Hour})
	if len(report.Deleted) != 1 {
		t.Fatalf("expected 1 deletion, got %v", report)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Fatalf("expected workspace path removed")
	}
}

func TestRunCleanupDeleteOnCompletion(t *testing.T) {
	m, _ := newTestManager(t)
	ws, _ := m.Acquire(7, "a", nil)
	m.Release(ws)

	// Without the flag (or the completion mark) a fresh idle workspace
	// is never a candidate.
	report := m.RunCleanup(CleanupPolicy{})
	if len(report.Deleted) != 0 {
		t.Fatalf("expected no deletions without the flag, got %v", report)
	}

	m.MarkRunCompleted(7)
	report = m.RunCleanup(CleanupPolicy{DeleteOnCompletion: true})
	if len(report.Deleted) != 1 || report.Deleted[0] != ws.ID {
		t.Fatalf("expected the completed run's workspace deleted, got %v", report)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Fatalf("expected workspace path removed")
	}
}

func TestRunCleanupDeleteOnCompletionSparesActive(t *testing.T) {
	m, _ := newTestManager(t)
	ws, _ := m.Acquire(9, "a", nil)
	ws.OwningTask = "T1"

	m.MarkRunCompleted(9)
	report := m.RunCleanup(CleanupPolicy{DeleteOnCompletion: true})
	if len(report.Deleted) != 0 {
		t.Fatalf("active workspace must never be deleted, got %v", report)
	}
}
