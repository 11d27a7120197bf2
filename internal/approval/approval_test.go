package approval

import (
	"errors"
	"testing"
	"time"

	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/domain"
)

func TestApprovalTimesOutWithPartialApproval(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	store := NewStore(fc, nil)

	gate := NewGate("release", []string{"alice", "bob"}, 60*time.Second)
	id := store.Create("wf-1", gate)

	if _, err := store.Approve(id, "alice", ""); err != nil {
		t.Fatalf("alice approve: %v", err)
	}

	fc.Advance(61 * time.Second)
	timedOut := store.CheckTimeouts()
	if len(timedOut) != 1 || timedOut[0] != id {
		t.Fatalf("expected %s timed out, got %v", id, timedOut)
	}

	st, err := store.Status(id)
	if err != nil || st.Status != domain.ApprovalTimedOut {
		t.Fatalf("status = %+v, err=%v; want timed_out", st, err)
	}

	_, err = store.Approve(id, "bob", "")
	var already *AlreadyCompletedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyCompleted, got %v", err)
	}
}

func TestApprovalFinalityInvariant(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	store := NewStore(fc, nil)
	gate := NewGate("g", []string{"alice"}, time.Hour)
	id := store.Create("wf", gate)

	st, err := store.Approve(id, "alice", "")
	if err != nil || st.Status != domain.ApprovalApproved {
		t.Fatalf("expected approved, got %+v %v", st, err)
	}

	before, _ := store.Status(id)
	_, err = store.Reject(id, "alice", "too late")
	var already *AlreadyCompletedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyCompleted, got %v", err)
	}
	after, _ := store.Status(id)
	if len(before.Responses) != len(after.Responses) {
		t.Fatalf("state mutated after terminal status")
	}
}

func TestApprovalNotAuthorized(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	store := NewStore(fc, nil)
	gate := NewGate("g", []string{"alice"}, time.Hour)
	id := store.Create("wf", gate)

	_, err := store.Approve(id, "mallory", "")
	var notAuth *NotAuthorizedError
	if !errors.As(err, &notAuth) {
		t.Fatalf("expected NotAuthorized, got %v", err)
	}
}

func TestApprovalAlreadyResponded(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	store := NewStore(fc, nil)
	gate := NewGate("g", []string{"alice", "bob"}, time.Hour)
	id := store.Create("wf", gate)

	if _, err := store.Approve(id, "alice", ""); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, err := store.Reject(id, "alice", "changed my mind")
	var responded *AlreadyRespondedError
	if !errors.As(err, &responded) {
		t.Fatalf("expected AlreadyResponded, got %v", err)
	}
}
