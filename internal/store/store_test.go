package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/ids"
)

func TestPutGetRunRoundTrips(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskforge.db")
	s, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	session := ids.NewExecutionId()
	dag := &domain.DAG{
		Nodes: map[ids.TaskId]*domain.Task{
			"a": {ID: "a", Title: "a", Status: domain.StatusSucceeded},
		},
	}

	ctx := context.Background()
	if err := s.PutRun(ctx, session, dag); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	got, ok, err := s.GetRun(ctx, session)
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if got.Nodes["a"].Status != domain.StatusSucceeded {
		t.Fatalf("round trip lost status: %+v", got.Nodes["a"])
	}
}

func TestGetRunMissing(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskforge.db")
	s, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, ok, err := s.GetRun(context.Background(), ids.NewExecutionId())
	if err != nil || ok {
		t.Fatalf("expected not found, got ok=%v err=%v", ok, err)
	}
}

func TestPutGetApproval(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskforge.db")
	s, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	state := domain.ApprovalState{
		ID:         ids.NewApprovalId(),
		WorkflowID: "wf-1",
		GateID:     "release",
		Status:     domain.ApprovalPending,
		CreatedAt:  time.Now(),
	}
	ctx := context.Background()
	if err := s.PutApproval(ctx, state); err != nil {
		t.Fatalf("PutApproval: %v", err)
	}
	got, ok, err := s.GetApproval(ctx, state.ID)
	if err != nil || !ok {
		t.Fatalf("GetApproval: ok=%v err=%v", ok, err)
	}
	if got.WorkflowID != "wf-1" || got.GateID != "release" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestWatermarkRoundTrips(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskforge.db")
	s, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	session := ids.NewExecutionId()
	ctx := context.Background()

	seq, err := s.GetWatermark(ctx, session)
	if err != nil || seq != 0 {
		t.Fatalf("expected zero-value watermark, got %d err=%v", seq, err)
	}

	if err := s.PutWatermark(ctx, session, 42); err != nil {
		t.Fatalf("PutWatermark: %v", err)
	}
	seq, err = s.GetWatermark(ctx, session)
	if err != nil || seq != 42 {
		t.Fatalf("expected 42, got %d err=%v", seq, err)
	}
}

func TestDeleteRun(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskforge.db")
	s, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	session := ids.NewExecutionId()
	dag := &domain.DAG{Nodes: map[ids.TaskId]*domain.Task{}}
	ctx := context.Background()
	if err := s.PutRun(ctx, session, dag); err != nil {
		t.Fatalf("PutRun: %v", err)
	}
	if err := s.DeleteRun(ctx, session); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	_, ok, err := s.GetRun(ctx, session)
	if err != nil || ok {
		t.Fatalf("expected run gone after delete, ok=%v err=%v", ok, err)
	}
}
