// Package approval blocks a run until a configured set of approvers has
// responded, with a timeout. Authorization checks run in a fixed order
// (already-completed, then not-an-approver, then already-responded)
// under one guarded read-check-write, so a vote against a terminal gate
// always reports AlreadyCompleted rather than AlreadyResponded.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/errs"
	"github.com/swarmguard/taskforge/internal/ids"
	"go.opentelemetry.io/otel/metric"
)

// DefaultTimeout applies when a gate's timeout is left unset.
const DefaultTimeout = 24 * time.Hour

// NotFoundError means no ApprovalState exists for the given id.
type NotFoundError struct{ ID ids.ApprovalId }

func (e *NotFoundError) Error() string { return fmt.Sprintf("approval %s not found", e.ID) }

// AlreadyCompletedError means the approval already reached a terminal status.
type AlreadyCompletedError struct{ ID ids.ApprovalId }

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("approval %s already completed", e.ID)
}

// NotAuthorizedError means the caller is not in required_approvers.
type NotAuthorizedError struct{ Approver string }

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("%s is not an authorized approver", e.Approver)
}

// AlreadyRespondedError means the approver already voted on this gate.
type AlreadyRespondedError struct{ Approver string }

func (e *AlreadyRespondedError) Error() string {
	return fmt.Sprintf("%s has already responded", e.Approver)
}

// Gate is one Approval Gate instance's builder/config.
type Gate struct {
	GateID            string
	RequiredApprovers map[string]struct{}
	Timeout           time.Duration
}

// NewGate returns a Gate builder, defaulting Timeout to DefaultTimeout
// when the caller passes zero.
func NewGate(gateID string, approvers []string, timeout time.Duration) Gate {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	set := make(map[string]struct{}, len(approvers))
	for _, a := range approvers {
		set[a] = struct{}{}
	}
	return Gate{GateID: gateID, RequiredApprovers: set, Timeout: timeout}
}

// Store holds every ApprovalState created in the process, guarded by a
// single lock.
type Store struct {
	mu        sync.Mutex
	states    map[ids.ApprovalId]*domain.ApprovalState
	clock     clock.Clock
	decisions metric.Int64Counter
}

// NewStore returns an empty Store.
func NewStore(cl clock.Clock, decisions metric.Int64Counter) *Store {
	return &Store{states: make(map[ids.ApprovalId]*domain.ApprovalState), clock: cl, decisions: decisions}
}

// Create opens a new ApprovalState for workflowID/gate and returns its id.
func (s *Store) Create(workflowID string, gate Gate) ids.ApprovalId {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	id := ids.NewApprovalId()
	s.states[id] = &domain.ApprovalState{
		ID:                id,
		WorkflowID:        workflowID,
		GateID:            gate.GateID,
		RequiredApprovers: gate.RequiredApprovers,
		Status:            domain.ApprovalPending,
		CreatedAt:         now,
		TimeoutAt:         now.Add(gate.Timeout),
	}
	return id
}

// Approve records an approve vote. It fails with AlreadyCompleted if the
// gate is no longer pending, NotAuthorized if approver is not required,
// or AlreadyResponded if approver already voted — checked in that order.
func (s *Store) Approve(id ids.ApprovalId, approver, comment string) (domain.ApprovalState, error) {
	return s.respond(id, approver, true, comment)
}

// Reject records a reject vote, with the same guards as Approve.
func (s *Store) Reject(id ids.ApprovalId, approver, reason string) (domain.ApprovalState, error) {
	return s.respond(id, approver, false, reason)
}

func (s *Store) respond(id ids.ApprovalId, approver string, approved bool, note string) (domain.ApprovalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[id]
	if !ok {
		return domain.ApprovalState{}, errs.Validation("%w", &NotFoundError{ID: id})
	}
	if st.Status.Terminal() {
		return domain.ApprovalState{}, errs.Permanent("%w", &AlreadyCompletedError{ID: id})
	}
	if _, required := st.RequiredApprovers[approver]; !required {
		return domain.ApprovalState{}, errs.Validation("%w", &NotAuthorizedError{Approver: approver})
	}
	for _, r := range st.Responses {
		if r.Approver == approver {
			return domain.ApprovalState{}, errs.Validation("%w", &AlreadyRespondedError{Approver: approver})
		}
	}

	st.Responses = append(st.Responses, domain.ApprovalResponse{
		Approver: approver,
		Approved: approved,
		Comment:  note,
		At:       s.clock.Now(),
	})

	if !approved {
		st.Status = domain.ApprovalRejected
	} else if s.allApproved(st) {
		st.Status = domain.ApprovalApproved
	}

	s.count()
	return *st, nil
}

func (s *Store) allApproved(st *domain.ApprovalState) bool {
	approved := make(map[string]struct{}, len(st.Responses))
	for _, r := range st.Responses {
		if r.Approved {
			approved[r.Approver] = struct{}{}
		}
	}
	for required := range st.RequiredApprovers {
		if _, ok := approved[required]; !ok {
			return false
		}
	}
	return true
}

// Status returns the current ApprovalState for id.
func (s *Store) Status(id ids.ApprovalId) (domain.ApprovalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return domain.ApprovalState{}, errs.Validation("%w", &NotFoundError{ID: id})
	}
	return *st, nil
}

// ListPending returns every ApprovalState still pending.
func (s *Store) ListPending() []domain.ApprovalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ApprovalState
	for _, st := range s.states {
		if st.Status == domain.ApprovalPending {
			out = append(out, *st)
		}
	}
	return out
}

// ListPendingForApprover returns pending approvals approver has not yet
// voted on.
func (s *Store) ListPendingForApprover(approver string) []domain.ApprovalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ApprovalState
	for _, st := range s.states {
		if st.Status != domain.ApprovalPending {
			continue
		}
		if _, required := st.RequiredApprovers[approver]; !required {
			continue
		}
		responded := false
		for _, r := range st.Responses {
			if r.Approver == approver {
				responded = true
				break
			}
		}
		if !responded {
			out = append(out, *st)
		}
	}
	return out
}

// CheckTimeouts transitions every pending approval whose TimeoutAt has
// passed into timed_out, and returns their ids.
func (s *Store) CheckTimeouts() []ids.ApprovalId {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var timedOut []ids.ApprovalId
	for id, st := range s.states {
		if st.Status == domain.ApprovalPending && !now.Before(st.TimeoutAt) {
			st.Status = domain.ApprovalTimedOut
			timedOut = append(timedOut, id)
		}
	}
	if len(timedOut) > 0 {
		s.count()
	}
	return timedOut
}

// Cancel transitions id from pending to cancelled, for run-wide cancel.
func (s *Store) Cancel(id ids.ApprovalId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return errs.Validation("%w", &NotFoundError{ID: id})
	}
	if st.Status.Terminal() {
		return nil
	}
	st.Status = domain.ApprovalCancelled
	return nil
}

func (s *Store) count() {
	if s.decisions != nil {
		s.decisions.Add(context.Background(), 1)
	}
}
