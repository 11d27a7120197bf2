// Package domain holds the shared data model: Issue, Task, DAG,
// Workspace, Machine, Event, and ApprovalState. Every component operates
// on these types rather than declaring its own.
package domain

import (
	"time"

	"github.com/swarmguard/taskforge/internal/ids"
)

// IssueState is the lifecycle state of an inbound issue.
type IssueState string

const (
	IssueOpen   IssueState = "open"
	IssueClosed IssueState = "closed"
)

// Issue is the immutable input to one Orchestrator run.
type Issue struct {
	Number int
	Title  string
	Body   string
	Labels map[string]struct{}
	State  IssueState
}

// HasLabel reports whether the issue carries the named label.
func (i Issue) HasLabel(label string) bool {
	_, ok := i.Labels[label]
	return ok
}

// TaskKind classifies the nature of a subtask's work.
type TaskKind string

const (
	KindFeature  TaskKind = "feature"
	KindBug      TaskKind = "bug"
	KindRefactor TaskKind = "refactor"
	KindTest     TaskKind = "test"
	KindDocs     TaskKind = "docs"
	KindOther    TaskKind = "other"
)

// TaskStatus is a Task's position in its lifecycle state machine.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusReady     TaskStatus = "ready"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
	StatusSkipped   TaskStatus = "skipped"
)

// Terminal reports whether status is one that never changes again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// TaskResult is the outcome an Executor reports for one attempt.
type TaskResult struct {
	Output          string
	ModifiedFiles   []string
	FilesWritten    int
	TotalLinesAdded int
	Err             error
}

// Task is one node in the execution DAG.
type Task struct {
	ID            ids.TaskId
	Title         string
	Description   string
	Kind          TaskKind
	Priority      int
	AssignedRole  string
	// ParentIssue is the number of the issue this task was decomposed
	// from; workspaces acquired for the task are filed under it.
	ParentIssue   int
	// TargetMachine names the remote Machine this task must run on, when
	// non-empty. Empty means the task runs locally and never touches the
	// Scheduler's per-machine admission control.
	TargetMachine string
	Dependencies  map[ids.TaskId]struct{}
	// DependencyRefs holds the raw, as-yet-unresolved dependency
	// references (by title or id) the Task Graph Builder resolves into
	// Dependencies. Populated only before build(); empty afterward.
	DependencyRefs []string
	EstimatedDuration time.Duration
	Status        TaskStatus
	Attempt       int
	Result        *TaskResult
	LastError     string
}

// DAG is the validated, level-partitioned task graph.
type DAG struct {
	Nodes map[ids.TaskId]*Task
	Edges []Edge
	Levels [][]ids.TaskId
}

// Edge is a dependency arrow: From must succeed before To starts.
type Edge struct {
	From ids.TaskId
	To   ids.TaskId
}

// WorkspaceStatus classifies a Workspace's reclamation eligibility.
type WorkspaceStatus string

const (
	WorkspaceActive    WorkspaceStatus = "active"
	WorkspaceIdle      WorkspaceStatus = "idle"
	WorkspaceStuck     WorkspaceStatus = "stuck"
	WorkspaceOrphaned  WorkspaceStatus = "orphaned"
	WorkspaceCorrupted WorkspaceStatus = "corrupted"
)

// Workspace is an isolated working copy owned by at most one task.
type Workspace struct {
	ID             ids.WorkspaceId
	Path           string
	Branch         string
	ParentIssue    int
	Status         WorkspaceStatus
	CreatedAt      time.Time
	LastActivity   time.Time
	DiskUsageBytes int64
	OwningTask     ids.TaskId // empty when released
}

// Machine is a named remote execution target with a concurrency budget.
type Machine struct {
	Name        string
	Address     string
	MaxParallel int
	CurrentLoad int
}

// EventPriority orders delivery within a session's queue.
type EventPriority int

const (
	PriorityLow EventPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Event is one message on the Event Bus.
type Event struct {
	Session   ids.SessionId
	Seq       uint64
	Phase     string
	Kind      string
	Priority  EventPriority
	Payload   interface{}
	Timestamp time.Time
}

// ApprovalStatus is an ApprovalState's position in its state machine.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalTimedOut  ApprovalStatus = "timed_out"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether status never changes again.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// ApprovalResponse is one approver's vote.
type ApprovalResponse struct {
	Approver string
	Approved bool
	Comment  string
	At       time.Time
}

// ApprovalState is one Approval Gate instance.
type ApprovalState struct {
	ID                ids.ApprovalId
	WorkflowID        string
	GateID            string
	RequiredApprovers map[string]struct{}
	Responses         []ApprovalResponse
	Status            ApprovalStatus
	CreatedAt         time.Time
	TimeoutAt         time.Time
}
