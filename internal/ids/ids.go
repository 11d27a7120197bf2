// Package ids names the opaque identifier types shared across components
// and generates new ones.
package ids

import "github.com/google/uuid"

// ExecutionId identifies one run of the Orchestrator over one issue. It
// doubles as the SessionId used by the Event Bus.
type ExecutionId string

// SessionId scopes event-bus delivery to one run. It is always equal to
// the ExecutionId of the run that owns the session.
type SessionId = ExecutionId

// TaskId identifies one subtask node in a DAG.
type TaskId string

// WorkspaceId identifies one isolated working copy.
type WorkspaceId string

// ApprovalId identifies one approval-gate instance.
type ApprovalId string

// NewExecutionId returns a fresh, globally unique ExecutionId.
func NewExecutionId() ExecutionId { return ExecutionId(uuid.NewString()) }

// NewTaskId returns a fresh, globally unique TaskId.
func NewTaskId() TaskId { return TaskId(uuid.NewString()) }

// NewWorkspaceId returns a fresh, globally unique WorkspaceId.
func NewWorkspaceId() WorkspaceId { return WorkspaceId(uuid.NewString()) }

// NewApprovalId returns a fresh, globally unique ApprovalId.
func NewApprovalId() ApprovalId { return ApprovalId(uuid.NewString()) }
