package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowKind distinguishes journaled operations.
type WorkflowKind string

const (
	WorkflowUpload WorkflowKind = "upload"
	WorkflowQuery  WorkflowKind = "query"
	WorkflowUpdate WorkflowKind = "update"
)

// WorkflowState is the local view of a workflow. It never replaces the ledger's
// record; a timed-out workflow stays "waiting" until a re-check observes a terminal status.
type WorkflowState string

const (
	WorkflowSubmitted WorkflowState = "submitted"
	WorkflowWaiting   WorkflowState = "waiting"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
)

// Workflow is one journaled upload or query.
type Workflow struct {
	ID        uuid.UUID     `json:"id"`
	Kind      WorkflowKind  `json:"kind"`
	Mode      Mode          `json:"mode"`
	Fallback  bool          `json:"fallback"`
	ClientID  string        `json:"client_id,omitempty"`
	DatasetID *uint64       `json:"dataset_id,omitempty"`
	QueryID   *uint64       `json:"query_id,omitempty"`
	TxHash    string        `json:"tx_hash,omitempty"`
	State     WorkflowState `json:"state"`
	Result    *string       `json:"result,omitempty"`
	Error     *string       `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
