// Package models holds the persistent shapes of the workflow engine: status
// rows, recorded step results, and the JSON serialization rules for outputs
// and errors.
package models

import (
	"encoding/json"
	"time"
)

// WorkflowStatusType enumerates the lifecycle states of a workflow.
type WorkflowStatusType string

const (
	StatusPending         WorkflowStatusType = "PENDING"
	StatusSuccess         WorkflowStatusType = "SUCCESS"
	StatusError           WorkflowStatusType = "ERROR"
	StatusCancelled       WorkflowStatusType = "CANCELLED"
	StatusRetriesExceeded WorkflowStatusType = "RETRIES_EXCEEDED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s WorkflowStatusType) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled, StatusRetriesExceeded:
		return true
	}
	return false
}

// Identity carries the authenticated caller recorded with a workflow and
// re-presented to the body on recovery.
type Identity struct {
	AuthenticatedUser  string
	AssumedRole        string
	AuthenticatedRoles []string
}

// WorkflowStatus is a snapshot of one row of dbos.workflow_status.
type WorkflowStatus struct {
	WorkflowUUID       string
	Status             WorkflowStatusType
	Name               string
	ClassName          string
	ConfigName         string
	Identity           Identity
	Request            json.RawMessage
	Output             *string
	Error              *string
	ExecutorID         string
	ApplicationVersion string
	CreatedAt          int64 // unix millis
	UpdatedAt          int64 // unix millis
	RecoveryAttempts   int64
}

// OperationResult is a recorded step outcome from dbos.operation_outputs.
// Exactly one of Output and Error is meaningful; both nil means the step
// recorded a JSON null output.
type OperationResult struct {
	Output      *string
	Error       *string
	TxnSnapshot string
	TxnID       string
}

// WorkflowFilter selects workflows for the management surface.
// Zero values mean "no constraint".
type WorkflowFilter struct {
	Name               string
	AuthenticatedUser  string
	Status             WorkflowStatusType
	ApplicationVersion string
	StartTime          time.Time
	EndTime            time.Time
	Limit              int
}
