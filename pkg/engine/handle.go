package engine

import (
	"context"
	"encoding/json"

	"github.com/everrun-io/everrun/pkg/models"
	"github.com/everrun-io/everrun/pkg/sysdb"
)

// Handle refers to one workflow execution. A handle obtained from the
// invoking process resolves from the in-process completion; a handle
// retrieved by UUID polls the system database.
type Handle struct {
	workflowUUID string
	sysDB        sysdb.SystemDatabase

	// Local completion, set by the owning executor. nil for retrieved handles.
	done   chan struct{}
	output *string
	err    error
}

func newLocalHandle(workflowUUID string, db sysdb.SystemDatabase) *Handle {
	return &Handle{workflowUUID: workflowUUID, sysDB: db, done: make(chan struct{})}
}

func newRetrievedHandle(workflowUUID string, db sysdb.SystemDatabase) *Handle {
	return &Handle{workflowUUID: workflowUUID, sysDB: db}
}

// newCompletedHandle wraps an already-terminal workflow.
func newCompletedHandle(workflowUUID string, db sysdb.SystemDatabase, result *models.OperationResult) *Handle {
	h := newLocalHandle(workflowUUID, db)
	h.complete(result.Output, resultError(result))
	return h
}

func (h *Handle) complete(output *string, err error) {
	h.output = output
	h.err = err
	close(h.done)
}

// WorkflowUUID returns the identity of the workflow this handle refers to.
func (h *Handle) WorkflowUUID() string { return h.workflowUUID }

// GetStatus returns the current status row, or nil if the workflow is
// unknown.
func (h *Handle) GetStatus(ctx context.Context) (*models.WorkflowStatus, error) {
	return h.sysDB.GetWorkflowStatus(ctx, h.workflowUUID)
}

// GetResult blocks until the workflow reaches a terminal state and returns
// its recorded output, or the recorded error rehydrated as an error value.
func (h *Handle) GetResult(ctx context.Context) (json.RawMessage, error) {
	if h.done != nil {
		select {
		case <-h.done:
			if h.err != nil {
				return nil, h.err
			}
			return rawOutput(h.output), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	result, err := h.sysDB.GetWorkflowResult(ctx, h.workflowUUID)
	if err != nil {
		return nil, err
	}
	if rerr := resultError(result); rerr != nil {
		return nil, rerr
	}
	return rawOutput(result.Output), nil
}

func resultError(result *models.OperationResult) error {
	if result == nil || result.Error == nil {
		return nil
	}
	return models.DeserializeError(*result.Error)
}

func rawOutput(output *string) json.RawMessage {
	if output == nil {
		return json.RawMessage("null")
	}
	return models.Deserialize(*output)
}
