package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/everrun-io/everrun/pkg/apperrors"
	"github.com/everrun-io/everrun/pkg/models"
	"github.com/everrun-io/everrun/pkg/registry"
	"github.com/everrun-io/everrun/pkg/sysdb"
)

// Naming scheme for the single-step workflows that wrap standalone
// transaction, communicator, and send invocations. The recorded name is
// enough to re-resolve the wrapped operation during recovery.
const (
	tempWorkflowPrefix   = "temp_workflow-"
	tempKindTransaction  = "transaction"
	tempKindCommunicator = "external"
	tempKindSend         = "send"
)

func tempWorkflowName(kind, name string) string {
	return tempWorkflowPrefix + kind + "-" + name
}

// InvokeOptions carries the optional identity of a workflow invocation.
// A preset WorkflowUUID makes the invocation idempotent: duplicates attach
// to the first recorded execution.
type InvokeOptions struct {
	WorkflowUUID string
	Identity     models.Identity
	ConfigName   string
	// Request is recorded verbatim for tracing; typically the serialized
	// originating HTTP request.
	Request string
}

func (o *InvokeOptions) orDefaults() InvokeOptions {
	if o == nil {
		return InvokeOptions{}
	}
	return *o
}

// Workflow starts the named workflow with the given input and returns a
// handle. The workflow keeps running if ctx is cancelled after the status
// record commits.
func (e *Executor) Workflow(ctx context.Context, name string, input any, opts *InvokeOptions) (*Handle, error) {
	op, err := e.reg.LookupKind(name, registry.KindWorkflow)
	if err != nil {
		return nil, err
	}
	fn, ok := op.Fn.(WorkflowFunc)
	if !ok {
		if plain, okPlain := op.Fn.(func(*WorkflowContext, json.RawMessage) (any, error)); okPlain {
			fn = plain
		} else {
			return nil, fmt.Errorf("workflow %q has wrong signature", name)
		}
	}
	return e.startWorkflow(ctx, op.Name, op, fn, input, opts.orDefaults())
}

// Transaction runs a single transaction step outside any workflow by
// wrapping it in a single-step workflow, preserving exactly-once semantics.
func (e *Executor) Transaction(ctx context.Context, name string, input any, opts *InvokeOptions) (*Handle, error) {
	op, err := e.reg.LookupKind(name, registry.KindTransaction)
	if err != nil {
		return nil, err
	}
	fn := func(wc *WorkflowContext, in json.RawMessage) (any, error) {
		out, err := wc.Transaction(name, in)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return e.startWorkflow(ctx, tempWorkflowName(tempKindTransaction, name), op, fn, input, opts.orDefaults())
}

// Communicator runs a single external step outside any workflow, wrapped in
// a single-step workflow.
func (e *Executor) Communicator(ctx context.Context, name string, input any, opts *InvokeOptions) (*Handle, error) {
	op, err := e.reg.LookupKind(name, registry.KindCommunicator)
	if err != nil {
		return nil, err
	}
	fn := func(wc *WorkflowContext, in json.RawMessage) (any, error) {
		out, err := wc.Communicator(name, in)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return e.startWorkflow(ctx, tempWorkflowName(tempKindCommunicator, name), op, fn, input, opts.orDefaults())
}

// sendPayload is the recorded input of a standalone send.
type sendPayload struct {
	DestinationUUID string          `json:"destination_uuid"`
	Message         json.RawMessage `json:"message"`
	Topic           string          `json:"topic,omitempty"`
}

// Send delivers a message to a workflow from outside any workflow. The send
// itself runs as a single-step workflow so a crash cannot deliver twice.
func (e *Executor) Send(ctx context.Context, destinationUUID string, message any, topic string, opts *InvokeOptions) (*Handle, error) {
	raw, err := models.Serialize(message)
	if err != nil {
		return nil, err
	}
	payload := sendPayload{DestinationUUID: destinationUUID, Message: json.RawMessage(raw), Topic: topic}

	fn := func(wc *WorkflowContext, in json.RawMessage) (any, error) {
		var p sendPayload
		if err := json.Unmarshal(in, &p); err != nil {
			return nil, fmt.Errorf("malformed send payload: %w", err)
		}
		return nil, wc.Send(p.DestinationUUID, p.Message, p.Topic)
	}
	op := &registry.Operation{Name: tempWorkflowName(tempKindSend, topic)}
	return e.startWorkflow(ctx, op.Name, op, fn, payload, opts.orDefaults())
}

// GetEvent reads a key published by a workflow, blocking up to timeout.
// Returns nil if the key is not published within the timeout.
func (e *Executor) GetEvent(ctx context.Context, workflowUUID, key string, timeout time.Duration) (json.RawMessage, error) {
	value, err := e.sysDB.GetEvent(ctx, nil, workflowUUID, key, timeout)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	return models.Deserialize(*value), nil
}

// RetrieveWorkflow returns a handle to an existing workflow by UUID.
func (e *Executor) RetrieveWorkflow(ctx context.Context, workflowUUID string) (*Handle, error) {
	status, err := e.sysDB.GetWorkflowStatus(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, apperrors.ErrNotFound
	}
	return newRetrievedHandle(workflowUUID, e.sysDB), nil
}

// CancelWorkflow marks a pending workflow CANCELLED. The running body
// observes the cancellation at its next step boundary.
func (e *Executor) CancelWorkflow(ctx context.Context, workflowUUID string) error {
	return e.sysDB.CancelWorkflow(ctx, workflowUUID)
}

// GetWorkflows lists workflow UUIDs matching the filter.
func (e *Executor) GetWorkflows(ctx context.Context, filter models.WorkflowFilter) ([]string, error) {
	return e.sysDB.GetWorkflows(ctx, filter)
}

// startWorkflow records the PENDING status and input, then launches the body
// in its own goroutine. A UUID whose execution already finished returns a
// completed handle without re-executing.
func (e *Executor) startWorkflow(ctx context.Context, recordedName string, op *registry.Operation, fn WorkflowFunc, input any, opts InvokeOptions) (*Handle, error) {
	if e.debug {
		return nil, apperrors.NewDebuggerError("cannot start new workflows in replay mode")
	}

	workflowUUID := opts.WorkflowUUID
	if workflowUUID == "" {
		workflowUUID = uuid.NewString()
	}

	inputs, err := models.Serialize(input)
	if err != nil {
		return nil, err
	}

	recordedInputs, err := e.sysDB.InitWorkflowStatus(ctx, sysdb.WorkflowStatusInit{
		WorkflowUUID:       workflowUUID,
		Name:               recordedName,
		ClassName:          op.ClassName,
		ConfigName:         opts.ConfigName,
		Identity:           opts.Identity,
		Request:            opts.Request,
		ExecutorID:         e.cfg.Executor.ID,
		ApplicationVersion: e.cfg.Executor.AppVersion,
	}, inputs)
	if err != nil {
		return nil, err
	}
	if recordedInputs != inputs {
		e.logger.Debug("Duplicate invocation replays recorded inputs",
			zap.String("workflow_uuid", workflowUUID))
	}

	if prior, err := e.sysDB.CheckWorkflowOutput(ctx, workflowUUID); err != nil {
		return nil, err
	} else if prior != nil {
		return newCompletedHandle(workflowUUID, e.sysDB, prior), nil
	}

	handle := newLocalHandle(workflowUUID, e.sysDB)
	e.m.WorkflowsStarted.WithLabelValues(recordedName).Inc()
	e.m.ActiveWorkflows.Inc()
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer e.m.ActiveWorkflows.Dec()
		e.runWorkflowBody(handle, recordedName, workflowUUID, fn, recordedInputs, opts)
	}()

	return handle, nil
}

// runWorkflowBody executes the workflow function to completion. It runs on a
// background context: once the status record exists the workflow belongs to
// the engine, not the caller's request.
func (e *Executor) runWorkflowBody(handle *Handle, name, workflowUUID string, fn WorkflowFunc, inputs string, opts InvokeOptions) {
	ctx := context.Background()
	wc := &WorkflowContext{
		ctx:          ctx,
		executor:     e,
		workflowUUID: workflowUUID,
		workflowName: name,
		identity:     opts.Identity,
		request:      opts.Request,
		logger:       e.logger.Named("workflow").With(zap.String("workflow_uuid", workflowUUID), zap.String("name", name)),
	}

	output, err := fn(wc, json.RawMessage(inputs))
	if err != nil {
		e.finishWorkflowError(ctx, handle, name, workflowUUID, err)
		return
	}

	serialized, serr := models.Serialize(output)
	if serr != nil {
		e.finishWorkflowError(ctx, handle, name, workflowUUID, serr)
		return
	}

	e.sysDB.BufferWorkflowOutput(workflowUUID, serialized)
	e.m.WorkflowsCompleted.WithLabelValues(name, string(models.StatusSuccess)).Inc()
	handle.complete(&serialized, nil)
}

func (e *Executor) finishWorkflowError(ctx context.Context, handle *Handle, name, workflowUUID string, err error) {
	if errors.Is(err, apperrors.ErrWorkflowCancelled) {
		e.logger.Info("Workflow observed cancellation", zap.String("workflow_uuid", workflowUUID))
		e.m.WorkflowsCompleted.WithLabelValues(name, string(models.StatusCancelled)).Inc()
		handle.complete(nil, err)
		return
	}

	serialized, serr := models.SerializeError(err)
	if serr != nil {
		serialized = fmt.Sprintf(`{"name":"error","message":%q}`, err.Error())
	}
	if werr := e.sysDB.RecordWorkflowError(ctx, workflowUUID, serialized); werr != nil {
		e.logger.Error("Failed to record workflow error",
			zap.String("workflow_uuid", workflowUUID), zap.Error(werr))
	}
	e.m.WorkflowsCompleted.WithLabelValues(name, string(models.StatusError)).Inc()
	handle.complete(nil, err)
}

// ExecuteWorkflowUUID resumes a workflow from its recorded inputs. The body
// replays recorded steps and picks up where the previous execution stopped.
func (e *Executor) ExecuteWorkflowUUID(ctx context.Context, workflowUUID string) (*Handle, error) {
	status, err := e.sysDB.GetWorkflowStatus(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, apperrors.ErrNotFound
	}

	op, fn, err := e.resolveRecordedName(status.Name)
	if err != nil {
		return nil, err
	}

	inputs, err := e.sysDB.GetWorkflowInputs(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}

	return e.startWorkflow(ctx, status.Name, op, fn, json.RawMessage(inputs), InvokeOptions{
		WorkflowUUID: workflowUUID,
		Identity:     status.Identity,
		ConfigName:   status.ConfigName,
		Request:      string(status.Request),
	})
}

// resolveRecordedName maps a recorded workflow name back to an executable
// body, reconstructing wrappers for single-step workflows.
func (e *Executor) resolveRecordedName(recordedName string) (*registry.Operation, WorkflowFunc, error) {
	if !strings.HasPrefix(recordedName, tempWorkflowPrefix) {
		op, err := e.reg.LookupKind(recordedName, registry.KindWorkflow)
		if err != nil {
			return nil, nil, err
		}
		fn, ok := op.Fn.(WorkflowFunc)
		if !ok {
			plain, okPlain := op.Fn.(func(*WorkflowContext, json.RawMessage) (any, error))
			if !okPlain {
				return nil, nil, fmt.Errorf("workflow %q has wrong signature", recordedName)
			}
			fn = plain
		}
		return op, fn, nil
	}

	rest := strings.TrimPrefix(recordedName, tempWorkflowPrefix)
	kind, target, found := strings.Cut(rest, "-")
	if !found && kind != tempKindSend {
		return nil, nil, fmt.Errorf("unrecognized workflow name %q", recordedName)
	}

	switch kind {
	case tempKindTransaction:
		op, err := e.reg.LookupKind(target, registry.KindTransaction)
		if err != nil {
			return nil, nil, err
		}
		fn := func(wc *WorkflowContext, in json.RawMessage) (any, error) {
			out, err := wc.Transaction(target, in)
			if err != nil {
				return nil, err
			}
			return out, nil
		}
		return op, fn, nil
	case tempKindCommunicator:
		op, err := e.reg.LookupKind(target, registry.KindCommunicator)
		if err != nil {
			return nil, nil, err
		}
		fn := func(wc *WorkflowContext, in json.RawMessage) (any, error) {
			out, err := wc.Communicator(target, in)
			if err != nil {
				return nil, err
			}
			return out, nil
		}
		return op, fn, nil
	case tempKindSend:
		fn := func(wc *WorkflowContext, in json.RawMessage) (any, error) {
			var p sendPayload
			if err := json.Unmarshal(in, &p); err != nil {
				return nil, fmt.Errorf("malformed send payload: %w", err)
			}
			return nil, wc.Send(p.DestinationUUID, p.Message, p.Topic)
		}
		return &registry.Operation{Name: recordedName}, fn, nil
	default:
		return nil, nil, fmt.Errorf("unrecognized workflow name %q", recordedName)
	}
}

// RecoverPendingWorkflows resumes every PENDING workflow owned by the given
// executor IDs (defaulting to this executor). Dead-lettered workflows are
// skipped; individual failures do not abort the sweep.
func (e *Executor) RecoverPendingWorkflows(ctx context.Context, executorIDs ...string) ([]*Handle, error) {
	if len(executorIDs) == 0 {
		executorIDs = []string{e.cfg.Executor.ID}
	}

	var handles []*Handle
	for _, execID := range executorIDs {
		uuids, err := e.sysDB.GetPendingWorkflows(ctx, execID, e.cfg.Executor.AppVersion)
		if err != nil {
			return handles, err
		}
		e.logger.Info("Recovering pending workflows",
			zap.String("executor_id", execID), zap.Int("count", len(uuids)))

		for _, workflowUUID := range uuids {
			maxAttempts := e.maxRecoveryAttemptsFor(ctx, workflowUUID)
			if _, err := e.sysDB.IncrementRecoveryAttempts(ctx, workflowUUID, maxAttempts); err != nil {
				if errors.Is(err, apperrors.ErrDeadLetterQueue) {
					e.logger.Warn("Workflow moved to dead-letter state",
						zap.String("workflow_uuid", workflowUUID), zap.Error(err))
				} else {
					e.logger.Error("Failed to bump recovery attempts",
						zap.String("workflow_uuid", workflowUUID), zap.Error(err))
				}
				continue
			}

			handle, err := e.ExecuteWorkflowUUID(ctx, workflowUUID)
			if err != nil {
				e.logger.Error("Failed to resume workflow",
					zap.String("workflow_uuid", workflowUUID), zap.Error(err))
				continue
			}
			e.m.RecoveredWorkflows.Inc()
			handles = append(handles, handle)
		}
	}
	return handles, nil
}

// maxRecoveryAttemptsFor honors a per-workflow dead-letter override when the
// recorded name resolves to a registered workflow.
func (e *Executor) maxRecoveryAttemptsFor(ctx context.Context, workflowUUID string) int64 {
	status, err := e.sysDB.GetWorkflowStatus(ctx, workflowUUID)
	if err != nil || status == nil {
		return e.cfg.Executor.MaxRecoveryAttempts
	}
	op, err := e.reg.Lookup(status.Name)
	if err == nil && op.Workflow.MaxRecoveryAttempts > 0 {
		return op.Workflow.MaxRecoveryAttempts
	}
	return e.cfg.Executor.MaxRecoveryAttempts
}
