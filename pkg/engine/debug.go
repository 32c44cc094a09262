package engine

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/everrun-io/everrun/pkg/apperrors"
	"github.com/everrun-io/everrun/pkg/models"
	"github.com/everrun-io/everrun/pkg/registry"
)

// DebugWorkflow re-executes a finished or pending workflow against its
// recorded operation stream. Nothing is written: every effectful step must
// find its recorded outcome, read-only steps re-execute and are compared
// against the live database. Requires an executor built with WithDebug.
func (e *Executor) DebugWorkflow(ctx context.Context, workflowUUID string) (*Handle, error) {
	if !e.debug {
		return nil, apperrors.NewDebuggerError("executor is not in replay mode")
	}

	status, err := e.sysDB.GetWorkflowStatus(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, apperrors.NewDebuggerError("workflow %s has no recorded execution", workflowUUID)
	}

	_, fn, err := e.resolveRecordedName(status.Name)
	if err != nil {
		return nil, err
	}
	inputs, err := e.sysDB.GetWorkflowInputs(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}

	handle := newLocalHandle(workflowUUID, e.sysDB)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.replayWorkflowBody(handle, status, fn, inputs)
	}()
	return handle, nil
}

func (e *Executor) debugHandle(ctx context.Context, workflowUUID string) (*Handle, error) {
	return e.DebugWorkflow(ctx, workflowUUID)
}

// replayWorkflowBody runs the body in replay mode and compares its result to
// the recorded terminal output, if any.
func (e *Executor) replayWorkflowBody(handle *Handle, status *models.WorkflowStatus, fn WorkflowFunc, inputs string) {
	wc := &WorkflowContext{
		ctx:          context.Background(),
		executor:     e,
		workflowUUID: status.WorkflowUUID,
		workflowName: status.Name,
		identity:     status.Identity,
		request:      string(status.Request),
		logger: e.logger.Named("replay").With(
			zap.String("workflow_uuid", status.WorkflowUUID), zap.String("name", status.Name)),
		debug: true,
	}

	output, err := fn(wc, json.RawMessage(inputs))
	if err != nil {
		handle.complete(nil, err)
		return
	}

	serialized, serr := models.Serialize(output)
	if serr != nil {
		handle.complete(nil, serr)
		return
	}
	if status.Output != nil && !models.JSONEqual(serialized, *status.Output) {
		wc.logger.Warn("Replay output diverges from recorded output",
			zap.String("recorded", *status.Output), zap.String("replayed", serialized))
	}
	handle.complete(&serialized, nil)
}

// debugTransaction resolves a transaction step during replay. Effectful
// steps must have a committed record; read-only steps re-execute against the
// live database.
func (wc *WorkflowContext) debugTransaction(op *registry.Operation, fn TransactionFunc, functionID int, inputJSON string) (json.RawMessage, error) {
	if !op.Transaction.ReadOnly {
		recorded, err := wc.readTransactionRecord(functionID)
		if err != nil {
			return nil, err
		}
		if recorded == nil {
			return nil, apperrors.NewDebuggerError("no recorded output for transaction step %q (function %d) of workflow %s",
				op.Name, functionID, wc.workflowUUID)
		}
		wc.executor.m.StepsReplayed.Inc()
		return wc.recordedStepResult(recorded)
	}

	var output string
	err := wc.executor.userDB.Transaction(wc.ctx, registry.TransactionConfig{
		Isolation: op.Transaction.Isolation,
		ReadOnly:  true,
	}, func(tx pgx.Tx) error {
		tc := &TransactionContext{
			Tx:           tx,
			ctx:          wc.ctx,
			workflowUUID: wc.workflowUUID,
			functionID:   functionID,
			identity:     wc.identity,
			logger:       wc.logger.Named(op.Name),
		}
		out, err := fn(tc, json.RawMessage(inputJSON))
		if err != nil {
			return err
		}
		output, err = models.Serialize(out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return models.Deserialize(output), nil
}

// debugRequireRecorded resolves an effect-only step (send, setEvent) during
// replay: the recorded row must exist, and a recorded failure re-raises.
func (wc *WorkflowContext) debugRequireRecorded(kind string, functionID int) error {
	prior, err := wc.executor.sysDB.CheckOperationOutput(wc.ctx, wc.workflowUUID, functionID)
	if err != nil {
		return err
	}
	if prior == nil {
		return apperrors.NewDebuggerError("no recorded output for %s (function %d) of workflow %s",
			kind, functionID, wc.workflowUUID)
	}
	if prior.Error != nil {
		return models.DeserializeError(*prior.Error)
	}
	return nil
}

// debugRecordedMessage resolves a recv/getEvent during replay from its
// recorded output: a JSON-encoded message string, or null for a timeout.
func (wc *WorkflowContext) debugRecordedMessage(kind string, functionID int) (json.RawMessage, error) {
	prior, err := wc.executor.sysDB.CheckOperationOutput(wc.ctx, wc.workflowUUID, functionID)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, apperrors.NewDebuggerError("no recorded output for %s (function %d) of workflow %s",
			kind, functionID, wc.workflowUUID)
	}
	if prior.Error != nil {
		return nil, models.DeserializeError(*prior.Error)
	}
	if prior.Output == nil || *prior.Output == "null" {
		return nil, nil
	}
	var message string
	if err := json.Unmarshal([]byte(*prior.Output), &message); err != nil {
		return models.Deserialize(*prior.Output), nil
	}
	return models.Deserialize(message), nil
}
