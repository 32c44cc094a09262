package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/everrun-io/everrun/pkg/apperrors"
	"github.com/everrun-io/everrun/pkg/database"
	"github.com/everrun-io/everrun/pkg/models"
	"github.com/everrun-io/everrun/pkg/registry"
	"github.com/everrun-io/everrun/pkg/retry"
	"github.com/everrun-io/everrun/pkg/sysdb"
	"github.com/everrun-io/everrun/pkg/userdb"
)

// Serialization-failure retry pacing for transaction steps. Retries continue
// until the transaction commits or the context ends.
const (
	txnRetryBaseInterval = 10 * time.Millisecond
	txnRetryMaxInterval  = 2 * time.Second
)

// WorkflowContext is passed to a workflow body. All interaction with steps,
// messaging, and events goes through it; the context assigns each call a
// monotonically increasing function ID, which is what makes replay after a
// crash line up with the recorded operation stream. Workflow bodies must be
// deterministic: same inputs, same sequence of calls.
type WorkflowContext struct {
	ctx          context.Context
	executor     *Executor
	workflowUUID string
	workflowName string
	identity     models.Identity
	request      string
	logger       *zap.Logger
	functionID   int
	debug        bool
}

// Context returns the execution context of this workflow run.
func (wc *WorkflowContext) Context() context.Context { return wc.ctx }

// WorkflowUUID returns this workflow's identity.
func (wc *WorkflowContext) WorkflowUUID() string { return wc.workflowUUID }

// Identity returns the authenticated caller recorded at first invocation.
// Recovery re-presents the original identity, not the recovering process's.
func (wc *WorkflowContext) Identity() models.Identity { return wc.identity }

// Request returns the request recorded at first invocation, verbatim. Nil
// when the invocation carried none.
func (wc *WorkflowContext) Request() json.RawMessage {
	if wc.request == "" {
		return nil
	}
	return json.RawMessage(wc.request)
}

// Logger returns a logger scoped to this workflow execution.
func (wc *WorkflowContext) Logger() *zap.Logger { return wc.logger }

func (wc *WorkflowContext) nextFunctionID() int {
	id := wc.functionID
	wc.functionID++
	return id
}

// checkCancellation surfaces an external cancel at the next step boundary.
func (wc *WorkflowContext) checkCancellation() error {
	status, err := wc.executor.sysDB.GetWorkflowStatus(wc.ctx, wc.workflowUUID)
	if err != nil {
		return err
	}
	if status != nil && status.Status == models.StatusCancelled {
		return &apperrors.WorkflowCancelledError{WorkflowUUID: wc.workflowUUID}
	}
	return nil
}

func (wc *WorkflowContext) caller(functionID int) sysdb.CallerContext {
	return sysdb.CallerContext{WorkflowUUID: wc.workflowUUID, FunctionID: functionID}
}

// TransactionContext is passed to a transaction step. All database access
// must go through Tx so the step's effects commit atomically with its
// bookkeeping record.
type TransactionContext struct {
	Tx pgx.Tx

	ctx          context.Context
	workflowUUID string
	functionID   int
	identity     models.Identity
	logger       *zap.Logger
}

func (tc *TransactionContext) Context() context.Context  { return tc.ctx }
func (tc *TransactionContext) WorkflowUUID() string      { return tc.workflowUUID }
func (tc *TransactionContext) FunctionID() int           { return tc.functionID }
func (tc *TransactionContext) Identity() models.Identity { return tc.identity }
func (tc *TransactionContext) Logger() *zap.Logger       { return tc.logger }

// CommunicatorContext is passed to an external step.
type CommunicatorContext struct {
	ctx          context.Context
	workflowUUID string
	functionID   int
	identity     models.Identity
	logger       *zap.Logger
}

func (cc *CommunicatorContext) Context() context.Context  { return cc.ctx }
func (cc *CommunicatorContext) WorkflowUUID() string      { return cc.workflowUUID }
func (cc *CommunicatorContext) FunctionID() int           { return cc.functionID }
func (cc *CommunicatorContext) Identity() models.Identity { return cc.identity }
func (cc *CommunicatorContext) Logger() *zap.Logger       { return cc.logger }

// Transaction runs a registered transaction step. A step that already
// committed in a previous execution returns its recorded output without
// re-executing; a recorded failure re-raises without re-executing.
// Serialization failures retry the whole step.
func (wc *WorkflowContext) Transaction(name string, input any) (json.RawMessage, error) {
	if err := wc.checkCancellation(); err != nil {
		return nil, err
	}
	functionID := wc.nextFunctionID()

	op, err := wc.executor.reg.LookupKind(name, registry.KindTransaction)
	if err != nil {
		return nil, err
	}
	fn, ok := op.Fn.(TransactionFunc)
	if !ok {
		plain, okPlain := op.Fn.(func(*TransactionContext, json.RawMessage) (any, error))
		if !okPlain {
			return nil, fmt.Errorf("transaction %q has wrong signature", name)
		}
		fn = plain
	}

	inputJSON, err := models.Serialize(input)
	if err != nil {
		return nil, err
	}

	if wc.debug {
		return wc.debugTransaction(op, fn, functionID, inputJSON)
	}

	delay := txnRetryBaseInterval
	for {
		result, err := wc.runTransactionOnce(op, fn, functionID, inputJSON)
		if err == nil {
			return result, nil
		}

		if database.IsSerializationFailure(err) {
			wc.logger.Debug("Transaction step serialization failure, retrying",
				zap.String("step", name), zap.Int("function_id", functionID))
			select {
			case <-time.After(delay):
			case <-wc.ctx.Done():
				return nil, wc.ctx.Err()
			}
			delay *= 2
			if delay > txnRetryMaxInterval {
				delay = txnRetryMaxInterval
			}
			continue
		}

		if database.IsUniqueViolationOn(err, userdb.Schema, userdb.TransactionOutputsTable) {
			// A racing duplicate execution recorded this step first. Its
			// committed result is the step's result. Unique violations on the
			// application's own tables fall through as ordinary step errors.
			recorded, rerr := wc.readTransactionRecord(functionID)
			if rerr != nil {
				return nil, rerr
			}
			if recorded != nil {
				return wc.recordedStepResult(recorded)
			}
			return nil, &apperrors.WorkflowConflictError{WorkflowUUID: wc.workflowUUID, FunctionID: functionID}
		}

		// Application failure: the transaction rolled back, so the error is
		// recorded outside it. First writer wins on the record.
		serialized, serr := models.SerializeError(err)
		if serr == nil {
			if rerr := wc.executor.userDB.RecordTransactionError(wc.ctx, wc.workflowUUID, functionID, serialized); rerr != nil {
				wc.logger.Warn("Failed to record transaction error",
					zap.String("step", name), zap.Error(rerr))
			}
		}
		return nil, err
	}
}

// runTransactionOnce performs one attempt: probe for a recorded outcome
// inside the transaction, execute the body, and co-commit the output record.
func (wc *WorkflowContext) runTransactionOnce(op *registry.Operation, fn TransactionFunc, functionID int, inputJSON string) (json.RawMessage, error) {
	var recorded *models.OperationResult
	var output string

	err := wc.executor.userDB.Transaction(wc.ctx, op.Transaction, func(tx pgx.Tx) error {
		// Read-only steps never record, so the probe finds nothing for them;
		// it still runs so every step replays through the same path.
		prior, err := wc.executor.userDB.CheckTransactionOutput(wc.ctx, tx, wc.workflowUUID, functionID)
		if err != nil {
			return err
		}
		if prior != nil {
			recorded = prior
			return nil
		}

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
		if err != nil {
			return err
		}
		if !op.Transaction.ReadOnly {
			return wc.executor.userDB.RecordTransactionOutput(wc.ctx, tx, wc.workflowUUID, functionID, output)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if recorded != nil {
		wc.executor.m.StepsReplayed.Inc()
		return wc.recordedStepResult(recorded)
	}
	wc.executor.m.StepsExecuted.WithLabelValues(string(registry.KindTransaction)).Inc()
	return models.Deserialize(output), nil
}

// readTransactionRecord probes the committed record of a step in a fresh
// read-only transaction.
func (wc *WorkflowContext) readTransactionRecord(functionID int) (*models.OperationResult, error) {
	var recorded *models.OperationResult
	err := wc.executor.userDB.Transaction(wc.ctx, registry.TransactionConfig{
		Isolation: registry.ReadCommitted,
		ReadOnly:  true,
	}, func(tx pgx.Tx) error {
		prior, err := wc.executor.userDB.CheckTransactionOutput(wc.ctx, tx, wc.workflowUUID, functionID)
		if err != nil {
			return err
		}
		recorded = prior
		return nil
	})
	return recorded, err
}

func (wc *WorkflowContext) recordedStepResult(result *models.OperationResult) (json.RawMessage, error) {
	if result.Error != nil {
		return nil, models.DeserializeError(*result.Error)
	}
	return rawOutput(result.Output), nil
}

// Communicator runs a registered external step with its retry policy and
// records the final outcome. A recorded outcome short-circuits.
func (wc *WorkflowContext) Communicator(name string, input any) (json.RawMessage, error) {
	if err := wc.checkCancellation(); err != nil {
		return nil, err
	}
	functionID := wc.nextFunctionID()

	op, err := wc.executor.reg.LookupKind(name, registry.KindCommunicator)
	if err != nil {
		return nil, err
	}
	fn, ok := op.Fn.(CommunicatorFunc)
	if !ok {
		plain, okPlain := op.Fn.(func(*CommunicatorContext, json.RawMessage) (any, error))
		if !okPlain {
			return nil, fmt.Errorf("communicator %q has wrong signature", name)
		}
		fn = plain
	}

	prior, err := wc.executor.sysDB.CheckOperationOutput(wc.ctx, wc.workflowUUID, functionID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		wc.executor.m.StepsReplayed.Inc()
		return wc.recordedStepResult(prior)
	}
	if wc.debug {
		return nil, apperrors.NewDebuggerError("no recorded output for external step %q (function %d) of workflow %s",
			name, functionID, wc.workflowUUID)
	}

	inputJSON, err := models.Serialize(input)
	if err != nil {
		return nil, err
	}

	cc := &CommunicatorContext{
		ctx:          wc.ctx,
		workflowUUID: wc.workflowUUID,
		functionID:   functionID,
		identity:     wc.identity,
		logger:       wc.logger.Named(op.Name),
	}
	output, execErr := retry.DoWithResult(wc.ctx, communicatorPolicy(op.Communicator), func() (any, error) {
		return fn(cc, json.RawMessage(inputJSON))
	})

	if execErr != nil {
		serialized, serr := models.SerializeError(execErr)
		if serr != nil {
			return nil, serr
		}
		if rerr := wc.executor.sysDB.RecordOperationError(wc.ctx, wc.workflowUUID, functionID, serialized); rerr != nil {
			if errors.Is(rerr, apperrors.ErrWorkflowConflict) {
				return wc.adoptRecorded(functionID)
			}
			return nil, rerr
		}
		return nil, execErr
	}

	serialized, err := models.Serialize(output)
	if err != nil {
		return nil, err
	}
	if rerr := wc.executor.sysDB.RecordOperationOutput(wc.ctx, wc.workflowUUID, functionID, serialized); rerr != nil {
		if errors.Is(rerr, apperrors.ErrWorkflowConflict) {
			return wc.adoptRecorded(functionID)
		}
		return nil, rerr
	}
	wc.executor.m.StepsExecuted.WithLabelValues(string(registry.KindCommunicator)).Inc()
	return models.Deserialize(serialized), nil
}

// adoptRecorded resolves a write-once collision by taking the committed
// record as this step's result.
func (wc *WorkflowContext) adoptRecorded(functionID int) (json.RawMessage, error) {
	prior, err := wc.executor.sysDB.CheckOperationOutput(wc.ctx, wc.workflowUUID, functionID)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, &apperrors.WorkflowConflictError{WorkflowUUID: wc.workflowUUID, FunctionID: functionID}
	}
	return wc.recordedStepResult(prior)
}

func communicatorPolicy(cfg registry.CommunicatorConfig) *retry.Policy {
	if cfg.MaxAttempts == 0 {
		cfg = registry.DefaultCommunicatorConfig()
	}
	if !cfg.RetriesAllowed {
		return &retry.Policy{MaxAttempts: 1}
	}
	return &retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Interval:    time.Duration(cfg.IntervalSec * float64(time.Second)),
		BackoffRate: cfg.BackoffRate,
		MaxInterval: txnRetryMaxInterval * 30,
	}
}

// ChildWorkflow starts a child workflow with a UUID derived from this
// workflow and the call position, so a replay attaches to the same child
// instead of forking a new one. The child's UUID is also recorded as this
// step's output.
func (wc *WorkflowContext) ChildWorkflow(name string, input any) (*Handle, error) {
	if err := wc.checkCancellation(); err != nil {
		return nil, err
	}
	functionID := wc.nextFunctionID()
	childUUID := fmt.Sprintf("%s-%d", wc.workflowUUID, functionID)

	prior, err := wc.executor.sysDB.CheckOperationOutput(wc.ctx, wc.workflowUUID, functionID)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.Output != nil {
		var recorded string
		if uerr := json.Unmarshal([]byte(*prior.Output), &recorded); uerr == nil && recorded != "" {
			childUUID = recorded
		}
	}

	if wc.debug {
		return wc.executor.debugHandle(wc.ctx, childUUID)
	}

	handle, err := wc.executor.Workflow(wc.ctx, name, input, &InvokeOptions{
		WorkflowUUID: childUUID,
		Identity:     wc.identity,
	})
	if err != nil {
		return nil, err
	}

	if prior == nil {
		serialized, serr := models.Serialize(childUUID)
		if serr != nil {
			return nil, serr
		}
		if rerr := wc.executor.sysDB.RecordOperationOutput(wc.ctx, wc.workflowUUID, functionID, serialized); rerr != nil && !errors.Is(rerr, apperrors.ErrWorkflowConflict) {
			return nil, rerr
		}
	}
	return handle, nil
}

// Send delivers a message to another workflow, exactly once.
func (wc *WorkflowContext) Send(destinationUUID string, message any, topic string) error {
	if err := wc.checkCancellation(); err != nil {
		return err
	}
	functionID := wc.nextFunctionID()

	raw, err := models.Serialize(message)
	if err != nil {
		return err
	}
	if wc.debug {
		return wc.debugRequireRecorded("send", functionID)
	}
	return wc.executor.sysDB.Send(wc.ctx, wc.caller(functionID), destinationUUID, raw, topic)
}

// Recv consumes the oldest message sent to this workflow on topic, blocking
// up to timeout. Returns nil on timeout. Each message is delivered to
// exactly one recv across all executions.
func (wc *WorkflowContext) Recv(topic string, timeout time.Duration) (json.RawMessage, error) {
	if err := wc.checkCancellation(); err != nil {
		return nil, err
	}
	functionID := wc.nextFunctionID()

	if wc.debug {
		return wc.debugRecordedMessage("recv", functionID)
	}

	message, err := wc.executor.sysDB.Recv(wc.ctx, wc.caller(functionID), topic, timeout)
	if err != nil {
		return nil, err
	}
	if message == nil {
		return nil, nil
	}
	return models.Deserialize(*message), nil
}

// SetEvent publishes an immutable key/value pair visible to other workflows
// and to external callers. Each key can be set once per workflow.
func (wc *WorkflowContext) SetEvent(key string, value any) error {
	if err := wc.checkCancellation(); err != nil {
		return err
	}
	functionID := wc.nextFunctionID()

	raw, err := models.Serialize(value)
	if err != nil {
		return err
	}
	if wc.debug {
		return wc.debugRequireRecorded("setEvent", functionID)
	}
	return wc.executor.sysDB.SetEvent(wc.ctx, wc.caller(functionID), key, raw)
}

// GetEvent reads a key published by another workflow, blocking up to timeout
// until it appears. Returns nil on timeout.
func (wc *WorkflowContext) GetEvent(targetUUID, key string, timeout time.Duration) (json.RawMessage, error) {
	if err := wc.checkCancellation(); err != nil {
		return nil, err
	}
	functionID := wc.nextFunctionID()

	if wc.debug {
		return wc.debugRecordedMessage("getEvent", functionID)
	}

	caller := wc.caller(functionID)
	value, err := wc.executor.sysDB.GetEvent(wc.ctx, &caller, targetUUID, key, timeout)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	return models.Deserialize(*value), nil
}

// Sleep pauses the workflow durably: the wake time is recorded on first
// execution, so a recovered workflow sleeps only the remaining time.
func (wc *WorkflowContext) Sleep(d time.Duration) error {
	if err := wc.checkCancellation(); err != nil {
		return err
	}
	functionID := wc.nextFunctionID()

	var wakeAt int64
	prior, err := wc.executor.sysDB.CheckOperationOutput(wc.ctx, wc.workflowUUID, functionID)
	if err != nil {
		return err
	}
	switch {
	case prior != nil && prior.Output != nil:
		if err := json.Unmarshal([]byte(*prior.Output), &wakeAt); err != nil {
			return fmt.Errorf("corrupt recorded wake time: %w", err)
		}
	case wc.debug:
		return apperrors.NewDebuggerError("no recorded wake time for sleep (function %d) of workflow %s",
			functionID, wc.workflowUUID)
	default:
		wakeAt = time.Now().Add(d).UnixMilli()
		serialized, serr := models.Serialize(wakeAt)
		if serr != nil {
			return serr
		}
		if rerr := wc.executor.sysDB.RecordOperationOutput(wc.ctx, wc.workflowUUID, functionID, serialized); rerr != nil {
			if errors.Is(rerr, apperrors.ErrWorkflowConflict) {
				if _, aerr := wc.adoptRecorded(functionID); aerr != nil {
					return aerr
				}
				// Recorded wake time wins; re-read it.
				if prior, err = wc.executor.sysDB.CheckOperationOutput(wc.ctx, wc.workflowUUID, functionID); err != nil {
					return err
				}
				if prior != nil && prior.Output != nil {
					if err := json.Unmarshal([]byte(*prior.Output), &wakeAt); err != nil {
						return fmt.Errorf("corrupt recorded wake time: %w", err)
					}
				}
			} else {
				return rerr
			}
		}
	}

	remaining := time.Until(time.UnixMilli(wakeAt))
	if remaining <= 0 || wc.debug {
		return nil
	}
	select {
	case <-time.After(remaining):
		return nil
	case <-wc.ctx.Done():
		return wc.ctx.Err()
	}
}
