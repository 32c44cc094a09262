package sysdb

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everrun-io/everrun/pkg/apperrors"
	"github.com/everrun-io/everrun/pkg/models"
	"github.com/everrun-io/everrun/pkg/testhelpers"
)

func newSysDB(t *testing.T) *PostgresSystemDatabase {
	t.Helper()
	db := testhelpers.GetTestDB(t)
	return New(db.Sys, db.SysConnStr, zap.NewNop())
}

func initWorkflow(t *testing.T, s *PostgresSystemDatabase, workflowUUID, name, executorID, inputs string) string {
	t.Helper()
	recorded, err := s.InitWorkflowStatus(context.Background(), WorkflowStatusInit{
		WorkflowUUID: workflowUUID,
		Name:         name,
		ExecutorID:   executorID,
	}, inputs)
	require.NoError(t, err)
	return recorded
}

func TestInitWorkflowStatusFirstWriterWins(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	workflowUUID := uuid.NewString()

	recorded := initWorkflow(t, s, workflowUUID, "checkout", "exec-a", `["first"]`)
	assert.Equal(t, `["first"]`, recorded)

	// A duplicate invocation with different arguments replays the originals.
	recorded = initWorkflow(t, s, workflowUUID, "checkout", "exec-a", `["second"]`)
	assert.Equal(t, `["first"]`, recorded)

	status, err := s.GetWorkflowStatus(ctx, workflowUUID)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, models.StatusPending, status.Status)
	assert.Equal(t, int64(0), status.RecoveryAttempts)
}

func TestInitWorkflowStatusNameConflict(t *testing.T) {
	s := newSysDB(t)
	workflowUUID := uuid.NewString()

	initWorkflow(t, s, workflowUUID, "checkout", "exec-a", `[]`)

	_, err := s.InitWorkflowStatus(context.Background(), WorkflowStatusInit{
		WorkflowUUID: workflowUUID,
		Name:         "refund",
	}, `[]`)
	var conflict *apperrors.ConflictingWorkflowError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "checkout", conflict.Recorded)
	assert.Equal(t, "refund", conflict.Requested)
}

func TestInitWorkflowStatusClassAndConfigConflict(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	workflowUUID := uuid.NewString()

	_, err := s.InitWorkflowStatus(ctx, WorkflowStatusInit{
		WorkflowUUID: workflowUUID,
		Name:         "checkout",
		ClassName:    "Shop",
		ConfigName:   "prod",
	}, `[]`)
	require.NoError(t, err)

	// Same name under a different config is a different invocation.
	_, err = s.InitWorkflowStatus(ctx, WorkflowStatusInit{
		WorkflowUUID: workflowUUID,
		Name:         "checkout",
		ClassName:    "Shop",
		ConfigName:   "staging",
	}, `[]`)
	var conflict *apperrors.ConflictingWorkflowError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "checkout/Shop/prod", conflict.Recorded)
	assert.Equal(t, "checkout/Shop/staging", conflict.Requested)

	// The exact recorded triple is accepted.
	_, err = s.InitWorkflowStatus(ctx, WorkflowStatusInit{
		WorkflowUUID: workflowUUID,
		Name:         "checkout",
		ClassName:    "Shop",
		ConfigName:   "prod",
	}, `[]`)
	require.NoError(t, err)
}

func TestOperationOutputWriteOnce(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	workflowUUID := uuid.NewString()

	require.NoError(t, s.RecordOperationOutput(ctx, workflowUUID, 0, `"winner"`))

	err := s.RecordOperationOutput(ctx, workflowUUID, 0, `"loser"`)
	assert.ErrorIs(t, err, apperrors.ErrWorkflowConflict)

	result, err := s.CheckOperationOutput(ctx, workflowUUID, 0)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Output)
	assert.Equal(t, `"winner"`, *result.Output)

	missing, err := s.CheckOperationOutput(ctx, workflowUUID, 1)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWorkflowErrorIsTerminalWriteOnce(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	workflowUUID := uuid.NewString()

	initWorkflow(t, s, workflowUUID, "flaky", "exec-a", `[]`)
	require.NoError(t, s.RecordWorkflowError(ctx, workflowUUID, `{"name":"error","message":"boom"}`))

	// A late success flush must not overwrite the recorded failure.
	s.BufferWorkflowOutput(workflowUUID, `"late"`)
	require.NoError(t, s.FlushWorkflowStatusBuffer(ctx))

	status, err := s.GetWorkflowStatus(ctx, workflowUUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, status.Status)
	require.NotNil(t, status.Error)
}

func TestBufferedSuccessFlush(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	workflowUUID := uuid.NewString()

	initWorkflow(t, s, workflowUUID, "steady", "exec-a", `[]`)
	s.BufferWorkflowOutput(workflowUUID, `{"total":42}`)
	require.NoError(t, s.FlushWorkflowStatusBuffer(ctx))

	result, err := s.CheckWorkflowOutput(ctx, workflowUUID)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Output)
	assert.Equal(t, `{"total":42}`, *result.Output)

	// Flushing again with an empty buffer is a no-op.
	require.NoError(t, s.FlushWorkflowStatusBuffer(ctx))
}

func TestIncrementRecoveryAttemptsDeadLetter(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	workflowUUID := uuid.NewString()

	initWorkflow(t, s, workflowUUID, "stuck", "exec-a", `[]`)

	attempts, err := s.IncrementRecoveryAttempts(ctx, workflowUUID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), attempts)

	_, err = s.IncrementRecoveryAttempts(ctx, workflowUUID, 2)
	require.NoError(t, err)

	_, err = s.IncrementRecoveryAttempts(ctx, workflowUUID, 2)
	assert.ErrorIs(t, err, apperrors.ErrDeadLetterQueue)

	status, err := s.GetWorkflowStatus(ctx, workflowUUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetriesExceeded, status.Status)
	require.NotNil(t, status.Error)

	// The dead-letter outcome reads as a failure, not an empty success.
	result, err := s.CheckWorkflowOutput(ctx, workflowUUID)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Error)
	assert.Contains(t, models.DeserializeError(*result.Error).Error(), "recovery attempts")
}

func TestDeadLetterWithoutRecordedErrorStillFails(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	db := testhelpers.GetTestDB(t)
	workflowUUID := uuid.NewString()

	initWorkflow(t, s, workflowUUID, "stuck", "exec-a", `[]`)
	_, err := db.Sys.Exec(ctx,
		`UPDATE dbos.workflow_status SET status = $2 WHERE workflow_uuid = $1`,
		workflowUUID, models.StatusRetriesExceeded)
	require.NoError(t, err)

	result, err := s.CheckWorkflowOutput(ctx, workflowUUID)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Error)
	assert.Nil(t, result.Output)
}

func TestCancelWorkflow(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	executorID := "exec-" + uuid.NewString()
	workflowUUID := uuid.NewString()

	initWorkflow(t, s, workflowUUID, "cancellable", executorID, `[]`)
	_, err := s.IncrementRecoveryAttempts(ctx, workflowUUID, 10)
	require.NoError(t, err)

	require.NoError(t, s.CancelWorkflow(ctx, workflowUUID))

	status, err := s.GetWorkflowStatus(ctx, workflowUUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, status.Status)
	assert.Equal(t, int64(0), status.RecoveryAttempts)

	pending, err := s.GetPendingWorkflows(ctx, executorID, "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Cancelling a terminal workflow is a no-op.
	require.NoError(t, s.CancelWorkflow(ctx, workflowUUID))
	status, err = s.GetWorkflowStatus(ctx, workflowUUID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, status.Status)
}

func TestGetPendingWorkflowsScopedToExecutor(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	mine := "exec-" + uuid.NewString()
	other := "exec-" + uuid.NewString()

	owned := uuid.NewString()
	initWorkflow(t, s, owned, "mine", mine, `[]`)
	initWorkflow(t, s, uuid.NewString(), "theirs", other, `[]`)

	pending, err := s.GetPendingWorkflows(ctx, mine, "")
	require.NoError(t, err)
	assert.Equal(t, []string{owned}, pending)
}

func TestSendRecvFIFO(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	receiver := uuid.NewString()
	sender := uuid.NewString()

	require.NoError(t, s.Send(ctx, CallerContext{WorkflowUUID: sender, FunctionID: 0}, receiver, `"first"`, "orders"))
	require.NoError(t, s.Send(ctx, CallerContext{WorkflowUUID: sender, FunctionID: 1}, receiver, `"second"`, "orders"))

	// A re-executed send with a recorded function ID must not enqueue again.
	require.NoError(t, s.Send(ctx, CallerContext{WorkflowUUID: sender, FunctionID: 0}, receiver, `"first"`, "orders"))

	msg, err := s.Recv(ctx, CallerContext{WorkflowUUID: receiver, FunctionID: 0}, "orders", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, `"first"`, *msg)

	msg, err = s.Recv(ctx, CallerContext{WorkflowUUID: receiver, FunctionID: 1}, "orders", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, `"second"`, *msg)

	// Replaying the first recv returns the recorded message, not a new one.
	msg, err = s.Recv(ctx, CallerContext{WorkflowUUID: receiver, FunctionID: 0}, "orders", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, `"first"`, *msg)
}

func TestRecvTimeout(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	receiver := uuid.NewString()
	caller := CallerContext{WorkflowUUID: receiver, FunctionID: 0}

	msg, err := s.Recv(ctx, caller, "silence", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)

	// The timeout itself is recorded: a replay also returns no message.
	msg, err = s.Recv(ctx, caller, "silence", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestRecvWakesOnNotification(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	defer s.Close(ctx) //nolint:errcheck

	// Give the listener a moment to attach before the send fires.
	time.Sleep(500 * time.Millisecond)

	receiver := uuid.NewString()
	sender := uuid.NewString()

	type recvResult struct {
		msg *string
		err error
	}
	done := make(chan recvResult, 1)
	go func() {
		msg, err := s.Recv(ctx, CallerContext{WorkflowUUID: receiver, FunctionID: 0}, "wakeup", 30*time.Second)
		done <- recvResult{msg, err}
	}()

	time.Sleep(500 * time.Millisecond)
	require.NoError(t, s.Send(ctx, CallerContext{WorkflowUUID: sender, FunctionID: 0}, receiver, `"ping"`, "wakeup"))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.NotNil(t, r.msg)
		assert.Equal(t, `"ping"`, *r.msg)
	case <-time.After(10 * time.Second):
		t.Fatal("recv did not wake on notification")
	}
}

func TestSetEventAndGetEvent(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	workflowUUID := uuid.NewString()

	require.NoError(t, s.SetEvent(ctx, CallerContext{WorkflowUUID: workflowUUID, FunctionID: 0}, "order_url", `"https://pay.example/123"`))

	// Replaying the same step is a no-op.
	require.NoError(t, s.SetEvent(ctx, CallerContext{WorkflowUUID: workflowUUID, FunctionID: 0}, "order_url", `"https://pay.example/123"`))

	// A second set of the same key from a different step fails.
	err := s.SetEvent(ctx, CallerContext{WorkflowUUID: workflowUUID, FunctionID: 1}, "order_url", `"other"`)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateWorkflowEvent)

	value, err := s.GetEvent(ctx, nil, workflowUUID, "order_url", time.Second)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, `"https://pay.example/123"`, *value)

	missing, err := s.GetEvent(ctx, nil, workflowUUID, "absent", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetEventRecordsCallerReplay(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()
	target := uuid.NewString()
	reader := uuid.NewString()
	caller := CallerContext{WorkflowUUID: reader, FunctionID: 0}

	require.NoError(t, s.SetEvent(ctx, CallerContext{WorkflowUUID: target, FunctionID: 0}, "state", `"ready"`))

	value, err := s.GetEvent(ctx, &caller, target, "state", time.Second)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, `"ready"`, *value)

	// The observed value is recorded under the caller's step.
	recorded, err := s.CheckOperationOutput(ctx, reader, 0)
	require.NoError(t, err)
	require.NotNil(t, recorded)

	value, err = s.GetEvent(ctx, &caller, target, "state", time.Second)
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, `"ready"`, *value)
}

func TestGetWorkflowResultWaitsForTerminalState(t *testing.T) {
	s := newSysDB(t)
	s.resultPollInterval = 20 * time.Millisecond
	ctx := context.Background()
	workflowUUID := uuid.NewString()

	initWorkflow(t, s, workflowUUID, "slow", "exec-a", `[]`)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.BufferWorkflowOutput(workflowUUID, `"done"`)
		_ = s.FlushWorkflowStatusBuffer(ctx)
	}()

	result, err := s.GetWorkflowResult(ctx, workflowUUID)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.Output)
	assert.Equal(t, `"done"`, *result.Output)
}

func TestGetWorkflowsFilter(t *testing.T) {
	s := newSysDB(t)
	ctx := context.Background()

	name := "report-" + uuid.NewString()
	first := uuid.NewString()
	initWorkflow(t, s, first, name, "exec-a", `[]`)
	initWorkflow(t, s, uuid.NewString(), "other-"+uuid.NewString(), "exec-a", `[]`)

	uuids, err := s.GetWorkflows(ctx, models.WorkflowFilter{Name: name})
	require.NoError(t, err)
	assert.Equal(t, []string{first}, uuids)

	uuids, err = s.GetWorkflows(ctx, models.WorkflowFilter{Name: name, Status: models.StatusSuccess})
	require.NoError(t, err)
	assert.Empty(t, uuids)
}

func TestGetWorkflowStatusUnknown(t *testing.T) {
	s := newSysDB(t)
	status, err := s.GetWorkflowStatus(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, status)
}
