package sysdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/everrun-io/everrun/pkg/apperrors"
	"github.com/everrun-io/everrun/pkg/database"
	"github.com/everrun-io/everrun/pkg/models"
)

// CheckOperationOutput probes for a recorded step outcome. Returns nil when
// the step has never completed.
func (s *PostgresSystemDatabase) CheckOperationOutput(ctx context.Context, workflowUUID string, functionID int) (*models.OperationResult, error) {
	var result models.OperationResult
	err := s.db.QueryRow(ctx,
		`SELECT output, error FROM dbos.operation_outputs
		 WHERE workflow_uuid = $1 AND function_id = $2`,
		workflowUUID, functionID,
	).Scan(&result.Output, &result.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check operation output: %w", err)
	}
	return &result, nil
}

// RecordOperationOutput durably records a completed step. The primary key
// makes the record write-once: a concurrent duplicate surfaces as
// WorkflowConflictError and the caller re-reads the committed record.
func (s *PostgresSystemDatabase) RecordOperationOutput(ctx context.Context, workflowUUID string, functionID int, output string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO dbos.operation_outputs (workflow_uuid, function_id, output)
		 VALUES ($1, $2, $3)`,
		workflowUUID, functionID, output,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return &apperrors.WorkflowConflictError{WorkflowUUID: workflowUUID, FunctionID: functionID}
		}
		return fmt.Errorf("failed to record operation output: %w", err)
	}
	return nil
}

// RecordOperationError durably records a step failure.
func (s *PostgresSystemDatabase) RecordOperationError(ctx context.Context, workflowUUID string, functionID int, errText string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO dbos.operation_outputs (workflow_uuid, function_id, error)
		 VALUES ($1, $2, $3)`,
		workflowUUID, functionID, errText,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return &apperrors.WorkflowConflictError{WorkflowUUID: workflowUUID, FunctionID: functionID}
		}
		return fmt.Errorf("failed to record operation error: %w", err)
	}
	return nil
}

// BufferWorkflowOutput queues a successful workflow completion for the next
// flush. Buffering keeps the success path off the critical section; the
// terminal write still happens before the handle's GetResult observes it.
func (s *PostgresSystemDatabase) BufferWorkflowOutput(workflowUUID string, output string) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	s.statusBuffer[workflowUUID] = output
}

// FlushWorkflowStatusBuffer writes buffered SUCCESS transitions. Terminal
// states are write-once: a workflow already cancelled or errored keeps its
// recorded state. Entries buffered during the flush survive to the next one.
func (s *PostgresSystemDatabase) FlushWorkflowStatusBuffer(ctx context.Context) error {
	s.bufMu.Lock()
	pending := make(map[string]string, len(s.statusBuffer))
	for uuid, output := range s.statusBuffer {
		pending[uuid] = output
	}
	s.bufMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var firstErr error
	flushed := make([]string, 0, len(pending))
	for uuid, output := range pending {
		_, err := s.db.Exec(ctx,
			`UPDATE dbos.workflow_status
			 SET status = $2, output = $3, updated_at = $4
			 WHERE workflow_uuid = $1 AND status = $5`,
			uuid, models.StatusSuccess, output, time.Now().UnixMilli(), models.StatusPending,
		)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to flush workflow status: %w", err)
			}
			s.logger.Warn("Failed to flush workflow status", zap.String("workflow_uuid", uuid), zap.Error(err))
			continue
		}
		flushed = append(flushed, uuid)
	}

	s.bufMu.Lock()
	for _, uuid := range flushed {
		delete(s.statusBuffer, uuid)
	}
	s.bufMu.Unlock()
	return firstErr
}
