package sysdb

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
)

// notificationsChannel is raised by triggers on the notifications and
// workflow_events tables with a "<uuid>::<topic-or-key>" payload.
const notificationsChannel = "dbos_notifications_channel"

const listenerRetryInterval = time.Second

// runListener holds one dedicated connection in LISTEN and forwards payloads
// to in-process waiters. Connection loss reconnects with a fixed pause;
// waiters tolerate missed payloads because every wakeup re-reads the tables.
func (s *PostgresSystemDatabase) runListener(ctx context.Context) {
	defer close(s.listenDone)

	for ctx.Err() == nil {
		if err := s.listenOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Notification listener disconnected, retrying", zap.Error(err))
			select {
			case <-time.After(listenerRetryInterval):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *PostgresSystemDatabase) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open listener connection: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notificationsChannel); err != nil {
		return fmt.Errorf("failed to LISTEN: %w", err)
	}
	s.logger.Debug("Notification listener connected")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(notification.Payload)
	}
}

// dispatch wakes every waiter registered under the payload key. The send is
// non-blocking: each waiter channel has capacity one, so a waiter that is
// already signalled stays signalled.
func (s *PostgresSystemDatabase) dispatch(key string) {
	s.waiterMu.Lock()
	defer s.waiterMu.Unlock()
	for _, ch := range s.waiters[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// subscribe registers a waiter under key. The returned cancel must be called
// exactly once.
func (s *PostgresSystemDatabase) subscribe(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.waiterMu.Lock()
	s.waiters[key] = append(s.waiters[key], ch)
	s.waiterMu.Unlock()

	cancel := func() {
		s.waiterMu.Lock()
		defer s.waiterMu.Unlock()
		chans := s.waiters[key]
		for i, c := range chans {
			if c == ch {
				s.waiters[key] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(s.waiters[key]) == 0 {
			delete(s.waiters, key)
		}
	}
	return ch, cancel
}

func normalizeTopic(topic string) string {
	if topic == "" {
		return NullTopic
	}
	return topic
}

// Send enqueues a message for the destination workflow. The queue append and
// the sender's step record commit in one transaction, so a crash between them
// is impossible and a re-executed send is a no-op.
func (s *PostgresSystemDatabase) Send(ctx context.Context, caller CallerContext, destinationUUID, message, topic string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin send: %w", err)
	}
	defer tx.Rollback(ctx)

	var recorded int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM dbos.operation_outputs WHERE workflow_uuid = $1 AND function_id = $2`,
		caller.WorkflowUUID, caller.FunctionID,
	).Scan(&recorded)
	if err == nil {
		return nil // already sent on a previous execution
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to probe send record: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO dbos.notifications (destination_uuid, topic, message) VALUES ($1, $2, $3)`,
		destinationUUID, normalizeTopic(topic), message,
	); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO dbos.operation_outputs (workflow_uuid, function_id, output) VALUES ($1, $2, 'null')`,
		caller.WorkflowUUID, caller.FunctionID,
	); err != nil {
		if database.IsUniqueViolation(err) {
			// A racing duplicate execution committed first; its send stands.
			return nil
		}
		return fmt.Errorf("failed to record send: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit send: %w", err)
	}
	return nil
}

// Recv dequeues the oldest message for the calling workflow on topic,
// blocking up to timeout. The dequeue and the step record commit together, so
// a message is consumed by exactly one recv. A replayed recv returns the
// recorded message without touching the queue. Returns nil on timeout.
func (s *PostgresSystemDatabase) Recv(ctx context.Context, caller CallerContext, topic string, timeout time.Duration) (*string, error) {
	if prior, err := s.CheckOperationOutput(ctx, caller.WorkflowUUID, caller.FunctionID); err != nil {
		return nil, err
	} else if prior != nil {
		return recordedMessage(prior), nil
	}

	topic = normalizeTopic(topic)
	wake, unsubscribe := s.subscribe(caller.WorkflowUUID + "::" + topic)
	defer unsubscribe()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		message, consumed, err := s.consumeNotification(ctx, caller, topic)
		if err != nil {
			var conflict *apperrors.WorkflowConflictError
			if errors.As(err, &conflict) {
				// A racing duplicate recorded first; adopt its result.
				prior, perr := s.CheckOperationOutput(ctx, caller.WorkflowUUID, caller.FunctionID)
				if perr != nil {
					return nil, perr
				}
				if prior != nil {
					return recordedMessage(prior), nil
				}
			}
			return nil, err
		}
		if consumed {
			return message, nil
		}

		select {
		case <-wake:
			// Payload observed; re-read the queue.
		case <-deadline.C:
			if err := s.recordRecvTimeout(ctx, caller); err != nil {
				return nil, err
			}
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// consumeNotification atomically removes the oldest matching message and
// records it as the step output. consumed=false means the queue was empty.
func (s *PostgresSystemDatabase) consumeNotification(ctx context.Context, caller CallerContext, topic string) (*string, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin recv: %w", err)
	}
	defer tx.Rollback(ctx)

	var message string
	err = tx.QueryRow(ctx,
		`DELETE FROM dbos.notifications
		 WHERE ctid = (
		   SELECT ctid FROM dbos.notifications
		   WHERE destination_uuid = $1 AND topic = $2
		   ORDER BY message_seq ASC
		   LIMIT 1 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING message`,
		caller.WorkflowUUID, topic,
	).Scan(&message)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to dequeue notification: %w", err)
	}

	output, err := models.Serialize(message)
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO dbos.operation_outputs (workflow_uuid, function_id, output) VALUES ($1, $2, $3)`,
		caller.WorkflowUUID, caller.FunctionID, output,
	); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, false, &apperrors.WorkflowConflictError{WorkflowUUID: caller.WorkflowUUID, FunctionID: caller.FunctionID}
		}
		return nil, false, fmt.Errorf("failed to record recv: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit recv: %w", err)
	}
	return &message, true, nil
}

func (s *PostgresSystemDatabase) recordRecvTimeout(ctx context.Context, caller CallerContext) error {
	err := s.RecordOperationOutput(ctx, caller.WorkflowUUID, caller.FunctionID, "null")
	if err != nil && errors.Is(err, apperrors.ErrWorkflowConflict) {
		return nil
	}
	return err
}

// recordedMessage rehydrates a prior recv/getEvent record: the output column
// holds the serialized message, or "null" for a timeout.
func recordedMessage(result *models.OperationResult) *string {
	if result.Output == nil || *result.Output == "null" {
		return nil
	}
	var message string
	if err := jsonUnmarshalString(*result.Output, &message); err != nil {
		// Pre-serialization record; return the raw text.
		raw := *result.Output
		return &raw
	}
	return &message
}

func jsonUnmarshalString(s string, out *string) error {
	return json.Unmarshal([]byte(s), out)
}

// SetEvent publishes an immutable key/value pair on the calling workflow.
// The event row and the step record commit together. Setting a key twice in
// one workflow fails with DuplicateWorkflowEventError.
func (s *PostgresSystemDatabase) SetEvent(ctx context.Context, caller CallerContext, key, value string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin setEvent: %w", err)
	}
	defer tx.Rollback(ctx)

	var recorded int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM dbos.operation_outputs WHERE workflow_uuid = $1 AND function_id = $2`,
		caller.WorkflowUUID, caller.FunctionID,
	).Scan(&recorded)
	if err == nil {
		return nil // already published on a previous execution
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to probe setEvent record: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO dbos.workflow_events (workflow_uuid, key, value)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (workflow_uuid, key) DO NOTHING`,
		caller.WorkflowUUID, key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to insert workflow event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &apperrors.DuplicateWorkflowEventError{WorkflowUUID: caller.WorkflowUUID, Key: key}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO dbos.operation_outputs (workflow_uuid, function_id, output) VALUES ($1, $2, 'null')`,
		caller.WorkflowUUID, caller.FunctionID,
	); err != nil {
		if database.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to record setEvent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit setEvent: %w", err)
	}
	return nil
}

// GetEvent reads a key published by the target workflow, blocking up to
// timeout until it appears. Inside a workflow (caller non-nil) the result is
// recorded under OAOO; standalone callers just read. Returns nil on timeout.
func (s *PostgresSystemDatabase) GetEvent(ctx context.Context, caller *CallerContext, targetUUID, key string, timeout time.Duration) (*string, error) {
	if caller != nil {
		if prior, err := s.CheckOperationOutput(ctx, caller.WorkflowUUID, caller.FunctionID); err != nil {
			return nil, err
		} else if prior != nil {
			return recordedMessage(prior), nil
		}
	}

	wake, unsubscribe := s.subscribe(targetUUID + "::" + key)
	defer unsubscribe()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		var value string
		err := s.db.QueryRow(ctx,
			`SELECT value FROM dbos.workflow_events WHERE workflow_uuid = $1 AND key = $2`,
			targetUUID, key,
		).Scan(&value)
		if err == nil {
			return s.finishGetEvent(ctx, caller, &value)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to read workflow event: %w", err)
		}

		select {
		case <-wake:
		case <-deadline.C:
			return s.finishGetEvent(ctx, caller, nil)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// finishGetEvent records the observed value (or the timeout) for a workflow
// caller, deferring to a racing duplicate's record if one committed first.
func (s *PostgresSystemDatabase) finishGetEvent(ctx context.Context, caller *CallerContext, value *string) (*string, error) {
	if caller == nil {
		return value, nil
	}

	output := "null"
	if value != nil {
		var err error
		if output, err = models.Serialize(*value); err != nil {
			return nil, err
		}
	}

	err := s.RecordOperationOutput(ctx, caller.WorkflowUUID, caller.FunctionID, output)
	if err != nil {
		if errors.Is(err, apperrors.ErrWorkflowConflict) {
			prior, perr := s.CheckOperationOutput(ctx, caller.WorkflowUUID, caller.FunctionID)
			if perr != nil {
				return nil, perr
			}
			if prior != nil {
				return recordedMessage(prior), nil
			}
		}
		return nil, err
	}
	return value, nil
}
