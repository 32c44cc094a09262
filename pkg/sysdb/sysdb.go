// Package sysdb implements the system database: the durable log of workflow
// status, step outputs, inter-workflow notifications, and workflow events,
// plus the LISTEN/NOTIFY dispatcher that wakes blocked receivers.
package sysdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/everrun-io/everrun/pkg/apperrors"
	"github.com/everrun-io/everrun/pkg/database"
	"github.com/everrun-io/everrun/pkg/models"
)

// NullTopic stands in for an unspecified topic in the notifications queue.
const NullTopic = "__null__topic__"

// CallerContext identifies the workflow step performing a system database
// operation, so its outcome can be recorded under OAOO.
type CallerContext struct {
	WorkflowUUID string
	FunctionID   int
}

// WorkflowStatusInit carries everything recorded when a workflow first
// starts.
type WorkflowStatusInit struct {
	WorkflowUUID       string
	Name               string
	ClassName          string
	ConfigName         string
	Identity           models.Identity
	Request            string
	ExecutorID         string
	ApplicationVersion string
}

// SystemDatabase is the persistence contract the executor and workflow
// contexts depend on.
type SystemDatabase interface {
	Init(ctx context.Context) error
	Close(ctx context.Context) error

	// Workflow lifecycle.
	InitWorkflowStatus(ctx context.Context, init WorkflowStatusInit, inputs string) (recordedInputs string, err error)
	CheckWorkflowOutput(ctx context.Context, workflowUUID string) (*models.OperationResult, error)
	BufferWorkflowOutput(workflowUUID string, output string)
	FlushWorkflowStatusBuffer(ctx context.Context) error
	RecordWorkflowError(ctx context.Context, workflowUUID string, errText string) error
	IncrementRecoveryAttempts(ctx context.Context, workflowUUID string, maxAttempts int64) (int64, error)
	CancelWorkflow(ctx context.Context, workflowUUID string) error

	// Step outputs.
	CheckOperationOutput(ctx context.Context, workflowUUID string, functionID int) (*models.OperationResult, error)
	RecordOperationOutput(ctx context.Context, workflowUUID string, functionID int, output string) error
	RecordOperationError(ctx context.Context, workflowUUID string, functionID int, errText string) error

	// Messaging and events.
	Send(ctx context.Context, caller CallerContext, destinationUUID, message, topic string) error
	Recv(ctx context.Context, caller CallerContext, topic string, timeout time.Duration) (*string, error)
	SetEvent(ctx context.Context, caller CallerContext, key, value string) error
	GetEvent(ctx context.Context, caller *CallerContext, targetUUID, key string, timeout time.Duration) (*string, error)

	// Introspection and recovery.
	GetWorkflowStatus(ctx context.Context, workflowUUID string) (*models.WorkflowStatus, error)
	GetWorkflowResult(ctx context.Context, workflowUUID string) (*models.OperationResult, error)
	GetPendingWorkflows(ctx context.Context, executorID, appVersion string) ([]string, error)
	GetWorkflowInputs(ctx context.Context, workflowUUID string) (string, error)
	GetWorkflows(ctx context.Context, filter models.WorkflowFilter) ([]string, error)
}

// PostgresSystemDatabase is the PostgreSQL implementation of SystemDatabase.
type PostgresSystemDatabase struct {
	db     *database.DB
	dsn    string
	logger *zap.Logger

	// Buffered terminal status writes for successful workflows.
	bufMu        sync.Mutex
	statusBuffer map[string]string

	// In-memory waiters keyed "<uuid>::<topic-or-key>".
	waiterMu sync.Mutex
	waiters  map[string][]chan struct{}

	listenCancel context.CancelFunc
	listenDone   chan struct{}

	// resultPollInterval paces GetWorkflowResult re-reads.
	resultPollInterval time.Duration
}

var _ SystemDatabase = (*PostgresSystemDatabase)(nil)

// New creates a system database over the given pool. The DSN is used for the
// dedicated LISTEN connection.
func New(db *database.DB, dsn string, logger *zap.Logger) *PostgresSystemDatabase {
	return &PostgresSystemDatabase{
		db:                 db,
		dsn:                dsn,
		logger:             logger.Named("sysdb"),
		statusBuffer:       make(map[string]string),
		waiters:            make(map[string][]chan struct{}),
		resultPollInterval: time.Second,
	}
}

// Init starts the notification listener. Schema migrations run separately
// through the database package before the pool is handed to New.
func (s *PostgresSystemDatabase) Init(ctx context.Context) error {
	listenCtx, cancel := context.WithCancel(context.Background())
	s.listenCancel = cancel
	s.listenDone = make(chan struct{})
	go s.runListener(listenCtx)
	return nil
}

// Close flushes buffered writes and stops the listener.
func (s *PostgresSystemDatabase) Close(ctx context.Context) error {
	var flushErr error
	if err := s.FlushWorkflowStatusBuffer(ctx); err != nil {
		flushErr = err
	}
	if s.listenCancel != nil {
		s.listenCancel()
		select {
		case <-s.listenDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return flushErr
}

// InitWorkflowStatus creates the PENDING status row and the input record in
// one transaction. First writer wins on inputs: the committed inputs are
// returned so a duplicate invocation replays the original arguments. Reusing
// a UUID under a different workflow name, class, or config fails.
func (s *PostgresSystemDatabase) InitWorkflowStatus(ctx context.Context, init WorkflowStatusInit, inputs string) (string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin status init: %w", err)
	}
	defer tx.Rollback(ctx)

	roles, err := models.Serialize(init.Identity.AuthenticatedRoles)
	if err != nil {
		return "", err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO dbos.workflow_status
		   (workflow_uuid, status, name, class_name, config_name,
		    authenticated_user, assumed_role, authenticated_roles, request,
		    executor_id, application_version, recovery_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0)
		 ON CONFLICT (workflow_uuid) DO NOTHING`,
		init.WorkflowUUID, models.StatusPending, init.Name, init.ClassName, init.ConfigName,
		init.Identity.AuthenticatedUser, init.Identity.AssumedRole, roles, init.Request,
		init.ExecutorID, init.ApplicationVersion,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert workflow status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var recordedName, recordedClass, recordedConfig string
		if err := tx.QueryRow(ctx,
			`SELECT name, COALESCE(class_name, ''), COALESCE(config_name, '')
			 FROM dbos.workflow_status WHERE workflow_uuid = $1`,
			init.WorkflowUUID,
		).Scan(&recordedName, &recordedClass, &recordedConfig); err != nil {
			return "", fmt.Errorf("failed to read existing workflow status: %w", err)
		}
		if recordedName != init.Name || recordedClass != init.ClassName || recordedConfig != init.ConfigName {
			return "", &apperrors.ConflictingWorkflowError{
				WorkflowUUID: init.WorkflowUUID,
				Recorded:     workflowSignature(recordedName, recordedClass, recordedConfig),
				Requested:    workflowSignature(init.Name, init.ClassName, init.ConfigName),
			}
		}
	}

	var recordedInputs string
	err = tx.QueryRow(ctx,
		`INSERT INTO dbos.workflow_inputs (workflow_uuid, inputs)
		 VALUES ($1, $2)
		 ON CONFLICT (workflow_uuid) DO UPDATE SET workflow_uuid = EXCLUDED.workflow_uuid
		 RETURNING inputs`,
		init.WorkflowUUID, inputs,
	).Scan(&recordedInputs)
	if err != nil {
		return "", fmt.Errorf("failed to record workflow inputs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit status init: %w", err)
	}
	return recordedInputs, nil
}

// CheckWorkflowOutput reads the terminal outcome of a workflow. Returns nil
// while the workflow is PENDING or unknown.
func (s *PostgresSystemDatabase) CheckWorkflowOutput(ctx context.Context, workflowUUID string) (*models.OperationResult, error) {
	var status models.WorkflowStatusType
	var result models.OperationResult
	err := s.db.QueryRow(ctx,
		`SELECT status, output, error FROM dbos.workflow_status WHERE workflow_uuid = $1`,
		workflowUUID,
	).Scan(&status, &result.Output, &result.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check workflow output: %w", err)
	}

	switch status {
	case models.StatusSuccess:
		return &models.OperationResult{Output: result.Output}, nil
	case models.StatusError:
		return &models.OperationResult{Error: result.Error}, nil
	case models.StatusRetriesExceeded:
		if result.Error != nil {
			return &models.OperationResult{Error: result.Error}, nil
		}
		// Rows dead-lettered before the error column was written.
		dead, serr := models.SerializeError(&apperrors.DeadLetterQueueError{WorkflowUUID: workflowUUID})
		if serr != nil {
			return nil, serr
		}
		return &models.OperationResult{Error: &dead}, nil
	case models.StatusCancelled:
		cancelled, serr := models.SerializeError(&apperrors.WorkflowCancelledError{WorkflowUUID: workflowUUID})
		if serr != nil {
			return nil, serr
		}
		return &models.OperationResult{Error: &cancelled}, nil
	default:
		return nil, nil
	}
}

// RecordWorkflowError transitions the workflow to ERROR. Terminal states are
// write-once: a workflow that already finished is left untouched.
func (s *PostgresSystemDatabase) RecordWorkflowError(ctx context.Context, workflowUUID string, errText string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE dbos.workflow_status
		 SET status = $2, error = $3, updated_at = $4
		 WHERE workflow_uuid = $1 AND status = $5`,
		workflowUUID, models.StatusError, errText, time.Now().UnixMilli(), models.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to record workflow error: %w", err)
	}
	return nil
}

// IncrementRecoveryAttempts bumps the attempt counter at recovery time.
// Crossing maxAttempts moves the workflow to the dead-letter state and
// returns DeadLetterQueueError.
func (s *PostgresSystemDatabase) IncrementRecoveryAttempts(ctx context.Context, workflowUUID string, maxAttempts int64) (int64, error) {
	var attempts int64
	err := s.db.QueryRow(ctx,
		`UPDATE dbos.workflow_status
		 SET recovery_attempts = recovery_attempts + 1, updated_at = $2
		 WHERE workflow_uuid = $1
		 RETURNING recovery_attempts`,
		workflowUUID, time.Now().UnixMilli(),
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment recovery attempts: %w", err)
	}

	if maxAttempts > 0 && attempts > maxAttempts {
		deadErr := &apperrors.DeadLetterQueueError{
			WorkflowUUID: workflowUUID,
			Attempts:     attempts,
			MaxAttempts:  maxAttempts,
		}
		errText, serr := models.SerializeError(deadErr)
		if serr != nil {
			return attempts, serr
		}
		_, err := s.db.Exec(ctx,
			`UPDATE dbos.workflow_status
			 SET status = $2, error = $3, updated_at = $4
			 WHERE workflow_uuid = $1 AND status = $5`,
			workflowUUID, models.StatusRetriesExceeded, errText, time.Now().UnixMilli(), models.StatusPending,
		)
		if err != nil {
			return attempts, fmt.Errorf("failed to dead-letter workflow: %w", err)
		}
		return attempts, deadErr
	}
	return attempts, nil
}

// CancelWorkflow marks a non-terminal workflow CANCELLED and zeroes its
// recovery attempts so recovery will not resurrect it.
func (s *PostgresSystemDatabase) CancelWorkflow(ctx context.Context, workflowUUID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE dbos.workflow_status
		 SET status = $2, recovery_attempts = 0, updated_at = $3
		 WHERE workflow_uuid = $1 AND status = $4`,
		workflowUUID, models.StatusCancelled, time.Now().UnixMilli(), models.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel workflow: %w", err)
	}
	return nil
}

// GetWorkflowStatus returns a snapshot of the status row, or nil when the
// workflow is unknown.
func (s *PostgresSystemDatabase) GetWorkflowStatus(ctx context.Context, workflowUUID string) (*models.WorkflowStatus, error) {
	var ws models.WorkflowStatus
	var rolesText, request *string
	var name, className, configName, user, role, executorID, appVersion *string
	err := s.db.QueryRow(ctx,
		`SELECT workflow_uuid, status, name, class_name, config_name,
		        authenticated_user, assumed_role, authenticated_roles, request,
		        output, error, executor_id, application_version,
		        created_at, updated_at, recovery_attempts
		 FROM dbos.workflow_status WHERE workflow_uuid = $1`,
		workflowUUID,
	).Scan(
		&ws.WorkflowUUID, &ws.Status, &name, &className, &configName,
		&user, &role, &rolesText, &request,
		&ws.Output, &ws.Error, &executorID, &appVersion,
		&ws.CreatedAt, &ws.UpdatedAt, &ws.RecoveryAttempts,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get workflow status: %w", err)
	}

	ws.Name = deref(name)
	ws.ClassName = deref(className)
	ws.ConfigName = deref(configName)
	ws.ExecutorID = deref(executorID)
	ws.ApplicationVersion = deref(appVersion)
	ws.Identity.AuthenticatedUser = deref(user)
	ws.Identity.AssumedRole = deref(role)
	if request != nil {
		ws.Request = models.Deserialize(*request)
	}
	if rolesText != nil {
		_ = json.Unmarshal([]byte(*rolesText), &ws.Identity.AuthenticatedRoles)
	}
	return &ws, nil
}

// GetWorkflowResult blocks until the workflow reaches a terminal state.
// The listener has no per-workflow completion signal, so this re-reads the
// status row at a fixed poll interval.
func (s *PostgresSystemDatabase) GetWorkflowResult(ctx context.Context, workflowUUID string) (*models.OperationResult, error) {
	ticker := time.NewTicker(s.resultPollInterval)
	defer ticker.Stop()

	for {
		result, err := s.CheckWorkflowOutput(ctx, workflowUUID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// GetPendingWorkflows lists PENDING workflows owned by the given executor,
// optionally narrowed to an application version.
func (s *PostgresSystemDatabase) GetPendingWorkflows(ctx context.Context, executorID, appVersion string) ([]string, error) {
	query := `SELECT workflow_uuid FROM dbos.workflow_status WHERE status = $1 AND executor_id = $2`
	args := []any{models.StatusPending, executorID}
	if appVersion != "" {
		query += ` AND application_version = $3`
		args = append(args, appVersion)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending workflows: %w", err)
	}
	defer rows.Close()

	var uuids []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, fmt.Errorf("failed to scan pending workflow: %w", err)
		}
		uuids = append(uuids, uuid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending workflows: %w", err)
	}
	return uuids, nil
}

// GetWorkflowInputs returns the recorded inputs of a workflow.
func (s *PostgresSystemDatabase) GetWorkflowInputs(ctx context.Context, workflowUUID string) (string, error) {
	var inputs string
	err := s.db.QueryRow(ctx,
		`SELECT inputs FROM dbos.workflow_inputs WHERE workflow_uuid = $1`,
		workflowUUID,
	).Scan(&inputs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.ErrNotFound
		}
		return "", fmt.Errorf("failed to get workflow inputs: %w", err)
	}
	return inputs, nil
}

// GetWorkflows queries workflows for the management surface.
func (s *PostgresSystemDatabase) GetWorkflows(ctx context.Context, filter models.WorkflowFilter) ([]string, error) {
	var conditions []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.Name != "" {
		add("name = $%d", filter.Name)
	}
	if filter.AuthenticatedUser != "" {
		add("authenticated_user = $%d", filter.AuthenticatedUser)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.ApplicationVersion != "" {
		add("application_version = $%d", filter.ApplicationVersion)
	}
	if !filter.StartTime.IsZero() {
		add("created_at >= $%d", filter.StartTime.UnixMilli())
	}
	if !filter.EndTime.IsZero() {
		add("created_at <= $%d", filter.EndTime.UnixMilli())
	}

	query := `SELECT workflow_uuid FROM dbos.workflow_status`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var uuids []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, fmt.Errorf("failed to scan workflow uuid: %w", err)
		}
		uuids = append(uuids, uuid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}
	return uuids, nil
}

// workflowSignature renders the identifying triple of a workflow invocation
// for conflict messages, omitting empty parts.
func workflowSignature(name, class, config string) string {
	sig := name
	if class != "" {
		sig += "/" + class
	}
	if config != "" {
		sig += "/" + config
	}
	return sig
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
