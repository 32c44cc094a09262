// Package userdb adapts the application's own PostgreSQL database for
// transaction steps. The engine runs each transaction step inside one
// database transaction here and records the step's output in
// dbos.transaction_outputs within that same transaction, so the
// application's effects and the bookkeeping commit atomically.
package userdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/everrun-io/everrun/pkg/database"
	"github.com/everrun-io/everrun/pkg/models"
	"github.com/everrun-io/everrun/pkg/registry"
)

// Coordinates of the bookkeeping table, used to attribute unique-violation
// errors to the engine rather than the application's own constraints.
const (
	Schema                  = "dbos"
	TransactionOutputsTable = "transaction_outputs"
)

// Adapter is the uniform transactional client over the application database.
// Other client libraries plug in behind this interface.
type Adapter interface {
	// Init brings the bookkeeping schema in the application database up to
	// date.
	Init(ctx context.Context) error

	// Transaction runs body inside a database transaction at the configured
	// isolation level. Serialization failures surface unwrapped so the
	// caller can retry.
	Transaction(ctx context.Context, cfg registry.TransactionConfig, body func(tx pgx.Tx) error) error

	// CheckTransactionOutput probes for a prior recorded output of the step
	// inside the given transaction. Returns nil when absent.
	CheckTransactionOutput(ctx context.Context, tx pgx.Tx, workflowUUID string, functionID int) (*models.OperationResult, error)

	// RecordTransactionOutput inserts the step output row inside the given
	// transaction, capturing the transaction id and snapshot.
	RecordTransactionOutput(ctx context.Context, tx pgx.Tx, workflowUUID string, functionID int, output string) error

	// RecordTransactionError records a step error outside any transaction
	// (the user transaction has already rolled back).
	RecordTransactionError(ctx context.Context, workflowUUID string, functionID int, errText string) error

	// Pool exposes the underlying connection pool for direct application use.
	Pool() *pgxpool.Pool

	Close()
}

// PgAdapter implements Adapter over a pgx connection pool.
type PgAdapter struct {
	db     *database.DB
	logger *zap.Logger
}

var _ Adapter = (*PgAdapter)(nil)

// NewPgAdapter wraps an application database pool.
func NewPgAdapter(db *database.DB, logger *zap.Logger) *PgAdapter {
	return &PgAdapter{db: db, logger: logger.Named("userdb")}
}

// Init creates the dbos schema and transaction_outputs table in the
// application database. Idempotent.
func (a *PgAdapter) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS dbos`,
		`CREATE TABLE IF NOT EXISTS dbos.transaction_outputs (
			workflow_uuid TEXT NOT NULL,
			function_id INT NOT NULL,
			output TEXT,
			error TEXT,
			txn_id TEXT,
			txn_snapshot TEXT,
			created_at BIGINT NOT NULL DEFAULT (EXTRACT(EPOCH FROM now()) * 1000)::bigint,
			PRIMARY KEY (workflow_uuid, function_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize application database bookkeeping: %w", err)
		}
	}
	return nil
}

func isoLevel(level registry.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case registry.ReadUncommitted:
		return pgx.ReadUncommitted
	case registry.ReadCommitted:
		return pgx.ReadCommitted
	case registry.RepeatableRead:
		return pgx.RepeatableRead
	case registry.Serializable, "":
		return pgx.Serializable
	default:
		return pgx.Serializable
	}
}

// Transaction runs body at the requested isolation level, defaulting to
// SERIALIZABLE, honoring read-only.
func (a *PgAdapter) Transaction(ctx context.Context, cfg registry.TransactionConfig, body func(tx pgx.Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: isoLevel(cfg.Isolation)}
	if cfg.ReadOnly {
		opts.AccessMode = pgx.ReadOnly
	}

	tx, err := a.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := body(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			a.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (a *PgAdapter) CheckTransactionOutput(ctx context.Context, tx pgx.Tx, workflowUUID string, functionID int) (*models.OperationResult, error) {
	var result models.OperationResult
	err := tx.QueryRow(ctx,
		`SELECT output, error, txn_snapshot, txn_id
		 FROM dbos.transaction_outputs
		 WHERE workflow_uuid = $1 AND function_id = $2`,
		workflowUUID, functionID,
	).Scan(&result.Output, &result.Error, &result.TxnSnapshot, &result.TxnID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check transaction output: %w", err)
	}
	return &result, nil
}

func (a *PgAdapter) RecordTransactionOutput(ctx context.Context, tx pgx.Tx, workflowUUID string, functionID int, output string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO dbos.transaction_outputs
		   (workflow_uuid, function_id, output, txn_id, txn_snapshot)
		 VALUES ($1, $2, $3, pg_current_xact_id()::text, pg_current_snapshot()::text)`,
		workflowUUID, functionID, output,
	)
	if err != nil {
		return fmt.Errorf("failed to record transaction output: %w", err)
	}
	return nil
}

func (a *PgAdapter) RecordTransactionError(ctx context.Context, workflowUUID string, functionID int, errText string) error {
	_, err := a.db.Exec(ctx,
		`INSERT INTO dbos.transaction_outputs (workflow_uuid, function_id, error)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (workflow_uuid, function_id) DO NOTHING`,
		workflowUUID, functionID, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to record transaction error: %w", err)
	}
	return nil
}

// Pool exposes the raw application pool.
func (a *PgAdapter) Pool() *pgxpool.Pool {
	return a.db.Pool
}

// Close closes the underlying pool.
func (a *PgAdapter) Close() {
	a.db.Close()
}
