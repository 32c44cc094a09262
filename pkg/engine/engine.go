// Package engine runs registered workflows with exactly-once step semantics
// over the system and application databases.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/everrun-io/everrun/pkg/apperrors"
	"github.com/everrun-io/everrun/pkg/config"
	"github.com/everrun-io/everrun/pkg/database"
	"github.com/everrun-io/everrun/pkg/metrics"
	"github.com/everrun-io/everrun/pkg/registry"
	"github.com/everrun-io/everrun/pkg/sysdb"
	"github.com/everrun-io/everrun/pkg/userdb"
)

// WorkflowFunc is the signature of a registered workflow body. Input arrives
// as the recorded JSON arguments; the returned value is serialized as the
// workflow output.
type WorkflowFunc func(wc *WorkflowContext, input json.RawMessage) (any, error)

// TransactionFunc is the signature of a registered transaction step. All
// database access must go through tc.Tx.
type TransactionFunc func(tc *TransactionContext, input json.RawMessage) (any, error)

// CommunicatorFunc is the signature of a registered external step.
type CommunicatorFunc func(cc *CommunicatorContext, input json.RawMessage) (any, error)

// InitializerFunc runs once at engine startup, before any workflow.
type InitializerFunc func(ctx context.Context) error

// Executor owns the database connections and drives workflow execution,
// recovery, and the buffered status flush.
type Executor struct {
	cfg    *config.Config
	reg    *registry.Registry
	logger *zap.Logger
	m      *metrics.Metrics

	sysPool *database.DB
	sysDB   sysdb.SystemDatabase
	userDB  userdb.Adapter

	debug bool

	wg          sync.WaitGroup
	flushCancel context.CancelFunc
	flushDone   chan struct{}
}

// Option customizes an Executor.
type Option func(*Executor)

// WithDebug puts the executor in replay mode: workflows re-execute against
// their recorded operation stream and never write new state.
func WithDebug() Option {
	return func(e *Executor) { e.debug = true }
}

// WithMetrics registers the engine's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Executor) { e.m = metrics.New(reg) }
}

// New creates an executor. Call Init before invoking workflows.
func New(cfg *config.Config, reg *registry.Registry, logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		cfg:    cfg,
		reg:    reg,
		logger: logger.Named("engine"),
		m:      metrics.New(nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Init provisions the system database, connects both pools, starts the
// notification listener and the status flush loop, and runs registered
// initializers.
func (e *Executor) Init(ctx context.Context) error {
	dbCfg := &e.cfg.Database

	if err := database.EnsureDatabase(ctx, dbCfg.AppConnectionString(), dbCfg.SystemDB); err != nil {
		return apperrors.NewInitializationError(err)
	}
	if err := database.RunMigrations(dbCfg.SystemConnectionString(), e.logger); err != nil {
		return apperrors.NewInitializationError(err)
	}

	sysPool, err := database.NewConnection(ctx, &database.Config{
		URL:            dbCfg.SystemConnectionString(),
		MaxConnections: dbCfg.MaxConnections,
	})
	if err != nil {
		return apperrors.NewInitializationError(fmt.Errorf("system database: %w", err))
	}
	e.sysPool = sysPool
	e.sysDB = sysdb.New(sysPool, dbCfg.SystemConnectionString(), e.logger)
	if err := e.sysDB.Init(ctx); err != nil {
		return apperrors.NewInitializationError(err)
	}

	appPool, err := database.NewConnection(ctx, &database.Config{
		URL:            dbCfg.AppConnectionString(),
		MaxConnections: dbCfg.MaxConnections,
	})
	if err != nil {
		return apperrors.NewInitializationError(fmt.Errorf("application database: %w", err))
	}
	e.userDB = userdb.NewPgAdapter(appPool, e.logger)
	if err := e.userDB.Init(ctx); err != nil {
		return apperrors.NewInitializationError(err)
	}

	if err := e.runInitializers(ctx); err != nil {
		return apperrors.NewInitializationError(err)
	}

	flushCtx, cancel := context.WithCancel(context.Background())
	e.flushCancel = cancel
	e.flushDone = make(chan struct{})
	go e.runFlushLoop(flushCtx)

	e.logger.Info("Workflow engine initialized",
		zap.String("executor_id", e.cfg.Executor.ID),
		zap.String("app_version", e.cfg.Executor.AppVersion),
		zap.Bool("debug", e.debug),
	)
	return nil
}

func (e *Executor) runInitializers(ctx context.Context) error {
	for _, name := range e.reg.Names() {
		op, err := e.reg.Lookup(name)
		if err != nil || op.Kind != registry.KindInitializer {
			continue
		}
		fn, ok := op.Fn.(InitializerFunc)
		if !ok {
			if plain, okPlain := op.Fn.(func(context.Context) error); okPlain {
				fn = plain
			} else {
				return fmt.Errorf("initializer %q has wrong signature", name)
			}
		}
		if err := fn(ctx); err != nil {
			return fmt.Errorf("initializer %q: %w", name, err)
		}
	}
	return nil
}

// runFlushLoop periodically writes buffered workflow completions.
func (e *Executor) runFlushLoop(ctx context.Context) {
	defer close(e.flushDone)

	ticker := time.NewTicker(e.cfg.Executor.FlushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.sysDB.FlushWorkflowStatusBuffer(ctx); err != nil {
				e.logger.Warn("Status buffer flush failed", zap.Error(err))
			}
			e.m.StatusFlushes.Inc()
		case <-ctx.Done():
			return
		}
	}
}

// Destroy drains in-flight workflows, performs a final status flush, and
// releases all connections. The context bounds the drain.
func (e *Executor) Destroy(ctx context.Context) error {
	if e.flushCancel != nil {
		e.flushCancel()
		<-e.flushDone
	}

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		e.logger.Warn("Shutdown deadline reached with workflows still in flight")
	}

	var firstErr error
	if e.sysDB != nil {
		if err := e.sysDB.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if e.userDB != nil {
		e.userDB.Close()
	}
	if e.sysPool != nil {
		e.sysPool.Close()
	}
	e.logger.Info("Workflow engine stopped")
	return firstErr
}

// SystemDB exposes the system database, mainly for handles and tests.
func (e *Executor) SystemDB() sysdb.SystemDatabase { return e.sysDB }

// UserDB exposes the application database adapter.
func (e *Executor) UserDB() userdb.Adapter { return e.userDB }
