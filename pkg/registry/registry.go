// Package registry associates operation names with their kind and
// configuration. Registration happens explicitly at program start; lookup is
// by name with equality semantics.
package registry

import (
	"fmt"
	"sync"

	"github.com/everrun-io/everrun/pkg/apperrors"
)

// Kind classifies a registered operation.
type Kind string

const (
	KindWorkflow        Kind = "workflow"
	KindTransaction     Kind = "transaction"
	KindCommunicator    Kind = "communicator"
	KindHandler         Kind = "handler"
	KindInitializer     Kind = "initializer"
	KindStoredProcedure Kind = "storedProcedure"
)

// IsolationLevel selects the transaction isolation for a transaction step.
type IsolationLevel string

const (
	Serializable    IsolationLevel = "SERIALIZABLE"
	RepeatableRead  IsolationLevel = "REPEATABLE READ"
	ReadCommitted   IsolationLevel = "READ COMMITTED"
	ReadUncommitted IsolationLevel = "READ UNCOMMITTED"
)

// TransactionConfig configures a transaction step.
type TransactionConfig struct {
	Isolation IsolationLevel
	ReadOnly  bool
}

// CommunicatorConfig configures the retry policy of an external step.
type CommunicatorConfig struct {
	// RetriesAllowed=false runs the step exactly once.
	RetriesAllowed bool
	IntervalSec    float64
	MaxAttempts    int
	BackoffRate    float64
}

// DefaultCommunicatorConfig matches the engine defaults: 3 attempts starting
// at 1s, doubling.
func DefaultCommunicatorConfig() CommunicatorConfig {
	return CommunicatorConfig{
		RetriesAllowed: true,
		IntervalSec:    1,
		MaxAttempts:    3,
		BackoffRate:    2,
	}
}

// WorkflowConfig configures a workflow operation.
type WorkflowConfig struct {
	// MaxRecoveryAttempts overrides the engine-wide dead-letter threshold
	// when positive.
	MaxRecoveryAttempts int64
}

// Operation describes one registered operation. Fn holds the user function;
// its concrete signature depends on Kind and is asserted by the engine at
// invocation time.
type Operation struct {
	Name          string
	Kind          Kind
	ClassName     string
	ConfigName    string
	Fn            any
	Workflow      WorkflowConfig
	Transaction   TransactionConfig
	Communicator  CommunicatorConfig
	RequiredRoles []string
}

// Registry is a concurrency-safe name → operation map.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Register adds an operation. Registering the same name twice is a
// programming error and fails.
func (r *Registry) Register(op *Operation) error {
	if op.Name == "" {
		return fmt.Errorf("operation name must not be empty")
	}
	if op.Fn == nil {
		return fmt.Errorf("operation %q has no function", op.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[op.Name]; exists {
		return fmt.Errorf("operation %q is already registered", op.Name)
	}
	r.ops[op.Name] = op
	return nil
}

// RegisterWorkflow registers a workflow body under name.
func (r *Registry) RegisterWorkflow(name string, fn any, cfg WorkflowConfig) error {
	return r.Register(&Operation{Name: name, Kind: KindWorkflow, Fn: fn, Workflow: cfg})
}

// RegisterTransaction registers a transaction step under name.
func (r *Registry) RegisterTransaction(name string, fn any, cfg TransactionConfig) error {
	return r.Register(&Operation{Name: name, Kind: KindTransaction, Fn: fn, Transaction: cfg})
}

// RegisterCommunicator registers an external step under name.
func (r *Registry) RegisterCommunicator(name string, fn any, cfg CommunicatorConfig) error {
	return r.Register(&Operation{Name: name, Kind: KindCommunicator, Fn: fn, Communicator: cfg})
}

// Lookup returns the operation registered under name.
func (r *Registry) Lookup(name string) (*Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	if !ok {
		return nil, &apperrors.NotRegisteredError{Name: name}
	}
	return op, nil
}

// LookupKind returns the operation registered under name, verifying its kind.
func (r *Registry) LookupKind(name string, kind Kind) (*Operation, error) {
	op, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if op.Kind != kind {
		return nil, fmt.Errorf("operation %q is a %s, not a %s", name, op.Kind, kind)
	}
	return op, nil
}

// Names returns the registered operation names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	return names
}
