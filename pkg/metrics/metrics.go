// Package metrics exposes Prometheus counters for the workflow engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	WorkflowsStarted   *prometheus.CounterVec
	WorkflowsCompleted *prometheus.CounterVec
	StepsExecuted      *prometheus.CounterVec
	StepsReplayed      prometheus.Counter
	RecoveredWorkflows prometheus.Counter
	StatusFlushes      prometheus.Counter
	ActiveWorkflows    prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil registerer
// leaves them unregistered, which keeps tests isolated.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_executions_started_total",
			Help: "Workflow executions started, by workflow name.",
		}, []string{"workflow"}),
		WorkflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_executions_completed_total",
			Help: "Workflow executions reaching a terminal state, by name and status.",
		}, []string{"workflow", "status"}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_steps_executed_total",
			Help: "Steps executed for the first time, by kind.",
		}, []string{"kind"}),
		StepsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_steps_replayed_total",
			Help: "Steps skipped because a recorded output was found.",
		}),
		RecoveredWorkflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_recoveries_total",
			Help: "Pending workflows resumed by recovery.",
		}),
		StatusFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_status_flushes_total",
			Help: "Workflow status buffer flush passes.",
		}),
		ActiveWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_executions_active",
			Help: "Workflow executions currently in flight in this process.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.WorkflowsStarted, m.WorkflowsCompleted, m.StepsExecuted,
			m.StepsReplayed, m.RecoveredWorkflows, m.StatusFlushes,
			m.ActiveWorkflows,
		)
	}
	return m
}
