// Package metrics exposes Prometheus instrumentation for the simulated runtime.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks transaction outcomes, program invocations and the
// per-asset result of every diversion step.
type Metrics struct {
	Transactions        *prometheus.CounterVec
	Instructions        *prometheus.CounterVec
	DiversionSteps      *prometheus.CounterVec
	HookDispatch        *prometheus.CounterVec
	TransactionDuration prometheus.Histogram
}

// New registers all metrics with reg. Pass prometheus.DefaultRegisterer to
// expose them on the default /metrics handler, or a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "siphon_transactions_total",
			Help: "Executed transactions by status",
		}, []string{"status"}), // status: "success", "failed"

		Instructions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "siphon_instructions_total",
			Help: "Program invocations, top-level and CPI, by program",
		}, []string{"program"}),

		DiversionSteps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "siphon_diversion_steps_total",
			Help: "Diversion steps by asset slot and status",
		}, []string{"asset", "status"}),

		HookDispatch: f.NewCounterVec(prometheus.CounterOpts{
			Name: "siphon_hook_dispatch_total",
			Help: "Transfer-hook dispatches by outcome",
		}, []string{"outcome"}),

		TransactionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "siphon_transaction_duration_seconds",
			Help:    "Wall time spent executing one transaction",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}
}

// IncrementTransaction records a transaction outcome.
func (m *Metrics) IncrementTransaction(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	m.Transactions.WithLabelValues(status).Inc()
}

// IncrementInstruction records one program invocation.
func (m *Metrics) IncrementInstruction(program string) {
	if m != nil {
		m.Instructions.WithLabelValues(program).Inc()
	}
}

// IncrementDiversionStep records the outcome of one diversion step.
func (m *Metrics) IncrementDiversionStep(asset, status string) {
	if m != nil {
		m.DiversionSteps.WithLabelValues(asset, status).Inc()
	}
}

// IncrementHookDispatch records a transfer-hook dispatch outcome.
func (m *Metrics) IncrementHookDispatch(outcome string) {
	if m != nil {
		m.HookDispatch.WithLabelValues(outcome).Inc()
	}
}

// ObserveTransaction records the duration of a transaction.
// Call with time.Now() at the start of execution.
func (m *Metrics) ObserveTransaction(start time.Time) {
	if m != nil {
		m.TransactionDuration.Observe(time.Since(start).Seconds())
	}
}
