// Package metrics holds the prometheus collectors of the revision log and
// the log player.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var RevisionsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "graphlog",
	Subsystem: "revlog",
	Name:      "revisions_appended_total",
}, []string{"graph"})

var Transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "graphlog",
	Subsystem: "revlog",
	Name:      "transactions_total",
}, []string{"graph", "state"})

var BatchesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "graphlog",
	Subsystem: "revlog",
	Name:      "batches_rejected_total",
}, []string{"graph"})

var ListenerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "graphlog",
	Subsystem: "revlog",
	Name:      "listener_failures_total",
}, []string{"graph"})

var OperationsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "graphlog",
	Subsystem: "player",
	Name:      "operations_applied_total",
}, []string{"graph", "kind"})

var ReplayErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "graphlog",
	Subsystem: "player",
	Name:      "replay_errors_total",
}, []string{"graph"})

var ReplayDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "graphlog",
	Subsystem: "player",
	Name:      "replay_duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
}, []string{"graph", "scope"})

var HangingEdges = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "graphlog",
	Subsystem: "player",
	Name:      "hanging_edges_written_total",
}, []string{"graph"})

var EdgesRepaired = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "graphlog",
	Subsystem: "player",
	Name:      "edges_repaired_total",
}, []string{"graph"})

// Collectors lists every collector of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RevisionsAppended,
		Transactions,
		BatchesRejected,
		ListenerFailures,
		OperationsApplied,
		ReplayErrors,
		ReplayDuration,
		HangingEdges,
		EdgesRepaired,
	}
}

// Register registers all collectors with reg. Collectors that are already
// registered are skipped.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
