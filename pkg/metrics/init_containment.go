package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initContainmentMetrics() {
	r.ContainmentOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_containment_operations_total",
			Help: "Total number of containment index operations",
		},
		[]string{"operation", "status"},
	)

	r.ContainmentOperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cluso_containment_operation_duration_seconds",
			Help:    "Containment index operation duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	r.ContainmentActiveEdges = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_containment_active_edges",
			Help: "Number of active containment edges in the committed view",
		},
	)

	r.ContainmentPendingTx = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_containment_pending_transactions",
			Help: "Number of transactions with uncommitted containment changes",
		},
	)

	r.JournalEntriesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_journal_entries_total",
			Help: "Total number of containment journal entries appended",
		},
		[]string{"op"},
	)

	r.JournalBytesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_journal_bytes_total",
			Help: "Total payload bytes appended to the containment journal",
		},
	)

	r.JournalReplayedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_journal_replayed_entries_total",
			Help: "Journal entries replayed when opening the containment index",
		},
	)
}
