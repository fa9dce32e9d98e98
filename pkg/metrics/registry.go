// Package metrics holds the Prometheus instruments of the repository server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the application
type Registry struct {
	// Containment index
	ContainmentOperationsTotal   *prometheus.CounterVec
	ContainmentOperationDuration *prometheus.HistogramVec
	ContainmentActiveEdges       prometheus.Gauge
	ContainmentPendingTx         prometheus.Gauge

	// Journal
	JournalEntriesTotal  *prometheus.CounterVec
	JournalBytesTotal    prometheus.Counter
	JournalReplayedTotal prometheus.Counter

	// Transactions
	TransactionsTotal         *prometheus.CounterVec
	TransactionsOpen          prometheus.Gauge
	TransactionCommitDuration prometheus.Histogram
	ParticipantCommitFailures *prometheus.CounterVec
	ParticipantCommitRetries  *prometheus.CounterVec
	RollbackStepFailures      *prometheus.CounterVec

	// Cleanup sweeper
	CleanupSweepsTotal   prometheus.Counter
	CleanupExpiredTotal  prometheus.Counter
	CleanupRemovedTotal  prometheus.Counter
	CleanupSweepDuration prometheus.Histogram

	// Locks
	LockAcquisitionsTotal *prometheus.CounterVec
	LockConflictsTotal    *prometheus.CounterVec
	LocksHeld             prometheus.Gauge

	// Events
	EventsEmittedTotal prometheus.Counter

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with every instrument registered on a
// private Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initContainmentMetrics()
	r.initTransactionMetrics()
	r.initLockMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// OrDefault returns r, or the global registry when r is nil.
func OrDefault(r *Registry) *Registry {
	if r == nil {
		return DefaultRegistry()
	}
	return r
}
