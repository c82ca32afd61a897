// Package embermetrics exposes optional Prometheus collectors for the
// engine's transaction and page accounting: transaction counts, open
// readers, and the pages each commit allocated and freed. It is fed by
// the engine directly and is separate from Database.Stats().
package embermetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	TxTotal               *prometheus.CounterVec
	TxDuration            prometheus.Histogram
	PagesAllocatedTotal   prometheus.Counter
	PagesFreedTotal       prometheus.Counter
	OpenReadTransactions  prometheus.Gauge
}

// New builds the collector set. If reg is non-nil, the collectors are
// registered against it; a nil reg leaves them unregistered but still
// usable in-process, so a caller that does not want Prometheus export
// (most tests) never has to worry about duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TxTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_tx_total",
			Help: "Total number of transactions, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		TxDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ember_tx_duration_seconds",
			Help:    "Commit latency for writable transactions.",
			Buckets: prometheus.DefBuckets,
		}),
		PagesAllocatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_pages_allocated_total",
			Help: "Total number of pages allocated across all commits.",
		}),
		PagesFreedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_pages_freed_total",
			Help: "Total number of pages freed across all commits.",
		}),
		OpenReadTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ember_open_read_transactions",
			Help: "Number of read-only transactions currently open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TxTotal, m.TxDuration, m.PagesAllocatedTotal, m.PagesFreedTotal, m.OpenReadTransactions)
	}
	return m
}

// ObserveCommit records a successful writable transaction.
func (m *Metrics) ObserveCommit() {
	m.TxTotal.WithLabelValues("write", "committed").Inc()
}

// ObserveRollback records an aborted writable transaction.
func (m *Metrics) ObserveRollback() {
	m.TxTotal.WithLabelValues("write", "rolled_back").Inc()
}

// ObserveRead records a read-only transaction's completion.
func (m *Metrics) ObserveRead() {
	m.TxTotal.WithLabelValues("read", "closed").Inc()
}

// AddAllocated adds n to the allocated-pages counter.
func (m *Metrics) AddAllocated(n int) {
	if n > 0 {
		m.PagesAllocatedTotal.Add(float64(n))
	}
}

// AddFreed adds n to the freed-pages counter.
func (m *Metrics) AddFreed(n int) {
	if n > 0 {
		m.PagesFreedTotal.Add(float64(n))
	}
}

// SetOpenReaders sets the current count of open read transactions.
func (m *Metrics) SetOpenReaders(n int) {
	m.OpenReadTransactions.Set(float64(n))
}
