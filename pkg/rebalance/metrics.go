package rebalance

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Transfer Engine's in-process counters and gauges
// (spec.md SPEC_FULL §2 domain-stack table). This is instrumentation only —
// it exposes no HTTP surface and performs no historical storage, keeping
// "metrics storage/reporting UI" out of scope per spec.md §1.
type Metrics struct {
	MovesCompleted prometheus.Counter
	MovesFailed    prometheus.Counter
	BytesMoved     prometheus.Counter
	DiskFillPct    *prometheus.GaugeVec
}

// NewMetrics registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MovesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalance_moves_completed_total",
			Help: "Number of moves that completed successfully.",
		}),
		MovesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalance_moves_failed_total",
			Help: "Number of moves that failed terminally.",
		}),
		BytesMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalance_bytes_moved_total",
			Help: "Total bytes relocated across all completed moves.",
		}),
		DiskFillPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rebalance_disk_fill_percent",
			Help: "Current fill percentage per disk.",
		}, []string{"disk"}),
	}
	if reg != nil {
		reg.MustRegister(m.MovesCompleted, m.MovesFailed, m.BytesMoved, m.DiskFillPct)
	}
	return m
}

// ObserveCompletion updates counters after a move completes or fails.
func (m *Metrics) ObserveCompletion(move Move, succeeded bool) {
	if m == nil {
		return
	}
	if succeeded {
		m.MovesCompleted.Inc()
		m.BytesMoved.Add(float64(move.SizeBytes))
	} else {
		m.MovesFailed.Inc()
	}
}

// ObserveDiskTable refreshes the per-disk fill gauge from the live table.
func (m *Metrics) ObserveDiskTable(table *DiskTable) {
	if m == nil {
		return
	}
	for _, d := range table.Snapshot() {
		m.DiskFillPct.WithLabelValues(d.Name).Set(d.FillPercent())
	}
}
