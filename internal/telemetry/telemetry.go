// Package telemetry exposes Prometheus metrics for forwarding-table churn
// and aggregator activity. Grounded on internal/ebpf/metrics.Metrics'
// shape (struct of prometheus.Counter/Gauge fields, constructed once,
// registered once) generalized from eBPF packet counters to the routing
// core's own events.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus collector this core publishes.
type Metrics struct {
	SourcesActive           prometheus.Gauge
	KernelEntriesTotal      prometheus.Counter
	KernelErrorsTotal       *prometheus.CounterVec
	AggregateRecomputeTotal prometheus.Counter
	ReportsSentTotal        *prometheus.CounterVec
}

// NewMetrics constructs the metric set. It does not register them —
// callers choose a registry via Register.
func NewMetrics() *Metrics {
	return &Metrics{
		SourcesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcproxy_sources_active",
			Help: "Number of (group, source) pairs currently present in the routing database.",
		}),
		KernelEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcproxy_kernel_entries_total",
			Help: "Total number of kernel forwarding entries installed.",
		}),
		KernelErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcproxy_kernel_errors_total",
			Help: "Total number of kernel routing-socket call failures, by operation.",
		}, []string{"operation"}),
		AggregateRecomputeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcproxy_aggregate_recomputes_total",
			Help: "Total number of times the membership aggregator recomputed an upstream's advertised state.",
		}),
		ReportsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcproxy_reports_sent_total",
			Help: "Total number of upstream state-change reports sent, by outcome.",
		}, []string{"outcome"}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.SourcesActive, m.KernelEntriesTotal, m.KernelErrorsTotal,
		m.AggregateRecomputeTotal, m.ReportsSentTotal,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
