package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jbweber/homelab/remu/internal/domain"
)

// Metrics are the scheduler's prometheus collectors
type Metrics struct {
	SessionsStarted   *prometheus.CounterVec
	NoCapacity        *prometheus.CounterVec
	SessionsRecycled  *prometheus.CounterVec
	OperationFailures *prometheus.CounterVec
	SweepDuration     prometheus.Histogram
	NodeResources     *prometheus.GaugeVec
}

// NewMetrics registers the collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "remu_sessions_started_total",
			Help: "Sessions handed out to participants.",
		}, []string{"workshop"}),
		NoCapacity: f.NewCounterVec(prometheus.CounterOpts{
			Name: "remu_no_capacity_total",
			Help: "Checkouts refused for lack of capacity.",
		}, []string{"workshop"}),
		SessionsRecycled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "remu_sessions_recycled_total",
			Help: "Idle sessions reclaimed by the recycling loop.",
		}, []string{"workshop"}),
		OperationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "remu_unit_operation_failures_total",
			Help: "Failed lifecycle calls on nodes.",
		}, []string{"operation"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "remu_sweep_duration_seconds",
			Help:    "Duration of one recycling pass.",
			Buckets: prometheus.DefBuckets,
		}),
		NodeResources: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "remu_node_resource_percent",
			Help: "Last polled resource usage of a node.",
		}, []string{"node", "resource"}),
	}
}

func (m *Metrics) observeGauges(node string, g domain.ResourceGauges) {
	m.NodeResources.WithLabelValues(node, "cpu").Set(g.CPU)
	m.NodeResources.WithLabelValues(node, "mem").Set(g.Memory)
	m.NodeResources.WithLabelValues(node, "hdd").Set(g.Disk)
}
