package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes the scheduler's execution behavior for
// operators: concurrency levels, retry rates, and node latency. All
// metrics are namespaced "flowengine".
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	activeRuns    prometheus.Gauge
	nodeLatency   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
}

// NewPrometheusMetrics registers the scheduler's metrics with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowengine",
			Name:      "inflight_nodes",
			Help:      "Node tasks currently dispatched across all runs, control-flow nodes included",
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowengine",
			Name:      "active_runs",
			Help:      "Runs currently registered with the scheduler, queued or running",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowengine",
			Name:      "node_duration_ms",
			Help:      "Node execution duration in milliseconds, per attempt",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node_id", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowengine",
			Name:      "retries_total",
			Help:      "Node retry attempts scheduled after a failed execution",
		}, []string{"node_id"}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowengine",
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status",
		}, []string{"status"}),
	}
}

func (pm *PrometheusMetrics) setInflightNodes(n int) {
	if pm == nil {
		return
	}
	pm.inflightNodes.Set(float64(n))
}

func (pm *PrometheusMetrics) setActiveRuns(n int) {
	if pm == nil {
		return
	}
	pm.activeRuns.Set(float64(n))
}

func (pm *PrometheusMetrics) observeNodeLatency(nodeID, status string, d time.Duration) {
	if pm == nil {
		return
	}
	pm.nodeLatency.WithLabelValues(nodeID, status).Observe(float64(d.Milliseconds()))
}

func (pm *PrometheusMetrics) incRetries(nodeID string) {
	if pm == nil {
		return
	}
	pm.retries.WithLabelValues(nodeID).Inc()
}

func (pm *PrometheusMetrics) incRunFinished(status string) {
	if pm == nil {
		return
	}
	pm.runsFinished.WithLabelValues(status).Inc()
}
