package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

const namespace = "dataflow"

// Collector implements graph.Metrics.
type Collector struct {
	registry *prometheus.Registry

	// vertexBuilds counts finished builds.
	// Labels: vertex_type, status (built, cached, error)
	vertexBuilds *prometheus.CounterVec

	// vertexDuration measures build latency.
	// Labels: vertex_type
	vertexDuration *prometheus.HistogramVec

	// cacheLookups counts frozen-vertex cache reads.
	// Labels: result (hit, miss)
	cacheLookups *prometheus.CounterVec

	batchSize prometheus.Histogram

	// runDuration measures whole runs.
	// Labels: mode (batch, step), status (success, error)
	runDuration *prometheus.HistogramVec
}

var _ graph.Metrics = (*Collector)(nil)

// New creates a collector on a fresh registry. With withRuntime the Go and
// process collectors are registered too.
func New(withRuntime bool) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		vertexBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vertex",
			Name:      "builds_total",
			Help:      "Finished vertex builds by type and status",
		}, []string{"vertex_type", "status"}),
		vertexDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vertex",
			Name:      "build_duration_seconds",
			Help:      "Vertex build latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"vertex_type"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Vertex cache lookups by result",
		}, []string{"result"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "batch_size",
			Help:      "Vertices built concurrently per batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Graph run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode", "status"}),
	}
	c.registry.MustRegister(c.vertexBuilds, c.vertexDuration, c.cacheLookups, c.batchSize, c.runDuration)
	if withRuntime {
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Registry returns the registry holding the collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) VertexBuilt(vertexType, status string, d time.Duration) {
	c.vertexBuilds.WithLabelValues(vertexType, status).Inc()
	c.vertexDuration.WithLabelValues(vertexType).Observe(d.Seconds())
}

func (c *Collector) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) BatchScheduled(size int) { c.batchSize.Observe(float64(size)) }

func (c *Collector) RunFinished(mode string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.runDuration.WithLabelValues(mode, status).Observe(d.Seconds())
}
