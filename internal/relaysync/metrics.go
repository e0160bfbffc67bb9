package relaysync

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records sync activity on a private registry. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	items         *prometheus.CounterVec
	batches       *prometheus.CounterVec
	continuations *prometheus.CounterVec
	lockContended *prometheus.CounterVec
	stalled       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_runs_total",
			Help: "Sync invocations by integration and outcome.",
		}, []string{"integration", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaysync_run_duration_seconds",
			Help:    "Wall-clock duration of sync invocations.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 90, 120},
		}, []string{"integration", "outcome"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_items_total",
			Help: "Items handed to sinks by integration and result.",
		}, []string{"integration", "result"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_batches_total",
			Help: "Pages fetched and sunk by integration.",
		}, []string{"integration"}),
		continuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_continuations_total",
			Help: "Continuation webhook deliveries by integration and result.",
		}, []string{"integration", "result"}),
		lockContended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_lock_contended_total",
			Help: "Invocations skipped because another invocation held the job lock.",
		}, []string{"integration"}),
		stalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_stalled_jobs_total",
			Help: "Stalled jobs handled by the sweeper by action.",
		}, []string{"integration", "action"}),
	}
	registry.MustRegister(m.runs, m.runDuration, m.items, m.batches, m.continuations, m.lockContended, m.stalled)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordRun(integration, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(integration, outcome).Inc()
	m.runDuration.WithLabelValues(integration, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordBatch(integration string, result SinkResult) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(integration).Inc()
	m.items.WithLabelValues(integration, "succeeded").Add(float64(result.Succeeded))
	m.items.WithLabelValues(integration, "failed").Add(float64(result.Failed))
	m.items.WithLabelValues(integration, "created").Add(float64(result.Created))
}

func (m *Metrics) RecordContinuation(integration, result string) {
	if m == nil {
		return
	}
	m.continuations.WithLabelValues(integration, result).Inc()
}

func (m *Metrics) RecordLockContention(integration string) {
	if m == nil {
		return
	}
	m.lockContended.WithLabelValues(integration).Inc()
}

func (m *Metrics) RecordStall(integration, action string) {
	if m == nil {
		return
	}
	m.stalled.WithLabelValues(integration, action).Inc()
}
