package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for one agent
type Metrics struct {
	registry *prometheus.Registry

	// Task metrics
	TasksTotal        *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	IterationsTotal   *prometheus.CounterVec
	IterationDuration prometheus.Histogram

	// Lease metrics
	LeasesTotal *prometheus.CounterVec
	LeasesHeld  prometheus.Gauge

	// Action metrics
	ActionsTotal *prometheus.CounterVec

	// Playbook metrics
	Lessons prometheus.Gauge

	// Provider metrics
	GenerationRequests *prometheus.CounterVec
	GenerationTokens   *prometheus.CounterVec
	GenerationCost     *prometheus.CounterVec
}

// NewMetrics creates metrics on a private registry labelled with the agent
// name. Go runtime and process collectors are included.
func NewMetrics(agent string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"agent": agent}, reg))
	return &Metrics{
		registry: reg,

		TasksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asc_tasks_total",
				Help: "Total number of tasks finalized, by result",
			},
			[]string{"phase", "result"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asc_task_duration_seconds",
				Help:    "Duration of task execution in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to 512s
			},
			[]string{"phase", "result"},
		),
		IterationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asc_iterations_total",
				Help: "Total number of orchestrator iterations, by outcome",
			},
			[]string{"outcome"},
		),
		IterationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "asc_iteration_duration_seconds",
				Help:    "Duration of one orchestrator iteration",
				Buckets: prometheus.DefBuckets,
			},
		),
		LeasesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asc_leases_total",
				Help: "Lease broker events",
			},
			[]string{"event"},
		),
		LeasesHeld: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "asc_leases_held",
				Help: "Leases currently held",
			},
		),
		ActionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asc_actions_total",
				Help: "Plan actions by outcome",
			},
			[]string{"outcome"},
		),
		Lessons: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "asc_playbook_lessons",
				Help: "Lessons currently in the playbook",
			},
		),
		GenerationRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asc_generation_requests_total",
				Help: "Generation backend requests",
			},
			[]string{"model", "success"},
		),
		GenerationTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asc_generation_tokens_total",
				Help: "Tokens consumed by generation",
			},
			[]string{"model"},
		),
		GenerationCost: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asc_generation_cost_usd_total",
				Help: "Estimated generation cost in USD",
			},
			[]string{"model"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// TaskFinished records a finalized task
func (m *Metrics) TaskFinished(phase string, success bool, d time.Duration) {
	result := resultLabel(success)
	m.TasksTotal.WithLabelValues(phase, result).Inc()
	m.TaskDuration.WithLabelValues(phase, result).Observe(d.Seconds())
}

// IterationFinished records one loop iteration. outcome is "idle", "task"
// or "error".
func (m *Metrics) IterationFinished(outcome string, d time.Duration) {
	m.IterationsTotal.WithLabelValues(outcome).Inc()
	m.IterationDuration.Observe(d.Seconds())
}

// ActionsApplied records the outcome counts of one plan
func (m *Metrics) ActionsApplied(applied, skipped, failed int) {
	m.ActionsTotal.WithLabelValues("applied").Add(float64(applied))
	m.ActionsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.ActionsTotal.WithLabelValues("failed").Add(float64(failed))
}

// Generation records one backend call
func (m *Metrics) Generation(model string, tokens int, costUSD float64, err error) {
	m.GenerationRequests.WithLabelValues(model, resultLabel(err == nil)).Inc()
	if err != nil {
		return
	}
	m.GenerationTokens.WithLabelValues(model).Add(float64(tokens))
	m.GenerationCost.WithLabelValues(model).Add(costUSD)
}

// LessonCount sets the playbook size gauge
func (m *Metrics) LessonCount(n int) {
	m.Lessons.Set(float64(n))
}

// LeaseAcquired implements lease.Observer
func (m *Metrics) LeaseAcquired(string) {
	m.LeasesTotal.WithLabelValues("acquired").Inc()
	m.LeasesHeld.Inc()
}

// LeaseDenied implements lease.Observer
func (m *Metrics) LeaseDenied(string) {
	m.LeasesTotal.WithLabelValues("denied").Inc()
}

// LeaseReleased implements lease.Observer. The lease is no longer held
// locally whether or not the broker acknowledged the release.
func (m *Metrics) LeaseReleased(_ string, ok bool) {
	if ok {
		m.LeasesTotal.WithLabelValues("released").Inc()
	} else {
		m.LeasesTotal.WithLabelValues("release_failed").Inc()
	}
	m.LeasesHeld.Dec()
}
