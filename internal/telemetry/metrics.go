package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	PromptTransitions   *prometheus.CounterVec
	ReconcileNoops      *prometheus.CounterVec
	GenerationSubmits   *prometheus.CounterVec
	StageRuns           *prometheus.CounterVec
	CacheEvictions      prometheus.Counter
	PersistenceFailures prometheus.Counter
	HTTPRequests        *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		PromptTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adstudio_prompt_transitions_total",
				Help: "Prompt status transitions applied, by target status and signal channel",
			},
			[]string{"to", "channel"},
		),
		ReconcileNoops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adstudio_reconcile_noops_total",
				Help: "Completion signals that did not change state",
			},
			[]string{"channel", "reason"},
		),
		GenerationSubmits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adstudio_generation_submits_total",
				Help: "Jobs submitted to the generation service",
			},
			[]string{"result"},
		),
		StageRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adstudio_stage_runs_total",
				Help: "Pipeline stage invocations",
			},
			[]string{"stage", "result"},
		),
		CacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "adstudio_cache_evictions_total",
				Help: "Campaign cache entries evicted after the inactivity TTL",
			},
		),
		PersistenceFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "adstudio_persistence_failures_total",
				Help: "Durable store writes that failed and were left to the cache",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adstudio_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		registry: reg,
	}
	reg.MustRegister(
		m.PromptTransitions,
		m.ReconcileNoops,
		m.GenerationSubmits,
		m.StageRuns,
		m.CacheEvictions,
		m.PersistenceFailures,
		m.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(to, channel string) {
	if m == nil {
		return
	}
	m.PromptTransitions.WithLabelValues(to, channel).Inc()
}

func (m *Metrics) Noop(channel, reason string) {
	if m == nil {
		return
	}
	m.ReconcileNoops.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) Submit(result string) {
	if m == nil {
		return
	}
	m.GenerationSubmits.WithLabelValues(result).Inc()
}

func (m *Metrics) Stage(stage, result string) {
	if m == nil {
		return
	}
	m.StageRuns.WithLabelValues(stage, result).Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.CacheEvictions.Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.PersistenceFailures.Inc()
}

func (m *Metrics) Request(method, route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
}
