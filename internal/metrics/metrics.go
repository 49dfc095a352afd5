package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bluegreen"

// Metrics holds the Prometheus collectors of both the catalog service and the traffic switch.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	useCaseExecutions *prometheus.CounterVec
	useCaseDuration   *prometheus.HistogramVec
	cutoverAttempts   *prometheus.CounterVec
	activeColor       *prometheus.GaugeVec
	openConnections   *prometheus.GaugeVec
	proxiedRequests   *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		useCaseExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "use_case_executions_total",
			Help:      "Use case executions by outcome",
		}, []string{"use_case", "outcome"}),
		useCaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "use_case_duration_seconds",
			Help:      "Use case execution latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"use_case"}),
		cutoverAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cutover_attempts_total",
			Help:      "Cutover attempts by target and result",
		}, []string{"target", "result"}),
		activeColor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_upstream",
			Help:      "1 for the instance currently receiving new connections",
		}, []string{"color"}),
		openConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Client connections bound to each upstream",
		}, []string{"color"}),
		proxiedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxied_requests_total",
			Help:      "Requests forwarded by the traffic switch",
		}, []string{"color", "code"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests served by the catalog API",
		}, []string{"method", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.useCaseExecutions,
		m.useCaseDuration,
		m.cutoverAttempts,
		m.activeColor,
		m.openConnections,
		m.proxiedRequests,
		m.httpRequests,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveUseCase(name, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.useCaseExecutions.WithLabelValues(name, outcome).Inc()
	m.useCaseDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) CutoverAttempt(target, result string) {
	if m == nil {
		return
	}
	m.cutoverAttempts.WithLabelValues(target, result).Inc()
}

// SetActive marks color as the active upstream and every other known color as inactive.
func (m *Metrics) SetActive(color string, all []string) {
	if m == nil {
		return
	}
	for _, c := range all {
		v := 0.0
		if c == color {
			v = 1
		}
		m.activeColor.WithLabelValues(c).Set(v)
	}
}

func (m *Metrics) ConnectionOpened(color string) {
	if m == nil {
		return
	}
	m.openConnections.WithLabelValues(color).Inc()
}

func (m *Metrics) ConnectionClosed(color string) {
	if m == nil {
		return
	}
	m.openConnections.WithLabelValues(color).Dec()
}

func (m *Metrics) ProxiedRequest(color, code string) {
	if m == nil {
		return
	}
	m.proxiedRequests.WithLabelValues(color, code).Inc()
}

func (m *Metrics) HTTPRequest(method, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, code).Inc()
}
