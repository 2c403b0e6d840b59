package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the router collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	dispatchAttempts *prometheus.CounterVec
	runOutcomes      *prometheus.CounterVec
	syncLatency      *prometheus.HistogramVec
	fallbacks        *prometheus.CounterVec
	limitDenials     *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	callbackRejects  *prometheus.CounterVec
	inflightSync     prometheus.Gauge
}

func New(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	constLabels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,
		dispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "router_dispatch_attempts_total",
			Help:        "Workflow dispatch attempts by event type and attempt result.",
			ConstLabels: constLabels,
		}, []string{"event_type", "result"}),
		runOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "router_run_outcomes_total",
			Help:        "Automation runs reaching a terminal status.",
			ConstLabels: constLabels,
		}, []string{"event_type", "status"}),
		syncLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "router_sync_dispatch_seconds",
			Help:        "Latency of synchronous intent dispatch as seen by the voice caller.",
			Buckets:     []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10, 15, 20, 30, 60},
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "router_fallbacks_total",
			Help:        "Fallback actions by channel and reason.",
			ConstLabels: constLabels,
		}, []string{"channel", "reason"}),
		limitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "router_usage_limit_denials_total",
			Help:        "Admission checks denied by plan limit.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "router_duplicate_events_total",
			Help:        "Provider redeliveries short-circuited by the idempotency ledger.",
			ConstLabels: constLabels,
		}, []string{"channel"}),
		callbackRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "router_callback_rejections_total",
			Help:        "Workflow callbacks rejected by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		inflightSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "router_sync_inflight",
			Help:        "Synchronous intent waits currently holding a pool slot.",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(m.dispatchAttempts, m.runOutcomes, m.syncLatency, m.fallbacks,
		m.limitDenials, m.duplicates, m.callbackRejects, m.inflightSync)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DispatchAttempt(eventType, result string) {
	if m == nil {
		return
	}
	m.dispatchAttempts.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) RunOutcome(eventType, status string) {
	if m == nil {
		return
	}
	m.runOutcomes.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) ObserveSync(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) Fallback(channel, reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) LimitDenied(kind string) {
	if m == nil {
		return
	}
	m.limitDenials.WithLabelValues(kind).Inc()
}

func (m *Metrics) Duplicate(channel string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(channel).Inc()
}

func (m *Metrics) CallbackRejected(reason string) {
	if m == nil {
		return
	}
	m.callbackRejects.WithLabelValues(reason).Inc()
}

func (m *Metrics) SyncStarted() {
	if m == nil {
		return
	}
	m.inflightSync.Inc()
}

func (m *Metrics) SyncFinished() {
	if m == nil {
		return
	}
	m.inflightSync.Dec()
}
