package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the media acquisition engine.
type Metrics struct {
	registry            *prometheus.Registry
	activeLoads         prometheus.Gauge
	waitingLoads        prometheus.Gauge
	loadsTotal          *prometheus.CounterVec
	loadDuration        prometheus.Histogram
	gatewayProbeLatency prometheus.Histogram
	transcodePollsTotal prometheus.Counter
	cooldownSkipsTotal  prometheus.Counter
}

// New creates and registers Prometheus metrics for the engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	activeLoads := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mediaload_active_loads",
		Help: "Number of loads currently occupying a concurrency slot",
	})
	waitingLoads := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mediaload_waiting_loads",
		Help: "Number of loads parked in the waiting queue",
	})
	loadsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaload_loads_total",
		Help: "Total number of loads by terminal status",
	}, []string{"status"})
	loadDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mediaload_load_duration_seconds",
		Help:    "Wall time from dispatch to terminal status",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	gatewayProbeLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mediaload_gateway_probe_latency_seconds",
		Help:    "Latency of individual gateway existence probes",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})
	transcodePollsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediaload_transcode_polls_total",
		Help: "Total number of transcode status polls issued",
	})
	cooldownSkipsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediaload_cooldown_skips_total",
		Help: "Total number of preloads skipped because the key was cooling down",
	})

	registry.MustRegister(
		activeLoads,
		waitingLoads,
		loadsTotal,
		loadDuration,
		gatewayProbeLatency,
		transcodePollsTotal,
		cooldownSkipsTotal,
	)

	return &Metrics{
		registry:            registry,
		activeLoads:         activeLoads,
		waitingLoads:        waitingLoads,
		loadsTotal:          loadsTotal,
		loadDuration:        loadDuration,
		gatewayProbeLatency: gatewayProbeLatency,
		transcodePollsTotal: transcodePollsTotal,
		cooldownSkipsTotal:  cooldownSkipsTotal,
	}
}

// SetActiveLoads sets the active loads gauge.
func (m *Metrics) SetActiveLoads(n int) {
	m.activeLoads.Set(float64(n))
}

// SetWaitingLoads sets the waiting queue gauge.
func (m *Metrics) SetWaitingLoads(n int) {
	m.waitingLoads.Set(float64(n))
}

// ObserveLoad records one finished load with its terminal status and duration.
func (m *Metrics) ObserveLoad(status string, d time.Duration) {
	m.loadsTotal.WithLabelValues(status).Inc()
	m.loadDuration.Observe(d.Seconds())
}

// ObserveGatewayProbe records the latency of a single gateway probe.
func (m *Metrics) ObserveGatewayProbe(d time.Duration) {
	m.gatewayProbeLatency.Observe(d.Seconds())
}

// IncTranscodePolls increments the transcode poll counter.
func (m *Metrics) IncTranscodePolls() {
	m.transcodePollsTotal.Inc()
}

// IncCooldownSkips increments the cooldown skip counter.
func (m *Metrics) IncCooldownSkips() {
	m.cooldownSkipsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics for the
// surrounding application to mount wherever it likes.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
