package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	transportState       *prometheus.GaugeVec
	transportStartsTotal prometheus.Counter
	transportReadyTotal  *prometheus.CounterVec
	transportReadyWait   prometheus.Histogram

	remoteServers      prometheus.Gauge
	remoteCallsTotal   *prometheus.CounterVec
	remoteCallDuration *prometheus.HistogramVec

	sessions           prometheus.Gauge
	hydrationTotal     *prometheus.CounterVec
	hydratedSessions   prometheus.Counter
	packWriteDuration  prometheus.Histogram
	backendResolutions *prometheus.CounterVec
	subQueryDuration   *prometheus.HistogramVec
	toolCallsTotal     *prometheus.CounterVec
	toolCallDuration   *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

// transportStates lists the label values used by the transport state gauge.
var transportStates = []string{"stopped", "starting", "running", "failed"}

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			transportState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "aleph_transport_state",
					Help: "Current HTTP transport state (1 for the active state, 0 otherwise).",
				},
				[]string{"state"},
			),
			transportStartsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "aleph_transport_starts_total",
					Help: "Total listener tasks spawned by the transport supervisor.",
				},
			),
			transportReadyTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aleph_transport_ready_total",
					Help: "Readiness wait outcomes by result (ready, failed, timeout).",
				},
				[]string{"result"},
			),
			transportReadyWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "aleph_transport_ready_wait_seconds",
					Help:    "Time spent waiting for the listener to accept connections.",
					Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
				},
			),
			remoteServers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "aleph_remote_servers",
					Help: "Currently registered remote tool servers.",
				},
			),
			remoteCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aleph_remote_calls_total",
					Help: "Remote server operations by operation and outcome.",
				},
				[]string{"op", "outcome"},
			),
			remoteCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "aleph_remote_call_duration_seconds",
					Help:    "Remote server operation duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			sessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "aleph_sessions",
					Help: "Sessions held by the session store.",
				},
			),
			hydrationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aleph_hydration_total",
					Help: "Memory pack hydration attempts by result.",
				},
				[]string{"result"},
			),
			hydratedSessions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "aleph_hydrated_sessions_total",
					Help: "Sessions restored from a memory pack.",
				},
			),
			packWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "aleph_memory_pack_write_duration_seconds",
					Help:    "Memory pack write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			backendResolutions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aleph_sub_query_backend_resolutions_total",
					Help: "Sub-query backend resolutions by backend and deciding rule.",
				},
				[]string{"backend", "rule"},
			),
			subQueryDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "aleph_sub_query_duration_seconds",
					Help:    "Sub-query duration in seconds by backend.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"backend", "status"},
			),
			toolCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "aleph_tool_calls_total",
					Help: "Tool server calls by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "aleph_tool_call_duration_seconds",
					Help:    "Tool server call duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
		}

		prometheus.MustRegister(
			m.transportState,
			m.transportStartsTotal,
			m.transportReadyTotal,
			m.transportReadyWait,
			m.remoteServers,
			m.remoteCallsTotal,
			m.remoteCallDuration,
			m.sessions,
			m.hydrationTotal,
			m.hydratedSessions,
			m.packWriteDuration,
			m.backendResolutions,
			m.subQueryDuration,
			m.toolCallsTotal,
			m.toolCallDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// SetTransportState marks state as the active transport state.
func SetTransportState(state string) {
	m := getMetrics()
	for _, s := range transportStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.transportState.WithLabelValues(s).Set(value)
	}
}

func RecordTransportStart() {
	getMetrics().transportStartsTotal.Inc()
}

func RecordTransportReady(result string, wait time.Duration) {
	m := getMetrics()
	m.transportReadyTotal.WithLabelValues(result).Inc()
	m.transportReadyWait.Observe(wait.Seconds())
}

func SetRemoteServers(count int) {
	getMetrics().remoteServers.Set(float64(count))
}

func RecordRemoteCall(op, outcome string, duration time.Duration) {
	m := getMetrics()
	m.remoteCallsTotal.WithLabelValues(op, outcome).Inc()
	m.remoteCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func SetSessions(count int) {
	getMetrics().sessions.Set(float64(count))
}

func RecordHydration(result string, restored int) {
	m := getMetrics()
	m.hydrationTotal.WithLabelValues(result).Inc()
	m.hydratedSessions.Add(float64(restored))
}

func RecordPackWrite(duration time.Duration) {
	getMetrics().packWriteDuration.Observe(duration.Seconds())
}

func RecordBackendResolution(backend, rule string) {
	getMetrics().backendResolutions.WithLabelValues(backend, rule).Inc()
}

func RecordSubQuery(backend string, duration time.Duration, success bool) {
	getMetrics().subQueryDuration.WithLabelValues(backend, statusLabel(success)).Observe(duration.Seconds())
}

func RecordToolCall(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolCallsTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
