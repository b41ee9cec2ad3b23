package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queuePending  *prometheus.GaugeVec
	enqueueTotal  *prometheus.CounterVec
	runTotal      *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	engineTotal   *prometheus.CounterVec
	engineLatency *prometheus.HistogramVec

	schedulingErrors *prometheus.CounterVec
	listenerBinds    *prometheus.CounterVec
	websocketsActive prometheus.Gauge
	startupStep      *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queuePending: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "actorkit_queue_pending",
					Help: "Whether a coalesced operation is pending per lane (1 pending, 0 idle).",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "actorkit_queue_enqueue_total",
					Help: "Total enqueue operations by lane and outcome (new, coalesced).",
				},
				[]string{"lane", "outcome"},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "actorkit_queue_run_total",
					Help: "Total executed queue cycles by lane and status.",
				},
				[]string{"lane", "status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "actorkit_queue_run_duration_seconds",
					Help:    "Queue cycle execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			engineTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "actorkit_engine_requests_total",
					Help: "Total engine requests by operation and status class.",
				},
				[]string{"operation", "status"},
			),
			engineLatency: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "actorkit_engine_request_duration_seconds",
					Help:    "Engine request duration in seconds by operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"operation"},
			),
			schedulingErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "actorkit_scheduling_errors_total",
					Help: "Decoded actor scheduling errors by kind.",
				},
				[]string{"kind"},
			),
			listenerBinds: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "actorkit_listener_binds_total",
					Help: "Manager listener binds by host strategy.",
				},
				[]string{"strategy"},
			),
			websocketsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "actorkit_websockets_active",
					Help: "Currently proxied actor WebSocket connections.",
				},
			),
			startupStep: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "actorkit_startup_step_duration_seconds",
					Help:    "Duration of each bootstrap step in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"step"},
			),
		}

		prometheus.MustRegister(
			m.queuePending,
			m.enqueueTotal,
			m.runTotal,
			m.runDuration,
			m.engineTotal,
			m.engineLatency,
			m.schedulingErrors,
			m.listenerBinds,
			m.websocketsActive,
			m.startupStep,
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

func RecordQueueEnqueue(lane string, coalesced bool) {
	m := getMetrics()
	outcome := "new"
	if coalesced {
		outcome = "coalesced"
	}
	m.enqueueTotal.WithLabelValues(lane, outcome).Inc()
	m.queuePending.WithLabelValues(lane).Set(1)
}

func SetQueueIdle(lane string) {
	m := getMetrics()
	m.queuePending.WithLabelValues(lane).Set(0)
}

func RecordQueueRun(lane string, duration time.Duration, success bool) {
	m := getMetrics()
	m.runTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.runDuration.WithLabelValues(lane).Observe(duration.Seconds())
}

func RecordEngineRequest(operation string, duration time.Duration, status int) {
	m := getMetrics()
	m.engineTotal.WithLabelValues(operation, statusClass(status)).Inc()
	m.engineLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordSchedulingError(kind string) {
	m := getMetrics()
	m.schedulingErrors.WithLabelValues(kind).Inc()
}

func RecordListenerBind(strategy string) {
	m := getMetrics()
	m.listenerBinds.WithLabelValues(strategy).Inc()
}

func WebSocketOpened() {
	getMetrics().websocketsActive.Inc()
}

func WebSocketClosed() {
	getMetrics().websocketsActive.Dec()
}

func RecordStartupStep(step string, duration time.Duration) {
	m := getMetrics()
	m.startupStep.WithLabelValues(step).Observe(duration.Seconds())
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "network_error"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
