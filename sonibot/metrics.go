package sonibot

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

const metricsNamespace = "sonibot"

// Metrics holds the Prometheus metrics for a Bot. Each Bot gets its own
// registry, so multiple bots in one process (as in tests) don't collide.
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	pollTicks        prometheus.Counter
	pollScanErrors   prometheus.Counter
	batchSize        prometheus.Histogram
	batchDuration    prometheus.Histogram
	reminders        *prometheus.CounterVec
	deliveryAttempts *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	breakerState     prometheus.Gauge
	gatewayConnected prometheus.Gauge
	commands         *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pollTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "poll_ticks_total",
				Help:      "Number of reminder polls started",
			},
		),
		pollScanErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "poll_scan_errors_total",
				Help:      "Number of reminder polls abandoned because the scan failed",
			},
		),
		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "poll_batch_size",
				Help:      "Number of due reminders found per non-empty poll",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "poll_batch_duration_seconds",
				Help:      "Time taken for a non-empty batch to settle",
				Buckets:   prometheus.DefBuckets,
			},
		),
		reminders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reminders_total",
				Help:      "Due reminders processed, by outcome",
			},
			[]string{"outcome"},
		),
		deliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_attempts_total",
				Help:      "Reminder delivery attempts, by status",
			},
			[]string{"status"},
		),
		deliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_duration_seconds",
				Help:      "Duration of individual delivery attempts",
				Buckets:   prometheus.DefBuckets,
			},
		),
		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_breaker_state",
				Help:      "Delivery circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
		gatewayConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "discord_gateway_connected",
				Help:      "1 if connected to the discord gateway",
			},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Slash commands handled, by command and status",
			},
			[]string{"command", "status"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pollTicks,
		m.pollScanErrors,
		m.batchSize,
		m.batchDuration,
		m.reminders,
		m.deliveryAttempts,
		m.deliveryDuration,
		m.breakerState,
		m.gatewayConnected,
		m.commands,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeTick() {
	if m == nil {
		return
	}
	m.pollTicks.Inc()
}

func (m *Metrics) observeScanError() {
	if m == nil {
		return
	}
	m.pollScanErrors.Inc()
}

func (m *Metrics) observeBatch(result TickResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(result.Due))
	m.batchDuration.Observe(elapsed.Seconds())
	m.reminders.WithLabelValues(string(outcomeDelivered)).Add(float64(result.Delivered))
	m.reminders.WithLabelValues(string(outcomeFailed)).Add(float64(result.Failed))
	m.reminders.WithLabelValues(string(outcomeDeferred)).Add(float64(result.Deferred))
}

func (m *Metrics) observeDeliveryAttempt(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	switch {
	case err == nil:
	case isPermanentDeliveryError(err):
		status = "permanent_error"
	default:
		status = "error"
	}
	m.deliveryAttempts.WithLabelValues(status).Inc()
	m.deliveryDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) setBreakerState(state gobreaker.State) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

func (m *Metrics) setGatewayConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.gatewayConnected.Set(1)
	} else {
		m.gatewayConnected.Set(0)
	}
}

func (m *Metrics) observeCommand(command string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.commands.WithLabelValues(command, status).Inc()
}

func (m *Metrics) observeHTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
