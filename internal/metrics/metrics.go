// Package metrics exposes Prometheus collectors for the progress service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesPublishedTotal *prometheus.CounterVec
	messagesReceivedTotal  *prometheus.CounterVec
	activeJobs             prometheus.Gauge
	stepDurationSeconds    *prometheus.HistogramVec
	taskTransitionsTotal   *prometheus.CounterVec
	wsClients              prometheus.Gauge
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		messagesPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taprogress_messages_published_total",
				Help: "Total messages handed to the bus, labeled by kind and delivery outcome.",
			},
			[]string{"kind", "delivered"},
		)

		messagesReceivedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taprogress_messages_received_total",
				Help: "Total messages delivered to subscribed handlers, labeled by kind.",
			},
			[]string{"kind"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taprogress_active_jobs",
				Help: "Number of analysis jobs with a registered tracker.",
			},
		)

		stepDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taprogress_step_duration_seconds",
				Help:    "Histogram of completed step durations, labeled by pipeline phase.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"phase"},
		)

		taskTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taprogress_task_transitions_total",
				Help: "Total task-level status transitions, labeled by new status.",
			},
			[]string{"status"},
		)

		wsClients = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taprogress_ws_clients",
				Help: "Number of connected dashboard WebSocket clients.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePublish counts one publish attempt and its delivery outcome.
func ObservePublish(kind string, delivered bool) {
	Init()
	messagesPublishedTotal.WithLabelValues(kind, strconv.FormatBool(delivered)).Inc()
}

// ObserveReceive counts one envelope delivered to a handler.
func ObserveReceive(kind string) {
	Init()
	messagesReceivedTotal.WithLabelValues(kind).Inc()
}

// IncActiveJobs increments the registered-tracker gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the registered-tracker gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveStepDuration records a completed step's duration for its phase.
func ObserveStepDuration(phase string, seconds float64) {
	Init()
	stepDurationSeconds.WithLabelValues(phase).Observe(seconds)
}

// ObserveTaskTransition counts a task-level status change.
func ObserveTaskTransition(status string) {
	Init()
	taskTransitionsTotal.WithLabelValues(status).Inc()
}

// IncWSClients increments the WebSocket client gauge.
func IncWSClients() {
	Init()
	wsClients.Inc()
}

// DecWSClients decrements the WebSocket client gauge.
func DecWSClients() {
	Init()
	wsClients.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
