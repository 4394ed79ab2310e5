// Package metrics holds the Prometheus collectors shared by the gaekit
// packages and the HTTP handler that exposes them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gaekit"

var (
	// Registry holds the application collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method"},
	)

	guardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "rejections_total",
			Help:      "Requests rejected by verification middleware.",
		},
		[]string{"guard", "reason"},
	)

	tasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "enqueued_total",
			Help:      "Tasks handed to a queue, by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	mutexObtains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutex",
			Name:      "obtain_total",
			Help:      "Mutex obtain attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	migrationsRun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migrations",
			Name:      "run_total",
			Help:      "Migrations executed, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		guardRejections,
		tasksEnqueued,
		mutexObtains,
		migrationsRun,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a completed HTTP request.
func ObserveRequest(method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordGuardRejection counts a request rejected by guard.
func RecordGuardRejection(guard, reason string) {
	guardRejections.WithLabelValues(guard, reason).Inc()
}

// RecordTaskEnqueued counts a task handed to a queue.
func RecordTaskEnqueued(mode, outcome string) {
	tasksEnqueued.WithLabelValues(mode, outcome).Inc()
}

// RecordMutexObtain counts a mutex obtain attempt.
func RecordMutexObtain(outcome string) {
	mutexObtains.WithLabelValues(outcome).Inc()
}

// RecordMigration counts an executed migration.
func RecordMigration(outcome string) {
	migrationsRun.WithLabelValues(outcome).Inc()
}
