// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinic"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	bookings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "bookings_total",
		Help:      "Booking attempts by initial status or failure kind",
	}, []string{"result"})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "transitions_total",
		Help:      "Queue status transitions by action and result",
	}, []string{"action", "result"})

	allocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "token_allocation_duration_seconds",
		Help:      "Time spent acquiring the sequence lock and drawing a token",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"result"})

	provisionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tenancy",
		Name:      "provision_duration_seconds",
		Help:      "Duration of schema provisioning runs",
		Buckets:   prometheus.DefBuckets,
	}, []string{"scope", "result"})

	tenantHandles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tenancy",
		Name:      "cached_handles",
		Help:      "Number of tenant handles held by the registry",
	})

	eventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "publish_failures_total",
		Help:      "Queue events that could not be published",
	})
)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveBooking(res string) {
	bookings.WithLabelValues(res).Inc()
}

func ObserveTransition(action string, err error) {
	transitions.WithLabelValues(action, result(err)).Inc()
}

func ObserveAllocation(err error, d time.Duration) {
	allocationDuration.WithLabelValues(result(err)).Observe(d.Seconds())
}

// ObserveProvision records one provisioning run; scope is "shared" or "tenant".
func ObserveProvision(scope string, err error, d time.Duration) {
	provisionDuration.WithLabelValues(scope, result(err)).Observe(d.Seconds())
}

func SetTenantHandles(n int) {
	tenantHandles.Set(float64(n))
}

func IncPublishFailures() {
	eventPublishFailures.Inc()
}

// Middleware records request counts and latency by route template.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			httpRequestsTotal.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler exposes the default registry.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
