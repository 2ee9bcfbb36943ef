// Package metrics exposes Prometheus counters/gauges/histograms for the VM
// lifecycle and the HTTP surface in front of it.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	VmsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmforge_vms_active",
			Help: "Number of VMs not in the DELETED state, by current state",
		},
		[]string{"state"},
	)

	VmCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmforge_vm_create_duration_seconds",
			Help:    "Time from Create() call to RUNNING, by provision mode",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"mode"},
	)

	VmCreatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmforge_vm_creates_total",
			Help: "Total VM create attempts",
		},
		[]string{"mode", "result"},
	)

	ExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmforge_exec_duration_seconds",
			Help:    "Time to run a guest exec/run-ts/run-js call",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		},
		[]string{"kind"},
	)

	SnapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmforge_snapshot_duration_seconds",
			Help:    "Time to pause, capture, and resume a VM for a snapshot",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"result"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmforge_http_requests_total",
			Help: "Total HTTP requests to the manager API",
		},
		[]string{"method", "path", "status"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmforge_auth_attempts_total",
			Help: "Total X-API-Key authentication attempts",
		},
		[]string{"result"},
	)

	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmforge_rate_limit_rejections_total",
			Help: "Total requests rejected by the per-endpoint rate limiter",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(
		VmsActive,
		VmCreateDuration,
		VmCreatesTotal,
		ExecDuration,
		SnapshotDuration,
		HTTPRequestsTotal,
		AuthAttemptsTotal,
		RateLimitRejectionsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware instruments every request with HTTPRequestsTotal.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			_ = err
		}
	}()
	return srv
}

// ObserveExec records the duration of a guest exec call.
func ObserveExec(kind string, d time.Duration) {
	ExecDuration.WithLabelValues(kind).Observe(d.Seconds())
}
