package metrics

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deployment metrics
var (
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_deployments_total",
			Help: "Total deployment workflow executions",
		},
		[]string{"region", "status"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratus_deployment_duration_seconds",
			Help:    "Time for a deployment workflow to finish",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"region", "status"},
	)

	InstancesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratus_instances_active",
			Help: "Number of currently running streaming instances",
		},
		[]string{"region"},
	)

	CommandWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratus_command_wait_duration_seconds",
			Help:    "Time waiting for a remote command to reach a terminal status",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 900, 1800},
		},
		[]string{"document"},
	)

	WorkflowStageRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_workflow_stage_retries_total",
			Help: "Total stage retries caused by transient provider errors",
		},
		[]string{"workflow", "stage"},
	)

	ImageCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_image_cache_lookups_total",
			Help: "Blessed image cache lookups",
		},
		[]string{"result"},
	)
)

// Control plane metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratus_auth_attempts_total",
			Help: "Total auth attempts",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		DeploymentsTotal,
		DeploymentDuration,
		InstancesActive,
		CommandWaitDuration,
		WorkflowStageRetriesTotal,
		ImageCacheLookupsTotal,
		HTTPRequestsTotal,
		AuthAttemptsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			_ = duration // Could add request duration histogram here
			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the
// given address, for scraping off the API listener.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics: standalone server stopped: %v", err)
		}
	}()
	return srv
}
