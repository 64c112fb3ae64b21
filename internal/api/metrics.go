package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Run request outcomes as seen by the HTTP caller.
const (
	runCompleted   = "completed"
	runFailed      = "failed"
	runAccepted    = "accepted"
	runRejected    = "rejected"
	runTimedOut    = "timed_out"
	runUnavailable = "unavailable"
	runError       = "error"
)

// streamRoutes stay open for the length of a run, so their duration says
// nothing about the server and is kept out of the latency histogram.
var streamRoutes = map[string]bool{
	"/v1/runs/{id}/logs": true,
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_http_requests_total",
			Help: "Total number of HTTP requests by route pattern.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, excluding log streams.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"method", "route"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_http_requests_in_flight",
		Help: "HTTP requests currently being served, including open log streams.",
	})

	httpRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_http_runs_total",
			Help: "Run requests by mode (sync or async) and outcome.",
		},
		[]string{"mode", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInFlight, httpRunsTotal)

	for _, o := range []string{runCompleted, runFailed, runRejected, runTimedOut, runUnavailable, runError} {
		httpRunsTotal.WithLabelValues("sync", o)
	}
	for _, o := range []string{runAccepted, runRejected, runError} {
		httpRunsTotal.WithLabelValues("async", o)
	}
}

// metricsMiddleware records request count and duration by chi route pattern
// so run ids never become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if !streamRoutes[route] {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func countRun(mode, outcome string) {
	httpRunsTotal.WithLabelValues(mode, outcome).Inc()
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
