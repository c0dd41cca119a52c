package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	unmatched   = "unmatched"
	streamRoute = "/v1/dispatches/stream"
)

// adminRoutes are the route patterns allowed as label values.
var adminRoutes = map[string]bool{
	"/healthz":            true,
	"/metrics":            true,
	"/v1/tasks":           true,
	"/v1/stats":           true,
	"/v1/dispatches/":     true,
	"/v1/dispatches/{id}": true,
	streamRoute:           true,
}

var (
	adminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_admin_requests_total",
			Help: "Admin API requests served, by route and status code.",
		},
		[]string{"route", "code"},
	)

	adminLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskworker_admin_request_duration_seconds",
			Help:    "Admin API response time in seconds. Dispatch streams are not observed.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"route"},
	)

	adminStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskworker_admin_streams_active",
			Help: "Dispatch streams currently open.",
		},
	)
)

func init() {
	prometheus.MustRegister(adminRequests, adminLatency, adminStreams)
}

// instrument counts every request under its admin route. Streams stay open
// for a whole session, so they are counted but not timed.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := routeLabel(r)
		adminRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		if route != streamRoute {
			adminLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func routeLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatched
	}
	if p := rctx.RoutePattern(); adminRoutes[p] {
		return p
	}
	return unmatched
}
