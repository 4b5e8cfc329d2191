// Package metrics holds the Prometheus collectors of the trackserver.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	LocationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackserver_locations_ingested_total",
			Help: "Total number of locations persisted, by protocol",
		},
		[]string{"protocol"},
	)

	IngestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackserver_ingest_errors_total",
			Help: "Total number of failed ingest requests, by protocol and reason",
		},
		[]string{"protocol", "reason"},
	)

	GeofenceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackserver_geofence_outcomes_total",
			Help: "Geofence evaluation results",
		},
		[]string{"action"},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackserver_auth_failures_total",
			Help: "Rejected credential checks",
		},
		[]string{"reason"},
	)

	ImportedTracks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackserver_imported_tracks_total",
			Help: "Tracks created from GPX uploads",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackserver_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackserver_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackserver_http_active_requests",
			Help: "Current number of in-flight HTTP requests",
		},
	)

	OutboundFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackserver_outbound_fetches_total",
			Help: "Outbound HTTP fetches, by kind and result",
		},
		[]string{"kind", "result"},
	)
)

func RecordIngest(protocol string, n int) {
	LocationsIngested.WithLabelValues(protocol).Add(float64(n))
}

func RecordIngestError(protocol, reason string) {
	IngestErrors.WithLabelValues(protocol, reason).Inc()
}

func RecordGeofence(action string) {
	GeofenceOutcomes.WithLabelValues(action).Inc()
}

func RecordAuthFailure(reason string) {
	AuthFailures.WithLabelValues(reason).Inc()
}

func RecordFetch(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OutboundFetches.WithLabelValues(kind, result).Inc()
}

// Middleware records request counts and latency. Requests that never reach a chi
// route (tracker protocols) are labelled "tracker".
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		HTTPActiveRequests.Inc()
		defer HTTPActiveRequests.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		endpoint := "tracker"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}
