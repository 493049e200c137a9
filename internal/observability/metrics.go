package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus instrumentation shared by all components. Each subcommand
// mounts MetricsHandler at GET /metrics; the Go runtime and process
// collectors come for free from client_golang's default registry.

// SegmentsDownloaded counts segments written by the downloader,
// labelled by channel, quality and resulting type.
var SegmentsDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wubloader_segments_downloaded_total",
	Help: "Segments written to the archive by the downloader.",
}, []string{"channel", "quality", "type"})

// DownloadErrors counts segment and playlist fetch failures.
var DownloadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wubloader_download_errors_total",
	Help: "Upstream fetch failures by kind.",
}, []string{"channel", "quality", "kind"})

// PlaylistFetchDuration tracks upstream media playlist fetch latency.
var PlaylistFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "wubloader_playlist_fetch_duration_seconds",
	Help:    "Latency of upstream media playlist fetches.",
	Buckets: prometheus.DefBuckets,
}, []string{"channel", "quality"})

// SegmentsBackfilled counts segments pulled from peers.
var SegmentsBackfilled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wubloader_segments_backfilled_total",
	Help: "Segments fetched from peers by the backfiller.",
}, []string{"peer", "channel", "quality"})

// BackfillHashMismatches counts fetched segments discarded because the
// observed hash did not match the advertised filename.
var BackfillHashMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wubloader_backfill_hash_mismatches_total",
	Help: "Peer segments discarded for hash mismatch.",
}, []string{"peer"})

// BackfillErrors counts failed peer interactions.
var BackfillErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wubloader_backfill_errors_total",
	Help: "Peer listing/fetch failures.",
}, []string{"peer", "kind"})

// CutsStarted counts cut executions by type and outcome.
var CutsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wubloader_cuts_total",
	Help: "Cut executions by cut type and outcome.",
}, []string{"cut_type", "outcome"})

// EventsClaimed counts claim attempts by result.
var EventsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wubloader_event_claims_total",
	Help: "Event claim attempts by result (won, lost, none).",
}, []string{"result"})

// EventStateTransitions counts observed event state transitions.
var EventStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wubloader_event_state_transitions_total",
	Help: "Event row state transitions performed by this node.",
}, []string{"from", "to"})

// UploadBytes counts bytes streamed into upload backends.
var UploadBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wubloader_upload_bytes_total",
	Help: "Bytes streamed to upload backends.",
}, []string{"location"})

// FinalizingStuck is raised while any row sits in FINALIZING with no
// live commit in flight on this node; the monitoring signal for the
// ambiguous-commit case.
var FinalizingStuck = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "wubloader_finalizing_rows",
	Help: "Rows observed in FINALIZING during the last poll.",
})

// HTTPRequests counts HTTP requests by component, method, route, status.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wubloader_http_requests_total",
	Help: "Total HTTP requests handled.",
}, []string{"component", "method", "route", "status"})

// HTTPDuration tracks HTTP request latency.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "wubloader_http_request_duration_seconds",
	Help:    "HTTP request latency in seconds.",
	Buckets: prometheus.DefBuckets,
}, []string{"component", "method", "route"})

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware records request counts and latency for a component.
// Route patterns should be templated, not raw URLs; chi's RoutePattern
// is resolved by the time the response completes.
func MetricsMiddleware(component string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			// Use the chi route pattern, not the raw path: segment
			// filenames would explode label cardinality.
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := strconv.Itoa(rw.status)
			HTTPRequests.WithLabelValues(component, r.Method, route, status).Inc()
			HTTPDuration.WithLabelValues(component, r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
