package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellycast_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jellycast_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellycast_events_processed_total",
			Help: "Inbound events by kind and classification outcome",
		},
		[]string{"kind", "outcome"},
	)

	eventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellycast_events_rejected_total",
			Help: "Inbound events rejected before processing",
		},
		[]string{"reason"},
	)

	correlations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellycast_deletion_correlations_total",
			Help: "Held deletions by resolution (matched, expired, immediate)",
		},
		[]string{"result"},
	)

	pendingDeletions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jellycast_pending_deletions",
			Help: "Deletions currently held for correlation",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jellycast_queue_depth",
			Help: "Unfinished notification jobs per channel",
		},
		[]string{"channel"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellycast_deliveries_total",
			Help: "Delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jellycast_delivery_duration_seconds",
			Help:    "Time spent in one delivery call",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	queueRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellycast_queue_rejections_total",
			Help: "Jobs rejected because the channel queue was full",
		},
		[]string{"channel"},
	)

	rateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellycast_rate_limited_total",
			Help: "Deliveries deferred by the channel rate budget",
		},
		[]string{"channel"},
	)

	syncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jellycast_sync_passes_total",
			Help: "Background library sync passes by result",
		},
		[]string{"result"},
	)

	syncItems = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jellycast_sync_items_total",
			Help: "Items resubmitted by library sync",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jellycast_sqs_messages_in_flight",
			Help: "Current messages being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jellycast_idempotency_hits_total",
			Help: "Webhook deliveries dropped as already processed",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEvent counts a processed event.
func RecordEvent(kind, outcome string) {
	eventsProcessed.WithLabelValues(kind, outcome).Inc()
}

// RecordRejected counts an event rejected for reason (invalid, store_error, ...).
func RecordRejected(reason string) {
	eventsRejected.WithLabelValues(reason).Inc()
}

// RecordCorrelation counts a held deletion's resolution.
func RecordCorrelation(result string) {
	correlations.WithLabelValues(result).Inc()
}

// SetPendingDeletions sets the held deletion count.
func SetPendingDeletions(n int) {
	pendingDeletions.Set(float64(n))
}

// SetQueueDepth sets the unfinished job count of a channel.
func SetQueueDepth(channel string, n int) {
	queueDepth.WithLabelValues(channel).Set(float64(n))
}

// RecordDelivery counts a delivery attempt result (delivered, retry,
// dead_letter, deferred).
func RecordDelivery(channel, result string, duration time.Duration) {
	deliveries.WithLabelValues(channel, result).Inc()
	if duration > 0 {
		deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
	}
}

// RecordQueueRejection counts a job refused by a full queue.
func RecordQueueRejection(channel string) {
	queueRejections.WithLabelValues(channel).Inc()
}

// RecordRateLimited counts a delivery deferred by the rate budget.
func RecordRateLimited(channel string) {
	rateLimited.WithLabelValues(channel).Inc()
}

// RecordSyncPass counts a library sync pass.
func RecordSyncPass(result string, items int) {
	syncPasses.WithLabelValues(result).Inc()
	syncItems.Add(float64(items))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a duplicate webhook delivery
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by chi route pattern, so
// path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
