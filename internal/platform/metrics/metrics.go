package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketday/api/internal/domain"
)

const namespace = "marketday"

// Recorder owns the service's Prometheus collectors. It satisfies the services metrics
// interfaces and auth.MetricsRecorder.
type Recorder struct {
	registry *prometheus.Registry

	cancellations      *prometheus.CounterVec
	refundsFailed      prometheus.Counter
	vendorWarnings     prometheus.Counter
	availabilityChecks *prometheus.CounterVec
	authVerifications  *prometheus.CounterVec
	authLatency        *prometheus.HistogramVec
	httpRequests       *prometheus.CounterVec
	httpLatency        *prometheus.HistogramVec
}

// New registers all collectors on a dedicated registry, including Go runtime and process metrics.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Order item cancellations by actor and whether a fee applied.",
		}, []string{"actor", "fee_applied"}),
		refundsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_failed_total",
			Help:      "Refunds the payment processor rejected or could not be reached for.",
		}),
		vendorWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_cancellation_warnings_total",
			Help:      "Warnings sent to vendors whose cancellation rate crossed the threshold.",
		}),
		availabilityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_checks_total",
			Help:      "Listing availability evaluations by outcome.",
		}, []string{"accepting"}),
		authVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_verifications_total",
			Help:      "Token verification attempts by kind and outcome.",
		}, []string{"kind", "success", "reason"}),
		authLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_verification_seconds",
			Help:      "Token verification latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method, and status code.",
		}, []string{"route", "method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.cancellations,
		r.refundsFailed,
		r.vendorWarnings,
		r.availabilityChecks,
		r.authVerifications,
		r.authLatency,
		r.httpRequests,
		r.httpLatency,
	)
	return r
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// CancellationRecorded implements services.LifecycleMetrics.
func (r *Recorder) CancellationRecorded(actor domain.CancelledBy, feeApplied bool) {
	r.cancellations.WithLabelValues(string(actor), strconv.FormatBool(feeApplied)).Inc()
}

// RefundFailed implements services.LifecycleMetrics.
func (r *Recorder) RefundFailed() {
	r.refundsFailed.Inc()
}

// VendorWarningSent implements services.LifecycleMetrics.
func (r *Recorder) VendorWarningSent() {
	r.vendorWarnings.Inc()
}

// AvailabilityChecked implements services.AvailabilityMetrics.
func (r *Recorder) AvailabilityChecked(accepting bool) {
	r.availabilityChecks.WithLabelValues(strconv.FormatBool(accepting)).Inc()
}

// RecordVerification implements auth.MetricsRecorder.
func (r *Recorder) RecordVerification(_ context.Context, kind string, success bool, reason string, duration time.Duration) {
	r.authVerifications.WithLabelValues(kind, strconv.FormatBool(success), reason).Inc()
	r.authLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// Middleware records request counts and latency keyed by the chi route pattern, keeping label cardinality bounded.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.httpRequests.WithLabelValues(route, req.Method, strconv.Itoa(status)).Inc()
		r.httpLatency.WithLabelValues(route, req.Method).Observe(time.Since(start).Seconds())
	})
}
