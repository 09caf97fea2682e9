package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketday/api/internal/domain"
)

func TestRecorderCounters(t *testing.T) {
	r := New()

	r.CancellationRecorded(domain.CancelledByBuyer, true)
	r.CancellationRecorded(domain.CancelledByBuyer, true)
	r.CancellationRecorded(domain.CancelledByVendor, false)
	r.RefundFailed()
	r.VendorWarningSent()
	r.AvailabilityChecked(false)
	r.RecordVerification(context.Background(), "oidc", true, "ok", 3*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.cancellations.WithLabelValues(string(domain.CancelledByBuyer), "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cancellations.WithLabelValues(string(domain.CancelledByVendor), "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.refundsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.vendorWarnings))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.availabilityChecks.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.authVerifications.WithLabelValues("oidc", "true", "ok")))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := New()
	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/api/v1/listings/{listingID}/availability", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/listings/"+id+"/availability", nil))
	}

	got := testutil.ToFloat64(r.httpRequests.WithLabelValues("/api/v1/listings/{listingID}/availability", http.MethodGet, "418"))
	assert.Equal(t, 2.0, got)
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.RefundFailed()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "marketday_refunds_failed_total 1"))
}
