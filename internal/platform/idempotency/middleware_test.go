package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/marketday/api/internal/platform/auth"
)

var fixedTime = time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

func cancelRequest(key, body string, identity *auth.Identity) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/order-items/item-1:cancel", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	return req
}

func TestMiddleware_MissingHeader(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, cancelRequest("", `{}`, nil))

	if called {
		t.Fatal("handler must not run without a key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_key_required")
}

func TestMiddleware_RejectsOversizedKey(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, cancelRequest(strings.Repeat("k", maxKeyLength+1), `{}`, nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_key_invalid")
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"cancelled"}`))
	}))
	buyer := &auth.Identity{UID: "buyer-1"}

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, cancelRequest("cancel-1", `{"reason":"plans changed"}`, buyer))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, cancelRequest("cancel-1", `{"reason":"plans changed"}`, buyer))

	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
	if second.Code != http.StatusOK || second.Body.String() != `{"status":"cancelled"}` {
		t.Fatalf("unexpected replay %d %q", second.Code, second.Body.String())
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatal("expected replay header")
	}
	if first.Header().Get(replayHeaderName) != "" {
		t.Fatal("first response must not be marked as replay")
	}
}

func TestMiddleware_FingerprintMismatch(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	buyer := &auth.Identity{UID: "buyer-1"}

	handler.ServeHTTP(httptest.NewRecorder(), cancelRequest("cancel-1", `{"reason":"a"}`, buyer))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, cancelRequest("cancel-1", `{"reason":"b"}`, buyer))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_key_conflict")
}

func TestMiddleware_KeysAreScopedPerUser(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), cancelRequest("shared", `{}`, &auth.Identity{UID: "buyer-1"}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, cancelRequest("shared", `{}`, &auth.Identity{UID: "buyer-2"}))

	if calls != 2 || rr.Code != http.StatusOK {
		t.Fatalf("expected independent execution per user, calls=%d code=%d", calls, rr.Code)
	}
}

func TestMiddleware_PendingReservationConflicts(t *testing.T) {
	store := NewMemoryStore()
	buyer := &auth.Identity{UID: "buyer-1"}
	req := cancelRequest("cancel-1", `{}`, buyer)
	fingerprint := requestFingerprint(req, []byte(`{}`), "user:buyer-1")
	if _, err := store.Reserve(context.Background(), "cancel-1|user:buyer-1", fingerprint, fixedTime, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	handler := Middleware(store, WithClock(fixedClock))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run while another attempt is pending")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_in_progress")
}

func TestMiddleware_ServerErrorsReleaseKey(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	buyer := &auth.Identity{UID: "buyer-1"}

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, cancelRequest("cancel-1", `{}`, buyer))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, cancelRequest("cancel-1", `{}`, buyer))

	if first.Code != http.StatusServiceUnavailable || second.Code != http.StatusOK || calls != 2 {
		t.Fatalf("expected retry after 5xx, got %d then %d with %d calls", first.Code, second.Code, calls)
	}
}

func TestMiddleware_SkipsSafeMethods(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/listings/l1/availability", nil))
	if !called {
		t.Fatal("GET requests must pass through")
	}
}

type failingStore struct {
	*MemoryStore
	reserveErr error
	saveErr    error
	released   int
}

func (s *failingStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	if s.reserveErr != nil {
		return Reservation{}, s.reserveErr
	}
	return s.MemoryStore.Reserve(ctx, key, fingerprint, now, ttl)
}

func (s *failingStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.SaveResponse(ctx, key, fingerprint, resp, now, ttl)
}

func (s *failingStore) Release(ctx context.Context, key, fingerprint string) error {
	s.released++
	return s.MemoryStore.Release(ctx, key, fingerprint)
}

func TestMiddleware_ReserveFailureIsUnavailable(t *testing.T) {
	var events []string
	store := &failingStore{MemoryStore: NewMemoryStore(), reserveErr: errors.New("firestore down")}
	handler := Middleware(store, WithLogger(func(_ context.Context, event string, _ map[string]any) {
		events = append(events, event)
	}))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, cancelRequest("cancel-1", `{}`, nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if len(events) != 1 || events[0] != "idempotency.reserve_failed" {
		t.Fatalf("unexpected log events %v", events)
	}
}

func TestMiddleware_SaveFailureStillReturnsResponse(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), saveErr: errors.New("write failed")}
	handler := Middleware(store, WithClock(fixedClock))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"cancelled"}`))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, cancelRequest("cancel-1", `{}`, nil))
	if rr.Code != http.StatusOK || rr.Body.String() != `{"status":"cancelled"}` {
		t.Fatalf("expected handler response, got %d %q", rr.Code, rr.Body.String())
	}
	if store.released != 1 {
		t.Fatalf("expected reservation release, got %d", store.released)
	}
}

func TestExtractRequester(t *testing.T) {
	ctx := context.Background()
	if got := extractRequester(ctx); got != "anonymous" {
		t.Fatalf("expected anonymous, got %q", got)
	}
	svc := auth.WithServiceIdentity(ctx, &auth.ServiceIdentity{Subject: "scheduler"})
	if got := extractRequester(svc); got != "service:scheduler" {
		t.Fatalf("expected service requester, got %q", got)
	}
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload["error"] != want {
		t.Fatalf("expected error %q, got %v", want, payload["error"])
	}
}
