package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/gaekit/internal/auth"
	"github.com/eugenenazirov/gaekit/internal/middleware"
)

type staticLimiter struct {
	allow bool
}

func (s *staticLimiter) Allow() bool {
	return s.allow
}

func newTestRouter(t *testing.T, opts ...RouterOption) http.Handler {
	t.Helper()

	logger := zaptest.NewLogger(t)
	handler := NewHandler(Deps{}, logger)
	return NewRouter(handler, logger, opts...)
}

func TestWithRateLimiterOptionAppliesLimiter(t *testing.T) {
	router := newTestRouter(t, WithLogging(false), WithRateLimiter(&staticLimiter{allow: false}))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limiter to block request, got %d", rec.Code)
	}
}

func TestWithRateLimitDisablesLimiterWhenZero(t *testing.T) {
	router := newTestRouter(t, WithLogging(false), WithRateLimiter(&staticLimiter{allow: false}), WithRateLimit(0, 0))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected limiter to be disabled, got %d", rec.Code)
	}
}

func TestWithRateLimitEnforcesLimit(t *testing.T) {
	router := newTestRouter(t, WithLogging(false), WithRateLimit(1, 1))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limiter to block second request, got %d", rec2.Code)
	}
}

func TestCorsPreflight(t *testing.T) {
	router := newTestRouter(t, WithLogging(false))

	req := httptest.NewRequest(http.MethodOptions, "/admin/migrations", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	router := newTestRouter(t, WithLogging(false))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(middleware.HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Header().Get(middleware.HeaderRequestID) != "req-42" {
		t.Fatalf("expected request id to be echoed, got %q", rec.Header().Get(middleware.HeaderRequestID))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, WithLogging(false))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gaekit_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestAdminRejectedWithoutVerifier(t *testing.T) {
	router := newTestRouter(t, WithLogging(false))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/whoami", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without IAP verifier, got %d", rec.Code)
	}
}

func TestTasksRejectWithoutHeadersOrToken(t *testing.T) {
	oidc := tokenVerifier{"svc-token": {Email: "tasks@demo.iam.gserviceaccount.com"}}
	router := newTestRouter(t, WithLogging(false), WithOIDCVerifier(oidc), WithIAPVerifier(auth.NewStaticVerifier("dev@example.com")))

	req := httptest.NewRequest(http.MethodPost, "/tasks/migrations/x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without task headers or token, got %d", rec.Code)
	}
}
