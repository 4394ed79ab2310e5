package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/eugenenazirov/gaekit/internal/auth"
	"github.com/eugenenazirov/gaekit/internal/metrics"
	"github.com/eugenenazirov/gaekit/internal/middleware"
)

const (
	defaultRateLimitRPS   = 25
	defaultRateLimitBurst = 50
)

// RouterOption configures the behaviour of NewRouter.
type RouterOption func(*routerConfig)

// WithLogging controls whether access logs are emitted.
func WithLogging(enabled bool) RouterOption {
	return func(cfg *routerConfig) {
		cfg.enableLogging = enabled
	}
}

// WithRateLimiter overrides the default request rate limiter (primarily for tests).
func WithRateLimiter(limiter middleware.Limiter) RouterOption {
	return func(cfg *routerConfig) {
		cfg.rateLimiter = limiter
	}
}

// WithRateLimit configures the token bucket. Zero rps disables limiting.
func WithRateLimit(rps float64, burst int) RouterOption {
	return func(cfg *routerConfig) {
		if rps <= 0 {
			cfg.rateLimiter = nil
			return
		}
		cfg.rateLimiter = middleware.NewTokenBucketLimiter(rps, burst)
	}
}

// WithProjectID enables Cloud Trace correlation in request logs.
func WithProjectID(projectID string) RouterOption {
	return func(cfg *routerConfig) {
		cfg.projectID = projectID
	}
}

// WithIAPVerifier protects the /admin routes. Without it they reject every
// request.
func WithIAPVerifier(v auth.Verifier) RouterOption {
	return func(cfg *routerConfig) {
		cfg.iap = v
	}
}

// WithOIDCVerifier additionally accepts OIDC bearer tokens on /tasks routes,
// for tasks delivered to HTTP targets.
func WithOIDCVerifier(v auth.Verifier) RouterOption {
	return func(cfg *routerConfig) {
		cfg.oidc = v
	}
}

type routerConfig struct {
	enableLogging bool
	logger        *zap.Logger
	rateLimiter   middleware.Limiter
	projectID     string
	iap           auth.Verifier
	oidc          auth.Verifier
}

// NewRouter creates an HTTP router with standard middleware.
func NewRouter(handler *Handler, logger *zap.Logger, opts ...RouterOption) http.Handler {
	cfg := routerConfig{
		enableLogging: true,
		logger:        logger,
		rateLimiter:   middleware.NewTokenBucketLimiter(defaultRateLimitRPS, defaultRateLimitBurst),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	cronOnly := middleware.RequireCron(logger)
	taskCheck := middleware.Task()
	if cfg.oidc != nil {
		taskCheck = middleware.AnyOf(taskCheck, middleware.OIDC(cfg.oidc))
	}
	taskOnly := middleware.Require(taskCheck, logger)
	iap := cfg.iap
	if iap == nil {
		iap = denyAll{}
	}
	adminOnly := middleware.RequireIAP(iap, logger)

	mux := http.NewServeMux()
	mux.Handle("GET /api/health", http.HandlerFunc(handler.handleHealth))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("GET /cron/migrations", cronOnly(http.HandlerFunc(handler.handleCronMigrations)))
	mux.Handle("POST /tasks/migrations/{id}", taskOnly(http.HandlerFunc(handler.handleTaskMigration)))

	mux.Handle("GET /admin/whoami", adminOnly(http.HandlerFunc(handler.handleWhoAmI)))
	mux.Handle("GET /admin/migrations", adminOnly(http.HandlerFunc(handler.handleListMigrations)))
	mux.Handle("POST /admin/migrations/{id}", adminOnly(http.HandlerFunc(handler.handleEnqueueMigration)))
	mux.Handle("GET /admin/mutexes/{id}", adminOnly(http.HandlerFunc(handler.handleGetMutex)))
	mux.Handle("POST /admin/mutexes/{id}/release", adminOnly(http.HandlerFunc(handler.handleReleaseMutex)))
	mux.Handle("GET /admin/files/{name...}", adminOnly(http.HandlerFunc(handler.handleDownloadFile)))
	mux.Handle("GET /admin/files-url/{name...}", adminOnly(http.HandlerFunc(handler.handleSignedURL)))

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.RateLimit(cfg.rateLimiter),
		middleware.Logging(cfg.logger, cfg.projectID, cfg.enableLogging),
		middleware.Metrics,
		middleware.Recovery(cfg.logger),
		middleware.CORS,
	)
}

// denyAll stands in for a missing verifier.
type denyAll struct{}

func (denyAll) Verify(context.Context, string) (*auth.Identity, error) {
	return nil, auth.ErrMissingToken
}
