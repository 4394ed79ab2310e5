package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// Limiter decides whether a request may proceed.
type Limiter interface {
	Allow() bool
}

type limiterAdapter struct {
	limiter *rate.Limiter
}

// NewTokenBucketLimiter returns a limiter refilling ratePerSecond tokens up
// to burst. Non-positive values fall back to 1.
func NewTokenBucketLimiter(ratePerSecond float64, burst int) Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}

	return &limiterAdapter{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

func (l *limiterAdapter) Allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}

// RateLimit rejects requests with 429 when limiter denies them. A nil
// limiter disables the check.
func RateLimit(limiter Limiter) Middleware {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.Allow() {
				next.ServeHTTP(w, r)
				return
			}
			WriteError(w, http.StatusTooManyRequests, "Too many requests", "rate limit exceeded, please retry shortly")
		})
	}
}
