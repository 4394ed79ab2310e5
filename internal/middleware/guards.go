package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/gaekit/internal/auth"
	"github.com/eugenenazirov/gaekit/internal/logging"
	"github.com/eugenenazirov/gaekit/internal/metrics"
)

// Headers set by Google infrastructure. App Engine strips X-Appengine-*
// headers from external requests, so their presence proves the origin.
const (
	HeaderAppEngineCron  = "X-Appengine-Cron"
	HeaderCloudScheduler = "X-CloudScheduler"
	HeaderIAPAssertion   = "X-Goog-IAP-JWT-Assertion"

	HeaderAppEngineQueueName      = "X-AppEngine-QueueName"
	HeaderAppEngineTaskName       = "X-AppEngine-TaskName"
	HeaderAppEngineRetryCount     = "X-AppEngine-TaskRetryCount"
	HeaderAppEngineExecutionCount = "X-AppEngine-TaskExecutionCount"
	HeaderAppEngineTaskETA        = "X-AppEngine-TaskETA"

	HeaderCloudTasksQueueName      = "X-CloudTasks-QueueName"
	HeaderCloudTasksTaskName       = "X-CloudTasks-TaskName"
	HeaderCloudTasksRetryCount     = "X-CloudTasks-TaskRetryCount"
	HeaderCloudTasksExecutionCount = "X-CloudTasks-TaskExecutionCount"
	HeaderCloudTasksTaskETA        = "X-CloudTasks-TaskETA"
)

// Rejection explains why a Check refused a request.
type Rejection struct {
	Status  int
	Guard   string
	Reason  string
	Message string
}

// Check inspects r. It returns the request to continue with, possibly
// carrying extra context, or a rejection.
type Check func(r *http.Request) (*http.Request, *Rejection)

// Require turns a Check into middleware. Rejected requests get the
// rejection status and are counted per guard and reason.
func Require(check Check, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed, rej := check(r)
			if rej != nil {
				metrics.RecordGuardRejection(rej.Guard, rej.Reason)
				logging.FromContext(r.Context(), logger).Warn("request rejected",
					zap.String("guard", rej.Guard),
					zap.String("reason", rej.Reason),
					zap.String("path", r.URL.Path),
				)
				if rej.Status == http.StatusUnauthorized {
					w.Header().Set("WWW-Authenticate", "Bearer")
				}
				WriteError(w, rej.Status, http.StatusText(rej.Status), rej.Message)
				return
			}
			next.ServeHTTP(w, passed)
		})
	}
}

// AnyOf passes when one of checks passes. Checks run in order; the last
// rejection is reported when all fail.
func AnyOf(checks ...Check) Check {
	return func(r *http.Request) (*http.Request, *Rejection) {
		rej := &Rejection{Status: http.StatusForbidden, Guard: "any", Reason: "no_checks", Message: "request not allowed"}
		for _, check := range checks {
			passed, err := check(r)
			if err == nil {
				return passed, nil
			}
			rej = err
		}
		return nil, rej
	}
}

// Cron accepts requests from App Engine cron or Cloud Scheduler.
func Cron() Check {
	return func(r *http.Request) (*http.Request, *Rejection) {
		if r.Header.Get(HeaderAppEngineCron) == "true" || r.Header.Get(HeaderCloudScheduler) == "true" {
			return r, nil
		}
		return nil, &Rejection{
			Status:  http.StatusForbidden,
			Guard:   "cron",
			Reason:  "missing_header",
			Message: "only cron requests are allowed",
		}
	}
}

// RequireCron rejects anything not sent by App Engine cron or Cloud Scheduler.
func RequireCron(logger *zap.Logger) Middleware {
	return Require(Cron(), logger)
}

// TaskInfo describes the Cloud Tasks delivery of the current request.
type TaskInfo struct {
	QueueName      string
	TaskName       string
	RetryCount     int
	ExecutionCount int
	ETA            time.Time
}

type taskKey struct{}

// TaskFromContext returns the TaskInfo stored by Task.
func TaskFromContext(ctx context.Context) (TaskInfo, bool) {
	info, ok := ctx.Value(taskKey{}).(TaskInfo)
	return info, ok
}

// Task accepts Cloud Tasks deliveries to App Engine or HTTP targets and
// stores the task metadata in the context.
func Task() Check {
	return func(r *http.Request) (*http.Request, *Rejection) {
		info, ok := taskInfo(r.Header)
		if !ok {
			return nil, &Rejection{
				Status:  http.StatusForbidden,
				Guard:   "task",
				Reason:  "missing_header",
				Message: "only task queue requests are allowed",
			}
		}
		return r.WithContext(context.WithValue(r.Context(), taskKey{}, info)), nil
	}
}

// RequireTask rejects anything not delivered by Cloud Tasks.
func RequireTask(logger *zap.Logger) Middleware {
	return Require(Task(), logger)
}

func taskInfo(h http.Header) (TaskInfo, bool) {
	headerSets := [][5]string{
		{HeaderAppEngineQueueName, HeaderAppEngineTaskName, HeaderAppEngineRetryCount, HeaderAppEngineExecutionCount, HeaderAppEngineTaskETA},
		{HeaderCloudTasksQueueName, HeaderCloudTasksTaskName, HeaderCloudTasksRetryCount, HeaderCloudTasksExecutionCount, HeaderCloudTasksTaskETA},
	}
	for _, names := range headerSets {
		queue := h.Get(names[0])
		if queue == "" {
			continue
		}
		info := TaskInfo{QueueName: queue, TaskName: h.Get(names[1])}
		info.RetryCount, _ = strconv.Atoi(h.Get(names[2]))
		info.ExecutionCount, _ = strconv.Atoi(h.Get(names[3]))
		if eta, err := strconv.ParseFloat(h.Get(names[4]), 64); err == nil {
			sec := int64(eta)
			info.ETA = time.Unix(sec, int64((eta-float64(sec))*float64(time.Second))).UTC()
		}
		return info, true
	}
	return TaskInfo{}, false
}

// IAP verifies the Identity-Aware Proxy assertion header and stores the
// caller identity in the context.
func IAP(verifier auth.Verifier) Check {
	return tokenCheck("iap", verifier, func(r *http.Request) string {
		return r.Header.Get(HeaderIAPAssertion)
	})
}

// RequireIAP rejects requests without a valid IAP assertion.
func RequireIAP(verifier auth.Verifier, logger *zap.Logger) Middleware {
	return Require(IAP(verifier), logger)
}

// OIDC verifies a Google-signed bearer token and stores the caller identity
// in the context.
func OIDC(verifier auth.Verifier) Check {
	return tokenCheck("oidc", verifier, bearerToken)
}

// RequireOIDC rejects requests without a valid bearer token.
func RequireOIDC(verifier auth.Verifier, logger *zap.Logger) Middleware {
	return Require(OIDC(verifier), logger)
}

func tokenCheck(guard string, verifier auth.Verifier, extract func(*http.Request) string) Check {
	return func(r *http.Request) (*http.Request, *Rejection) {
		id, err := verifier.Verify(r.Context(), extract(r))
		if err != nil {
			rej := &Rejection{Status: http.StatusUnauthorized, Guard: guard, Reason: "invalid_token", Message: err.Error()}
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				rej.Reason = "missing_token"
			case errors.Is(err, auth.ErrEmailNotAllowed):
				rej.Status = http.StatusForbidden
				rej.Reason = "email_not_allowed"
			}
			return nil, rej
		}
		return r.WithContext(auth.WithIdentity(r.Context(), id)), nil
	}
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
