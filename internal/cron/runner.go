package cron

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

// Runner fires cron entries as HTTP GET requests against baseURL.
type Runner struct {
	cron    *robfig.Cron
	entries []Entry
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithHTTPClient overrides the client used to fire jobs.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Runner) {
		r.client = client
	}
}

// NewRunner schedules every entry. Nothing fires until Start.
func NewRunner(entries []Entry, baseURL string, logger *zap.Logger, opts ...Option) (*Runner, error) {
	cronLogger := zapLogger{logger.Sugar()}
	r := &Runner{
		cron: robfig.New(
			robfig.WithLogger(cronLogger),
			robfig.WithChain(robfig.Recover(cronLogger), robfig.SkipIfStillRunning(cronLogger)),
		),
		entries: entries,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, e := range entries {
		sched, err := ParseSchedule(e.Schedule, e.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", e.URL, err)
		}
		entry := e
		r.cron.Schedule(sched, robfig.FuncJob(func() {
			if err := r.Trigger(context.Background(), entry); err != nil {
				r.logger.Warn("cron job failed", zap.String("url", entry.URL), zap.Error(err))
			}
		}))
	}
	return r, nil
}

// Len returns the number of scheduled entries.
func (r *Runner) Len() int {
	return len(r.cron.Entries())
}

// Start begins firing jobs in the background.
func (r *Runner) Start() {
	r.logger.Info("local cron started", zap.Int("jobs", len(r.entries)))
	r.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (r *Runner) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger fires entry once, now.
func (r *Runner) Trigger(ctx context.Context, entry Entry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+entry.URL, nil)
	if err != nil {
		return fmt.Errorf("build cron request: %w", err)
	}
	req.Header.Set(HeaderCron, "true")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("fire cron %s: %w", entry.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("fire cron %s: status %d", entry.URL, resp.StatusCode)
	}
	r.logger.Debug("cron job fired", zap.String("url", entry.URL), zap.Int("status", resp.StatusCode))
	return nil
}

// zapLogger adapts zap to the scheduler's logging interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l zapLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
