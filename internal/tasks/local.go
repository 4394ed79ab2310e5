package tasks

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eugenenazirov/gaekit/internal/metrics"
)

const (
	modeLocal = "local"

	// Local names are forgotten after this long, roughly matching how long
	// Cloud Tasks keeps tombstones for deleted or completed tasks.
	localNameRetention = time.Hour
)

// LocalQueue simulates Cloud Tasks by POSTing to the local server.
type LocalQueue struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	clock  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	seen map[string]time.Time
}

// LocalOption configures a LocalQueue.
type LocalOption func(*LocalQueue)

// WithHTTPClient overrides the client used for delivery.
func WithHTTPClient(client *http.Client) LocalOption {
	return func(q *LocalQueue) {
		q.client = client
	}
}

// WithClock overrides the time source used for throttling.
func WithClock(clock func() time.Time) LocalOption {
	return func(q *LocalQueue) {
		q.clock = clock
	}
}

// NewLocalQueue creates a local queue delivering to cfg.LocalBaseURL.
func NewLocalQueue(cfg Config, logger *zap.Logger, opts ...LocalOption) *LocalQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &LocalQueue{
		cfg:    cfg.WithDefaults(),
		client: &http.Client{Timeout: 10 * time.Minute},
		logger: logger,
		clock:  time.Now,
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue schedules delivery of path in the background. Delivery failures
// are logged, never returned.
func (q *LocalQueue) Enqueue(_ context.Context, path string, opts ...Option) error {
	o := resolveOptions(q.cfg.Throttle, opts)
	now := q.clock()

	body, err := encodeBody(o.data)
	if err != nil {
		metrics.RecordTaskEnqueued(modeLocal, "error")
		return err
	}

	name := taskName(path, o, now)
	if name != "" && !q.claim(name, now) {
		q.logger.Debug("local task already exists, skipping", zap.String("path", path), zap.String("task", name))
		metrics.RecordTaskEnqueued(modeLocal, "duplicate")
		return nil
	}
	if name == "" {
		name = uuid.NewString()
	}

	url := joinPath(q.cfg.LocalBaseURL, joinPath(q.cfg.PathPrefix, path))

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if o.delay > 0 {
			timer := time.NewTimer(o.delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-q.ctx.Done():
				return
			}
		}
		q.deliver(url, name, body, now.Add(o.delay))
	}()

	metrics.RecordTaskEnqueued(modeLocal, "enqueued")
	return nil
}

// Wait blocks until every pending delivery has finished.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}

// Close cancels pending deliveries and waits for in-flight ones to stop.
func (q *LocalQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}

func (q *LocalQueue) claim(name string, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for n, at := range q.seen {
		if now.Sub(at) > localNameRetention {
			delete(q.seen, n)
		}
	}
	if _, ok := q.seen[name]; ok {
		return false
	}
	q.seen[name] = now
	return true
}

func (q *LocalQueue) deliver(url, name string, body []byte, eta time.Time) {
	req, err := http.NewRequestWithContext(q.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		q.logger.Error("build local task request", zap.String("url", url), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AppEngine-QueueName", q.cfg.Queue)
	req.Header.Set("X-AppEngine-TaskName", name)
	req.Header.Set("X-AppEngine-TaskRetryCount", "0")
	req.Header.Set("X-AppEngine-TaskExecutionCount", "0")
	req.Header.Set("X-AppEngine-TaskETA", strconv.FormatInt(eta.Unix(), 10))

	resp, err := q.client.Do(req)
	if err != nil {
		q.logger.Error("local task delivery failed", zap.String("url", url), zap.String("task", name), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		q.logger.Warn("local task returned error status",
			zap.String("url", url),
			zap.String("task", name),
			zap.Int("status", resp.StatusCode),
		)
		return
	}
	q.logger.Debug("local task delivered", zap.String("url", url), zap.String("task", name), zap.Int("status", resp.StatusCode))
}
