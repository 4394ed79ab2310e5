// Package tasks enqueues HTTP tasks either on Cloud Tasks or, during local
// development, by POSTing directly to the running service with the same
// headers App Engine would add.
package tasks

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// EnvironmentLocal selects the local queue in NewQueue.
	EnvironmentLocal = "local"

	defaultQueue      = "default"
	defaultPathPrefix = "/tasks"
	defaultLocalURL   = "http://localhost:8080"
	maxTaskNameLength = 500
	nameHashLength    = 12
)

// Config describes where tasks go.
type Config struct {
	ProjectID  string `yaml:"project_id"`
	Location   string `yaml:"location"`
	Queue      string `yaml:"queue"`
	PathPrefix string `yaml:"path_prefix"`

	// App Engine routing for App Engine HTTP tasks.
	Service string `yaml:"service"`
	Version string `yaml:"version"`

	// TargetHost switches to plain HTTP tasks (e.g. Cloud Run) signed with an
	// OIDC token for ServiceAccount.
	TargetHost     string `yaml:"target_host"`
	ServiceAccount string `yaml:"service_account"`
	Audience       string `yaml:"audience"`

	Local        bool          `yaml:"local"`
	LocalBaseURL string        `yaml:"local_base_url"`
	Throttle     time.Duration `yaml:"throttle"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Queue == "" {
		c.Queue = defaultQueue
	}
	if c.PathPrefix == "" {
		c.PathPrefix = defaultPathPrefix
	}
	if c.LocalBaseURL == "" {
		c.LocalBaseURL = defaultLocalURL
	}
	return c
}

// QueuePath returns the fully-qualified Cloud Tasks queue name.
func (c Config) QueuePath() string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", c.ProjectID, c.Location, c.Queue)
}

// Queue accepts tasks addressed by a path relative to the configured prefix.
type Queue interface {
	Enqueue(ctx context.Context, path string, opts ...Option) error
}

// Option customizes a single Enqueue call.
type Option func(*enqueueOptions)

type enqueueOptions struct {
	data     any
	delay    time.Duration
	throttle time.Duration
	name     string
}

// WithData sets the JSON-encoded request body.
func WithData(data any) Option {
	return func(o *enqueueOptions) {
		o.data = data
	}
}

// WithDelay schedules the task d from now.
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}

// WithThrottle drops duplicate enqueues of the same path within window.
func WithThrottle(window time.Duration) Option {
	return func(o *enqueueOptions) {
		o.throttle = window
	}
}

// WithName gives the task an explicit name; re-using a name is a no-op.
func WithName(name string) Option {
	return func(o *enqueueOptions) {
		o.name = name
	}
}

func resolveOptions(defaultThrottle time.Duration, opts []Option) enqueueOptions {
	o := enqueueOptions{throttle: defaultThrottle}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// taskName returns the deduplication name for a task or "" for anonymous
// tasks. Throttled names embed the window index so that the same path maps
// to the same name for the duration of one window.
func taskName(path string, o enqueueOptions, now time.Time) string {
	if o.name != "" {
		return sanitizeName(o.name, maxTaskNameLength)
	}
	if o.throttle <= 0 {
		return ""
	}
	window := int64(o.throttle / time.Second)
	if window <= 0 {
		window = 1
	}
	suffix := strconv.FormatInt(now.Unix()/window, 10)
	return sanitizeName(path, maxTaskNameLength-len(suffix)-1) + "-" + suffix
}

// sanitizeName maps s onto the Cloud Tasks name alphabet [A-Za-z0-9_-] in at
// most limit characters. Names that had to be rewritten or shortened get a
// hash of s appended, so distinct inputs never share a name.
func sanitizeName(s string, limit int) string {
	trimmed := strings.Trim(s, "/")

	var b strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := b.String()
	if name != "" && name == trimmed && len(name) <= limit {
		return name
	}

	if name == "" {
		name = "root"
	}
	sum := sha1.Sum([]byte(trimmed))
	hash := hex.EncodeToString(sum[:])[:nameHashLength]
	if keep := limit - nameHashLength - 1; len(name) > keep {
		name = name[:keep]
	}
	return name + "-" + hash
}

func joinPath(prefix, path string) string {
	return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(path, "/")
}

func encodeBody(data any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode task body: %w", err)
	}
	return body, nil
}

// NewQueue returns a LocalQueue when cfg.Local is set or environment is
// local, otherwise a CloudQueue backed by p.
func NewQueue(cfg Config, environment string, p *Provider, logger *zap.Logger) Queue {
	if cfg.Local || environment == EnvironmentLocal {
		return NewLocalQueue(cfg, logger)
	}
	return NewCloudQueue(cfg, p, logger)
}
