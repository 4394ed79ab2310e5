// Package mutex implements an advisory lock shared by every instance of a
// service. The lock is a record updated with a transactional
// read-modify-write, so correctness rests on the backing store's
// transactions. Locks expire so that a crashed holder cannot wedge them.
package mutex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eugenenazirov/gaekit/internal/metrics"
)

const (
	defaultCollection = "mutexes"
	defaultExpiry     = 5 * time.Minute
)

// ErrUnavailable is returned by Obtain when the mutex is held and has not
// expired.
var ErrUnavailable = errors.New("mutex: unavailable")

// Config configures the mutex service.
type Config struct {
	Collection    string        `yaml:"collection"`
	Prefix        string        `yaml:"prefix"`
	DefaultExpiry time.Duration `yaml:"default_expiry"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Collection == "" {
		c.Collection = defaultCollection
	}
	if c.DefaultExpiry <= 0 {
		c.DefaultExpiry = defaultExpiry
	}
	return c
}

// Record is the persisted lock state.
type Record struct {
	ID         string    `firestore:"id" datastore:"id" json:"id"`
	Locked     bool      `firestore:"locked" datastore:"locked" json:"locked"`
	Owner      string    `firestore:"owner" datastore:"owner,noindex" json:"owner,omitempty"`
	// Lease identifies one Obtain; a re-obtain by any owner changes it.
	Lease      string    `firestore:"lease" datastore:"lease,noindex" json:"lease,omitempty"`
	ObtainedAt time.Time `firestore:"obtainedAt" datastore:"obtainedAt" json:"obtainedAt"`
	ExpiresAt  time.Time `firestore:"expiresAt" datastore:"expiresAt" json:"expiresAt"`
	ReleasedAt time.Time `firestore:"releasedAt" datastore:"releasedAt" json:"releasedAt,omitempty"`
}

// Held reports whether the record is locked at now.
func (r *Record) Held(now time.Time) bool {
	return r != nil && r.Locked && r.ExpiresAt.After(now)
}

// Store persists records. Update must run fn inside a transaction: fn gets
// the current record (nil when missing) and returns the record to write, or
// nil to write nothing. An error from fn aborts the transaction and is
// returned unchanged in the error chain.
type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, id string, fn func(current *Record) (*Record, error)) error
}

// Service obtains and releases mutexes.
type Service struct {
	store  Store
	cfg    Config
	owner  string
	logger *zap.Logger
	clock  func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithOwner overrides the owner id written to records.
func WithOwner(owner string) Option {
	return func(s *Service) {
		s.owner = owner
	}
}

// NewService creates a Service backed by store.
func NewService(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cfg:    cfg.WithDefaults(),
		owner:  uuid.NewString(),
		logger: logger,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) key(id string) string {
	return s.cfg.Prefix + id
}

// Obtain locks id for expiry (the configured default when <= 0). It fails
// with ErrUnavailable when another holder's lock has not expired.
func (s *Service) Obtain(ctx context.Context, id string, expiry time.Duration) error {
	_, err := s.obtain(ctx, id, expiry)
	return err
}

// obtain locks id and returns the lease it wrote.
func (s *Service) obtain(ctx context.Context, id string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = s.cfg.DefaultExpiry
	}
	key := s.key(id)
	lease := uuid.NewString()

	err := s.store.Update(ctx, key, func(current *Record) (*Record, error) {
		now := s.clock()
		if current.Held(now) {
			return nil, ErrUnavailable
		}
		return &Record{
			ID:         key,
			Locked:     true,
			Owner:      s.owner,
			Lease:      lease,
			ObtainedAt: now,
			ExpiresAt:  now.Add(expiry),
		}, nil
	})
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			metrics.RecordMutexObtain("unavailable")
			return "", fmt.Errorf("%s: %w", key, ErrUnavailable)
		}
		metrics.RecordMutexObtain("error")
		return "", fmt.Errorf("obtain mutex %s: %w", key, err)
	}

	metrics.RecordMutexObtain("obtained")
	s.logger.Debug("mutex obtained", zap.String("mutex", key), zap.Duration("expiry", expiry))
	return lease, nil
}

// Release unlocks id whoever holds it. Releasing an unknown or unlocked
// mutex is a no-op.
func (s *Service) Release(ctx context.Context, id string) error {
	return s.release(ctx, id, "")
}

// release unlocks id. A non-empty lease restricts it to that lease, so a
// holder whose lock expired cannot unlock the next holder.
func (s *Service) release(ctx context.Context, id, lease string) error {
	key := s.key(id)

	err := s.store.Update(ctx, key, func(current *Record) (*Record, error) {
		if current == nil || !current.Locked {
			return nil, nil
		}
		if lease != "" && current.Lease != lease {
			s.logger.Warn("mutex lease lost before release", zap.String("mutex", key), zap.String("holder", current.Owner))
			return nil, nil
		}
		next := *current
		next.Locked = false
		next.ReleasedAt = s.clock()
		return &next, nil
	})
	if err != nil {
		return fmt.Errorf("release mutex %s: %w", key, err)
	}

	s.logger.Debug("mutex released", zap.String("mutex", key))
	return nil
}

// Get returns the stored record for id, or nil.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := s.store.Get(ctx, s.key(id))
	if err != nil {
		return nil, fmt.Errorf("get mutex %s: %w", s.key(id), err)
	}
	return rec, nil
}

// WithMutex obtains id, runs fn and releases its own lease afterwards. If
// the lease expired and another holder took the mutex, that lock is left
// alone. A release failure is logged; fn's error takes precedence.
func (s *Service) WithMutex(ctx context.Context, id string, expiry time.Duration, fn func(ctx context.Context) error) error {
	lease, err := s.obtain(ctx, id, expiry)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.release(context.WithoutCancel(ctx), id, lease); err != nil {
			s.logger.Error("failed to release mutex", zap.String("mutex", s.key(id)), zap.Error(err))
		}
	}()
	return fn(ctx)
}
