// Package storage exposes object storage through a lazily-opened
// gocloud.dev bucket. Production uses gs:// URLs; local development and
// tests use file:// or mem:// buckets with the same API.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/eugenenazirov/gaekit/internal/provider"
)

const defaultSignedURLExpiry = 15 * time.Minute

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("storage: object not found")
	// ErrNoBucket is returned when no bucket can be derived from the config.
	ErrNoBucket = errors.New("storage: no bucket configured")
)

// Config selects the bucket. BucketURL wins over Bucket; with neither set
// the App Engine default bucket <project>.appspot.com is used.
type Config struct {
	ProjectID       string        `yaml:"project_id"`
	Bucket          string        `yaml:"bucket"`
	BucketURL       string        `yaml:"bucket_url"`
	SignedURLExpiry time.Duration `yaml:"signed_url_expiry"`
}

// URL resolves the bucket URL for cfg.
func (c Config) URL() (string, error) {
	switch {
	case c.BucketURL != "":
		return c.BucketURL, nil
	case c.Bucket != "":
		return "gs://" + c.Bucket, nil
	case c.ProjectID != "":
		return "gs://" + c.ProjectID + ".appspot.com", nil
	default:
		return "", ErrNoBucket
	}
}

// Provider is the lazily-opened default bucket.
type Provider = provider.Provider[*blob.Bucket]

// NewProvider returns a provider that opens the configured bucket on first use.
func NewProvider(cfg Config) *Provider {
	return provider.New("storage", func(ctx context.Context) (*blob.Bucket, error) {
		url, err := cfg.URL()
		if err != nil {
			return nil, err
		}
		bucket, err := blob.OpenBucket(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", url, err)
		}
		return bucket, nil
	})
}

// Object describes a stored object.
type Object struct {
	Name        string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Service reads and writes objects in the default bucket.
type Service struct {
	provider        *Provider
	signedURLExpiry time.Duration
}

// NewService creates a Service over p.
func NewService(p *Provider, cfg Config) *Service {
	expiry := cfg.SignedURLExpiry
	if expiry <= 0 {
		expiry = defaultSignedURLExpiry
	}
	return &Service{provider: p, signedURLExpiry: expiry}
}

// Upload writes r to name.
func (s *Service) Upload(ctx context.Context, name string, r io.Reader, contentType string) error {
	bucket, err := s.provider.Get(ctx)
	if err != nil {
		return err
	}

	w, err := bucket.NewWriter(ctx, name, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("open writer %s: %w", name, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer %s: %w", name, err)
	}
	return nil
}

// Download returns the full contents of name.
func (s *Service) Download(ctx context.Context, name string) ([]byte, error) {
	bucket, err := s.provider.Get(ctx)
	if err != nil {
		return nil, err
	}
	data, err := bucket.ReadAll(ctx, name)
	if err != nil {
		return nil, wrapErr("download", name, err)
	}
	return data, nil
}

// Reader opens name for streaming. The caller closes the reader.
func (s *Service) Reader(ctx context.Context, name string) (*blob.Reader, error) {
	bucket, err := s.provider.Get(ctx)
	if err != nil {
		return nil, err
	}
	r, err := bucket.NewReader(ctx, name, nil)
	if err != nil {
		return nil, wrapErr("open", name, err)
	}
	return r, nil
}

// Stat returns object metadata.
func (s *Service) Stat(ctx context.Context, name string) (Object, error) {
	bucket, err := s.provider.Get(ctx)
	if err != nil {
		return Object{}, err
	}
	attrs, err := bucket.Attributes(ctx, name)
	if err != nil {
		return Object{}, wrapErr("stat", name, err)
	}
	return Object{
		Name:        name,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		ModTime:     attrs.ModTime,
	}, nil
}

// Exists reports whether name exists.
func (s *Service) Exists(ctx context.Context, name string) (bool, error) {
	bucket, err := s.provider.Get(ctx)
	if err != nil {
		return false, err
	}
	ok, err := bucket.Exists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", name, err)
	}
	return ok, nil
}

// Delete removes name. Deleting a missing object returns ErrNotFound.
func (s *Service) Delete(ctx context.Context, name string) error {
	bucket, err := s.provider.Get(ctx)
	if err != nil {
		return err
	}
	if err := bucket.Delete(ctx, name); err != nil {
		return wrapErr("delete", name, err)
	}
	return nil
}

// List returns the objects whose names start with prefix.
func (s *Service) List(ctx context.Context, prefix string) ([]Object, error) {
	bucket, err := s.provider.Get(ctx)
	if err != nil {
		return nil, err
	}

	var objects []Object
	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		objects = append(objects, Object{Name: obj.Key, Size: obj.Size, ModTime: obj.ModTime})
	}
	return objects, nil
}

// SignedURL returns a time-limited GET URL for name.
func (s *Service) SignedURL(ctx context.Context, name string) (string, error) {
	bucket, err := s.provider.Get(ctx)
	if err != nil {
		return "", err
	}
	url, err := bucket.SignedURL(ctx, name, &blob.SignedURLOptions{Expiry: s.signedURLExpiry})
	if err != nil {
		return "", fmt.Errorf("sign url for %s: %w", name, err)
	}
	return url, nil
}

func wrapErr(op, name string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%s %s: %w", op, name, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}
