// Package secrets resolves SECRET(name) references in configuration from
// Secret Manager, or from the environment when running locally.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/eugenenazirov/gaekit/internal/provider"
)

// ErrNotFound is returned when a secret or its version does not exist.
var ErrNotFound = errors.New("secrets: secret not found")

var referencePattern = regexp.MustCompile(`^SECRET\(([A-Za-z0-9_\-/.]+)\)$`)

// Resolver returns the plaintext value of a named secret.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Provider is the lazily-initialized Secret Manager client.
type Provider = provider.Provider[*secretmanager.Client]

// NewProvider returns a provider that dials Secret Manager on first use.
func NewProvider(opts ...option.ClientOption) *Provider {
	return provider.New("secretmanager", func(ctx context.Context) (*secretmanager.Client, error) {
		client, err := secretmanager.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create secret manager client: %w", err)
		}
		return client, nil
	})
}

type versionAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// ManagerResolver reads secrets from Secret Manager and caches the values
// for the life of the process.
type ManagerResolver struct {
	projectID string
	accessor  func(ctx context.Context) (versionAccessor, error)

	mu    sync.Mutex
	cache map[string]string
}

// NewManagerResolver resolves names within projectID.
func NewManagerResolver(projectID string, p *Provider) *ManagerResolver {
	return newManagerResolver(projectID, func(ctx context.Context) (versionAccessor, error) {
		return p.Get(ctx)
	})
}

func newManagerResolver(projectID string, accessor func(ctx context.Context) (versionAccessor, error)) *ManagerResolver {
	return &ManagerResolver{
		projectID: projectID,
		accessor:  accessor,
		cache:     make(map[string]string),
	}
}

// VersionName expands name to a secret version resource. Bare names use
// the latest version; "name/versions/N" pins one; full resource names are
// returned unchanged.
func (r *ManagerResolver) VersionName(name string) string {
	switch {
	case strings.HasPrefix(name, "projects/"):
		return name
	case strings.Contains(name, "/versions/"):
		return fmt.Sprintf("projects/%s/secrets/%s", r.projectID, name)
	default:
		return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", r.projectID, name)
	}
}

// Resolve implements Resolver.
func (r *ManagerResolver) Resolve(ctx context.Context, name string) (string, error) {
	resource := r.VersionName(name)

	r.mu.Lock()
	value, ok := r.cache[resource]
	r.mu.Unlock()
	if ok {
		return value, nil
	}

	client, err := r.accessor(ctx)
	if err != nil {
		return "", err
	}
	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%s: %w", resource, ErrNotFound)
		}
		return "", fmt.Errorf("access %s: %w", resource, err)
	}

	value = string(resp.GetPayload().GetData())
	r.mu.Lock()
	r.cache[resource] = value
	r.mu.Unlock()
	return value, nil
}

// EnvResolver reads secret "db-password" from $DB_PASSWORD.
type EnvResolver struct{}

// Resolve implements Resolver.
func (EnvResolver) Resolve(_ context.Context, name string) (string, error) {
	key := EnvKey(name)
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("%s (env %s): %w", name, key, ErrNotFound)
	}
	return value, nil
}

// EnvKey maps a secret name to an environment variable name.
func EnvKey(name string) string {
	name = strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
}

// Reference returns the secret name when s is a SECRET(name) reference.
func Reference(s string) (string, bool) {
	m := referencePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Expand walks the struct pointed to by target and replaces every string
// field holding a SECRET(name) reference with the resolved value. Nested
// structs, pointers to structs, string slices and string maps are visited.
// It returns the number of values replaced.
func Expand(ctx context.Context, target any, resolver Resolver) (int, error) {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return 0, fmt.Errorf("secrets: expand target must be a non-nil pointer, got %T", target)
	}
	e := expander{ctx: ctx, resolver: resolver}
	if err := e.walk(v.Elem(), ""); err != nil {
		return e.count, err
	}
	return e.count, nil
}

type expander struct {
	ctx      context.Context
	resolver Resolver
	count    int
}

func (e *expander) walk(v reflect.Value, path string) error {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return e.walk(v.Elem(), path)
	case reflect.Struct:
		t := v.Type()
		for i := range v.NumField() {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := e.walk(v.Field(i), join(path, t.Field(i).Name)); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			if err := e.walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		if v.Type().Elem().Kind() != reflect.String {
			return nil
		}
		iter := v.MapRange()
		for iter.Next() {
			resolved, ok, err := e.resolve(iter.Value().String(), fmt.Sprintf("%s[%v]", path, iter.Key()))
			if err != nil {
				return err
			}
			if ok {
				v.SetMapIndex(iter.Key(), reflect.ValueOf(resolved).Convert(v.Type().Elem()))
			}
		}
	case reflect.String:
		if !v.CanSet() {
			return nil
		}
		resolved, ok, err := e.resolve(v.String(), path)
		if err != nil {
			return err
		}
		if ok {
			v.SetString(resolved)
		}
	}
	return nil
}

func (e *expander) resolve(s, path string) (string, bool, error) {
	name, ok := Reference(s)
	if !ok {
		return "", false, nil
	}
	value, err := e.resolver.Resolve(e.ctx, name)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", path, err)
	}
	e.count++
	return value, true, nil
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
