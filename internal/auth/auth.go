// Package auth verifies the signed JWTs Google attaches to requests: the
// Identity-Aware Proxy assertion header and Google-issued OIDC bearer tokens
// (Cloud Tasks, Cloud Scheduler, Pub/Sub push).
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

const (
	// IAPIssuer is the issuer of IAP assertions.
	IAPIssuer = "https://cloud.google.com/iap"
	// IAPKeysURL serves the IAP ES256 public keys.
	IAPKeysURL = "https://www.gstatic.com/iap/verify/public_key-jwk"
	// GoogleIssuer is the issuer of Google-signed ID tokens.
	GoogleIssuer = "https://accounts.google.com"
	// GoogleKeysURL serves the Google RS256 public keys.
	GoogleKeysURL = "https://www.googleapis.com/oauth2/v3/certs"
)

var (
	// ErrMissingToken is returned when a request carries no token.
	ErrMissingToken = errors.New("auth: missing token")
	// ErrInvalidToken wraps signature, issuer, audience and expiry failures.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrEmailNotAllowed is returned when a valid token belongs to an
	// unexpected principal.
	ErrEmailNotAllowed = errors.New("auth: email not allowed")
	// ErrNoAudience is returned when a verifier cannot determine its audience.
	ErrNoAudience = errors.New("auth: audience not configured")
)

// Config groups the verification settings.
type Config struct {
	IAP  IAPConfig  `yaml:"iap"`
	OIDC OIDCConfig `yaml:"oidc"`
	// DevEmail is the identity assumed for IAP-protected routes when running
	// locally, where no proxy is in front of the service.
	DevEmail string `yaml:"dev_email"`
}

// IAPConfig configures IAP assertion verification.
type IAPConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Audience      string `yaml:"audience"`
	ProjectNumber string `yaml:"project_number"`
	ProjectID     string `yaml:"project_id"`
}

// ExpectedAudience returns the configured audience or the App Engine form
// /projects/<number>/apps/<project>.
func (c IAPConfig) ExpectedAudience() (string, error) {
	if c.Audience != "" {
		return c.Audience, nil
	}
	if c.ProjectNumber == "" || c.ProjectID == "" {
		return "", ErrNoAudience
	}
	return fmt.Sprintf("/projects/%s/apps/%s", c.ProjectNumber, c.ProjectID), nil
}

// OIDCConfig configures bearer token verification.
type OIDCConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Audience      string   `yaml:"audience"`
	AllowedEmails []string `yaml:"allowed_emails"`
}

// Identity is the verified principal behind a request.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Issuer        string
	Audience      []string
	Expiry        time.Time
	Claims        map[string]any
}

// Verifier checks a raw token and returns its identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by the verification
// middleware, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}

// VerifierOption customizes IAP and OIDC verifiers.
type VerifierOption func(*verifierOptions)

type verifierOptions struct {
	keySet oidc.KeySet
	now    func() time.Time
}

// WithKeySet replaces the remote key set, e.g. with an oidc.StaticKeySet.
func WithKeySet(keySet oidc.KeySet) VerifierOption {
	return func(o *verifierOptions) {
		o.keySet = keySet
	}
}

// WithNow overrides the clock used for expiry checks.
func WithNow(now func() time.Time) VerifierOption {
	return func(o *verifierOptions) {
		o.now = now
	}
}

func newIDTokenVerifier(ctx context.Context, issuer, keysURL, audience string, algs []string, opts []VerifierOption) *oidc.IDTokenVerifier {
	o := verifierOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	keySet := o.keySet
	if keySet == nil {
		keySet = oidc.NewRemoteKeySet(ctx, keysURL)
	}
	return oidc.NewVerifier(issuer, keySet, &oidc.Config{
		ClientID:             audience,
		SupportedSigningAlgs: algs,
		Now:                  o.now,
	})
}

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

func identityFromToken(token *oidc.IDToken) (*Identity, error) {
	var claims googleClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrInvalidToken, err)
	}
	var raw map[string]any
	if err := token.Claims(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrInvalidToken, err)
	}
	return &Identity{
		Subject:       token.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Issuer:        token.Issuer,
		Audience:      token.Audience,
		Expiry:        token.Expiry,
		Claims:        raw,
	}, nil
}

// IAPVerifier verifies x-goog-iap-jwt-assertion headers.
type IAPVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewIAPVerifier builds a verifier for cfg. ctx bounds background key
// refreshes and should live as long as the verifier.
func NewIAPVerifier(ctx context.Context, cfg IAPConfig, opts ...VerifierOption) (*IAPVerifier, error) {
	audience, err := cfg.ExpectedAudience()
	if err != nil {
		return nil, err
	}
	return &IAPVerifier{
		verifier: newIDTokenVerifier(ctx, IAPIssuer, IAPKeysURL, audience, []string{oidc.ES256}, opts),
	}, nil
}

// Verify validates an IAP assertion.
func (v *IAPVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return identityFromToken(idToken)
}

// OIDCVerifier verifies Google-signed ID tokens sent as bearer tokens.
type OIDCVerifier struct {
	verifier      *oidc.IDTokenVerifier
	allowedEmails []string
}

// NewOIDCVerifier builds a verifier for cfg.
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig, opts ...VerifierOption) (*OIDCVerifier, error) {
	if cfg.Audience == "" {
		return nil, ErrNoAudience
	}
	return &OIDCVerifier{
		verifier:      newIDTokenVerifier(ctx, GoogleIssuer, GoogleKeysURL, cfg.Audience, []string{oidc.RS256}, opts),
		allowedEmails: cfg.AllowedEmails,
	}, nil
}

// Verify validates a bearer token and, when an allow list is configured,
// requires a verified email from it.
func (v *OIDCVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id, err := identityFromToken(idToken)
	if err != nil {
		return nil, err
	}

	if len(v.allowedEmails) > 0 {
		if !id.EmailVerified || !slices.Contains(v.allowedEmails, id.Email) {
			return nil, fmt.Errorf("%w: %s", ErrEmailNotAllowed, id.Email)
		}
	}
	return id, nil
}

// StaticVerifier accepts any request and returns a fixed identity. It stands
// in for IAP during local development.
type StaticVerifier struct {
	Identity Identity
}

// NewStaticVerifier returns a verifier reporting email as the caller.
func NewStaticVerifier(email string) *StaticVerifier {
	return &StaticVerifier{Identity: Identity{Subject: "local:" + email, Email: email, Issuer: "local"}}
}

// Verify ignores token.
func (v *StaticVerifier) Verify(context.Context, string) (*Identity, error) {
	id := v.Identity
	return &id, nil
}
