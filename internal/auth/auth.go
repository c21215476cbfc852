// Package auth resolves the caller of a request to a (user, tenant) pair.
//
// Callers present an HMAC-signed JWT as a bearer token. The subject claim is
// the user id. The tenant is read from a configurable claim and, when the
// token carries none, looked up through a [TenantResolver] (the profiles
// table of the store). Resolution fails closed: a request without a valid
// token never reaches the pipeline, and neither does a user without a tenant.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/sesli/internal/store"
)

var (
	// ErrUnauthenticated is returned when the bearer credential is missing
	// or invalid.
	ErrUnauthenticated = errors.New("auth: unauthenticated")

	// ErrTenantNotFound is returned when the caller is authenticated but
	// belongs to no tenant.
	ErrTenantNotFound = errors.New("auth: tenant not found")
)

const defaultTenantClaim = "tenant_id"

// Identity is a resolved caller.
type Identity struct {
	UserID   string
	TenantID string
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// TenantResolver maps a user to their tenant. Implementations return an
// error wrapping [store.ErrNotFound] for unknown users.
type TenantResolver interface {
	TenantForUser(ctx context.Context, userID string) (string, error)
}

// Option configures an [Authenticator].
type Option func(*Authenticator)

// WithIssuer requires the iss claim to equal iss.
func WithIssuer(iss string) Option {
	return func(a *Authenticator) {
		if iss != "" {
			a.parserOpts = append(a.parserOpts, jwt.WithIssuer(iss))
		}
	}
}

// WithAudience requires aud to contain aud.
func WithAudience(aud string) Option {
	return func(a *Authenticator) {
		if aud != "" {
			a.parserOpts = append(a.parserOpts, jwt.WithAudience(aud))
		}
	}
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.parserOpts = append(a.parserOpts, jwt.WithLeeway(d))
		}
	}
}

// WithTenantClaim sets the claim the tenant id is read from.
// Default: "tenant_id".
func WithTenantClaim(name string) Option {
	return func(a *Authenticator) {
		if name != "" {
			a.tenantClaim = name
		}
	}
}

// WithTenantResolver sets the fallback lookup for tokens without a tenant
// claim. Without it such tokens are rejected with [ErrTenantNotFound].
func WithTenantResolver(r TenantResolver) Option {
	return func(a *Authenticator) {
		a.resolver = r
	}
}

// WithTimeFunc overrides the clock used to validate exp, nbf and iat.
// Intended for tests.
func WithTimeFunc(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.parserOpts = append(a.parserOpts, jwt.WithTimeFunc(now))
		}
	}
}

// Authenticator validates bearer tokens. It is safe for concurrent use.
type Authenticator struct {
	secret      []byte
	parser      *jwt.Parser
	parserOpts  []jwt.ParserOption
	tenantClaim string
	resolver    TenantResolver
}

// New returns an Authenticator for HS256 tokens signed with secret. An
// empty secret is an error; there is no unauthenticated mode.
func New(secret []byte, opts ...Option) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: hmac secret must not be empty")
	}
	a := &Authenticator{
		secret:      secret,
		tenantClaim: defaultTenantClaim,
		parserOpts: []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		},
	}
	for _, o := range opts {
		o(a)
	}
	a.parser = jwt.NewParser(a.parserOpts...)
	return a, nil
}

// Authenticate resolves the caller of r. The error wraps
// [ErrUnauthenticated] or [ErrTenantNotFound], or is a resolver failure.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return Identity{}, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	return a.Resolve(r.Context(), token)
}

// Resolve validates token and resolves its tenant.
func (a *Authenticator) Resolve(ctx context.Context, token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(token, claims, a.key); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, fmt.Errorf("%w: token subject is required", ErrUnauthenticated)
	}

	id := Identity{UserID: sub}
	if t, ok := claims[a.tenantClaim].(string); ok && t != "" {
		id.TenantID = t
		return id, nil
	}

	if a.resolver == nil {
		return Identity{}, fmt.Errorf("%w: token for %q carries no %s", ErrTenantNotFound, sub, a.tenantClaim)
	}
	tenant, err := a.resolver.TenantForUser(ctx, sub)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Identity{}, fmt.Errorf("%w: no profile for %q", ErrTenantNotFound, sub)
	case err != nil:
		return Identity{}, fmt.Errorf("auth: resolve tenant of %q: %w", sub, err)
	case tenant == "":
		return Identity{}, fmt.Errorf("%w: empty tenant for %q", ErrTenantNotFound, sub)
	}
	id.TenantID = tenant
	return id, nil
}

func (a *Authenticator) key(*jwt.Token) (any, error) {
	return a.secret, nil
}

// Middleware authenticates every request before calling next. Failures are
// passed to onError, which writes the response; next is not called.
func Middleware(a *Authenticator, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authenticate(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
