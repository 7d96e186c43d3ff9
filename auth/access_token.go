package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/sockjs-server-go/internal/jwtauth"
)

// TokenOption configures optional aspects of the JWT authenticators
// (audiences, scopes, algorithms, leeway).
type TokenOption func(*jwtauth.Config)

// WithAudiences sets the accepted "aud" values; a token must carry one of
// them. Without it the audience is not checked.
func WithAudiences(audiences ...string) TokenOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append([]string(nil), audiences...)
	}
}

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) TokenOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) TokenOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
func WithAllowedAlgs(algs ...string) TokenOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) TokenOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

func buildConfig(issuer string, defaultAlg string, opts []TokenOption) *jwtauth.Config {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.AllowedAlgs = []string{defaultAlg}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// NewHMAC returns an Authenticator for tokens signed with a shared secret.
// Only HS256 is accepted unless WithAllowedAlgs says otherwise. An empty
// issuer disables the "iss" check.
func NewHMAC(secret []byte, issuer string, opts ...TokenOption) (Authenticator, error) {
	v, err := jwtauth.NewHMAC(buildConfig(issuer, "HS256", opts), secret)
	if err != nil {
		return nil, err
	}
	return &adapter{a: v}, nil
}

// NewJWKS returns an Authenticator that verifies tokens against the JWK set
// published at jwksURI. Keys are refreshed in the background until ctx ends.
// Only RS256 is accepted by default.
func NewJWKS(ctx context.Context, jwksURI string, issuer string, opts ...TokenOption) (Authenticator, error) {
	v, err := jwtauth.NewJWKS(ctx, buildConfig(issuer, "RS256", opts), jwksURI)
	if err != nil {
		return nil, err
	}
	return &adapter{a: v}, nil
}

// NewFromDiscovery returns an Authenticator that finds the issuer's JWK set
// through OpenID Connect discovery.
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected audience ("aud") claim
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...TokenOption) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := buildConfig(issuer, "RS256", append([]TokenOption{WithAudiences(audience)}, opts...))
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: v}, nil
}

// adapter wraps the internal verifier to satisfy the public interface.
type adapter struct {
	a *jwtauth.Verifier
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}
