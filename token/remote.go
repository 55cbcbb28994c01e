package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// RemoteConfig controls validation of tokens minted by an external identity
// provider. Issuer and Audience are required; JWKS location comes from OIDC
// discovery.
type RemoteConfig struct {
	// Issuer is the identity provider issuer URL. ENV: AUTH_IDP_ISSUER
	Issuer string `env:"AUTH_IDP_ISSUER"`
	// Audience is the expected aud claim. ENV: AUTH_IDP_AUDIENCE
	Audience string `env:"AUTH_IDP_AUDIENCE"`
	// AllowedAlgs restricts JWS algorithms; "none" is never allowed.
	AllowedAlgs []string
	// Leeway tolerates clock skew on time-based claims.
	Leeway time.Duration
}

// RemoteVerifier validates externally-issued JWTs against the provider's JWKS
// (auto-refreshed) and maps them into the same VerificationResult shape as
// locally-issued tokens, so the middleware treats both uniformly.
type RemoteVerifier struct {
	cfg     RemoteConfig
	keyfunc jwt.Keyfunc
	now     func() time.Time
}

// NewRemoteVerifier performs OIDC discovery against cfg.Issuer to locate the
// provider's JWKS and constructs a verifier. JWKS keys refresh automatically.
func NewRemoteVerifier(ctx context.Context, cfg RemoteConfig) (*RemoteVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("token: issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("token: audience is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("token: oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("token: invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("token: discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("token: jwks init failed: %w", err)
	}

	return &RemoteVerifier{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			for _, a := range cfg.AllowedAlgs {
				if alg == a {
					return kf.Keyfunc(t)
				}
			}
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		},
		now: time.Now,
	}, nil
}

// Verify checks signature, issuer, audience, and expiry. Like the local
// service it never raises for bad input; the outcome is always a result
// object. Opaque provider subjects resolve to a usable username through the
// preferred_username claim.
func (v *RemoteVerifier) Verify(tok string) VerificationResult {
	if tok == "" {
		return VerificationResult{Error: ErrMsgInvalid}
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(tok, claims, v.keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return VerificationResult{Error: ErrMsgExpired}
		}
		return VerificationResult{Error: ErrMsgInvalid}
	}
	if !parsed.Valid || claims.ResolveUsername() == "" {
		return VerificationResult{Error: ErrMsgInvalid}
	}
	return VerificationResult{Valid: true, Claims: claims}
}
