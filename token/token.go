// Package token issues and verifies signed session tokens. Local tokens are
// HS256 JWTs signed with a server-held secret; RemoteVerifier additionally
// accepts tokens minted by an external identity provider discovered via OIDC.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joeshaw/envdecode"

	"github.com/agentgrid/authcore/identity"
)

// Verification error strings surfaced to callers. These are stable contract
// values, not free-form messages.
const (
	ErrMsgExpired = "Token expired"
	ErrMsgInvalid = "Invalid token"
)

// Claims is the payload carried by locally-issued tokens. PreferredUsername
// accommodates identity providers whose sub is an opaque id rather than a
// human-readable name.
type Claims struct {
	Username          string   `json:"username,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Email             string   `json:"email,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// ResolveUsername derives the username, preferring preferred_username over
// the explicit username claim, falling back to sub.
func (c *Claims) ResolveUsername() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	if c.Username != "" {
		return c.Username
	}
	return identity.UsernameFromUserID(c.Subject)
}

// Identity builds a request-scoped identity from verified claims. The user id
// is always normalized to the user:<username> form regardless of the source
// claim shape; the authorization layer indexes by this exact string.
func (c *Claims) Identity() identity.Identity {
	name := c.ResolveUsername()
	return identity.Identity{
		UserID:   identity.NormalizeUserID(name),
		Username: name,
		Email:    c.Email,
		Roles:    append([]string(nil), c.Roles...),
	}
}

// VerificationResult is the outcome of Verify. Verification never returns an
// error to the caller: malformed, expired, and forged tokens all resolve to
// Valid=false with a stable Error string.
type VerificationResult struct {
	Valid  bool
	Claims *Claims
	Error  string
}

// Config controls issuance and validation for the local token service.
type Config struct {
	// Secret signs and verifies tokens. ENV: AUTH_TOKEN_SECRET
	Secret string `env:"AUTH_TOKEN_SECRET"`
	// Issuer is set on issued tokens and enforced on verification when
	// non-empty. ENV: AUTH_TOKEN_ISSUER
	Issuer string `env:"AUTH_TOKEN_ISSUER"`
	// Audience is set on issued tokens and enforced on verification when
	// non-empty. ENV: AUTH_TOKEN_AUDIENCE
	Audience string `env:"AUTH_TOKEN_AUDIENCE"`
	// Leeway tolerates clock skew on time-based claims.
	Leeway time.Duration `env:"AUTH_TOKEN_LEEWAY,default=60s"`
}

// Service issues and verifies HS256 session tokens. It is stateless and safe
// for concurrent use; the signing key may rotate underneath it via KeySource.
type Service struct {
	keys     KeySource
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// Option configures optional aspects of the Service.
type Option func(*Service)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a Service from cfg with a static secret. The secret is
// required; everything else has safe defaults.
func New(cfg Config, opts ...Option) (*Service, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token: secret is required")
	}
	return NewWithKeySource(cfg, StaticKey(cfg.Secret), opts...)
}

// NewWithKeySource constructs a Service whose signing key is supplied by ks,
// allowing rotation without restart (see FileKeySource).
func NewWithKeySource(cfg Config, ks KeySource, opts ...Option) (*Service, error) {
	if ks == nil {
		return nil, errors.New("token: key source is required")
	}
	leeway := cfg.Leeway
	if leeway == 0 {
		leeway = 60 * time.Second
	}
	s := &Service{
		keys:     ks,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   leeway,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromEnv builds a Service using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Service, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("token: decode env: %w", err)
	}
	return New(cfg, opts...)
}

// Create issues a signed token for id with the given lifetime. The identity
// must already be resolved by the caller; this service never looks up users.
func (s *Service) Create(id identity.Identity, ttl time.Duration) (string, error) {
	if id.Username == "" {
		return "", errors.New("token: identity has no username")
	}
	if ttl <= 0 {
		return "", errors.New("token: ttl must be positive")
	}
	now := s.now()
	claims := &Claims{
		Username: id.Username,
		Email:    id.Email,
		Roles:    append([]string(nil), id.Roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.NormalizeUserID(id.Username),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if s.issuer != "" {
		claims.Issuer = s.issuer
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.keys.Key())
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, and structure. It always returns a result
// object; malformed input is reported, never raised.
func (s *Service) Verify(tok string) VerificationResult {
	if tok == "" {
		return VerificationResult{Error: ErrMsgInvalid}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	parser := jwt.NewParser(opts...)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return s.keys.Key(), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return VerificationResult{Error: ErrMsgExpired}
		}
		return VerificationResult{Error: ErrMsgInvalid}
	}
	if !parsed.Valid || claims.Subject == "" && claims.Username == "" && claims.PreferredUsername == "" {
		return VerificationResult{Error: ErrMsgInvalid}
	}
	return VerificationResult{Valid: true, Claims: claims}
}
