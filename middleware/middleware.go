// Package middleware orchestrates the authorization and session lifecycle:
// it authenticates credentials against a user directory, issues and verifies
// session tokens, and answers authorization questions: via the remote
// relationship-graph backend when one is configured, via a local role-based
// policy otherwise. Every authorization question resolves to a definite
// boolean; infrastructure failure never leaves one unanswered.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentgrid/authcore/authz"
	"github.com/agentgrid/authcore/identity"
	"github.com/agentgrid/authcore/internal/logctx"
	"github.com/agentgrid/authcore/session"
	"github.com/agentgrid/authcore/session/memorystore"
	"github.com/agentgrid/authcore/token"
)

// Failure reason codes. Unknown-user and wrong-password share a single code
// so responses never leak account existence.
const (
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonPasswordRequired   = "password_required"
	ReasonAccountInactive    = "account_inactive"
)

// AuthenticationResult is the outcome of Authenticate. Credential problems
// are reason codes, never errors that crash a request.
type AuthenticationResult struct {
	Authorized bool
	UserID     string
	Username   string
	Email      string
	Roles      []string
	Reason     string
}

// AuthorizationClient is the subset of the relationship-graph client the
// middleware consumes. *authz.Client satisfies it.
type AuthorizationClient interface {
	Check(ctx context.Context, user, relation, object string, opts ...authz.CheckOption) (bool, error)
	ListObjects(ctx context.Context, user, relation, objType string) ([]string, error)
}

var _ AuthorizationClient = (*authz.Client)(nil)

// Config holds middleware tunables.
type Config struct {
	// TokenTTL is the default lifetime for issued tokens.
	// ENV: AUTH_TOKEN_TTL
	TokenTTL time.Duration `env:"AUTH_TOKEN_TTL,default=1h"`
	// TokenCacheSize bounds the verified-token identity cache.
	// ENV: AUTH_TOKEN_CACHE_SIZE
	TokenCacheSize int `env:"AUTH_TOKEN_CACHE_SIZE,default=1024"`
}

// Middleware is the orchestrator. All dependencies are constructor-injected
// and lifetime-scoped; there is no process-global state.
type Middleware struct {
	dir      identity.Directory
	tokens   *token.Service
	remote   *token.RemoteVerifier
	client   AuthorizationClient
	sessions session.Store
	cache    *lru.Cache[string, *token.Claims]
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// Option configures the Middleware.
type Option func(*Middleware)

// WithAuthorizationClient enables remote authorization. Without it, point
// checks fall back to the local role-based policy.
func WithAuthorizationClient(c AuthorizationClient) Option {
	return func(m *Middleware) { m.client = c }
}

// WithSessionStore installs the session backend for session-based flows.
func WithSessionStore(s session.Store) Option {
	return func(m *Middleware) { m.sessions = s }
}

// WithRemoteVerifier accepts tokens minted by an external identity provider
// in addition to locally-issued ones.
func WithRemoteVerifier(v *token.RemoteVerifier) Option {
	return func(m *Middleware) { m.remote = v }
}

// WithLogger sets the decision logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Middleware) { m.log = log }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Middleware) { m.now = now }
}

// New constructs the middleware. A directory and token service are required.
// If no session store is provided the middleware runs in a documented
// degraded mode: it logs a warning and installs an in-memory store, which
// does not survive restarts and is invisible to other instances.
func New(dir identity.Directory, tokens *token.Service, cfg Config, opts ...Option) (*Middleware, error) {
	if dir == nil {
		return nil, errors.New("middleware: identity directory is required")
	}
	if tokens == nil {
		return nil, errors.New("middleware: token service is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.TokenCacheSize <= 0 {
		cfg.TokenCacheSize = 1024
	}
	m := &Middleware{
		dir:    dir,
		tokens: tokens,
		cfg:    cfg,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sessions == nil {
		m.log.Warn("no session store configured; falling back to in-memory store (degraded mode: sessions are node-local and lost on restart)")
		m.sessions = memorystore.New(session.Config{})
	}
	cache, err := lru.New[string, *token.Claims](cfg.TokenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("middleware: token cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

// Sessions exposes the session store for session-based auth flows and for
// data-deletion/export services that enumerate or purge a user's sessions.
func (m *Middleware) Sessions() session.Store { return m.sessions }

// Authenticate validates credentials and produces the caller's identity.
// "User not found" and "wrong password" share one reason code.
func (m *Middleware) Authenticate(ctx context.Context, username, password string) AuthenticationResult {
	if password == "" {
		return AuthenticationResult{Reason: ReasonPasswordRequired}
	}
	user, err := m.dir.GetUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, identity.ErrUserNotFound) {
			m.log.Error("directory lookup failed during authentication",
				slog.String("username", username), slog.String("err", err.Error()))
		}
		return AuthenticationResult{Reason: ReasonInvalidCredentials}
	}
	if !user.Active {
		return AuthenticationResult{Reason: ReasonAccountInactive}
	}
	ok, err := m.dir.VerifyPassword(ctx, username, password)
	if err != nil {
		m.log.Error("password verification failed",
			slog.String("username", username), slog.String("err", err.Error()))
		return AuthenticationResult{Reason: ReasonInvalidCredentials}
	}
	if !ok {
		return AuthenticationResult{Reason: ReasonInvalidCredentials}
	}
	id := identity.FromUser(user)
	return AuthenticationResult{
		Authorized: true,
		UserID:     id.UserID,
		Username:   id.Username,
		Email:      id.Email,
		Roles:      id.Roles,
	}
}

// CreateToken issues a signed token for username. The identity must resolve
// in the directory; unknown users surface identity.ErrUserNotFound.
func (m *Middleware) CreateToken(ctx context.Context, username string, ttl time.Duration) (string, error) {
	user, err := m.dir.GetUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = m.cfg.TokenTTL
	}
	return m.tokens.Create(identity.FromUser(user), ttl)
}

// VerifyToken verifies a token, preferring the cached identity from a prior
// verification of the same token before falling back to full decoding. When
// a remote verifier is configured, tokens the local service rejects as
// invalid (not expired) get a second chance against the identity provider.
//
// Cached entries are trusted until their exp claim. After a signing-key
// rotation, call InvalidateTokenCache so tokens signed with the retired key
// stop being served from cache.
func (m *Middleware) VerifyToken(tok string) token.VerificationResult {
	if claims, ok := m.cache.Get(tok); ok {
		if claims.ExpiresAt != nil && m.now().Before(claims.ExpiresAt.Time) {
			return token.VerificationResult{Valid: true, Claims: claims}
		}
		m.cache.Remove(tok)
	}
	res := m.tokens.Verify(tok)
	if !res.Valid && res.Error == token.ErrMsgInvalid && m.remote != nil {
		res = m.remote.Verify(tok)
	}
	if res.Valid {
		m.cache.Add(tok, res.Claims)
	}
	return res
}

// InvalidateTokenCache drops every cached verification result. Call it after
// rotating the signing key; until then tokens signed with the retired key
// keep verifying from cache until their exp.
func (m *Middleware) InvalidateTokenCache() {
	m.cache.Purge()
}

// Authorize decides whether userID may perform relation on resource. With a
// remote backend configured its answer is returned verbatim; any backend
// error, retry exhaustion included, fails closed. Without a backend the
// local role policy decides. The outcome is logged at the point of decision;
// callers are told only the boolean.
func (m *Middleware) Authorize(ctx context.Context, userID, relation, resource string, checkCtx map[string]any) bool {
	if m.client != nil {
		opts := []authz.CheckOption{}
		if checkCtx != nil {
			opts = append(opts, authz.WithContext(checkCtx))
		}
		allowed, err := m.client.Check(ctx, userID, relation, resource, opts...)
		if err != nil {
			m.logDecision(ctx, userID, relation, resource, "remote", false)
			m.log.Warn("authorization backend error; failing closed",
				slog.String("user_id", userID), slog.String("err", err.Error()))
			return false
		}
		m.logDecision(ctx, userID, relation, resource, "remote", allowed)
		return allowed
	}

	username := identity.UsernameFromUserID(userID)
	user, err := m.dir.GetUserByUsername(ctx, username)
	if err != nil {
		// Role lookup failure fails closed.
		m.logDecision(ctx, userID, relation, resource, "fallback", false)
		return false
	}
	roles := make([]Role, 0, len(user.Roles))
	for _, r := range user.Roles {
		roles = append(roles, ParseRole(r))
	}
	allowed := localDecision(roles, username, relation, resource)
	m.logDecision(ctx, userID, relation, resource, "fallback", allowed)
	return allowed
}

// ListAccessibleResources enumerates objects of objType on which userID holds
// relation. With no remote backend configured this returns an empty slice:
// a deliberate fail-closed default for enumeration, distinct from the
// permissive role fallback used for point checks. Backend errors also
// resolve to empty.
func (m *Middleware) ListAccessibleResources(ctx context.Context, userID, relation, objType string) []string {
	if m.client == nil {
		return []string{}
	}
	objects, err := m.client.ListObjects(ctx, userID, relation, objType)
	if err != nil {
		m.log.Warn("resource enumeration failed; returning empty set",
			slog.String("user_id", userID), slog.String("err", err.Error()))
		return []string{}
	}
	return objects
}

// StartSession creates a session record for an authenticated identity.
func (m *Middleware) StartSession(ctx context.Context, id identity.Identity, opts ...session.CreateOption) (string, error) {
	return m.sessions.Create(ctx, id.UserID, id.Username, id.Roles, opts...)
}

// SessionIdentity recovers the identity bound to a live session, with the
// same semantics token verification produces.
func (m *Middleware) SessionIdentity(ctx context.Context, sessionID string) (identity.Identity, error) {
	rec, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return identity.Identity{}, err
	}
	return identity.Identity{
		UserID:   rec.UserID,
		Username: rec.Username,
		Roles:    append([]string(nil), rec.Roles...),
	}, nil
}

func (m *Middleware) logDecision(ctx context.Context, userID, relation, resource, source string, allowed bool) {
	ctx = logctx.WithDecisionData(ctx, &logctx.DecisionData{
		Relation: relation,
		Resource: resource,
		Source:   source,
		Allowed:  allowed,
	})
	m.log.InfoContext(ctx, "authorization decision",
		slog.String("user_id", userID),
		slog.String("relation", relation),
		slog.String("resource", resource),
		slog.String("source", source),
		slog.Bool("allowed", allowed),
	)
}
