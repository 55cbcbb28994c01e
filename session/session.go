package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no live session exists for the id.
// Absent sessions are an expected outcome, distinct from store connectivity
// failures, which propagate as their own errors.
var ErrNotFound = errors.New("session: not found")

// Record is a server-side session. All timestamps are UTC.
type Record struct {
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	Username     string         `json:"username"`
	Roles        []string       `json:"roles"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	ExpiresAt    time.Time      `json:"expires_at"`

	// TTL is the per-record lifetime used when sliding expiration or Refresh
	// recomputes ExpiresAt.
	TTL time.Duration `json:"ttl"`
}

// Clone returns a deep copy so callers cannot mutate store-held state.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Roles = append([]string(nil), r.Roles...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Config controls store-wide session behavior. The zero value is usable:
// defaults are applied by the backends.
type Config struct {
	// TTL is the default session lifetime. ENV: SESSION_TTL
	TTL time.Duration `env:"SESSION_TTL,default=1h"`
	// MaxConcurrentSessions caps live sessions per user; creating one more
	// evicts the chronologically oldest. ENV: SESSION_MAX_CONCURRENT
	MaxConcurrentSessions int `env:"SESSION_MAX_CONCURRENT,default=5"`
	// Sliding controls whether successful reads advance the expiry window.
	// ENV: SESSION_SLIDING
	Sliding bool `env:"SESSION_SLIDING,default=true"`
}

// Defaults fills unset fields.
func (c Config) Defaults() Config {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 5
	}
	return c
}

// CreateOption configures a single Create call.
type CreateOption func(*CreateOptions)

// CreateOptions carries per-create overrides.
type CreateOptions struct {
	Metadata map[string]any
	TTL      time.Duration
}

// WithMetadata attaches initial metadata to the new session.
func WithMetadata(md map[string]any) CreateOption {
	return func(o *CreateOptions) { o.Metadata = md }
}

// WithTTL overrides the store-default lifetime for this session.
func WithTTL(ttl time.Duration) CreateOption {
	return func(o *CreateOptions) { o.TTL = ttl }
}

// Store owns session records keyed by session id. All operations are safe for
// concurrent use. Backends differ only in storage mechanics; the contract is
// identical (see storetest for the conformance suite both must pass).
type Store interface {
	// Create mints a session for the user. If the user already holds the
	// concurrency cap, the oldest session (by creation order, not last
	// access) is evicted first.
	Create(ctx context.Context, userID, username string, roles []string, opts ...CreateOption) (string, error)

	// Get returns the live record or ErrNotFound. A record whose expiry has
	// passed is deleted as a side effect and reported as not found. Stores
	// configured for sliding expiration advance LastAccessed/ExpiresAt on
	// every successful Get.
	Get(ctx context.Context, sessionID string) (*Record, error)

	// Update merges md into the session's metadata (existing keys are
	// overwritten, others preserved) and advances LastAccessed. Returns
	// false if the session is absent.
	Update(ctx context.Context, sessionID string, md map[string]any) (bool, error)

	// Refresh resets LastAccessed to now and ExpiresAt to now+ttl. A
	// non-positive ttl keeps the record's current lifetime. Returns false if
	// the session is absent.
	Refresh(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)

	// Delete removes the record and its membership in the owner's index.
	// Deleting an absent session returns false, not an error.
	Delete(ctx context.Context, sessionID string) (bool, error)

	// ListUserSessions returns the user's currently-valid sessions; expired
	// entries encountered during the scan are deleted as a side effect.
	ListUserSessions(ctx context.Context, userID string) ([]*Record, error)

	// DeleteUserSessions removes every session owned by the user and
	// returns how many were deleted.
	DeleteUserSessions(ctx context.Context, userID string) (int, error)

	// GetInactiveSessions returns sessions whose LastAccessed is before
	// cutoff, regardless of expiry. This is retention-policy cleanup, not
	// security expiry.
	GetInactiveSessions(ctx context.Context, cutoff time.Time) ([]*Record, error)

	// DeleteInactiveSessions removes sessions whose LastAccessed is before
	// cutoff and returns the count.
	DeleteInactiveSessions(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}

// NewSessionID returns a 32-character cryptographically random id.
func NewSessionID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
