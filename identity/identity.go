package identity

import (
	"context"
	"errors"
	"strings"
)

// ErrUserNotFound indicates the directory has no record for the requested
// username. Callers must not surface this distinctly from a bad password to
// end users.
var ErrUserNotFound = errors.New("identity: user not found")

// Identity represents an authenticated principal for the lifetime of a
// request. It is never persisted by this module; the backing directory is an
// external collaborator.
type Identity struct {
	// UserID is always in the normalized "user:<username>" form. The
	// authorization layer indexes everything by this exact string.
	UserID   string
	Username string
	Email    string
	Roles    []string
}

// HasRole reports whether the identity carries the given role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// User is a directory record. PasswordHash is a bcrypt hash; directories
// backed by a remote identity provider may leave it empty and implement
// VerifyPassword against the provider instead.
type User struct {
	Username     string
	Email        string
	Roles        []string
	Active       bool
	PasswordHash string
}

// Directory abstracts the user store. Implementations may be in-memory or a
// remote identity provider; the middleware treats both uniformly.
type Directory interface {
	// GetUserByUsername returns ErrUserNotFound when no record exists.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// VerifyPassword reports whether the password matches the stored
	// credential for username. Unknown users report false, not an error.
	VerifyPassword(ctx context.Context, username, password string) (bool, error)
}

// NormalizeUserID maps any of the accepted subject shapes to the canonical
// "user:<username>" form. Already-normalized input passes through unchanged.
func NormalizeUserID(subject string) string {
	if strings.HasPrefix(subject, "user:") {
		return subject
	}
	return "user:" + subject
}

// UsernameFromUserID strips the "user:" namespace from a normalized id. Input
// without the namespace is returned as-is.
func UsernameFromUserID(userID string) string {
	return strings.TrimPrefix(userID, "user:")
}

// FromUser builds a request-scoped Identity from a directory record.
func FromUser(u *User) Identity {
	return Identity{
		UserID:   NormalizeUserID(u.Username),
		Username: u.Username,
		Email:    u.Email,
		Roles:    append([]string(nil), u.Roles...),
	}
}
