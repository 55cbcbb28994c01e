// Package memorydir provides an in-memory identity.Directory with bcrypt
// password verification. It is the directory used in tests and in deployments
// that have not wired a remote identity provider.
package memorydir

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentgrid/authcore/identity"
)

// Directory is a concurrency-safe in-memory user store.
type Directory struct {
	mu    sync.RWMutex
	users map[string]*identity.User
}

func New() *Directory {
	return &Directory{users: make(map[string]*identity.User)}
}

// AddUser registers a user with a plaintext password, hashing it with bcrypt.
// An existing record for the same username is replaced.
func (d *Directory) AddUser(username, password, email string, roles []string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[username] = &identity.User{
		Username:     username,
		Email:        email,
		Roles:        append([]string(nil), roles...),
		Active:       true,
		PasswordHash: string(hash),
	}
	return nil
}

// SetActive flips the active flag for username. Unknown users are a no-op.
func (d *Directory) SetActive(username string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[username]; ok {
		u.Active = active
	}
}

func (d *Directory) GetUserByUsername(ctx context.Context, username string) (*identity.User, error) {
	d.mu.RLock()
	u, ok := d.users[username]
	d.mu.RUnlock()
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	// Copy so callers can't mutate the stored record.
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	return &cp, nil
}

func (d *Directory) VerifyPassword(ctx context.Context, username, password string) (bool, error) {
	d.mu.RLock()
	u, ok := d.users[username]
	d.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

var _ identity.Directory = (*Directory)(nil)
