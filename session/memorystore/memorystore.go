// Package memorystore provides an in-memory session.Store. It never touches
// the network and is suitable for single-node deployments and tests.
package memorystore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentgrid/authcore/session"
)

// Store is a concurrency-safe in-memory session store. The per-user index is
// an ordered slice of session ids so the oldest session is evicted in O(1).
type Store struct {
	cfg session.Config
	now func() time.Time

	mu      sync.Mutex
	records map[string]*session.Record
	byUser  map[string][]string // session ids in creation order
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(cfg session.Config, opts ...Option) *Store {
	s := &Store{
		cfg:     cfg.Defaults(),
		now:     time.Now,
		records: make(map[string]*session.Record),
		byUser:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Create(ctx context.Context, userID, username string, roles []string, opts ...session.CreateOption) (string, error) {
	var co session.CreateOptions
	for _, opt := range opts {
		opt(&co)
	}
	ttl := co.TTL
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	id, err := session.NewSessionID()
	if err != nil {
		return "", fmt.Errorf("memorystore: session id: %w", err)
	}
	// Copy the metadata so the caller's map does not alias store-held state.
	var md map[string]any
	if co.Metadata != nil {
		md = make(map[string]any, len(co.Metadata))
		for k, v := range co.Metadata {
			md[k] = v
		}
	}
	now := s.now().UTC()
	rec := &session.Record{
		SessionID:    id,
		UserID:       userID,
		Username:     username,
		Roles:        append([]string(nil), roles...),
		Metadata:     md,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(ttl),
		TTL:          ttl,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Evict-oldest and append happen under the same lock so the cap holds
	// under concurrent creates for the same user.
	ids := s.byUser[userID]
	for len(ids) >= s.cfg.MaxConcurrentSessions {
		oldest := ids[0]
		ids = ids[1:]
		delete(s.records, oldest)
	}
	s.byUser[userID] = append(ids, id)
	s.records[id] = rec
	return id, nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	now := s.now().UTC()
	if !now.Before(rec.ExpiresAt) {
		s.removeLocked(rec)
		return nil, session.ErrNotFound
	}
	if s.cfg.Sliding {
		rec.LastAccessed = now
		rec.ExpiresAt = now.Add(rec.TTL)
	}
	return rec.Clone(), nil
}

func (s *Store) Update(ctx context.Context, sessionID string, md map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return false, nil
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any, len(md))
	}
	for k, v := range md {
		rec.Metadata[k] = v
	}
	rec.LastAccessed = s.now().UTC()
	return true, nil
}

func (s *Store) Refresh(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return false, nil
	}
	if ttl > 0 {
		rec.TTL = ttl
	}
	now := s.now().UTC()
	rec.LastAccessed = now
	rec.ExpiresAt = now.Add(rec.TTL)
	return true, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return false, nil
	}
	s.removeLocked(rec)
	return true, nil
}

func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]*session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var out []*session.Record
	for _, id := range append([]string(nil), s.byUser[userID]...) {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if !now.Before(rec.ExpiresAt) {
			s.removeLocked(rec)
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byUser[userID]
	count := 0
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			count++
		}
	}
	delete(s.byUser, userID)
	return count, nil
}

func (s *Store) GetInactiveSessions(ctx context.Context, cutoff time.Time) ([]*session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*session.Record
	for _, rec := range s.records {
		if rec.LastAccessed.Before(cutoff) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *Store) DeleteInactiveSessions(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*session.Record
	for _, rec := range s.records {
		if rec.LastAccessed.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	for _, rec := range stale {
		s.removeLocked(rec)
	}
	return len(stale), nil
}

func (s *Store) Close() error { return nil }

// removeLocked deletes the record and its index membership. Caller holds mu.
func (s *Store) removeLocked(rec *session.Record) {
	delete(s.records, rec.SessionID)
	ids := s.byUser[rec.UserID]
	for i, id := range ids {
		if id == rec.SessionID {
			s.byUser[rec.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byUser[rec.UserID]) == 0 {
		delete(s.byUser, rec.UserID)
	}
}

var _ session.Store = (*Store)(nil)
