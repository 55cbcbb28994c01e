// Package storetest provides the conformance suite every session.Store
// backend must pass. Backends register a factory; the suite drives the full
// contract through it with a controllable clock.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentgrid/authcore/session"
)

// Clock is a controllable time source for store tests.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Factory creates a fresh store for one test using the given config and
// clock.
type Factory func(t *testing.T, cfg session.Config, now func() time.Time) session.Store

// Run runs the complete session.Store conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGetRoundTrip", func(t *testing.T) { testCreateAndGetRoundTrip(t, factory) })
	t.Run("SessionIDsAreLongAndUnique", func(t *testing.T) { testSessionIDs(t, factory) })
	t.Run("ConcurrencyCapEvictsOldest", func(t *testing.T) { testCapEvictsOldest(t, factory) })
	t.Run("SlidingGetAdvancesExpiry", func(t *testing.T) { testSlidingGet(t, factory) })
	t.Run("NonSlidingGetKeepsExpiry", func(t *testing.T) { testNonSlidingGet(t, factory) })
	t.Run("ExpiredSessionIsLazilyDeleted", func(t *testing.T) { testLazyExpiry(t, factory) })
	t.Run("UpdateMergesMetadata", func(t *testing.T) { testUpdateMerges(t, factory) })
	t.Run("ConcurrentUpdatesPreserveEveryMerge", func(t *testing.T) { testConcurrentUpdates(t, factory) })
	t.Run("CreateCopiesCallerMetadata", func(t *testing.T) { testCreateCopiesMetadata(t, factory) })
	t.Run("RefreshResetsWindow", func(t *testing.T) { testRefresh(t, factory) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDeleteIdempotent(t, factory) })
	t.Run("ListUserSessionsSkipsExpired", func(t *testing.T) { testListSkipsExpired(t, factory) })
	t.Run("DeleteUserSessions", func(t *testing.T) { testDeleteUserSessions(t, factory) })
	t.Run("InactiveSessionReclamation", func(t *testing.T) { testInactiveReclamation(t, factory) })
	t.Run("ConcurrentCreatesHoldTheCap", func(t *testing.T) { testConcurrentCreates(t, factory) })
}

func defaultCfg() session.Config {
	return session.Config{TTL: time.Hour, MaxConcurrentSessions: 5, Sliding: true}
}

func testCreateAndGetRoundTrip(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user:alice", "alice", []string{"user", "premium"},
		session.WithMetadata(map[string]any{"device": "laptop"}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.SessionID != id {
		t.Errorf("session id: got %q, want %q", rec.SessionID, id)
	}
	if rec.UserID != "user:alice" || rec.Username != "alice" {
		t.Errorf("identity fields: got %q/%q", rec.UserID, rec.Username)
	}
	if len(rec.Roles) != 2 || rec.Roles[0] != "user" || rec.Roles[1] != "premium" {
		t.Errorf("roles: got %v", rec.Roles)
	}
	if rec.Metadata["device"] != "laptop" {
		t.Errorf("metadata: got %v", rec.Metadata)
	}
	if !rec.ExpiresAt.After(clk.Now()) {
		t.Errorf("expires_at %v not after now %v", rec.ExpiresAt, clk.Now())
	}
}

func testSessionIDs(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := s.Create(ctx, "user:alice", "alice", nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if len(id) < 32 {
			t.Fatalf("session id %q shorter than 32 chars", id)
		}
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func testCapEvictsOldest(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Create(ctx, "user:alice", "alice", nil)
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		ids = append(ids, id)
		clk.Advance(time.Second)
	}
	sixth, err := s.Create(ctx, "user:alice", "alice", nil)
	if err != nil {
		t.Fatalf("Create 6th: %v", err)
	}

	if _, err := s.Get(ctx, ids[0]); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("oldest session should be evicted, got err=%v", err)
	}
	for _, id := range append(ids[1:], sixth) {
		if _, err := s.Get(ctx, id); err != nil {
			t.Errorf("session %s should survive: %v", id, err)
		}
	}
	recs, err := s.ListUserSessions(ctx, "user:alice")
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	if len(recs) != 5 {
		t.Errorf("live sessions after 6th create: got %d, want 5", len(recs))
	}
}

func testSlidingGet(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user:alice", "alice", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	clk.Advance(30 * time.Minute)
	second, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after advance: %v", err)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Errorf("sliding get should advance expiry: first %v, second %v", first.ExpiresAt, second.ExpiresAt)
	}
	if !second.LastAccessed.After(first.LastAccessed) {
		t.Errorf("sliding get should advance last_accessed")
	}

	// Keep touching past the original deadline: the session must stay live.
	clk.Advance(45 * time.Minute)
	if _, err := s.Get(ctx, id); err != nil {
		t.Errorf("session should still be live under sliding expiry: %v", err)
	}
}

func testNonSlidingGet(t *testing.T, factory Factory) {
	clk := NewClock()
	cfg := defaultCfg()
	cfg.Sliding = false
	s := factory(t, cfg, clk.Now)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user:alice", "alice", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	clk.Advance(30 * time.Minute)
	second, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !second.ExpiresAt.Equal(first.ExpiresAt) {
		t.Errorf("non-sliding get must not move expiry: first %v, second %v", first.ExpiresAt, second.ExpiresAt)
	}
}

func testLazyExpiry(t *testing.T, factory Factory) {
	clk := NewClock()
	cfg := defaultCfg()
	s := factory(t, cfg, clk.Now)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user:alice", "alice", nil, session.WithTTL(time.Second))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clk.Advance(2 * time.Second)

	if _, err := s.Get(ctx, id); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expired session: got err=%v, want ErrNotFound", err)
	}
	recs, err := s.ListUserSessions(ctx, "user:alice")
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expired session should be gone from the list, got %d", len(recs))
	}
}

func testUpdateMerges(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user:alice", "alice", nil,
		session.WithMetadata(map[string]any{"device": "laptop", "ip": "10.0.0.1"}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := s.Update(ctx, id, map[string]any{"ip": "10.0.0.2", "locale": "en"})
	if err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Metadata["device"] != "laptop" {
		t.Errorf("merge must preserve untouched keys, got %v", rec.Metadata)
	}
	if rec.Metadata["ip"] != "10.0.0.2" || rec.Metadata["locale"] != "en" {
		t.Errorf("merge must overwrite and add keys, got %v", rec.Metadata)
	}

	ok, err = s.Update(ctx, "missing-session-id", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Update absent: %v", err)
	}
	if ok {
		t.Error("Update on absent session should report false")
	}
}

func testConcurrentUpdates(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user:alice", "alice", nil,
		session.WithMetadata(map[string]any{"device": "laptop"}))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Each writer merges one distinct key; readers interleave so a sliding
	// write-back cannot quietly restore a stale record either. Every merge
	// must survive.
	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%02d", i)
			ok, err := s.Update(ctx, id, map[string]any{key: "v"})
			if err != nil || !ok {
				t.Errorf("Update %s: ok=%v err=%v", key, ok, err)
			}
			if _, err := s.Get(ctx, id); err != nil {
				t.Errorf("Get during updates: %v", err)
			}
		}(i)
	}
	wg.Wait()

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Metadata["device"] != "laptop" {
		t.Errorf("initial metadata lost: %v", rec.Metadata)
	}
	lost := 0
	for i := 0; i < writers; i++ {
		if rec.Metadata[fmt.Sprintf("k%02d", i)] != "v" {
			lost++
		}
	}
	if lost > 0 {
		t.Errorf("concurrent merges lost: %d of %d keys missing", lost, writers)
	}
}

func testCreateCopiesMetadata(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	md := map[string]any{"device": "laptop"}
	id, err := s.Create(ctx, "user:alice", "alice", nil, session.WithMetadata(md))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Mutating the map after Create must not reach the stored record.
	md["device"] = "phone"
	md["extra"] = "x"

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Metadata["device"] != "laptop" || len(rec.Metadata) != 1 {
		t.Errorf("caller mutation leaked into store: %v", rec.Metadata)
	}
}

func testRefresh(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user:alice", "alice", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := s.Refresh(ctx, id, 0)
	if err != nil || !ok {
		t.Fatalf("Refresh: ok=%v err=%v", ok, err)
	}
	first, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Two refreshes in immediate succession: expiry must be monotonically
	// non-decreasing.
	if _, err := s.Refresh(ctx, id, 0); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := s.Refresh(ctx, id, 0); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	second, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if second.ExpiresAt.Before(first.ExpiresAt) {
		t.Errorf("refresh moved expiry backwards: %v -> %v", first.ExpiresAt, second.ExpiresAt)
	}

	// Explicit TTL reset.
	clk.Advance(time.Minute)
	if _, err := s.Refresh(ctx, id, 2*time.Hour); err != nil {
		t.Fatalf("Refresh with ttl: %v", err)
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got, want := rec.ExpiresAt, clk.Now().Add(2*time.Hour); !got.Equal(want) {
		t.Errorf("refresh ttl: expires_at got %v, want %v", got, want)
	}

	ok, err = s.Refresh(ctx, "missing-session-id", 0)
	if err != nil {
		t.Fatalf("Refresh absent: %v", err)
	}
	if ok {
		t.Error("Refresh on absent session should report false")
	}
}

func testDeleteIdempotent(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user:alice", "alice", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := s.Delete(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}
	ok, err = s.Delete(ctx, id)
	if err != nil {
		t.Fatalf("second Delete errored: %v", err)
	}
	if ok {
		t.Error("second Delete should report false, not an error")
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("deleted session: got err=%v, want ErrNotFound", err)
	}
}

func testListSkipsExpired(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Create(ctx, "user:alice", "alice", nil, session.WithTTL(time.Minute)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	keep, err := s.Create(ctx, "user:alice", "alice", nil, session.WithTTL(time.Hour))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clk.Advance(10 * time.Minute)

	recs, err := s.ListUserSessions(ctx, "user:alice")
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	if len(recs) != 1 || recs[0].SessionID != keep {
		t.Errorf("list should contain only the live session, got %d", len(recs))
	}
}

func testDeleteUserSessions(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Create(ctx, "user:alice", "alice", nil); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	bobID, err := s.Create(ctx, "user:bob", "bob", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := s.DeleteUserSessions(ctx, "user:alice")
	if err != nil {
		t.Fatalf("DeleteUserSessions: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted count: got %d, want 3", n)
	}
	recs, err := s.ListUserSessions(ctx, "user:alice")
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("alice should have no sessions, got %d", len(recs))
	}
	if _, err := s.Get(ctx, bobID); err != nil {
		t.Errorf("bob's session must be untouched: %v", err)
	}
}

func testInactiveReclamation(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	stale, err := s.Create(ctx, "user:alice", "alice", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clk.Advance(91 * 24 * time.Hour)
	fresh, err := s.Create(ctx, "user:alice", "alice", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	clk.Advance(time.Hour)

	cutoff := clk.Now().Add(-30 * 24 * time.Hour)
	inactive, err := s.GetInactiveSessions(ctx, cutoff)
	if err != nil {
		t.Fatalf("GetInactiveSessions: %v", err)
	}
	if len(inactive) != 1 || inactive[0].SessionID != stale {
		t.Fatalf("inactive scan: got %d records, want the stale one", len(inactive))
	}

	n, err := s.DeleteInactiveSessions(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteInactiveSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted count: got %d, want 1", n)
	}
	if _, err := s.Get(ctx, fresh); err != nil {
		t.Errorf("fresh session must survive reclamation: %v", err)
	}
}

func testConcurrentCreates(t *testing.T, factory Factory) {
	clk := NewClock()
	s := factory(t, defaultCfg(), clk.Now)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Create(ctx, "user:alice", "alice", nil); err != nil {
				t.Errorf("Create: %v", err)
			}
		}()
	}
	wg.Wait()

	recs, err := s.ListUserSessions(ctx, "user:alice")
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	if len(recs) > 5 {
		t.Errorf("cap exceeded under concurrent creates: got %d live sessions", len(recs))
	}
}
