package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/agentgrid/authcore/session"
	"github.com/agentgrid/authcore/session/storetest"
)

func TestRedisStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, cfg session.Config, now func() time.Time) session.Store {
		mr := miniredis.RunT(t)
		s, err := New(Config{
			RedisAddr: mr.Addr(),
			KeyPrefix: "test:",
			Session:   cfg,
		}, WithClock(now))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}

func TestRecordKeyCarriesTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	clk := storetest.NewClock()
	s, err := New(Config{
		RedisAddr: mr.Addr(),
		KeyPrefix: "test:",
		Session:   session.Config{TTL: time.Hour, MaxConcurrentSessions: 5, Sliding: true},
	}, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	id, err := s.Create(context.Background(), "user:alice", "alice", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ttl := mr.TTL("test:session:" + id)
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("session key ttl: got %v, want (0, 1h]", ttl)
	}
	// Index TTL outlives the session TTL by the configured buffer.
	idxTTL := mr.TTL("test:user_sessions:user:alice")
	if idxTTL <= ttl {
		t.Errorf("index ttl %v should exceed session ttl %v", idxTTL, ttl)
	}
}

func TestRedisExpiryRemovesSession(t *testing.T) {
	mr := miniredis.RunT(t)
	clk := storetest.NewClock()
	s, err := New(Config{
		RedisAddr: mr.Addr(),
		KeyPrefix: "test:",
		Session:   session.Config{TTL: time.Hour, MaxConcurrentSessions: 5, Sliding: true},
	}, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	id, err := s.Create(context.Background(), "user:alice", "alice", nil, session.WithTTL(time.Second))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Simulate Redis expiring the record key itself.
	mr.FastForward(2 * time.Second)

	if _, err := s.Get(context.Background(), id); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("after redis TTL expiry: got err=%v, want ErrNotFound", err)
	}
	recs, err := s.ListUserSessions(context.Background(), "user:alice")
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("index should be cleaned after expiry, got %d entries", len(recs))
	}
}
