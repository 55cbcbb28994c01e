// Package redisstore provides a Redis-backed session.Store for distributed
// deployments. Records live at "session:<id>" with a TTL equal to the session
// lifetime; per-user membership lives at "user_sessions:<user_id>" as an
// ordered list whose TTL carries a buffer so it outlives transient session
// creation races.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/agentgrid/authcore/session"
)

// Default timeouts for Redis operations. Every outbound call is bounded.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=authcore:"`
	// IndexTTLBuffer extends the user-index TTL past the session TTL.
	// ENV: SESSIONS_INDEX_TTL_BUFFER
	IndexTTLBuffer time.Duration `env:"SESSIONS_INDEX_TTL_BUFFER,default=5m"`

	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT,default=5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT,default=3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT,default=3s"`

	// Session holds store-wide session behavior (TTL, cap, sliding).
	Session session.Config
}

// Store implements session.Store on Redis.
type Store struct {
	client *redis.Client
	prefix string
	buffer time.Duration
	cfg    session.Config
	now    func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config, opts ...Option) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	dial, read, write := cfg.DialTimeout, cfg.ReadTimeout, cfg.WriteTimeout
	if dial == 0 {
		dial = DefaultDialTimeout
	}
	if read == 0 {
		read = DefaultReadTimeout
	}
	if write == 0 {
		write = DefaultWriteTimeout
	}
	cl := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  dial,
		ReadTimeout:  read,
		WriteTimeout: write,
	})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "authcore:"
	}
	buffer := cfg.IndexTTLBuffer
	if buffer <= 0 {
		buffer = 5 * time.Minute
	}
	s := &Store{
		client: cl,
		prefix: prefix,
		buffer: buffer,
		cfg:    cfg.Session.Defaults(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, opts...)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// --- Key helpers ---

func (s *Store) sessionKey(id string) string { return s.prefix + "session:" + id }

func (s *Store) userIndexKey(userID string) string { return s.prefix + "user_sessions:" + userID }

// createScript trims the user index to make room for the new id and appends
// it, deleting evicted session records, as one atomic unit. Without this a
// race between two creates for the same user could exceed the cap.
var createScript = redis.NewScript(`
local idx = KEYS[1]
local max = tonumber(ARGV[1])
local newid = ARGV[2]
local prefix = ARGV[3]
local idxttl = tonumber(ARGV[4])
while redis.call('LLEN', idx) >= max do
  local old = redis.call('LPOP', idx)
  if not old then break end
  redis.call('DEL', prefix .. old)
end
redis.call('RPUSH', idx, newid)
redis.call('PEXPIRE', idx, idxttl)
return 1
`)

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
		return "", fmt.Errorf("redisstore: session id: %w", err)
	}
	now := s.now().UTC()
	rec := &session.Record{
		SessionID:    id,
		UserID:       userID,
		Username:     username,
		Roles:        append([]string(nil), roles...),
		Metadata:     co.Metadata,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(ttl),
		TTL:          ttl,
	}
	if err := s.writeRecord(ctx, rec, ttl); err != nil {
		return "", err
	}
	keys := []string{s.userIndexKey(userID)}
	argv := []any{
		s.cfg.MaxConcurrentSessions,
		id,
		s.prefix + "session:",
		(ttl + s.buffer).Milliseconds(),
	}
	if err := createScript.Run(ctx, s.client, keys, argv...).Err(); err != nil {
		// Roll back the record so an index failure doesn't leave an
		// untracked session.
		_ = s.client.Del(context.WithoutCancel(ctx), s.sessionKey(id)).Err()
		return "", fmt.Errorf("redisstore: index update: %w", err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*session.Record, error) {
	if !s.cfg.Sliding {
		rec, err := s.readRecord(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !s.now().UTC().Before(rec.ExpiresAt) {
			s.removeRecord(ctx, rec)
			return nil, session.ErrNotFound
		}
		return rec, nil
	}

	// The sliding write-back is a read-modify-write: run it as an optimistic
	// transaction so it cannot write a stale record over a concurrent
	// metadata merge.
	key := s.sessionKey(sessionID)
	var out *session.Record
	err := s.runWatch(ctx, key, func(tx *redis.Tx) error {
		out = nil
		rec, err := decodeRecord(tx.Get(ctx, key))
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if !now.Before(rec.ExpiresAt) {
			s.removeRecord(ctx, rec)
			return session.ErrNotFound
		}
		rec.LastAccessed = now
		rec.ExpiresAt = now.Add(rec.TTL)
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("redisstore: encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, rec.TTL)
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = s.client.PExpire(ctx, s.userIndexKey(out.UserID), out.TTL+s.buffer).Err()
	return out, nil
}

func (s *Store) Update(ctx context.Context, sessionID string, md map[string]any) (bool, error) {
	key := s.sessionKey(sessionID)
	found := false
	err := s.runWatch(ctx, key, func(tx *redis.Tx) error {
		found = false
		rec, err := decodeRecord(tx.Get(ctx, key))
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := s.now().UTC()
		// Metadata updates do not extend the lifetime; keep the remaining TTL.
		remaining := rec.ExpiresAt.Sub(now)
		if remaining <= 0 {
			s.removeRecord(ctx, rec)
			return nil
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			rec.Metadata[k] = v
		}
		rec.LastAccessed = now
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("redisstore: encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, remaining)
			return nil
		})
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (s *Store) Refresh(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	key := s.sessionKey(sessionID)
	found := false
	var userID string
	var indexTTL time.Duration
	err := s.runWatch(ctx, key, func(tx *redis.Tx) error {
		found = false
		rec, err := decodeRecord(tx.Get(ctx, key))
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if ttl > 0 {
			rec.TTL = ttl
		}
		now := s.now().UTC()
		rec.LastAccessed = now
		rec.ExpiresAt = now.Add(rec.TTL)
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("redisstore: encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, rec.TTL)
			return nil
		})
		if err != nil {
			return err
		}
		found = true
		userID = rec.UserID
		indexTTL = rec.TTL + s.buffer
		return nil
	})
	if err != nil {
		return false, err
	}
	if found {
		_ = s.client.PExpire(ctx, s.userIndexKey(userID), indexTTL).Err()
	}
	return found, nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	rec, err := s.readRecord(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.removeRecord(ctx, rec)
	return true, nil
}

func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]*session.Record, error) {
	ids, err := s.client.LRange(ctx, s.userIndexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list index: %w", err)
	}
	now := s.now().UTC()
	var out []*session.Record
	for _, id := range ids {
		rec, err := s.readRecord(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			// Record expired out from under the index; drop the entry.
			_ = s.client.LRem(ctx, s.userIndexKey(userID), 0, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if !now.Before(rec.ExpiresAt) {
			s.removeRecord(ctx, rec)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	idx := s.userIndexKey(userID)
	ids, err := s.client.LRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: list index: %w", err)
	}
	count := 0
	for _, id := range ids {
		n, err := s.client.Del(ctx, s.sessionKey(id)).Result()
		if err != nil {
			return count, fmt.Errorf("redisstore: delete session: %w", err)
		}
		count += int(n)
	}
	if err := s.client.Del(ctx, idx).Err(); err != nil {
		return count, fmt.Errorf("redisstore: delete index: %w", err)
	}
	return count, nil
}

func (s *Store) GetInactiveSessions(ctx context.Context, cutoff time.Time) ([]*session.Record, error) {
	var out []*session.Record
	err := s.scanSessions(ctx, func(rec *session.Record) error {
		if rec.LastAccessed.Before(cutoff) {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteInactiveSessions(ctx context.Context, cutoff time.Time) (int, error) {
	count := 0
	err := s.scanSessions(ctx, func(rec *session.Record) error {
		if rec.LastAccessed.Before(cutoff) {
			s.removeRecord(ctx, rec)
			count++
		}
		return nil
	})
	return count, err
}

// --- Helpers ---

// watchRetries bounds optimistic-transaction retries under write contention
// on a single session.
const watchRetries = 256

// runWatch runs txn as a WATCH transaction on key, retrying while concurrent
// writers invalidate it. Session mutations are read-modify-write over a JSON
// record; without the WATCH a concurrent writer between the read and the SET
// would be silently overwritten.
func (s *Store) runWatch(ctx context.Context, key string, txn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < watchRetries; i++ {
		err = s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redisstore: %s: transaction conflict persisted: %w", key, err)
}

func decodeRecord(cmd *redis.StringCmd) (*session.Record, error) {
	b, err := cmd.Bytes()
	if err == redis.Nil {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get session: %w", err)
	}
	var rec session.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("redisstore: decode session: %w", err)
	}
	return &rec, nil
}

func (s *Store) readRecord(ctx context.Context, sessionID string) (*session.Record, error) {
	return decodeRecord(s.client.Get(ctx, s.sessionKey(sessionID)))
}

func (s *Store) writeRecord(ctx context.Context, rec *session.Record, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redisstore: encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(rec.SessionID), b, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set session: %w", err)
	}
	return nil
}

// removeRecord is best-effort: the record key carries a TTL, so a partial
// failure self-heals when Redis expires it.
func (s *Store) removeRecord(ctx context.Context, rec *session.Record) {
	c := context.WithoutCancel(ctx)
	_ = s.client.Del(c, s.sessionKey(rec.SessionID)).Err()
	_ = s.client.LRem(c, s.userIndexKey(rec.UserID), 0, rec.SessionID).Err()
}

// scanSessions walks all session records under the prefix with SCAN to avoid
// blocking Redis.
func (s *Store) scanSessions(ctx context.Context, fn func(*session.Record) error) error {
	pattern := s.prefix + "session:*"
	var cursor uint64
	for {
		keys, cur, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("redisstore: scan: %w", err)
		}
		for _, key := range keys {
			b, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return fmt.Errorf("redisstore: get session: %w", err)
			}
			var rec session.Record
			if err := json.Unmarshal(b, &rec); err != nil {
				continue
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		if cur == 0 {
			return nil
		}
		cursor = cur
	}
}

var _ session.Store = (*Store)(nil)
