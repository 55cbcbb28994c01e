package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentgrid/authcore/authz"
	"github.com/agentgrid/authcore/identity"
	"github.com/agentgrid/authcore/identity/memorydir"
	"github.com/agentgrid/authcore/token"
)

// fakeAuthzClient scripts remote answers without an HTTP server.
type fakeAuthzClient struct {
	allowed bool
	err     error
	objects []string
	checks  int
}

func (f *fakeAuthzClient) Check(ctx context.Context, user, relation, object string, opts ...authz.CheckOption) (bool, error) {
	f.checks++
	return f.allowed, f.err
}

func (f *fakeAuthzClient) ListObjects(ctx context.Context, user, relation, objType string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.objects, nil
}

func testDir(t *testing.T) *memorydir.Directory {
	t.Helper()
	dir := memorydir.New()
	if err := dir.AddUser("alice", "s3cret", "alice@example.com", []string{"user"}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := dir.AddUser("root", "rootpw", "", []string{"admin"}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	return dir
}

func testMiddleware(t *testing.T, opts ...Option) *Middleware {
	t.Helper()
	svc, err := token.New(token.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	m, err := New(testDir(t), svc, Config{}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestAuthenticate(t *testing.T) {
	m := testMiddleware(t)
	ctx := context.Background()

	res := m.Authenticate(ctx, "alice", "s3cret")
	if !res.Authorized {
		t.Fatalf("valid credentials rejected: %+v", res)
	}
	if res.UserID != "user:alice" || res.Username != "alice" {
		t.Errorf("identity: %+v", res)
	}
	if res.Reason != "" {
		t.Errorf("reason on success: %q", res.Reason)
	}
}

func TestAuthenticateReasonCodes(t *testing.T) {
	m := testMiddleware(t)
	ctx := context.Background()

	if res := m.Authenticate(ctx, "alice", ""); res.Authorized || res.Reason != ReasonPasswordRequired {
		t.Errorf("empty password: %+v", res)
	}

	// Unknown user and wrong password must be indistinguishable.
	unknown := m.Authenticate(ctx, "mallory", "whatever")
	wrongPw := m.Authenticate(ctx, "alice", "wrong")
	if unknown.Authorized || wrongPw.Authorized {
		t.Fatalf("bad credentials accepted: %+v %+v", unknown, wrongPw)
	}
	if unknown.Reason != ReasonInvalidCredentials || wrongPw.Reason != ReasonInvalidCredentials {
		t.Errorf("reasons differ: unknown=%q wrong=%q", unknown.Reason, wrongPw.Reason)
	}
}

func TestAuthenticateInactiveAccount(t *testing.T) {
	dir := testDir(t)
	svc, err := token.New(token.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	m, err := New(dir, svc, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dir.SetActive("alice", false)
	res := m.Authenticate(context.Background(), "alice", "s3cret")
	if res.Authorized || res.Reason != ReasonAccountInactive {
		t.Errorf("inactive account: %+v", res)
	}
}

func TestCreateTokenUnknownUser(t *testing.T) {
	m := testMiddleware(t)
	if _, err := m.CreateToken(context.Background(), "mallory", time.Hour); !errors.Is(err, identity.ErrUserNotFound) {
		t.Errorf("CreateToken: err=%v, want ErrUserNotFound", err)
	}
}

func TestCreateAndVerifyToken(t *testing.T) {
	m := testMiddleware(t)
	tok, err := m.CreateToken(context.Background(), "alice", time.Hour)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	res := m.VerifyToken(tok)
	if !res.Valid {
		t.Fatalf("VerifyToken: error=%q", res.Error)
	}
	if id := res.Claims.Identity(); id.UserID != "user:alice" {
		t.Errorf("user_id: %q", id.UserID)
	}
}

func TestVerifyTokenCache(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	svc, err := token.New(token.Config{Secret: "test-secret"}, token.WithClock(clock))
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	m, err := New(testDir(t), svc, Config{}, WithClock(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok, err := m.CreateToken(context.Background(), "alice", time.Minute)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	first := m.VerifyToken(tok)
	if !first.Valid {
		t.Fatalf("first verify: %q", first.Error)
	}
	second := m.VerifyToken(tok)
	if !second.Valid {
		t.Fatalf("cached verify: %q", second.Error)
	}
	if first.Claims != second.Claims {
		t.Error("cached verification should return the cached claims")
	}

	// The cache must not outlive the token.
	now = now.Add(2 * time.Minute)
	if res := m.VerifyToken(tok); res.Valid {
		t.Error("expired token served from cache")
	}
}

// swapKeySource is a KeySource whose secret can be replaced mid-test.
type swapKeySource struct {
	mu  sync.Mutex
	key []byte
}

func (s *swapKeySource) Key() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.key...)
}

func (s *swapKeySource) rotate(k string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = []byte(k)
}

func TestInvalidateTokenCacheAfterKeyRotation(t *testing.T) {
	ks := &swapKeySource{key: []byte("old-secret")}
	svc, err := token.NewWithKeySource(token.Config{}, ks)
	if err != nil {
		t.Fatalf("NewWithKeySource: %v", err)
	}
	m, err := New(testDir(t), svc, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tok, err := m.CreateToken(context.Background(), "alice", time.Hour)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if res := m.VerifyToken(tok); !res.Valid {
		t.Fatalf("verify before rotation: %q", res.Error)
	}

	ks.rotate("new-secret")
	// Cached entries are trusted until exp; the rotation is not visible yet.
	if res := m.VerifyToken(tok); !res.Valid {
		t.Fatalf("cached verify after rotation: %q", res.Error)
	}
	m.InvalidateTokenCache()
	if res := m.VerifyToken(tok); res.Valid {
		t.Error("token signed with the retired key verified after cache invalidation")
	}
}

func TestAuthorizeRemoteVerbatim(t *testing.T) {
	fc := &fakeAuthzClient{allowed: false}
	m := testMiddleware(t, WithAuthorizationClient(fc))
	ctx := context.Background()

	// A remote denial wins even where the local policy would allow.
	if m.Authorize(ctx, "user:alice", "executor", "tool:chat", nil) {
		t.Error("remote denial overridden")
	}
	fc.allowed = true
	if !m.Authorize(ctx, "user:alice", "member", "organization:acme", nil) {
		t.Error("remote allow overridden")
	}
	if fc.checks != 2 {
		t.Errorf("backend checks: %d", fc.checks)
	}
}

func TestAuthorizeFailsClosedOnBackendError(t *testing.T) {
	fc := &fakeAuthzClient{allowed: true, err: authz.ErrRetriesExhausted}
	m := testMiddleware(t, WithAuthorizationClient(fc))

	if m.Authorize(context.Background(), "user:root", "executor", "tool:chat", nil) {
		t.Error("backend error must fail closed, even for an admin")
	}
}

func TestAuthorizeLocalFallback(t *testing.T) {
	m := testMiddleware(t) // no authorization client
	ctx := context.Background()

	tests := []struct {
		userID   string
		relation string
		resource string
		want     bool
	}{
		{"user:alice", "executor", "tool:chat", true},
		{"user:alice", "editor", "conversation:alice_t1", true},
		{"user:alice", "editor", "conversation:bob_t1", false},
		{"user:root", "editor", "conversation:bob_t1", true},
		{"user:mallory", "executor", "tool:chat", false}, // not in the directory
	}
	for _, tc := range tests {
		if got := m.Authorize(ctx, tc.userID, tc.relation, tc.resource, nil); got != tc.want {
			t.Errorf("Authorize(%q, %q, %q): got %v, want %v", tc.userID, tc.relation, tc.resource, got, tc.want)
		}
	}
}

func TestListAccessibleResources(t *testing.T) {
	ctx := context.Background()

	// No backend: enumeration fails closed to an empty, non-nil slice.
	m := testMiddleware(t)
	if got := m.ListAccessibleResources(ctx, "user:alice", "executor", "tool"); got == nil || len(got) != 0 {
		t.Errorf("no backend: got %v", got)
	}

	fc := &fakeAuthzClient{objects: []string{"tool:chat", "tool:search"}}
	m = testMiddleware(t, WithAuthorizationClient(fc))
	if got := m.ListAccessibleResources(ctx, "user:alice", "executor", "tool"); len(got) != 2 {
		t.Errorf("with backend: got %v", got)
	}

	fc.err = errors.New("backend down")
	if got := m.ListAccessibleResources(ctx, "user:alice", "executor", "tool"); got == nil || len(got) != 0 {
		t.Errorf("backend error: got %v", got)
	}
}

func TestDegradedModeInstallsMemoryStore(t *testing.T) {
	m := testMiddleware(t) // no WithSessionStore
	if m.Sessions() == nil {
		t.Fatal("degraded mode must install a session store")
	}

	ctx := context.Background()
	id := identity.Identity{UserID: "user:alice", Username: "alice", Roles: []string{"user"}}
	sid, err := m.StartSession(ctx, id)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	got, err := m.SessionIdentity(ctx, sid)
	if err != nil {
		t.Fatalf("SessionIdentity: %v", err)
	}
	if got.UserID != id.UserID || got.Username != id.Username {
		t.Errorf("session identity: %+v", got)
	}
}
