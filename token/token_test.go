package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentgrid/authcore/identity"
)

func testIdentity() identity.Identity {
	return identity.Identity{UserID: "user:alice", Username: "alice", Roles: []string{"user"}}
}

func newService(t *testing.T, now func() time.Time) *Service {
	t.Helper()
	s, err := New(Config{Secret: "test-secret", Leeway: time.Second}, WithClock(now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestCreateVerifyRoundTrip(t *testing.T) {
	s := newService(t, time.Now)
	id := identity.Identity{
		UserID:   "user:alice",
		Username: "alice",
		Email:    "alice@example.com",
		Roles:    []string{"user", "premium"},
	}
	tok, err := s.Create(id, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res := s.Verify(tok)
	if !res.Valid {
		t.Fatalf("Verify: valid=false, error=%q", res.Error)
	}
	got := res.Claims.Identity()
	if got.UserID != "user:alice" {
		t.Errorf("user_id: got %q, want %q", got.UserID, "user:alice")
	}
	if got.Username != "alice" || got.Email != "alice@example.com" {
		t.Errorf("identity: got %+v", got)
	}
	if len(got.Roles) != 2 {
		t.Errorf("roles: got %v", got.Roles)
	}
}

func TestVerifyExpired(t *testing.T) {
	now := time.Now()
	s := newService(t, func() time.Time { return now })

	tok, err := s.Create(identity.Identity{UserID: "user:alice", Username: "alice"}, time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	now = now.Add(2 * time.Minute)
	res := s.Verify(tok)
	if res.Valid {
		t.Fatal("expired token verified as valid")
	}
	if res.Error != ErrMsgExpired {
		t.Errorf("error: got %q, want %q", res.Error, ErrMsgExpired)
	}
}

func TestVerifyMalformedNeverPanics(t *testing.T) {
	s := newService(t, time.Now)
	for _, tok := range []string{
		"",
		"garbage",
		"a.b",
		"a.b.c",
		"eyJhbGciOiJIUzI1NiJ9.e30.",
		strings.Repeat("x", 4096),
	} {
		res := s.Verify(tok)
		if res.Valid {
			t.Errorf("malformed token %q verified as valid", tok)
		}
		if res.Error != ErrMsgInvalid {
			t.Errorf("malformed token %q: error=%q, want %q", tok, res.Error, ErrMsgInvalid)
		}
	}
}

func TestVerifyWrongSignature(t *testing.T) {
	s := newService(t, time.Now)
	other, err := New(Config{Secret: "other-secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok, err := other.Create(identity.Identity{UserID: "user:alice", Username: "alice"}, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res := s.Verify(tok)
	if res.Valid {
		t.Fatal("foreign-signed token verified as valid")
	}
	if res.Error != ErrMsgInvalid {
		t.Errorf("error: got %q, want %q", res.Error, ErrMsgInvalid)
	}
}

func TestPreferredUsernameWinsOverSub(t *testing.T) {
	s := newService(t, time.Now)

	// Simulate an IdP-shaped token whose sub is an opaque id.
	claims := &Claims{
		PreferredUsername: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "af8a1e2c-opaque-subject",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	res := s.Verify(raw)
	if !res.Valid {
		t.Fatalf("Verify: valid=false, error=%q", res.Error)
	}
	id := res.Claims.Identity()
	if id.Username != "alice" {
		t.Errorf("username: got %q, want %q", id.Username, "alice")
	}
	if id.UserID != "user:alice" {
		t.Errorf("user_id must normalize to user:<username>, got %q", id.UserID)
	}
}

func TestAudienceEnforced(t *testing.T) {
	issue, err := New(Config{Secret: "test-secret", Audience: "svc-a"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	verifyB, err := New(Config{Secret: "test-secret", Audience: "svc-b"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tok, err := issue.Create(identity.Identity{UserID: "user:alice", Username: "alice"}, time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res := issue.Verify(tok); !res.Valid {
		t.Errorf("same-audience verify failed: %q", res.Error)
	}
	if res := verifyB.Verify(tok); res.Valid {
		t.Error("cross-audience token verified as valid")
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	s := newService(t, time.Now)
	if _, err := s.Create(identity.Identity{}, time.Hour); err == nil {
		t.Error("Create with empty identity should fail")
	}
	if _, err := s.Create(identity.Identity{Username: "alice"}, 0); err == nil {
		t.Error("Create with zero ttl should fail")
	}
}
