package memorydir

import (
	"context"
	"errors"
	"testing"

	"github.com/agentgrid/authcore/identity"
)

func TestLookupAndVerify(t *testing.T) {
	dir := New()
	if err := dir.AddUser("alice", "s3cret", "alice@example.com", []string{"user", "premium"}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	ctx := context.Background()

	u, err := dir.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u.Email != "alice@example.com" || !u.Active || len(u.Roles) != 2 {
		t.Errorf("user: %+v", u)
	}

	ok, err := dir.VerifyPassword(ctx, "alice", "s3cret")
	if err != nil || !ok {
		t.Errorf("correct password: ok=%v err=%v", ok, err)
	}
	ok, err = dir.VerifyPassword(ctx, "alice", "wrong")
	if err != nil || ok {
		t.Errorf("wrong password: ok=%v err=%v", ok, err)
	}
	// Unknown user is a mismatch, not an error.
	ok, err = dir.VerifyPassword(ctx, "mallory", "s3cret")
	if err != nil || ok {
		t.Errorf("unknown user: ok=%v err=%v", ok, err)
	}
}

func TestUnknownUserSentinel(t *testing.T) {
	dir := New()
	if _, err := dir.GetUserByUsername(context.Background(), "nobody"); !errors.Is(err, identity.ErrUserNotFound) {
		t.Errorf("err=%v, want ErrUserNotFound", err)
	}
}

func TestSetActive(t *testing.T) {
	dir := New()
	_ = dir.AddUser("alice", "s3cret", "", []string{"user"})
	dir.SetActive("alice", false)

	u, err := dir.GetUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u.Active {
		t.Error("account should be inactive")
	}
	dir.SetActive("alice", true)
	u, _ = dir.GetUserByUsername(context.Background(), "alice")
	if !u.Active {
		t.Error("account should be active again")
	}
}

func TestReturnedRecordIsACopy(t *testing.T) {
	dir := New()
	_ = dir.AddUser("alice", "s3cret", "", []string{"user"})
	ctx := context.Background()

	u, _ := dir.GetUserByUsername(ctx, "alice")
	u.Roles[0] = "admin"
	u.Active = false

	fresh, _ := dir.GetUserByUsername(ctx, "alice")
	if fresh.Roles[0] != "user" || !fresh.Active {
		t.Errorf("stored record was mutated through the returned copy: %+v", fresh)
	}
}
