package token

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStaticKey(t *testing.T) {
	k := StaticKey("secret")
	if string(k.Key()) != "secret" {
		t.Errorf("Key: got %q", k.Key())
	}
}

func TestFileKeySourceLoadsAndRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signing.key")
	if err := os.WriteFile(path, []byte("first-secret\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	ks, err := NewFileKeySource(path, slog.Default())
	if err != nil {
		t.Fatalf("NewFileKeySource: %v", err)
	}
	defer ks.Close()

	if got := ks.Key(); string(got) != "first-secret" {
		t.Fatalf("initial key: got %q", got)
	}

	if err := os.WriteFile(path, []byte("second-secret\n"), 0o600); err != nil {
		t.Fatalf("rewrite key file: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if bytes.Equal(ks.Key(), []byte("second-secret")) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("key did not rotate; still %q", ks.Key())
}

func TestFileKeySourceRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signing.key")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	if _, err := NewFileKeySource(path, nil); err == nil {
		t.Fatal("empty key file should be rejected")
	}
}

func TestServiceWithRotatingKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signing.key")
	if err := os.WriteFile(path, []byte("rotating-secret"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	ks, err := NewFileKeySource(path, nil)
	if err != nil {
		t.Fatalf("NewFileKeySource: %v", err)
	}
	defer ks.Close()

	s, err := NewWithKeySource(Config{}, ks)
	if err != nil {
		t.Fatalf("NewWithKeySource: %v", err)
	}
	tok, err := s.Create(testIdentity(), time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res := s.Verify(tok); !res.Valid {
		t.Errorf("Verify with file-backed key failed: %q", res.Error)
	}
}
