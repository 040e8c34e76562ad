package secrets

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := store.Set("k", []byte("value")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := store.Get("k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("value")) {
		t.Errorf("Got %q, want %q", got, "value")
	}

	// The store must hold its own copy.
	got[0] = 'X'
	again, err := store.Get("k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(again, []byte("value")) {
		t.Error("Store value mutated through a returned slice")
	}

	if err := store.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestLocalSealerRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)

	sealer, err := NewLocalSealer(key)
	if err != nil {
		t.Fatalf("NewLocalSealer failed: %v", err)
	}

	sealed, err := sealer.Seal([]byte("plaintext secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("plaintext secret")) {
		t.Error("Sealed blob contains plaintext")
	}

	opened, err := sealer.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal failed: %v", err)
	}
	if !bytes.Equal(opened, []byte("plaintext secret")) {
		t.Errorf("Round trip mismatch: %q", opened)
	}
}

func TestLocalSealerTamper(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)

	sealer, err := NewLocalSealer(key)
	if err != nil {
		t.Fatalf("NewLocalSealer failed: %v", err)
	}
	sealed, err := sealer.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	sealed[len(sealed)-1] ^= 0x01
	if _, err := sealer.Unseal(sealed); err == nil {
		t.Fatal("Expected error unsealing tampered blob")
	}
}

func TestFileStore(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	sealer, err := NewLocalSealer(key)
	if err != nil {
		t.Fatalf("NewLocalSealer failed: %v", err)
	}

	dir := t.TempDir()
	store, err := NewFileStore(dir, sealer)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := store.Set("master_secret", []byte("binary\x00data")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Files must be sealed, not plaintext.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected one file, got %d", len(entries))
	}
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if bytes.Contains(raw, []byte("binary")) {
		t.Error("Secret stored unsealed on disk")
	}

	// A second store over the same directory reads it back.
	store2, err := NewFileStore(dir, sealer)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	got, err := store2.Get("master_secret")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("binary\x00data")) {
		t.Errorf("Round trip mismatch: %q", got)
	}

	if err := store2.Delete("master_secret"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store2.Get("master_secret"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}
