package keymgr

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fieldclinic/vaultcore/deviceid"
	"github.com/fieldclinic/vaultcore/secrets"
)

func testAttrs() (deviceid.Attributes, error) {
	return deviceid.Attributes{
		HostID:    "host-1234",
		Model:     "fieldpad-9",
		OSName:    "linux",
		OSVersion: "6.1",
	}, nil
}

func newTestManager(t *testing.T) (*Manager, secrets.Store) {
	t.Helper()
	store := secrets.NewMemoryStore()
	identity, err := deviceid.New(store, testAttrs)
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	return New(store, identity), store
}

func TestMasterSecretCreatedOnce(t *testing.T) {
	m, store := newTestManager(t)

	first, err := m.MasterSecret()
	if err != nil {
		t.Fatalf("MasterSecret failed: %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("Expected 32-byte master secret, got %d", len(first))
	}

	second, err := m.MasterSecret()
	if err != nil {
		t.Fatalf("MasterSecret failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("Master secret changed between calls")
	}

	// A fresh manager over the same store must load the same secret.
	identity, err := deviceid.New(store, testAttrs)
	if err != nil {
		t.Fatalf("Failed to recreate identity: %v", err)
	}
	m2 := New(store, identity)
	reloaded, err := m2.MasterSecret()
	if err != nil {
		t.Fatalf("MasterSecret reload failed: %v", err)
	}
	if !bytes.Equal(first, reloaded) {
		t.Error("Master secret not persisted across managers")
	}
}

func TestDeriveKeyRequiresMaster(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.DeriveKey("session"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized before MasterSecret, got %v", err)
	}
}

func TestDeriveKeyPurposeSeparation(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.MasterSecret(); err != nil {
		t.Fatalf("MasterSecret failed: %v", err)
	}

	session, err := m.DeriveKey("session")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	records, err := m.DeriveKey("patient-record:p-1")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if bytes.Equal(session, records) {
		t.Error("Keys for different purposes are identical")
	}

	again, err := m.DeriveKey("session")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if !bytes.Equal(session, again) {
		t.Error("Same purpose derived different keys")
	}
}

func TestStrengthenCredentialDeterministic(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.MasterSecret(); err != nil {
		t.Fatalf("MasterSecret failed: %v", err)
	}

	a, err := m.StrengthenCredential("1234", "op-1")
	if err != nil {
		t.Fatalf("StrengthenCredential failed: %v", err)
	}
	b, err := m.StrengthenCredential("1234", "op-1")
	if err != nil {
		t.Fatalf("StrengthenCredential failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("Same credential produced different verifiers")
	}

	other, err := m.StrengthenCredential("1234", "op-2")
	if err != nil {
		t.Fatalf("StrengthenCredential failed: %v", err)
	}
	if bytes.Equal(a, other) {
		t.Error("Same PIN for different subjects produced the same verifier")
	}

	wrong, err := m.StrengthenCredential("4321", "op-1")
	if err != nil {
		t.Fatalf("StrengthenCredential failed: %v", err)
	}
	if bytes.Equal(a, wrong) {
		t.Error("Different PINs produced the same verifier")
	}
}

func TestKeyStoreCorruption(t *testing.T) {
	m, store := newTestManager(t)
	if _, err := m.MasterSecret(); err != nil {
		t.Fatalf("MasterSecret failed: %v", err)
	}

	if err := store.Set("master_secret", []byte("short")); err != nil {
		t.Fatalf("Failed to corrupt store: %v", err)
	}

	identity, err := deviceid.New(store, testAttrs)
	if err != nil {
		t.Fatalf("Failed to recreate identity: %v", err)
	}
	m2 := New(store, identity)
	if _, err := m2.MasterSecret(); !errors.Is(err, ErrKeyStoreCorrupt) {
		t.Errorf("Expected ErrKeyStoreCorrupt, got %v", err)
	}
}

func TestWipe(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.MasterSecret(); err != nil {
		t.Fatalf("MasterSecret failed: %v", err)
	}
	if err := m.Wipe(); err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}
	if _, err := m.DeriveKey("session"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Expected ErrNotInitialized after wipe, got %v", err)
	}
}
