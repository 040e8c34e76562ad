// Package keymgr manages the device-bound master secret and derives
// purpose-scoped keys from it. The master secret is created lazily on first
// use, persisted through the protected secret store, and never leaves the
// device. Purpose keys are derived on demand and never stored.
package keymgr

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/fieldclinic/vaultcore/deviceid"
	"github.com/fieldclinic/vaultcore/secrets"
)

// Argon2id parameters for purpose-key derivation and credential
// strengthening. Memory is capped at 64 MiB so derivation stays usable on
// constrained clinic hardware while remaining expensive for offline
// brute force. These values are fixed; changing them invalidates every
// derived key and verifier.
const (
	Argon2idTime    = 3
	Argon2idMemory  = 64 * 1024 // 64 MiB
	Argon2idThreads = 4
	Argon2idKeyLen  = 32
)

// masterSecretKey is the secret-store slot holding the sealed master secret.
const masterSecretKey = "master_secret"

// masterSecretLen is the size of the persisted master secret.
const masterSecretLen = 32

var (
	// ErrNotInitialized is returned when derivation is attempted before the
	// manager has materialized a master secret.
	ErrNotInitialized = errors.New("keymgr: not initialized")

	// ErrKeyStoreCorrupt is returned when the persisted master secret fails
	// validation. Recovery requires re-provisioning; all prior envelopes
	// become unreadable.
	ErrKeyStoreCorrupt = errors.New("keymgr: persisted master secret corrupt")
)

// Manager derives purpose-scoped keys from the device master secret.
type Manager struct {
	store    secrets.Store
	identity *deviceid.Identity

	mu     sync.Mutex
	master []byte
}

// New creates a key manager. No key material is touched until the first
// derivation call.
func New(store secrets.Store, identity *deviceid.Identity) *Manager {
	return &Manager{store: store, identity: identity}
}

// MasterSecret loads the master secret, creating and persisting it exactly
// once if absent. Creation mixes hardware randomness with the device
// fingerprint and the current time, then folds the mix through
// HKDF-SHA256. Safe for concurrent first use.
func (m *Manager) MasterSecret() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.masterSecretLocked()
}

func (m *Manager) masterSecretLocked() ([]byte, error) {
	if m.master != nil {
		out := make([]byte, len(m.master))
		copy(out, m.master)
		return out, nil
	}

	stored, err := m.store.Get(masterSecretKey)
	if err == nil {
		if len(stored) != masterSecretLen {
			log.Error().Int("len", len(stored)).Msg("Master secret failed validation")
			return nil, ErrKeyStoreCorrupt
		}
		m.master = stored
		out := make([]byte, masterSecretLen)
		copy(out, m.master)
		return out, nil
	}
	if !errors.Is(err, secrets.ErrNotFound) {
		return nil, fmt.Errorf("failed to load master secret: %w", err)
	}

	secret, err := m.generateMasterSecret()
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(masterSecretKey, secret); err != nil {
		return nil, fmt.Errorf("failed to persist master secret: %w", err)
	}
	m.master = secret

	log.Info().Msg("Device master secret created")

	out := make([]byte, masterSecretLen)
	copy(out, secret)
	return out, nil
}

// generateMasterSecret produces the device master secret from hardware
// randomness, the device fingerprint and a timestamp.
func (m *Manager) generateMasterSecret() ([]byte, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}

	fp, err := m.identity.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to read device fingerprint: %w", err)
	}

	info := fmt.Sprintf("vaultcore-master-v1:%d", time.Now().UnixNano())
	r := hkdf.New(sha256.New, entropy, []byte(fp), []byte(info))
	secret := make([]byte, masterSecretLen)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("failed to derive master secret: %w", err)
	}
	return secret, nil
}

// DeriveKey derives the key for a single semantic purpose. The result is a
// pure function of (master secret, purpose, device fingerprint): the same
// purpose always yields the same key on this device, and distinct purposes
// yield non-interchangeable keys.
func (m *Manager) DeriveKey(purpose string) ([]byte, error) {
	if purpose == "" {
		return nil, fmt.Errorf("keymgr: purpose is required")
	}

	master, err := m.loadedMaster()
	if err != nil {
		return nil, err
	}
	defer zeroBytes(master)

	fp, err := m.identity.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to read device fingerprint: %w", err)
	}

	salt := sha256.Sum256([]byte("vaultcore-purpose-v1:" + purpose + ":" + fp))
	return argon2.IDKey(master, salt[:], Argon2idTime, Argon2idMemory, Argon2idThreads, Argon2idKeyLen), nil
}

// StrengthenCredential derives a verifier from a low-entropy secret such as
// an operator PIN. The salt is subject-scoped so two operators with the
// same raw secret produce incomparable verifiers.
func (m *Manager) StrengthenCredential(secret, subjectID string) ([]byte, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("keymgr: subject id is required")
	}

	if !m.initialized() {
		return nil, ErrNotInitialized
	}

	fp, err := m.identity.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to read device fingerprint: %w", err)
	}

	salt := sha256.Sum256([]byte("vaultcore-subject-v1:" + subjectID + ":" + fp))
	return argon2.IDKey([]byte(secret), salt[:], Argon2idTime, Argon2idMemory, Argon2idThreads, Argon2idKeyLen), nil
}

// Wipe destroys the persisted master secret. Every envelope sealed under a
// key derived from it becomes permanently unreadable.
func (m *Manager) Wipe() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(masterSecretKey); err != nil {
		return fmt.Errorf("failed to delete master secret: %w", err)
	}
	zeroBytes(m.master)
	m.master = nil

	log.Warn().Msg("Device master secret wiped; all sealed data is unrecoverable")
	return nil
}

// loadedMaster returns a copy of the in-memory master secret, or
// ErrNotInitialized when MasterSecret has not been called yet.
func (m *Manager) loadedMaster() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.master == nil {
		return nil, ErrNotInitialized
	}
	out := make([]byte, len(m.master))
	copy(out, m.master)
	return out, nil
}

// initialized reports whether the master secret has been materialized.
func (m *Manager) initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.master != nil
}

// zeroBytes overwrites b in place.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
