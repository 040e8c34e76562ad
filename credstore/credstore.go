// Package credstore manages per-operator profiles: PIN verifiers, roles,
// lockout counters. Profiles are sealed as envelopes under the
// operator-credential purpose key; the raw PIN never touches storage.
package credstore

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fieldclinic/vaultcore/envelope"
	"github.com/fieldclinic/vaultcore/keymgr"
	"github.com/fieldclinic/vaultcore/seclog"
	"github.com/fieldclinic/vaultcore/storage"
)

// Purpose label for sealing operator profiles.
const purposeOperatorCredential = "operator-credential"

var (
	// ErrDuplicateOperator is returned when registering an id that exists.
	ErrDuplicateOperator = errors.New("credstore: operator already registered")

	// ErrWeakCredential is returned when the PIN violates the format
	// invariant.
	ErrWeakCredential = errors.New("credstore: credential does not meet requirements")

	// ErrUnknownRole is returned when registering with a role outside the
	// static set. Roles are never silently downgraded.
	ErrUnknownRole = errors.New("credstore: unknown role")

	// ErrInvalidCredential is returned on a PIN mismatch.
	ErrInvalidCredential = errors.New("credstore: invalid credential")

	// ErrAccountLocked is returned once the failed-attempt threshold is
	// reached, regardless of credential correctness.
	ErrAccountLocked = errors.New("credstore: account locked")

	// ErrOperatorNotFound is returned for unregistered operator ids.
	ErrOperatorNotFound = errors.New("credstore: operator not found")
)

// Role is an operator role. The set is static; registration rejects
// anything else.
type Role string

const (
	RoleAdminClinician Role = "admin-clinician"
	RoleNurse          Role = "nurse"
	RoleResident       Role = "resident"
	RoleObserver       Role = "observer"
)

// ValidRole reports whether r is in the static role set.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdminClinician, RoleNurse, RoleResident, RoleObserver:
		return true
	}
	return false
}

// Profile is an operator profile. The verifier is the strengthened PIN;
// the raw PIN is never stored.
type Profile struct {
	OperatorID     string `json:"operator_id"`
	DisplayName    string `json:"display_name"`
	Role           Role   `json:"role"`
	Verifier       []byte `json:"verifier"`
	CreatedAt      int64  `json:"created_at"`
	LastLogin      int64  `json:"last_login"`
	FailedAttempts int    `json:"failed_attempts"`
}

// Config bounds PIN format and lockout behavior.
type Config struct {
	PINLength        int
	LockoutThreshold int
}

// Store persists operator profiles. Counter mutations are serialized per
// operator so concurrent attempts cannot lose increments and slip past
// the lockout threshold.
type Store struct {
	db     *storage.DB
	keys   *keymgr.Manager
	events *seclog.Logger
	cfg    Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a credential store.
func New(db *storage.DB, keys *keymgr.Manager, events *seclog.Logger, cfg Config) *Store {
	return &Store{
		db:     db,
		keys:   keys,
		events: events,
		cfg:    cfg,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-operator lock. The map is bounded by the
// registered operator population.
func (s *Store) lockFor(operatorID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[operatorID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[operatorID] = lock
	}
	return lock
}

// Register creates a new operator profile. The PIN must be exactly the
// configured length and all digits.
func (s *Store) Register(operatorID, displayName, pin string, role Role) error {
	if operatorID == "" || displayName == "" {
		return fmt.Errorf("credstore: operator id and display name are required")
	}
	if !ValidRole(role) {
		return ErrUnknownRole
	}
	if !validPIN(pin, s.cfg.PINLength) {
		return ErrWeakCredential
	}

	if _, err := s.db.GetProfile(operatorID); err == nil {
		return ErrDuplicateOperator
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	verifier, err := s.keys.StrengthenCredential(pin, operatorID)
	if err != nil {
		return fmt.Errorf("failed to strengthen credential: %w", err)
	}

	now := time.Now().Unix()
	profile := &Profile{
		OperatorID:  operatorID,
		DisplayName: displayName,
		Role:        role,
		Verifier:    verifier,
		CreatedAt:   now,
	}
	blob, err := s.seal(profile)
	if err != nil {
		return err
	}
	if err := s.db.InsertProfile(storage.ProfileRow{
		OperatorID: operatorID,
		Envelope:   blob,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		return err
	}

	log.Info().Str("operator_id", operatorID).Str("role", string(role)).Msg("Operator registered")
	return nil
}

// Get loads and opens an operator profile.
func (s *Store) Get(operatorID string) (*Profile, error) {
	row, err := s.db.GetProfile(operatorID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrOperatorNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.open(row.Envelope)
}

// VerifyPIN checks pin against the stored verifier in constant time.
// Reaching the lockout threshold transitions the operator to locked; a
// locked operator is rejected before the PIN is even examined, so a
// correct PIN cannot bypass the lockout. The whole load-verify-save
// sequence holds the operator's lock so concurrent wrong attempts each
// advance the counter.
func (s *Store) VerifyPIN(operatorID, pin string) (*Profile, error) {
	lock := s.lockFor(operatorID)
	lock.Lock()
	defer lock.Unlock()

	profile, err := s.Get(operatorID)
	if err != nil {
		return nil, err
	}

	if profile.FailedAttempts >= s.cfg.LockoutThreshold {
		s.events.Record("account_locked_attempt", seclog.SeverityHigh, map[string]string{
			"operator_id": operatorID,
		})
		return nil, ErrAccountLocked
	}

	candidate, err := s.keys.StrengthenCredential(pin, operatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to strengthen credential: %w", err)
	}
	if subtle.ConstantTimeCompare(candidate, profile.Verifier) != 1 {
		profile.FailedAttempts++
		if err := s.save(profile); err != nil {
			log.Error().Err(err).Str("operator_id", operatorID).Msg("Failed to persist failed-attempt counter")
		}
		s.events.Record("invalid_pin", seclog.SeverityMedium, map[string]string{
			"operator_id": operatorID,
			"attempts":    fmt.Sprintf("%d", profile.FailedAttempts),
		})
		s.events.RecordAuthFailure(operatorID)
		if profile.FailedAttempts >= s.cfg.LockoutThreshold {
			s.events.Record("account_locked", seclog.SeverityHigh, map[string]string{
				"operator_id": operatorID,
			})
		}
		return nil, ErrInvalidCredential
	}

	profile.FailedAttempts = 0
	profile.LastLogin = time.Now().Unix()
	if err := s.save(profile); err != nil {
		log.Error().Err(err).Str("operator_id", operatorID).Msg("Failed to persist login bookkeeping")
	}
	return profile, nil
}

// Unlock resets the failed-attempt counter. This is the explicit
// administrative reset required to leave the locked state.
func (s *Store) Unlock(operatorID string) error {
	lock := s.lockFor(operatorID)
	lock.Lock()
	defer lock.Unlock()

	profile, err := s.Get(operatorID)
	if err != nil {
		return err
	}
	profile.FailedAttempts = 0
	if err := s.save(profile); err != nil {
		return err
	}
	s.events.Record("account_unlocked", seclog.SeverityMedium, map[string]string{
		"operator_id": operatorID,
	})
	return nil
}

// Delete removes an operator profile. Deletion is explicit and audited,
// never silent.
func (s *Store) Delete(operatorID, byOperatorID string) error {
	if _, err := s.Get(operatorID); err != nil {
		return err
	}
	if err := s.db.SecureDeleteProfile(operatorID); err != nil {
		return err
	}
	s.events.Record("operator_deleted", seclog.SeverityMedium, map[string]string{
		"operator_id": operatorID,
		"deleted_by":  byOperatorID,
	})
	return nil
}

// save reseals and persists a mutated profile.
func (s *Store) save(profile *Profile) error {
	blob, err := s.seal(profile)
	if err != nil {
		return err
	}
	return s.db.UpdateProfile(profile.OperatorID, blob, time.Now().Unix())
}

func (s *Store) seal(profile *Profile) ([]byte, error) {
	encoded, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to encode profile: %w", err)
	}
	key, err := s.keys.DeriveKey(purposeOperatorCredential)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Seal(encoded, key)
	if err != nil {
		return nil, fmt.Errorf("failed to seal profile: %w", err)
	}
	return env.Encode()
}

func (s *Store) open(blob []byte) (*Profile, error) {
	env, err := envelope.Decode(blob)
	if err != nil {
		return nil, err
	}
	key, err := s.keys.DeriveKey(purposeOperatorCredential)
	if err != nil {
		return nil, err
	}
	plaintext, err := envelope.Open(env, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile: %w", err)
	}
	var profile Profile
	if err := json.Unmarshal(plaintext, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &profile, nil
}

// validPIN enforces exact length and digits-only format.
func validPIN(pin string, length int) bool {
	if len(pin) != length {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
