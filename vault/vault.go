// Package vault stores patient records encrypted at rest. Every record is
// sealed under a per-patient purpose key and guarded by a standalone
// integrity hash over the stored envelope; the hash is re-verified before
// the envelope is ever opened, so independent tampering with the hash and
// the ciphertext is still detected. Writes are serialized per patient id;
// reads and writes across distinct ids run concurrently.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
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

// purposeRecordPrefix scopes the record purpose key by patient id.
const purposeRecordPrefix = "patient-record:"

var (
	// ErrInvalidPayload is returned when required fields are missing or a
	// field is out of its domain range.
	ErrInvalidPayload = errors.New("vault: invalid payload")

	// ErrTamperDetected is returned when a stored record fails its
	// integrity check. The record is not decrypted.
	ErrTamperDetected = errors.New("vault: tamper detected")

	// ErrRecordNotFound is returned for unknown patient ids.
	ErrRecordNotFound = errors.New("vault: record not found")
)

// Payload is the clinical content of a patient record.
type Payload struct {
	Name     string `json:"name"`
	Age      int    `json:"age"`
	Symptoms string `json:"symptoms"`
	Notes    string `json:"notes,omitempty"`
}

// Record is a stored patient record with its metadata.
type Record struct {
	PatientID  string  `json:"patient_id"`
	Payload    Payload `json:"payload"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
	OperatorID string  `json:"operator_id"`
}

// ValidationReport is the result of a full-vault integrity sweep.
type ValidationReport struct {
	Corrupted         []string `json:"corrupted"`
	IntegrityFailures []string `json:"integrity_failures"`
}

// OK reports whether the sweep found no problems.
func (r ValidationReport) OK() bool {
	return len(r.Corrupted) == 0 && len(r.IntegrityFailures) == 0
}

// Stats summarizes vault contents.
type Stats struct {
	TotalRecords int `json:"total_records"`
	CacheEntries int `json:"cache_entries"`
}

// Vault is the encrypted patient record store.
type Vault struct {
	db     *storage.DB
	keys   *keymgr.Manager
	events *seclog.Logger
	cache  *storage.TTLCache

	mu    sync.Mutex
	locks map[string]*patientLock
}

// patientLock serializes mutations for one patient id. Holders are
// reference-counted so the map sheds entries once uncontended instead
// of growing with every id ever written.
type patientLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a vault with a bounded TTL read cache.
func New(db *storage.DB, keys *keymgr.Manager, events *seclog.Logger, cacheSize int, cacheTTL time.Duration) *Vault {
	return &Vault{
		db:     db,
		keys:   keys,
		events: events,
		cache:  storage.NewTTLCache(cacheSize, cacheTTL),
		locks:  make(map[string]*patientLock),
	}
}

// Put stores a new or replacement record for patientID. The payload is
// sanitized and validated first; the sealed envelope and its standalone
// integrity hash are persisted together.
func (v *Vault) Put(patientID string, payload Payload, operatorID string) (*Record, error) {
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrInvalidPayload)
	}

	lock := v.acquireLock(patientID)
	defer v.releaseLock(patientID, lock)

	createdAt := time.Now().Unix()
	if existing, err := v.db.GetRecord(patientID); err == nil {
		createdAt = existing.CreatedAt
	}
	return v.putLocked(patientID, payload, operatorID, createdAt)
}

// Update replaces an existing record, preserving its creation time. The
// record must already exist.
func (v *Vault) Update(patientID string, payload Payload, operatorID string) (*Record, error) {
	lock := v.acquireLock(patientID)
	defer v.releaseLock(patientID, lock)

	existing, err := v.db.GetRecord(patientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return v.putLocked(patientID, payload, operatorID, existing.CreatedAt)
}

// putLocked seals and persists a record. Callers hold the patient lock.
func (v *Vault) putLocked(patientID string, payload Payload, operatorID string, createdAt int64) (*Record, error) {
	clean := sanitizePayload(payload)
	if err := validatePayload(clean); err != nil {
		return nil, err
	}

	record := &Record{
		PatientID:  patientID,
		Payload:    clean,
		CreatedAt:  createdAt,
		UpdatedAt:  time.Now().Unix(),
		OperatorID: operatorID,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}

	key, err := v.keys.DeriveKey(purposeRecordPrefix + patientID)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Seal(encoded, key)
	if err != nil {
		return nil, fmt.Errorf("failed to seal record: %w", err)
	}
	blob, err := env.Encode()
	if err != nil {
		return nil, err
	}

	row := storage.RecordRow{
		PatientID:     patientID,
		Envelope:      blob,
		IntegrityHash: integrityHash(blob),
		OperatorID:    operatorID,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
	if err := v.db.UpsertRecord(row); err != nil {
		return nil, err
	}

	v.cache.Put(patientID, encoded)

	log.Info().
		Str("patient_id", patientID).
		Str("operator_id", operatorID).
		Msg("Patient record stored")
	return record, nil
}

// Get returns the record for patientID. The standalone integrity hash is
// re-verified against the stored envelope before the envelope is opened;
// a mismatch fails closed with ErrTamperDetected. The cache may serve
// repeated reads but is never the source of truth for an integrity check.
func (v *Vault) Get(patientID string) (*Record, error) {
	if cached, ok := v.cache.Get(patientID); ok {
		var record Record
		if err := json.Unmarshal(cached, &record); err == nil {
			return &record, nil
		}
	}

	row, err := v.db.GetRecord(patientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	if integrityHash(row.Envelope) != row.IntegrityHash {
		v.events.Record("integrity_violation", seclog.SeverityCritical, map[string]string{
			"patient_id": patientID,
			"check":      "standalone_hash",
		})
		return nil, ErrTamperDetected
	}

	env, err := envelope.Decode(row.Envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable envelope", ErrTamperDetected)
	}
	key, err := v.keys.DeriveKey(purposeRecordPrefix + patientID)
	if err != nil {
		return nil, err
	}
	plaintext, err := envelope.Open(env, key)
	if errors.Is(err, envelope.ErrIntegrityViolation) {
		v.events.Record("integrity_violation", seclog.SeverityCritical, map[string]string{
			"patient_id": patientID,
			"check":      "envelope_tag",
		})
		return nil, ErrTamperDetected
	}
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	v.cache.Put(patientID, plaintext)
	return &record, nil
}

// Delete removes a record with an overwrite-then-remove pattern so the
// storage slot cannot be scraped for the original ciphertext.
func (v *Vault) Delete(patientID, operatorID string) error {
	lock := v.acquireLock(patientID)
	defer v.releaseLock(patientID, lock)

	err := v.db.SecureDeleteRecord(patientID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrRecordNotFound
	}
	if err != nil {
		return err
	}

	v.cache.Delete(patientID)

	v.events.Record("record_deleted", seclog.SeverityMedium, map[string]string{
		"patient_id":  patientID,
		"operator_id": operatorID,
	})
	return nil
}

// RecordHash returns the standalone integrity hash currently stored for
// patientID.
func (v *Vault) RecordHash(patientID string) (string, error) {
	row, err := v.db.GetRecord(patientID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrRecordNotFound
	}
	if err != nil {
		return "", err
	}
	return row.IntegrityHash, nil
}

// PatientIDs lists every stored patient id.
func (v *Vault) PatientIDs() ([]string, error) {
	return v.db.RecordIDs()
}

// ValidateAll sweeps every record and reports corruption and integrity
// failures. A non-empty report is a high-severity event but not fatal;
// unaffected records keep being served.
func (v *Vault) ValidateAll() (ValidationReport, error) {
	ids, err := v.db.RecordIDs()
	if err != nil {
		return ValidationReport{}, err
	}

	var report ValidationReport
	for _, id := range ids {
		row, err := v.db.GetRecord(id)
		if err != nil {
			report.Corrupted = append(report.Corrupted, id)
			continue
		}
		if integrityHash(row.Envelope) != row.IntegrityHash {
			report.IntegrityFailures = append(report.IntegrityFailures, id)
			continue
		}
		if _, err := envelope.Decode(row.Envelope); err != nil {
			report.Corrupted = append(report.Corrupted, id)
		}
	}

	if !report.OK() {
		v.events.Record("integrity_sweep_failed", seclog.SeverityHigh, map[string]string{
			"corrupted":          fmt.Sprintf("%d", len(report.Corrupted)),
			"integrity_failures": fmt.Sprintf("%d", len(report.IntegrityFailures)),
		})
	}
	return report, nil
}

// Stats returns vault counters.
func (v *Vault) Stats() (Stats, error) {
	ids, err := v.db.RecordIDs()
	if err != nil {
		return Stats{}, err
	}
	return Stats{TotalRecords: len(ids), CacheEntries: v.cache.Len()}, nil
}

// PurgeCache drops expired cache entries. Called from the background
// maintenance task.
func (v *Vault) PurgeCache() int {
	return v.cache.Purge()
}

// acquireLock takes the per-patient write lock.
func (v *Vault) acquireLock(patientID string) *patientLock {
	v.mu.Lock()
	lock, ok := v.locks[patientID]
	if !ok {
		lock = &patientLock{}
		v.locks[patientID] = lock
	}
	lock.refs++
	v.mu.Unlock()

	lock.mu.Lock()
	return lock
}

// releaseLock releases the write lock and drops the map entry once the
// last holder is gone.
func (v *Vault) releaseLock(patientID string, lock *patientLock) {
	lock.mu.Unlock()

	v.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(v.locks, patientID)
	}
	v.mu.Unlock()
}

// integrityHash is the standalone hash persisted next to the envelope.
func integrityHash(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
