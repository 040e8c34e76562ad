// Package storage provides the SQLite persistence layer shared by the
// credential store, record vault, audit bridge and security log. Callers
// seal values into envelopes before they reach this layer; rows here hold
// opaque blobs plus the plaintext metadata needed for queries.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Audit entry statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// DB wraps the SQLite handle. Writes are serialized through a mutex; the
// database itself runs in WAL mode so reads stay concurrent.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the database at path. Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *DB) initSchema() error {
	schema := `
	-- Encrypted patient records. The envelope blob is sealed under the
	-- per-patient purpose key; integrity_hash is the standalone hash the
	-- vault verifies before opening the envelope.
	CREATE TABLE IF NOT EXISTS patient_records (
		patient_id     TEXT PRIMARY KEY,
		envelope       BLOB NOT NULL,
		integrity_hash TEXT NOT NULL,
		operator_id    TEXT NOT NULL,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	);

	-- Operator profiles, sealed under the operator-credential purpose key.
	CREATE TABLE IF NOT EXISTS operator_profiles (
		operator_id TEXT PRIMARY KEY,
		envelope    BLOB NOT NULL,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	-- Audit entries queued for the external ledger. The entry blob holds
	-- hashes and signatures only, never patient data.
	CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id   TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		entry      BLOB NOT NULL,
		status     TEXT NOT NULL CHECK(status IN ('pending', 'confirmed', 'failed')),
		locator    TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_entries(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_patient ON audit_entries(patient_id, created_at DESC);

	-- Security events with a tamper-evident hash chain. The envelope blob
	-- is sealed under the security-log purpose key.
	CREATE TABLE IF NOT EXISTS security_events (
		event_id      TEXT PRIMARY KEY,
		severity      TEXT NOT NULL,
		envelope      BLOB NOT NULL,
		entry_hash    TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		created_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_created ON security_events(created_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *DB) Close() error {
	return s.db.Close()
}

// ===============================
// Patient records
// ===============================

// RecordRow is a stored patient record.
type RecordRow struct {
	PatientID     string
	Envelope      []byte
	IntegrityHash string
	OperatorID    string
	CreatedAt     int64
	UpdatedAt     int64
}

// UpsertRecord inserts or replaces a patient record row.
func (s *DB) UpsertRecord(row RecordRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO patient_records (patient_id, envelope, integrity_hash, operator_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(patient_id) DO UPDATE SET
			envelope = excluded.envelope,
			integrity_hash = excluded.integrity_hash,
			operator_id = excluded.operator_id,
			updated_at = excluded.updated_at
	`, row.PatientID, row.Envelope, row.IntegrityHash, row.OperatorID, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// GetRecord loads a patient record row.
func (s *DB) GetRecord(patientID string) (*RecordRow, error) {
	var row RecordRow
	err := s.db.QueryRow(`
		SELECT patient_id, envelope, integrity_hash, operator_id, created_at, updated_at
		FROM patient_records WHERE patient_id = ?
	`, patientID).Scan(&row.PatientID, &row.Envelope, &row.IntegrityHash, &row.OperatorID, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return &row, nil
}

// RecordIDs returns every stored patient id.
func (s *DB) RecordIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT patient_id FROM patient_records ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SecureDeleteRecord overwrites the record's storage slot with random data
// of the same or greater length before removing the row, so residual pages
// cannot be scraped for the original ciphertext.
func (s *DB) SecureDeleteRecord(patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE patient_records
		SET envelope = randomblob(length(envelope) + 32),
		    integrity_hash = hex(randomblob(32))
		WHERE patient_id = ?
	`, patientID)
	if err != nil {
		return fmt.Errorf("failed to overwrite record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := s.db.Exec(`DELETE FROM patient_records WHERE patient_id = ?`, patientID); err != nil {
		return fmt.Errorf("failed to remove record: %w", err)
	}
	return nil
}

// ===============================
// Operator profiles
// ===============================

// ProfileRow is a stored operator profile.
type ProfileRow struct {
	OperatorID string
	Envelope   []byte
	CreatedAt  int64
	UpdatedAt  int64
}

// InsertProfile stores a new profile. Fails if the operator already exists.
func (s *DB) InsertProfile(row ProfileRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO operator_profiles (operator_id, envelope, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, row.OperatorID, row.Envelope, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

// UpdateProfile replaces the envelope of an existing profile.
func (s *DB) UpdateProfile(operatorID string, env []byte, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE operator_profiles SET envelope = ?, updated_at = ? WHERE operator_id = ?
	`, env, updatedAt, operatorID)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProfile loads a profile row.
func (s *DB) GetProfile(operatorID string) (*ProfileRow, error) {
	var row ProfileRow
	err := s.db.QueryRow(`
		SELECT operator_id, envelope, created_at, updated_at
		FROM operator_profiles WHERE operator_id = ?
	`, operatorID).Scan(&row.OperatorID, &row.Envelope, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return &row, nil
}

// SecureDeleteProfile overwrites then removes a profile row.
func (s *DB) SecureDeleteProfile(operatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE operator_profiles
		SET envelope = randomblob(length(envelope) + 32)
		WHERE operator_id = ?
	`, operatorID)
	if err != nil {
		return fmt.Errorf("failed to overwrite profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := s.db.Exec(`DELETE FROM operator_profiles WHERE operator_id = ?`, operatorID); err != nil {
		return fmt.Errorf("failed to remove profile: %w", err)
	}
	return nil
}

// ===============================
// Audit entries
// ===============================

// AuditRow is a queued audit entry.
type AuditRow struct {
	EntryID   string
	PatientID string
	Entry     []byte
	Status    string
	Locator   string
	CreatedAt int64
	UpdatedAt int64
}

// InsertAuditEntry queues a new audit entry.
func (s *DB) InsertAuditEntry(row AuditRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO audit_entries (entry_id, patient_id, entry, status, locator, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, row.EntryID, row.PatientID, row.Entry, row.Status, row.Locator, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// UpdateAuditStatus commits a single entry's state transition atomically.
func (s *DB) UpdateAuditStatus(entryID, status, locator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE audit_entries SET status = ?, locator = ?, updated_at = ? WHERE entry_id = ?
	`, status, locator, time.Now().Unix(), entryID)
	if err != nil {
		return fmt.Errorf("failed to update audit entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AuditEntriesByStatus returns entries in the given status, oldest first.
func (s *DB) AuditEntriesByStatus(status string) ([]AuditRow, error) {
	rows, err := s.db.Query(`
		SELECT entry_id, patient_id, entry, status, locator, created_at, updated_at
		FROM audit_entries WHERE status = ? ORDER BY created_at, rowid
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// LatestAuditEntry returns the most recent entry for a patient.
func (s *DB) LatestAuditEntry(patientID string) (*AuditRow, error) {
	var row AuditRow
	err := s.db.QueryRow(`
		SELECT entry_id, patient_id, entry, status, locator, created_at, updated_at
		FROM audit_entries WHERE patient_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, patientID).Scan(&row.EntryID, &row.PatientID, &row.Entry, &row.Status, &row.Locator, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load audit entry: %w", err)
	}
	return &row, nil
}

// AuditCount returns the number of stored audit entries.
func (s *DB) AuditCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}

// PruneAudit bounds retained history. Confirmed entries older than cutoff
// are removed first; if the table still exceeds keep, the oldest confirmed
// entries go next. Pending and failed entries are never pruned here.
func (s *DB) PruneAudit(cutoff int64, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM audit_entries WHERE status = 'confirmed' AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", err)
	}
	pruned, _ := res.RowsAffected()

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_entries`).Scan(&total); err != nil {
		return int(pruned), err
	}
	if total > keep {
		res, err = s.db.Exec(`
			DELETE FROM audit_entries WHERE entry_id IN (
				SELECT entry_id FROM audit_entries WHERE status = 'confirmed'
				ORDER BY updated_at LIMIT ?
			)
		`, total-keep)
		if err != nil {
			return int(pruned), fmt.Errorf("failed to prune audit entries over cap: %w", err)
		}
		n, _ := res.RowsAffected()
		pruned += n
	}
	return int(pruned), nil
}

func scanAuditRows(rows *sql.Rows) ([]AuditRow, error) {
	var out []AuditRow
	for rows.Next() {
		var row AuditRow
		if err := rows.Scan(&row.EntryID, &row.PatientID, &row.Entry, &row.Status, &row.Locator, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ===============================
// Security events
// ===============================

// EventRow is a persisted security event.
type EventRow struct {
	EventID      string
	Severity     string
	Envelope     []byte
	EntryHash    string
	PreviousHash string
	CreatedAt    int64
}

// AppendSecurityEvent appends an event to the chain.
func (s *DB) AppendSecurityEvent(row EventRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO security_events (event_id, severity, envelope, entry_hash, previous_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, row.EventID, row.Severity, row.Envelope, row.EntryHash, row.PreviousHash, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}
	return nil
}

// LastSecurityEventHash returns the hash of the most recent event, or an
// empty string when the chain is empty.
func (s *DB) LastSecurityEventHash() (string, error) {
	var hash string
	err := s.db.QueryRow(`
		SELECT entry_hash FROM security_events ORDER BY created_at DESC, rowid DESC LIMIT 1
	`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load last event hash: %w", err)
	}
	return hash, nil
}

// SecurityEvents returns the most recent events, newest first.
func (s *DB) SecurityEvents(limit int) ([]EventRow, error) {
	rows, err := s.db.Query(`
		SELECT event_id, severity, envelope, entry_hash, previous_hash, created_at
		FROM security_events ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var row EventRow
		if err := rows.Scan(&row.EventID, &row.Severity, &row.Envelope, &row.EntryHash, &row.PreviousHash, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
