// Package ledger mirrors clinical write operations into a local audit
// queue and synchronizes it with an external attestation ledger when
// connectivity allows. Entries carry an operator-keyed signature and an
// integrity proof binding them to this device; verification re-derives
// both independently so a forged entry fails at least one sub-check.
package ledger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fieldclinic/vaultcore/deviceid"
	"github.com/fieldclinic/vaultcore/keymgr"
	"github.com/fieldclinic/vaultcore/storage"
)

// purposeAuditSigningPrefix scopes the signing key by operator id.
const purposeAuditSigningPrefix = "audit-signing:"

// Verification accepts timestamps up to a week old and tolerates a small
// amount of forward clock skew.
const (
	maxEntryAge  = 7 * 24 * time.Hour
	maxClockSkew = time.Hour
	signatureHex = 64
	retainFor    = time.Hour
	retainAtMost = 100
)

var (
	// ErrLedgerUnreachable is returned when the external ledger cannot be
	// reached. Pending entries are kept for the next sync.
	ErrLedgerUnreachable = errors.New("ledger: unreachable")

	// ErrEntryNotFound is returned for unknown entry ids.
	ErrEntryNotFound = errors.New("ledger: entry not found")
)

// Action is the audited operation kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
)

// Entry is an audit entry as queued and submitted. Patient content never
// appears here; the record is referenced only by its hash.
type Entry struct {
	EntryID           string `json:"entry_id"`
	Action            Action `json:"action"`
	PatientID         string `json:"patient_id"`
	RecordHash        string `json:"record_hash"`
	OperatorHash      string `json:"operator_hash"`
	DeviceFingerprint string `json:"device_fingerprint"`
	Timestamp         int64  `json:"timestamp"`
	Signature         string `json:"signature"`
	IntegrityProof    string `json:"integrity_proof"`
}

// VerifyReport holds the outcome of each independent verification
// sub-check. Valid is true only when every sub-check passes.
type VerifyReport struct {
	RecordMatch     bool `json:"record_match"`
	SignatureFormat bool `json:"signature_format"`
	SignatureValid  bool `json:"signature_valid"`
	ProofValid      bool `json:"proof_valid"`
	TimestampValid  bool `json:"timestamp_valid"`
}

// Valid reports whether every sub-check passed.
func (r VerifyReport) Valid() bool {
	return r.RecordMatch && r.SignatureFormat && r.SignatureValid &&
		r.ProofValid && r.TimestampValid
}

// SyncResult summarizes one synchronization pass.
type SyncResult struct {
	Submitted int
	Confirmed int
	Rejected  int
	Pruned    int
}

// Submitter delivers an entry to the external ledger and returns its
// locator. A transport failure must be reported as ErrLedgerUnreachable
// (wrapped is fine); any other error is a rejection by the ledger.
type Submitter interface {
	Submit(ctx context.Context, entry Entry) (locator string, err error)
}

// Bridge queues, submits and verifies audit entries.
type Bridge struct {
	db        *storage.DB
	keys      *keymgr.Manager
	identity  *deviceid.Identity
	submitter Submitter

	mu sync.Mutex
}

// New creates a bridge. submitter may be nil for a fully offline device;
// entries then accumulate as pending.
func New(db *storage.DB, keys *keymgr.Manager, identity *deviceid.Identity, submitter Submitter) *Bridge {
	return &Bridge{db: db, keys: keys, identity: identity, submitter: submitter}
}

// Prepare builds a signed entry for an operation on patientID. recordHash
// is the standalone hash of the stored envelope; delete entries pass the
// hash of the removed record.
func (b *Bridge) Prepare(action Action, patientID, recordHash, operatorID string) (*Entry, error) {
	fp, err := b.identity.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to read device fingerprint: %w", err)
	}

	entry := &Entry{
		EntryID:           uuid.NewString(),
		Action:            action,
		PatientID:         patientID,
		RecordHash:        recordHash,
		OperatorHash:      hashOperator(operatorID),
		DeviceFingerprint: fp,
		Timestamp:         time.Now().Unix(),
	}

	sig, err := b.sign(entry, operatorID)
	if err != nil {
		return nil, err
	}
	entry.Signature = sig
	entry.IntegrityProof = integrityProof(entry)
	return entry, nil
}

// Enqueue persists an entry as pending. The write is atomic with respect
// to other queue mutations.
func (b *Bridge) Enqueue(entry *Entry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	now := time.Now().Unix()
	if err := b.db.InsertAuditEntry(storage.AuditRow{
		EntryID:   entry.EntryID,
		PatientID: entry.PatientID,
		Entry:     encoded,
		Status:    storage.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return err
	}

	log.Debug().
		Str("entry_id", entry.EntryID).
		Str("action", string(entry.Action)).
		Msg("Audit entry queued")
	return nil
}

// Record is Prepare followed by Enqueue.
func (b *Bridge) Record(action Action, patientID, recordHash, operatorID string) (*Entry, error) {
	entry, err := b.Prepare(action, patientID, recordHash, operatorID)
	if err != nil {
		return nil, err
	}
	if err := b.Enqueue(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Sync submits every pending and previously failed entry. Both status
// sets are snapshotted before submission, so an entry rejected during
// the pass is not resubmitted until the next one. Each entry's status
// transition is atomic; a crash mid-sync leaves entries either pending
// or in their new state, never half-moved. Transport failure or
// cancellation aborts the pass with ErrLedgerUnreachable and leaves the
// remainder untouched; a rejection marks only that entry failed and the
// pass continues. Confirmed entries past the retention window are
// pruned.
func (b *Bridge) Sync(ctx context.Context) (SyncResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result SyncResult
	if b.submitter == nil {
		return result, ErrLedgerUnreachable
	}

	var batches [][]storage.AuditRow
	for _, status := range []string{storage.StatusPending, storage.StatusFailed} {
		rows, err := b.db.AuditEntriesByStatus(status)
		if err != nil {
			return result, err
		}
		batches = append(batches, rows)
	}

	for _, rows := range batches {
		for _, row := range rows {
			var entry Entry
			if err := json.Unmarshal(row.Entry, &entry); err != nil {
				log.Error().Err(err).Str("entry_id", row.EntryID).Msg("Skipping undecodable audit entry")
				continue
			}

			result.Submitted++
			locator, err := b.submitter.Submit(ctx, entry)
			if errors.Is(err, ErrLedgerUnreachable) || (err != nil && ctx.Err() != nil) {
				return result, fmt.Errorf("%w: sync aborted after %d submissions", ErrLedgerUnreachable, result.Submitted)
			}
			if err != nil {
				result.Rejected++
				log.Warn().Err(err).Str("entry_id", row.EntryID).Msg("Audit entry rejected by ledger")
				if err := b.db.UpdateAuditStatus(row.EntryID, storage.StatusFailed, ""); err != nil {
					return result, err
				}
				continue
			}

			result.Confirmed++
			if err := b.db.UpdateAuditStatus(row.EntryID, storage.StatusConfirmed, locator); err != nil {
				return result, err
			}
		}
	}

	pruned, err := b.db.PruneAudit(time.Now().Add(-retainFor).Unix(), retainAtMost)
	if err != nil {
		return result, err
	}
	result.Pruned = pruned

	log.Info().
		Int("submitted", result.Submitted).
		Int("confirmed", result.Confirmed).
		Int("rejected", result.Rejected).
		Int("pruned", result.Pruned).
		Msg("Ledger sync complete")
	return result, nil
}

// StartSync runs Sync on a fixed interval until ctx is cancelled. Sync
// runs in its own goroutine so vault operations are never blocked on the
// network. An unreachable ledger while offline is expected and logged at
// debug only.
func (b *Bridge) StartSync(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := b.Sync(ctx); err != nil {
					if errors.Is(err, ErrLedgerUnreachable) {
						log.Debug().Msg("Ledger unreachable, will retry")
					} else {
						log.Error().Err(err).Msg("Ledger sync failed")
					}
				}
			}
		}
	}()
}

// Verify re-derives the entry's signature and integrity proof and checks
// its timestamp window. Sub-checks run independently; the report records
// each outcome.
func (b *Bridge) Verify(entry *Entry, operatorID string) (VerifyReport, error) {
	var report VerifyReport

	report.RecordMatch = b.recordMatch(entry)
	report.SignatureFormat = validSignatureFormat(entry.Signature)

	expected, err := b.sign(entry, operatorID)
	if err != nil {
		return report, err
	}
	report.SignatureValid = hmac.Equal([]byte(expected), []byte(entry.Signature))

	report.ProofValid = integrityProof(entry) == entry.IntegrityProof

	now := time.Now()
	ts := time.Unix(entry.Timestamp, 0)
	report.TimestampValid = !ts.Before(now.Add(-maxEntryAge)) && !ts.After(now.Add(maxClockSkew))

	return report, nil
}

// recordMatch checks the entry's record hash against the vault's current
// standalone hash for the patient. Delete and export entries reference
// records that no longer exist as stored rows, so the check only applies
// to create and update.
func (b *Bridge) recordMatch(entry *Entry) bool {
	if entry.Action != ActionCreate && entry.Action != ActionUpdate {
		return true
	}
	row, err := b.db.GetRecord(entry.PatientID)
	if err != nil {
		return false
	}
	return row.IntegrityHash == entry.RecordHash
}

// Pending returns the decoded entries currently awaiting submission.
func (b *Bridge) Pending() ([]Entry, error) {
	return b.entriesByStatus(storage.StatusPending)
}

// Failed returns the decoded entries rejected by the ledger.
func (b *Bridge) Failed() ([]Entry, error) {
	return b.entriesByStatus(storage.StatusFailed)
}

func (b *Bridge) entriesByStatus(status string) ([]Entry, error) {
	rows, err := b.db.AuditEntriesByStatus(status)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		var entry Entry
		if err := json.Unmarshal(row.Entry, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Latest returns the most recent entry for patientID.
func (b *Bridge) Latest(patientID string) (*Entry, error) {
	row, err := b.db.LatestAuditEntry(patientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(row.Entry, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode audit entry: %w", err)
	}
	return &entry, nil
}

// Count returns the total number of queued entries across statuses.
func (b *Bridge) Count() (int, error) {
	return b.db.AuditCount()
}

// sign computes the operator-keyed signature over the entry's immutable
// fields.
func (b *Bridge) sign(entry *Entry, operatorID string) (string, error) {
	key, err := b.keys.DeriveKey(purposeAuditSigningPrefix + operatorID)
	if err != nil {
		return "", fmt.Errorf("failed to derive signing key: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(entry.EntryID))
	mac.Write([]byte(entry.Action))
	mac.Write([]byte(entry.PatientID))
	mac.Write([]byte(entry.RecordHash))
	mac.Write([]byte(entry.OperatorHash))
	mac.Write([]byte(entry.DeviceFingerprint))
	mac.Write([]byte(fmt.Sprintf("%d", entry.Timestamp)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// integrityProof binds the record hash, signature and device fingerprint
// into a second independent check.
func integrityProof(entry *Entry) string {
	h := sha256.New()
	h.Write([]byte(entry.RecordHash))
	h.Write([]byte(entry.Signature))
	h.Write([]byte(entry.DeviceFingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// hashOperator references the operator without exposing the raw id.
func hashOperator(operatorID string) string {
	sum := sha256.Sum256([]byte(operatorID))
	return hex.EncodeToString(sum[:])
}

// validSignatureFormat checks for exactly 64 lowercase hex characters.
func validSignatureFormat(sig string) bool {
	if len(sig) != signatureHex {
		return false
	}
	for _, r := range sig {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
