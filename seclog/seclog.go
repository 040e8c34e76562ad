// Package seclog records security-relevant events: lockouts, integrity
// violations, device mismatches, denied permission checks. Events are
// severity-tagged, chained with tamper-evident hashes, and persisted as
// encrypted envelopes so the log itself discloses nothing at rest.
package seclog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fieldclinic/vaultcore/deviceid"
	"github.com/fieldclinic/vaultcore/envelope"
	"github.com/fieldclinic/vaultcore/keymgr"
	"github.com/fieldclinic/vaultcore/storage"
)

// Purpose label for sealing event envelopes.
const purposeSecurityLog = "security-log"

// Severity levels for security events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Brute-force detection window: this many failures for one subject within
// the window raises a brute-force event on top of the per-operator lockout.
const (
	bruteForceWindow    = time.Hour
	bruteForceThreshold = 10
)

// Event is a single security event as stored inside its envelope.
type Event struct {
	ID                string            `json:"id"`
	Kind              string            `json:"kind"`
	Severity          Severity          `json:"severity"`
	Details           map[string]string `json:"details,omitempty"`
	DeviceFingerprint string            `json:"device_fingerprint"`
	CreatedAt         int64             `json:"created_at"`
}

// Logger persists security events and mirrors them to the process log.
type Logger struct {
	db       *storage.DB
	keys     *keymgr.Manager
	identity *deviceid.Identity

	mu       sync.Mutex
	lastHash string
	failures map[string][]time.Time
}

// New creates a logger, resuming the hash chain from the last stored event.
func New(db *storage.DB, keys *keymgr.Manager, identity *deviceid.Identity) (*Logger, error) {
	lastHash, err := db.LastSecurityEventHash()
	if err != nil {
		return nil, fmt.Errorf("failed to resume event chain: %w", err)
	}
	return &Logger{
		db:       db,
		keys:     keys,
		identity: identity,
		lastHash: lastHash,
		failures: make(map[string][]time.Time),
	}, nil
}

// Record appends a security event to the chain. Persistence failures are
// reported to the process log but never block the calling operation.
func (l *Logger) Record(kind string, severity Severity, details map[string]string) {
	fp, err := l.identity.Fingerprint()
	if err != nil {
		fp = "unavailable"
	}

	event := Event{
		ID:                uuid.NewString(),
		Kind:              kind,
		Severity:          severity,
		Details:           details,
		DeviceFingerprint: fp,
		CreatedAt:         time.Now().Unix(),
	}

	logEvent(event)

	if err := l.persist(event); err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("Failed to persist security event")
	}
}

// persist seals the event and appends it with the chained hash.
func (l *Logger) persist(event Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	key, err := l.keys.DeriveKey(purposeSecurityLog)
	if err != nil {
		return fmt.Errorf("failed to derive security-log key: %w", err)
	}
	env, err := envelope.Seal(encoded, key)
	if err != nil {
		return fmt.Errorf("failed to seal event: %w", err)
	}
	blob, err := env.Encode()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entryHash := chainHash(l.lastHash, encoded)
	row := storage.EventRow{
		EventID:      event.ID,
		Severity:     string(event.Severity),
		Envelope:     blob,
		EntryHash:    entryHash,
		PreviousHash: l.lastHash,
		CreatedAt:    event.CreatedAt,
	}
	if err := l.db.AppendSecurityEvent(row); err != nil {
		return err
	}
	l.lastHash = entryHash
	return nil
}

// Recent returns up to limit decoded events, newest first. Events whose
// envelope no longer opens are skipped rather than aborting the read;
// the chain hashes still expose the gap.
func (l *Logger) Recent(limit int) ([]Event, error) {
	rows, err := l.db.SecurityEvents(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load security events: %w", err)
	}

	key, err := l.keys.DeriveKey(purposeSecurityLog)
	if err != nil {
		return nil, fmt.Errorf("failed to derive security-log key: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		env, err := envelope.Decode(row.Envelope)
		if err != nil {
			log.Warn().Str("event_id", row.EventID).Msg("Skipping undecodable security event")
			continue
		}
		plaintext, err := envelope.Open(env, key)
		if err != nil {
			log.Warn().Str("event_id", row.EventID).Msg("Skipping unreadable security event")
			continue
		}
		var event Event
		if err := json.Unmarshal(plaintext, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// RecordAuthFailure tracks a failed authentication for brute-force
// detection. Returns true when the sliding-window threshold is crossed,
// in which case a high-severity event has already been recorded.
func (l *Logger) RecordAuthFailure(subject string) bool {
	now := time.Now()
	cutoff := now.Add(-bruteForceWindow)

	l.mu.Lock()
	attempts := append(l.failures[subject], now)
	recent := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	l.failures[subject] = recent
	crossed := len(recent) >= bruteForceThreshold
	l.mu.Unlock()

	if crossed {
		l.Record("brute_force_detected", SeverityHigh, map[string]string{
			"subject":  subject,
			"attempts": fmt.Sprintf("%d", len(recent)),
		})
	}
	return crossed
}

// chainHash binds an event to its predecessor.
func chainHash(previous string, encoded []byte) string {
	h := sha256.New()
	h.Write([]byte(previous))
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil))
}

// logEvent mirrors the event to the process log at a level matching its
// severity.
func logEvent(event Event) {
	var ev *zerolog.Event
	switch event.Severity {
	case SeverityCritical, SeverityHigh:
		ev = log.Error()
	case SeverityMedium:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	ev = ev.Str("kind", event.Kind).Str("severity", string(event.Severity))
	for k, v := range event.Details {
		ev = ev.Str(k, v)
	}
	ev.Msg("Security event")
}
