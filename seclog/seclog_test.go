package seclog

import (
	"encoding/json"
	"testing"

	"github.com/fieldclinic/vaultcore/deviceid"
	"github.com/fieldclinic/vaultcore/envelope"
	"github.com/fieldclinic/vaultcore/keymgr"
	"github.com/fieldclinic/vaultcore/secrets"
	"github.com/fieldclinic/vaultcore/storage"
)

func testFixture(t *testing.T) (*Logger, *storage.DB, *keymgr.Manager) {
	t.Helper()

	store := secrets.NewMemoryStore()
	identity, err := deviceid.New(store, func() (deviceid.Attributes, error) {
		return deviceid.Attributes{HostID: "host-1", Model: "fieldpad-9"}, nil
	})
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	keys := keymgr.New(store, identity)
	if _, err := keys.MasterSecret(); err != nil {
		t.Fatalf("Failed to materialize master secret: %v", err)
	}

	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger, err := New(db, keys, identity)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, db, keys
}

func TestRecordPersistsSealedEvent(t *testing.T) {
	logger, db, keys := testFixture(t)

	logger.Record("login_success", SeverityLow, map[string]string{"operator_id": "op-1"})

	events, err := db.SecurityEvents(10)
	if err != nil {
		t.Fatalf("SecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Severity != string(SeverityLow) {
		t.Errorf("Unexpected severity %q", events[0].Severity)
	}

	// The envelope must open under the security-log key and contain the
	// event fields.
	key, err := keys.DeriveKey("security-log")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	env, err := envelope.Decode(events[0].Envelope)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	plaintext, err := envelope.Open(env, key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	var event Event
	if err := json.Unmarshal(plaintext, &event); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if event.Kind != "login_success" || event.Details["operator_id"] != "op-1" {
		t.Errorf("Unexpected event: %+v", event)
	}
}

func TestEventChainLinks(t *testing.T) {
	logger, db, _ := testFixture(t)

	logger.Record("first", SeverityLow, nil)
	logger.Record("second", SeverityMedium, nil)
	logger.Record("third", SeverityHigh, nil)

	events, err := db.SecurityEvents(10)
	if err != nil {
		t.Fatalf("SecurityEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}

	byHash := make(map[string]string)
	for _, ev := range events {
		byHash[ev.EntryHash] = ev.PreviousHash
	}
	last, err := db.LastSecurityEventHash()
	if err != nil {
		t.Fatalf("LastSecurityEventHash failed: %v", err)
	}

	// Walking the chain from the tip must reach the empty genesis hash in
	// exactly three steps.
	seen := 0
	for cursor := last; cursor != ""; seen++ {
		prev, ok := byHash[cursor]
		if !ok {
			t.Fatalf("Chain broken at %q", cursor)
		}
		cursor = prev
	}
	if seen != 3 {
		t.Errorf("Expected chain depth 3, got %d", seen)
	}
}

func TestChainResumesAcrossRestart(t *testing.T) {
	logger, db, keys := testFixture(t)

	logger.Record("before_restart", SeverityLow, nil)
	tip, err := db.LastSecurityEventHash()
	if err != nil {
		t.Fatalf("LastSecurityEventHash failed: %v", err)
	}

	identity := logger.identity
	logger2, err := New(db, keys, identity)
	if err != nil {
		t.Fatalf("Failed to recreate logger: %v", err)
	}
	logger2.Record("after_restart", SeverityLow, nil)

	events, err := db.SecurityEvents(10)
	if err != nil {
		t.Fatalf("SecurityEvents failed: %v", err)
	}
	var found bool
	for _, ev := range events {
		if ev.PreviousHash == tip {
			found = true
		}
	}
	if !found {
		t.Error("Restarted logger did not chain onto the stored tip")
	}
}

func TestRecentDecodesEvents(t *testing.T) {
	logger, _, _ := testFixture(t)

	logger.Record("login_success", SeverityLow, map[string]string{"operator_id": "op-1"})
	logger.Record("invalid_pin", SeverityMedium, map[string]string{"operator_id": "op-2"})

	events, err := logger.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Kind != "invalid_pin" || events[1].Kind != "login_success" {
		t.Errorf("Unexpected order: %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[0].Details["operator_id"] != "op-2" {
		t.Errorf("Details lost: %+v", events[0])
	}
}

func TestBruteForceDetection(t *testing.T) {
	logger, db, _ := testFixture(t)

	for i := 0; i < bruteForceThreshold-1; i++ {
		if crossed := logger.RecordAuthFailure("op-1"); crossed {
			t.Fatalf("Threshold crossed early at attempt %d", i+1)
		}
	}
	if crossed := logger.RecordAuthFailure("op-1"); !crossed {
		t.Fatal("Expected threshold to be crossed")
	}

	events, err := db.SecurityEvents(10)
	if err != nil {
		t.Fatalf("SecurityEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Severity != string(SeverityHigh) {
		t.Errorf("Expected one high-severity brute-force event, got %+v", events)
	}
}

func TestBruteForcePerSubject(t *testing.T) {
	logger, _, _ := testFixture(t)

	for i := 0; i < bruteForceThreshold-1; i++ {
		logger.RecordAuthFailure("op-1")
	}
	// A different subject starts from zero.
	if crossed := logger.RecordAuthFailure("op-2"); crossed {
		t.Error("Failure count leaked across subjects")
	}
}
