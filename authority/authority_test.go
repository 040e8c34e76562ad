package authority

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldclinic/vaultcore/credstore"
	"github.com/fieldclinic/vaultcore/deviceid"
	"github.com/fieldclinic/vaultcore/keymgr"
	"github.com/fieldclinic/vaultcore/seclog"
	"github.com/fieldclinic/vaultcore/secrets"
	"github.com/fieldclinic/vaultcore/storage"
)

type fixture struct {
	authority *Authority
	creds     *credstore.Store
	store     secrets.Store
	attrs     *deviceid.Attributes
}

type fakeSecondFactor struct {
	caps Capabilities
	err  error
	hits int
}

func (f *fakeSecondFactor) Capabilities() Capabilities { return f.caps }

func (f *fakeSecondFactor) Challenge(ctx context.Context, prompt string) error {
	f.hits++
	return f.err
}

func newFixture(t *testing.T, second SecondFactor, timeout time.Duration) *fixture {
	t.Helper()

	attrs := &deviceid.Attributes{HostID: "host-1", Model: "fieldpad-9"}
	mem := secrets.NewMemoryStore()
	identity, err := deviceid.New(mem, func() (deviceid.Attributes, error) {
		return *attrs, nil
	})
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	keys := keymgr.New(mem, identity)
	if _, err := keys.MasterSecret(); err != nil {
		t.Fatalf("Failed to materialize master secret: %v", err)
	}

	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	events, err := seclog.New(db, keys, identity)
	if err != nil {
		t.Fatalf("Failed to create event logger: %v", err)
	}

	creds := credstore.New(db, keys, events, credstore.Config{PINLength: 4, LockoutThreshold: 5})
	if err := creds.Register("op-1", "Dr. Chen", "1234", credstore.RoleNurse); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	return &fixture{
		authority: New(creds, keys, identity, mem, events, second, timeout),
		creds:     creds,
		store:     mem,
		attrs:     attrs,
	}
}

func TestAuthenticateIssuesSession(t *testing.T) {
	f := newFixture(t, nil, 30*time.Minute)

	session, err := f.authority.Authenticate(context.Background(), "op-1", "1234", false)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if session.OperatorID != "op-1" || session.Role != credstore.RoleNurse {
		t.Errorf("Unexpected session: %+v", session)
	}
	if session.ExpiresAt <= session.IssuedAt {
		t.Error("Session expires before it is issued")
	}

	validated, err := f.authority.Validate()
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if validated.SessionID != session.SessionID {
		t.Error("Validated session differs from issued session")
	}
}

func TestAuthenticateWrongPIN(t *testing.T) {
	f := newFixture(t, nil, 30*time.Minute)

	if _, err := f.authority.Authenticate(context.Background(), "op-1", "0000", false); !errors.Is(err, credstore.ErrInvalidCredential) {
		t.Errorf("Expected ErrInvalidCredential, got %v", err)
	}
	if _, err := f.authority.Validate(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected no session after failed login, got %v", err)
	}
}

func TestSecondFactorRequired(t *testing.T) {
	second := &fakeSecondFactor{caps: Capabilities{Available: true, Enrolled: true}}
	f := newFixture(t, second, 30*time.Minute)

	if _, err := f.authority.Authenticate(context.Background(), "op-1", "1234", true); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if second.hits != 1 {
		t.Errorf("Expected one challenge, got %d", second.hits)
	}
}

func TestSecondFactorFailure(t *testing.T) {
	second := &fakeSecondFactor{
		caps: Capabilities{Available: true, Enrolled: true},
		err:  errors.New("declined"),
	}
	f := newFixture(t, second, 30*time.Minute)

	if _, err := f.authority.Authenticate(context.Background(), "op-1", "1234", true); !errors.Is(err, ErrSecondFactorFailed) {
		t.Errorf("Expected ErrSecondFactorFailed, got %v", err)
	}
}

func TestSecondFactorAbsenceDegradesToPIN(t *testing.T) {
	second := &fakeSecondFactor{caps: Capabilities{Available: false}}
	f := newFixture(t, second, 30*time.Minute)

	if _, err := f.authority.Authenticate(context.Background(), "op-1", "1234", true); err != nil {
		t.Fatalf("Authenticate failed without second factor: %v", err)
	}
	if second.hits != 0 {
		t.Error("Challenge ran on an unavailable second factor")
	}
}

func TestSessionExpiry(t *testing.T) {
	f := newFixture(t, nil, 1*time.Second)

	if _, err := f.authority.Authenticate(context.Background(), "op-1", "1234", false); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	// Issue a session that is already expired by rewinding the timeout.
	time.Sleep(1100 * time.Millisecond)
	if _, err := f.authority.Validate(); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired, got %v", err)
	}

	// Expired sessions are cleared, not retried.
	if _, err := f.authority.Validate(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession after expiry cleared, got %v", err)
	}
}

func TestDeviceMismatchInvalidatesSession(t *testing.T) {
	f := newFixture(t, nil, 30*time.Minute)

	if _, err := f.authority.Authenticate(context.Background(), "op-1", "1234", false); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	// Simulate the vault moving to different hardware.
	f.attrs.HostID = "host-2"
	if _, err := f.authority.Validate(); !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("Expected ErrDeviceMismatch, got %v", err)
	}
	if _, err := f.authority.Validate(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected session cleared after mismatch, got %v", err)
	}
}

func TestSingleActiveSession(t *testing.T) {
	f := newFixture(t, nil, 30*time.Minute)

	first, err := f.authority.Authenticate(context.Background(), "op-1", "1234", false)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	second, err := f.authority.Authenticate(context.Background(), "op-1", "1234", false)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if first.SessionID == second.SessionID {
		t.Error("Expected a fresh session id")
	}

	validated, err := f.authority.Validate()
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if validated.SessionID != second.SessionID {
		t.Error("Old session survived replacement")
	}
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, nil, 30*time.Minute)

	if _, err := f.authority.Authenticate(context.Background(), "op-1", "1234", false); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	f.authority.Revoke()

	if _, err := f.authority.Validate(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession after revoke, got %v", err)
	}
	if f.authority.Current() != nil {
		t.Error("Current session not cleared by revoke")
	}

	// Revoke with no session is a no-op.
	f.authority.Revoke()
}

func TestRolePermissions(t *testing.T) {
	f := newFixture(t, nil, 30*time.Minute)

	session, err := f.authority.Authenticate(context.Background(), "op-1", "1234", false)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	// Nurse: read, write, export, audit view; no delete or unlock.
	allowed := []string{PermRecordRead, PermRecordWrite, PermRecordExport, PermAuditView}
	for _, action := range allowed {
		if !f.authority.CheckPermission(session, action) {
			t.Errorf("Expected nurse to hold %s", action)
		}
	}
	denied := []string{PermRecordDelete, PermAdminUnlock}
	for _, action := range denied {
		if f.authority.CheckPermission(session, action) {
			t.Errorf("Expected nurse to be denied %s", action)
		}
	}

	if f.authority.CheckPermission(nil, PermRecordRead) {
		t.Error("Nil session passed a permission check")
	}
}

func TestEveryRoleHasPermissions(t *testing.T) {
	roles := []credstore.Role{
		credstore.RoleAdminClinician,
		credstore.RoleNurse,
		credstore.RoleResident,
		credstore.RoleObserver,
	}
	for _, role := range roles {
		perms, ok := rolePermissions[role]
		if !ok || len(perms) == 0 {
			t.Errorf("Role %s maps to no permissions", role)
		}
	}
}
