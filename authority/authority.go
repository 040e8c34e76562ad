// Package authority performs multi-factor operator authentication and
// manages the device's single active session. Sessions are bound to the
// device fingerprint captured at issuance; a mismatch at validation time
// is treated as a critical security event and the session is cleared.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fieldclinic/vaultcore/credstore"
	"github.com/fieldclinic/vaultcore/deviceid"
	"github.com/fieldclinic/vaultcore/envelope"
	"github.com/fieldclinic/vaultcore/keymgr"
	"github.com/fieldclinic/vaultcore/seclog"
	"github.com/fieldclinic/vaultcore/secrets"
)

// Purpose label for sealing the persisted session.
const purposeSession = "session"

// sessionStoreKey is the secret-store slot for the single active session.
const sessionStoreKey = "active_session"

var (
	// ErrNoSession is returned when no valid session is active.
	ErrNoSession = errors.New("authority: no active session")

	// ErrSessionExpired is returned when the persisted session has passed
	// its expiry. The session is cleared.
	ErrSessionExpired = errors.New("authority: session expired")

	// ErrDeviceMismatch is returned when the recomputed device fingerprint
	// differs from the one captured at issuance. The session is cleared.
	ErrDeviceMismatch = errors.New("authority: device fingerprint mismatch")

	// ErrSecondFactorFailed is returned when the second-factor challenge
	// is declined or errors.
	ErrSecondFactorFailed = errors.New("authority: second factor failed")
)

// Permission actions resolved from roles at issuance.
const (
	PermRecordRead   = "record.read"
	PermRecordWrite  = "record.write"
	PermRecordDelete = "record.delete"
	PermRecordExport = "record.export"
	PermAdminUnlock  = "admin.unlock"
	PermAuditView    = "audit.view"
)

// rolePermissions is the static role → permission mapping. Every role maps
// to a non-empty set; unknown roles are rejected at registration.
var rolePermissions = map[credstore.Role][]string{
	credstore.RoleAdminClinician: {
		PermRecordRead, PermRecordWrite, PermRecordDelete,
		PermRecordExport, PermAdminUnlock, PermAuditView,
	},
	credstore.RoleNurse: {
		PermRecordRead, PermRecordWrite, PermRecordExport, PermAuditView,
	},
	credstore.RoleResident: {
		PermRecordRead, PermRecordWrite,
	},
	credstore.RoleObserver: {
		PermRecordRead,
	},
}

// Session is issued after full authentication and bound to the device.
type Session struct {
	SessionID         string         `json:"session_id"`
	OperatorID        string         `json:"operator_id"`
	Role              credstore.Role `json:"role"`
	DeviceFingerprint string         `json:"device_fingerprint"`
	IssuedAt          int64          `json:"issued_at"`
	ExpiresAt         int64          `json:"expires_at"`
	Permissions       []string       `json:"permissions"`
}

// Capabilities describes the device's second-factor facility.
type Capabilities struct {
	Available bool
	Enrolled  bool
}

// SecondFactor is the device's biometric (or equivalent) facility. Its
// absence degrades authentication to PIN-only; it never blocks
// registration.
type SecondFactor interface {
	Capabilities() Capabilities
	Challenge(ctx context.Context, prompt string) error
}

// Authority issues, validates and revokes sessions.
type Authority struct {
	creds    *credstore.Store
	keys     *keymgr.Manager
	identity *deviceid.Identity
	store    secrets.Store
	events   *seclog.Logger
	second   SecondFactor
	timeout  time.Duration

	mu      sync.Mutex
	current *Session
}

// New creates a session authority. second may be nil when the device has
// no second-factor facility.
func New(creds *credstore.Store, keys *keymgr.Manager, identity *deviceid.Identity,
	store secrets.Store, events *seclog.Logger, second SecondFactor, timeout time.Duration) *Authority {
	return &Authority{
		creds:    creds,
		keys:     keys,
		identity: identity,
		store:    store,
		events:   events,
		second:   second,
		timeout:  timeout,
	}
}

// Authenticate verifies the operator's PIN, runs the second-factor
// challenge when required and available, and issues a session. Any PIN
// mismatch counts toward lockout in the credential store.
func (a *Authority) Authenticate(ctx context.Context, operatorID, pin string, requireSecondFactor bool) (*Session, error) {
	profile, err := a.creds.VerifyPIN(operatorID, pin)
	if err != nil {
		return nil, err
	}

	if requireSecondFactor && a.second != nil {
		caps := a.second.Capabilities()
		if caps.Available && caps.Enrolled {
			prompt := fmt.Sprintf("Verify identity for %s", profile.DisplayName)
			if err := a.second.Challenge(ctx, prompt); err != nil {
				a.events.Record("second_factor_failed", seclog.SeverityHigh, map[string]string{
					"operator_id": operatorID,
				})
				return nil, fmt.Errorf("%w: %v", ErrSecondFactorFailed, err)
			}
		}
	}

	session, err := a.issue(profile)
	if err != nil {
		return nil, err
	}

	a.events.Record("login_success", seclog.SeverityLow, map[string]string{
		"operator_id": operatorID,
		"session_id":  session.SessionID,
	})
	return session, nil
}

// issue creates and persists a session for the profile. At most one
// session is active per device; issuance atomically replaces any previous
// one.
func (a *Authority) issue(profile *credstore.Profile) (*Session, error) {
	fp, err := a.identity.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to read device fingerprint: %w", err)
	}

	perms, ok := rolePermissions[profile.Role]
	if !ok {
		return nil, credstore.ErrUnknownRole
	}

	now := time.Now()
	session := &Session{
		SessionID:         uuid.NewString(),
		OperatorID:        profile.OperatorID,
		Role:              profile.Role,
		DeviceFingerprint: fp,
		IssuedAt:          now.Unix(),
		ExpiresAt:         now.Add(a.timeout).Unix(),
		Permissions:       append([]string(nil), perms...),
	}

	blob, err := a.seal(session)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.Set(sessionStoreKey, blob); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	a.current = session

	log.Info().
		Str("operator_id", profile.OperatorID).
		Str("session_id", session.SessionID).
		Time("expires_at", time.Unix(session.ExpiresAt, 0)).
		Msg("Session issued")
	return session, nil
}

// Validate loads the persisted session and checks expiry and device
// binding. Expired sessions are cleared; a fingerprint mismatch is a
// critical security event and also clears the session.
func (a *Authority) Validate() (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	blob, err := a.store.Get(sessionStoreKey)
	if errors.Is(err, secrets.ErrNotFound) {
		a.current = nil
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session, err := a.open(blob)
	if err != nil {
		// An unreadable session envelope is treated as no session rather
		// than surfacing a decrypt error to the UI.
		log.Warn().Err(err).Msg("Clearing unreadable session")
		a.clearLocked()
		return nil, ErrNoSession
	}

	if time.Now().Unix() > session.ExpiresAt {
		a.clearLocked()
		return nil, ErrSessionExpired
	}

	fp, err := a.identity.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("failed to read device fingerprint: %w", err)
	}
	if fp != session.DeviceFingerprint {
		a.events.Record("device_mismatch", seclog.SeverityCritical, map[string]string{
			"operator_id": session.OperatorID,
			"session_id":  session.SessionID,
		})
		a.clearLocked()
		return nil, ErrDeviceMismatch
	}

	a.current = session
	return session, nil
}

// Revoke clears the active session. Always available; never fails.
func (a *Authority) Revoke() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != nil {
		a.events.Record("logout", seclog.SeverityLow, map[string]string{
			"operator_id": a.current.OperatorID,
			"session_id":  a.current.SessionID,
		})
	}
	a.clearLocked()
}

// Current returns the session established by the last successful
// Authenticate or Validate call, or nil.
func (a *Authority) Current() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// CheckPermission reports whether the session's permission set contains
// action. A denial is itself an auditable event.
func (a *Authority) CheckPermission(session *Session, action string) bool {
	if session == nil {
		return false
	}
	for _, p := range session.Permissions {
		if p == action {
			return true
		}
	}
	a.events.Record("permission_denied", seclog.SeverityHigh, map[string]string{
		"operator_id": session.OperatorID,
		"action":      action,
	})
	return false
}

// clearLocked removes the persisted session. Callers hold a.mu.
func (a *Authority) clearLocked() {
	if err := a.store.Delete(sessionStoreKey); err != nil {
		log.Error().Err(err).Msg("Failed to clear persisted session")
	}
	a.current = nil
}

func (a *Authority) seal(session *Session) ([]byte, error) {
	encoded, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	key, err := a.keys.DeriveKey(purposeSession)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Seal(encoded, key)
	if err != nil {
		return nil, fmt.Errorf("failed to seal session: %w", err)
	}
	return env.Encode()
}

func (a *Authority) open(blob []byte) (*Session, error) {
	env, err := envelope.Decode(blob)
	if err != nil {
		return nil, err
	}
	key, err := a.keys.DeriveKey(purposeSession)
	if err != nil {
		return nil, err
	}
	plaintext, err := envelope.Open(env, key)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal(plaintext, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}
