// Package deviceid derives a stable fingerprint from hardware and platform
// attributes. Every downstream trust decision (key derivation, session
// binding, audit proofs) is anchored on this fingerprint, so a mismatch
// between the stored and recomputed value fails closed.
package deviceid

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/host"

	"github.com/fieldclinic/vaultcore/secrets"
)

// ErrFingerprintMismatch is returned when the recomputed fingerprint no
// longer matches the value captured at first run.
var ErrFingerprintMismatch = errors.New("deviceid: fingerprint mismatch")

// storeKey is where the first-run fingerprint is persisted.
const storeKey = "device_fingerprint"

// Attributes are the stable platform characteristics folded into the
// fingerprint. The set is immutable per install.
type Attributes struct {
	HostID         string `json:"host_id"`
	Model          string `json:"model"`
	OSName         string `json:"os_name"`
	OSVersion      string `json:"os_version"`
	KernelVersion  string `json:"kernel_version"`
	PlatformFamily string `json:"platform_family"`
}

// AttributeSource supplies the current platform attributes. Injected so
// tests can simulate a device change.
type AttributeSource func() (Attributes, error)

// PlatformAttributes reads attributes from the running host.
func PlatformAttributes() (Attributes, error) {
	info, err := host.Info()
	if err != nil {
		return Attributes{}, fmt.Errorf("failed to read host info: %w", err)
	}
	return Attributes{
		HostID:         info.HostID,
		Model:          info.Hostname,
		OSName:         info.OS,
		OSVersion:      info.PlatformVersion,
		KernelVersion:  info.KernelVersion,
		PlatformFamily: info.PlatformFamily,
	}, nil
}

// Identity binds the persisted first-run fingerprint to an attribute
// source that recomputes the current one on demand.
type Identity struct {
	source   AttributeSource
	enrolled string
}

// New loads or creates the device identity. On first run the computed
// fingerprint is persisted; on every later run the recomputed value must
// equal the stored one or New fails with ErrFingerprintMismatch.
func New(store secrets.Store, source AttributeSource) (*Identity, error) {
	if source == nil {
		source = PlatformAttributes
	}

	current, err := fingerprint(source)
	if err != nil {
		return nil, err
	}

	stored, err := store.Get(storeKey)
	if errors.Is(err, secrets.ErrNotFound) {
		if err := store.Set(storeKey, []byte(current)); err != nil {
			return nil, fmt.Errorf("failed to persist device fingerprint: %w", err)
		}
		log.Info().Str("fingerprint", short(current)).Msg("Device identity enrolled")
		return &Identity{source: source, enrolled: current}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device fingerprint: %w", err)
	}

	if string(stored) != current {
		log.Error().
			Str("stored", short(string(stored))).
			Str("computed", short(current)).
			Msg("Device fingerprint mismatch")
		return nil, ErrFingerprintMismatch
	}

	return &Identity{source: source, enrolled: current}, nil
}

// Fingerprint recomputes the fingerprint from the current attributes.
// Callers that need the issuance-time value use Enrolled.
func (i *Identity) Fingerprint() (string, error) {
	return fingerprint(i.source)
}

// Enrolled returns the fingerprint captured at first run.
func (i *Identity) Enrolled() string {
	return i.enrolled
}

// fingerprint hashes the canonical JSON encoding of the attribute set.
func fingerprint(source AttributeSource) (string, error) {
	attrs, err := source()
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to encode device attributes: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// short truncates a fingerprint for log output.
func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
