// Package vaultcore wires the device security subsystem together: device
// identity, key management, credential and session handling, the patient
// record vault and the audit ledger bridge. A Core is the single entry
// point an application embeds.
package vaultcore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fieldclinic/vaultcore/authority"
	"github.com/fieldclinic/vaultcore/config"
	"github.com/fieldclinic/vaultcore/credstore"
	"github.com/fieldclinic/vaultcore/deviceid"
	"github.com/fieldclinic/vaultcore/keymgr"
	"github.com/fieldclinic/vaultcore/ledger"
	"github.com/fieldclinic/vaultcore/seclog"
	"github.com/fieldclinic/vaultcore/secrets"
	"github.com/fieldclinic/vaultcore/storage"
	"github.com/fieldclinic/vaultcore/vault"
)

// sealKeyLabel domain-separates the secret-store sealing key from every
// other use of the device fingerprint.
const sealKeyLabel = "vaultcore-seal-v1:"

// ErrPermissionDenied is returned when the session lacks the permission
// an operation requires.
var ErrPermissionDenied = errors.New("vaultcore: permission denied")

// Core is the assembled subsystem.
type Core struct {
	cfg *config.Config

	DB          *storage.DB
	Secrets     secrets.Store
	Identity    *deviceid.Identity
	Keys        *keymgr.Manager
	Events      *seclog.Logger
	Credentials *credstore.Store
	Authority   *authority.Authority
	Vault       *vault.Vault
	Ledger      *ledger.Bridge

	submitter ledger.Submitter
	uploader  vault.Uploader
	cancel    context.CancelFunc
}

// Option customizes Core construction.
type Option func(*options)

type options struct {
	store     secrets.Store
	source    deviceid.AttributeSource
	second    authority.SecondFactor
	submitter ledger.Submitter
	uploader  vault.Uploader
}

// WithSecretStore replaces the default sealed file store. Used by tests
// and by platforms with their own keystore.
func WithSecretStore(store secrets.Store) Option {
	return func(o *options) { o.store = store }
}

// WithAttributeSource replaces the platform attribute probe.
func WithAttributeSource(source deviceid.AttributeSource) Option {
	return func(o *options) { o.source = source }
}

// WithSecondFactor installs the device's biometric facility.
func WithSecondFactor(second authority.SecondFactor) Option {
	return func(o *options) { o.second = second }
}

// WithSubmitter replaces the ledger submitter built from configuration.
func WithSubmitter(submitter ledger.Submitter) Option {
	return func(o *options) { o.submitter = submitter }
}

// WithUploader replaces the backup uploader built from configuration.
func WithUploader(uploader vault.Uploader) Option {
	return func(o *options) { o.uploader = uploader }
}

// New assembles the subsystem from configuration. The master secret is
// materialized (created on first run) before any component needs it.
func New(cfg *config.Config, opts ...Option) (*Core, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.source == nil {
		o.source = deviceid.PlatformAttributes
	}

	store := o.store
	if store == nil {
		var err error
		store, err = buildSecretStore(cfg, o.source)
		if err != nil {
			return nil, err
		}
	}

	identity, err := deviceid.New(store, o.source)
	if err != nil {
		return nil, err
	}

	keys := keymgr.New(store, identity)
	if _, err := keys.MasterSecret(); err != nil {
		return nil, fmt.Errorf("failed to materialize master secret: %w", err)
	}

	db, err := storage.Open(filepath.Join(cfg.DataDir, "vaultcore.db"))
	if err != nil {
		return nil, err
	}

	events, err := seclog.New(db, keys, identity)
	if err != nil {
		db.Close()
		return nil, err
	}

	creds := credstore.New(db, keys, events, credstore.Config{
		PINLength:        cfg.Auth.PINLength,
		LockoutThreshold: cfg.Auth.LockoutThreshold,
	})

	auth := authority.New(creds, keys, identity, store, events, o.second, cfg.SessionTimeout())

	vlt := vault.New(db, keys, events, cfg.Vault.CacheSize, cfg.CacheTTL())

	submitter := o.submitter
	if submitter == nil && cfg.Ledger.Enabled {
		submitter, err = ledger.NewNATSSubmitter(ledger.NATSConfig{
			URL:             cfg.Ledger.URL,
			Subject:         cfg.Ledger.Subject,
			CredentialsFile: cfg.Ledger.CredentialsFile,
			RequestTimeout:  time.Duration(cfg.Ledger.RequestTimeoutMs) * time.Millisecond,
			ReconnectWait:   time.Duration(cfg.Ledger.ReconnectWaitMs) * time.Millisecond,
			MaxReconnects:   cfg.Ledger.MaxReconnects,
		})
		if err != nil {
			// Offline start is normal for this device class.
			log.Warn().Err(err).Msg("Ledger unreachable at startup, queueing locally")
			submitter = nil
		}
	}
	bridge := ledger.New(db, keys, identity, submitter)

	return &Core{
		cfg:         cfg,
		DB:          db,
		Secrets:     store,
		Identity:    identity,
		Keys:        keys,
		Events:      events,
		Credentials: creds,
		Authority:   auth,
		Vault:       vlt,
		Ledger:      bridge,
		submitter:   submitter,
		uploader:    o.uploader,
	}, nil
}

// buildSecretStore seals the on-disk secret store with KMS when a key is
// configured, otherwise with a key bound to the device fingerprint.
func buildSecretStore(cfg *config.Config, source deviceid.AttributeSource) (secrets.Store, error) {
	var sealer secrets.Sealer
	if cfg.Sealing.KMSKeyARN != "" {
		var err error
		sealer, err = secrets.NewKMSSealer(secrets.KMSSealerConfig{
			KeyARN: cfg.Sealing.KMSKeyARN,
			Region: cfg.Sealing.Region,
		})
		if err != nil {
			return nil, err
		}
	} else {
		attrs, err := source()
		if err != nil {
			return nil, fmt.Errorf("failed to probe device attributes: %w", err)
		}
		seed := sha256.Sum256([]byte(sealKeyLabel + attrs.HostID))
		sealer, err = secrets.NewLocalSealer(seed[:])
		if err != nil {
			return nil, err
		}
	}
	return secrets.NewFileStore(filepath.Join(cfg.DataDir, "secrets"), sealer)
}

// Start runs startup checks and launches background maintenance: the
// integrity sweep, session restore, the ledger sync ticker and periodic
// cache purging. It returns the sweep report so callers can surface
// damaged records.
func (c *Core) Start(ctx context.Context) (vault.ValidationReport, error) {
	report, err := c.Vault.ValidateAll()
	if err != nil {
		return report, err
	}

	// Restore a persisted session if one survives expiry and device checks.
	switch _, err := c.Authority.Validate(); {
	case err == nil:
		log.Info().Msg("Previous session restored")
	case errors.Is(err, authority.ErrNoSession),
		errors.Is(err, authority.ErrSessionExpired),
		errors.Is(err, authority.ErrDeviceMismatch):
		// Normal cold start.
	default:
		return report, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.submitter != nil {
		c.Ledger.StartSync(runCtx, c.cfg.SyncInterval())
	}
	go c.purgeLoop(runCtx)

	return report, nil
}

// purgeLoop drops expired cache entries on the cache TTL cadence.
func (c *Core) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CacheTTL())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Vault.PurgeCache(); n > 0 {
				log.Debug().Int("purged", n).Msg("Cache purge")
			}
		}
	}
}

// Close stops background work and releases resources.
func (c *Core) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if closer, ok := c.submitter.(interface{ Close() }); ok {
		closer.Close()
	}
	return c.DB.Close()
}

// ===== session-gated operations =====

// PutRecord stores a record under the session's authority and mirrors the
// write into the audit queue.
func (c *Core) PutRecord(session *authority.Session, patientID string, payload vault.Payload) (*vault.Record, error) {
	if !c.Authority.CheckPermission(session, authority.PermRecordWrite) {
		return nil, ErrPermissionDenied
	}

	action := ledger.ActionCreate
	if _, err := c.Vault.RecordHash(patientID); err == nil {
		action = ledger.ActionUpdate
	}

	record, err := c.Vault.Put(patientID, payload, session.OperatorID)
	if err != nil {
		return nil, err
	}

	hash, err := c.Vault.RecordHash(patientID)
	if err != nil {
		return nil, err
	}
	if _, err := c.Ledger.Record(action, patientID, hash, session.OperatorID); err != nil {
		log.Error().Err(err).Str("patient_id", patientID).Msg("Failed to queue audit entry")
	}
	return record, nil
}

// GetRecord reads a record under the session's authority.
func (c *Core) GetRecord(session *authority.Session, patientID string) (*vault.Record, error) {
	if !c.Authority.CheckPermission(session, authority.PermRecordRead) {
		return nil, ErrPermissionDenied
	}
	return c.Vault.Get(patientID)
}

// DeleteRecord removes a record under the session's authority. The hash
// of the removed record is captured for the audit entry before deletion.
func (c *Core) DeleteRecord(session *authority.Session, patientID string) error {
	if !c.Authority.CheckPermission(session, authority.PermRecordDelete) {
		return ErrPermissionDenied
	}

	hash, err := c.Vault.RecordHash(patientID)
	if err != nil {
		return err
	}
	if err := c.Vault.Delete(patientID, session.OperatorID); err != nil {
		return err
	}
	if _, err := c.Ledger.Record(ledger.ActionDelete, patientID, hash, session.OperatorID); err != nil {
		log.Error().Err(err).Str("patient_id", patientID).Msg("Failed to queue audit entry")
	}
	return nil
}

// ExportBackup seals the vault into a bundle and, when an uploader is
// configured, ships it off-device. Returns the backup id.
func (c *Core) ExportBackup(ctx context.Context, session *authority.Session) (string, error) {
	if !c.Authority.CheckPermission(session, authority.PermRecordExport) {
		return "", ErrPermissionDenied
	}

	fp, err := c.Identity.Fingerprint()
	if err != nil {
		return "", err
	}

	var backupID string
	if c.uploader != nil {
		backupID, err = c.Vault.ExportTo(ctx, c.uploader, fp)
	} else {
		_, backupID, err = c.Vault.Export(fp)
	}
	if err != nil {
		return "", err
	}

	if _, err := c.Ledger.Record(ledger.ActionExport, "", backupID, session.OperatorID); err != nil {
		log.Error().Err(err).Msg("Failed to queue audit entry")
	}
	return backupID, nil
}

// SecurityEvents returns recent decoded security events for operators
// holding the audit view permission.
func (c *Core) SecurityEvents(session *authority.Session, limit int) ([]seclog.Event, error) {
	if !c.Authority.CheckPermission(session, authority.PermAuditView) {
		return nil, ErrPermissionDenied
	}
	return c.Events.Recent(limit)
}

// UnlockOperator resets another operator's lockout counter. Requires the
// admin unlock permission.
func (c *Core) UnlockOperator(session *authority.Session, operatorID string) error {
	if !c.Authority.CheckPermission(session, authority.PermAdminUnlock) {
		return ErrPermissionDenied
	}
	return c.Credentials.Unlock(operatorID)
}
