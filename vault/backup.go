package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fieldclinic/vaultcore/envelope"
	"github.com/fieldclinic/vaultcore/seclog"
)

// Purpose label for sealing backup bundles.
const purposeBackup = "backup"

// backupVersion is the bundle format version.
const backupVersion = 1

// BackupRecord is one record inside a bundle: the sealed envelope exactly
// as stored, plus its standalone integrity hash. Records are never
// re-encrypted for export, so a restore re-verifies the same hashes.
type BackupRecord struct {
	PatientID     string `json:"patient_id"`
	Envelope      []byte `json:"envelope"`
	IntegrityHash string `json:"integrity_hash"`
	OperatorID    string `json:"operator_id"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// BackupBundle is the exported vault contents before the outer seal.
type BackupBundle struct {
	BackupID          string         `json:"backup_id"`
	Version           int            `json:"version"`
	DeviceFingerprint string         `json:"device_fingerprint"`
	CreatedAt         int64          `json:"created_at"`
	Records           []BackupRecord `json:"records"`
}

// Uploader ships an exported bundle off-device.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// Export seals the full vault contents into a single encrypted bundle.
// Returns the bundle blob and its backup id.
func (v *Vault) Export(fingerprint string) ([]byte, string, error) {
	ids, err := v.db.RecordIDs()
	if err != nil {
		return nil, "", err
	}

	bundle := BackupBundle{
		BackupID:          uuid.NewString(),
		Version:           backupVersion,
		DeviceFingerprint: fingerprint,
		CreatedAt:         time.Now().Unix(),
	}
	for _, id := range ids {
		row, err := v.db.GetRecord(id)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read record for backup: %w", err)
		}
		bundle.Records = append(bundle.Records, BackupRecord{
			PatientID:     row.PatientID,
			Envelope:      row.Envelope,
			IntegrityHash: row.IntegrityHash,
			OperatorID:    row.OperatorID,
			CreatedAt:     row.CreatedAt,
			UpdatedAt:     row.UpdatedAt,
		})
	}

	encoded, err := json.Marshal(bundle)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode backup bundle: %w", err)
	}
	key, err := v.keys.DeriveKey(purposeBackup)
	if err != nil {
		return nil, "", err
	}
	env, err := envelope.Seal(encoded, key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to seal backup bundle: %w", err)
	}
	blob, err := env.Encode()
	if err != nil {
		return nil, "", err
	}

	log.Info().
		Str("backup_id", bundle.BackupID).
		Int("records", len(bundle.Records)).
		Msg("Backup bundle exported")
	return blob, bundle.BackupID, nil
}

// ExportTo exports the vault and ships the sealed bundle through the
// uploader under backups/<backup_id>.
func (v *Vault) ExportTo(ctx context.Context, uploader Uploader, fingerprint string) (string, error) {
	blob, backupID, err := v.Export(fingerprint)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("backups/%s", backupID)
	if err := uploader.Upload(ctx, key, blob); err != nil {
		return "", fmt.Errorf("failed to upload backup: %w", err)
	}

	v.events.Record("backup_exported", seclog.SeverityLow, map[string]string{
		"backup_id": backupID,
	})
	return backupID, nil
}

// S3Uploader ships backup bundles to an S3 bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader creates an uploader for the given bucket.
func NewS3Uploader(ctx context.Context, bucket, region string) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Uploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
	}, nil
}

// Upload stores a bundle in S3.
func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) error {
	log.Debug().
		Str("bucket", u.bucket).
		Str("key", key).
		Int("size", len(data)).
		Msg("S3 PUT")

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &u.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject failed: %w", err)
	}
	return nil
}
