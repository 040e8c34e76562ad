package secrets

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer wraps and unwraps secret values before they touch persistent
// storage. The production deployment binds sealing to a hardware-backed
// facility; LocalSealer covers development and tests.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Unseal(ciphertext []byte) ([]byte, error)
}

// LocalSealer seals with XChaCha20-Poly1305 under a caller-supplied key.
// It stands in for a platform keystore on devices without one.
type LocalSealer struct {
	key []byte
}

// NewLocalSealer creates a sealer from a 32-byte key.
func NewLocalSealer(key []byte) (*LocalSealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("sealer key must be %d bytes", chacha20poly1305.KeySize)
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return &LocalSealer{key: cp}, nil
}

// Seal encrypts plaintext and prepends the random nonce.
func (l *LocalSealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(l.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Unseal decrypts a blob produced by Seal.
func (l *LocalSealer) Unseal(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(l.key)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("sealed blob too short")
	}
	nonce := ciphertext[:nonceSize]
	return aead.Open(nil, nonce, ciphertext[nonceSize:], nil)
}

// KMSSealerConfig holds the settings for a KMS-backed sealer.
type KMSSealerConfig struct {
	KeyARN  string
	Region  string
	Timeout time.Duration
}

// KMSSealer seals secrets through an AWS KMS key. Decryption is gated by
// the key policy, which models a device whose secret store is anchored in
// an external hardware facility.
type KMSSealer struct {
	client  *kms.Client
	keyARN  string
	timeout time.Duration
}

// NewKMSSealer creates a KMS-backed sealer.
func NewKMSSealer(cfg KMSSealerConfig) (*KMSSealer, error) {
	if cfg.KeyARN == "" {
		return nil, fmt.Errorf("KMS key ARN is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KMSSealer{
		client:  kms.NewFromConfig(awsCfg),
		keyARN:  cfg.KeyARN,
		timeout: timeout,
	}, nil
}

// Seal encrypts plaintext under the sealing key.
func (k *KMSSealer) Seal(plaintext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	result, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &k.keyARN,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS encrypt failed: %w", err)
	}

	log.Debug().
		Int("plaintext_len", len(plaintext)).
		Int("ciphertext_len", len(result.CiphertextBlob)).
		Msg("KMS seal successful")

	return result.CiphertextBlob, nil
}

// Unseal decrypts a blob previously sealed to the key.
func (k *KMSSealer) Unseal(ciphertext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	result, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &k.keyARN,
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}
	return result.Plaintext, nil
}
