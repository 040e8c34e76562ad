// Package envelope implements the encrypted envelope codec: ChaCha20
// encryption with an HMAC-SHA256 tag computed over the ciphertext
// (encrypt-then-MAC). Opening an envelope verifies the tag in constant
// time before any decryption is attempted, so a tampered envelope never
// reaches the cipher. Envelopes carry a version and algorithm tag so
// future algorithm upgrades can coexist with legacy envelopes.
package envelope

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// ErrIntegrityViolation is returned when an envelope's tag does not match
// its ciphertext. The envelope is not decrypted.
var ErrIntegrityViolation = errors.New("envelope: integrity violation")

// Format constants. AlgChaCha20HMAC is the only algorithm in version 1;
// the tags exist so a later version can migrate without breaking legacy
// envelopes.
const (
	Version         = 1
	AlgChaCha20HMAC = "chacha20+hmac-sha256"

	tagLen = sha256.Size
)

// Domain-separation labels for splitting a purpose key into independent
// encryption and MAC subkeys.
const (
	infoEncKey = "vaultcore-envelope-enc-v1"
	infoMACKey = "vaultcore-envelope-mac-v1"
)

// Envelope is the unit of storage for any protected value.
type Envelope struct {
	Version    int    `cbor:"1,keyasint" json:"version"`
	Algorithm  string `cbor:"2,keyasint" json:"algorithm"`
	Nonce      []byte `cbor:"3,keyasint" json:"nonce"`
	Ciphertext []byte `cbor:"4,keyasint" json:"ciphertext"`
	Tag        []byte `cbor:"5,keyasint" json:"tag"`
	CreatedAt  int64  `cbor:"6,keyasint" json:"created_at"`
}

// Seal encrypts plaintext under key and tags the ciphertext. The key must
// be a 32-byte purpose key from the key manager.
func Seal(plaintext, key []byte) (*Envelope, error) {
	encKey, macKey, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(encKey)
	defer zeroBytes(macKey)

	nonce := make([]byte, chacha20.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(encKey, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.XORKeyStream(ciphertext, plaintext)

	env := &Envelope{
		Version:    Version,
		Algorithm:  AlgChaCha20HMAC,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		CreatedAt:  time.Now().Unix(),
	}
	env.Tag = computeTag(macKey, env)
	return env, nil
}

// Open verifies the envelope's tag and, only on success, decrypts the
// ciphertext. A tag mismatch returns ErrIntegrityViolation without
// touching the cipher.
func Open(env *Envelope, key []byte) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is nil")
	}
	if env.Version != Version || env.Algorithm != AlgChaCha20HMAC {
		return nil, fmt.Errorf("unsupported envelope format: version %d algorithm %q", env.Version, env.Algorithm)
	}
	if len(env.Nonce) != chacha20.NonceSizeX || len(env.Tag) != tagLen {
		return nil, ErrIntegrityViolation
	}

	encKey, macKey, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(encKey)
	defer zeroBytes(macKey)

	expected := computeTag(macKey, env)
	if !hmac.Equal(expected, env.Tag) {
		return nil, ErrIntegrityViolation
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(encKey, env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext := make([]byte, len(env.Ciphertext))
	cipher.XORKeyStream(plaintext, env.Ciphertext)
	return plaintext, nil
}

// Encode serializes the envelope to its CBOR wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope from its CBOR wire form.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}

// computeTag authenticates the full envelope header and ciphertext so a
// version or nonce swap is detected the same way as a ciphertext flip.
func computeTag(macKey []byte, env *Envelope) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte{byte(env.Version)})
	mac.Write([]byte(env.Algorithm))
	mac.Write(env.Nonce)
	mac.Write(env.Ciphertext)
	return mac.Sum(nil)
}

// splitKey derives independent encryption and MAC subkeys from a purpose
// key via HKDF-SHA256 with distinct labels.
func splitKey(key []byte) (encKey, macKey []byte, err error) {
	if len(key) != chacha20.KeySize {
		return nil, nil, fmt.Errorf("envelope key must be %d bytes", chacha20.KeySize)
	}

	encKey = make([]byte, chacha20.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(infoEncKey)), encKey); err != nil {
		return nil, nil, fmt.Errorf("failed to derive encryption subkey: %w", err)
	}
	macKey = make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(infoMACKey)), macKey); err != nil {
		return nil, nil, fmt.Errorf("failed to derive MAC subkey: %w", err)
	}
	return encKey, macKey, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
