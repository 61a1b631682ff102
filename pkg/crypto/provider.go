// Package crypto provides the cryptographic primitives used to protect
// checkpoint snapshots: authenticated encryption, keyed-hash signing, and
// secure random token generation.
//
// The Provider interface exists so that tests can inject a deterministic
// implementation explicitly. The production implementation never weakens
// itself based on environment variables or build flags.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Common errors for cryptographic operations.
var (
	// ErrCiphertextTooShort is returned when an encrypted blob is shorter
	// than the nonce it must carry.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	// ErrDecryptFailed is returned when authenticated decryption fails.
	ErrDecryptFailed = errors.New("decryption failed")
)

// Provider abstracts the cryptographic operations needed by the checkpoint
// store. Implementations must be safe for concurrent use.
type Provider interface {
	// Encrypt seals plaintext with the given 32-byte key. The returned blob
	// carries the nonce as a prefix so it is self-contained for storage.
	Encrypt(key, plaintext []byte) ([]byte, error)

	// Decrypt opens a blob produced by Encrypt, authenticating it in the
	// process. Returns ErrDecryptFailed on any authentication failure.
	Decrypt(key, blob []byte) ([]byte, error)

	// Sign computes a keyed signature over data.
	Sign(key, data []byte) []byte

	// Verify reports whether sig is a valid signature over data.
	// Implementations must compare in constant time.
	Verify(key, data, sig []byte) bool

	// DeriveKey derives a 32-byte symmetric key from a session secret.
	DeriveKey(secret []byte) []byte

	// RandomToken returns a hex-encoded token of n random bytes.
	RandomToken(n int) (string, error)
}

// AEADProvider is the production Provider. It uses AES-256-GCM for
// encryption and HMAC-SHA256 for signatures.
type AEADProvider struct{}

// NewAEADProvider creates the production crypto provider.
func NewAEADProvider() *AEADProvider {
	return &AEADProvider{}
}

// Encrypt seals plaintext with AES-256-GCM under the given key.
// The random nonce is prepended to the ciphertext.
func (p *AEADProvider) Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends to the nonce, yielding nonce||ciphertext in one buffer.
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed AES-256-GCM blob.
func (p *AEADProvider) Decrypt(key, blob []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Do not leak cipher internals to callers.
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

// Sign computes an HMAC-SHA256 signature over data.
func (p *AEADProvider) Sign(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify checks an HMAC-SHA256 signature in constant time.
func (p *AEADProvider) Verify(key, data, sig []byte) bool {
	return hmac.Equal(p.Sign(key, data), sig)
}

// DeriveKey derives a 32-byte AES key from a session secret via SHA-256.
// The secret itself never leaves the process or appears in stored blobs.
func (p *AEADProvider) DeriveKey(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	return sum[:]
}

// RandomToken returns a hex-encoded token of n random bytes from the
// operating system CSPRNG.
func (p *AEADProvider) RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return aead, nil
}
