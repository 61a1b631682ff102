// Package checkpoint creates and opens encrypted, signed snapshots of a
// session's node list. A checkpoint is immutable once captured; its
// signature binds the integrity hash and the ciphertext together so that
// tampering with either is detectable before any contents are trusted.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/flowsmith-dev/flowsmith/pkg/crypto"
	"github.com/flowsmith-dev/flowsmith/pkg/node"
)

// MaxCheckpoints bounds the number of snapshots a session retains.
// Creating one beyond the bound evicts the oldest.
const MaxCheckpoints = 10

// Common errors for checkpoint operations.
var (
	// ErrCreationFailed is returned when the crypto provider fails while
	// capturing a snapshot. Session state is unchanged when it occurs.
	ErrCreationFailed = errors.New("checkpoint creation failed")
	// ErrIntegrityViolation is returned when a checkpoint's signature does
	// not verify. Treated as evidence of tampering.
	ErrIntegrityViolation = errors.New("checkpoint integrity violation")
	// ErrCorrupt is returned when decrypted contents do not match the
	// checkpoint's stored hash.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// Checkpoint is an immutable snapshot of a node list at a point in time.
type Checkpoint struct {
	// ID is a monotonically increasing counter scoped to the session.
	// It is independent of storage position, so FIFO eviction can never
	// cause an id to be reused for a different snapshot.
	ID uint64 `json:"id"`
	// Label is the caller-supplied description (may be empty).
	Label string `json:"label,omitempty"`
	// Hash is the plaintext integrity hash of the node list at capture.
	Hash string `json:"hash"`
	// Ciphertext is the encrypted node list, nonce-prefixed.
	Ciphertext []byte `json:"ciphertext"`
	// CreatedAt is when the snapshot was captured.
	CreatedAt time.Time `json:"createdAt"`
	// Signature binds Hash and Ciphertext under the session secret.
	Signature []byte `json:"signature"`
}

// Capture snapshots the given node list under the session secret,
// stamped with the caller's clock. The snapshot is purely local: it
// performs no external calls and fails only on crypto provider error,
// leaving nothing half-written.
func Capture(id uint64, label string, nodes []node.Node, secret []byte, provider crypto.Provider, createdAt time.Time) (Checkpoint, error) {
	plaintext, err := canonicalBytes(nodes)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: serialize nodes: %v", ErrCreationFailed, err)
	}

	hash := digest(plaintext)

	key := provider.DeriveKey(secret)
	ciphertext, err := provider.Encrypt(key, plaintext)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: encrypt: %v", ErrCreationFailed, err)
	}

	return Checkpoint{
		ID:         id,
		Label:      label,
		Hash:       hash,
		Ciphertext: ciphertext,
		CreatedAt:  createdAt.UTC(),
		Signature:  provider.Sign(secret, signedPayload(hash, ciphertext)),
	}, nil
}

// Open verifies, decrypts, and parses a checkpoint. Verification order is
// deliberate: the signature over hash||ciphertext is checked before any
// ciphertext is touched, and the plaintext hash is re-checked after
// decryption as defense in depth.
func Open(cp Checkpoint, secret []byte, provider crypto.Provider) ([]node.Node, error) {
	if !provider.Verify(secret, signedPayload(cp.Hash, cp.Ciphertext), cp.Signature) {
		return nil, ErrIntegrityViolation
	}

	key := provider.DeriveKey(secret)
	plaintext, err := provider.Decrypt(key, cp.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrityViolation, err)
	}

	if digest(plaintext) != cp.Hash {
		return nil, ErrCorrupt
	}

	var nodes []node.Node
	if err := json.Unmarshal(plaintext, &nodes); err != nil {
		return nil, fmt.Errorf("%w: parse node list: %v", ErrCorrupt, err)
	}
	if nodes == nil {
		nodes = []node.Node{}
	}

	return nodes, nil
}

// canonicalBytes serializes a node list to its RFC 8785 (JCS) canonical
// JSON form, so the same logical list always hashes identically.
func canonicalBytes(nodes []node.Node) ([]byte, error) {
	if nodes == nil {
		nodes = []node.Node{}
	}
	raw, err := json.Marshal(nodes)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// signedPayload concatenates hash and ciphertext for signing, binding the
// two fields together.
func signedPayload(hash string, ciphertext []byte) []byte {
	payload := make([]byte, 0, len(hash)+len(ciphertext))
	payload = append(payload, hash...)
	return append(payload, ciphertext...)
}
