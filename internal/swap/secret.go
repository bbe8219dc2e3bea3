// Package swap contains the cross-chain swap orchestrator: the shared
// secret, timelock derivation, and the four role x direction flows
// coordinating the two HTLCs.
package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/chainsquad/swapchain/pkg/helpers"
)

// Secret is the 32-byte preimage and its SHA256 digest shared by both HTLCs.
// Immutable after creation; the preimage stays private to the party who
// generated it until the first on-chain redemption reveals it.
type Secret struct {
	preimage []byte // nil for the hash-only form
	hash     [32]byte
}

// NewSecret draws a random 32-byte preimage.
func NewSecret() (*Secret, error) {
	preimage, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	return &Secret{
		preimage: preimage,
		hash:     sha256.Sum256(preimage),
	}, nil
}

// SecretFromHash constructs a hash-only Secret, used by the accepter before
// observing the reveal.
func SecretFromHash(hash []byte) (*Secret, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	s := &Secret{}
	copy(s.hash[:], hash)
	return s, nil
}

// Hash returns the SHA256 digest.
func (s *Secret) Hash() []byte {
	return s.hash[:]
}

// HashHex returns the digest as lowercase hex.
func (s *Secret) HashHex() string {
	return hex.EncodeToString(s.hash[:])
}

// HasPreimage reports whether the preimage is known.
func (s *Secret) HasPreimage() bool {
	return len(s.preimage) == 32
}

// Preimage returns the preimage, nil while unknown.
func (s *Secret) Preimage() []byte {
	return s.preimage
}

// PreimageHex returns the preimage as lowercase hex, empty while unknown.
func (s *Secret) PreimageHex() string {
	return hex.EncodeToString(s.preimage)
}

// SetPreimage fills in a preimage observed on-chain after verifying it
// against the hash.
func (s *Secret) SetPreimage(preimage []byte) error {
	if len(preimage) != 32 {
		return fmt.Errorf("preimage must be 32 bytes, got %d", len(preimage))
	}

	digest := sha256.Sum256(preimage)
	if !helpers.ConstantTimeCompare(digest[:], s.hash[:]) {
		return fmt.Errorf("preimage does not match hash %s", s.HashHex())
	}

	s.preimage = make([]byte, 32)
	copy(s.preimage, preimage)
	return nil
}
