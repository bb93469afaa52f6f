// Package sha256 computes content digests recorded with stored files.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix labels digests produced by Hasher.
const Prefix = "sha256:"

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the labelled hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}

// Verify reports whether digest matches data.
func (h *Hasher) Verify(data []byte, digest string) bool {
	got, _ := h.Hash(data)
	return strings.EqualFold(got, digest)
}
