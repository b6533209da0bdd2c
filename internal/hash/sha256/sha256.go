// Package sha256 is the content-hash adapter. The same digest serves as the
// procedure content_hash that detects changed pages between runs, as the
// document dedup key, and as the docs/{sha[:2]}/{sha} shard path in the
// blob store.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex SHA-256 digest of data. The error is always
// nil; it exists to satisfy crawler.Hasher.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
