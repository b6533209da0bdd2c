package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// procedure ids are derived, not random, so that re-crawling the same
// content upserts instead of duplicating.
const procIDLen = 32

// MakeProcedureID derives the stable identity of a procedure from its
// normalized title, its municipality and its key tokens (plan number,
// parcel triple). Every caller that needs a procedure id goes through
// this function; no other identity scheme exists.
func MakeProcedureID(titleNorm, municipalityKey string, keyTokens []string) string {
	tokens := make([]string, 0, len(keyTokens))
	for _, t := range keyTokens {
		t = strings.TrimSpace(t)
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	sort.Strings(tokens)

	parts := append([]string{titleNorm, municipalityKey}, tokens...)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])[:procIDLen]
}
