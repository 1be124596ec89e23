package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint returns the cache key for a piece of text: a SHA-256 hash of
// the lowercased, whitespace-normalized content. Case and whitespace
// variations of the same text therefore share one cache entry.
func Fingerprint(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
