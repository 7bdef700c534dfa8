package services

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// fingerprintSeparator keeps ("ab","c") and ("a","bc") from colliding.
const fingerprintSeparator = "\x1f"

// Fingerprint derives the dedup identity of a card from its semantic
// content. Case and surrounding whitespace are not significant; the same
// title/content always yields the same hash.
func Fingerprint(title, content string) string {
	normalized := normalizeForFingerprint(title) + fingerprintSeparator + normalizeForFingerprint(content)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func normalizeForFingerprint(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
