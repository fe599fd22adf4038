package segment

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize returns the canonical form of spoken text used for exact-match
// identity: surrounding whitespace trimmed and the text case-folded.
// Punctuation is deliberately preserved — "Breathe in." and "Breathe in!"
// are different utterances; paraphrase detection is the job of embedding
// similarity, not of the fingerprint.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Fingerprint derives the exact-match cache key for text: the SHA-256 hex
// digest of [Normalize](text). It is a pure function; equal normalized inputs
// always produce equal fingerprints.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}
