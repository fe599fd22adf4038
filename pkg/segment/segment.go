// Package segment defines the core domain types of the Mindfold audio cache:
// the cached audio segment record, the voice partition key, content
// fingerprinting, and vector similarity helpers.
//
// An [AudioSegment] represents one synthesized utterance of a meditation
// script. Segments are identified exactly by the (TextHash, VoiceID,
// VoiceStyle) triple and approximately by the cosine similarity of their
// embedding vectors.
package segment

import "time"

// AudioSegment is a single cached synthesis result.
//
// All fields except UsageCount, LastUsedAt, and Embedding are immutable after
// creation. Embedding may be backfilled once by the repair workflow when it
// was unavailable at creation time.
type AudioSegment struct {
	// ID is the surrogate identifier assigned at creation (UUID string).
	ID string

	// TextContent is the exact spoken text, after pause-marker stripping.
	TextContent string

	// TextHash is the fingerprint of the normalized TextContent. It is not
	// globally unique on its own: uniqueness is scoped to the
	// (TextHash, VoiceID, VoiceStyle) triple.
	TextHash string

	// VoiceID, VoiceGender, and VoiceStyle identify the synthetic voice
	// configuration that produced this audio.
	VoiceID     string
	VoiceGender string
	VoiceStyle  string

	// AudioURL points at the rendered audio bytes (object storage / CDN).
	AudioURL string

	// AudioDuration is the spoken length in seconds. Zero when unknown.
	AudioDuration float64

	// FileSize is the rendered audio size in bytes. Zero when unknown.
	FileSize int64

	// UsageCount starts at 1 on creation and is incremented on every cache
	// hit. It only ever decreases as part of an administrative merge, where
	// the loser's count is folded into the survivor before deletion.
	UsageCount int64

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time

	// LastUsedAt is advanced to now() on every cache hit.
	// Invariant: LastUsedAt >= CreatedAt.
	LastUsedAt time.Time

	// Embedding is the semantic vector of TextContent, or nil when it has not
	// been computed yet. All non-nil embeddings in one store share the same
	// dimensionality; vectors from different embedding models must never be
	// compared.
	Embedding []float32

	// Language is an IETF language tag (e.g., "en-US").
	Language string

	// SimilarityThreshold optionally overrides the system-wide semantic reuse
	// threshold for matches against this entry. Zero means "use the default".
	SimilarityThreshold float64
}

// EffectiveThreshold returns the semantic reuse threshold that applies to
// matches against this segment: the per-entry override when set, otherwise
// fallback.
func (s *AudioSegment) EffectiveThreshold(fallback float64) float64 {
	if s.SimilarityThreshold > 0 {
		return s.SimilarityThreshold
	}
	return fallback
}

// Voice is the synthetic voice configuration a caller wants audio for.
// Together with the language it forms the partition within which cached
// audio may be reused — identical text spoken by a different voice is
// different audio.
type Voice struct {
	ID     string
	Gender string
	Style  string
}
