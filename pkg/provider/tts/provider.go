// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, or a
// local Piper instance) behind a single blocking call: text in, rendered
// audio plus its spoken duration out. The cache layer invokes it only on a
// cache miss; the result is then persisted through the cache writer so the
// same utterance is never synthesized twice.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Result is the outcome of a synthesis call.
type Result struct {
	// Audio is the rendered audio payload (PCM or a container format,
	// depending on the provider's configured output format).
	Audio []byte

	// Duration is the spoken length in seconds. Zero when the provider
	// cannot determine it; the cache stores it as unknown and it may be
	// backfilled later.
	Duration float64
}

// Provider is the abstraction over any TTS backend.
//
// Multiple synthesis requests may run in parallel (one meditation render
// synthesizes all of its missed segments concurrently), so implementations
// must be safe for concurrent use.
type Provider interface {
	// Synthesize renders text with the given voice and returns the audio
	// bytes together with the spoken duration. It blocks until synthesis
	// completes or ctx is cancelled.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (*Result, error)

	// ListVoices returns all voice profiles available from this provider.
	// The list reflects the provider's current catalogue and may change
	// between calls if the underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
