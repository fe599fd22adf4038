package tts

// VoiceProfile describes a synthesis voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Gender is the voice gender label as reported by the provider
	// ("female", "male", "neutral").
	Gender string

	// Style is the speaking style used for meditation narration
	// (e.g., "calm", "whisper", "warm").
	Style string

	// Metadata holds provider-specific voice attributes (age, accent, etc.).
	Metadata map[string]string
}
