package segment

import "testing"

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("Breathe in slowly.")
	b := Fingerprint("Breathe in slowly.")
	if a != b {
		t.Fatalf("Fingerprint not deterministic: %q != %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("Fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprint_CaseAndWhitespaceInsensitive(t *testing.T) {
	if Fingerprint("Hello") != Fingerprint("  hello  ") {
		t.Error("case/whitespace variants should share a fingerprint")
	}
	if Fingerprint("Hello") == Fingerprint("Hi") {
		t.Error("different texts must not collide")
	}
}

func TestFingerprint_PreservesPunctuation(t *testing.T) {
	// Punctuation changes prosody, so it is part of the identity.
	if Fingerprint("Welcome to this meditation.") == Fingerprint("Welcome to this meditation!") {
		t.Error("punctuation variants must have distinct fingerprints")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Hello  ", "hello"},
		{"BREATHE", "breathe"},
		{"", ""},
		{"\n\tLet go.\n", "let go."},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
