// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return canned audio without a live synthesis backend and
// to verify which texts and voices were submitted for synthesis.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeResult: &tts.Result{Audio: []byte("pcm"), Duration: 1.5},
//	}
//	res, _ := p.Synthesize(ctx, "Breathe in.", voice)
package mock

import (
	"context"
	"sync"

	"github.com/mindfold/mindfold/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeResult is returned by Synthesize. If nil and SynthesizeErr is
	// nil, a small non-empty placeholder result is returned.
	SynthesizeResult *tts.Result

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeFn, if non-nil, overrides the canned response entirely.
	SynthesizeFn func(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Result, error)

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCallCount is the number of times ListVoices was called.
	ListVoicesCallCount int
}

// Synthesize records the call and returns the configured response.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Result, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	fn := p.SynthesizeFn
	result, errOut := p.SynthesizeResult, p.SynthesizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	if errOut != nil {
		return nil, errOut
	}
	if result != nil {
		return result, nil
	}
	return &tts.Result{Audio: []byte("mock-pcm"), Duration: 1}, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCallCount++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCallCount = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
