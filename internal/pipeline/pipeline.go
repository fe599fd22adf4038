// Package pipeline glues the segment cache to a TTS provider and an audio
// sink: it takes a pre-segmented meditation script and produces one rendered
// audio reference per segment, reusing cached audio wherever the cache finds
// a match and synthesizing fresh audio everywhere else.
//
// Script generation and audio assembly live outside this package; the
// pipeline's contract starts at segmented text and ends at per-segment
// audio URLs with pause markers passed through untouched.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mindfold/mindfold/internal/observe"
	"github.com/mindfold/mindfold/pkg/cache"
	"github.com/mindfold/mindfold/pkg/provider/tts"
	"github.com/mindfold/mindfold/pkg/segment"
)

// DefaultConcurrency bounds how many segments render in parallel. The limit
// protects the database and the TTS provider's rate limits rather than the
// local CPU.
const DefaultConcurrency = 4

// ScriptSegment is one sentence-chunk of a segmented meditation script.
type ScriptSegment struct {
	// Text is the utterance to be spoken.
	Text string

	// PauseAfter is the silence in seconds to insert after the utterance
	// during assembly. The pipeline passes it through untouched.
	PauseAfter float64
}

// RenderedSegment is the audio reference produced for one script segment,
// in input order.
type RenderedSegment struct {
	// Index is the segment's position in the input script.
	Index int

	// Text and PauseAfter echo the input segment.
	Text       string
	PauseAfter float64

	// SegmentID is the cache row backing this audio, when the save
	// succeeded; empty when the cache was unavailable and the audio is
	// served uncached.
	SegmentID string

	// AudioURL and Duration describe the rendered audio.
	AudioURL string
	Duration float64

	// Outcome says whether the audio came from an exact hit, a semantic
	// hit, or fresh synthesis.
	Outcome cache.Outcome
}

// Pipeline renders segmented scripts. Construct with [New]; safe for
// concurrent use.
type Pipeline struct {
	cache       *cache.Cache
	synthesizer tts.Provider
	sink        AudioSink
	logger      *slog.Logger
	metrics     *observe.Metrics
	concurrency int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConcurrency bounds parallel segment rendering. Values below one are
// ignored.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n >= 1 {
			p.concurrency = int64(n)
		}
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New constructs a Pipeline over the given cache, synthesizer, and sink.
func New(c *cache.Cache, synth tts.Provider, sink AudioSink, opts ...Option) *Pipeline {
	p := &Pipeline{
		cache:       c,
		synthesizer: synth,
		sink:        sink,
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Render produces one RenderedSegment per input segment, in input order.
// Segments render concurrently up to the configured bound; each one
// independently runs lookup → synthesize-on-miss → save.
//
// Cache failures (lookup or save) degrade per segment: the segment is
// synthesized fresh and the render continues. A synthesis failure is fatal
// to the whole render — without audio there is nothing useful to return —
// as is ctx cancellation. On error the partial results are discarded.
func (p *Pipeline) Render(ctx context.Context, segments []ScriptSegment, voice segment.Voice, language string) ([]RenderedSegment, error) {
	if len(segments) == 0 {
		return nil, nil
	}
	p.metrics.ActiveRenders.Add(ctx, 1)
	defer p.metrics.ActiveRenders.Add(ctx, -1)

	out := make([]RenderedSegment, len(segments))
	sem := semaphore.NewWeighted(p.concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i, ss := range segments {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			rendered, err := p.renderOne(gctx, i, ss, voice, language)
			if err != nil {
				return err
			}
			out[i] = *rendered
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// renderOne processes a single script segment.
func (p *Pipeline) renderOne(ctx context.Context, idx int, ss ScriptSegment, voice segment.Voice, language string) (*RenderedSegment, error) {
	rendered := &RenderedSegment{
		Index:      idx,
		Text:       ss.Text,
		PauseAfter: ss.PauseAfter,
	}

	res, err := p.cache.Lookup(ctx, cache.Request{
		Text:     ss.Text,
		Voice:    voice,
		Language: language,
	})
	if err != nil {
		// Lookup only errors on cancellation.
		return nil, err
	}
	if res.Outcome != cache.OutcomeMiss {
		rendered.Outcome = res.Outcome
		rendered.SegmentID = res.Segment.ID
		rendered.AudioURL = res.Segment.AudioURL
		rendered.Duration = res.Segment.AudioDuration
		return rendered, nil
	}

	// Miss: synthesize, persist the audio, then record it in the cache.
	synthStart := time.Now()
	synth, err := p.synthesizer.Synthesize(ctx, ss.Text, tts.VoiceProfile{
		ID:     voice.ID,
		Gender: voice.Gender,
		Style:  voice.Style,
	})
	p.metrics.SynthesisDuration.Record(ctx, time.Since(synthStart).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(ctx, "tts", "synthesize")
		return nil, fmt.Errorf("pipeline: synthesize segment %d: %w", idx, err)
	}
	p.metrics.RecordProviderRequest(ctx, "tts", "synthesize", "ok")

	key := audioKey(ss.Text, voice)
	url, size, err := p.sink.Store(ctx, key, synth.Audio)
	if err != nil {
		return nil, fmt.Errorf("pipeline: store audio for segment %d: %w", idx, err)
	}

	rendered.Outcome = cache.OutcomeMiss
	rendered.AudioURL = url
	rendered.Duration = synth.Duration

	saved, err := p.cache.Save(ctx, cache.SaveRequest{
		Text:          ss.Text,
		Voice:         voice,
		Language:      language,
		AudioURL:      url,
		AudioDuration: synth.Duration,
		FileSize:      size,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The audio exists and is usable; only its reuse is lost.
		p.logger.Warn("cache save failed, serving uncached audio",
			"text_hash", segment.Fingerprint(ss.Text),
			"voice_id", voice.ID,
			"voice_style", voice.Style,
			"err", err,
		)
		return rendered, nil
	}
	rendered.SegmentID = saved.ID
	// A save conflict resolves to the concurrent winner's row, which may
	// reference different (equivalent) audio.
	rendered.AudioURL = saved.AudioURL
	if saved.AudioDuration > 0 {
		rendered.Duration = saved.AudioDuration
	}
	return rendered, nil
}

// audioKey derives the sink filename from the content identity triple.
func audioKey(text string, voice segment.Voice) string {
	return segment.Fingerprint(text) + "-" + segment.Fingerprint(voice.ID+"/"+voice.Style)[:8]
}
