package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mindfold/mindfold/pkg/cache"
	"github.com/mindfold/mindfold/pkg/provider/tts"
	ttsmock "github.com/mindfold/mindfold/pkg/provider/tts/mock"
	"github.com/mindfold/mindfold/pkg/segment"
	"github.com/mindfold/mindfold/pkg/store"
	"github.com/mindfold/mindfold/pkg/store/memstore"
)

var calmVoice = segment.Voice{ID: "v1", Gender: "female", Style: "calm"}

// memSink keeps stored audio in memory.
type memSink struct {
	mu     sync.Mutex
	stored map[string][]byte
}

func newMemSink() *memSink {
	return &memSink{stored: make(map[string][]byte)}
}

func (s *memSink) Store(ctx context.Context, key string, audio []byte) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored[key] = audio
	return "mem://" + key, int64(len(audio)), nil
}

func script(texts ...string) []ScriptSegment {
	segs := make([]ScriptSegment, len(texts))
	for i, t := range texts {
		segs[i] = ScriptSegment{Text: t, PauseAfter: float64(i)}
	}
	return segs
}

func TestRender_MissThenHit(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	c := cache.New(st)
	synth := &ttsmock.Provider{}
	p := New(c, synth, newMemSink())

	segs := script("Breathe in.", "Breathe out.", "Rest here.")

	first, err := p.Render(ctx, segs, calmVoice, "en-US")
	if err != nil {
		t.Fatalf("first Render: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("rendered %d segments, want 3", len(first))
	}
	for i, r := range first {
		if r.Index != i {
			t.Errorf("segment %d: index = %d (order not preserved)", i, r.Index)
		}
		if r.Text != segs[i].Text {
			t.Errorf("segment %d: text = %q, want %q", i, r.Text, segs[i].Text)
		}
		if r.PauseAfter != segs[i].PauseAfter {
			t.Errorf("segment %d: pause = %v, want %v", i, r.PauseAfter, segs[i].PauseAfter)
		}
		if r.Outcome != cache.OutcomeMiss {
			t.Errorf("segment %d: outcome = %s, want miss on empty store", i, r.Outcome)
		}
		if r.AudioURL == "" || r.SegmentID == "" {
			t.Errorf("segment %d: missing audio URL or segment ID: %+v", i, r)
		}
	}
	if got := len(synth.Calls()); got != 3 {
		t.Errorf("synthesize calls after first render = %d, want 3", got)
	}

	// Second render of the same script must be served entirely from cache.
	synth.Reset()
	second, err := p.Render(ctx, segs, calmVoice, "en-US")
	if err != nil {
		t.Fatalf("second Render: %v", err)
	}
	for i, r := range second {
		if r.Outcome != cache.OutcomeExactHit {
			t.Errorf("segment %d: outcome = %s, want exact hit", i, r.Outcome)
		}
		if r.AudioURL != first[i].AudioURL {
			t.Errorf("segment %d: URL changed between renders: %q vs %q", i, r.AudioURL, first[i].AudioURL)
		}
	}
	if got := len(synth.Calls()); got != 0 {
		t.Errorf("synthesize calls on full cache = %d, want 0", got)
	}
}

func TestRender_EmptyScript(t *testing.T) {
	p := New(cache.New(memstore.New()), &ttsmock.Provider{}, newMemSink())
	out, err := p.Render(context.Background(), nil, calmVoice, "en-US")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != nil {
		t.Errorf("out = %v, want nil", out)
	}
}

func TestRender_SynthesisFailureIsFatal(t *testing.T) {
	synth := &ttsmock.Provider{SynthesizeErr: errors.New("tts down")}
	p := New(cache.New(memstore.New()), synth, newMemSink())

	_, err := p.Render(context.Background(), script("Breathe in."), calmVoice, "en-US")
	if err == nil {
		t.Fatal("expected error when synthesis fails")
	}
}

// deadStore fails every operation with ErrUnavailable.
type deadStore struct{}

func (deadStore) GetByFingerprint(ctx context.Context, textHash, voiceID, voiceStyle string) (*segment.AudioSegment, error) {
	return nil, store.ErrUnavailable
}
func (deadStore) Insert(ctx context.Context, seg *segment.AudioSegment) (*segment.AudioSegment, error) {
	return nil, store.ErrUnavailable
}
func (deadStore) IncrementUsage(ctx context.Context, id string) error { return store.ErrUnavailable }
func (deadStore) Scan(ctx context.Context, f store.Filter, fn func(*segment.AudioSegment) error) error {
	return store.ErrUnavailable
}
func (deadStore) SearchSimilar(ctx context.Context, embedding []float32, voiceID, voiceStyle, language string, limit int) ([]store.SimilarSegment, error) {
	return nil, store.ErrUnavailable
}
func (deadStore) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	return store.ErrUnavailable
}
func (deadStore) MergeCluster(ctx context.Context, survivorID string, loserIDs []string) error {
	return store.ErrUnavailable
}
func (deadStore) Coverage(ctx context.Context) (*store.CoverageStats, error) {
	return nil, store.ErrUnavailable
}
func (deadStore) Ping(ctx context.Context) error { return store.ErrUnavailable }

// TestRender_CacheUnavailableDegrades proves the cache is an optimization:
// with the store completely dead, rendering still succeeds on fresh
// synthesis alone.
func TestRender_CacheUnavailableDegrades(t *testing.T) {
	synth := &ttsmock.Provider{}
	p := New(cache.New(deadStore{}), synth, newMemSink())

	out, err := p.Render(context.Background(), script("Breathe in.", "Breathe out."), calmVoice, "en-US")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for i, r := range out {
		if r.AudioURL == "" {
			t.Errorf("segment %d: no audio URL", i)
		}
		if r.SegmentID != "" {
			t.Errorf("segment %d: segment ID %q, want empty (save cannot succeed)", i, r.SegmentID)
		}
	}
	if got := len(synth.Calls()); got != 2 {
		t.Errorf("synthesize calls = %d, want 2", got)
	}
}

func TestRender_RespectsConcurrencyBound(t *testing.T) {
	var active, peak int64
	synth := &ttsmock.Provider{}
	synth.SynthesizeFn = func(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Result, error) {
		cur := atomic.AddInt64(&active, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return &tts.Result{Audio: []byte("pcm"), Duration: 1}, nil
	}

	p := New(cache.New(memstore.New()), synth, newMemSink(), WithConcurrency(2))

	texts := make([]string, 8)
	for i := range texts {
		texts[i] = fmt.Sprintf("segment number %d", i)
	}
	if _, err := p.Render(context.Background(), script(texts...), calmVoice, "en-US"); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if peak > 2 {
		t.Errorf("peak concurrent syntheses = %d, want <= 2", peak)
	}
}

func TestRender_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	synth := &ttsmock.Provider{}
	synth.SynthesizeFn = func(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Result, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p := New(cache.New(memstore.New()), synth, newMemSink())
	_, err := p.Render(ctx, script("Breathe in."), calmVoice, "en-US")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDirSink_StoreAndOverwrite(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDirSink(dir, "https://cdn.example.com/audio", ".mp3")
	if err != nil {
		t.Fatalf("NewDirSink: %v", err)
	}

	url, size, err := sink.Store(context.Background(), "abc123", []byte("first"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if url != "https://cdn.example.com/audio/abc123.mp3" {
		t.Errorf("url = %q", url)
	}
	if size != 5 {
		t.Errorf("size = %d, want 5", size)
	}

	// Same key overwrites rather than duplicating.
	_, size, err = sink.Store(context.Background(), "abc123", []byte("second!"))
	if err != nil {
		t.Fatalf("Store overwrite: %v", err)
	}
	if size != 7 {
		t.Errorf("size = %d, want 7", size)
	}
}

func TestDirSink_FileURLWithoutBase(t *testing.T) {
	sink, err := NewDirSink(t.TempDir(), "", "")
	if err != nil {
		t.Fatalf("NewDirSink: %v", err)
	}
	url, _, err := sink.Store(context.Background(), "xyz", []byte("pcm"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.HasPrefix(url, "file://") || !strings.HasSuffix(url, "xyz.mp3") {
		t.Errorf("url = %q, want file://...xyz.mp3", url)
	}
}
