package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mindfold/mindfold/pkg/segment"
	"github.com/mindfold/mindfold/pkg/store"
)

func newSegment(text string) *segment.AudioSegment {
	return &segment.AudioSegment{
		TextContent: text,
		TextHash:    segment.Fingerprint(text),
		VoiceID:     "v1",
		VoiceGender: "female",
		VoiceStyle:  "calm",
		AudioURL:    "file:///audio/" + segment.Fingerprint(text)[:8] + ".mp3",
		Language:    "en-US",
	}
}

func TestInsertAndGetByFingerprint(t *testing.T) {
	ctx := context.Background()
	s := New()

	seg := newSegment("Breathe in slowly.")
	inserted, err := s.Insert(ctx, seg)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if inserted.ID == "" {
		t.Fatal("Insert did not assign an ID")
	}
	if inserted.UsageCount != 1 {
		t.Fatalf("UsageCount = %d, want 1", inserted.UsageCount)
	}
	if inserted.LastUsedAt.Before(inserted.CreatedAt) {
		t.Fatal("LastUsedAt precedes CreatedAt")
	}

	got, err := s.GetByFingerprint(ctx, seg.TextHash, "v1", "calm")
	if err != nil {
		t.Fatalf("GetByFingerprint: %v", err)
	}
	if got.ID != inserted.ID {
		t.Errorf("got ID %q, want %q", got.ID, inserted.ID)
	}
}

func TestGetByFingerprint_Miss(t *testing.T) {
	s := New()
	_, err := s.GetByFingerprint(context.Background(), "nope", "v1", "calm")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInsert_Conflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.Insert(ctx, newSegment("Relax your shoulders.")); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	_, err := s.Insert(ctx, newSegment("Relax your shoulders."))
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if s.Len() != 1 {
		t.Fatalf("store has %d segments after conflict, want 1", s.Len())
	}
}

func TestInsert_SameTextDifferentVoice(t *testing.T) {
	ctx := context.Background()
	s := New()

	a := newSegment("Let your thoughts drift.")
	if _, err := s.Insert(ctx, a); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	b := newSegment("Let your thoughts drift.")
	b.VoiceID = "v2"
	if _, err := s.Insert(ctx, b); err != nil {
		t.Fatalf("Insert b: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("store has %d segments, want 2 (uniqueness is per voice)", s.Len())
	}
}

func TestIncrementUsage_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := New()

	inserted, err := s.Insert(ctx, newSegment("Feel the ground beneath you."))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementUsage(ctx, inserted.ID); err != nil {
				t.Errorf("IncrementUsage: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetByFingerprint(ctx, inserted.TextHash, "v1", "calm")
	if err != nil {
		t.Fatalf("GetByFingerprint: %v", err)
	}
	if got.UsageCount != 1+workers {
		t.Errorf("UsageCount = %d, want %d (no lost updates)", got.UsageCount, 1+workers)
	}
}

func TestScan_FilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := New()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	texts := []string{"one", "two", "three"}
	for _, txt := range texts {
		if _, err := s.Insert(ctx, newSegment(txt)); err != nil {
			t.Fatalf("Insert %q: %v", txt, err)
		}
	}
	withEmb := newSegment("four")
	withEmb.Embedding = []float32{1, 0}
	if _, err := s.Insert(ctx, withEmb); err != nil {
		t.Fatalf("Insert four: %v", err)
	}

	var missing []string
	err := s.Scan(ctx, store.Filter{MissingEmbedding: true}, func(seg *segment.AudioSegment) error {
		missing = append(missing, seg.TextContent)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(missing) != 3 {
		t.Fatalf("scanned %d segments, want 3", len(missing))
	}
	for i, want := range texts {
		if missing[i] != want {
			t.Errorf("scan order[%d] = %q, want %q", i, missing[i], want)
		}
	}
}

func TestScan_StopsOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, txt := range []string{"a", "b", "c"} {
		if _, err := s.Insert(ctx, newSegment(txt)); err != nil {
			t.Fatal(err)
		}
	}

	sentinel := errors.New("stop")
	seen := 0
	err := s.Scan(ctx, store.Filter{}, func(*segment.AudioSegment) error {
		seen++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if seen != 1 {
		t.Fatalf("fn called %d times after error, want 1", seen)
	}
}

func TestSearchSimilar_PartitionAndOrder(t *testing.T) {
	ctx := context.Background()
	s := New()

	near := newSegment("Welcome to this meditation.")
	near.Embedding = []float32{1, 0.05}
	far := newSegment("Focus on your breath.")
	far.Embedding = []float32{0, 1}
	otherVoice := newSegment("Welcome to this meditation!")
	otherVoice.VoiceID = "v2"
	otherVoice.Embedding = []float32{1, 0}
	noEmbedding := newSegment("Sink deeper into calm.")

	for _, seg := range []*segment.AudioSegment{near, far, otherVoice, noEmbedding} {
		if _, err := s.Insert(ctx, seg); err != nil {
			t.Fatal(err)
		}
	}

	results, err := s.SearchSimilar(ctx, []float32{1, 0}, "v1", "calm", "en-US", 10)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (partition + embedding filters)", len(results))
	}
	if results[0].Segment.TextContent != near.TextContent {
		t.Errorf("best match = %q, want %q", results[0].Segment.TextContent, near.TextContent)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Error("results not ordered by descending similarity")
	}
}

func TestUpdateEmbedding(t *testing.T) {
	ctx := context.Background()
	s := New()

	inserted, err := s.Insert(ctx, newSegment("Notice the silence."))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateEmbedding(ctx, inserted.ID, []float32{0.5, 0.5}); err != nil {
		t.Fatalf("UpdateEmbedding: %v", err)
	}
	got, err := s.GetByFingerprint(ctx, inserted.TextHash, "v1", "calm")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Embedding) != 2 {
		t.Fatalf("embedding not persisted: %v", got.Embedding)
	}

	if err := s.UpdateEmbedding(ctx, "missing", []float32{1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMergeCluster(t *testing.T) {
	ctx := context.Background()
	s := New()

	survivor, err := s.Insert(ctx, newSegment("Breathe out."))
	if err != nil {
		t.Fatal(err)
	}
	loser1, err := s.Insert(ctx, newSegment("Breathe out!"))
	if err != nil {
		t.Fatal(err)
	}
	loser2, err := s.Insert(ctx, newSegment("Breathe out…"))
	if err != nil {
		t.Fatal(err)
	}

	// Give the losers some usage history and a later LastUsedAt.
	for i := 0; i < 4; i++ {
		if err := s.IncrementUsage(ctx, loser1.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.IncrementUsage(ctx, loser2.ID); err != nil {
		t.Fatal(err)
	}

	if err := s.MergeCluster(ctx, survivor.ID, []string{loser1.ID, loser2.ID}); err != nil {
		t.Fatalf("MergeCluster: %v", err)
	}

	got, err := s.GetByFingerprint(ctx, survivor.TextHash, "v1", "calm")
	if err != nil {
		t.Fatal(err)
	}
	// survivor(1) + loser1(1+4) + loser2(1+1) = 8
	if got.UsageCount != 8 {
		t.Errorf("survivor UsageCount = %d, want 8 (sum of cluster)", got.UsageCount)
	}
	if s.Len() != 1 {
		t.Errorf("store has %d segments after merge, want 1", s.Len())
	}
	if _, err := s.GetByFingerprint(ctx, loser1.TextHash, "v1", "calm"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("loser still present after merge: %v", err)
	}
}

func TestMergeCluster_MissingLoserLeavesStoreIntact(t *testing.T) {
	ctx := context.Background()
	s := New()

	survivor, err := s.Insert(ctx, newSegment("Rest here."))
	if err != nil {
		t.Fatal(err)
	}
	loser, err := s.Insert(ctx, newSegment("Rest here!"))
	if err != nil {
		t.Fatal(err)
	}

	err = s.MergeCluster(ctx, survivor.ID, []string{loser.ID, "vanished"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	// Atomicity: nothing happened.
	if s.Len() != 2 {
		t.Errorf("store has %d segments, want 2 (merge must be all-or-nothing)", s.Len())
	}
	got, _ := s.GetByFingerprint(ctx, survivor.TextHash, "v1", "calm")
	if got.UsageCount != 1 {
		t.Errorf("survivor UsageCount mutated to %d on failed merge", got.UsageCount)
	}
}

func TestCoverage(t *testing.T) {
	ctx := context.Background()
	s := New()

	a := newSegment("eins")
	a.Embedding = []float32{1}
	a.Language = "de-DE"
	b := newSegment("two")
	for _, seg := range []*segment.AudioSegment{a, b} {
		if _, err := s.Insert(ctx, seg); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.Coverage(ctx)
	if err != nil {
		t.Fatalf("Coverage: %v", err)
	}
	if stats.TotalSegments != 2 || stats.WithEmbeddings != 1 || stats.WithoutEmbedding != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.Languages) != 2 {
		t.Errorf("Languages = %v, want two distinct tags", stats.Languages)
	}
}
