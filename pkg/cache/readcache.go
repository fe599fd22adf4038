package cache

import (
	"container/list"
	"sync"

	"github.com/mindfold/mindfold/pkg/segment"
)

// ReadCache is a bounded in-memory LRU layer in front of the store's exact
// lookup path, keyed by the (textHash, voiceID, voiceStyle) triple.
//
// It is strictly a latency optimization: the store remains the source of
// truth for uniqueness and usage accounting, and every write still goes
// through the store first. Entries are refreshed on hit and evicted oldest
// first once the size bound is reached. Safe for concurrent use.
type ReadCache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List // front = most recently used
	entries map[readKey]*list.Element
}

type readKey struct {
	textHash   string
	voiceID    string
	voiceStyle string
}

type readEntry struct {
	key readKey
	seg *segment.AudioSegment
}

// DefaultReadCacheSize bounds the read-through layer when no explicit size
// is configured.
const DefaultReadCacheSize = 1024

// NewReadCache returns a ReadCache holding at most maxSize segments. A
// non-positive maxSize falls back to [DefaultReadCacheSize].
func NewReadCache(maxSize int) *ReadCache {
	if maxSize <= 0 {
		maxSize = DefaultReadCacheSize
	}
	return &ReadCache{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[readKey]*list.Element),
	}
}

// Get returns the cached segment for the triple, marking it most recently
// used. The returned segment is a copy; mutating it does not affect the
// cache.
func (rc *ReadCache) Get(textHash, voiceID, voiceStyle string) (*segment.AudioSegment, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	el, ok := rc.entries[readKey{textHash, voiceID, voiceStyle}]
	if !ok {
		return nil, false
	}
	rc.order.MoveToFront(el)
	cp := *el.Value.(*readEntry).seg
	return &cp, true
}

// Put stores or refreshes seg, evicting the least recently used entry when
// the bound is exceeded.
func (rc *ReadCache) Put(seg *segment.AudioSegment) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	key := readKey{seg.TextHash, seg.VoiceID, seg.VoiceStyle}
	cp := *seg
	if el, ok := rc.entries[key]; ok {
		el.Value.(*readEntry).seg = &cp
		rc.order.MoveToFront(el)
		return
	}
	rc.entries[key] = rc.order.PushFront(&readEntry{key: key, seg: &cp})
	if rc.order.Len() > rc.maxSize {
		oldest := rc.order.Back()
		rc.order.Remove(oldest)
		delete(rc.entries, oldest.Value.(*readEntry).key)
	}
}

// Invalidate drops the entry for the triple, if present. Used when the
// underlying row turns out to have been deleted.
func (rc *ReadCache) Invalidate(textHash, voiceID, voiceStyle string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	key := readKey{textHash, voiceID, voiceStyle}
	if el, ok := rc.entries[key]; ok {
		rc.order.Remove(el)
		delete(rc.entries, key)
	}
}

// Clear drops every entry. Administrative merges call this rather than
// tracking which triples an optimization run touched.
func (rc *ReadCache) Clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.order.Init()
	rc.entries = make(map[readKey]*list.Element)
}

// Len returns the current number of cached entries.
func (rc *ReadCache) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.order.Len()
}
