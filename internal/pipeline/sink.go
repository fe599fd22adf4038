package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AudioSink persists rendered audio bytes and returns a URL the cache can
// hand out on future hits. The cache stores only the URL; the sink owns the
// bytes.
type AudioSink interface {
	// Store writes audio under the given content key and returns its URL
	// and size in bytes. Storing the same key twice overwrites: the key is
	// derived from the content fingerprint, so identical keys mean
	// identical audio.
	Store(ctx context.Context, key string, audio []byte) (url string, size int64, err error)
}

// DirSink stores audio files in a local directory. Suitable for single-node
// deployments and development; production setups would implement AudioSink
// over object storage instead.
type DirSink struct {
	dir     string
	baseURL string
	ext     string
}

// NewDirSink creates the directory if needed. baseURL prefixes returned
// URLs (e.g. "https://cdn.example.com/audio"); when empty, file:// URLs
// pointing into dir are returned. ext is the filename extension including
// the dot; empty defaults to ".mp3".
func NewDirSink(dir, baseURL, ext string) (*DirSink, error) {
	if ext == "" {
		ext = ".mp3"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: audio sink: %w", err)
	}
	return &DirSink{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		ext:     ext,
	}, nil
}

// Store implements AudioSink with a write-to-temp-then-rename so a crashed
// write never leaves a truncated file behind a live URL.
func (s *DirSink) Store(ctx context.Context, key string, audio []byte) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	name := key + s.ext
	final := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("pipeline: audio sink: %w", err)
	}
	if _, err := tmp.Write(audio); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("pipeline: audio sink: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("pipeline: audio sink: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("pipeline: audio sink: %w", err)
	}

	if s.baseURL != "" {
		return s.baseURL + "/" + name, int64(len(audio)), nil
	}
	abs, err := filepath.Abs(final)
	if err != nil {
		abs = final
	}
	return "file://" + abs, int64(len(audio)), nil
}
