package resilience

import (
	"context"

	"github.com/mindfold/mindfold/pkg/provider/embeddings"
)

// BreakerEmbedder guards an embeddings provider with a [CircuitBreaker]. When
// the backend is down the breaker opens and calls fail with [ErrCircuitOpen]
// immediately, which the cache treats as "no semantic lookup this time"
// instead of stalling every request on a provider timeout.
type BreakerEmbedder struct {
	inner   embeddings.Provider
	breaker *CircuitBreaker
}

var _ embeddings.Provider = (*BreakerEmbedder)(nil)

// NewBreakerEmbedder wraps inner with cfg. An empty cfg.Name defaults to the
// provider's model identifier.
func NewBreakerEmbedder(inner embeddings.Provider, cfg CircuitBreakerConfig) *BreakerEmbedder {
	if cfg.Name == "" {
		cfg.Name = "embeddings/" + inner.ModelID()
	}
	return &BreakerEmbedder{inner: inner, breaker: NewCircuitBreaker(cfg)}
}

func (b *BreakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := b.breaker.Execute(func() error {
		var err error
		vec, err = b.inner.Embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (b *BreakerEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := b.breaker.Execute(func() error {
		var err error
		vecs, err = b.inner.EmbedBatch(ctx, texts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

func (b *BreakerEmbedder) Dimensions() int { return b.inner.Dimensions() }

func (b *BreakerEmbedder) ModelID() string { return b.inner.ModelID() }

// State exposes the breaker state for health reporting.
func (b *BreakerEmbedder) State() State { return b.breaker.State() }
