// Package cached wraps an embedder with an in-process vector cache so
// repeated text (re-ingested facts, repeated queries) skips the model.
package cached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/axonlabs/mnemo-go/memory"
)

// Config controls cache sizing.
type Config struct {
	// MaxEntries bounds the number of cached vectors. Defaults to 4096.
	MaxEntries int64
}

// Embedder caches vectors from an underlying embedder keyed by a
// content hash of the input text.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

// New wraps inner with a ristretto cache.
func New(inner memory.Embedder, cfg Config) (*Embedder, error) {
	if inner == nil {
		return nil, fmt.Errorf("cached: inner embedder is required")
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cached: creating cache: %w", err)
	}
	return &Embedder{inner: inner, cache: cache}, nil
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := contentKey(text)
	if vec, ok := e.lookup(key); ok {
		return vec, nil
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, vec, 1)
	return vec, nil
}

// EmbedBatch serves cache hits locally and forwards only the misses to
// the underlying embedder, preserving input order in the result.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := e.lookup(contentKey(text)); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := e.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("cached: embedder returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		e.cache.Set(contentKey(missTexts[j]), vec, 1)
	}
	return out, nil
}

func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Wait blocks until buffered cache writes are applied. Ristretto admits
// entries asynchronously; call this when a warm cache matters more than
// write latency.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache's background resources.
func (e *Embedder) Close() {
	e.cache.Close()
}

func (e *Embedder) lookup(key string) ([]float32, bool) {
	v, ok := e.cache.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func contentKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
