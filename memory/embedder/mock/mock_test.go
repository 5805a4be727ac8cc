package mock

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedDeterministic(t *testing.T) {
	e := New(0)
	ctx := context.Background()

	a, err := e.Embed(ctx, "the same text")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "the same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEmbedUnitVector(t *testing.T) {
	e := New(0)
	vec, err := e.Embed(context.Background(), "normalize me")
	require.NoError(t, err)
	require.Len(t, vec, 384)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestEmbedBatchMatchesEmbed(t *testing.T) {
	e := New(16)
	ctx := context.Background()

	texts := []string{"one", "two", "three"}
	batch, err := e.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, len(texts))

	for i, text := range texts {
		single, err := e.Embed(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}

func TestDimensions(t *testing.T) {
	assert.Equal(t, 384, New(0).Dimensions())
	assert.Equal(t, 768, New(768).Dimensions())
}
