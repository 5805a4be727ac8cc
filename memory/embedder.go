package memory

import "context"

// Embedder converts text to vector embeddings.
//
// Implementations: mock (testing), onnx (local, offline), cached
// (ristretto decorator over any of them), or an API-backed embedder the
// host provides. Provider failures (auth, quota, connectivity) return
// errors; the engine does not assume retries happen underneath.
type Embedder interface {
	// Embed converts one text to a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts several texts in one provider round trip.
	// The result has one vector per input, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
