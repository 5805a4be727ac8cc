package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/axonlabs/mnemo-go/core"
	"github.com/axonlabs/mnemo-go/llm"
	"github.com/axonlabs/mnemo-go/vectorstore"
	"github.com/axonlabs/mnemo-go/vectorstore/chromem"
)

// Shared fixtures for the memory tests. The embedded chromem backend
// stands in for the vector store so similarity scores are real cosine
// values; test vectors are chosen as (cos θ, sin θ) pairs so the
// similarity against (1, 0) is exactly cos θ.

const testWorkspace = "ws-test"

func testCollection(workspace string) string {
	return "facts_" + workspace
}

func newChromemStore(t *testing.T, dimension int) *chromem.Store {
	t.Helper()
	s := chromem.New(zerolog.Nop())
	require.NoError(t, s.EnsureCollection(context.Background(), testCollection(testWorkspace), dimension))
	return s
}

// storedFact persists a fact with an explicit vector and returns it.
func storedFact(t *testing.T, store vectorstore.Store, f *Fact) *Fact {
	t.Helper()
	require.NoError(t, store.Upsert(context.Background(), testCollection(f.WorkspaceID), []vectorstore.Record{f.Record()}))
	return f
}

func debugFact(content string, referenceTime time.Time) *Fact {
	f := NewFact(testWorkspace, content, CategoryDebugging, 0.8, referenceTime)
	f.Embedding = []float32{1, 0}
	return f
}

// scriptedProvider returns canned JSON objects in order, then repeats
// the last one. A non-nil err makes every call fail.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []map[string]any
	err       error
	prompts   []string
}

func (p *scriptedProvider) GenerateJSON(ctx context.Context, prompt string, opts llm.Options) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return map[string]any{}, nil
	}
	resp := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return resp, nil
}

var _ llm.Provider = (*scriptedProvider)(nil)

// unitEmbedder maps each distinct text to a distinct axis-aligned unit
// vector, so identical texts are identical vectors and different texts
// are orthogonal.
type unitEmbedder struct {
	mu       sync.Mutex
	dims     int
	next     int
	axes     map[string]int
	batchErr error
}

func newUnitEmbedder(dims int) *unitEmbedder {
	return &unitEmbedder{dims: dims, axes: make(map[string]int)}
}

func (e *unitEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	axis, ok := e.axes[text]
	if !ok {
		axis = e.next % e.dims
		e.axes[text] = axis
		e.next++
	}
	vec := make([]float32, e.dims)
	vec[axis] = 1
	return vec, nil
}

func (e *unitEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	err := e.batchErr
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, embErr := e.Embed(ctx, text)
		if embErr != nil {
			return nil, embErr
		}
		out[i] = vec
	}
	return out, nil
}

func (e *unitEmbedder) Dimensions() int { return e.dims }

func (e *unitEmbedder) setBatchErr(err error) {
	e.mu.Lock()
	e.batchErr = err
	e.mu.Unlock()
}

var _ Embedder = (*unitEmbedder)(nil)

var errProviderDown = errors.New("provider unavailable")

func userMsg(content string, at time.Time) core.Message {
	return core.Message{Role: core.RoleUser, Content: content, Timestamp: at}
}

func assistantMsg(content string, at time.Time) core.Message {
	return core.Message{Role: core.RoleAssistant, Content: content, Timestamp: at}
}
