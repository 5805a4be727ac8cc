package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonlabs/mnemo-go/vectorstore"
)

// fakeQdrant serves just enough of the Qdrant REST API for the client
// tests: one collection, points keyed by string ID.
type fakeQdrant struct {
	t          *testing.T
	collection string
	dimension  int
	points     map[string]map[string]any
	order      []string
	lastAPIKey string
	searchErr  bool
}

func newFakeQdrant(t *testing.T) *fakeQdrant {
	return &fakeQdrant{t: t, points: make(map[string]map[string]any)}
}

func (f *fakeQdrant) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.lastAPIKey = r.Header.Get("api-key")

		switch {
		case r.URL.Path == "/healthz":
			w.WriteHeader(http.StatusOK)

		case strings.HasPrefix(r.URL.Path, "/collections/"):
			f.handleCollections(w, r)

		default:
			http.NotFound(w, r)
		}
	})
}

func (f *fakeQdrant) handleCollections(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/collections/")
	parts := strings.Split(rest, "/")
	name := parts[0]

	// Collection-level operations.
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodPut:
			var body struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			}
			require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
			f.collection = name
			f.dimension = body.Vectors.Size
			writeResult(w, true)
		case http.MethodGet:
			if name != f.collection {
				http.NotFound(w, r)
				return
			}
			writeResult(w, map[string]any{
				"config": map[string]any{
					"params": map[string]any{
						"vectors": map[string]any{"size": f.dimension},
					},
				},
			})
		case http.MethodDelete:
			if name != f.collection {
				http.NotFound(w, r)
				return
			}
			f.collection = ""
			f.points = make(map[string]map[string]any)
			f.order = nil
			writeResult(w, true)
		}
		return
	}

	// Point-level operations.
	switch {
	case parts[1] == "points" && len(parts) == 2 && r.Method == http.MethodPut:
		var body struct {
			Points []map[string]any `json:"points"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		for _, p := range body.Points {
			id := p["id"].(string)
			if _, ok := f.points[id]; !ok {
				f.order = append(f.order, id)
			}
			f.points[id] = p
		}
		writeResult(w, true)

	case parts[1] == "points" && len(parts) == 3 && parts[2] == "delete":
		var body struct {
			Points []string `json:"points"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		for _, id := range body.Points {
			delete(f.points, id)
		}
		writeResult(w, true)

	case parts[1] == "points" && len(parts) == 3 && parts[2] == "search":
		if f.searchErr {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		var hits []map[string]any
		for _, id := range f.order {
			p, ok := f.points[id]
			if !ok {
				continue
			}
			hits = append(hits, map[string]any{
				"id":      p["id"],
				"vector":  p["vector"],
				"payload": p["payload"],
				"score":   0.9,
			})
		}
		writeResult(w, hits)

	case parts[1] == "points" && len(parts) == 3 && parts[2] == "scroll":
		var points []map[string]any
		for _, id := range f.order {
			p, ok := f.points[id]
			if !ok {
				continue
			}
			points = append(points, map[string]any{
				"id":      p["id"],
				"vector":  p["vector"],
				"payload": p["payload"],
			})
		}
		writeResult(w, map[string]any{
			"points":           points,
			"next_page_offset": nil,
		})

	case parts[1] == "points" && len(parts) == 3 && r.Method == http.MethodGet:
		p, ok := f.points[parts[2]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeResult(w, map[string]any{
			"id":      p["id"],
			"vector":  p["vector"],
			"payload": p["payload"],
		})

	default:
		http.NotFound(w, r)
	}
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok"})
}

func newTestClient(t *testing.T) (*Store, *fakeQdrant) {
	t.Helper()
	fake := newFakeQdrant(t)
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-key", zerolog.Nop()), fake
}

func TestPing(t *testing.T) {
	s, fake := newTestClient(t)
	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, "test-key", fake.lastAPIKey)
}

func TestEnsureCollectionCreates(t *testing.T) {
	s, fake := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureCollection(ctx, "facts", 384))
	assert.Equal(t, "facts", fake.collection)
	assert.Equal(t, 384, fake.dimension)

	dim, err := s.CollectionDimension(ctx, "facts")
	require.NoError(t, err)
	assert.Equal(t, 384, dim)
}

func TestEnsureCollectionSkipsExisting(t *testing.T) {
	s, fake := newTestClient(t)
	ctx := context.Background()
	fake.collection = "facts"
	fake.dimension = 768

	// Already present: no create call, existing dimension preserved.
	require.NoError(t, s.EnsureCollection(ctx, "facts", 384))
	assert.Equal(t, 768, fake.dimension)
}

func TestCollectionDimensionNotFound(t *testing.T) {
	s, _ := newTestClient(t)
	_, err := s.CollectionDimension(context.Background(), "missing")
	assert.ErrorIs(t, err, vectorstore.ErrCollectionNotFound)
}

func TestUpsertAndGet(t *testing.T) {
	s, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "facts", 3))

	require.NoError(t, s.Upsert(ctx, "facts", []vectorstore.Record{
		{ID: "p1", Vector: []float32{1, 0, 0}, Payload: map[string]any{"content": "uses redis"}},
	}))

	got, err := s.Get(ctx, "facts", "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, "uses redis", got.Payload["content"])
	assert.Equal(t, []float32{1, 0, 0}, got.Vector)
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestClient(t)
	require.NoError(t, s.EnsureCollection(context.Background(), "facts", 3))

	_, err := s.Get(context.Background(), "facts", "missing")
	assert.ErrorIs(t, err, vectorstore.ErrNotFound)
}

func TestUpdateKeepsVectorOnPayloadOnlyUpdate(t *testing.T) {
	s, fake := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "facts", 3))
	require.NoError(t, s.Upsert(ctx, "facts", []vectorstore.Record{
		{ID: "p1", Vector: []float32{1, 0, 0}, Payload: map[string]any{"resolved": false}},
	}))

	require.NoError(t, s.Update(ctx, "facts", vectorstore.Record{
		ID:      "p1",
		Payload: map[string]any{"resolved": true},
	}))

	stored := fake.points["p1"]
	assert.Equal(t, true, stored["payload"].(map[string]any)["resolved"])
	assert.Len(t, stored["vector"].([]any), 3)
}

func TestDelete(t *testing.T) {
	s, fake := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "facts", 3))
	require.NoError(t, s.Upsert(ctx, "facts", []vectorstore.Record{
		{ID: "p1", Vector: []float32{1, 0, 0}},
	}))

	require.NoError(t, s.Delete(ctx, "facts", []string{"p1"}))
	assert.NotContains(t, fake.points, "p1")

	// Empty delete is a no-op without a request.
	assert.NoError(t, s.Delete(ctx, "facts", nil))
}

func TestSearch(t *testing.T) {
	s, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "facts", 3))
	require.NoError(t, s.Upsert(ctx, "facts", []vectorstore.Record{
		{ID: "p1", Vector: []float32{1, 0, 0}, Payload: map[string]any{"workspace_id": "ws1"}},
	}))

	hits, err := s.Search(ctx, "facts", []float32{1, 0, 0}, 5, map[string]any{"workspace_id": "ws1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p1", hits[0].ID)
	assert.InDelta(t, 0.9, hits[0].Score, 1e-9)
}

func TestSearchDimensionMismatchDegrades(t *testing.T) {
	s, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "facts", 3))

	hits, err := s.Search(ctx, "facts", []float32{1, 0}, 5, nil)
	assert.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchBackendFailureDegrades(t *testing.T) {
	s, fake := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "facts", 3))
	fake.searchErr = true

	hits, err := s.Search(ctx, "facts", []float32{1, 0, 0}, 5, nil)
	assert.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchUnknownCollectionDegrades(t *testing.T) {
	s, _ := newTestClient(t)
	hits, err := s.Search(context.Background(), "missing", []float32{1, 0, 0}, 5, nil)
	assert.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFilterScroll(t *testing.T) {
	s, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "facts", 3))
	require.NoError(t, s.Upsert(ctx, "facts", []vectorstore.Record{
		{ID: "p1", Vector: []float32{1, 0, 0}, Payload: map[string]any{"category": "debugging"}},
		{ID: "p2", Vector: []float32{0, 1, 0}, Payload: map[string]any{"category": "debugging"}},
	}))

	page, err := s.Filter(ctx, "facts", 10, map[string]any{"category": "debugging"}, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.Empty(t, page.NextCursor)
}

func TestFilterInvalidCursor(t *testing.T) {
	s, _ := newTestClient(t)
	_, err := s.Filter(context.Background(), "facts", 10, nil, "{not json")
	assert.Error(t, err)
}

func TestDeleteCollection(t *testing.T) {
	s, fake := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureCollection(ctx, "facts", 3))

	require.NoError(t, s.DeleteCollection(ctx, "facts"))
	assert.Empty(t, fake.collection)

	assert.ErrorIs(t, s.DeleteCollection(ctx, "facts"), vectorstore.ErrCollectionNotFound)
}

func TestDialerRequiresEndpoint(t *testing.T) {
	dial := Dialer(zerolog.Nop())
	_, err := dial("", "")
	assert.Error(t, err)

	store, err := dial("http://localhost:6333", "key")
	require.NoError(t, err)
	assert.NotNil(t, store)
}

func TestDecodeIDHandlesIntegers(t *testing.T) {
	assert.Equal(t, "42", decodeID(json.RawMessage(`42`)))
	assert.Equal(t, "abc", decodeID(json.RawMessage(`"abc"`)))
}
