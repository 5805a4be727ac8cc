// Package qdrant implements the vectorstore contract against the
// Qdrant REST API. This is the production backend: collections live in
// a Qdrant instance shared by every process of the host.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/axonlabs/mnemo-go/vectorstore"
)

// Store talks to one Qdrant instance.
type Store struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger

	mu   sync.RWMutex
	dims map[string]int // cached collection dimensions
}

// New creates a client for the Qdrant instance at baseURL. apiKey may
// be empty for unauthenticated instances.
func New(baseURL, apiKey string, logger zerolog.Logger) *Store {
	return &Store{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
		dims:   make(map[string]int),
	}
}

// Dialer adapts New to the coordinator's dial contract: endpoint is the
// Qdrant base URL, credential the API key.
func Dialer(logger zerolog.Logger) vectorstore.Dialer {
	return func(endpoint, credential string) (vectorstore.Store, error) {
		if endpoint == "" {
			return nil, fmt.Errorf("qdrant: endpoint is required")
		}
		return New(endpoint, credential, logger), nil
	}
}

func (s *Store) EnsureCollection(ctx context.Context, name string, dimension int) error {
	_, err := s.CollectionDimension(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return err
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	if _, err := s.do(ctx, http.MethodPut, "/collections/"+name, body); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	s.mu.Lock()
	s.dims[name] = dimension
	s.mu.Unlock()
	return nil
}

func (s *Store) CollectionDimension(ctx context.Context, name string) (int, error) {
	respBody, err := s.do(ctx, http.MethodGet, "/collections/"+name, nil)
	if err != nil {
		if err == errNotFound {
			return 0, vectorstore.ErrCollectionNotFound
		}
		return 0, fmt.Errorf("inspect collection %s: %w", name, err)
	}

	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return 0, fmt.Errorf("decode collection info: %w", err)
	}
	dim := resp.Result.Config.Params.Vectors.Size
	s.mu.Lock()
	s.dims[name] = dim
	s.mu.Unlock()
	return dim, nil
}

func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	if _, err := s.do(ctx, http.MethodDelete, "/collections/"+name, nil); err != nil {
		if err == errNotFound {
			return vectorstore.ErrCollectionNotFound
		}
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	s.mu.Lock()
	delete(s.dims, name)
	s.mu.Unlock()
	return nil
}

func (s *Store) Upsert(ctx context.Context, collection string, records []vectorstore.Record) error {
	points := make([]map[string]any, len(records))
	for i, rec := range records {
		points[i] = map[string]any{
			"id":      rec.ID,
			"vector":  rec.Vector,
			"payload": rec.Payload,
		}
	}
	body := map[string]any{"points": points}
	if _, err := s.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body); err != nil {
		return fmt.Errorf("upsert %d points: %w", len(records), err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*vectorstore.Record, error) {
	respBody, err := s.do(ctx, http.MethodGet, "/collections/"+collection+"/points/"+id, nil)
	if err != nil {
		if err == errNotFound {
			return nil, vectorstore.ErrNotFound
		}
		return nil, fmt.Errorf("get point %s: %w", id, err)
	}
	var resp struct {
		Result rawPoint `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode point: %w", err)
	}
	rec := resp.Result.record()
	return &rec, nil
}

func (s *Store) Update(ctx context.Context, collection string, record vectorstore.Record) error {
	if len(record.Vector) == 0 {
		// Payload-only update keeps the stored vector.
		existing, err := s.Get(ctx, collection, record.ID)
		if err != nil {
			return err
		}
		record.Vector = existing.Vector
	}
	return s.Upsert(ctx, collection, []vectorstore.Record{record})
}

func (s *Store) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"points": ids}
	if _, err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body); err != nil {
		return fmt.Errorf("delete %d points: %w", len(ids), err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, collection string, vector []float32, limit int, filters map[string]any) ([]vectorstore.ScoredRecord, error) {
	dim, err := s.cachedDimension(ctx, collection)
	if err != nil {
		s.logger.Warn().Err(err).Str("collection", collection).Msg("search degraded: collection dimension unavailable")
		return nil, nil
	}
	if len(vector) != dim {
		s.logger.Warn().
			Str("collection", collection).
			Int("have", len(vector)).
			Int("want", dim).
			Msg("query vector dimension mismatch, returning no results")
		return nil, nil
	}

	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	}
	if f := qdrantFilter(filters); f != nil {
		body["filter"] = f
	}
	respBody, err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body)
	if err != nil {
		s.logger.Warn().Err(err).Str("collection", collection).Msg("search degraded: backend query failed")
		return nil, nil
	}

	var resp struct {
		Result []rawScoredPoint `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		s.logger.Warn().Err(err).Msg("search degraded: undecodable response")
		return nil, nil
	}
	out := make([]vectorstore.ScoredRecord, len(resp.Result))
	for i, p := range resp.Result {
		out[i] = vectorstore.ScoredRecord{Record: p.record(), Score: p.Score}
	}
	return out, nil
}

func (s *Store) Filter(ctx context.Context, collection string, limit int, filters map[string]any, cursor string) (*vectorstore.FilterPage, error) {
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	}
	if f := qdrantFilter(filters); f != nil {
		body["filter"] = f
	}
	if cursor != "" {
		var offset any
		if err := json.Unmarshal([]byte(cursor), &offset); err != nil {
			return nil, fmt.Errorf("invalid cursor %q", cursor)
		}
		body["offset"] = offset
	}

	respBody, err := s.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body)
	if err != nil {
		if err == errNotFound {
			return nil, vectorstore.ErrCollectionNotFound
		}
		return nil, fmt.Errorf("scroll collection %s: %w", collection, err)
	}

	var resp struct {
		Result struct {
			Points         []rawPoint      `json:"points"`
			NextPageOffset json.RawMessage `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode scroll response: %w", err)
	}

	page := &vectorstore.FilterPage{
		Records: make([]vectorstore.Record, len(resp.Result.Points)),
	}
	for i, p := range resp.Result.Points {
		page.Records[i] = p.record()
	}
	if next := string(resp.Result.NextPageOffset); next != "" && next != "null" {
		page.NextCursor = next
	}
	return page, nil
}

func (s *Store) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	s.auth(req)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant health check: status %d", resp.StatusCode)
	}
	return nil
}

func (s *Store) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *Store) cachedDimension(ctx context.Context, collection string) (int, error) {
	s.mu.RLock()
	dim, ok := s.dims[collection]
	s.mu.RUnlock()
	if ok {
		return dim, nil
	}
	return s.CollectionDimension(ctx, collection)
}

// rawPoint is Qdrant's wire shape for a point. IDs may be strings or
// integers; vectors may be absent when with_vector is false.
type rawPoint struct {
	ID      json.RawMessage `json:"id"`
	Vector  []float32       `json:"vector"`
	Payload map[string]any  `json:"payload"`
}

func (p rawPoint) record() vectorstore.Record {
	return vectorstore.Record{
		ID:      decodeID(p.ID),
		Vector:  p.Vector,
		Payload: p.Payload,
	}
}

type rawScoredPoint struct {
	rawPoint
	Score float64 `json:"score"`
}

func decodeID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// qdrantFilter translates equality conjunctions into Qdrant's must
// clause.
func qdrantFilter(filters map[string]any) map[string]any {
	if len(filters) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(filters))
	for k, v := range filters {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": v},
		})
	}
	return map[string]any{"must": must}
}

// errNotFound is an internal marker for 404 responses; exported
// sentinels are mapped at the call sites that know the context.
var errNotFound = fmt.Errorf("qdrant: not found")

func (s *Store) auth(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
}

func (s *Store) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	s.auth(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(string(respBody), 200))
	}
	return respBody, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var _ vectorstore.Store = (*Store)(nil)
