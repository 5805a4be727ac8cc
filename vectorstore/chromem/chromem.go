// Package chromem implements the vectorstore contract on chromem-go,
// a pure Go embedded vector database. It is the default backend for
// local development and tests; nothing leaves the process.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/axonlabs/mnemo-go/vectorstore"
)

// Store wraps a chromem DB. chromem keeps documents in memory already;
// the side index below adds the ID lookup and ordered scans its API
// does not expose, so Get/Filter never need a vector query.
type Store struct {
	db     *chromem.DB
	logger zerolog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	dims        map[string]int
	index       map[string]*recordIndex
}

type recordIndex struct {
	order   []string
	records map[string]vectorstore.Record
}

// New creates an empty in-process store.
func New(logger zerolog.Logger) *Store {
	return &Store{
		db:          chromem.NewDB(),
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
		dims:        make(map[string]int),
		index:       make(map[string]*recordIndex),
	}
}

func (s *Store) EnsureCollection(ctx context.Context, name string, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[name]; ok {
		return nil
	}
	col, err := s.db.CreateCollection(name, nil, nil)
	if err != nil {
		return fmt.Errorf("create chromem collection: %w", err)
	}
	s.collections[name] = col
	s.dims[name] = dimension
	s.index[name] = &recordIndex{records: make(map[string]vectorstore.Record)}
	return nil
}

func (s *Store) CollectionDimension(ctx context.Context, name string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dim, ok := s.dims[name]
	if !ok {
		return 0, vectorstore.ErrCollectionNotFound
	}
	return dim, nil
}

func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		return vectorstore.ErrCollectionNotFound
	}
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("delete chromem collection: %w", err)
	}
	delete(s.collections, name)
	delete(s.dims, name)
	delete(s.index, name)
	return nil
}

func (s *Store) Upsert(ctx context.Context, collection string, records []vectorstore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, idx, err := s.lookupLocked(collection)
	if err != nil {
		return err
	}
	for _, rec := range records {
		doc, err := toDocument(rec)
		if err != nil {
			return err
		}
		if _, exists := idx.records[rec.ID]; exists {
			if err := col.Delete(ctx, nil, nil, rec.ID); err != nil {
				return fmt.Errorf("replace document %s: %w", rec.ID, err)
			}
		} else {
			idx.order = append(idx.order, rec.ID)
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", rec.ID, err)
		}
		idx.records[rec.ID] = cloneRecord(rec)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*vectorstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.index[collection]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}
	rec, ok := idx.records[id]
	if !ok {
		return nil, vectorstore.ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (s *Store) Update(ctx context.Context, collection string, record vectorstore.Record) error {
	s.mu.RLock()
	idx, ok := s.index[collection]
	if ok {
		_, ok = idx.records[record.ID]
	}
	s.mu.RUnlock()
	if !ok {
		return vectorstore.ErrNotFound
	}
	return s.Upsert(ctx, collection, []vectorstore.Record{record})
}

func (s *Store) Delete(ctx context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, idx, err := s.lookupLocked(collection)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := idx.records[id]; !ok {
			continue
		}
		if err := col.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("delete document %s: %w", id, err)
		}
		delete(idx.records, id)
	}
	idx.order = compact(idx.order, idx.records)
	return nil
}

func (s *Store) Search(ctx context.Context, collection string, vector []float32, limit int, filters map[string]any) ([]vectorstore.ScoredRecord, error) {
	s.mu.RLock()
	col, ok := s.collections[collection]
	dim := s.dims[collection]
	idx := s.index[collection]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	// Degrade, never fail: a query vector of the wrong length means the
	// embedding model changed underneath the caller.
	if len(vector) != dim {
		s.logger.Warn().
			Str("collection", collection).
			Int("have", len(vector)).
			Int("want", dim).
			Msg("query vector dimension mismatch, returning no results")
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	// chromem rejects nResults above the collection size.
	if count := col.Count(); count < limit {
		if count == 0 {
			return nil, nil
		}
		limit = count
	}

	where := stringifyFilters(filters)
	results, err := col.QueryEmbedding(ctx, vector, limit, where, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("collection", collection).Msg("chromem query failed, returning no results")
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	scored := make([]vectorstore.ScoredRecord, 0, len(results))
	for _, res := range results {
		rec, ok := idx.records[res.ID]
		if !ok {
			continue
		}
		scored = append(scored, vectorstore.ScoredRecord{
			Record: cloneRecord(rec),
			Score:  float64(res.Similarity),
		})
	}
	return scored, nil
}

func (s *Store) Filter(ctx context.Context, collection string, limit int, filters map[string]any, cursor string) (*vectorstore.FilterPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.index[collection]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}
	if limit <= 0 {
		limit = 128
	}
	offset := 0
	if cursor != "" {
		var err error
		offset, err = strconv.Atoi(cursor)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("invalid cursor %q", cursor)
		}
	}

	page := &vectorstore.FilterPage{}
	pos := offset
	for ; pos < len(idx.order) && len(page.Records) < limit; pos++ {
		rec, ok := idx.records[idx.order[pos]]
		if !ok {
			continue
		}
		if !matches(rec.Payload, filters) {
			continue
		}
		page.Records = append(page.Records, cloneRecord(rec))
	}
	if pos < len(idx.order) {
		page.NextCursor = strconv.Itoa(pos)
	}
	return page, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) lookupLocked(collection string) (*chromem.Collection, *recordIndex, error) {
	col, ok := s.collections[collection]
	if !ok {
		return nil, nil, vectorstore.ErrCollectionNotFound
	}
	return col, s.index[collection], nil
}

// toDocument serializes a record. The full payload travels as JSON in
// the document content; scalar fields are flattened into the metadata
// map so chromem's where-filters can match them.
func toDocument(rec vectorstore.Record) (chromem.Document, error) {
	content, err := json.Marshal(rec.Payload)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("marshal payload for %s: %w", rec.ID, err)
	}
	return chromem.Document{
		ID:        rec.ID,
		Content:   string(content),
		Embedding: rec.Vector,
		Metadata:  stringifyFilters(rec.Payload),
	}, nil
}

// stringifyFilters flattens scalar payload values to chromem's
// string-typed metadata. Nested maps and slices are skipped; they are
// not filterable.
func stringifyFilters(fields map[string]any) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool:
			out[k] = strconv.FormatBool(val)
		case int:
			out[k] = strconv.Itoa(val)
		case int64:
			out[k] = strconv.FormatInt(val, 10)
		case float64:
			out[k] = strconv.FormatFloat(val, 'g', -1, 64)
		}
	}
	return out
}

func matches(payload, filters map[string]any) bool {
	want := stringifyFilters(filters)
	have := stringifyFilters(payload)
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func cloneRecord(rec vectorstore.Record) vectorstore.Record {
	out := vectorstore.Record{ID: rec.ID}
	if rec.Vector != nil {
		out.Vector = append([]float32(nil), rec.Vector...)
	}
	if rec.Payload != nil {
		out.Payload = make(map[string]any, len(rec.Payload))
		for k, v := range rec.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

func compact(order []string, records map[string]vectorstore.Record) []string {
	kept := order[:0]
	for _, id := range order {
		if _, ok := records[id]; ok {
			kept = append(kept, id)
		}
	}
	return kept
}

var _ vectorstore.Store = (*Store)(nil)

// Dialer adapts the embedded store to the coordinator's dial contract.
// Endpoint and credential are ignored; every process gets its own DB.
func Dialer(logger zerolog.Logger) vectorstore.Dialer {
	return func(endpoint, credential string) (vectorstore.Store, error) {
		return New(logger), nil
	}
}
