// Package vectorstore defines the vector database contract the memory
// engine is written against, plus the collection lifecycle coordinator
// that owns the shared connection: race-free collection creation,
// dimension validation, health monitoring, and circuit breaking.
//
// Two backends implement the contract:
//   - chromem: embedded, in-process (local development and tests)
//   - qdrant: remote Qdrant over its REST API (production)
package vectorstore

import (
	"context"
	"errors"
)

// Named errors callers branch on.
var (
	// ErrDimensionMismatch is returned when a collection's configured
	// vector dimension does not match what the caller expects.
	ErrDimensionMismatch = errors.New("vectorstore: collection dimension mismatch")

	// ErrCircuitOpen is returned when the circuit breaker is rejecting
	// connection attempts during a backend outage.
	ErrCircuitOpen = errors.New("vectorstore: circuit breaker open")

	// ErrNotFound is returned by Get when no record has the given ID.
	ErrNotFound = errors.New("vectorstore: record not found")

	// ErrCollectionNotFound is returned when an operation targets a
	// collection that does not exist.
	ErrCollectionNotFound = errors.New("vectorstore: collection not found")
)

// Record is a stored vector with its payload.
type Record struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredRecord is a search hit with its similarity score in [0,1].
type ScoredRecord struct {
	Record
	Score float64
}

// FilterPage is one page of a paginated filter scan. An empty NextCursor
// means the scan is complete.
type FilterPage struct {
	Records    []Record
	NextCursor string
}

// Store is the vector database contract.
//
// Filters are simple equality conjunctions over payload fields.
// Search validates the query vector's length against the collection's
// configured dimension and returns an empty result (not an error) on
// mismatch or backend query failure; write operations propagate backend
// errors.
type Store interface {
	// EnsureCollection creates the collection with the given vector
	// dimension if it does not already exist.
	EnsureCollection(ctx context.Context, name string, dimension int) error

	// CollectionDimension reports the configured vector dimension of an
	// existing collection. Returns ErrCollectionNotFound if absent.
	CollectionDimension(ctx context.Context, name string) (int, error)

	// DeleteCollection drops a collection and all of its records.
	DeleteCollection(ctx context.Context, name string) error

	// Upsert inserts or replaces records.
	Upsert(ctx context.Context, collection string, records []Record) error

	// Get fetches a single record by ID.
	Get(ctx context.Context, collection, id string) (*Record, error)

	// Update replaces an existing record's payload (and vector, when set).
	Update(ctx context.Context, collection string, record Record) error

	// Delete removes records by ID.
	Delete(ctx context.Context, collection string, ids []string) error

	// Search returns up to limit records ranked by similarity to vector,
	// restricted to records whose payloads match all filter equalities.
	Search(ctx context.Context, collection string, vector []float32, limit int, filters map[string]any) ([]ScoredRecord, error)

	// Filter scans records matching the filter equalities, page by page.
	// Pass the previous page's NextCursor to continue; empty cursor
	// starts from the beginning.
	Filter(ctx context.Context, collection string, limit int, filters map[string]any, cursor string) (*FilterPage, error)

	// Ping verifies backend liveness.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
