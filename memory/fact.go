package memory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axonlabs/mnemo-go/vectorstore"
)

// ErrMalformedFact is returned when a stored record is missing fields a
// fact cannot exist without. Encountering one means the write path has
// a bug or the collection was modified out-of-band; callers on the
// maintenance path fail loudly rather than skip.
var ErrMalformedFact = errors.New("memory: malformed stored fact")

// FactCategory classifies what kind of knowledge a fact carries.
type FactCategory string

const (
	// CategoryInfrastructure: tools, services, frameworks in use.
	CategoryInfrastructure FactCategory = "infrastructure"

	// CategoryArchitecture: design decisions; evolves, so newer facts
	// supersede older ones.
	CategoryArchitecture FactCategory = "architecture"

	// CategoryDebugging: bugs and their investigations; transient, and
	// retired once resolved.
	CategoryDebugging FactCategory = "debugging"

	// CategoryPattern: recurring habits and conventions. Also the
	// default for anything the extractor cannot place.
	CategoryPattern FactCategory = "pattern"
)

// ParseCategory maps free-form category text to a FactCategory,
// defaulting to pattern for anything unrecognized.
func ParseCategory(s string) FactCategory {
	switch FactCategory(s) {
	case CategoryInfrastructure, CategoryArchitecture, CategoryDebugging, CategoryPattern:
		return FactCategory(s)
	default:
		return CategoryPattern
	}
}

// Fact is the durable unit of workspace memory.
//
// A fact with SupersededBy set is logically inactive but retained for
// audit until the retention sweeper deletes it. Facts are never mutated
// concurrently for the same ID within one workspace; ingestion is
// serialized per workspace.
type Fact struct {
	ID            string
	Content       string
	Category      FactCategory
	Confidence    float64 // [0,1]
	ReferenceTime time.Time
	IngestionTime time.Time
	WorkspaceID   string
	Embedding     []float32
	Metadata      map[string]any

	// Lifecycle.
	SupersededBy          string
	SupersededAt          time.Time
	Resolved              bool
	ResolvedAt            time.Time
	DerivedFrom           string
	DerivedPatternCreated bool
}

// NewFact creates a fact for a workspace with a fresh ID. Confidence is
// clamped to [0,1].
func NewFact(workspaceID, content string, category FactCategory, confidence float64, referenceTime time.Time) *Fact {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	if referenceTime.IsZero() {
		referenceTime = time.Now()
	}
	return &Fact{
		ID:            uuid.New().String(),
		Content:       content,
		Category:      category,
		Confidence:    confidence,
		ReferenceTime: referenceTime,
		IngestionTime: time.Now(),
		WorkspaceID:   workspaceID,
	}
}

// Record serializes the fact into a vector store record.
func (f *Fact) Record() vectorstore.Record {
	payload := map[string]any{
		"content":        f.Content,
		"category":       string(f.Category),
		"confidence":     f.Confidence,
		"reference_time": f.ReferenceTime.UTC().Format(time.RFC3339Nano),
		"ingestion_time": f.IngestionTime.UTC().Format(time.RFC3339Nano),
		"workspace_id":   f.WorkspaceID,
		"resolved":       f.Resolved,
	}
	if len(f.Metadata) > 0 {
		payload["metadata"] = f.Metadata
	}
	if f.SupersededBy != "" {
		payload["superseded_by"] = f.SupersededBy
		payload["superseded_at"] = f.SupersededAt.UTC().Format(time.RFC3339Nano)
	}
	if !f.ResolvedAt.IsZero() {
		payload["resolved_at"] = f.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}
	if f.DerivedFrom != "" {
		payload["derived_from"] = f.DerivedFrom
	}
	if f.DerivedPatternCreated {
		payload["derived_pattern_created"] = true
	}
	return vectorstore.Record{
		ID:      f.ID,
		Vector:  f.Embedding,
		Payload: payload,
	}
}

// FactFromRecord deserializes a stored record. Returns ErrMalformedFact
// when content, category, workspace, or reference time are missing or
// unparseable.
func FactFromRecord(rec vectorstore.Record) (*Fact, error) {
	p := rec.Payload
	content, _ := p["content"].(string)
	category, _ := p["category"].(string)
	workspace, _ := p["workspace_id"].(string)
	if content == "" || category == "" || workspace == "" {
		return nil, fmt.Errorf("record %s missing required fields: %w", rec.ID, ErrMalformedFact)
	}
	refTime, err := payloadTime(p, "reference_time")
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}

	f := &Fact{
		ID:            rec.ID,
		Content:       content,
		Category:      ParseCategory(category),
		Confidence:    payloadFloat(p, "confidence"),
		ReferenceTime: refTime,
		WorkspaceID:   workspace,
		Embedding:     rec.Vector,
	}
	if ingTime, err := payloadTime(p, "ingestion_time"); err == nil {
		f.IngestionTime = ingTime
	}
	if meta, ok := p["metadata"].(map[string]any); ok {
		f.Metadata = meta
	}
	if v, ok := p["superseded_by"].(string); ok {
		f.SupersededBy = v
		if t, err := payloadTime(p, "superseded_at"); err == nil {
			f.SupersededAt = t
		}
	}
	if v, ok := p["resolved"].(bool); ok {
		f.Resolved = v
	}
	if t, err := payloadTime(p, "resolved_at"); err == nil {
		f.ResolvedAt = t
	}
	if v, ok := p["derived_from"].(string); ok {
		f.DerivedFrom = v
	}
	if v, ok := p["derived_pattern_created"].(bool); ok {
		f.DerivedPatternCreated = v
	}
	return f, nil
}

func payloadTime(p map[string]any, key string) (time.Time, error) {
	s, ok := p[key].(string)
	if !ok || s == "" {
		return time.Time{}, fmt.Errorf("missing %s: %w", key, ErrMalformedFact)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable %s %q: %w", key, s, ErrMalformedFact)
	}
	return t, nil
}

func payloadFloat(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
