package memory

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/axonlabs/mnemo-go/vectorstore"
)

// ActionType classifies how a candidate fact interacts with the store.
type ActionType string

const (
	// ActionAdd: no conflict, insert as new.
	ActionAdd ActionType = "ADD"

	// ActionUpdate: mutate an existing fact in place.
	ActionUpdate ActionType = "UPDATE"

	// ActionSupersede: the new fact replaces an older architecture
	// decision; the old fact is stamped superseded and retained for
	// audit.
	ActionSupersede ActionType = "SUPERSEDE"

	// ActionDeleteExisting: the new fact resolves stored debugging
	// facts, which are hard-deleted.
	ActionDeleteExisting ActionType = "DELETE_EXISTING"

	// ActionIgnore: exact duplicate of a stored fact, no mutation.
	ActionIgnore ActionType = "IGNORE"
)

// MemoryAction is the resolver's verdict for one candidate fact. It is
// ephemeral: produced and consumed within a single ingestion step.
type MemoryAction struct {
	Type      ActionType
	Fact      *Fact
	TargetIDs []string
	Reasoning string
}

// ConflictResolverConfig holds the similarity thresholds.
type ConflictResolverConfig struct {
	// NeighborLimit caps the similarity lookup. Default: 8.
	NeighborLimit int

	// DuplicateThreshold: above this with identical content, IGNORE.
	// Default: 0.95.
	DuplicateThreshold float64

	// SupersedeThreshold: above this, an architecture fact replaces the
	// neighbor. Default: 0.8.
	SupersedeThreshold float64

	// ResolutionThreshold: above this, a resolution-phrased debugging
	// fact deletes the neighbor. Default: 0.85.
	ResolutionThreshold float64
}

// DefaultConflictResolverConfig returns the standard thresholds.
func DefaultConflictResolverConfig() ConflictResolverConfig {
	return ConflictResolverConfig{
		NeighborLimit:       8,
		DuplicateThreshold:  0.95,
		SupersedeThreshold:  0.8,
		ResolutionThreshold: 0.85,
	}
}

func (c *ConflictResolverConfig) applyDefaults() {
	d := DefaultConflictResolverConfig()
	if c.NeighborLimit <= 0 {
		c.NeighborLimit = d.NeighborLimit
	}
	if c.DuplicateThreshold <= 0 {
		c.DuplicateThreshold = d.DuplicateThreshold
	}
	if c.SupersedeThreshold <= 0 {
		c.SupersedeThreshold = d.SupersedeThreshold
	}
	if c.ResolutionThreshold <= 0 {
		c.ResolutionThreshold = d.ResolutionThreshold
	}
}

// resolutionPattern matches debugging facts that announce a fix.
var resolutionPattern = regexp.MustCompile(`(?i)\b(resolved|fixed|no longer)\b`)

// ConflictResolver decides how each candidate fact interacts with the
// facts already stored for its workspace. Resolution is deterministic:
// the same neighbors and scores always yield the same action.
//
// Rationale behind the ladder: debugging facts are transient and should
// vanish once resolved; architecture facts evolve and track only the
// current decision; infrastructure and pattern facts are additive
// unless an exact duplicate is found.
type ConflictResolver struct {
	store      vectorstore.Store
	collection func(workspace string) string
	embedder   Embedder
	cfg        ConflictResolverConfig
	logger     zerolog.Logger
}

// NewConflictResolver creates a resolver over the given store.
// collection maps a workspace to its physical collection name.
func NewConflictResolver(store vectorstore.Store, collection func(string) string, embedder Embedder, cfg ConflictResolverConfig, logger zerolog.Logger) *ConflictResolver {
	cfg.applyDefaults()
	return &ConflictResolver{
		store:      store,
		collection: collection,
		embedder:   embedder,
		cfg:        cfg,
		logger:     logger,
	}
}

// Resolve returns the storage actions for one candidate fact.
//
// Without an embedding (and no embedder to produce one) resolution
// defaults to ADD: similarity search is what conflicts are detected
// with. Superseded neighbors are invisible to resolution; they are
// audit records, not current knowledge.
func (r *ConflictResolver) Resolve(ctx context.Context, fact *Fact) ([]MemoryAction, error) {
	if len(fact.Embedding) == 0 {
		if r.embedder == nil {
			return []MemoryAction{{Type: ActionAdd, Fact: fact, Reasoning: "no embedding available"}}, nil
		}
		emb, err := r.embedder.Embed(ctx, fact.Content)
		if err != nil {
			return nil, fmt.Errorf("embed fact for resolution: %w", err)
		}
		fact.Embedding = emb
	}

	filters := map[string]any{
		"workspace_id": fact.WorkspaceID,
		"category":     string(fact.Category),
	}
	hits, err := r.store.Search(ctx, r.collection(fact.WorkspaceID), fact.Embedding, r.cfg.NeighborLimit, filters)
	if err != nil {
		return nil, fmt.Errorf("neighbor search: %w", err)
	}

	type neighbor struct {
		fact  *Fact
		score float64
	}
	neighbors := make([]neighbor, 0, len(hits))
	for _, hit := range hits {
		nf, err := FactFromRecord(hit.Record)
		if err != nil {
			r.logger.Warn().Err(err).Str("id", hit.ID).Msg("skipping undecodable neighbor during resolution")
			continue
		}
		if nf.SupersededBy != "" {
			continue
		}
		neighbors = append(neighbors, neighbor{fact: nf, score: hit.Score})
	}

	// 1. Exact duplicate: IGNORE.
	for _, n := range neighbors {
		if n.score > r.cfg.DuplicateThreshold && strings.EqualFold(n.fact.Content, fact.Content) {
			return []MemoryAction{{
				Type:      ActionIgnore,
				Fact:      fact,
				TargetIDs: []string{n.fact.ID},
				Reasoning: fmt.Sprintf("duplicate of %s (similarity %.3f)", n.fact.ID, n.score),
			}}, nil
		}
	}

	// 2. Architecture facts evolve: SUPERSEDE close, different neighbors.
	if fact.Category == CategoryArchitecture {
		var targets []string
		for _, n := range neighbors {
			if n.score > r.cfg.SupersedeThreshold && !strings.EqualFold(n.fact.Content, fact.Content) {
				targets = append(targets, n.fact.ID)
			}
		}
		if len(targets) > 0 {
			return []MemoryAction{{
				Type:      ActionSupersede,
				Fact:      fact,
				TargetIDs: targets,
				Reasoning: fmt.Sprintf("supersedes %d earlier architecture fact(s)", len(targets)),
			}}, nil
		}
	}

	// 3. Debugging resolutions retire the bug records they resolve.
	if fact.Category == CategoryDebugging && resolutionPattern.MatchString(fact.Content) {
		var targets []string
		for _, n := range neighbors {
			if n.score > r.cfg.ResolutionThreshold {
				targets = append(targets, n.fact.ID)
			}
		}
		if len(targets) > 0 {
			fact.Resolved = true
			fact.ResolvedAt = fact.IngestionTime
			return []MemoryAction{{
				Type:      ActionDeleteExisting,
				Fact:      fact,
				TargetIDs: targets,
				Reasoning: fmt.Sprintf("resolves %d stored debugging fact(s)", len(targets)),
			}}, nil
		}
	}

	// 4. No conflict.
	return []MemoryAction{{Type: ActionAdd, Fact: fact, Reasoning: "no conflicting neighbors"}}, nil
}
