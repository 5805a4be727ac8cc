package memory

import (
	"math"
	"sort"
	"time"
)

// TemporalScorerConfig tunes decay and ranking.
type TemporalScorerConfig struct {
	// HalfLife is the age at which the decay component halves.
	// Default: 7 days.
	HalfLife time.Duration

	// SimilarityWeight is the alpha in the rank blend
	// total = alpha*similarity + (1-alpha)*temporal. Default: 0.65.
	SimilarityWeight float64
}

// DefaultTemporalScorerConfig returns the standard decay knobs.
func DefaultTemporalScorerConfig() TemporalScorerConfig {
	return TemporalScorerConfig{
		HalfLife:         7 * 24 * time.Hour,
		SimilarityWeight: 0.65,
	}
}

func (c *TemporalScorerConfig) applyDefaults() {
	d := DefaultTemporalScorerConfig()
	if c.HalfLife <= 0 {
		c.HalfLife = d.HalfLife
	}
	if c.SimilarityWeight <= 0 || c.SimilarityWeight > 1 {
		c.SimilarityWeight = d.SimilarityWeight
	}
}

// TemporalScorer computes a recency/confidence relevance weight and
// blends it with similarity for search ranking. Scores live in [0,1]
// and strictly decrease with a fact's age, so they compose with
// similarity scores on the same scale.
type TemporalScorer struct {
	cfg TemporalScorerConfig
	now func() time.Time
}

// NewTemporalScorer creates a scorer with the given config.
func NewTemporalScorer(cfg TemporalScorerConfig) *TemporalScorer {
	cfg.applyDefaults()
	return &TemporalScorer{cfg: cfg, now: time.Now}
}

// Score is the fact's temporal relevance at the current instant.
func (s *TemporalScorer) Score(f *Fact) float64 {
	return s.ScoreAt(f, s.now())
}

// ScoreAt computes exponential decay over the fact's reference age,
// weighted by confidence so that well-attested facts fade slower:
//
//	score = 2^(-age/halfLife) * (0.5 + 0.5*confidence)
//
// A zero-age, confidence-1 fact scores 1; any positive age scores
// strictly less.
func (s *TemporalScorer) ScoreAt(f *Fact, at time.Time) float64 {
	age := at.Sub(f.ReferenceTime)
	if age < 0 {
		age = 0
	}
	decay := math.Exp2(-age.Seconds() / s.cfg.HalfLife.Seconds())
	confidence := f.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	score := decay * (0.5 + 0.5*confidence)
	if score > 1 {
		score = 1
	}
	return score
}

// SearchResult is a ranked search hit.
type SearchResult struct {
	Fact       *Fact
	Similarity float64
	Temporal   float64
	Total      float64
}

// Rank fills in temporal and total scores and sorts descending by
// total. The sort is stable: ties keep their incoming (insertion)
// order.
func (s *TemporalScorer) Rank(results []SearchResult) []SearchResult {
	at := s.now()
	for i := range results {
		results[i].Temporal = s.ScoreAt(results[i].Fact, at)
		results[i].Total = s.cfg.SimilarityWeight*results[i].Similarity +
			(1-s.cfg.SimilarityWeight)*results[i].Temporal
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Total > results[j].Total
	})
	return results
}
