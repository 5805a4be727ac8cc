package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/axonlabs/mnemo-go/vectorstore"
)

// RetentionConfig tunes the sweeper.
type RetentionConfig struct {
	// Interval between sweeps. Default: 60m.
	Interval time.Duration

	// PageSize for the paginated scan. Default: 128.
	PageSize int

	// ResolvedRetention keeps resolved debugging facts this long past
	// their resolution. Default: 7 days.
	ResolvedRetention time.Duration

	// StaleRetention keeps unresolved debugging facts this long past
	// their reference time. Default: 30 days.
	StaleRetention time.Duration
}

// DefaultRetentionConfig returns the standard retention windows.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Interval:          60 * time.Minute,
		PageSize:          128,
		ResolvedRetention: 7 * 24 * time.Hour,
		StaleRetention:    30 * 24 * time.Hour,
	}
}

func (c *RetentionConfig) applyDefaults() {
	d := DefaultRetentionConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.ResolvedRetention <= 0 {
		c.ResolvedRetention = d.ResolvedRetention
	}
	if c.StaleRetention <= 0 {
		c.StaleRetention = d.StaleRetention
	}
}

// RetentionSweeper deletes debugging facts whose lifecycle has expired:
// resolved facts older than the resolved-retention window, unresolved
// facts older than the stale window. Both checks are strict
// greater-than; a fact aged exactly the threshold survives.
type RetentionSweeper struct {
	store      vectorstore.Store
	collection func(workspace string) string
	cfg        RetentionConfig
	logger     zerolog.Logger
	now        func() time.Time
}

// NewRetentionSweeper creates a sweeper over the given store.
func NewRetentionSweeper(store vectorstore.Store, collection func(string) string, cfg RetentionConfig, logger zerolog.Logger) *RetentionSweeper {
	cfg.applyDefaults()
	return &RetentionSweeper{
		store:      store,
		collection: collection,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Sweep runs one retention pass over a workspace and returns how many
// facts it deleted.
//
// Any scan or delete error propagates; the sweep performs no
// partial-failure recovery within one run — the scheduling loop logs
// and retries next interval. A malformed stored fact also fails the
// sweep (ErrMalformedFact): data corruption should surface, not be
// silently skipped.
func (s *RetentionSweeper) Sweep(ctx context.Context, workspace string) (int, error) {
	collection := s.collection(workspace)
	filters := map[string]any{
		"workspace_id": workspace,
		"category":     string(CategoryDebugging),
	}
	now := s.now()

	// Deleting mid-scan would shift the backend's cursor underneath the
	// pagination, so expired IDs are collected first and deleted after
	// the scan completes.
	var expired []string
	cursor := ""
	for {
		page, err := s.store.Filter(ctx, collection, s.cfg.PageSize, filters, cursor)
		if err != nil {
			return 0, fmt.Errorf("retention scan %s: %w", workspace, err)
		}
		for _, rec := range page.Records {
			fact, err := FactFromRecord(rec)
			if err != nil {
				return 0, fmt.Errorf("retention sweep %s: %w", workspace, err)
			}
			if s.expired(fact, now) {
				expired = append(expired, fact.ID)
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if len(expired) == 0 {
		return 0, nil
	}
	if err := s.store.Delete(ctx, collection, expired); err != nil {
		return 0, fmt.Errorf("retention delete %s: %w", workspace, err)
	}
	return len(expired), nil
}

// expired applies the retention rules. Ages are measured from
// resolved_at (falling back to reference_time) for resolved facts and
// from reference_time for unresolved ones.
func (s *RetentionSweeper) expired(f *Fact, now time.Time) bool {
	if f.Resolved {
		since := f.ResolvedAt
		if since.IsZero() {
			since = f.ReferenceTime
		}
		return now.Sub(since) > s.cfg.ResolvedRetention
	}
	return now.Sub(f.ReferenceTime) > s.cfg.StaleRetention
}

// Run owns the interval timer: it sweeps every workspace returned by
// workspaces on each tick, logging and carrying on when a sweep fails,
// and stops when ctx is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context, workspaces func() []string) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ws := range workspaces() {
				deleted, err := s.Sweep(ctx, ws)
				if err != nil {
					s.logger.Error().Err(err).Str("workspace", ws).Msg("retention sweep failed, will retry next interval")
					continue
				}
				if deleted > 0 {
					s.logger.Info().Str("workspace", ws).Int("deleted", deleted).Msg("retention sweep removed expired facts")
				}
			}
		}
	}
}
