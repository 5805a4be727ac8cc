package memory

import (
	"errors"
	"time"
)

// Config holds the orchestrator's settings. Construct with
// DefaultConfig and override; Validate runs at construction and fails
// fast on missing required values.
type Config struct {
	// WorkspaceID is the primary workspace whose collection is readied
	// during startup. Required.
	WorkspaceID string

	// CollectionName is the logical collection facts live in; the
	// physical backend name is derived per workspace.
	CollectionName string

	// Endpoint and Credential select the vector store connection.
	// Embedded backends ignore both.
	Endpoint   string
	Credential string

	// MinBatch is the smallest buffer that triggers a background pass,
	// so degenerate single-message "episodes" are not segmented.
	// Default: 4.
	MinBatch int

	// StartupTimeout bounds collection creation during Start.
	// Default: 60s.
	StartupTimeout time.Duration

	// ProcessTimeout bounds one background episode pass. Default: 2m.
	ProcessTimeout time.Duration

	// SearchLimit is the default result count for Search. Default: 10.
	SearchLimit int

	Detector  EpisodeDetectorConfig
	Resolver  ConflictResolverConfig
	Temporal  TemporalScorerConfig
	Retention RetentionConfig
}

// DefaultConfig returns a config with every tunable at its default.
// WorkspaceID must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		CollectionName: "workspace_memory",
		MinBatch:       4,
		StartupTimeout: 60 * time.Second,
		ProcessTimeout: 2 * time.Minute,
		SearchLimit:    10,
		Detector:       DefaultEpisodeDetectorConfig(),
		Resolver:       DefaultConflictResolverConfig(),
		Temporal:       DefaultTemporalScorerConfig(),
		Retention:      DefaultRetentionConfig(),
	}
}

// Validate checks required settings and fills defaults for the rest.
func (c *Config) Validate() error {
	if c.WorkspaceID == "" {
		return errors.New("memory: Config.WorkspaceID is required (the primary workspace cannot be defaulted)")
	}
	if c.CollectionName == "" {
		c.CollectionName = "workspace_memory"
	}
	if c.MinBatch <= 0 {
		c.MinBatch = 4
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 60 * time.Second
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 2 * time.Minute
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 10
	}
	c.Detector.applyDefaults()
	c.Resolver.applyDefaults()
	c.Temporal.applyDefaults()
	c.Retention.applyDefaults()
	return nil
}
