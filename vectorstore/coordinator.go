package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CollectionStatus is the lifecycle state of a registry entry.
type CollectionStatus string

const (
	StatusCreating CollectionStatus = "creating"
	StatusReady    CollectionStatus = "ready"
	StatusError    CollectionStatus = "error"
)

// CollectionState is the registry's view of one (name, workspace) pair.
type CollectionState struct {
	Name         string
	Workspace    string
	Dimension    int
	Status       CollectionStatus
	CreatedAt    time.Time
	LastAccessed time.Time
}

// Dialer establishes a backend connection for an (endpoint, credential)
// pair. Embedded backends may ignore both parameters.
type Dialer func(endpoint, credential string) (Store, error)

// CoordinatorConfig tunes the lifecycle coordinator.
type CoordinatorConfig struct {
	// FailureThreshold is the consecutive connection failures before the
	// circuit breaker opens. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a
	// half-open trial. Default: 60s.
	Cooldown time.Duration

	// HealthInterval is how often ready collections are re-checked.
	// Default: 30s.
	HealthInterval time.Duration

	// SettleWindow exempts freshly created collections from health
	// checks. Default: 30s.
	SettleWindow time.Duration

	// IdleTimeout evicts registry entries untouched for this long.
	// Default: 5m.
	IdleTimeout time.Duration
}

// DefaultCoordinatorConfig returns production defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		HealthInterval:   30 * time.Second,
		SettleWindow:     30 * time.Second,
		IdleTimeout:      5 * time.Minute,
	}
}

func (c *CoordinatorConfig) applyDefaults() {
	d := DefaultCoordinatorConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.SettleWindow <= 0 {
		c.SettleWindow = d.SettleWindow
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
}

type collectionKey struct {
	name      string
	workspace string
}

type collectionEntry struct {
	state    CollectionState
	physical string
	done     chan struct{} // closed when creation settles
	err      error
}

// Coordinator owns the single shared vector store connection and the
// collection registry. It guarantees that concurrent first-uses of a
// workspace produce exactly one underlying creation call, validates
// collection dimensions after creation, monitors collection health in
// the background, and fast-fails through a circuit breaker while the
// backend is unreachable.
//
// Construct one Coordinator at the process's composition root and share
// it across workspaces.
type Coordinator struct {
	dial    Dialer
	cfg     CoordinatorConfig
	breaker *CircuitBreaker
	logger  zerolog.Logger
	now     func() time.Time

	connMu         sync.Mutex
	conn           Store
	connEndpoint   string
	connCredential string

	regMu    sync.Mutex
	registry map[collectionKey]*collectionEntry

	healthStop chan struct{}
	healthOnce sync.Once
	closeOnce  sync.Once
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(l zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *CircuitBreaker) CoordinatorOption {
	return func(c *Coordinator) { c.breaker = b }
}

// WithClock overrides the time source (testing).
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator that dials backends with dial.
func NewCoordinator(dial Dialer, cfg CoordinatorConfig, opts ...CoordinatorOption) (*Coordinator, error) {
	if dial == nil {
		return nil, errors.New("vectorstore: coordinator requires a dialer")
	}
	cfg.applyDefaults()

	c := &Coordinator{
		dial:       dial,
		cfg:        cfg,
		logger:     zerolog.Nop(),
		now:        time.Now,
		registry:   make(map[collectionKey]*collectionEntry),
		healthStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker(cfg.FailureThreshold, cfg.Cooldown)
	}
	return c, nil
}

// Breaker exposes the coordinator's circuit breaker.
func (c *Coordinator) Breaker() *CircuitBreaker {
	return c.breaker
}

// Connect returns the shared connection for (endpoint, credential),
// reusing the existing one when parameters match and replacing it
// otherwise. Every reuse triggers a non-blocking liveness re-check.
// Attempts are gated by the circuit breaker.
func (c *Coordinator) Connect(ctx context.Context, endpoint, credential string) (Store, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil && c.connEndpoint == endpoint && c.connCredential == credential {
		conn := c.conn
		go func() {
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := conn.Ping(pingCtx); err != nil {
				c.logger.Warn().Err(err).Msg("shared connection liveness check failed")
				c.breaker.RecordFailure()
			}
		}()
		return conn, nil
	}

	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	conn, err := c.dial(endpoint, credential)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("dial vector store: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("vector store unreachable: %w", err)
	}
	c.breaker.RecordSuccess()

	if c.conn != nil {
		c.logger.Info().Str("endpoint", endpoint).Msg("connection parameters changed, discarding previous connection")
		c.conn.Close()
	}
	c.conn = conn
	c.connEndpoint = endpoint
	c.connCredential = credential
	return conn, nil
}

// Store returns the active shared connection, or nil before Connect.
func (c *Coordinator) Store() Store {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// PhysicalName is the backend collection name for a (name, workspace)
// pair.
func PhysicalName(name, workspace string) string {
	return name + "_" + workspace
}

// EnsureCollection guarantees the collection for (name, workspace)
// exists with the requested vector dimension and returns its physical
// name.
//
// Concurrent callers for the same key await a single in-flight creation
// rather than issuing duplicate backend calls. A registry entry already
// marked ready with a matching dimension returns immediately with no
// network call. An existing collection with a different dimension is
// deleted and recreated; callers must expect data loss when the
// embedding model changes.
func (c *Coordinator) EnsureCollection(ctx context.Context, name, workspace string, dimension int) (string, error) {
	if dimension <= 0 {
		return "", fmt.Errorf("vectorstore: invalid dimension %d for collection %s", dimension, name)
	}
	key := collectionKey{name: name, workspace: workspace}

	for {
		c.regMu.Lock()
		entry, ok := c.registry[key]
		if ok {
			switch entry.state.Status {
			case StatusReady:
				if entry.state.Dimension == dimension {
					entry.state.LastAccessed = c.now()
					physical := entry.physical
					c.regMu.Unlock()
					return physical, nil
				}
				// Dimension changed: fall through and recreate.
			case StatusCreating:
				done := entry.done
				c.regMu.Unlock()
				select {
				case <-ctx.Done():
					return "", ctx.Err()
				case <-done:
				}
				if entry.err != nil {
					return "", entry.err
				}
				// Re-evaluate: the settled entry may or may not match
				// our requested dimension.
				continue
			case StatusError:
				// Previous attempt failed; retry with a fresh entry.
			}
		}

		entry = &collectionEntry{
			state: CollectionState{
				Name:      name,
				Workspace: workspace,
				Dimension: dimension,
				Status:    StatusCreating,
			},
			physical: PhysicalName(name, workspace),
			done:     make(chan struct{}),
		}
		c.registry[key] = entry
		c.regMu.Unlock()

		err := c.createCollection(ctx, entry, dimension)

		c.regMu.Lock()
		if err != nil {
			entry.state.Status = StatusError
			entry.err = err
		} else {
			now := c.now()
			entry.state.Status = StatusReady
			entry.state.CreatedAt = now
			entry.state.LastAccessed = now
		}
		close(entry.done)
		c.regMu.Unlock()

		if err != nil {
			return "", err
		}
		return entry.physical, nil
	}
}

func (c *Coordinator) createCollection(ctx context.Context, entry *collectionEntry, dimension int) error {
	conn := c.Store()
	if conn == nil {
		return errors.New("vectorstore: not connected (call Connect before EnsureCollection)")
	}

	existing, err := conn.CollectionDimension(ctx, entry.physical)
	switch {
	case errors.Is(err, ErrCollectionNotFound):
		if err := conn.EnsureCollection(ctx, entry.physical, dimension); err != nil {
			return fmt.Errorf("create collection %s: %w", entry.physical, err)
		}
	case err != nil:
		return fmt.Errorf("inspect collection %s: %w", entry.physical, err)
	case existing != dimension:
		c.logger.Warn().
			Str("collection", entry.physical).
			Int("have", existing).
			Int("want", dimension).
			Msg("collection dimension changed, deleting and recreating (existing vectors are lost)")
		if err := conn.DeleteCollection(ctx, entry.physical); err != nil {
			return fmt.Errorf("delete mismatched collection %s: %w", entry.physical, err)
		}
		if err := conn.EnsureCollection(ctx, entry.physical, dimension); err != nil {
			return fmt.Errorf("recreate collection %s: %w", entry.physical, err)
		}
	}

	// Assert the backend agrees on the dimension before marking ready.
	got, err := conn.CollectionDimension(ctx, entry.physical)
	if err != nil {
		return fmt.Errorf("verify collection %s: %w", entry.physical, err)
	}
	if got != dimension {
		return fmt.Errorf("collection %s reports dimension %d, want %d: %w",
			entry.physical, got, dimension, ErrDimensionMismatch)
	}
	return nil
}

// CollectionStates snapshots the registry (diagnostics and tests).
func (c *Coordinator) CollectionStates() []CollectionState {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	states := make([]CollectionState, 0, len(c.registry))
	for _, e := range c.registry {
		states = append(states, e.state)
	}
	return states
}

// StartHealthMonitor launches the background health loop. Safe to call
// more than once; only the first call starts the goroutine.
func (c *Coordinator) StartHealthMonitor() {
	c.healthOnce.Do(func() {
		go c.healthLoop()
	})
}

func (c *Coordinator) healthLoop() {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.healthStop:
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

// checkHealth re-verifies ready collections past the settle window and
// evicts idle registry entries.
func (c *Coordinator) checkHealth() {
	conn := c.Store()
	now := c.now()

	c.regMu.Lock()
	type probe struct {
		key   collectionKey
		entry *collectionEntry
	}
	var probes []probe
	for key, entry := range c.registry {
		if entry.state.Status != StatusReady {
			continue
		}
		if now.Sub(entry.state.LastAccessed) > c.cfg.IdleTimeout {
			delete(c.registry, key)
			c.logger.Debug().
				Str("collection", entry.physical).
				Msg("evicted idle collection registry entry")
			continue
		}
		if now.Sub(entry.state.CreatedAt) < c.cfg.SettleWindow {
			continue
		}
		probes = append(probes, probe{key: key, entry: entry})
	}
	c.regMu.Unlock()

	if conn == nil {
		return
	}
	for _, p := range probes {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := conn.CollectionDimension(ctx, p.entry.physical)
		cancel()
		if err == nil {
			continue
		}
		c.logger.Warn().Err(err).
			Str("collection", p.entry.physical).
			Msg("ready collection became inaccessible")
		c.regMu.Lock()
		p.entry.state.Status = StatusError
		p.entry.err = err
		c.regMu.Unlock()
	}
}

// DropCollection deletes the backing collection for (name, workspace)
// and removes its registry entry.
func (c *Coordinator) DropCollection(ctx context.Context, name, workspace string) error {
	conn := c.Store()
	if conn == nil {
		return errors.New("vectorstore: not connected")
	}
	physical := PhysicalName(name, workspace)
	if err := conn.DeleteCollection(ctx, physical); err != nil && !errors.Is(err, ErrCollectionNotFound) {
		return fmt.Errorf("delete collection %s: %w", physical, err)
	}
	c.regMu.Lock()
	delete(c.registry, collectionKey{name: name, workspace: workspace})
	c.regMu.Unlock()
	return nil
}

// Close stops the health monitor and releases the shared connection.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.healthStop)
		c.connMu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	})
	return err
}
