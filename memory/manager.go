package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/axonlabs/mnemo-go/core"
	"github.com/axonlabs/mnemo-go/llm"
	"github.com/axonlabs/mnemo-go/vectorstore"
)

// SystemState is the orchestrator's coarse lifecycle state, surfaced to
// the host's UI layer alongside a human-readable message.
type SystemState string

const (
	StateStandby      SystemState = "standby"
	StateInitializing SystemState = "initializing"
	StateIndexed      SystemState = "indexed"
	StateError        SystemState = "error"
)

// ErrNotInitialized is returned when an operation runs after
// initialization has failed.
var ErrNotInitialized = errors.New("memory: orchestrator not initialized")

// Orchestrator composes the memory pipeline: message buffering,
// background episode processing, fact ingestion (embedding, conflict
// resolution, storage), search, and retention. One Orchestrator serves
// any number of workspaces over one shared vector store connection.
//
// Public entry points never panic the host: background passes convert
// failures into logged errors and a retained buffer, and unexpected
// initialization failures land in the Error state.
type Orchestrator struct {
	coord    *vectorstore.Coordinator
	embedder Embedder
	provider llm.Provider
	hints    HintsProvider
	project  *core.ProjectContext
	cfg      Config
	logger   zerolog.Logger

	// Built during initialization, once the connection exists.
	detector  *EpisodeDetector
	extractor *FactExtractor
	resolver  *ConflictResolver
	scorer    *TemporalScorer
	sweeper   *RetentionSweeper

	stateMu      sync.Mutex
	state        SystemState
	stateMessage string

	initMu   sync.Mutex
	initDone chan struct{}
	initErr  error

	bufMu   sync.Mutex
	buffers map[string]*workspaceBuffer

	sweepCancel context.CancelFunc
	closeOnce   sync.Once
}

// workspaceBuffer is per-workspace intake state: the pending messages
// and the single-slot in-flight marker for the background pass.
type workspaceBuffer struct {
	messages []core.Message
	inFlight bool
}

// OrchestratorOption configures optional collaborators.
type OrchestratorOption func(*Orchestrator)

// WithProjectContext attaches workspace metadata used by extraction and
// episode descriptions.
func WithProjectContext(project *core.ProjectContext) OrchestratorOption {
	return func(o *Orchestrator) { o.project = project }
}

// WithHintsProvider overrides the built-in fact-term hints source.
func WithHintsProvider(h HintsProvider) OrchestratorOption {
	return func(o *Orchestrator) { o.hints = h }
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(l zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator wires the pipeline over a coordinator-managed vector
// store. embedder is required; provider may be nil, which disables LLM
// extraction and descriptions in favor of the heuristic paths.
func NewOrchestrator(coord *vectorstore.Coordinator, embedder Embedder, provider llm.Provider, cfg Config, opts ...OrchestratorOption) (*Orchestrator, error) {
	if coord == nil {
		return nil, errors.New("memory: orchestrator requires a coordinator")
	}
	if embedder == nil {
		return nil, errors.New("memory: orchestrator requires an embedder")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		coord:    coord,
		embedder: embedder,
		provider: provider,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		state:    StateStandby,
		buffers:  make(map[string]*workspaceBuffer),
		scorer:   NewTemporalScorer(cfg.Temporal),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.extractor = NewFactExtractor(provider, o.logger)
	return o, nil
}

// State returns the coarse system state and its human-readable message.
func (o *Orchestrator) State() (SystemState, string) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state, o.stateMessage
}

func (o *Orchestrator) setState(s SystemState, msg string) {
	o.stateMu.Lock()
	o.state = s
	o.stateMessage = msg
	o.stateMu.Unlock()
	o.logger.Info().Str("state", string(s)).Str("message", msg).Msg("memory state changed")
}

// Start initializes the orchestrator: connect, wire components, and
// ready the primary workspace's collection. It is idempotent, and
// concurrent callers coalesce onto a single initialization; later calls
// return its outcome. Operations invoked before Start trigger it
// implicitly.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.initMu.Lock()
	if o.initDone != nil {
		done := o.initDone
		o.initMu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return o.initErr
		}
	}
	done := make(chan struct{})
	o.initDone = done
	o.initMu.Unlock()

	o.setState(StateInitializing, "connecting to vector store")
	err := o.initialize(ctx)
	if err != nil {
		o.setState(StateError, err.Error())
		err = fmt.Errorf("%w: %v", ErrNotInitialized, err)
	} else {
		o.setState(StateIndexed, "memory indexed and ready")
	}

	o.initMu.Lock()
	o.initErr = err
	o.initMu.Unlock()
	close(done)
	return err
}

func (o *Orchestrator) initialize(ctx context.Context) error {
	conn, err := o.coord.Connect(ctx, o.cfg.Endpoint, o.cfg.Credential)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	collectionFor := o.collectionFor
	if o.hints == nil {
		o.hints = NewFactTermHints(conn, collectionFor)
	}
	o.detector = NewEpisodeDetector(o.cfg.Detector, o.embedder, o.provider, o.hints, o.logger)
	o.resolver = NewConflictResolver(conn, collectionFor, o.embedder, o.cfg.Resolver, o.logger)
	o.sweeper = NewRetentionSweeper(conn, collectionFor, o.cfg.Retention, o.logger)

	// Collection creation must not hang startup indefinitely.
	ensureCtx, cancel := context.WithTimeout(ctx, o.cfg.StartupTimeout)
	defer cancel()
	if _, err := o.coord.EnsureCollection(ensureCtx, o.cfg.CollectionName, o.cfg.WorkspaceID, o.embedder.Dimensions()); err != nil {
		return fmt.Errorf("collection for workspace %s not ready within %s: %w",
			o.cfg.WorkspaceID, o.cfg.StartupTimeout, err)
	}

	o.coord.StartHealthMonitor()

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	o.sweepCancel = sweepCancel
	go o.sweeper.Run(sweepCtx, o.knownWorkspaces)
	return nil
}

func (o *Orchestrator) collectionFor(workspace string) string {
	return vectorstore.PhysicalName(o.cfg.CollectionName, workspace)
}

func (o *Orchestrator) knownWorkspaces() []string {
	o.bufMu.Lock()
	defer o.bufMu.Unlock()
	seen := map[string]bool{o.cfg.WorkspaceID: true}
	out := []string{o.cfg.WorkspaceID}
	for ws := range o.buffers {
		if !seen[ws] {
			seen[ws] = true
			out = append(out, ws)
		}
	}
	return out
}

// CollectMessage appends a message to the workspace's buffer and, when
// the buffer holds at least MinBatch messages and no pass is already
// running, schedules a background episode pass. An empty workspace
// means the primary one.
func (o *Orchestrator) CollectMessage(ctx context.Context, workspace string, msg core.Message) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	if workspace == "" {
		workspace = o.cfg.WorkspaceID
	}

	o.bufMu.Lock()
	buf := o.buffers[workspace]
	if buf == nil {
		buf = &workspaceBuffer{}
		o.buffers[workspace] = buf
	}
	buf.messages = append(buf.messages, msg)
	schedule := len(buf.messages) >= o.cfg.MinBatch && !buf.inFlight
	if schedule {
		buf.inFlight = true
	}
	o.bufMu.Unlock()

	if schedule {
		go o.backgroundPass(workspace)
	}
	return nil
}

// backgroundPass processes a snapshot of the workspace buffer into
// episodes and facts. Processed messages are evicted only on success; a
// failed pass leaves them for the next attempt. The in-flight slot is
// always released.
func (o *Orchestrator) backgroundPass(workspace string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("workspace", workspace).Msg("background pass panicked")
		}
		o.bufMu.Lock()
		if buf := o.buffers[workspace]; buf != nil {
			buf.inFlight = false
		}
		o.bufMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ProcessTimeout)
	defer cancel()

	o.bufMu.Lock()
	buf := o.buffers[workspace]
	var snapshot []core.Message
	if buf != nil {
		snapshot = append([]core.Message(nil), buf.messages...)
	}
	o.bufMu.Unlock()
	if len(snapshot) < o.cfg.MinBatch {
		return
	}

	episodes, err := o.detector.Detect(ctx, snapshot, workspace, o.project)
	if err != nil {
		o.logger.Error().Err(err).Str("workspace", workspace).Msg("episode detection failed, buffer retained")
		return
	}

	for _, ep := range episodes {
		inputs := o.extractor.ExtractFacts(ctx, ep.Messages, o.project)
		if len(inputs) == 0 {
			continue
		}
		if _, err := o.ingest(ctx, workspace, inputs, ep.ReferenceTime, ep.ID); err != nil {
			o.logger.Error().Err(err).
				Str("workspace", workspace).
				Str("episode", ep.ID).
				Msg("fact ingestion failed, buffer retained")
			return
		}
	}

	// Evict exactly what was processed; messages collected during the
	// pass stay for the next one.
	o.bufMu.Lock()
	if buf := o.buffers[workspace]; buf != nil && len(buf.messages) >= len(snapshot) {
		buf.messages = append([]core.Message(nil), buf.messages[len(snapshot):]...)
	}
	o.bufMu.Unlock()

	o.logger.Debug().
		Str("workspace", workspace).
		Int("messages", len(snapshot)).
		Int("episodes", len(episodes)).
		Msg("background pass complete")
}

// IngestFacts embeds, resolves, and stores candidate facts for a
// workspace, returning the actions taken. Conflict resolution is
// sequential per fact: each resolution sees the store as mutated by the
// previous one.
func (o *Orchestrator) IngestFacts(ctx context.Context, workspace string, inputs []CategorizedFactInput) ([]MemoryAction, error) {
	if err := o.Start(ctx); err != nil {
		return nil, err
	}
	if workspace == "" {
		workspace = o.cfg.WorkspaceID
	}
	return o.ingest(ctx, workspace, inputs, time.Now(), "")
}

func (o *Orchestrator) ingest(ctx context.Context, workspace string, inputs []CategorizedFactInput, referenceTime time.Time, episodeID string) ([]MemoryAction, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	collection, err := o.coord.EnsureCollection(ctx, o.cfg.CollectionName, workspace, o.embedder.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	conn := o.coord.Store()

	facts := make([]*Fact, len(inputs))
	for i, in := range inputs {
		facts[i] = NewFact(workspace, in.Content, in.Category, in.Confidence, referenceTime)
		if episodeID != "" {
			facts[i].DerivedFrom = episodeID
		}
	}

	// One provider round trip for every fact that needs a vector.
	var missing []int
	var texts []string
	for i, f := range facts {
		if len(f.Embedding) == 0 {
			missing = append(missing, i)
			texts = append(texts, f.Content)
		}
	}
	if len(texts) > 0 {
		vectors, err := o.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			// A fact cannot be stored without a vector.
			return nil, fmt.Errorf("embed %d facts: %w", len(texts), err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
		}
		for j, i := range missing {
			facts[i].Embedding = vectors[j]
		}
	}

	var applied []MemoryAction
	for _, fact := range facts {
		actions, err := o.resolver.Resolve(ctx, fact)
		if err != nil {
			return applied, fmt.Errorf("resolve fact: %w", err)
		}
		for _, action := range actions {
			if err := o.apply(ctx, conn, collection, action); err != nil {
				return applied, fmt.Errorf("apply %s: %w", action.Type, err)
			}
			o.logger.Debug().
				Str("action", string(action.Type)).
				Str("workspace", workspace).
				Str("reason", action.Reasoning).
				Msg("fact resolved")
			applied = append(applied, action)
		}
	}
	return applied, nil
}

// apply executes one resolver verdict against the store.
func (o *Orchestrator) apply(ctx context.Context, conn vectorstore.Store, collection string, action MemoryAction) error {
	switch action.Type {
	case ActionIgnore:
		return nil

	case ActionAdd:
		return conn.Upsert(ctx, collection, []vectorstore.Record{action.Fact.Record()})

	case ActionUpdate:
		return conn.Update(ctx, collection, action.Fact.Record())

	case ActionSupersede:
		now := time.Now()
		for _, id := range action.TargetIDs {
			rec, err := conn.Get(ctx, collection, id)
			if err != nil {
				return fmt.Errorf("load superseded fact %s: %w", id, err)
			}
			old, err := FactFromRecord(*rec)
			if err != nil {
				return fmt.Errorf("decode superseded fact %s: %w", id, err)
			}
			old.SupersededBy = action.Fact.ID
			old.SupersededAt = now
			if err := conn.Update(ctx, collection, old.Record()); err != nil {
				return fmt.Errorf("stamp superseded fact %s: %w", id, err)
			}
		}
		return conn.Upsert(ctx, collection, []vectorstore.Record{action.Fact.Record()})

	case ActionDeleteExisting:
		if err := conn.Delete(ctx, collection, action.TargetIDs); err != nil {
			return fmt.Errorf("delete resolved facts: %w", err)
		}
		return conn.Upsert(ctx, collection, []vectorstore.Record{action.Fact.Record()})
	}
	return fmt.Errorf("unknown action type %q", action.Type)
}

// Search embeds the query, runs a workspace-scoped similarity search,
// and re-ranks by the blended similarity/temporal score. Superseded
// facts never appear. limit <= 0 means the configured default.
func (o *Orchestrator) Search(ctx context.Context, workspace, query string, limit int) ([]SearchResult, error) {
	if err := o.Start(ctx); err != nil {
		return nil, err
	}
	if workspace == "" {
		workspace = o.cfg.WorkspaceID
	}
	if limit <= 0 {
		limit = o.cfg.SearchLimit
	}

	vector, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Over-fetch: superseded facts are filtered after decoding, since
	// the store's equality filters cannot express "field not set".
	hits, err := o.coord.Store().Search(ctx, o.collectionFor(workspace), vector, limit*2,
		map[string]any{"workspace_id": workspace})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		fact, err := FactFromRecord(hit.Record)
		if err != nil {
			o.logger.Warn().Err(err).Str("id", hit.ID).Msg("skipping undecodable fact in search results")
			continue
		}
		if fact.SupersededBy != "" {
			continue
		}
		results = append(results, SearchResult{Fact: fact, Similarity: hit.Score})
	}

	results = o.scorer.Rank(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SweepRetention runs one retention pass for a workspace immediately,
// outside the background schedule.
func (o *Orchestrator) SweepRetention(ctx context.Context, workspace string) (int, error) {
	if err := o.Start(ctx); err != nil {
		return 0, err
	}
	if workspace == "" {
		workspace = o.cfg.WorkspaceID
	}
	return o.sweeper.Sweep(ctx, workspace)
}

// Stats summarizes a workspace's stored facts.
type Stats struct {
	Total      int
	Active     int
	Superseded int
	ByCategory map[FactCategory]int
}

// Stats pages through the workspace's facts and counts them by category
// and lifecycle.
func (o *Orchestrator) Stats(ctx context.Context, workspace string) (*Stats, error) {
	if err := o.Start(ctx); err != nil {
		return nil, err
	}
	if workspace == "" {
		workspace = o.cfg.WorkspaceID
	}

	stats := &Stats{ByCategory: make(map[FactCategory]int)}
	conn := o.coord.Store()
	collection := o.collectionFor(workspace)
	cursor := ""
	for {
		page, err := conn.Filter(ctx, collection, 128, map[string]any{"workspace_id": workspace}, cursor)
		if err != nil {
			if errors.Is(err, vectorstore.ErrCollectionNotFound) {
				return stats, nil
			}
			return nil, fmt.Errorf("stats scan: %w", err)
		}
		for _, rec := range page.Records {
			fact, err := FactFromRecord(rec)
			if err != nil {
				o.logger.Warn().Err(err).Str("id", rec.ID).Msg("skipping undecodable fact in stats")
				continue
			}
			stats.Total++
			stats.ByCategory[fact.Category]++
			if fact.SupersededBy != "" {
				stats.Superseded++
			} else {
				stats.Active++
			}
		}
		if page.NextCursor == "" {
			return stats, nil
		}
		cursor = page.NextCursor
	}
}

// ClearMemoryData drops the workspace's collection and resets its
// buffer. The collection is re-created lazily on the next ingestion.
func (o *Orchestrator) ClearMemoryData(ctx context.Context, workspace string) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	if workspace == "" {
		workspace = o.cfg.WorkspaceID
	}
	if err := o.coord.DropCollection(ctx, o.cfg.CollectionName, workspace); err != nil {
		return err
	}
	o.bufMu.Lock()
	delete(o.buffers, workspace)
	o.bufMu.Unlock()
	o.logger.Info().Str("workspace", workspace).Msg("workspace memory cleared")
	return nil
}

// Close stops the retention schedule. The coordinator (and its
// connection) belongs to the composition root and is closed there.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		if o.sweepCancel != nil {
			o.sweepCancel()
		}
	})
}
