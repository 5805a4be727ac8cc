package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/axonlabs/mnemo-go/core"
	"github.com/axonlabs/mnemo-go/llm"
)

// Episode is a contiguous, topically coherent run of messages treated
// as one unit for fact extraction. Episodes are not persisted; only the
// facts they yield are.
type Episode struct {
	ID                 string
	Messages           []core.Message
	ReferenceTime      time.Time
	WorkspaceID        string
	ContextDescription string
	StartTime          time.Time
	EndTime            time.Time
	MessageCount       int
}

// EpisodeDetectorConfig tunes segmentation.
type EpisodeDetectorConfig struct {
	// MaxGap forces a boundary when consecutive timestamps are further
	// apart than this. Default: 30m.
	MaxGap time.Duration

	// MaxMessages force-closes an episode at this size. Default: 25.
	MaxMessages int

	// Semantic enables centroid-distance boundary detection. Requires
	// an embedder.
	Semantic bool

	// SemanticK is how many median-absolute-deviations above the
	// episode's historical distance distribution a message must sit to
	// flag a boundary. Default: 2.5.
	SemanticK float64

	// MinSemanticWindow is how many messages an episode must hold
	// before semantic boundaries are considered, to avoid false
	// boundaries on a cold start. Default: 5.
	MinSemanticWindow int

	// VerifyBoundaries asks the LLM to confirm or veto soft boundary
	// candidates (semantic and phrase-based; never time-gap or
	// max-count). Requires an LLM provider.
	VerifyBoundaries bool
}

// DefaultEpisodeDetectorConfig returns the standard segmentation knobs.
func DefaultEpisodeDetectorConfig() EpisodeDetectorConfig {
	return EpisodeDetectorConfig{
		MaxGap:            30 * time.Minute,
		MaxMessages:       25,
		SemanticK:         2.5,
		MinSemanticWindow: 5,
	}
}

func (c *EpisodeDetectorConfig) applyDefaults() {
	d := DefaultEpisodeDetectorConfig()
	if c.MaxGap <= 0 {
		c.MaxGap = d.MaxGap
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.SemanticK <= 0 {
		c.SemanticK = d.SemanticK
	}
	if c.MinSemanticWindow <= 0 {
		c.MinSemanticWindow = d.MinSemanticWindow
	}
}

// EpisodeDetector splits a snapshot of the message buffer into
// episodes. Detection is single-pass and not restartable; call Detect
// again with a fresh snapshot instead.
type EpisodeDetector struct {
	cfg      EpisodeDetectorConfig
	embedder Embedder      // optional, required for semantic mode
	provider llm.Provider  // optional, used for verification + descriptions
	hints    HintsProvider // optional, flavors generated descriptions
	logger   zerolog.Logger
}

// NewEpisodeDetector creates a detector. embedder, provider, and hints
// may each be nil; the corresponding refinements are skipped.
func NewEpisodeDetector(cfg EpisodeDetectorConfig, embedder Embedder, provider llm.Provider, hints HintsProvider, logger zerolog.Logger) *EpisodeDetector {
	cfg.applyDefaults()
	return &EpisodeDetector{
		cfg:      cfg,
		embedder: embedder,
		provider: provider,
		hints:    hints,
		logger:   logger,
	}
}

// openEpisode tracks the in-progress episode during a Detect walk.
type openEpisode struct {
	messages  []core.Message
	centroid  []float64
	distances []float64
}

// Detect walks messages in order and returns the closed episodes.
// Fewer than two messages yield zero or one episode; an empty stream
// yields none. Detection itself never fails; the error return is
// reserved for context cancellation.
func (d *EpisodeDetector) Detect(ctx context.Context, messages []core.Message, workspace string, project *core.ProjectContext) ([]Episode, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	var episodes []Episode
	open := &openEpisode{}
	var lastTimestamp time.Time

	closeOpen := func() {
		if len(open.messages) == 0 {
			return
		}
		episodes = append(episodes, d.buildEpisode(ctx, open.messages, workspace, project))
		open = &openEpisode{}
	}

	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(open.messages) > 0 && d.isBoundary(ctx, open, msg, lastTimestamp) {
			closeOpen()
		}
		d.absorb(ctx, open, msg)
		if !msg.Timestamp.IsZero() {
			lastTimestamp = msg.Timestamp
		}
		if len(open.messages) >= d.cfg.MaxMessages {
			closeOpen()
		}
	}
	closeOpen()

	return episodes, nil
}

// isBoundary decides whether msg starts a new episode. Hard boundaries
// (time gap) are forced; soft candidates (transition phrase, completion
// signal, semantic distance) can be vetoed by the LLM when verification
// is on.
func (d *EpisodeDetector) isBoundary(ctx context.Context, open *openEpisode, msg core.Message, lastTimestamp time.Time) bool {
	if !lastTimestamp.IsZero() && !msg.Timestamp.IsZero() {
		if msg.Timestamp.Sub(lastTimestamp) > d.cfg.MaxGap {
			return true
		}
	}

	candidate := ""
	switch {
	case hasTransitionPhrase(msg.Content):
		candidate = "transition phrase"
	case hasCompletionSignal(open.messages[len(open.messages)-1].Content):
		candidate = "completion signal"
	case d.semanticBoundary(ctx, open, msg):
		candidate = "semantic distance"
	}
	if candidate == "" {
		return false
	}

	if d.cfg.VerifyBoundaries && d.provider != nil {
		confirmed := d.verifyBoundary(ctx, open.messages, msg)
		d.logger.Debug().
			Str("signal", candidate).
			Bool("confirmed", confirmed).
			Msg("boundary candidate verified")
		return confirmed
	}
	return true
}

// semanticBoundary flags msg when its distance from the episode
// centroid exceeds SemanticK MADs of the episode's historical distance
// distribution. Needs MinSemanticWindow messages of history first.
func (d *EpisodeDetector) semanticBoundary(ctx context.Context, open *openEpisode, msg core.Message) bool {
	if !d.cfg.Semantic || d.embedder == nil {
		return false
	}
	if len(open.messages) < d.cfg.MinSemanticWindow || len(open.distances) < 2 {
		return false
	}

	emb, err := d.embedder.Embed(ctx, msg.Content)
	if err != nil {
		d.logger.Debug().Err(err).Msg("semantic boundary check skipped: embed failed")
		return false
	}
	dist := centroidDistance(open.centroid, emb)

	med := median(open.distances)
	deviations := make([]float64, len(open.distances))
	for i, v := range open.distances {
		deviations[i] = math.Abs(v - med)
	}
	mad := median(deviations)
	if mad < 1e-9 {
		mad = 1e-9
	}
	return dist > med+d.cfg.SemanticK*mad
}

// absorb adds msg to the open episode, updating the running centroid
// and distance history when semantic mode is active.
func (d *EpisodeDetector) absorb(ctx context.Context, open *openEpisode, msg core.Message) {
	open.messages = append(open.messages, msg)
	if !d.cfg.Semantic || d.embedder == nil {
		return
	}
	emb, err := d.embedder.Embed(ctx, msg.Content)
	if err != nil {
		return
	}
	if open.centroid != nil {
		open.distances = append(open.distances, centroidDistance(open.centroid, emb))
	}
	open.centroid = updateCentroid(open.centroid, emb, len(open.messages))
}

// verifyBoundary asks the LLM whether msg starts a new topic relative
// to the episode's tail. Provider failure keeps the heuristic verdict.
func (d *EpisodeDetector) verifyBoundary(ctx context.Context, prior []core.Message, msg core.Message) bool {
	tail := prior
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	var sb strings.Builder
	sb.WriteString("You segment a developer conversation into topics. Prior messages:\n")
	for _, m := range tail {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, truncateText(m.Content, 300))
	}
	fmt.Fprintf(&sb, "\nNext message:\n[%s] %s\n", msg.Role, truncateText(msg.Content, 300))
	sb.WriteString("\nDoes the next message start a new topic? Respond with exactly {\"boundary\": true} or {\"boundary\": false}.")

	obj, err := d.provider.GenerateJSON(ctx, sb.String(), llm.Options{MaxTokens: 32})
	if err != nil {
		d.logger.Debug().Err(err).Msg("boundary verification unavailable, keeping heuristic verdict")
		return true
	}
	boundary, ok := obj["boundary"].(bool)
	if !ok {
		return true
	}
	return boundary
}

// buildEpisode closes a message run into an Episode with a generated
// context description.
func (d *EpisodeDetector) buildEpisode(ctx context.Context, messages []core.Message, workspace string, project *core.ProjectContext) Episode {
	ep := Episode{
		ID:           uuid.New().String(),
		Messages:     messages,
		WorkspaceID:  workspace,
		MessageCount: len(messages),
	}
	for _, m := range messages {
		if m.Timestamp.IsZero() {
			continue
		}
		if ep.StartTime.IsZero() || m.Timestamp.Before(ep.StartTime) {
			ep.StartTime = m.Timestamp
		}
		if m.Timestamp.After(ep.EndTime) {
			ep.EndTime = m.Timestamp
		}
	}
	ep.ReferenceTime = ep.EndTime
	if ep.ReferenceTime.IsZero() {
		ep.ReferenceTime = time.Now()
	}
	ep.ContextDescription = d.describe(ctx, messages, project)
	return ep
}

// describe generates the episode's context description: LLM when
// available, a transcript-derived summary otherwise. Hints flavor the
// LLM prompt; hint failures are silently an empty set.
func (d *EpisodeDetector) describe(ctx context.Context, messages []core.Message, project *core.ProjectContext) string {
	var hints Hints
	if d.hints != nil {
		if h, err := d.hints.GetHints(ctx, project); err == nil {
			hints = h
		}
	}

	if d.provider != nil {
		var sb strings.Builder
		sb.WriteString("Summarize what this conversation episode is about in one sentence.\n")
		if project != nil && project.Name != "" {
			fmt.Fprintf(&sb, "Project: %s (%s)\n", project.Name, project.Language)
		}
		if !hints.Empty() {
			fmt.Fprintf(&sb, "Workspace vocabulary: %s\n",
				strings.Join(append(append(hints.Deps, hints.Dirs...), hints.Tags...), ", "))
		}
		sb.WriteString("\nTranscript:\n")
		sb.WriteString(transcript(messages, 2000))
		sb.WriteString("\nRespond with {\"description\": \"...\"}.")

		obj, err := d.provider.GenerateJSON(ctx, sb.String(), llm.Options{MaxTokens: 128})
		if err == nil {
			if desc, ok := obj["description"].(string); ok && strings.TrimSpace(desc) != "" {
				return strings.TrimSpace(desc)
			}
		} else {
			d.logger.Debug().Err(err).Msg("episode description generation failed, using heuristic")
		}
	}

	// Heuristic: lead with the first substantive user message.
	desc := fmt.Sprintf("Conversation episode with %d messages", len(messages))
	for _, m := range messages {
		if m.Role == core.RoleUser && strings.TrimSpace(m.Content) != "" {
			desc = fmt.Sprintf("%s, starting with: %s", desc, truncateText(strings.TrimSpace(m.Content), 120))
			break
		}
	}
	if len(hints.Tags) > 0 {
		desc = fmt.Sprintf("%s (topics: %s)", desc, strings.Join(hints.Tags, ", "))
	}
	return desc
}

// Boundary phrase heuristics. Transition phrases open the new topic in
// the incoming message; completion signals close the old one in the
// previous message.

var transitionPhrases = []string{
	"anyway", "by the way", "on another note", "switching topics",
	"different question", "unrelated, but", "changing the subject",
	"next up", "moving on",
}

var completionSignals = []string{
	"thanks, that fixed it", "that fixed it", "that works", "works now",
	"problem solved", "all set", "that did it", "perfect, thanks",
}

func hasTransitionPhrase(content string) bool {
	lower := strings.ToLower(content)
	for _, p := range transitionPhrases {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	for _, p := range []string{". anyway", "! anyway", "? anyway", ". by the way", "! by the way"} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func hasCompletionSignal(content string) bool {
	lower := strings.ToLower(content)
	for _, s := range completionSignals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Vector helpers for the semantic mode.

func updateCentroid(centroid []float64, emb []float32, count int) []float64 {
	if centroid == nil {
		out := make([]float64, len(emb))
		for i, v := range emb {
			out[i] = float64(v)
		}
		return out
	}
	if len(centroid) != len(emb) {
		return centroid
	}
	// Incremental mean over count messages.
	n := float64(count)
	for i, v := range emb {
		centroid[i] += (float64(v) - centroid[i]) / n
	}
	return centroid
}

// centroidDistance is cosine distance in [0,2].
func centroidDistance(centroid []float64, emb []float32) float64 {
	if len(centroid) != len(emb) || len(centroid) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range centroid {
		b := float64(emb[i])
		dot += centroid[i] * b
		na += centroid[i] * centroid[i]
		nb += b * b
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func transcript(messages []core.Message, maxLen int) string {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
		if sb.Len() > maxLen {
			break
		}
	}
	return truncateText(sb.String(), maxLen)
}

func truncateText(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
