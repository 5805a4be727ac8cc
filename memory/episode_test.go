package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonlabs/mnemo-go/core"
)

var epochStart = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func newHeuristicDetector(cfg EpisodeDetectorConfig) *EpisodeDetector {
	return NewEpisodeDetector(cfg, nil, nil, nil, zerolog.Nop())
}

func TestDetectEmptyStream(t *testing.T) {
	d := newHeuristicDetector(DefaultEpisodeDetectorConfig())
	episodes, err := d.Detect(context.Background(), nil, testWorkspace, nil)
	require.NoError(t, err)
	assert.Empty(t, episodes)
}

func TestDetectSingleEpisode(t *testing.T) {
	d := newHeuristicDetector(DefaultEpisodeDetectorConfig())
	messages := []core.Message{
		userMsg("how do I configure the connection pool?", epochStart),
		assistantMsg("set max_connections in the config", epochStart.Add(time.Minute)),
		userMsg("got it", epochStart.Add(2*time.Minute)),
	}

	episodes, err := d.Detect(context.Background(), messages, testWorkspace, nil)
	require.NoError(t, err)
	require.Len(t, episodes, 1)

	ep := episodes[0]
	assert.Equal(t, 3, ep.MessageCount)
	assert.Equal(t, testWorkspace, ep.WorkspaceID)
	assert.True(t, ep.StartTime.Equal(epochStart))
	assert.True(t, ep.EndTime.Equal(epochStart.Add(2*time.Minute)))
	assert.True(t, ep.ReferenceTime.Equal(ep.EndTime))
	assert.NotEmpty(t, ep.ID)
	assert.NotEmpty(t, ep.ContextDescription)
}

func TestDetectTimeGapBoundary(t *testing.T) {
	d := newHeuristicDetector(DefaultEpisodeDetectorConfig())
	messages := []core.Message{
		userMsg("first topic", epochStart),
		assistantMsg("answer", epochStart.Add(time.Minute)),
		// 45 minutes of silence exceeds the 30m gap.
		userMsg("second topic", epochStart.Add(46*time.Minute)),
		assistantMsg("answer", epochStart.Add(47*time.Minute)),
	}

	episodes, err := d.Detect(context.Background(), messages, testWorkspace, nil)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.Equal(t, 2, episodes[0].MessageCount)
	assert.Equal(t, 2, episodes[1].MessageCount)
}

func TestDetectGapWithinLimitStaysOpen(t *testing.T) {
	d := newHeuristicDetector(DefaultEpisodeDetectorConfig())
	messages := []core.Message{
		userMsg("first", epochStart),
		// Exactly 30 minutes is not a boundary; the gap must exceed MaxGap.
		userMsg("second", epochStart.Add(30*time.Minute)),
	}

	episodes, err := d.Detect(context.Background(), messages, testWorkspace, nil)
	require.NoError(t, err)
	assert.Len(t, episodes, 1)
}

func TestDetectMaxMessagesForcesClose(t *testing.T) {
	cfg := DefaultEpisodeDetectorConfig()
	cfg.MaxMessages = 3
	d := newHeuristicDetector(cfg)

	var messages []core.Message
	for i := 0; i < 7; i++ {
		messages = append(messages, userMsg("continuing the same topic", epochStart.Add(time.Duration(i)*time.Minute)))
	}

	episodes, err := d.Detect(context.Background(), messages, testWorkspace, nil)
	require.NoError(t, err)
	require.Len(t, episodes, 3)
	assert.Equal(t, 3, episodes[0].MessageCount)
	assert.Equal(t, 3, episodes[1].MessageCount)
	assert.Equal(t, 1, episodes[2].MessageCount)
}

func TestDetectTransitionPhraseBoundary(t *testing.T) {
	d := newHeuristicDetector(DefaultEpisodeDetectorConfig())
	messages := []core.Message{
		userMsg("the deploy script is failing", epochStart),
		assistantMsg("check the environment variables", epochStart.Add(time.Minute)),
		userMsg("by the way, what database should we use?", epochStart.Add(2*time.Minute)),
	}

	episodes, err := d.Detect(context.Background(), messages, testWorkspace, nil)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.Equal(t, 2, episodes[0].MessageCount)
	assert.Equal(t, 1, episodes[1].MessageCount)
}

func TestDetectCompletionSignalBoundary(t *testing.T) {
	d := newHeuristicDetector(DefaultEpisodeDetectorConfig())
	messages := []core.Message{
		userMsg("the tests are failing on CI", epochStart),
		assistantMsg("pin the tool version", epochStart.Add(time.Minute)),
		userMsg("thanks, that fixed it", epochStart.Add(2*time.Minute)),
		userMsg("how should we structure the API layer?", epochStart.Add(3*time.Minute)),
	}

	episodes, err := d.Detect(context.Background(), messages, testWorkspace, nil)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.Equal(t, 3, episodes[0].MessageCount)
	assert.Equal(t, 1, episodes[1].MessageCount)
}

func TestVerificationCanVetoSoftBoundary(t *testing.T) {
	provider := &scriptedProvider{responses: []map[string]any{
		{"boundary": false},
	}}
	cfg := DefaultEpisodeDetectorConfig()
	cfg.VerifyBoundaries = true
	d := NewEpisodeDetector(cfg, nil, provider, nil, zerolog.Nop())

	messages := []core.Message{
		userMsg("working through the migration", epochStart),
		userMsg("by the way, still about the migration ordering", epochStart.Add(time.Minute)),
	}

	episodes, err := d.Detect(context.Background(), messages, testWorkspace, nil)
	require.NoError(t, err)
	// The phrase candidate was vetoed; provider calls after that are
	// description generation.
	assert.Len(t, episodes, 1)
}

func TestVerificationProviderFailureKeepsHeuristicVerdict(t *testing.T) {
	provider := &scriptedProvider{err: errProviderDown}
	cfg := DefaultEpisodeDetectorConfig()
	cfg.VerifyBoundaries = true
	d := NewEpisodeDetector(cfg, nil, provider, nil, zerolog.Nop())

	messages := []core.Message{
		userMsg("working through the migration", epochStart),
		userMsg("by the way, what about caching?", epochStart.Add(time.Minute)),
	}

	episodes, err := d.Detect(context.Background(), messages, testWorkspace, nil)
	require.NoError(t, err)
	assert.Len(t, episodes, 2)
}

func TestVerificationNeverAppliesToTimeGap(t *testing.T) {
	// A vetoing provider must not suppress hard boundaries.
	provider := &scriptedProvider{responses: []map[string]any{
		{"boundary": false},
	}}
	cfg := DefaultEpisodeDetectorConfig()
	cfg.VerifyBoundaries = true
	d := NewEpisodeDetector(cfg, nil, provider, nil, zerolog.Nop())

	messages := []core.Message{
		userMsg("first", epochStart),
		userMsg("second", epochStart.Add(2*time.Hour)),
	}

	episodes, err := d.Detect(context.Background(), messages, testWorkspace, nil)
	require.NoError(t, err)
	assert.Len(t, episodes, 2)
}

func TestSemanticBoundaryOnTopicShift(t *testing.T) {
	// The embedder keeps every message on one axis until the topic
	// changes, which jumps to an orthogonal axis.
	emb := newUnitEmbedder(4)
	cfg := DefaultEpisodeDetectorConfig()
	cfg.Semantic = true
	cfg.MinSemanticWindow = 3
	d := NewEpisodeDetector(cfg, emb, nil, nil, zerolog.Nop())

	var messages []core.Message
	for i := 0; i < 5; i++ {
		messages = append(messages, userMsg("same topic", epochStart.Add(time.Duration(i)*time.Minute)))
	}
	messages = append(messages, userMsg("a completely different subject", epochStart.Add(6*time.Minute)))

	episodes, err := d.Detect(context.Background(), messages, testWorkspace, nil)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.Equal(t, 5, episodes[0].MessageCount)
	assert.Equal(t, 1, episodes[1].MessageCount)
}

func TestDescribeUsesProvider(t *testing.T) {
	provider := &scriptedProvider{responses: []map[string]any{
		{"description": "Debugging a connection pool exhaustion issue"},
	}}
	d := NewEpisodeDetector(DefaultEpisodeDetectorConfig(), nil, provider, nil, zerolog.Nop())

	messages := []core.Message{
		userMsg("connections keep leaking", epochStart),
	}
	episodes, err := d.Detect(context.Background(), messages, testWorkspace, &core.ProjectContext{Name: "api", Language: "go"})
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, "Debugging a connection pool exhaustion issue", episodes[0].ContextDescription)
}

func TestDescribeFallsBackToHeuristic(t *testing.T) {
	provider := &scriptedProvider{err: errProviderDown}
	d := NewEpisodeDetector(DefaultEpisodeDetectorConfig(), nil, provider, nil, zerolog.Nop())

	messages := []core.Message{
		userMsg("connections keep leaking from the pool", epochStart),
	}
	episodes, err := d.Detect(context.Background(), messages, testWorkspace, nil)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Contains(t, episodes[0].ContextDescription, "1 messages")
	assert.Contains(t, episodes[0].ContextDescription, "connections keep leaking")
}

func TestDetectHonorsCancellation(t *testing.T) {
	d := newHeuristicDetector(DefaultEpisodeDetectorConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Detect(ctx, []core.Message{userMsg("x", epochStart)}, testWorkspace, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
