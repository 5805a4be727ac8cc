package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/axonlabs/mnemo-go/core"
	"github.com/axonlabs/mnemo-go/llm"
)

// CategorizedFactInput is a fact candidate produced by extraction,
// before embedding and conflict resolution.
type CategorizedFactInput struct {
	Content    string
	Category   FactCategory
	Confidence float64
}

// FactExtractor converts an episode (or a short recent window) of
// messages into categorized fact candidates. The primary path asks the
// LLM for strict JSON; when the provider fails it falls back to keyword
// heuristics over the transcript, so extraction itself never fails.
type FactExtractor struct {
	provider        llm.Provider
	logger          zerolog.Logger
	transcriptLimit int
}

// NewFactExtractor creates an extractor. provider may be nil, in which
// case only the heuristic path runs.
func NewFactExtractor(provider llm.Provider, logger zerolog.Logger) *FactExtractor {
	return &FactExtractor{
		provider:        provider,
		logger:          logger,
		transcriptLimit: 4000,
	}
}

// ExtractFacts extracts fact candidates from messages. On provider
// failure it degrades to heuristic keyword matching; worst case it
// returns an empty slice. It never returns an error.
func (e *FactExtractor) ExtractFacts(ctx context.Context, messages []core.Message, project *core.ProjectContext) []CategorizedFactInput {
	if len(messages) == 0 {
		return nil
	}
	if e.provider != nil {
		facts, err := e.extractWithProvider(ctx, messages, project)
		if err == nil {
			return facts
		}
		e.logger.Warn().Err(err).Msg("LLM fact extraction failed, falling back to keyword heuristics")
	}
	return e.extractHeuristic(messages)
}

// ExtractFactsStrict uses exactly the configured provider with no
// fallback. On provider failure it returns an empty slice, not an
// error; callers that want strictness still must not crash the host.
func (e *FactExtractor) ExtractFactsStrict(ctx context.Context, messages []core.Message, project *core.ProjectContext) []CategorizedFactInput {
	if len(messages) == 0 || e.provider == nil {
		return nil
	}
	facts, err := e.extractWithProvider(ctx, messages, project)
	if err != nil {
		e.logger.Warn().Err(err).Msg("strict fact extraction failed")
		return nil
	}
	return facts
}

func (e *FactExtractor) extractWithProvider(ctx context.Context, messages []core.Message, project *core.ProjectContext) ([]CategorizedFactInput, error) {
	obj, err := e.provider.GenerateJSON(ctx, e.buildPrompt(messages, project), llm.Options{
		Temperature: 0.2,
		MaxTokens:   1024,
	})
	if err != nil {
		return nil, err
	}

	rawFacts, ok := obj["facts"].([]any)
	if !ok {
		return nil, fmt.Errorf("model output missing facts array")
	}

	var facts []CategorizedFactInput
	for _, raw := range rawFacts {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		content, _ := entry["content"].(string)
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}

		confidence := 0.7
		if c, ok := entry["confidence"].(float64); ok && c >= 0 && c <= 1 {
			confidence = c
		}

		category := CategoryPattern
		if c, ok := entry["category"].(string); ok {
			category = ParseCategory(strings.ToLower(strings.TrimSpace(c)))
		}

		facts = append(facts, CategorizedFactInput{
			Content:    content,
			Category:   category,
			Confidence: confidence,
		})
	}
	return facts, nil
}

func (e *FactExtractor) buildPrompt(messages []core.Message, project *core.ProjectContext) string {
	var sb strings.Builder
	sb.WriteString("Extract durable facts about this software project from the conversation below.\n")
	sb.WriteString("A fact is a statement worth remembering across sessions: tooling in use,\n")
	sb.WriteString("architecture decisions, bugs being investigated, or recurring working patterns.\n\n")
	if project != nil {
		if project.Name != "" {
			fmt.Fprintf(&sb, "Project: %s\n", project.Name)
		}
		if project.Language != "" {
			fmt.Fprintf(&sb, "Language: %s\n", project.Language)
		}
		if project.Description != "" {
			fmt.Fprintf(&sb, "Description: %s\n", truncateText(project.Description, 300))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Transcript:\n")
	sb.WriteString(transcript(messages, e.transcriptLimit))
	sb.WriteString("\nRespond with only a JSON object of this exact shape:\n")
	sb.WriteString(`{"facts": [{"content": "...", "category": "infrastructure|architecture|debugging|pattern", "confidence": 0.0}]}`)
	sb.WriteString("\nReturn an empty facts array if nothing is worth remembering.")
	return sb.String()
}

// Heuristic fallback: keyword matching over the lowercased transcript.
// Deliberately coarse; it only has to keep memory alive through
// provider outages.

var heuristicRules = []struct {
	category   FactCategory
	confidence float64
	keywords   []string
}{
	{
		category:   CategoryInfrastructure,
		confidence: 0.6,
		keywords: []string{
			"postgres", "postgresql", "mysql", "sqlite", "redis", "kafka",
			"rabbitmq", "mongodb", "elasticsearch", "docker", "kubernetes",
			"terraform", "react", "django", "rails", "spring", "express",
			"nginx", "grpc", "graphql",
		},
	},
	{
		category:   CategoryArchitecture,
		confidence: 0.55,
		keywords: []string{
			"auth", "authentication", "authorization", "oauth", "jwt",
			"session", "login", "permission", "rbac", "sso",
		},
	},
	{
		category:   CategoryDebugging,
		confidence: 0.5,
		keywords: []string{
			"error", "bug", "crash", "panic", "exception", "stack trace",
			"segfault", "timeout", "race condition", "memory leak", "fails",
		},
	},
}

// extractHeuristic scans each message for category keywords and turns
// hits into low-confidence facts. It cannot fail.
func (e *FactExtractor) extractHeuristic(messages []core.Message) []CategorizedFactInput {
	var facts []CategorizedFactInput
	seen := make(map[string]bool)

	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		lower := strings.ToLower(content)
		for _, rule := range heuristicRules {
			for _, kw := range rule.keywords {
				if !strings.Contains(lower, kw) {
					continue
				}
				fact := truncateText(content, 300)
				key := string(rule.category) + "|" + fact
				if seen[key] {
					break
				}
				seen[key] = true
				facts = append(facts, CategorizedFactInput{
					Content:    fact,
					Category:   rule.category,
					Confidence: rule.confidence,
				})
				break
			}
		}
	}
	if len(facts) > 0 {
		e.logger.Debug().Int("count", len(facts)).Msg("heuristic extraction produced facts")
	}
	return facts
}
