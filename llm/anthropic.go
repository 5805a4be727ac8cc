package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// DefaultModel is used when the caller does not pick one.
const DefaultModel = "claude-sonnet-4-20250514"

// Anthropic implements Provider on the Claude Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic wraps an Anthropic client. model may be empty to use
// DefaultModel.
func NewAnthropic(client *anthropic.Client, model string) *Anthropic {
	if model == "" {
		model = DefaultModel
	}
	return &Anthropic{client: client, model: model}
}

// GenerateJSON sends the prompt and parses the response as a single
// JSON object. Markdown code fences around the object are tolerated;
// anything else is an error.
func (a *Anthropic) GenerateJSON(ctx context.Context, prompt string, opts Options) (map[string]any, error) {
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return ParseJSONObject(sb.String())
}

// ParseJSONObject extracts a JSON object from model output, stripping
// surrounding prose and code fences.
func ParseJSONObject(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	// Models sometimes wrap the object in a sentence; cut to the
	// outermost braces.
	if !strings.HasPrefix(trimmed, "{") {
		start := strings.Index(trimmed, "{")
		end := strings.LastIndex(trimmed, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON object in model output")
		}
		trimmed = trimmed[start : end+1]
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, fmt.Errorf("parse model output: %w", err)
	}
	return obj, nil
}

var _ Provider = (*Anthropic)(nil)
