// Package llm defines the narrow text-generation contract the memory
// engine consumes, plus the Anthropic-backed implementation.
package llm

import "context"

// Options tune a single generation call. Zero values mean provider
// defaults.
type Options struct {
	Temperature float64
	MaxTokens   int64
}

// Provider generates a JSON object from a prompt.
//
// Implementations must return a parsed object matching whatever schema
// the prompt requested; any failure (network, auth, unparseable output)
// propagates to the caller, who owns the fallback strategy.
type Provider interface {
	GenerateJSON(ctx context.Context, prompt string, opts Options) (map[string]any, error)
}
