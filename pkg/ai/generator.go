package ai

import "context"

// Options tune a single generation call.
type Options struct {
	// Temperature passed through to the provider. Zero means provider
	// default.
	Temperature float64
	// APIKey overrides the configured provider credential for this call.
	// Used when a user supplies a personal key.
	APIKey string
	// JSONOnly asks the provider to constrain output to a JSON object.
	JSONOnly bool
}

// TextGenerator produces text from a system prompt and a user prompt.
// Implementations wrap an external LLM provider.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error)
}
