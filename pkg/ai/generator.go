package ai

import "context"

// TextGenerator generates text from a system prompt and user prompt. It is
// the fallback path used when the Assistants API cannot produce a reply.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
