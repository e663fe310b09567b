// Package llm talks to an Ollama-compatible inference server. It shapes
// chat and generate requests, normalizes every outcome (including
// transport failure) into a result value, and negotiates between the
// server's native tool-calling protocol and a text-embedded JSON
// fallback on a per-model basis.
package llm

import "context"

// Chatter is the transport surface the rest of Knotwright depends on.
// Implementations never return Go errors: every failure is reported in
// the Success/Error fields of the result.
type Chatter interface {
	// Chat sends a chat request (POST /api/chat).
	Chat(ctx context.Context, req ChatRequest) ChatResult

	// Generate sends a single-prompt completion request (POST /api/generate).
	Generate(ctx context.Context, req GenerateRequest) GenerateResult

	// BaseURL returns the normalized server address. It is half of the
	// capability cache key.
	BaseURL() string
}
