// Package perception wraps the remote code-generation backend behind a small
// client interface. The orchestrator never talks HTTP directly; it sees typed
// errors and raw completion text only.
package perception

import "context"

// LLMClient defines the interface for code-generation backends.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
