// Package llm adapts the hosted completion and embedding services to the
// narrow contracts the dialogue core depends on.
package llm

import (
	"context"

	"github.com/c2stem/copa/internal/domain"
)

// Fallback is the reply sent when the completion service cannot be reached.
const Fallback = "I'm sorry, I don't think I'm understanding you correctly. Can you explain?"

// Request is an ordered role/content message list plus sampling controls.
type Request struct {
	Messages    []domain.Message
	Temperature float64
}

// Completer produces a single response string for a message list.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Embedder returns one fixed-dimension vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}
