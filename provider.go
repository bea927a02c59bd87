package clubchat

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response. When
	// req.ResponseSchema is set, the provider enforces structured JSON
	// output; when req.Tools is set, the response may contain tool calls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "groq", "openai").
	Name() string
}

// EmbeddingProvider abstracts text embedding. Implementations must be
// deterministic for a given input and return unit-normalized rows of
// exactly Dimensions() components.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}
