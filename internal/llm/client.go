package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a request and returns the complete response. If
	// callback is non-nil, incremental tokens are streamed to it while
	// the response is being produced.
	Chat(ctx context.Context, req *ChatRequest, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
