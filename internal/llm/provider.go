// Package llm integrates model providers for the sampling broker.
package llm

import "context"

// Message is one turn of a sampling conversation.
type Message struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

// Request is a sampling request from sandboxed code.
type Request struct {
	// Model is the model identifier. Must already have passed the
	// sampling broker's allowlist.
	Model string

	// SystemPrompt is the optional system prompt, also allowlisted upstream.
	SystemPrompt string

	// Messages is the conversation, oldest first.
	Messages []Message

	// MaxTokens caps the completion length. Zero means the provider default.
	MaxTokens int

	// Temperature, when non-nil, overrides the provider default.
	Temperature *float64
}

// Chunk is one streamed piece of a sampling response.
type Chunk struct {
	// Text is incremental completion text, possibly empty on bookkeeping
	// events.
	Text string

	// Done marks the final chunk; token counts and the stop reason are
	// only valid here.
	Done         bool
	StopReason   string
	InputTokens  int
	OutputTokens int

	// Error terminates the stream when non-nil.
	Error error
}

// Response is a complete non-streamed sampling result.
type Response struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Provider abstracts a model backend.
type Provider interface {
	// Name returns a stable lowercase provider identifier.
	Name() string

	// Complete runs a request to completion and returns the full result.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream runs a request and delivers chunks as they arrive. The
	// returned channel is closed after the Done or Error chunk.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)
}
