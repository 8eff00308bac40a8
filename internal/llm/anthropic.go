package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// maxEmptyStreamEvents is the maximum number of consecutive empty events
// before treating the stream as malformed.
const maxEmptyStreamEvents = 300

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	APIKey string

	// BaseURL overrides the default API base URL.
	BaseURL string

	// MaxRetries sets the maximum retry attempts for transient failures.
	// Default: 3
	MaxRetries int

	// RetryDelay is the base delay between retries; actual delay uses
	// exponential backoff. Default: 1 second
	RetryDelay time.Duration

	// DefaultModel is used when Request.Model is empty.
	DefaultModel string
}

// AnthropicProvider implements Provider against Anthropic's Messages API.
// Safe for concurrent use; each Stream call creates an independent SSE
// stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(options...)

	return &AnthropicProvider{
		client:       client,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete runs a request to completion by draining the stream.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	resp := &Response{Model: p.getModel(req.Model)}
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		sb.WriteString(chunk.Text)
		if chunk.Done {
			resp.StopReason = chunk.StopReason
			resp.InputTokens = chunk.InputTokens
			resp.OutputTokens = chunk.OutputTokens
		}
	}
	resp.Text = sb.String()
	return resp, nil
}

// Stream sends the request and delivers completion chunks as they arrive.
// Transient failures on stream creation are retried with exponential
// backoff; streaming errors are delivered in-band on the channel.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chunks := make(chan *Chunk)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream = p.createStream(ctx, req)
			err = stream.Err()
			if err == nil {
				break
			}

			if !isRetryableError(err) {
				chunks <- &Chunk{Error: fmt.Errorf("anthropic: %w", err)}
				return
			}

			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					chunks <- &Chunk{Error: ctx.Err()}
					return
				case <-time.After(backoff):
				}
			}
		}

		if err != nil {
			chunks <- &Chunk{Error: fmt.Errorf("anthropic: max retries exceeded: %w", err)}
			return
		}

		p.processStream(stream, chunks)
	}()

	return chunks, nil
}

// createStream builds the Messages API params and opens an SSE stream.
func (p *AnthropicProvider) createStream(ctx context.Context, req *Request) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}

	// System prompt is separate from messages in the Anthropic API.
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.SystemPrompt,
			},
		}
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	return p.client.Messages.NewStreaming(ctx, params)
}

// processStream converts SSE events into chunks. Token usage arrives in
// message_start (input) and message_delta (output) events.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk) {
	emptyEventCount := 0
	var inputTokens int
	var outputTokens int
	var stopReason string

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_delta":
			contentBlockDelta := event.AsContentBlockDelta()
			if contentBlockDelta.Delta.Type == "text_delta" && contentBlockDelta.Delta.Text != "" {
				chunks <- &Chunk{Text: contentBlockDelta.Delta.Text}
				eventProcessed = true
			}

		case "content_block_start", "content_block_stop":
			eventProcessed = true

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = string(messageDelta.Delta.StopReason)
			}
			eventProcessed = true

		case "message_stop":
			chunks <- &Chunk{
				Done:         true,
				StopReason:   stopReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		case "error":
			chunks <- &Chunk{Error: errors.New("anthropic stream error")}
			return
		}

		// Malformed stream protection: track consecutive empty events
		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- &Chunk{
					Error: fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount),
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &Chunk{Error: fmt.Errorf("anthropic: %w", err)}
	}
}

// getModel returns the model ID to use for the request.
func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// getMaxTokens returns the completion cap, defaulting to 4096.
func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

// isRetryableError classifies transient failures worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()

	// Rate limits
	if strings.Contains(errMsg, "rate_limit") ||
		strings.Contains(errMsg, "429") ||
		strings.Contains(errMsg, "too many requests") {
		return true
	}

	// Server errors (5xx)
	if strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "504") ||
		strings.Contains(errMsg, "internal server error") ||
		strings.Contains(errMsg, "bad gateway") ||
		strings.Contains(errMsg, "service unavailable") ||
		strings.Contains(errMsg, "gateway timeout") {
		return true
	}

	// Timeouts and network failures
	if strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "deadline exceeded") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "no such host") {
		return true
	}

	return false
}
