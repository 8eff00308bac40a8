// Package audit provides structured audit logging for sandbox executions,
// brokered tool calls, discovery queries, and sampling decisions.
package audit

import (
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// Execution events
	EventExecutionStart  EventType = "execution.start"
	EventExecutionFinish EventType = "execution.finish"

	// Tool call events
	EventToolCall      EventType = "tool.call"
	EventToolDenied    EventType = "tool.denied"
	EventToolCompleted EventType = "tool.completed"

	// Discovery events
	EventDiscoveryQuery EventType = "discovery.query"

	// Sampling events
	EventSamplingRequest EventType = "sampling.request"
	EventSamplingDenied  EventType = "sampling.denied"

	// Throttling events
	EventRateLimited EventType = "rate.limited"
)

// Level represents audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event represents a single audit log entry.
type Event struct {
	// ID is a unique identifier for this audit event.
	ID string `json:"id"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Level is the severity level.
	Level Level `json:"level"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// ExecutionID identifies the sandbox execution involved.
	ExecutionID string `json:"execution_id,omitempty"`

	// ClientID identifies the calling client.
	ClientID string `json:"client_id,omitempty"`

	// ToolID is the namespaced tool identifier for tool-related events.
	ToolID string `json:"tool_id,omitempty"`

	// Action describes what happened.
	Action string `json:"action"`

	// Details contains event-specific structured data.
	Details map[string]any `json:"details,omitempty"`

	// Duration is the time taken for timed operations.
	Duration time.Duration `json:"duration,omitempty"`

	// Error contains error information if applicable.
	Error string `json:"error,omitempty"`
}

// OutputFormat specifies the audit log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config configures the audit logger.
type Config struct {
	// Enabled determines if audit logging is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Level is the minimum level to log.
	Level Level `json:"level" yaml:"level"`

	// Format specifies the output format.
	Format OutputFormat `json:"format" yaml:"format"`

	// Output specifies where to write logs.
	// Supported: "stdout", "stderr", "file:/path/to/file.log"
	Output string `json:"output" yaml:"output"`

	// IncludeArguments determines if tool arguments are logged verbatim.
	// When false only a hash of the arguments is recorded.
	IncludeArguments bool `json:"include_arguments" yaml:"include_arguments"`

	// MaxFieldSize limits the size of logged fields.
	MaxFieldSize int `json:"max_field_size" yaml:"max_field_size"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// FlushInterval is how often to flush the buffer.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Level:            LevelInfo,
		Format:           FormatJSON,
		Output:           "stderr",
		IncludeArguments: false,
		MaxFieldSize:     1024,
		BufferSize:       1000,
		FlushInterval:    5 * time.Second,
	}
}
