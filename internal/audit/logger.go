package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger writes structured audit events. Events are buffered and written
// asynchronously; a full buffer falls back to a direct synchronous write so
// no event is ever dropped.
//
// Usage:
//
//	logger, _ := audit.NewLogger(audit.Config{
//	    Enabled: true,
//	    Level:   audit.LevelInfo,
//	    Format:  audit.FormatJSON,
//	    Output:  "stderr",
//	})
//	defer logger.Close()
//
//	logger.LogToolCall(ctx, execID, "mcp__github__search", args)
type Logger struct {
	config  Config
	output  io.WriteCloser
	slogger *slog.Logger
	buffer  chan *Event
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewLogger creates a new audit logger with the given configuration.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stderr" || config.Output == "":
		output = os.Stderr
	case config.Output == "stdout":
		output = os.Stdout
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	l := &Logger{
		config: config,
		output: output,
		buffer: make(chan *Event, config.BufferSize),
		done:   make(chan struct{}),
	}

	var handler slog.Handler
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{
			Level: l.slogLevel(),
		})
	default:
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{
			Level: l.slogLevel(),
		})
	}
	l.slogger = slog.New(handler).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Close flushes remaining events and closes the logger.
func (l *Logger) Close() error {
	if l == nil || !l.config.Enabled {
		return nil
	}

	close(l.done)
	l.wg.Wait()

	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Log writes an audit event. Safe to call on a nil logger; events are
// silently discarded.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if l == nil || !l.config.Enabled {
		return
	}

	if !l.shouldLog(event.Level) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case l.buffer <- event:
	default:
		// Buffer full, write directly (slower but doesn't drop)
		l.writeEvent(event)
	}
}

// LogExecutionStart records the start of a sandbox execution.
func (l *Logger) LogExecutionStart(ctx context.Context, executionID, language, codeHash string) {
	l.Log(ctx, &Event{
		Type:        EventExecutionStart,
		Level:       LevelInfo,
		ExecutionID: executionID,
		Action:      "execution_started",
		Details: map[string]any{
			"language":  language,
			"code_hash": codeHash,
		},
	})
}

// LogExecutionFinish records the outcome of a sandbox execution.
func (l *Logger) LogExecutionFinish(ctx context.Context, executionID string, exitCode int, timedOut bool, duration time.Duration) {
	level := LevelInfo
	if exitCode != 0 || timedOut {
		level = LevelWarn
	}

	l.Log(ctx, &Event{
		Type:        EventExecutionFinish,
		Level:       level,
		ExecutionID: executionID,
		Action:      "execution_finished",
		Duration:    duration,
		Details: map[string]any{
			"exit_code": exitCode,
			"timed_out": timedOut,
		},
	})
}

// LogToolCall records a brokered tool call before it is dispatched.
func (l *Logger) LogToolCall(ctx context.Context, executionID, toolID string, args json.RawMessage) {
	if l == nil {
		return
	}
	details := map[string]any{}

	if l.config.IncludeArguments && args != nil {
		argStr := string(args)
		if len(argStr) > l.config.MaxFieldSize {
			argStr = argStr[:l.config.MaxFieldSize] + "...(truncated)"
		}
		details["arguments"] = argStr
	} else if args != nil {
		details["arguments_hash"] = hashString(string(args))
	}

	l.Log(ctx, &Event{
		Type:        EventToolCall,
		Level:       LevelInfo,
		ExecutionID: executionID,
		ToolID:      toolID,
		Action:      "tool_called",
		Details:     details,
	})
}

// LogToolCompleted records a tool call result.
func (l *Logger) LogToolCompleted(ctx context.Context, executionID, toolID string, success bool, outputSize int, duration time.Duration) {
	level := LevelInfo
	if !success {
		level = LevelWarn
	}

	l.Log(ctx, &Event{
		Type:        EventToolCompleted,
		Level:       level,
		ExecutionID: executionID,
		ToolID:      toolID,
		Action:      "tool_completed",
		Duration:    duration,
		Details: map[string]any{
			"success":     success,
			"output_size": outputSize,
		},
	})
}

// LogToolDenied records a rejected tool call.
func (l *Logger) LogToolDenied(ctx context.Context, executionID, toolID, reason string) {
	l.Log(ctx, &Event{
		Type:        EventToolDenied,
		Level:       LevelWarn,
		ExecutionID: executionID,
		ToolID:      toolID,
		Action:      "tool_denied",
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogDiscoveryQuery records a tool discovery request.
func (l *Logger) LogDiscoveryQuery(ctx context.Context, executionID, query string, results int) {
	l.Log(ctx, &Event{
		Type:        EventDiscoveryQuery,
		Level:       LevelInfo,
		ExecutionID: executionID,
		Action:      "discovery_queried",
		Details: map[string]any{
			"query":   query,
			"results": results,
		},
	})
}

// LogSamplingRequest records an admitted sampling request.
func (l *Logger) LogSamplingRequest(ctx context.Context, executionID, model string, promptHash string, tokens int) {
	l.Log(ctx, &Event{
		Type:        EventSamplingRequest,
		Level:       LevelInfo,
		ExecutionID: executionID,
		Action:      "sampling_requested",
		Details: map[string]any{
			"model":       model,
			"prompt_hash": promptHash,
			"tokens":      tokens,
		},
	})
}

// LogSamplingDenied records a rejected sampling request.
func (l *Logger) LogSamplingDenied(ctx context.Context, executionID, model, reason string) {
	l.Log(ctx, &Event{
		Type:        EventSamplingDenied,
		Level:       LevelWarn,
		ExecutionID: executionID,
		Action:      "sampling_denied",
		Details: map[string]any{
			"model":  model,
			"reason": reason,
		},
	})
}

// LogRateLimited records a throttled request.
func (l *Logger) LogRateLimited(ctx context.Context, executionID, endpoint string, retryAfterMs int64) {
	l.Log(ctx, &Event{
		Type:        EventRateLimited,
		Level:       LevelWarn,
		ExecutionID: executionID,
		Action:      "rate_limited",
		Details: map[string]any{
			"endpoint":       endpoint,
			"retry_after_ms": retryAfterMs,
		},
	})
}

// writeLoop processes buffered events.
func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

// flushBuffer drains all buffered events.
func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

// writeEvent writes a single event to the output.
func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}

	if event.ExecutionID != "" {
		attrs = append(attrs, "execution_id", event.ExecutionID)
	}
	if event.ClientID != "" {
		attrs = append(attrs, "client_id", event.ClientID)
	}
	if event.ToolID != "" {
		attrs = append(attrs, "tool_id", event.ToolID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}

	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelInfo:
		l.slogger.Info("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	}
}

// shouldLog checks if an event at the given level should be logged.
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.config.Level]
}

// slogLevel converts audit level to slog level.
func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// hashString creates a SHA256 hash of a string (first 16 chars).
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
