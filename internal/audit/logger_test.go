package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewLogger_Disabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	// Disabled logger accepts events without panicking.
	logger.Log(context.Background(), &Event{Type: EventToolCall})
	logger.LogToolCall(context.Background(), "exec-1", "mcp__test__echo", nil)
	if err := logger.Close(); err != nil {
		t.Errorf("unexpected error closing: %v", err)
	}
}

func TestLogger_NilReceiver(t *testing.T) {
	// Handlers treat the audit logger as optional; every entry point must
	// tolerate a nil logger.
	var logger *Logger
	ctx := context.Background()

	logger.Log(ctx, &Event{Type: EventToolCall})
	logger.LogExecutionStart(ctx, "exec-1", "python", "abc")
	logger.LogExecutionFinish(ctx, "exec-1", 0, false, time.Millisecond)
	logger.LogToolCall(ctx, "exec-1", "mcp__test__echo", json.RawMessage(`{}`))
	logger.LogToolCompleted(ctx, "exec-1", "mcp__test__echo", true, 10, time.Millisecond)
	logger.LogToolDenied(ctx, "exec-1", "mcp__test__secret", "not in allowlist")
	logger.LogDiscoveryQuery(ctx, "exec-1", "search", 2)
	logger.LogSamplingRequest(ctx, "exec-1", "claude-sonnet", "hash", 100)
	logger.LogSamplingDenied(ctx, "exec-1", "claude-opus", "model not allowed")
	logger.LogRateLimited(ctx, "exec-1", "tool_call", 500)
	if err := logger.Close(); err != nil {
		t.Errorf("unexpected error closing nil logger: %v", err)
	}
}

func TestNewLogger_InvalidOutput(t *testing.T) {
	_, err := NewLogger(Config{
		Enabled: true,
		Output:  "invalid://path",
	})
	if err == nil {
		t.Error("expected error for invalid output")
	}
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{
		Enabled: true,
		Level:   LevelInfo,
		Format:  FormatJSON,
		Output:  "file:" + path,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.LogExecutionStart(context.Background(), "exec-1", "typescript", "abc123")
	logger.LogExecutionFinish(context.Background(), "exec-1", 0, false, 250*time.Millisecond)
	if err := logger.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var lines []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("non-JSON audit line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, record)
	}

	if len(lines) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(lines))
	}
	if lines[0]["audit_type"] != string(EventExecutionStart) {
		t.Errorf("unexpected first record type %v", lines[0]["audit_type"])
	}
	if lines[0]["execution_id"] != "exec-1" || lines[0]["language"] != "typescript" {
		t.Errorf("unexpected first record: %v", lines[0])
	}
	if lines[1]["audit_type"] != string(EventExecutionFinish) {
		t.Errorf("unexpected second record type %v", lines[1]["audit_type"])
	}
	if lines[1]["duration_ms"] != float64(250) {
		t.Errorf("unexpected duration %v", lines[1]["duration_ms"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{
		Enabled: true,
		Level:   LevelWarn,
		Format:  FormatJSON,
		Output:  "file:" + path,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Info events fall below the configured level.
	logger.LogToolCall(context.Background(), "exec-1", "mcp__test__echo", nil)
	logger.LogToolDenied(context.Background(), "exec-1", "mcp__test__secret", "not in allowlist")
	logger.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "tool_called") {
		t.Error("info event should have been filtered at warn level")
	}
	if !strings.Contains(out, "tool_denied") {
		t.Error("warn event should have been written")
	}
}

func TestLogger_ShouldLog(t *testing.T) {
	tests := []struct {
		configLevel Level
		eventLevel  Level
		want        bool
	}{
		{LevelDebug, LevelDebug, true},
		{LevelDebug, LevelError, true},
		{LevelInfo, LevelDebug, false},
		{LevelInfo, LevelInfo, true},
		{LevelWarn, LevelInfo, false},
		{LevelWarn, LevelError, true},
		{LevelError, LevelWarn, false},
		{LevelError, LevelError, true},
	}

	for _, tt := range tests {
		logger := &Logger{config: Config{Enabled: true, Level: tt.configLevel}}
		if got := logger.shouldLog(tt.eventLevel); got != tt.want {
			t.Errorf("shouldLog(%s) at %s = %v, want %v",
				tt.eventLevel, tt.configLevel, got, tt.want)
		}
	}
}

func TestLogToolCall_ArgumentHashing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{
		Enabled: true,
		Level:   LevelInfo,
		Format:  FormatJSON,
		Output:  "file:" + path,
	})
	if err != nil {
		t.Fatal(err)
	}

	args := json.RawMessage(`{"password":"hunter2"}`)
	logger.LogToolCall(context.Background(), "exec-1", "mcp__test__login", args)
	logger.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "hunter2") {
		t.Error("arguments must not be logged verbatim by default")
	}
	if !strings.Contains(out, "arguments_hash") {
		t.Error("expected an arguments hash in the record")
	}
}

func TestLogToolCall_IncludeArgumentsTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{
		Enabled:          true,
		Level:            LevelInfo,
		Format:           FormatJSON,
		Output:           "file:" + path,
		IncludeArguments: true,
		MaxFieldSize:     32,
	})
	if err != nil {
		t.Fatal(err)
	}

	args := json.RawMessage(`{"data":"` + strings.Repeat("x", 200) + `"}`)
	logger.LogToolCall(context.Background(), "exec-1", "mcp__test__store", args)
	logger.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "(truncated)") {
		t.Error("expected oversized arguments to be truncated")
	}
}

func TestHashString(t *testing.T) {
	hash1 := hashString("test input")
	hash2 := hashString("test input")
	if hash1 != hash2 {
		t.Errorf("expected stable hash, got %s and %s", hash1, hash2)
	}

	if hash1 == hashString("different input") {
		t.Error("expected different inputs to hash differently")
	}

	if len(hash1) != 16 {
		t.Errorf("expected hash length 16, got %d", len(hash1))
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Enabled {
		t.Error("expected audit enabled by default")
	}
	if cfg.Level != LevelInfo {
		t.Errorf("expected LevelInfo, got %v", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected FormatJSON, got %v", cfg.Format)
	}
	if cfg.IncludeArguments {
		t.Error("expected verbatim argument logging off by default")
	}
}

func TestEvent_Marshaling(t *testing.T) {
	event := &Event{
		ID:          "test-id",
		Type:        EventToolCall,
		Level:       LevelInfo,
		Timestamp:   time.Now(),
		ExecutionID: "exec-42",
		ToolID:      "mcp__search__web_search",
		Action:      "tool_called",
		Details: map[string]any{
			"query": "test query",
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}

	if decoded.ID != event.ID || decoded.Type != event.Type {
		t.Errorf("round trip lost identity: %+v", decoded)
	}
	if decoded.ToolID != event.ToolID || decoded.ExecutionID != event.ExecutionID {
		t.Errorf("round trip lost tool fields: %+v", decoded)
	}
}
