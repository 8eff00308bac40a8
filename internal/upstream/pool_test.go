package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/codebroker/internal/infra"
	"github.com/haasonsaas/codebroker/internal/schemacache"
)

// fakeTransport is an in-memory Transport whose handlers are set per method.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]func(params any) (json.RawMessage, error)
	calls     []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]func(params any) (json.RawMessage, error)),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	h := f.handlers[method]
	f.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("no handler for %s", method)
	}
	return h(params)
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error { return nil }

func (f *fakeTransport) Events() <-chan *JSONRPCNotification { return nil }

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m == method {
			n++
		}
	}
	return n
}

// withTools installs a tools/list handler reporting the given tools.
func (f *fakeTransport) withTools(tools ...*Tool) *fakeTransport {
	f.handlers["tools/list"] = func(params any) (json.RawMessage, error) {
		return json.Marshal(ListToolsResult{Tools: tools})
	}
	return f
}

// withCallResult installs a tools/call handler returning a single text block.
func (f *fakeTransport) withCallResult(text string) *fakeTransport {
	f.handlers["tools/call"] = func(params any) (json.RawMessage, error) {
		return json.Marshal(ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: text}}})
	}
	return f
}

func echoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "echoes its input",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"message": {"type": "string"}},
			"required": ["message"]
		}`),
	}
}

// testPool builds a pool with the given backend wired to the fake transport
// and marked connected, bypassing the real connect handshake.
func testPool(t *testing.T, name string, ft *fakeTransport) *Pool {
	t.Helper()

	cfg := &ServerConfig{Name: name, Transport: TransportStdio, Command: "/usr/bin/true"}
	pool, err := NewPool(PoolConfig{
		Servers:   []*ServerConfig{cfg},
		Admission: infra.AdmissionConfig{MaxConcurrent: 4, QueueMax: 4, QueueTimeout: time.Second},
		Breaker:   infra.CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Hour},
	}, schemacache.New(schemacache.Config{}, nil), slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	ft.connected = true
	client := &Client{config: cfg, transport: ft, logger: slog.Default()}
	pool.clients[name] = client
	pool.statuses[name] = StatusConnected
	return pool
}

func TestPool_CallTool(t *testing.T) {
	ft := newFakeTransport().withTools(echoTool()).withCallResult("hi there")
	pool := testPool(t, "test", ft)

	result, err := pool.CallTool(context.Background(), "mcp__test__echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text() != "hi there" {
		t.Errorf("unexpected result text %q", result.Text())
	}
}

func TestPool_CallTool_MalformedID(t *testing.T) {
	pool := testPool(t, "test", newFakeTransport().withTools(echoTool()))

	_, err := pool.CallTool(context.Background(), "not-a-tool-id", nil)
	if err == nil {
		t.Fatal("expected malformed ID error")
	}
}

func TestPool_CallTool_UnknownBackend(t *testing.T) {
	pool := testPool(t, "test", newFakeTransport().withTools(echoTool()))

	_, err := pool.CallTool(context.Background(), "mcp__other__echo", nil)
	var unknownBackend *UnknownBackendError
	if !errors.As(err, &unknownBackend) {
		t.Fatalf("expected UnknownBackendError, got %v", err)
	}
	if unknownBackend.Server != "other" {
		t.Errorf("unexpected server %q", unknownBackend.Server)
	}
}

func TestPool_CallTool_UnknownTool(t *testing.T) {
	pool := testPool(t, "test", newFakeTransport().withTools(echoTool()))

	_, err := pool.CallTool(context.Background(), "mcp__test__missing", nil)
	var unknownTool *UnknownToolError
	if !errors.As(err, &unknownTool) {
		t.Fatalf("expected UnknownToolError, got %v", err)
	}
	if unknownTool.Tool != "missing" {
		t.Errorf("unexpected tool %q", unknownTool.Tool)
	}
}

func TestPool_CallTool_InvalidArguments(t *testing.T) {
	ft := newFakeTransport().withTools(echoTool()).withCallResult("never")
	pool := testPool(t, "test", ft)

	_, err := pool.CallTool(context.Background(), "mcp__test__echo", map[string]any{"message": 42})
	var invalid *InvalidArgumentsError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidArgumentsError, got %v", err)
	}
	if len(invalid.Errors) == 0 {
		t.Error("expected violation details")
	}
	if ft.callCount("tools/call") != 0 {
		t.Error("invalid arguments must not reach the backend")
	}
}

func TestPool_CallTool_SchemaCached(t *testing.T) {
	ft := newFakeTransport().withTools(echoTool()).withCallResult("ok")
	pool := testPool(t, "test", ft)

	for i := 0; i < 3; i++ {
		if _, err := pool.CallTool(context.Background(), "mcp__test__echo", map[string]any{"message": "x"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	if n := ft.callCount("tools/list"); n != 1 {
		t.Errorf("expected a single schema fetch, got %d", n)
	}
	if n := ft.callCount("tools/call"); n != 3 {
		t.Errorf("expected 3 tool calls, got %d", n)
	}
}

func TestPool_CallTool_BreakerOpens(t *testing.T) {
	ft := newFakeTransport().withTools(echoTool())
	ft.handlers["tools/call"] = func(params any) (json.RawMessage, error) {
		return nil, errors.New("backend crashed")
	}
	pool := testPool(t, "test", ft)

	for i := 0; i < 3; i++ {
		if _, err := pool.CallTool(context.Background(), "mcp__test__echo", map[string]any{"message": "x"}); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	_, err := pool.CallTool(context.Background(), "mcp__test__echo", map[string]any{"message": "x"})
	if !errors.Is(err, infra.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen after threshold, got %v", err)
	}
	if n := ft.callCount("tools/call"); n != 3 {
		t.Errorf("open circuit must not reach the backend, got %d calls", n)
	}
}

func TestPool_ListAllToolSchemas(t *testing.T) {
	ft := newFakeTransport().withTools(
		&Tool{Name: "zeta", InputSchema: json.RawMessage(`{}`)},
		&Tool{Name: "alpha", Description: "first", InputSchema: json.RawMessage(`{}`)},
	)
	pool := testPool(t, "test", ft)

	tools := pool.ListAllToolSchemas(context.Background())
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].ID != "mcp__test__alpha" || tools[1].ID != "mcp__test__zeta" {
		t.Errorf("expected sort by ID, got %q %q", tools[0].ID, tools[1].ID)
	}
	if tools[0].Server != "test" || tools[0].Name != "alpha" || tools[0].Description != "first" {
		t.Errorf("unexpected descriptor %+v", tools[0])
	}
}

func TestPool_ListAllToolSchemas_SkipsFailingBackend(t *testing.T) {
	ft := newFakeTransport()
	ft.handlers["tools/list"] = func(params any) (json.RawMessage, error) {
		return nil, errors.New("unavailable")
	}
	pool := testPool(t, "test", ft)

	tools := pool.ListAllToolSchemas(context.Background())
	if len(tools) != 0 {
		t.Errorf("expected empty list when the only backend fails, got %d", len(tools))
	}
}

func TestPool_DuplicateBackendName(t *testing.T) {
	cfg := &ServerConfig{Name: "dup", Command: "/usr/bin/true"}
	_, err := NewPool(PoolConfig{Servers: []*ServerConfig{cfg, cfg}}, nil, nil)
	if err == nil {
		t.Error("expected duplicate backend name error")
	}
}

func TestPool_InvalidBackendConfig(t *testing.T) {
	cfg := &ServerConfig{Name: "Bad Name", Command: "/usr/bin/true"}
	_, err := NewPool(PoolConfig{Servers: []*ServerConfig{cfg}}, nil, nil)
	if err == nil {
		t.Error("expected config validation error")
	}
}

func TestPool_BackendStatuses(t *testing.T) {
	pool := testPool(t, "test", newFakeTransport().withTools(echoTool()))

	statuses := pool.BackendStatuses()
	if statuses["test"] != StatusConnected {
		t.Errorf("expected connected, got %s", statuses["test"])
	}
}
