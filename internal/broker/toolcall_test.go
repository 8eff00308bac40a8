package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/codebroker/internal/ratelimit"
	"github.com/haasonsaas/codebroker/internal/upstream"
)

func searchTool() *upstream.Tool {
	return &upstream.Tool{
		Name:        "search",
		Description: "searches the web",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"query": {"type": "string"}},
			"required": ["query"]
		}`),
	}
}

// startToolServer builds and starts a tool broker; the returned base URL has
// no trailing slash.
func startToolServer(t *testing.T, session *Session, pool *upstream.Pool, limiter *ratelimit.Limiter, tracker *Tracker) string {
	t.Helper()

	srv := NewToolServer(ToolServerConfig{}, session, pool, limiter, tracker, quietAudit(t), nil, nil)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return "http://" + srv.Addr()
}

// postCall sends a tool-call request with the session token.
func postCall(t *testing.T, baseURL, token string, body any) (*http.Response, []byte) {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest("POST", baseURL+"/", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, buf.Bytes()
}

func TestToolServer_Call(t *testing.T) {
	backend := newFakeBackend(searchTool())
	defer backend.close()
	backend.callHandler = func(params upstream.CallToolParams) (any, *upstream.JSONRPCError) {
		return upstream.ToolCallResult{
			Content: []upstream.ToolResultContent{{Type: "text", Text: "three results"}},
		}, nil
	}

	pool := newBrokeredPool(t, "web", backend)
	session := newTestSession(t, "mcp__web__search")
	tracker := NewTracker()
	base := startToolServer(t, session, pool, openLimiter(), tracker)

	resp, body := postCall(t, base, session.Token, map[string]any{
		"toolName": "mcp__web__search",
		"params":   map[string]any{"query": "golang"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Result *upstream.ToolCallResult `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if result.Result.Text() != "three results" {
		t.Errorf("unexpected result %q", result.Result.Text())
	}

	invs := tracker.Invocations()
	if len(invs) != 1 || invs[0].Outcome != "success" {
		t.Errorf("expected one successful invocation recorded, got %+v", invs)
	}
}

func TestToolServer_Call_BadToken(t *testing.T) {
	backend := newFakeBackend(searchTool())
	defer backend.close()
	pool := newBrokeredPool(t, "web", backend)
	session := newTestSession(t, "mcp__web__search")
	base := startToolServer(t, session, pool, openLimiter(), nil)

	resp, _ := postCall(t, base, "wrong-token", map[string]any{"toolName": "mcp__web__search"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}

	resp, _ = postCall(t, base, "", map[string]any{"toolName": "mcp__web__search"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for missing token, got %d", resp.StatusCode)
	}
}

func TestToolServer_Call_MalformedBody(t *testing.T) {
	backend := newFakeBackend(searchTool())
	defer backend.close()
	pool := newBrokeredPool(t, "web", backend)
	session := newTestSession(t, "mcp__web__search")
	base := startToolServer(t, session, pool, openLimiter(), nil)

	req, _ := http.NewRequest("POST", base+"/", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+session.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestToolServer_Call_MalformedToolID(t *testing.T) {
	backend := newFakeBackend(searchTool())
	defer backend.close()
	pool := newBrokeredPool(t, "web", backend)
	session := newTestSession(t, "mcp__web__search")
	base := startToolServer(t, session, pool, openLimiter(), nil)

	resp, body := postCall(t, base, session.Token, map[string]any{"toolName": "not-namespaced"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", resp.StatusCode, body)
	}

	resp, _ = postCall(t, base, session.Token, map[string]any{"params": map[string]any{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing toolName, got %d", resp.StatusCode)
	}
}

func TestToolServer_Call_AllowlistDenied(t *testing.T) {
	backend := newFakeBackend(searchTool())
	defer backend.close()
	pool := newBrokeredPool(t, "web", backend)
	session := newTestSession(t, "mcp__web__search", "mcp__web__other")
	tracker := NewTracker()
	base := startToolServer(t, session, pool, openLimiter(), tracker)

	resp, body := postCall(t, base, session.Token, map[string]any{
		"toolName": "mcp__web__fetch",
		"params":   map[string]any{},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", resp.StatusCode, body)
	}

	var brokerErr Error
	if err := json.Unmarshal(body, &brokerErr); err != nil {
		t.Fatal(err)
	}
	if brokerErr.Kind != KindForbidden {
		t.Errorf("expected forbidden kind, got %s", brokerErr.Kind)
	}
	if len(brokerErr.AllowedTools) != 2 || brokerErr.AllowedTools[0] != "mcp__web__search" {
		t.Errorf("expected the allowlist in the denial, got %v", brokerErr.AllowedTools)
	}

	// Denials never reach the upstream, so the execution report stays empty;
	// the audit trail is where they land.
	if invs := tracker.Invocations(); len(invs) != 0 {
		t.Errorf("expected no invocation recorded for a denial, got %+v", invs)
	}
	if summary := tracker.Summary(); len(summary) != 0 {
		t.Errorf("expected empty tool summary after a denial, got %+v", summary)
	}
}

func TestToolServer_Call_DeniedToolsDoNotConsumeRateBudget(t *testing.T) {
	backend := newFakeBackend(searchTool())
	defer backend.close()
	pool := newBrokeredPool(t, "web", backend)
	session := newTestSession(t, "mcp__web__search")
	limiter := ratelimit.NewLimiter(ratelimit.Config{Tokens: 1, Window: time.Hour, Enabled: true})
	base := startToolServer(t, session, pool, limiter, nil)

	// Denials first; they must not drain the single token.
	for i := 0; i < 5; i++ {
		resp, _ := postCall(t, base, session.Token, map[string]any{"toolName": "mcp__web__nope"})
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("denial %d: expected 403, got %d", i, resp.StatusCode)
		}
	}

	resp, body := postCall(t, base, session.Token, map[string]any{
		"toolName": "mcp__web__search",
		"params":   map[string]any{"query": "golang"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected the allowed call to still have budget, got %d: %s", resp.StatusCode, body)
	}

	// The budget is now spent.
	resp, body = postCall(t, base, session.Token, map[string]any{
		"toolName": "mcp__web__search",
		"params":   map[string]any{"query": "golang"},
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after budget spent, got %d: %s", resp.StatusCode, body)
	}
	var brokerErr Error
	if err := json.Unmarshal(body, &brokerErr); err != nil {
		t.Fatal(err)
	}
	if brokerErr.Kind != KindRateLimited || brokerErr.RetryAfterMs <= 0 {
		t.Errorf("expected rate_limited with retry hint, got %+v", brokerErr)
	}
}

func TestToolServer_Call_InvalidArguments(t *testing.T) {
	backend := newFakeBackend(searchTool())
	defer backend.close()
	pool := newBrokeredPool(t, "web", backend)
	session := newTestSession(t, "mcp__web__search")
	base := startToolServer(t, session, pool, openLimiter(), nil)

	resp, body := postCall(t, base, session.Token, map[string]any{
		"toolName": "mcp__web__search",
		"params":   map[string]any{"query": 42},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, body)
	}
	var brokerErr Error
	if err := json.Unmarshal(body, &brokerErr); err != nil {
		t.Fatal(err)
	}
	if brokerErr.Kind != KindBadArguments {
		t.Errorf("expected bad_arguments, got %s", brokerErr.Kind)
	}
}

func TestToolServer_Call_UpstreamError(t *testing.T) {
	backend := newFakeBackend(searchTool())
	defer backend.close()
	backend.callHandler = func(params upstream.CallToolParams) (any, *upstream.JSONRPCError) {
		return nil, &upstream.JSONRPCError{Code: upstream.ErrCodeInternalError, Message: "backend exploded"}
	}

	pool := newBrokeredPool(t, "web", backend)
	session := newTestSession(t, "mcp__web__search")
	tracker := NewTracker()
	base := startToolServer(t, session, pool, openLimiter(), tracker)

	resp, body := postCall(t, base, session.Token, map[string]any{
		"toolName": "mcp__web__search",
		"params":   map[string]any{"query": "golang"},
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", resp.StatusCode, body)
	}

	invs := tracker.Invocations()
	if len(invs) != 1 || invs[0].Outcome != "error" {
		t.Fatalf("expected an error invocation recorded, got %+v", invs)
	}
	if invs[0].ErrorKind != KindUpstreamError {
		t.Errorf("expected upstream_error kind, got %s", invs[0].ErrorKind)
	}
	if !strings.Contains(invs[0].ErrorMessage, "backend exploded") {
		t.Errorf("expected the backend message in the invocation, got %q", invs[0].ErrorMessage)
	}

	summary := tracker.Summary()
	if len(summary) != 1 || !strings.Contains(summary[0].LastError, "backend exploded") {
		t.Errorf("expected the backend message as the summary's last error, got %+v", summary)
	}
}

func TestToolServer_Discovery(t *testing.T) {
	backend := newFakeBackend(
		searchTool(),
		&upstream.Tool{Name: "fetch", Description: "fetches a URL", InputSchema: json.RawMessage(`{}`)},
	)
	defer backend.close()
	pool := newBrokeredPool(t, "web", backend)
	// Discovery ignores the allowlist.
	session := newTestSession(t)
	base := startToolServer(t, session, pool, openLimiter(), nil)

	get := func(query string) (*http.Response, []byte) {
		req, _ := http.NewRequest("GET", base+"/tools"+query, nil)
		req.Header.Set("Authorization", "Bearer "+session.Token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return resp, buf.Bytes()
	}

	// Unfiltered listing returns everything.
	resp, body := get("")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var listing struct {
		Tools []*upstream.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatal(err)
	}
	if len(listing.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(listing.Tools))
	}

	// Case-insensitive substring match against name and description.
	resp, body = get("?q=" + url.QueryEscape("SEARCH"))
	json.Unmarshal(body, &listing)
	if len(listing.Tools) != 1 || listing.Tools[0].Name != "search" {
		t.Errorf("expected only search to match, got %+v", listing.Tools)
	}

	// Repeated q values OR together.
	resp, body = get("?q=searches&q=fetches")
	json.Unmarshal(body, &listing)
	if len(listing.Tools) != 2 {
		t.Errorf("expected both tools for OR query, got %d", len(listing.Tools))
	}

	// No match.
	resp, body = get("?q=nothing")
	json.Unmarshal(body, &listing)
	if len(listing.Tools) != 0 {
		t.Errorf("expected no matches, got %d", len(listing.Tools))
	}
}

func TestToolServer_Discovery_QueryValidation(t *testing.T) {
	backend := newFakeBackend(searchTool())
	defer backend.close()
	pool := newBrokeredPool(t, "web", backend)
	session := newTestSession(t)
	base := startToolServer(t, session, pool, openLimiter(), nil)

	get := func(rawQuery string) int {
		req, _ := http.NewRequest("GET", base+"/tools?"+rawQuery, nil)
		req.Header.Set("Authorization", "Bearer "+session.Token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	if code := get("q=" + string(long)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized query, got %d", code)
	}
	if code := get("q=" + url.QueryEscape("bad;chars!")); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad charset, got %d", code)
	}
	if code := get("q=" + url.QueryEscape("good_query-1 ok")); code != http.StatusOK {
		t.Errorf("expected 200 for valid charset, got %d", code)
	}
}

func TestToolServer_Discovery_BadToken(t *testing.T) {
	backend := newFakeBackend(searchTool())
	defer backend.close()
	pool := newBrokeredPool(t, "web", backend)
	session := newTestSession(t)
	base := startToolServer(t, session, pool, openLimiter(), nil)

	req, _ := http.NewRequest("GET", base+"/tools", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
}

func TestFilterTools(t *testing.T) {
	tools := []*upstream.ToolDescriptor{
		{ID: "mcp__web__search", Name: "search", Description: "searches the web"},
		{ID: "mcp__fs__read", Name: "read", Description: "reads a file"},
	}

	if got := filterTools(tools, nil); len(got) != 2 {
		t.Errorf("expected no filtering without queries, got %d", len(got))
	}
	if got := filterTools(tools, []string{""}); len(got) != 2 {
		t.Errorf("expected empty query ignored, got %d", len(got))
	}
	if got := filterTools(tools, []string{"WEB"}); len(got) != 1 || got[0].ID != "mcp__web__search" {
		t.Errorf("expected case-insensitive description match, got %v", got)
	}
	if got := filterTools(tools, []string{"file"}); len(got) != 1 || got[0].ID != "mcp__fs__read" {
		t.Errorf("expected description match, got %v", got)
	}
	if got := filterTools(tools, []string{"web", "file"}); len(got) != 2 {
		t.Errorf("expected OR semantics, got %d", len(got))
	}
	// The ID prefix is shared by every tool; matching on it would make
	// queries like "mcp" return the whole catalog.
	if got := filterTools(tools, []string{"mcp"}); len(got) != 0 {
		t.Errorf("expected no matches on the tool ID, got %v", got)
	}
}
