package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/haasonsaas/codebroker/internal/infra"
	"github.com/haasonsaas/codebroker/internal/upstream"
)

func TestErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindBadArguments, http.StatusBadRequest},
		{KindForbidden, http.StatusForbidden},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindQuotaExceeded, http.StatusTooManyRequests},
		{KindUpstreamError, http.StatusBadGateway},
		{KindUpstreamUnavailable, http.StatusBadGateway},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindSandboxUnavailable, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
		{Kind("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		e := NewError(tt.kind, "message")
		if got := e.HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestErrorString(t *testing.T) {
	e := NewError(KindForbidden, "tool %s denied", "mcp__a__b")
	if e.Error() != "forbidden: tool mcp__a__b denied" {
		t.Errorf("unexpected error string %q", e.Error())
	}
}

func TestErrorJSONShape(t *testing.T) {
	e := NewError(KindRateLimited, "slow down")
	e.RetryAfterMs = 1500

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"kind":"rate_limited"`) || !strings.Contains(s, `"retry_after_ms":1500`) {
		t.Errorf("unexpected JSON %s", s)
	}
	if strings.Contains(s, "allowed_tools") {
		t.Error("allowed_tools must be omitted when empty")
	}

	denied := NewError(KindForbidden, "denied")
	denied.AllowedTools = []string{"mcp__a__one"}
	data, _ = json.Marshal(denied)
	if !strings.Contains(string(data), `"allowed_tools":["mcp__a__one"]`) {
		t.Errorf("expected allowed_tools in JSON, got %s", data)
	}
}

func TestClassifyUpstream(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{&upstream.InvalidArgumentsError{ToolID: "mcp__a__b"}, KindBadArguments},
		{&upstream.UnknownBackendError{Server: "a"}, KindBadArguments},
		{&upstream.UnknownToolError{Server: "a", Tool: "b"}, KindBadArguments},
		{infra.ErrCircuitOpen, KindUpstreamUnavailable},
		{infra.ErrQueueFull, KindUpstreamUnavailable},
		{infra.ErrQueueExpired, KindTimeout},
		{infra.ErrDraining, KindUpstreamUnavailable},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("transport broke"), KindUpstreamError},
	}

	for _, tt := range tests {
		got := classifyUpstream(tt.err)
		if got.Kind != tt.want {
			t.Errorf("classifyUpstream(%v) = %s, want %s", tt.err, got.Kind, tt.want)
		}
	}
}

func TestClassifyUpstream_PassesBrokerErrors(t *testing.T) {
	orig := NewError(KindQuotaExceeded, "quota")
	got := classifyUpstream(orig)
	if got != orig {
		t.Error("expected broker errors passed through unchanged")
	}
}

func TestClassifyUpstream_WrappedSentinel(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), infra.ErrCircuitOpen)
	if got := classifyUpstream(wrapped); got.Kind != KindUpstreamUnavailable {
		t.Errorf("expected wrapped sentinel classified, got %s", got.Kind)
	}
}
