package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/codebroker/internal/audit"
	"github.com/haasonsaas/codebroker/internal/infra"
	"github.com/haasonsaas/codebroker/internal/llm"
	"github.com/haasonsaas/codebroker/internal/ratelimit"
	"github.com/haasonsaas/codebroker/internal/schemacache"
	"github.com/haasonsaas/codebroker/internal/upstream"
)

// fakeBackend is an httptest JSON-RPC tool server the pool connects to over
// the HTTP transport.
type fakeBackend struct {
	server *httptest.Server
	tools  []*upstream.Tool

	// callHandler overrides the tools/call response when set.
	callHandler func(params upstream.CallToolParams) (any, *upstream.JSONRPCError)
}

func newFakeBackend(tools ...*upstream.Tool) *fakeBackend {
	b := &fakeBackend{tools: tools}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	var req upstream.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := upstream.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		result, _ := json.Marshal(upstream.InitializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      upstream.ServerInfo{Name: "fake", Version: "0.0.1"},
		})
		resp.Result = result
	case "tools/list":
		result, _ := json.Marshal(upstream.ListToolsResult{Tools: b.tools})
		resp.Result = result
	case "tools/call":
		var params upstream.CallToolParams
		_ = json.Unmarshal(req.Params, &params)
		if b.callHandler != nil {
			result, rpcErr := b.callHandler(params)
			if rpcErr != nil {
				resp.Error = rpcErr
			} else {
				data, _ := json.Marshal(result)
				resp.Result = data
			}
		} else {
			data, _ := json.Marshal(upstream.ToolCallResult{
				Content: []upstream.ToolResultContent{{Type: "text", Text: "default result"}},
			})
			resp.Result = data
		}
	case "notifications/initialized":
		// notification, no body expected
		w.WriteHeader(http.StatusOK)
		return
	default:
		resp.Error = &upstream.JSONRPCError{Code: upstream.ErrCodeMethodNotFound, Message: "unknown method"}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (b *fakeBackend) close() { b.server.Close() }

// newBrokeredPool starts a pool connected to the fake backend under the
// given backend name.
func newBrokeredPool(t *testing.T, name string, backend *fakeBackend) *upstream.Pool {
	t.Helper()

	pool, err := upstream.NewPool(upstream.PoolConfig{
		Servers: []*upstream.ServerConfig{{
			Name:      name,
			Transport: upstream.TransportHTTP,
			URL:       backend.server.URL,
		}},
		Admission: infra.AdmissionConfig{MaxConcurrent: 8, QueueMax: 8, QueueTimeout: time.Second},
		Breaker:   infra.CircuitBreakerConfig{FailureThreshold: 5, Cooldown: time.Hour},
	}, schemacache.New(schemacache.Config{}, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return pool
}

// newTestSession builds a session with a known allowlist.
func newTestSession(t *testing.T, allowed ...string) *Session {
	t.Helper()
	s, err := NewSession("exec-test", "client-test", allowed)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func quietAudit(t *testing.T) *audit.Logger {
	t.Helper()
	l, err := audit.NewLogger(audit.Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func openLimiter() *ratelimit.Limiter {
	return ratelimit.NewLimiter(ratelimit.Config{Enabled: false})
}

// fakeProvider is an in-memory llm.Provider for sampling broker tests.
type fakeProvider struct {
	response *llm.Response
	err      error
	chunks   []*llm.Chunk

	lastRequest *llm.Request
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.lastRequest = req
	if p.err != nil {
		return nil, p.err
	}
	return p.response, nil
}

func (p *fakeProvider) Stream(ctx context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	p.lastRequest = req
	if p.err != nil {
		return nil, p.err
	}
	out := make(chan *llm.Chunk, len(p.chunks))
	for _, c := range p.chunks {
		out <- c
	}
	close(out)
	return out, nil
}
