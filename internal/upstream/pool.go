package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/codebroker/internal/infra"
	"github.com/haasonsaas/codebroker/internal/schemacache"
	"github.com/haasonsaas/codebroker/internal/validate"
)

// UnknownBackendError is returned when a tool ID names a backend that is not
// configured.
type UnknownBackendError struct {
	Server string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("unknown backend %q", e.Server)
}

// UnknownToolError is returned when a backend does not report the named tool.
type UnknownToolError struct {
	Server string
	Tool   string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("backend %q has no tool %q", e.Server, e.Tool)
}

// InvalidArgumentsError is returned when tool arguments fail schema validation.
type InvalidArgumentsError struct {
	ToolID string
	Errors []string
}

func (e *InvalidArgumentsError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("arguments for %s do not match tool schema", e.ToolID)
	}
	return fmt.Sprintf("arguments for %s do not match tool schema: %s", e.ToolID, e.Errors[0])
}

// ToolDescriptor is a namespaced tool definition as exposed to callers.
type ToolDescriptor struct {
	ID          string          `json:"id"`
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// PoolConfig configures the backend pool.
type PoolConfig struct {
	Servers   []*ServerConfig            `yaml:"servers"`
	Admission infra.AdmissionConfig      `yaml:"admission"`
	Breaker   infra.CircuitBreakerConfig `yaml:"breaker"`
}

// Pool federates a set of tool backends behind a single call surface. Every
// dispatched call passes argument validation, the per-backend circuit
// breaker, and the shared admission pool, in that order.
type Pool struct {
	logger  *slog.Logger
	servers map[string]*ServerConfig

	breakers  *infra.CircuitBreakerRegistry
	admission *infra.AdmissionPool
	schemas   *schemacache.Cache

	mu       sync.RWMutex
	clients  map[string]*Client
	statuses map[string]BackendStatus
}

// NewPool creates a backend pool. Server configs are validated up front;
// a bad config is a construction error, not a runtime one.
func NewPool(cfg PoolConfig, schemas *schemacache.Cache, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	servers := make(map[string]*ServerConfig, len(cfg.Servers))
	statuses := make(map[string]BackendStatus, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("backend config: %w", err)
		}
		if _, dup := servers[sc.Name]; dup {
			return nil, fmt.Errorf("backend config: duplicate backend name %q", sc.Name)
		}
		servers[sc.Name] = sc
		statuses[sc.Name] = StatusUnconnected
	}

	p := &Pool{
		logger:    logger.With("component", "upstream"),
		servers:   servers,
		admission: infra.NewAdmissionPool(cfg.Admission),
		schemas:   schemas,
		clients:   make(map[string]*Client),
		statuses:  statuses,
	}

	breakerDefaults := cfg.Breaker
	breakerDefaults.OnStateChange = nil
	p.breakers = infra.NewCircuitBreakerRegistry(breakerDefaults)

	return p, nil
}

// Start connects to all configured backends. A backend that fails to connect
// is marked failed and logged; the pool still starts as long as the config
// was valid.
func (p *Pool) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for name, cfg := range p.servers {
		wg.Add(1)
		go func(name string, cfg *ServerConfig) {
			defer wg.Done()

			client := NewClient(cfg, p.logger)
			if err := client.Connect(ctx); err != nil {
				p.logger.Error("failed to connect to backend",
					"backend", name,
					"error", err)
				p.mu.Lock()
				p.statuses[name] = StatusFailed
				p.mu.Unlock()
				return
			}

			p.mu.Lock()
			p.clients[name] = client
			p.statuses[name] = StatusConnected
			p.mu.Unlock()
		}(name, cfg)
	}
	wg.Wait()

	p.mu.RLock()
	connected := len(p.clients)
	p.mu.RUnlock()
	p.logger.Info("backend pool started",
		"configured", len(p.servers),
		"connected", connected)
	return nil
}

// Shutdown drains in-flight calls and closes all backend connections.
func (p *Pool) Shutdown(ctx context.Context) error {
	if err := p.admission.Drain(ctx); err != nil {
		p.logger.Warn("admission drain interrupted", "error", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, client := range p.clients {
		if err := client.Close(); err != nil {
			p.logger.Error("failed to close backend", "backend", name, "error", err)
		}
		delete(p.clients, name)
		p.statuses[name] = StatusUnconnected
	}
	return nil
}

// client returns the connected client for a backend.
func (p *Pool) client(server string) (*Client, error) {
	if _, ok := p.servers[server]; !ok {
		return nil, &UnknownBackendError{Server: server}
	}

	p.mu.RLock()
	client, ok := p.clients[server]
	p.mu.RUnlock()
	if !ok || !client.Connected() {
		return nil, fmt.Errorf("backend %q is not connected", server)
	}
	return client, nil
}

// ListAllToolSchemas fans out tools/list to every connected backend in
// parallel and returns the merged, namespaced tool list sorted by ID. A
// backend that fails to answer is skipped with a warning; its circuit
// breaker records the failure.
func (p *Pool) ListAllToolSchemas(ctx context.Context) []*ToolDescriptor {
	p.mu.RLock()
	clients := make(map[string]*Client, len(p.clients))
	for name, c := range p.clients {
		clients[name] = c
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	var outMu sync.Mutex
	var out []*ToolDescriptor

	for name, client := range clients {
		wg.Add(1)
		go func(name string, client *Client) {
			defer wg.Done()

			cb := p.breakers.Get(name)
			err := cb.Execute(ctx, func(ctx context.Context) error {
				return client.RefreshTools(ctx)
			})
			if err != nil {
				p.logger.Warn("skipping backend in tool listing",
					"backend", name,
					"error", err)
				return
			}

			for _, tool := range client.Tools() {
				id := FormatToolID(name, tool.Name)
				p.cacheSchema(id, tool)
				outMu.Lock()
				out = append(out, &ToolDescriptor{
					ID:          id,
					Server:      name,
					Name:        tool.Name,
					Description: tool.Description,
					InputSchema: tool.InputSchema,
				})
				outMu.Unlock()
			}
		}(name, client)
	}
	wg.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// cacheSchema records a freshly listed tool definition in the schema cache.
func (p *Pool) cacheSchema(id string, tool *Tool) {
	if p.schemas == nil {
		return
	}
	p.schemas.Put(id, &schemacache.Entry{
		Name:         id,
		Description:  tool.Description,
		InputSchema:  tool.InputSchema,
		OutputSchema: tool.OutputSchema,
	})
}

// toolSchema resolves the schema entry for a namespaced tool ID, fetching
// from the backend through the cache on miss or expiry.
func (p *Pool) toolSchema(ctx context.Context, id, server, tool string) (*schemacache.Entry, error) {
	fetch := func(ctx context.Context) (*schemacache.Entry, error) {
		client, err := p.client(server)
		if err != nil {
			return nil, err
		}
		cb := p.breakers.Get(server)
		if err := cb.Execute(ctx, func(ctx context.Context) error {
			return client.RefreshTools(ctx)
		}); err != nil {
			return nil, err
		}
		def := client.Tool(tool)
		if def == nil {
			return nil, &UnknownToolError{Server: server, Tool: tool}
		}
		return &schemacache.Entry{
			Name:         id,
			Description:  def.Description,
			InputSchema:  def.InputSchema,
			OutputSchema: def.OutputSchema,
		}, nil
	}

	if p.schemas == nil {
		return fetch(ctx)
	}
	return p.schemas.GetOrFetch(ctx, id, fetch)
}

// CallTool dispatches a namespaced tool call. The ID is parsed and resolved,
// arguments are validated against the tool's input schema, and the call then
// passes through the backend's circuit breaker and the shared admission pool.
func (p *Pool) CallTool(ctx context.Context, toolID string, args map[string]any) (*ToolCallResult, error) {
	server, tool, err := ParseToolID(toolID)
	if err != nil {
		return nil, err
	}

	entry, err := p.toolSchema(ctx, toolID, server, tool)
	if err != nil {
		return nil, err
	}

	if result := validate.Arguments(args, entry.InputSchema); !result.Valid {
		return nil, &InvalidArgumentsError{ToolID: toolID, Errors: result.Errors}
	}

	release, err := p.admission.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	client, err := p.client(server)
	if err != nil {
		return nil, err
	}

	cb := p.breakers.Get(server)
	return infra.ExecuteWithResult(cb, ctx, func(ctx context.Context) (*ToolCallResult, error) {
		return client.CallTool(ctx, tool, args)
	})
}

// BackendStatuses returns the status of every configured backend.
func (p *Pool) BackendStatuses() map[string]BackendStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]BackendStatus, len(p.statuses))
	for name, st := range p.statuses {
		out[name] = st
	}
	return out
}

// BreakerStats exposes per-backend circuit breaker statistics.
func (p *Pool) BreakerStats() []infra.CircuitBreakerStats {
	return p.breakers.Stats()
}

// AdmissionStats exposes the shared admission pool state.
func (p *Pool) AdmissionStats() infra.AdmissionStats {
	return p.admission.Stats()
}
