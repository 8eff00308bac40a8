package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/codebroker/internal/audit"
	"github.com/haasonsaas/codebroker/internal/observability"
	"github.com/haasonsaas/codebroker/internal/ratelimit"
	"github.com/haasonsaas/codebroker/internal/upstream"
)

// Rate limit endpoint components. Tool calls and discovery drain separate
// buckets so a discovery burst cannot starve invocation.
const (
	endpointToolCall  = "tool_call"
	endpointDiscovery = "discovery"
)

// discoveryQueryRe bounds the discovery query charset.
var discoveryQueryRe = regexp.MustCompile(`^[A-Za-z0-9_\- ]*$`)

const maxDiscoveryQueryLen = 100

// ToolServerConfig configures the tool-call broker.
type ToolServerConfig struct {
	// CallTimeout bounds one brokered tool call. Default 30s.
	CallTimeout time.Duration

	// DiscoveryTimeout bounds the discovery fan-out. Default 500ms.
	DiscoveryTimeout time.Duration
}

// ToolServer is the loopback HTTP surface for one execution's tool calls.
// POST / dispatches a tool call; GET /tools lists and searches the federated
// tool catalog. Discovery deliberately skips the allowlist so sandboxed code
// can find tools it may then be granted; dispatch still enforces it.
type ToolServer struct {
	config  ToolServerConfig
	session *Session
	pool    *upstream.Pool
	limiter *ratelimit.Limiter
	tracker *Tracker
	audit   *audit.Logger
	metrics *observability.Metrics
	logger  *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewToolServer creates a tool-call broker bound to one session.
func NewToolServer(cfg ToolServerConfig, session *Session, pool *upstream.Pool, limiter *ratelimit.Limiter, tracker *Tracker, auditLog *audit.Logger, metrics *observability.Metrics, logger *slog.Logger) *ToolServer {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ToolServer{
		config:  cfg,
		session: session,
		pool:    pool,
		limiter: limiter,
		tracker: tracker,
		audit:   auditLog,
		metrics: metrics,
		logger:  logger.With("component", "toolbroker", "execution_id", session.ExecutionID),
	}
}

// Start binds the loopback listener on an ephemeral port.
func (s *ToolServer) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleCall)
	mux.HandleFunc("GET /tools", s.handleDiscovery)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("tool broker server error", "error", err)
		}
	}()

	s.logger.Debug("tool broker listening", "addr", s.Addr())
	return nil
}

// Addr returns the listener address (host:port).
func (s *ToolServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *ToolServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// callRequest is the tool-call request body.
type callRequest struct {
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params"`
}

// callResponse wraps a successful tool call result.
type callResponse struct {
	Result *upstream.ToolCallResult `json:"result"`
}

// handleCall dispatches one brokered tool call.
func (s *ToolServer) handleCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !checkBearer(r, s.session.Token) {
		writeError(w, NewError(KindForbidden, "invalid or missing bearer token"))
		return
	}

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, NewError(KindBadArguments, "malformed request body: %v", err))
		return
	}
	if req.ToolName == "" {
		writeError(w, NewError(KindBadArguments, "toolName is required"))
		return
	}

	server, _, err := upstream.ParseToolID(req.ToolName)
	if err != nil {
		writeError(w, NewError(KindBadArguments, "%v", err))
		return
	}

	// Allowlist before rate limit: denied tools never consume budget. The
	// denial reaches the audit trail and metrics, not the execution report.
	if !s.session.ToolAllowed(req.ToolName) {
		s.audit.LogToolDenied(ctx, s.session.ExecutionID, req.ToolName, "tool not in allowlist")
		s.countCall(server, "denied")
		denied := NewError(KindForbidden, "tool %s is not allowed for this execution", req.ToolName)
		denied.AllowedTools = s.session.Allowlist()
		writeError(w, denied)
		return
	}

	key := ratelimit.CompositeKey(s.session.ClientID, endpointToolCall)
	if decision := s.limiter.CheckLimit(key); !decision.Allowed {
		s.countRate(endpointToolCall, false)
		s.audit.LogRateLimited(ctx, s.session.ExecutionID, endpointToolCall, decision.ResetInMs)
		limited := NewError(KindRateLimited, "tool call rate limit exceeded")
		limited.RetryAfterMs = decision.ResetInMs
		writeError(w, limited)
		return
	}
	s.countRate(endpointToolCall, true)

	argsJSON, _ := json.Marshal(req.Params)
	s.audit.LogToolCall(ctx, s.session.ExecutionID, req.ToolName, argsJSON)

	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.pool.CallTool(callCtx, req.ToolName, req.Params)
	elapsed := time.Since(start)

	if err != nil {
		brokerErr := classifyUpstream(err)
		outcome := "error"
		if brokerErr.Kind == KindRateLimited {
			outcome = "rate_limited"
		}
		s.record(req.ToolName, elapsed, outcome, brokerErr.Kind, brokerErr.Message, 0)
		s.countCall(server, outcome)
		s.audit.LogToolCompleted(ctx, s.session.ExecutionID, req.ToolName, false, 0, elapsed)
		s.logger.Warn("tool call failed",
			"tool", req.ToolName,
			"kind", brokerErr.Kind,
			"duration_ms", elapsed.Milliseconds())
		writeError(w, brokerErr)
		return
	}

	outputSize := len(result.Text())
	s.record(req.ToolName, elapsed, "success", "", "", outputSize)
	s.countCall(server, "success")
	s.observeCall(server, elapsed)
	s.audit.LogToolCompleted(ctx, s.session.ExecutionID, req.ToolName, true, outputSize, elapsed)

	writeJSON(w, http.StatusOK, callResponse{Result: result})
}

// discoveryResponse is the tool listing response body.
type discoveryResponse struct {
	Tools []*upstream.ToolDescriptor `json:"tools"`
}

// handleDiscovery lists the federated tool catalog, optionally filtered by a
// query. Matching is case-insensitive OR over space-separated terms, against
// tool name and description.
func (s *ToolServer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !checkBearer(r, s.session.Token) {
		writeError(w, NewError(KindForbidden, "invalid or missing bearer token"))
		return
	}

	key := ratelimit.CompositeKey(s.session.ClientID, endpointDiscovery)
	if decision := s.limiter.CheckLimit(key); !decision.Allowed {
		s.countRate(endpointDiscovery, false)
		s.audit.LogRateLimited(ctx, s.session.ExecutionID, endpointDiscovery, decision.ResetInMs)
		err := NewError(KindRateLimited, "discovery rate limit exceeded")
		err.RetryAfterMs = decision.ResetInMs
		writeError(w, err)
		return
	}
	s.countRate(endpointDiscovery, true)

	queries := r.URL.Query()["q"]
	for _, q := range queries {
		if len(q) > maxDiscoveryQueryLen {
			writeError(w, NewError(KindBadArguments, "query exceeds %d characters", maxDiscoveryQueryLen))
			return
		}
		if !discoveryQueryRe.MatchString(q) {
			writeError(w, NewError(KindBadArguments, "query contains unsupported characters"))
			return
		}
	}

	listCtx, cancel := context.WithTimeout(ctx, s.config.DiscoveryTimeout)
	defer cancel()

	tools := s.pool.ListAllToolSchemas(listCtx)
	if listCtx.Err() == context.DeadlineExceeded {
		s.audit.LogDiscoveryQuery(ctx, s.session.ExecutionID, strings.Join(queries, ","), 0)
		writeError(w, NewError(KindInternal, "discovery timed out after %s", s.config.DiscoveryTimeout))
		return
	}
	tools = filterTools(tools, queries)

	s.audit.LogDiscoveryQuery(ctx, s.session.ExecutionID, strings.Join(queries, ","), len(tools))
	writeJSON(w, http.StatusOK, discoveryResponse{Tools: tools})
}

// filterTools keeps descriptors matching any query value as a
// case-insensitive substring of the tool's name or description. The ID is
// excluded: its prefix is shared by every tool on a backend and would match
// everything.
func filterTools(tools []*upstream.ToolDescriptor, queries []string) []*upstream.ToolDescriptor {
	terms := make([]string, 0, len(queries))
	for _, q := range queries {
		if q != "" {
			terms = append(terms, strings.ToLower(q))
		}
	}
	if len(terms) == 0 {
		return tools
	}

	out := make([]*upstream.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		haystack := strings.ToLower(t.Name + " " + t.Description)
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// record appends an invocation to the tracker if one is attached.
func (s *ToolServer) record(toolID string, d time.Duration, outcome string, kind Kind, message string, size int) {
	if s.tracker == nil {
		return
	}
	s.tracker.Record(Invocation{
		ToolID:       toolID,
		StartedAt:    time.Now().Add(-d),
		Duration:     d,
		Outcome:      outcome,
		ErrorKind:    kind,
		ErrorMessage: message,
		OutputSize:   size,
	})
}

func (s *ToolServer) countCall(server, status string) {
	if s.metrics != nil {
		s.metrics.ToolCallCounter.WithLabelValues(server, status).Inc()
	}
}

func (s *ToolServer) observeCall(server string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.ToolCallDuration.WithLabelValues(server).Observe(d.Seconds())
	}
}

func (s *ToolServer) countRate(endpoint string, allowed bool) {
	if s.metrics == nil {
		return
	}
	decision := "allowed"
	if !allowed {
		decision = "limited"
	}
	s.metrics.RateLimitCounter.WithLabelValues(endpoint, decision).Inc()
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a broker error as the response body.
func writeError(w http.ResponseWriter, err *Error) {
	writeJSON(w, err.HTTPStatus(), err)
}
