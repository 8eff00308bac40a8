package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/codebroker/internal/audit"
	"github.com/haasonsaas/codebroker/internal/llm"
	"github.com/haasonsaas/codebroker/internal/observability"
	"github.com/haasonsaas/codebroker/internal/ratelimit"
)

const endpointSampling = "sampling"

// SamplingConfig configures the sampling broker.
type SamplingConfig struct {
	// MaxRounds caps sampling requests per execution. Default 10.
	MaxRounds int `yaml:"max_rounds"`

	// MaxTokens caps total tokens (input + output) per execution.
	// Default 10000.
	MaxTokens int `yaml:"max_tokens"`

	// AllowedModels is the model allowlist. Empty allows only the
	// provider default (requests with no explicit model).
	AllowedModels []string `yaml:"allowed_models"`

	// AllowedSystemPrompts is the exact-match system prompt allowlist.
	// The empty prompt is always allowed.
	AllowedSystemPrompts []string `yaml:"allowed_system_prompts"`

	// RequestTimeout bounds one sampling request. Default 120s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SamplingServer is the loopback surface for model sampling from the
// sandbox. It enforces per-execution round and token quotas, model and
// system prompt allowlists, and redacts secrets from streamed content.
type SamplingServer struct {
	config   SamplingConfig
	session  *Session
	provider llm.Provider
	limiter  *ratelimit.Limiter
	redactor *observability.Redactor
	audit    *audit.Logger
	metrics  *observability.Metrics
	logger   *slog.Logger

	allowedModels  map[string]bool
	allowedPrompts map[string]bool

	mu         sync.Mutex
	roundsUsed int
	tokensUsed int

	httpServer *http.Server
	listener   net.Listener
}

// NewSamplingServer creates a sampling broker bound to one session.
func NewSamplingServer(cfg SamplingConfig, session *Session, provider llm.Provider, limiter *ratelimit.Limiter, redactor *observability.Redactor, auditLog *audit.Logger, metrics *observability.Metrics, logger *slog.Logger) *SamplingServer {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 10000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if redactor == nil {
		redactor = observability.NewRedactor()
	}

	models := make(map[string]bool, len(cfg.AllowedModels))
	for _, m := range cfg.AllowedModels {
		models[m] = true
	}
	prompts := make(map[string]bool, len(cfg.AllowedSystemPrompts))
	for _, p := range cfg.AllowedSystemPrompts {
		prompts[p] = true
	}

	return &SamplingServer{
		config:         cfg,
		session:        session,
		provider:       provider,
		limiter:        limiter,
		redactor:       redactor,
		audit:          auditLog,
		metrics:        metrics,
		logger:         logger.With("component", "samplingbroker", "execution_id", session.ExecutionID),
		allowedModels:  models,
		allowedPrompts: prompts,
	}
}

// Start binds the loopback listener on an ephemeral port.
func (s *SamplingServer) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sample", s.handleSample)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("sampling broker server error", "error", err)
		}
	}()

	s.logger.Debug("sampling broker listening", "addr", s.Addr())
	return nil
}

// Addr returns the listener address (host:port).
func (s *SamplingServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, allowing up to the given context for in-flight
// streams to drain.
func (s *SamplingServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Usage returns the tokens and rounds consumed so far.
func (s *SamplingServer) Usage() (rounds, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roundsUsed, s.tokensUsed
}

// sampleRequest is the sampling request body.
type sampleRequest struct {
	Messages     []llm.Message `json:"messages"`
	Model        string        `json:"model,omitempty"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
	MaxTokens    int           `json:"maxTokens,omitempty"`
	Temperature  *float64      `json:"temperature,omitempty"`
	Stream       bool          `json:"stream,omitempty"`
}

// contentBlock is one piece of a sampling response.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// tokenUsage reports token consumption for one sampling round.
type tokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// sampleResponse is the non-streamed sampling response body.
type sampleResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stopReason,omitempty"`
	Model      string         `json:"model"`
	Usage      tokenUsage     `json:"usage"`
}

// handleSample serves one sampling request, streamed or not.
func (s *SamplingServer) handleSample(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !checkBearer(r, s.session.Token) {
		writeError(w, NewError(KindForbidden, "invalid or missing bearer token"))
		return
	}

	key := ratelimit.CompositeKey(s.session.ClientID, endpointSampling)
	if decision := s.limiter.CheckLimit(key); !decision.Allowed {
		s.audit.LogRateLimited(ctx, s.session.ExecutionID, endpointSampling, decision.ResetInMs)
		err := NewError(KindRateLimited, "sampling rate limit exceeded")
		err.RetryAfterMs = decision.ResetInMs
		writeError(w, err)
		return
	}

	var req sampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, NewError(KindBadArguments, "malformed request body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, NewError(KindBadArguments, "messages is required"))
		return
	}
	for _, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			writeError(w, NewError(KindBadArguments, "message role must be user or assistant"))
			return
		}
	}

	if denied := s.checkPolicy(&req); denied != nil {
		s.audit.LogSamplingDenied(ctx, s.session.ExecutionID, req.Model, denied.Message)
		s.countSample(req.Model, "denied")
		writeError(w, denied)
		return
	}

	// Reserve a round before dispatch. The reservation rolls back if the
	// provider request fails outright.
	if quotaErr := s.reserveRound(); quotaErr != nil {
		s.audit.LogSamplingDenied(ctx, s.session.ExecutionID, req.Model, quotaErr.Message)
		s.countSample(req.Model, "quota_exceeded")
		writeError(w, quotaErr)
		return
	}

	s.audit.LogSamplingRequest(ctx, s.session.ExecutionID, req.Model, hashMessages(req.Messages), req.MaxTokens)

	llmReq := &llm.Request{
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Messages:     req.Messages,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	if req.Stream {
		s.streamSample(reqCtx, w, llmReq)
		return
	}

	resp, err := s.provider.Complete(reqCtx, llmReq)
	if err != nil {
		s.rollbackRound()
		s.countSample(req.Model, "error")
		s.logger.Warn("sampling request failed", "model", req.Model, "error", err)
		writeError(w, NewError(KindUpstreamError, "model request failed"))
		return
	}

	if !s.commitTokensChecked(resp.Model, resp.InputTokens, resp.OutputTokens) {
		s.countSample(req.Model, "quota_exceeded")
		writeError(w, NewError(KindQuotaExceeded, "sampling token quota exhausted (%d tokens)", s.config.MaxTokens))
		return
	}
	s.countSample(req.Model, "success")

	writeJSON(w, http.StatusOK, sampleResponse{
		Content:    []contentBlock{{Type: "text", Text: s.redactor.Redact(resp.Text)}},
		StopReason: resp.StopReason,
		Model:      resp.Model,
		Usage:      tokenUsage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens},
	})
}

// streamSample serves a sampling request as Server-Sent Events. Each text
// chunk is redacted before it leaves the broker. If the stream fails before
// producing anything, the round reservation rolls back.
func (s *SamplingServer) streamSample(ctx context.Context, w http.ResponseWriter, req *llm.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.rollbackRound()
		writeError(w, NewError(KindInternal, "streaming unsupported"))
		return
	}

	chunks, err := s.provider.Stream(ctx, req)
	if err != nil {
		s.rollbackRound()
		s.countSample(req.Model, "error")
		writeError(w, NewError(KindUpstreamError, "model request failed"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	produced := false
	for chunk := range chunks {
		if chunk.Error != nil {
			if !produced {
				s.rollbackRound()
			}
			s.countSample(req.Model, "error")
			s.logger.Warn("sampling stream failed", "model", req.Model, "error", chunk.Error)
			writeSSE(w, flusher, map[string]any{
				"error": Error{Kind: KindUpstreamError, Message: "model stream failed"},
			})
			return
		}

		if chunk.Text != "" {
			produced = true
			writeSSE(w, flusher, map[string]any{
				"type":    "chunk",
				"content": s.redactor.Redact(chunk.Text),
			})
		}

		if chunk.Done {
			// Token spend is only known at stream end. Overflow forfeits
			// the round and the sandbox sees an error instead of a done.
			if !s.commitTokensChecked(req.Model, chunk.InputTokens, chunk.OutputTokens) {
				s.countSample(req.Model, "quota_exceeded")
				writeSSE(w, flusher, map[string]any{
					"error": Error{Kind: KindQuotaExceeded, Message: "sampling token quota exhausted"},
				})
				return
			}
			s.countSample(req.Model, "success")
			writeSSE(w, flusher, map[string]any{
				"type":       "done",
				"stopReason": chunk.StopReason,
				"usage":      tokenUsage{InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens},
			})
			return
		}
	}
}

// checkPolicy enforces the model and system prompt allowlists.
func (s *SamplingServer) checkPolicy(req *sampleRequest) *Error {
	if req.Model != "" && !s.allowedModels[req.Model] {
		return NewError(KindForbidden, "model %q is not allowed", req.Model)
	}
	if req.SystemPrompt != "" && !s.allowedPrompts[req.SystemPrompt] {
		return NewError(KindForbidden, "system prompt is not allowed")
	}
	return nil
}

// reserveRound claims one sampling round if quota remains.
func (s *SamplingServer) reserveRound() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.roundsUsed >= s.config.MaxRounds {
		return NewError(KindQuotaExceeded, "sampling round quota exhausted (%d rounds)", s.config.MaxRounds)
	}
	if s.tokensUsed >= s.config.MaxTokens {
		return NewError(KindQuotaExceeded, "sampling token quota exhausted (%d tokens)", s.config.MaxTokens)
	}
	s.roundsUsed++
	return nil
}

// rollbackRound returns a round reservation after a failed request.
func (s *SamplingServer) rollbackRound() {
	s.mu.Lock()
	if s.roundsUsed > 0 {
		s.roundsUsed--
	}
	s.mu.Unlock()
}

// commitTokensChecked records token spend only if it fits the quota. On
// overflow the round reservation is returned and nothing is recorded.
func (s *SamplingServer) commitTokensChecked(model string, input, output int) bool {
	s.mu.Lock()
	if s.tokensUsed+input+output > s.config.MaxTokens {
		if s.roundsUsed > 0 {
			s.roundsUsed--
		}
		s.mu.Unlock()
		return false
	}
	s.tokensUsed += input + output
	s.mu.Unlock()

	s.tokenMetrics(model, input, output)
	return true
}

func (s *SamplingServer) tokenMetrics(model string, input, output int) {
	if s.metrics != nil {
		s.metrics.SamplingTokens.WithLabelValues(model, "input").Add(float64(input))
		s.metrics.SamplingTokens.WithLabelValues(model, "output").Add(float64(output))
	}
}

func (s *SamplingServer) countSample(model, status string) {
	if s.metrics != nil {
		if model == "" {
			model = "default"
		}
		s.metrics.SamplingCounter.WithLabelValues(model, status).Inc()
	}
}

// writeSSE writes one Server-Sent Event and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// hashMessages hashes the conversation for audit logging (first 16 hex
// chars). Prompt text never reaches the audit trail verbatim.
func hashMessages(messages []llm.Message) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
