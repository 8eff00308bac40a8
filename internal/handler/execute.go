// Package handler implements the top-level execute-code operation: it
// assembles the per-execution brokers, runs the sandbox, and consolidates
// the outcome into a single result record.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/codebroker/internal/audit"
	"github.com/haasonsaas/codebroker/internal/broker"
	"github.com/haasonsaas/codebroker/internal/llm"
	"github.com/haasonsaas/codebroker/internal/observability"
	"github.com/haasonsaas/codebroker/internal/ratelimit"
	"github.com/haasonsaas/codebroker/internal/sandbox"
	"github.com/haasonsaas/codebroker/internal/upstream"
)

// teardownTimeout bounds each broker's shutdown drain.
const teardownTimeout = 5 * time.Second

// Request is one execute-code invocation. Language comes from the RPC
// method, everything else from the request body.
type Request struct {
	Language string `json:"-"`
	Code     string `json:"code"`

	AllowedTools []string            `json:"allowedTools"`
	Permissions  sandbox.Permissions `json:"permissions,omitempty"`

	// TimeoutMs is the wall clock limit in milliseconds. Zero means the
	// supervisor default.
	TimeoutMs int `json:"timeout,omitempty"`

	EnableSampling        bool     `json:"enableSampling,omitempty"`
	MaxSamplingRounds     int      `json:"maxSamplingRounds,omitempty"`
	MaxSamplingTokens     int      `json:"maxSamplingTokens,omitempty"`
	AllowedSamplingModels []string `json:"allowedSamplingModels,omitempty"`
	SamplingSystemPrompt  string   `json:"samplingSystemPrompt,omitempty"`

	Streaming                 bool `json:"streaming,omitempty"`
	SkipDangerousPatternCheck bool `json:"skipDangerousPatternCheck,omitempty"`

	// ClientID scopes rate-limit buckets. Defaults to "default".
	ClientID string `json:"clientId,omitempty"`
}

// SamplingMetrics reports quota consumption for one execution.
type SamplingMetrics struct {
	RoundsUsed int `json:"roundsUsed"`
	TokensUsed int `json:"tokensUsed"`
	MaxRounds  int `json:"maxRounds"`
	MaxTokens  int `json:"maxTokens"`
}

// Result is the consolidated outcome of one execution.
type Result struct {
	ExecutionID string `json:"executionId"`
	Success     bool   `json:"success"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"errorKind,omitempty"`
	DurationMs  int64  `json:"durationMs"`

	ToolsCalled []broker.Invocation `json:"toolsCalled"`
	ToolSummary []broker.ToolUsage  `json:"toolSummary"`

	SamplingMetrics *SamplingMetrics `json:"samplingMetrics,omitempty"`

	// StreamEndpoint is the websocket URL for live output, set only when
	// streaming was requested and the stream broker started.
	StreamEndpoint string `json:"streamEndpoint,omitempty"`
}

// Executor owns the process-wide collaborators and assembles per-execution
// brokers around each request.
type Executor struct {
	pool       *upstream.Pool
	supervisor *sandbox.Supervisor
	provider   llm.Provider
	limiter    *ratelimit.Limiter
	redactor   *observability.Redactor
	audit      *audit.Logger
	metrics    *observability.Metrics
	logger     *slog.Logger

	toolConfig     broker.ToolServerConfig
	samplingConfig broker.SamplingConfig
}

// ExecutorOptions configures a new Executor.
type ExecutorOptions struct {
	Pool       *upstream.Pool
	Supervisor *sandbox.Supervisor
	Provider   llm.Provider
	Limiter    *ratelimit.Limiter
	Redactor   *observability.Redactor
	Audit      *audit.Logger
	Metrics    *observability.Metrics
	Logger     *slog.Logger

	ToolConfig     broker.ToolServerConfig
	SamplingConfig broker.SamplingConfig
}

// NewExecutor creates the execute-code handler.
func NewExecutor(opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		pool:           opts.Pool,
		supervisor:     opts.Supervisor,
		provider:       opts.Provider,
		limiter:        opts.Limiter,
		redactor:       opts.Redactor,
		audit:          opts.Audit,
		metrics:        opts.Metrics,
		logger:         logger.With("component", "executor"),
		toolConfig:     opts.ToolConfig,
		samplingConfig: opts.SamplingConfig,
	}
}

// Execute runs one snippet end to end. Broker or sandbox failures come back
// inside the Result; the error return is reserved for invalid requests.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req.Code == "" {
		return nil, errors.New("code is required")
	}
	if req.Language != sandbox.LanguageTypeScript && req.Language != sandbox.LanguagePython {
		return nil, fmt.Errorf("unsupported language: %s", req.Language)
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = "default"
	}

	executionID := uuid.NewString()
	logger := e.logger.With("execution_id", executionID)

	session, err := broker.NewSession(executionID, clientID, req.AllowedTools)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	tracker := broker.NewTracker()

	// Output stream is optional and non-critical.
	var stream *broker.StreamServer
	if req.Streaming {
		stream = broker.NewStreamServer(session, e.metrics, logger)
		if err := stream.Start(); err != nil {
			logger.Warn("output stream unavailable, continuing without it", "error", err)
			stream = nil
		}
	}

	toolServer := broker.NewToolServer(e.toolConfig, session, e.pool, e.limiter, tracker, e.audit, e.metrics, logger)
	if err := toolServer.Start(); err != nil {
		e.teardown(stream, nil, nil)
		return failedResult(executionID, broker.KindSandboxUnavailable,
			fmt.Sprintf("starting tool broker: %v", err)), nil
	}

	var samplingServer *broker.SamplingServer
	samplingCfg := e.samplingConfig
	if req.EnableSampling {
		if e.provider == nil {
			e.teardown(stream, toolServer, nil)
			return failedResult(executionID, broker.KindSandboxUnavailable,
				"sampling requested but no provider is configured"), nil
		}
		if req.MaxSamplingRounds > 0 {
			samplingCfg.MaxRounds = req.MaxSamplingRounds
		}
		if req.MaxSamplingTokens > 0 {
			samplingCfg.MaxTokens = req.MaxSamplingTokens
		}
		if len(req.AllowedSamplingModels) > 0 {
			samplingCfg.AllowedModels = req.AllowedSamplingModels
		}
		if req.SamplingSystemPrompt != "" {
			samplingCfg.AllowedSystemPrompts = append(samplingCfg.AllowedSystemPrompts, req.SamplingSystemPrompt)
		}
		samplingServer = broker.NewSamplingServer(samplingCfg, session, e.provider, e.limiter, e.redactor, e.audit, e.metrics, logger)
		if err := samplingServer.Start(); err != nil {
			e.teardown(stream, toolServer, nil)
			return failedResult(executionID, broker.KindSandboxUnavailable,
				fmt.Sprintf("starting sampling broker: %v", err)), nil
		}
	}
	defer e.teardown(stream, toolServer, samplingServer)

	execReq := &sandbox.ExecRequest{
		ExecutionID: executionID,
		Language:    req.Language,
		Code:        req.Code,
		Preamble: sandbox.PreambleParams{
			Token:        session.Token,
			ToolAddr:     toolServer.Addr(),
			SamplingAddr: samplingAddr(samplingServer),
		},
		Permissions:      req.Permissions,
		Timeout:          time.Duration(req.TimeoutMs) * time.Millisecond,
		SkipPatternCheck: req.SkipDangerousPatternCheck,
	}
	if stream != nil {
		execReq.OnOutput = func(streamName, line string) {
			stream.Publish(broker.OutputEvent{Stream: streamName, Line: line})
		}
	}

	sandboxResult, err := e.supervisor.Execute(ctx, execReq)
	if err != nil {
		kind := broker.KindInternal
		switch {
		case errors.Is(err, sandbox.ErrSpawn):
			kind = broker.KindSandboxUnavailable
		case errors.Is(err, sandbox.ErrBlockedCode):
			kind = broker.KindForbidden
		}
		result := failedResult(executionID, kind, err.Error())
		result.ToolsCalled = tracker.Invocations()
		result.ToolSummary = tracker.Summary()
		return result, nil
	}

	result := &Result{
		ExecutionID: executionID,
		Success:     !sandboxResult.TimedOut && sandboxResult.ExitCode == 0,
		Stdout:      sandboxResult.Stdout,
		Stderr:      sandboxResult.Stderr,
		DurationMs:  sandboxResult.Duration.Milliseconds(),
		ToolsCalled: tracker.Invocations(),
		ToolSummary: tracker.Summary(),
	}

	switch {
	case sandboxResult.TimedOut:
		result.Error = fmt.Sprintf("Execution timeout after %dms", sandboxResult.Timeout.Milliseconds())
		result.ErrorKind = string(broker.KindTimeout)
	case sandboxResult.ExitCode != 0:
		result.Error = sandboxResult.Stderr
		result.ErrorKind = string(broker.KindInternal)
	}

	if samplingServer != nil {
		rounds, tokens := samplingServer.Usage()
		result.SamplingMetrics = &SamplingMetrics{
			RoundsUsed: rounds,
			TokensUsed: tokens,
			MaxRounds:  samplingCfg.MaxRounds,
			MaxTokens:  samplingCfg.MaxTokens,
		}
	}
	if stream != nil {
		result.StreamEndpoint = "ws://" + stream.Addr() + "/stream"
		exitCode := sandboxResult.ExitCode
		stream.Publish(broker.OutputEvent{Type: "complete", ExitCode: &exitCode})
	}

	return result, nil
}

// teardown stops the brokers in a fixed order with bounded waits. Cleanup
// errors are logged, never surfaced.
func (e *Executor) teardown(stream *broker.StreamServer, tool *broker.ToolServer, sampling *broker.SamplingServer) {
	shutdown := func(name string, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			e.logger.Warn("broker shutdown error", "broker", name, "error", err)
		}
	}

	if stream != nil {
		shutdown("stream", stream.Shutdown)
	}
	if tool != nil {
		shutdown("tool", tool.Shutdown)
	}
	if sampling != nil {
		shutdown("sampling", sampling.Shutdown)
	}
}

func samplingAddr(s *broker.SamplingServer) string {
	if s == nil {
		return ""
	}
	return s.Addr()
}

// failedResult builds an error result for a broker or sandbox failure.
func failedResult(executionID string, kind broker.Kind, message string) *Result {
	return &Result{
		ExecutionID: executionID,
		Success:     false,
		Error:       message,
		ErrorKind:   string(kind),
		ToolsCalled: []broker.Invocation{},
		ToolSummary: []broker.ToolUsage{},
	}
}
