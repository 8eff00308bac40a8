// Package broker hosts the loopback HTTP surfaces the sandbox talks to:
// the tool-call broker with discovery, the sampling broker, and the output
// stream. Every surface authenticates with a per-execution bearer token.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/haasonsaas/codebroker/internal/infra"
	"github.com/haasonsaas/codebroker/internal/upstream"
)

// Kind classifies a broker error for transport mapping.
type Kind string

const (
	KindBadArguments        Kind = "bad_arguments"
	KindForbidden           Kind = "forbidden"
	KindRateLimited         Kind = "rate_limited"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindUpstreamError       Kind = "upstream_error"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindTimeout             Kind = "timeout"
	KindSandboxUnavailable  Kind = "sandbox_unavailable"
	KindInternal            Kind = "internal"
)

// Error is the broker's uniform error shape. It crosses the loopback
// boundary as JSON, so the message must already be safe to show a sandbox.
type Error struct {
	Kind         Kind   `json:"kind"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`

	// AllowedTools accompanies allowlist denials so the sandbox can see
	// what it may call.
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus maps the error kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindBadArguments:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited, KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindUpstreamError, KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindSandboxUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds a broker error.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// classifyUpstream folds pool-level errors into broker error kinds.
func classifyUpstream(err error) *Error {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr
	}

	var invalidArgs *upstream.InvalidArgumentsError
	if errors.As(err, &invalidArgs) {
		return NewError(KindBadArguments, "%s", invalidArgs.Error())
	}
	var unknownBackend *upstream.UnknownBackendError
	if errors.As(err, &unknownBackend) {
		return NewError(KindBadArguments, "%s", unknownBackend.Error())
	}
	var unknownTool *upstream.UnknownToolError
	if errors.As(err, &unknownTool) {
		return NewError(KindBadArguments, "%s", unknownTool.Error())
	}

	switch {
	case errors.Is(err, infra.ErrCircuitOpen):
		return NewError(KindUpstreamUnavailable, "backend is temporarily unavailable")
	case errors.Is(err, infra.ErrQueueFull):
		return NewError(KindUpstreamUnavailable, "upstream call queue is full")
	case errors.Is(err, infra.ErrQueueExpired):
		return NewError(KindTimeout, "upstream call expired waiting for a slot")
	case errors.Is(err, infra.ErrDraining):
		return NewError(KindUpstreamUnavailable, "broker is shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, "upstream call timed out")
	default:
		return NewError(KindUpstreamError, "%v", err)
	}
}
