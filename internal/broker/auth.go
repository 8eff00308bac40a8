package broker

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// MintToken generates a 256-bit bearer token, hex encoded. Each sandbox
// execution gets a fresh token; tokens never outlive the execution.
func MintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// checkBearer verifies the Authorization header against the expected token
// in constant time. An empty expected token rejects everything.
func checkBearer(r *http.Request, expected string) bool {
	if expected == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	presented := strings.TrimPrefix(header, prefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// Session binds one sandbox execution to its broker-side state: its bearer
// token, the tools it may call, and its sampling budget.
type Session struct {
	// ExecutionID is the unique identifier of the sandbox execution.
	ExecutionID string

	// ClientID identifies the originating client for rate limiting.
	ClientID string

	// Token is the per-execution bearer token shared with the sandbox.
	Token string

	// AllowedTools is the tool-call allowlist of namespaced tool IDs.
	// Discovery intentionally ignores it; dispatch enforces it.
	AllowedTools map[string]bool

	// allowedList preserves the de-duplicated allowlist in submission
	// order for error responses.
	allowedList []string
}

// NewSession creates a session with a freshly minted token.
func NewSession(executionID, clientID string, allowedTools []string) (*Session, error) {
	token, err := MintToken()
	if err != nil {
		return nil, err
	}

	allow := make(map[string]bool, len(allowedTools))
	ordered := make([]string, 0, len(allowedTools))
	for _, id := range allowedTools {
		if !allow[id] {
			ordered = append(ordered, id)
		}
		allow[id] = true
	}

	return &Session{
		ExecutionID:  executionID,
		ClientID:     clientID,
		Token:        token,
		AllowedTools: allow,
		allowedList:  ordered,
	}, nil
}

// ToolAllowed reports whether the session may invoke the given tool ID.
func (s *Session) ToolAllowed(toolID string) bool {
	return s.AllowedTools[toolID]
}

// Allowlist returns the allowlist in submission order.
func (s *Session) Allowlist() []string {
	return s.allowedList
}
