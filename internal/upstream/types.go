// Package upstream federates tool backends over stdio and HTTP transports
// and brokers tool calls to them through circuit breakers and an admission
// pool.
package upstream

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ToolPrefix is the fixed leading component of every federated tool identifier.
const ToolPrefix = "mcp"

var (
	serverNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)
	toolNameRe   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// FormatToolID builds the globally unique identifier mcp__<server>__<tool>.
func FormatToolID(server, tool string) string {
	return ToolPrefix + "__" + server + "__" + tool
}

// ParseToolID splits a federated tool identifier into its backend and tool
// components, rejecting malformed names.
func ParseToolID(id string) (server, tool string, err error) {
	parts := strings.SplitN(id, "__", 3)
	if len(parts) != 3 || parts[0] != ToolPrefix {
		return "", "", fmt.Errorf("malformed tool identifier %q: want %s__<server>__<tool>", id, ToolPrefix)
	}
	if !serverNameRe.MatchString(parts[1]) {
		return "", "", fmt.Errorf("malformed tool identifier %q: invalid server name %q", id, parts[1])
	}
	if !toolNameRe.MatchString(parts[2]) {
		return "", "", fmt.Errorf("malformed tool identifier %q: invalid tool name %q", id, parts[2])
	}
	return parts[1], parts[2], nil
}

// TransportType specifies the backend transport protocol.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
)

// BackendStatus tracks the connection lifecycle of a backend.
type BackendStatus string

const (
	StatusUnconnected BackendStatus = "unconnected"
	StatusConnected   BackendStatus = "connected"
	StatusFailed      BackendStatus = "failed"
)

// ServerConfig holds configuration for one tool backend.
type ServerConfig struct {
	// Name is the backend identifier used in tool IDs; lowercase
	// alphanumeric plus underscore.
	Name      string        `yaml:"name" json:"name"`
	Transport TransportType `yaml:"transport" json:"transport"`

	// Stdio transport options
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// HTTP transport options
	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// Timeout bounds each JSON-RPC call to the backend.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate checks the server configuration for security issues.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("backend name is required")
	}
	if !serverNameRe.MatchString(c.Name) {
		return fmt.Errorf("backend name %q must be lowercase alphanumeric plus underscore", c.Name)
	}

	switch c.Transport {
	case TransportStdio, "":
		return c.validateStdioConfig()
	case TransportHTTP:
		return c.validateHTTPConfig()
	default:
		return fmt.Errorf("backend %s: unknown transport %q", c.Name, c.Transport)
	}
}

func (c *ServerConfig) validateStdioConfig() error {
	if c.Command == "" {
		return fmt.Errorf("stdio config for %s: command is required", c.Name)
	}

	if err := validatePath(c.Command, "command"); err != nil {
		return fmt.Errorf("stdio config for %s: %w", c.Name, err)
	}
	if c.WorkDir != "" {
		if err := validatePath(c.WorkDir, "workdir"); err != nil {
			return fmt.Errorf("stdio config for %s: %w", c.Name, err)
		}
	}

	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("stdio config for %s: arg[%d] contains suspicious shell metacharacters: %q", c.Name, i, arg)
		}
	}

	return nil
}

func (c *ServerConfig) validateHTTPConfig() error {
	if c.URL == "" {
		return fmt.Errorf("http config for %s: URL is required", c.Name)
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("http config for %s: URL must start with http:// or https://", c.Name)
	}
	return nil
}

// validatePath checks a path for traversal attacks.
func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}

	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}

	return nil
}

// containsShellMetachars checks for shell metacharacters that could indicate injection.
func containsShellMetachars(s string) bool {
	// Only flag patterns that suggest command chaining; spaces and quotes
	// are common in legitimate args.
	dangerousPatterns := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// Tool is a tool definition as reported by a backend.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ToolCallResult holds the result of calling a backend tool.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent holds a piece of content from a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text concatenates the text content blocks of a result.
func (r *ToolCallResult) Text() string {
	var sb strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// JSON-RPC types

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no ID).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ServerInfo holds identity information reported by a backend.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
