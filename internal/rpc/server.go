// Package rpc exposes the execute-code surface over JSON-RPC 2.0 on
// line-delimited stdio. One request per line in, one response per line out;
// requests are served concurrently and responses may interleave.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/haasonsaas/codebroker/internal/handler"
	"github.com/haasonsaas/codebroker/internal/sandbox"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// maxLineSize bounds one request line.
const maxLineSize = 10 * 1024 * 1024

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server reads requests from one stream and writes responses to another.
type Server struct {
	executor *handler.Executor
	logger   *slog.Logger

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewServer creates a stdio JSON-RPC server around the executor.
func NewServer(executor *handler.Executor, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		executor: executor,
		logger:   logger.With("component", "rpc"),
		in:       in,
		out:      out,
	}
}

// Serve processes requests until the input stream closes or the context is
// cancelled, then waits for in-flight requests to finish.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		default:
		}

		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(response{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: codeParseError, Message: "parse error"},
			})
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, &req)
		}()
	}

	s.wg.Wait()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading requests: %w", err)
	}
	return nil
}

// dispatch routes one request to its handler and writes the response.
func (s *Server) dispatch(ctx context.Context, req *request) {
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.writeError(req.ID, codeInvalidRequest, "invalid request")
		return
	}

	switch req.Method {
	case "executeTypescript":
		s.handleExecute(ctx, req, sandbox.LanguageTypeScript)
	case "executePython":
		s.handleExecute(ctx, req, sandbox.LanguagePython)
	case "health":
		s.writeResult(req.ID, s.executor.Health())
	default:
		s.writeError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

// handleExecute runs one execute-code request.
func (s *Server) handleExecute(ctx context.Context, req *request, language string) {
	var execReq handler.Request
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &execReq); err != nil {
			s.writeError(req.ID, codeInvalidParams, fmt.Sprintf("invalid params: %v", err))
			return
		}
	}
	execReq.Language = language

	result, err := s.executor.Execute(ctx, &execReq)
	if err != nil {
		s.writeError(req.ID, codeInvalidParams, err.Error())
		return
	}
	s.writeResult(req.ID, result)
}

func (s *Server) writeResult(id json.RawMessage, result any) {
	s.writeResponse(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(id json.RawMessage, code int, message string) {
	s.writeResponse(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

// writeResponse writes one response line. Writes are serialized so
// concurrent handlers never interleave bytes.
func (s *Server) writeResponse(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshaling response", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("writing response", "error", err)
	}
}
