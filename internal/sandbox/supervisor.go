package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/codebroker/internal/audit"
	"github.com/haasonsaas/codebroker/internal/observability"
)

const (
	// defaultTimeout bounds an execution when the request does not set one.
	defaultTimeout = 30 * time.Second

	// maxTimeout is the hard ceiling regardless of the requested value.
	maxTimeout = 5 * time.Minute

	// maxCapturedOutput caps the stdout and stderr bytes retained in the
	// result. Streaming delivery is unaffected.
	maxCapturedOutput = 64 * 1024

	// scanBufferSize accommodates long single-line output.
	scanBufferSize = 1024 * 1024
)

// Config holds sandbox supervisor settings.
type Config struct {
	// DenoPath is the deno binary used for TypeScript. Default: "deno".
	DenoPath string `yaml:"deno_path"`

	// PythonPath is the python binary used for Python. Default: "python3".
	PythonPath string `yaml:"python_path"`

	// ScratchDir is where generated scripts are written. Default: os.TempDir().
	ScratchDir string `yaml:"scratch_dir"`

	// Timeout is the default per-execution wall clock limit.
	Timeout time.Duration `yaml:"timeout"`

	// SkipPatternCheck disables the dangerous-pattern pre-scan.
	SkipPatternCheck bool `yaml:"skip_pattern_check"`

	// BlockOnFindings rejects executions whose code matches a dangerous
	// pattern instead of just logging them.
	BlockOnFindings bool `yaml:"block_on_findings"`
}

// DefaultConfig returns the default sandbox configuration.
func DefaultConfig() Config {
	return Config{
		DenoPath:   "deno",
		PythonPath: "python3",
		ScratchDir: os.TempDir(),
		Timeout:    defaultTimeout,
	}
}

// Permissions are the caller-granted filesystem and network reach of one
// execution. Loopback and /tmp are always granted on top of these so the
// broker plane stays reachable.
type Permissions struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
	Net   []string `json:"net,omitempty"`
}

// ExecRequest describes one snippet execution.
type ExecRequest struct {
	ExecutionID string
	Language    string
	Code        string

	// Preamble carries the session token and broker addresses rendered
	// into the helper preamble.
	Preamble PreambleParams

	// Permissions widen the sandbox beyond loopback and /tmp. Enforced by
	// the Deno permission flags; Python relies on the broker plane alone.
	Permissions Permissions

	// Timeout overrides the configured default when positive.
	Timeout time.Duration

	// SkipPatternCheck bypasses the pre-scan for this execution only.
	SkipPatternCheck bool

	// OnOutput receives each output line as it is produced. The stream
	// argument is "stdout" or "stderr". May be nil.
	OnOutput func(stream, line string)
}

// Result is the outcome of a completed (or killed) execution.
type Result struct {
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`

	// Timeout is the effective wall clock limit the run was held to.
	Timeout time.Duration `json:"timeout"`
	CodeHash string        `json:"code_hash"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Findings []Finding     `json:"findings,omitempty"`
}

// ErrBlockedCode is returned when the pre-scan rejects an execution.
var ErrBlockedCode = errors.New("code matches a blocked pattern")

// ErrSpawn is returned when the runtime binary cannot be started.
var ErrSpawn = errors.New("sandbox runtime unavailable")

// Supervisor runs snippets in child processes with a wall clock limit and
// line-oriented output streaming.
type Supervisor struct {
	config  Config
	audit   *audit.Logger
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewSupervisor creates a sandbox supervisor.
func NewSupervisor(config Config, auditLogger *audit.Logger, metrics *observability.Metrics, logger *slog.Logger) *Supervisor {
	if config.DenoPath == "" {
		config.DenoPath = "deno"
	}
	if config.PythonPath == "" {
		config.PythonPath = "python3"
	}
	if config.ScratchDir == "" {
		config.ScratchDir = os.TempDir()
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		config:  config,
		audit:   auditLogger,
		metrics: metrics,
		logger:  logger.With("component", "sandbox"),
	}
}

// Execute runs one snippet and returns its result. A timed-out execution is
// not an error; the result carries TimedOut and exit code -1.
func (s *Supervisor) Execute(ctx context.Context, req *ExecRequest) (*Result, error) {
	if req.Language != LanguageTypeScript && req.Language != LanguagePython {
		return nil, fmt.Errorf("unsupported language: %s", req.Language)
	}

	var findings []Finding
	if !s.config.SkipPatternCheck && !req.SkipPatternCheck {
		findings = ScanCode(req.Language, req.Code)
		if len(findings) > 0 {
			s.logger.Warn("dangerous patterns in submitted code",
				"execution_id", req.ExecutionID,
				"patterns", FindingSummary(findings))
			if s.config.BlockOnFindings {
				return nil, fmt.Errorf("%w: %s", ErrBlockedCode, FindingSummary(findings))
			}
		}
	}

	script, err := BuildScript(req.Language, req.Code, req.Preamble)
	if err != nil {
		return nil, err
	}

	scriptPath, codeHash, err := s.writeScratch(req.Language, script)
	if err != nil {
		return nil, fmt.Errorf("writing scratch file: %w", err)
	}
	defer os.Remove(scriptPath)

	timeout := s.effectiveTimeout(req.Timeout)

	if s.audit != nil {
		s.audit.LogExecutionStart(ctx, req.ExecutionID, req.Language, codeHash)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := s.buildCommand(execCtx, req, scriptPath)

	start := time.Now()
	result, runErr := s.run(execCtx, cmd, req)
	duration := time.Since(start)

	if runErr != nil {
		if s.metrics != nil {
			s.metrics.ExecutionCounter.WithLabelValues(req.Language, "error").Inc()
		}
		return nil, runErr
	}

	result.Duration = duration
	result.Timeout = timeout
	result.CodeHash = codeHash
	result.Findings = findings

	s.checkScratchIntegrity(scriptPath, codeHash, req.ExecutionID)

	status := "ok"
	if result.TimedOut {
		status = "timeout"
	} else if result.ExitCode != 0 {
		status = "nonzero_exit"
	}
	if s.metrics != nil {
		s.metrics.ExecutionCounter.WithLabelValues(req.Language, status).Inc()
		s.metrics.ExecutionDuration.WithLabelValues(req.Language).Observe(duration.Seconds())
	}
	if s.audit != nil {
		s.audit.LogExecutionFinish(ctx, req.ExecutionID, result.ExitCode, result.TimedOut, duration)
	}

	s.logger.Info("execution finished",
		"execution_id", req.ExecutionID,
		"language", req.Language,
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"duration_ms", duration.Milliseconds())

	return result, nil
}

// effectiveTimeout resolves the wall clock limit for one execution: the
// requested value when positive, otherwise the configured default, capped
// at maxTimeout either way.
func (s *Supervisor) effectiveTimeout(requested time.Duration) time.Duration {
	timeout := requested
	if timeout <= 0 {
		timeout = s.config.Timeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	return timeout
}

// writeScratch writes the rendered script to a fresh file and returns its
// path and content hash. The write goes through a temp name and a rename so
// the runtime never sees a partial file.
func (s *Supervisor) writeScratch(language, script string) (path, hash string, err error) {
	sum := sha256.Sum256([]byte(script))
	hash = hex.EncodeToString(sum[:])

	f, err := os.CreateTemp(s.config.ScratchDir, "codebroker-*.tmp")
	if err != nil {
		return "", "", err
	}
	tmpPath := f.Name()

	if _, err := f.WriteString(script); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", "", err
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", "", err
	}

	finalPath := tmpPath[:len(tmpPath)-len(".tmp")] + ScriptExtension(language)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", "", err
	}
	return finalPath, hash, nil
}

// buildCommand constructs the runtime invocation with a minimal environment.
// Deno enforces the permission grants and heap limit via flags; Python has no
// equivalent flags, so its containment is the broker plane, the minimal
// environment, and the preamble's address-space rlimit.
func (s *Supervisor) buildCommand(ctx context.Context, req *ExecRequest, scriptPath string) *exec.Cmd {
	var cmd *exec.Cmd
	switch req.Language {
	case LanguageTypeScript:
		scratchDir := filepath.Dir(scriptPath)
		args := []string{
			"run", "--quiet", "--no-prompt",
			"--v8-flags=--max-old-space-size=128",
			"--allow-net=" + joinGrants([]string{"127.0.0.1"}, req.Permissions.Net),
			"--allow-read=" + joinGrants([]string{scratchDir, os.TempDir()}, req.Permissions.Read),
			"--allow-write=" + joinGrants([]string{os.TempDir()}, req.Permissions.Write),
			scriptPath,
		}
		cmd = exec.CommandContext(ctx, s.config.DenoPath, args...)
	case LanguagePython:
		// -I isolates from user site-packages and environment variables,
		// -u unbuffers output so lines stream promptly.
		cmd = exec.CommandContext(ctx, s.config.PythonPath, "-I", "-u", scriptPath)
	}

	cmd.Env = minimalEnv()
	cmd.Dir = filepath.Dir(scriptPath)
	return cmd
}

// joinGrants merges the always-on grants with caller-supplied ones,
// de-duplicated, as a comma-separated flag value.
func joinGrants(always, extra []string) string {
	seen := make(map[string]bool, len(always)+len(extra))
	out := make([]string, 0, len(always)+len(extra))
	for _, v := range append(append([]string{}, always...), extra...) {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return strings.Join(out, ",")
}

// minimalEnv passes through only what the runtimes need to start.
func minimalEnv() []string {
	env := []string{"NO_COLOR=1"}
	for _, key := range []string{"PATH", "HOME", "TMPDIR", "DENO_DIR"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// run starts the process, streams its output, and waits for exit.
func (s *Supervisor) run(ctx context.Context, cmd *exec.Cmd, req *ExecRequest) (*Result, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pumpLines("stdout", stdout, &stdoutBuf, req)
	}()
	go func() {
		defer wg.Done()
		s.pumpLines("stderr", stderr, &stderrBuf, req)
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	result := &Result{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("waiting for runtime: %w", waitErr)
	}
	return result, nil
}

// pumpLines delivers each line to the stream callback and retains a capped
// copy for the result.
func (s *Supervisor) pumpLines(stream string, r io.Reader, buf *bytes.Buffer, req *ExecRequest) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)

	for scanner.Scan() {
		line := scanner.Text()
		if req.OnOutput != nil {
			req.OnOutput(stream, line)
		}
		if buf.Len() < maxCapturedOutput {
			remaining := maxCapturedOutput - buf.Len()
			if len(line)+1 > remaining {
				buf.WriteString(line[:remaining])
			} else {
				buf.WriteString(line)
				buf.WriteByte('\n')
			}
		}
	}
}

// checkScratchIntegrity re-hashes the scratch file after the run. A mismatch
// means something inside the sandbox modified its own script.
func (s *Supervisor) checkScratchIntegrity(path, wantHash, executionID string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("scratch file unreadable after execution",
			"execution_id", executionID, "error", err)
		return
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != wantHash {
		s.logger.Warn("scratch file modified during execution",
			"execution_id", executionID, "path", path)
	}
}
