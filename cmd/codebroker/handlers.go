package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/codebroker/internal/audit"
	"github.com/haasonsaas/codebroker/internal/broker"
	"github.com/haasonsaas/codebroker/internal/config"
	"github.com/haasonsaas/codebroker/internal/handler"
	"github.com/haasonsaas/codebroker/internal/llm"
	"github.com/haasonsaas/codebroker/internal/observability"
	"github.com/haasonsaas/codebroker/internal/ratelimit"
	"github.com/haasonsaas/codebroker/internal/rpc"
	"github.com/haasonsaas/codebroker/internal/sandbox"
	"github.com/haasonsaas/codebroker/internal/schemacache"
	"github.com/haasonsaas/codebroker/internal/upstream"
)

// shutdownTimeout bounds backend pool teardown on exit.
const shutdownTimeout = 10 * time.Second

// runServe starts the full broker stack and serves JSON-RPC on stdio.
func runServe(ctx context.Context, configPath string, debug bool) error {
	executor, pool, auditLogger, err := buildStack(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		pool.Shutdown(shutdownCtx)
		if auditLogger != nil {
			auditLogger.Close()
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := rpc.NewServer(executor, os.Stdin, os.Stdout, nil)
	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runHealth connects the backends once and prints the report as JSON.
func runHealth(ctx context.Context, configPath string) error {
	executor, pool, auditLogger, err := buildStack(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		pool.Shutdown(shutdownCtx)
		if auditLogger != nil {
			auditLogger.Close()
		}
	}()

	report := executor.Health()
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if report.Status != "ok" {
		return fmt.Errorf("broker is %s", report.Status)
	}
	return nil
}

// buildStack wires the process-wide components from configuration.
func buildStack(ctx context.Context, configPath string, debug bool) (*handler.Executor, *upstream.Pool, *audit.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	// Stdout carries JSON-RPC responses; everything else goes to stderr.
	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	logger := obsLogger.Slog()

	auditLogger, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("audit log: %w", err)
	}

	metrics := observability.NewMetrics()

	schemas := schemacache.New(schemacache.Config{
		MaxEntries:  cfg.SchemaCache.MaxEntries,
		TTL:         cfg.SchemaCache.TTL,
		PersistPath: cfg.SchemaCache.PersistPath,
	}, logger)

	servers := make([]*upstream.ServerConfig, len(cfg.Backends))
	for i := range cfg.Backends {
		servers[i] = &cfg.Backends[i]
	}

	pool, err := upstream.NewPool(upstream.PoolConfig{
		Servers:   servers,
		Admission: cfg.AdmissionPoolConfig(),
		Breaker:   cfg.BreakerPoolConfig(),
	}, schemas, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := pool.Start(ctx); err != nil {
		return nil, nil, nil, err
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	supervisor := sandbox.NewSupervisor(cfg.Sandbox, auditLogger, metrics, logger)

	var provider llm.Provider
	apiKey := cfg.Anthropic.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey != "" {
		p, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      cfg.Anthropic.BaseURL,
			DefaultModel: cfg.Anthropic.DefaultModel,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		provider = p
	}

	executor := handler.NewExecutor(handler.ExecutorOptions{
		Pool:       pool,
		Supervisor: supervisor,
		Provider:   provider,
		Limiter:    limiter,
		Redactor:   observability.NewRedactor(),
		Audit:      auditLogger,
		Metrics:    metrics,
		Logger:     logger,
		SamplingConfig: broker.SamplingConfig{
			MaxRounds:            cfg.Sampling.MaxRounds,
			MaxTokens:            cfg.Sampling.MaxTokens,
			AllowedModels:        cfg.Sampling.AllowedModels,
			AllowedSystemPrompts: cfg.Sampling.AllowedSystemPrompts,
			RequestTimeout:       cfg.Sampling.RequestTimeout,
		},
	})

	return executor, pool, auditLogger, nil
}
