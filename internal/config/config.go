// Package config loads and validates the broker configuration: YAML file,
// environment expansion, and a small set of environment overrides with hard
// validation bounds.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/codebroker/internal/audit"
	"github.com/haasonsaas/codebroker/internal/infra"
	"github.com/haasonsaas/codebroker/internal/ratelimit"
	"github.com/haasonsaas/codebroker/internal/sandbox"
	"github.com/haasonsaas/codebroker/internal/upstream"
)

// Validation bounds for admission sizing.
const (
	minConcurrent   = 1
	maxConcurrent   = 1000
	minQueueSize    = 1
	maxQueueSize    = 1000
	minQueueTimeout = 1000 * time.Millisecond
	maxQueueTimeout = 300000 * time.Millisecond
)

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// AdmissionConfig sizes the upstream admission pool.
type AdmissionConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	QueueSize      int `yaml:"queue_size"`
	QueueTimeoutMs int `yaml:"queue_timeout_ms"`
}

// BreakerConfig tunes the per-backend circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// SchemaCacheConfig sizes the tool schema cache.
type SchemaCacheConfig struct {
	MaxEntries  int           `yaml:"max_entries"`
	TTL         time.Duration `yaml:"ttl"`
	PersistPath string        `yaml:"persist_path"`
}

// SamplingConfig sets the process-wide sampling defaults. Per-execution
// requests may narrow but never widen them.
type SamplingConfig struct {
	MaxRounds            int           `yaml:"max_rounds"`
	MaxTokens            int           `yaml:"max_tokens"`
	AllowedModels        []string      `yaml:"allowed_models"`
	AllowedSystemPrompts []string      `yaml:"allowed_system_prompts"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
}

// AnthropicConfig configures the sampling provider.
type AnthropicConfig struct {
	// APIKey may reference an environment variable via ${VAR} expansion.
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// Config is the full broker configuration.
type Config struct {
	Log         LogConfig               `yaml:"log"`
	Audit       audit.Config            `yaml:"audit"`
	Backends    []upstream.ServerConfig `yaml:"backends"`
	Admission   AdmissionConfig         `yaml:"admission"`
	Breaker     BreakerConfig           `yaml:"breaker"`
	RateLimit   ratelimit.Config        `yaml:"rate_limit"`
	SchemaCache SchemaCacheConfig       `yaml:"schema_cache"`
	Sandbox     sandbox.Config          `yaml:"sandbox"`
	Sampling    SamplingConfig          `yaml:"sampling"`
	Anthropic   AnthropicConfig         `yaml:"anthropic"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	adm := infra.DefaultAdmissionConfig()
	return &Config{
		Log:   LogConfig{Level: "info", Format: "json"},
		Audit: audit.DefaultConfig(),
		Admission: AdmissionConfig{
			MaxConcurrent:  adm.MaxConcurrent,
			QueueSize:      adm.QueueMax,
			QueueTimeoutMs: int(adm.QueueTimeout / time.Millisecond),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		RateLimit: ratelimit.DefaultConfig(),
		SchemaCache: SchemaCacheConfig{
			MaxEntries: 1000,
			TTL:        24 * time.Hour,
		},
		Sandbox: sandbox.DefaultConfig(),
		Sampling: SamplingConfig{
			MaxRounds:      10,
			MaxTokens:      10000,
			RequestTimeout: 120 * time.Second,
		},
	}
}

// Validate checks the bounds that make a configuration safe to run with.
// Out-of-range values are startup errors, never silently clamped.
func (c *Config) Validate() error {
	if c.Admission.MaxConcurrent < minConcurrent || c.Admission.MaxConcurrent > maxConcurrent {
		return fmt.Errorf("admission.max_concurrent must be between %d and %d, got %d",
			minConcurrent, maxConcurrent, c.Admission.MaxConcurrent)
	}
	if c.Admission.QueueSize < minQueueSize || c.Admission.QueueSize > maxQueueSize {
		return fmt.Errorf("admission.queue_size must be between %d and %d, got %d",
			minQueueSize, maxQueueSize, c.Admission.QueueSize)
	}
	timeout := time.Duration(c.Admission.QueueTimeoutMs) * time.Millisecond
	if timeout < minQueueTimeout || timeout > maxQueueTimeout {
		return fmt.Errorf("admission.queue_timeout_ms must be between %d and %d, got %d",
			minQueueTimeout/time.Millisecond, maxQueueTimeout/time.Millisecond, c.Admission.QueueTimeoutMs)
	}

	seen := make(map[string]bool, len(c.Backends))
	for _, backend := range c.Backends {
		if err := backend.Validate(); err != nil {
			return fmt.Errorf("backend %q: %w", backend.Name, err)
		}
		if seen[backend.Name] {
			return fmt.Errorf("duplicate backend name %q", backend.Name)
		}
		seen[backend.Name] = true
	}

	if c.Sampling.MaxRounds < 0 {
		return fmt.Errorf("sampling.max_rounds must not be negative, got %d", c.Sampling.MaxRounds)
	}
	if c.Sampling.MaxTokens < 0 {
		return fmt.Errorf("sampling.max_tokens must not be negative, got %d", c.Sampling.MaxTokens)
	}
	return nil
}

// AdmissionPoolConfig converts the YAML shape into the infra config.
func (c *Config) AdmissionPoolConfig() infra.AdmissionConfig {
	return infra.AdmissionConfig{
		MaxConcurrent: c.Admission.MaxConcurrent,
		QueueMax:      c.Admission.QueueSize,
		QueueTimeout:  time.Duration(c.Admission.QueueTimeoutMs) * time.Millisecond,
	}
}

// BreakerPoolConfig converts the YAML shape into the infra config.
func (c *Config) BreakerPoolConfig() infra.CircuitBreakerConfig {
	return infra.CircuitBreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		Cooldown:         c.Breaker.Cooldown,
	}
}
