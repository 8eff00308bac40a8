package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment overrides recognized at startup.
const (
	EnvMaxConcurrent    = "CODEBROKER_MAX_CONCURRENT"
	EnvQueueSize        = "CODEBROKER_QUEUE_SIZE"
	EnvQueueTimeoutMs   = "CODEBROKER_QUEUE_TIMEOUT_MS"
	EnvSkipPatternCheck = "CODEBROKER_SKIP_PATTERN_CHECK"
)

// Load reads a YAML configuration file on top of the defaults, applies the
// environment overrides, and validates the result. An empty path loads
// defaults plus overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))

		decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config %s: expected a single document", path)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers recognized environment variables over the file
// values. A set but unparsable value is a startup error, not a default.
func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvMaxConcurrent); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", EnvMaxConcurrent, v)
		}
		cfg.Admission.MaxConcurrent = n
	}
	if v, ok := os.LookupEnv(EnvQueueSize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", EnvQueueSize, v)
		}
		cfg.Admission.QueueSize = n
	}
	if v, ok := os.LookupEnv(EnvQueueTimeoutMs); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", EnvQueueTimeoutMs, v)
		}
		cfg.Admission.QueueTimeoutMs = n
	}
	if v, ok := os.LookupEnv(EnvSkipPatternCheck); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", EnvSkipPatternCheck, v)
		}
		cfg.Sandbox.SkipPatternCheck = b
	}
	return nil
}
