// Package main provides the CLI entry point for the codebroker sandbox
// execution host.
//
// Codebroker runs untrusted TypeScript and Python snippets in child-process
// sandboxes and brokers their tool calls, discovery queries, and LLM
// sampling against a pool of upstream tool backends.
//
// # Basic Usage
//
// Start the JSON-RPC stdio server:
//
//	codebroker serve --config codebroker.yaml
//
// Check backend health:
//
//	codebroker health --config codebroker.yaml
//
// # Environment Variables
//
//   - CODEBROKER_MAX_CONCURRENT: admission pool size (1-1000)
//   - CODEBROKER_QUEUE_SIZE: admission queue size (1-1000)
//   - CODEBROKER_QUEUE_TIMEOUT_MS: queue wait bound (1000-300000)
//   - CODEBROKER_SKIP_PATTERN_CHECK: disable the code pre-scan
//   - ANTHROPIC_API_KEY: sampling provider key
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "codebroker",
		Short:         "Sandboxed code-execution broker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(buildServeCmd(), buildHealthCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
