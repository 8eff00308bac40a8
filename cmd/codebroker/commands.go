package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the JSON-RPC stdio
// server until stdin closes or a termination signal arrives.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve execute-code requests over JSON-RPC stdio",
		Long: `Serve execute-code requests over line-delimited JSON-RPC 2.0 on stdio.

The server connects the configured tool backends, then exposes three
methods: executeTypescript, executePython, and health. Responses may
interleave; callers correlate by request id.`,
		Example: `  # Serve with default config resolution
  codebroker serve

  # Serve with an explicit config
  codebroker serve --config /etc/codebroker/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

// buildHealthCmd creates the "health" command that connects the backends
// once and prints the health report.
func buildHealthCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Connect the configured backends and report their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")

	return cmd
}
