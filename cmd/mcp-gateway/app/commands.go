// Package app provides the entry point for the mcp-gateway command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcp-gateway/pkg/config"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// version is injected at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:               "mcp-gateway",
	DisableAutoGenTag: true,
	Short:             "MCP Gateway - OAuth-secured bridge between AI clients and third-party APIs",
	Long: `MCP Gateway bridges AI clients to third-party APIs over the Model Context
Protocol. It plays both OAuth roles at once:

- Authorization Server: issues tokens to MCP clients (dynamic client
  registration, PKCE, refresh token rotation, RFC 8414 discovery)
- Consumer: holds the user's credentials at a third-party provider and
  refreshes them transparently

Every issued MCP token is bound to a live third-party credential, and the
streamable HTTP transport persists sessions and an event log so clients
resume exactly where they disconnected, even across restarts.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the mcp-gateway CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to gateway configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newServeCmd creates the serve command for starting the gateway.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP gateway",
		Long: `Start the MCP gateway with the configured transport. The HTTP transport
serves the OAuth endpoints, the /mcp endpoint, and the monitoring API on one
listener; the STDIO transport speaks line-delimited JSON-RPC on stdin/stdout
and logs to stderr only.`,
		RunE: runServe,
	}

	cmd.Flags().String("transport", "", "Transport to use (stdio, streamable-http, or sse)")
	cmd.Flags().String("host", "", "Host address to bind to")
	cmd.Flags().Int("port", 0, "Port to listen on")

	return cmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("mcp-gateway version: %s", version)
		},
	}
}

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := viper.GetString("config")
			if path == "" {
				return fmt.Errorf("no configuration file specified; use --config")
			}
			if _, err := config.Load(path); err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}
			logger.Infof("configuration is valid: %s", path)
			return nil
		},
	}
}
