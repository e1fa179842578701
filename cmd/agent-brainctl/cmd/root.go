// Package cmd provides the CLI commands for agent-brainctl.
package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/SpillwaveSolutions/agent-brain/pkg/version"
)

var (
	serverURL string
	timeout   time.Duration
)

// NewRootCmd creates the root command for the agent-brainctl CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent-brainctl",
		Short: "Thin HTTP client for the agent-brain retrieval server",
		Long: `agent-brainctl talks to a running agent-brain-server over its HTTP API.

It holds no local index state of its own: every subcommand is a single
request against --server.`,
		Version: version.Version,
	}
	cmd.SetVersionTemplate("agent-brainctl version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8000", "agent-brain-server base URL")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func client() *apiClient {
	return newAPIClient(serverURL, timeout)
}
