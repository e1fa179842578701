package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server liveness and readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := client().get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			return printHealth(cmd, resp, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	cmd.AddCommand(newHealthStatusCmd())
	return cmd
}

func newHealthStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show indexing/readiness detail and chunk count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := client().get(cmd.Context(), "/health/status", &resp); err != nil {
				return err
			}
			return printHealth(cmd, resp, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func printHealth(cmd *cobra.Command, resp map[string]any, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	out := cmd.OutOrStdout()
	for _, k := range []string{"status", "message", "ready", "indexing", "total_chunks", "version", "timestamp"} {
		if v, ok := resp[k]; ok {
			fmt.Fprintf(out, "%-13s %v\n", k+":", v)
		}
	}
	return nil
}
