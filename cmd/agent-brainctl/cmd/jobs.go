package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type jobView struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Progress struct {
		FilesProcessed int `json:"files_processed"`
		ChunksCreated  int `json:"chunks_created"`
	} `json:"progress"`
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage indexing jobs on the server",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsGetCmd())
	cmd.AddCommand(newJobsCancelCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var limit, offset int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Jobs  []jobView `json:"jobs"`
				Total int       `json:"total"`
			}
			if err := client().get(cmd.Context(), fmt.Sprintf("/jobs?limit=%d&offset=%d", limit, offset), &resp); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d of %d jobs:\n", len(resp.Jobs), resp.Total)
			for _, j := range resp.Jobs {
				fmt.Fprintf(out, "  %s  %-10s  files=%d chunks=%d\n", j.ID, j.Status, j.Progress.FilesProcessed, j.Progress.ChunksCreated)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newJobsGetCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a single job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job jobView
			if err := client().get(cmd.Context(), "/jobs/"+args[0], &job); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(job)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:     %s\n", job.ID)
			fmt.Fprintf(out, "status: %s\n", job.Status)
			fmt.Fprintf(out, "files:  %d\n", job.Progress.FilesProcessed)
			fmt.Fprintf(out, "chunks: %d\n", job.Progress.ChunksCreated)
			if job.Error != "" {
				fmt.Fprintf(out, "error:  %s\n", job.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newJobsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Message string `json:"message"`
			}
			if err := client().delete(cmd.Context(), "/jobs/"+args[0], &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}
