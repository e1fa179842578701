package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type indexRequest struct {
	FolderPath   string `json:"folder_path"`
	ChunkSize    int    `json:"chunk_size,omitempty"`
	ChunkOverlap int    `json:"chunk_overlap,omitempty"`
	Recursive    bool   `json:"recursive,omitempty"`
}

type indexResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Enqueue an indexing job on the server",
	}
	cmd.AddCommand(newIndexRunCmd("create", "", "Index a folder from scratch"))
	cmd.AddCommand(newIndexRunCmd("add", "add", "Add a folder to the existing index incrementally"))
	cmd.AddCommand(newIndexResetCmd())
	return cmd
}

func newIndexRunCmd(name, subpath, short string) *cobra.Command {
	var chunkSize, chunkOverlap int
	var recursive bool

	path := "/index"
	if subpath != "" {
		path += "/" + subpath
	}

	cmd := &cobra.Command{
		Use:   name + " <folder>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp indexResponse
			err := client().post(cmd.Context(), path, indexRequest{
				FolderPath:   args[0],
				ChunkSize:    chunkSize,
				ChunkOverlap: chunkOverlap,
				Recursive:    recursive,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s (%s)\n", resp.JobID, resp.Status, resp.Message)
			return nil
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "override the configured chunk size")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", 0, "override the configured chunk overlap")
	cmd.Flags().BoolVar(&recursive, "recursive", true, "recurse into subdirectories")
	return cmd
}

func newIndexResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Drop the server's index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Message string `json:"message"`
			}
			if err := client().delete(cmd.Context(), "/index", &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}
