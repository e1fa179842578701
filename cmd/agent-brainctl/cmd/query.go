package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type queryOptions struct {
	topK        int
	threshold   float64
	mode        string
	alpha       float64
	rerank      bool
	sourceTypes []string
	languages   []string
	format      string
}

type queryRequest struct {
	Query              string   `json:"query"`
	TopK               int      `json:"top_k,omitempty"`
	Threshold          float64  `json:"similarity_threshold,omitempty"`
	Mode               string   `json:"mode,omitempty"`
	Alpha              float64  `json:"alpha,omitempty"`
	Rerank             bool     `json:"rerank,omitempty"`
	SourceTypes        []string `json:"source_types,omitempty"`
	Languages          []string `json:"languages,omitempty"`
}

type queryResult struct {
	ChunkID     string            `json:"ChunkID"`
	Text        string            `json:"Text"`
	Metadata    map[string]string `json:"Metadata"`
	Score       float64           `json:"Score"`
	VectorScore *float64          `json:"VectorScore,omitempty"`
	BM25Score   *float64          `json:"BM25Score,omitempty"`
	RerankScore *float64          `json:"RerankScore,omitempty"`
}

type queryResponse struct {
	Results      []queryResult `json:"results"`
	QueryTimeMS  int64         `json:"query_time_ms"`
	TotalResults int           `json:"total_results"`
}

func newQueryCmd() *cobra.Command {
	var opts queryOptions

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run a query against the server's index",
		Long: `query sends a search request to the server and prints the ranked results.

Examples:
  agent-brainctl query "authentication middleware"
  agent-brainctl query "handleRequest" --mode bm25 --top-k 5
  agent-brainctl query "error handling" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.topK, "top-k", "n", 5, "maximum number of results")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "minimum similarity score")
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "hybrid", "retrieval mode: vector, bm25, hybrid, graph, multi")
	cmd.Flags().Float64Var(&opts.alpha, "alpha", 0, "hybrid weight: 1.0 = vector only, 0.0 = keyword only")
	cmd.Flags().BoolVar(&opts.rerank, "rerank", false, "apply cross-encoder reranking")
	cmd.Flags().StringSliceVar(&opts.sourceTypes, "source-type", nil, "filter by source type (repeatable)")
	cmd.Flags().StringSliceVar(&opts.languages, "language", nil, "filter by language (repeatable)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "output format: text, json")

	return cmd
}

func runQuery(cmd *cobra.Command, query string, opts queryOptions) error {
	var resp queryResponse
	err := client().post(cmd.Context(), "/query", queryRequest{
		Query:       query,
		TopK:        opts.topK,
		Threshold:   opts.threshold,
		Mode:        opts.mode,
		Alpha:       opts.alpha,
		Rerank:      opts.rerank,
		SourceTypes: opts.sourceTypes,
		Languages:   opts.languages,
	}, &resp)
	if err != nil {
		return err
	}

	if opts.format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	return printQueryResults(cmd, query, resp)
}

func printQueryResults(cmd *cobra.Command, query string, resp queryResponse) error {
	out := cmd.OutOrStdout()
	if resp.TotalResults == 0 {
		fmt.Fprintf(out, "No results found for %q\n", query)
		return nil
	}

	fmt.Fprintf(out, "Found %d results for %q (%dms):\n\n", resp.TotalResults, query, resp.QueryTimeMS)
	for i, r := range resp.Results {
		location := r.Metadata["source"]
		if location == "" {
			location = r.ChunkID
		}
		fmt.Fprintf(out, "%d. %s (score: %.3f)\n", i+1, location, r.Score)
		for _, line := range snippet(r.Text, 3) {
			fmt.Fprintf(out, "   %s\n", line)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func snippet(content string, n int) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
