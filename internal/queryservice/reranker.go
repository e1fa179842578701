package queryservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/SpillwaveSolutions/agent-brain/internal/store"
)

// MLX reranker configuration defaults.
const (
	DefaultRerankerEndpoint = "http://localhost:9659" // shared with the embeddings server
	DefaultRerankerModel    = "reranker-small"
	DefaultRerankerTimeout  = 30 * time.Second
	DefaultRerankerPoolSize = 50
)

// MLXRerankerConfig configures an MLXReranker.
type MLXRerankerConfig struct {
	// Endpoint is the MLX server URL.
	Endpoint string
	// Model is the reranker model alias.
	Model string
	// Timeout bounds a single rerank request.
	Timeout time.Duration
	// PoolSize is recorded and logged; Rerank sends every candidate it is given.
	PoolSize int
	// SkipHealthCheck skips the startup health check (for testing).
	SkipHealthCheck bool
	// Instruction is an optional custom reranking instruction.
	Instruction string
}

// DefaultMLXRerankerConfig returns the documented defaults.
func DefaultMLXRerankerConfig() MLXRerankerConfig {
	return MLXRerankerConfig{
		Endpoint: DefaultRerankerEndpoint,
		Model:    DefaultRerankerModel,
		Timeout:  DefaultRerankerTimeout,
		PoolSize: DefaultRerankerPoolSize,
	}
}

// MLXReranker reranks candidates via a cross-encoder model served over HTTP
// by the MLX server. Cross-encoders jointly encode query/document pairs for
// more accurate relevance scoring than the bi-encoder used for vector search,
// at the cost of one extra network round trip per query.
type MLXReranker struct {
	client   *http.Client
	config   MLXRerankerConfig
	mu       sync.RWMutex
	closed   bool
	endpoint string
}

var _ Reranker = (*MLXReranker)(nil)

// NewMLXReranker creates a reranker client and, unless SkipHealthCheck is
// set, verifies the MLX server is reachable before returning.
func NewMLXReranker(ctx context.Context, cfg MLXRerankerConfig) (*MLXReranker, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultRerankerEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultRerankerModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRerankerTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = DefaultRerankerPoolSize
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	r := &MLXReranker{client: client, config: cfg, endpoint: cfg.Endpoint}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.healthCheck(checkCtx); err != nil {
			return nil, fmt.Errorf("MLX reranker health check failed: %w", err)
		}
	}

	slog.Debug("mlx_reranker_created",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("model", cfg.Model),
		slog.Duration("timeout", cfg.Timeout),
		slog.Int("pool_size", cfg.PoolSize))

	return r, nil
}

func (r *MLXReranker) healthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health check request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to MLX server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("MLX server unhealthy (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

type rerankRequest struct {
	Query       string   `json:"query"`
	Documents   []string `json:"documents"`
	Model       string   `json:"model,omitempty"`
	Instruction string   `json:"instruction,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index    int     `json:"index"`
		Score    float64 `json:"score"`
		Document string  `json:"document"`
	} `json:"results"`
	Model            string  `json:"model"`
	Query            string  `json:"query"`
	Count            int     `json:"count"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

// Rerank scores candidates.Text against query via the MLX cross-encoder and
// returns candidates reordered and rescored by relevance.
func (r *MLXReranker) Rerank(ctx context.Context, query string, candidates []store.SearchResult) ([]store.SearchResult, error) {
	overallStart := time.Now()

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, fmt.Errorf("reranker is closed")
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return candidates, nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Text
	}

	reqBody := rerankRequest{Query: query, Documents: docs, Model: r.config.Model}
	if r.config.Instruction != "" {
		reqBody.Instruction = r.config.Instruction
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, r.endpoint+"/rerank", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpStart := time.Now()
	resp, err := r.client.Do(req)
	httpDuration := time.Since(httpStart)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank failed (status %d): %s", resp.StatusCode, string(body))
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	out := make([]store.SearchResult, len(result.Results))
	for i, rr := range result.Results {
		res := candidates[rr.Index]
		score := rr.Score
		res.Score = score
		res.RerankScore = &score
		out[i] = res
	}

	slog.Debug("reranker_http_timing",
		slog.Int("doc_count", len(docs)),
		slog.Duration("http_request", httpDuration),
		slog.Duration("total", time.Since(overallStart)),
		slog.Float64("server_time_ms", result.ProcessingTimeMs))

	return out, nil
}

// Available reports whether the MLX server currently answers health checks.
func (r *MLXReranker) Available(ctx context.Context) bool {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return false
	}
	r.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.healthCheck(checkCtx) == nil
}

// Close releases idle HTTP connections.
func (r *MLXReranker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if transport, ok := r.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

// NoOpReranker returns candidates in their original order, for use when
// reranking is disabled or the MLX server is unavailable.
type NoOpReranker struct{}

// Rerank preserves input order, assigning strictly decreasing scores.
func (NoOpReranker) Rerank(_ context.Context, _ string, candidates []store.SearchResult) ([]store.SearchResult, error) {
	return noOpRerank(candidates), nil
}

// Available always reports true for NoOpReranker.
func (NoOpReranker) Available(_ context.Context) bool { return true }

// Close is a no-op for NoOpReranker.
func (NoOpReranker) Close() error { return nil }

var _ Reranker = NoOpReranker{}
