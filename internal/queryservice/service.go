// Package queryservice executes queries against a storage backend in one of
// several retrieval modes (vector, keyword, hybrid, graph, multi), fusing
// and optionally reranking candidates before returning them.
package queryservice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SpillwaveSolutions/agent-brain/internal/embed"
	"github.com/SpillwaveSolutions/agent-brain/internal/graph"
	"github.com/SpillwaveSolutions/agent-brain/internal/store"
)

// defaultRRFConstant is the standard reciprocal-rank-fusion smoothing
// parameter used to combine per-mode rankings in multi().
const defaultRRFConstant = 60

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeVector Mode = "vector"
	ModeBM25   Mode = "bm25"
	ModeHybrid Mode = "hybrid"
	ModeGraph  Mode = "graph"
	ModeMulti  Mode = "multi"
)

// ErrNotReady is returned when the service cannot yet serve queries.
var ErrNotReady = errors.New("query service not ready")

// ErrEmptyQuery is returned for blank or whitespace-only queries.
var ErrEmptyQuery = errors.New("query must not be empty")

// ErrDimensionMismatch is returned when the configured embedder's
// dimensionality disagrees with the collection's recorded provenance.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrGraphDisabled is returned when graph/multi modes are requested but the
// graph index master switch is off.
var ErrGraphDisabled = errors.New("graph index is disabled")

// Request is a single query.
type Request struct {
	Query       string
	TopK        int
	MinScore    float64
	Mode        Mode
	Alpha       float64 // hybrid weight: 1.0 = vector only; 0 is treated as unset and replaced by 0.5, so keyword-only weighting is not available through Alpha
	Filter      *store.Filter
	Rerank      bool
}

// Response is the result of executing a Request.
type Response struct {
	Results      []store.SearchResult
	QueryTimeMS  int64
	TotalResults int
}

// Reranker scores (query, document) pairs for a cross-encoder rerank pass.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []store.SearchResult) ([]store.SearchResult, error)
}

// Config tunes the service's candidate expansion and fusion constants.
type Config struct {
	RerankerTopKMultiplier int
	RerankerMaxCandidates  int
	RRFConstant            int
	GraphEnabled           bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RerankerTopKMultiplier: 10,
		RerankerMaxCandidates:  100,
		RRFConstant:            defaultRRFConstant,
		GraphEnabled:           false,
	}
}

// Service executes queries against a Backend.
type Service struct {
	backend  store.Backend
	embedder embed.Embedder
	reranker Reranker
	graph    *graph.Index
	cfg      Config
	indexing func() bool // returns true while an indexing job is running
}

// New constructs a Service. reranker and graphIndex may be nil; when
// reranker is nil, rerank requests are served by a no-op pass-through that
// preserves input order.
func New(backend store.Backend, embedder embed.Embedder, reranker Reranker, graphIndex *graph.Index, cfg Config, indexing func() bool) *Service {
	if indexing == nil {
		indexing = func() bool { return false }
	}
	return &Service{backend: backend, embedder: embedder, reranker: reranker, graph: graphIndex, cfg: cfg, indexing: indexing}
}

// IsReady reports whether the service can currently serve queries: the
// backend must be initialised and carry embedding provenance, and BM25-using
// modes additionally require the keyword index to have been built — which,
// for this design, is implied by provenance being present since both are
// written together at the end of a successful indexing run.
func (s *Service) IsReady(ctx context.Context) (bool, error) {
	meta, ok, err := s.backend.GetEmbeddingMetadata(ctx)
	if err != nil {
		return false, err
	}
	return ok && meta != nil, nil
}

// Query executes req and returns ranked results.
func (s *Service) Query(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	query := trimQuery(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	ready, err := s.IsReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("check readiness: %w", err)
	}
	if !ready {
		if s.indexing() {
			return nil, fmt.Errorf("%w: indexing in progress", ErrNotReady)
		}
		return nil, fmt.Errorf("%w: please index documents first", ErrNotReady)
	}

	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if req.Alpha == 0 && req.Mode == ModeHybrid {
		req.Alpha = 0.5
	}
	if (req.Mode == ModeGraph || req.Mode == ModeMulti) && (!s.cfg.GraphEnabled || s.graph == nil) {
		return nil, ErrGraphDisabled
	}

	var queryEmbedding []float32
	if req.Mode == ModeVector || req.Mode == ModeHybrid || req.Mode == ModeMulti {
		meta, _, err := s.backend.GetEmbeddingMetadata(ctx)
		if err != nil {
			return nil, err
		}
		if meta != nil && s.embedder != nil && meta.Dimensions != 0 && meta.Dimensions != s.embedder.Dimensions() {
			return nil, fmt.Errorf("%w: collection has %d dims, configured embedder has %d", ErrDimensionMismatch, meta.Dimensions, s.embedder.Dimensions())
		}
		queryEmbedding, err = s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}

	var results []store.SearchResult
	switch req.Mode {
	case ModeVector:
		results, err = s.backend.VectorSearch(ctx, queryEmbedding, req.TopK, req.MinScore, req.Filter)
	case ModeBM25:
		results, err = s.backend.KeywordSearch(ctx, query, req.TopK, req.Filter)
	case ModeHybrid:
		results, err = s.hybrid(ctx, query, queryEmbedding, req)
	case ModeGraph:
		results, err = s.graphSearch(ctx, query, req.TopK)
	case ModeMulti:
		results, err = s.multi(ctx, query, queryEmbedding, req)
	default:
		return nil, fmt.Errorf("unknown query mode %q", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	if req.Rerank {
		results, err = s.rerank(ctx, query, results)
		if err != nil {
			return nil, err
		}
	}

	if req.TopK > 0 && len(results) > req.TopK {
		results = results[:req.TopK]
	}

	return &Response{
		Results:      results,
		QueryTimeMS:  time.Since(start).Milliseconds(),
		TotalResults: len(results),
	}, nil
}

func (s *Service) candidateTopK(topK int) int {
	k := topK * s.cfg.RerankerTopKMultiplier
	if k <= 0 {
		k = topK
	}
	if k > s.cfg.RerankerMaxCandidates {
		k = s.cfg.RerankerMaxCandidates
	}
	return k
}

func (s *Service) hybrid(ctx context.Context, query string, queryEmbedding []float32, req Request) ([]store.SearchResult, error) {
	candK := s.candidateTopK(req.TopK)

	g, gctx := errgroup.WithContext(ctx)
	var vec, kw []store.SearchResult
	g.Go(func() error {
		var err error
		vec, err = s.backend.VectorSearch(gctx, queryEmbedding, candK, 0, req.Filter)
		return err
	})
	g.Go(func() error {
		var err error
		kw, err = s.backend.KeywordSearch(gctx, query, candK, req.Filter)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	alpha := req.Alpha
	byID := make(map[string]*store.SearchResult, len(vec)+len(kw))
	for _, r := range vec {
		c := r
		c.Score = alpha * r.Score
		byID[r.ChunkID] = &c
	}
	for _, r := range kw {
		bs := r.Score
		if existing, ok := byID[r.ChunkID]; ok {
			existing.Score += (1 - alpha) * r.Score
			existing.BM25Score = &bs
		} else {
			c := r
			c.Score = (1 - alpha) * r.Score
			byID[r.ChunkID] = &c
		}
	}

	out := make([]store.SearchResult, 0, len(byID))
	for _, r := range byID {
		if r.Score < req.MinScore {
			continue
		}
		out = append(out, *r)
	}
	sortByScoreDesc(out)
	return out, nil
}

func (s *Service) multi(ctx context.Context, query string, queryEmbedding []float32, req Request) ([]store.SearchResult, error) {
	candK := s.candidateTopK(req.TopK)

	g, gctx := errgroup.WithContext(ctx)
	var vec, kw, gr []store.SearchResult
	g.Go(func() error {
		var err error
		vec, err = s.backend.VectorSearch(gctx, queryEmbedding, candK, 0, req.Filter)
		return err
	})
	g.Go(func() error {
		var err error
		kw, err = s.backend.KeywordSearch(gctx, query, candK, req.Filter)
		return err
	})
	g.Go(func() error {
		var err error
		gr, err = s.graphSearch(gctx, query, candK)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	k := s.cfg.RRFConstant
	if k <= 0 {
		k = defaultRRFConstant
	}
	scores := make(map[string]*store.SearchResult)
	addRanked := func(list []store.SearchResult) {
		for rank, r := range list {
			if existing, ok := scores[r.ChunkID]; ok {
				existing.Score += 1.0 / float64(k+rank+1)
			} else {
				c := r
				c.Score = 1.0 / float64(k+rank+1)
				scores[r.ChunkID] = &c
			}
		}
	}
	addRanked(vec)
	addRanked(kw)
	addRanked(gr)

	out := make([]store.SearchResult, 0, len(scores))
	for _, r := range scores {
		out = append(out, *r)
	}
	sortByScoreDesc(out)
	return out, nil
}

func (s *Service) graphSearch(ctx context.Context, query string, topK int) ([]store.SearchResult, error) {
	if s.graph == nil || !s.cfg.GraphEnabled {
		return nil, nil
	}
	return s.graph.Traverse(ctx, query, topK)
}

func (s *Service) rerank(ctx context.Context, query string, candidates []store.SearchResult) ([]store.SearchResult, error) {
	if s.reranker == nil {
		return noOpRerank(candidates), nil
	}
	return s.reranker.Rerank(ctx, query, candidates)
}

// noOpRerank preserves input order by assigning strictly decreasing
// synthetic scores, so downstream sort/threshold logic stays reranker
// agnostic whether or not a real reranker is configured.
func noOpRerank(candidates []store.SearchResult) []store.SearchResult {
	out := make([]store.SearchResult, len(candidates))
	n := len(candidates)
	for i, c := range candidates {
		c.RerankScore = floatPtr(float64(n-i) / float64(n+1))
		out[i] = c
	}
	return out
}

func floatPtr(f float64) *float64 { return &f }

func sortByScoreDesc(results []store.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ChunkID < results[j].ChunkID
		}
		return results[i].Score > results[j].Score
	})
}

func trimQuery(q string) string {
	start, end := 0, len(q)
	for start < end && isSpace(q[start]) {
		start++
	}
	for end > start && isSpace(q[end-1]) {
		end--
	}
	return q[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
