package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// SearchResult is a single ranked hit returned by a Backend, normalised to
// the [0,1] score contract shared by every retrieval mode.
type SearchResult struct {
	ChunkID     string
	Text        string
	Metadata    map[string]string
	Score       float64
	VectorScore *float64
	BM25Score   *float64
	RerankScore *float64
}

// EmbeddingMetadata is the collection-level provenance triple. It is set
// once per collection and cleared only by Reset.
type EmbeddingMetadata struct {
	Provider   string
	Model      string
	Dimensions int
}

// Filter narrows a search to a subset of the collection.
type Filter struct {
	SourceTypes []string
	Languages   []string
}

// ErrBackendNotInitialized is returned by operations that require Initialize
// to have completed first.
var ErrBackendNotInitialized = errors.New("storage backend not initialized")

// MismatchSeverity classifies how serious a provenance disagreement is.
type MismatchSeverity int

const (
	// MismatchNone means the stored and requested provenance agree.
	MismatchNone MismatchSeverity = iota
	// MismatchWarning means provider/model differ but dimensions match; retrieval may proceed.
	MismatchWarning
	// MismatchCritical means dimensions differ; retrieval must be refused.
	MismatchCritical
)

// ValidateEmbeddingCompatibility compares a requested provenance triple
// against a stored one per the scoring/provenance contract: a dimension
// disagreement is always critical, a provider/model-only disagreement is a
// warning.
func ValidateEmbeddingCompatibility(stored, requested EmbeddingMetadata) MismatchSeverity {
	if stored.Dimensions != 0 && stored.Dimensions != requested.Dimensions {
		return MismatchCritical
	}
	if stored.Provider != "" && (stored.Provider != requested.Provider || stored.Model != requested.Model) {
		return MismatchWarning
	}
	return MismatchNone
}

// Backend is the storage-backend contract every retrieval-capable store
// implements: upsert with metadata, vector kNN, keyword search, counting,
// point lookup, reset, and embedding-provenance bookkeeping. Exactly two
// concrete backends satisfy it: a local embedded store (HNSW + BM25 sidecar)
// and a relational store (vector + full text search extensions in one row).
type Backend interface {
	// Initialize prepares schema/collections. Idempotent.
	Initialize(ctx context.Context) error

	// UpsertDocuments writes chunks with their embeddings and metadata.
	// ids, embeddings, documents, and metadatas must have equal length.
	UpsertDocuments(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []map[string]string) (int, error)

	// VectorSearch performs a dense kNN search, scores normalised to [0,1].
	VectorSearch(ctx context.Context, queryEmbedding []float32, topK int, minScore float64, filter *Filter) ([]SearchResult, error)

	// KeywordSearch performs sparse keyword search, scores max-normalised per query.
	KeywordSearch(ctx context.Context, query string, topK int, filter *Filter) ([]SearchResult, error)

	// GetCount returns the number of chunks matching the optional filter.
	GetCount(ctx context.Context, filter *Filter) (int, error)

	// GetByID fetches a single chunk by id.
	GetByID(ctx context.Context, chunkID string) (*SearchResult, bool, error)

	// Reset wipes all data and provenance for this collection.
	Reset(ctx context.Context) error

	// GetEmbeddingMetadata returns the stored provenance triple, if any.
	GetEmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, bool, error)

	// SetEmbeddingMetadata persists the provenance triple. Only valid when
	// none is currently stored (set-once-until-reset).
	SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error

	// Close releases any held resources (connections, file handles).
	Close() error
}

// normalizeKeywordScores applies the per-query max-normalisation contract:
// every score is divided by the maximum score in the result set. An empty
// result set is returned as is; when no score is positive the divisor falls
// back to 1.0, so the scores are left unchanged.
func normalizeKeywordScores(results []SearchResult) []SearchResult {
	if len(results) == 0 {
		return results
	}
	max := 0.0
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	if max <= 0 {
		max = 1.0
	}
	for i := range results {
		results[i].Score = results[i].Score / max
	}
	return results
}

// sortByScoreDesc sorts results by score descending, a stable tiebreak on
// chunk id so callers observe deterministic ordering across equal scores.
func sortByScoreDesc(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ChunkID < results[j].ChunkID
		}
		return results[i].Score > results[j].Score
	})
}

// clampTopK bounds topK to a sane range, matching the "top_k=0 is a no-op"
// boundary behaviour.
func clampTopK(topK int) int {
	if topK < 0 {
		return 0
	}
	return topK
}

// backendRegistry is the string-tag dispatch table used by the config
// loader to construct a Backend without the caller importing a concrete
// implementation.
var backendRegistry = map[string]func(ctx context.Context, cfg BackendConfig) (Backend, error){}

// RegisterBackend adds a constructor to the registry under tag. Intended to
// be called from each backend's own package init, mirroring the provider
// registry pattern used throughout this codebase.
func RegisterBackend(tag string, ctor func(ctx context.Context, cfg BackendConfig) (Backend, error)) {
	backendRegistry[tag] = ctor
}

// NewBackend constructs the Backend registered under cfg.Type.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	ctor, ok := backendRegistry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Type)
	}
	return ctor(ctx, cfg)
}

// BackendConfig is the union of settings needed to construct any registered
// backend; only the fields relevant to cfg.Type are consulted.
type BackendConfig struct {
	Type string // "local" or "postgres"

	// Local backend settings.
	DataDir      string
	Dimensions   int
	KeywordIndex string // "bleve" or "sqlite"

	// Postgres backend settings.
	DSN               string
	PoolSize          int
	PoolMaxOverflow   int
	DistanceMetric    string // "cosine", "l2", "inner_product"
	HNSWM             int
	HNSWEfConstruction int
}
