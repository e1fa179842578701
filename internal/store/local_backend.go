package store

import (
	"context"
	"fmt"
	"path/filepath"
)

// LocalBackend is the embedded storage backend: an HNSW vector store plus a
// BM25 keyword sidecar (SQLite FTS5 or Bleve, selectable), with chunk text
// and metadata kept in a small SQLite sidecar table. It satisfies Backend
// entirely with in-process, single-node components — no network hop for
// any operation.
type LocalBackend struct {
	vectors VectorStore
	bm25    BM25Index
	chunks  *chunkStore
}

var _ Backend = (*LocalBackend)(nil)

func init() {
	RegisterBackend("local", func(ctx context.Context, cfg BackendConfig) (Backend, error) {
		return NewLocalBackend(cfg)
	})
}

// NewLocalBackend constructs a LocalBackend rooted at cfg.DataDir, with a
// vector store dimensioned for cfg.Dimensions and the keyword backend named
// by cfg.KeywordIndex ("sqlite" default, or "bleve").
func NewLocalBackend(cfg BackendConfig) (*LocalBackend, error) {
	vecCfg := DefaultVectorStoreConfig(cfg.Dimensions)
	vectors, err := NewHNSWStore(vecCfg)
	if err != nil {
		return nil, fmt.Errorf("create vector store: %w", err)
	}

	bm25Path := filepath.Join(cfg.DataDir, "bm25")
	bm25, err := NewBM25IndexWithBackend(bm25Path, DefaultBM25Config(), cfg.KeywordIndex)
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}

	var chunksPath string
	if cfg.DataDir != "" {
		chunksPath = filepath.Join(cfg.DataDir, "chunks.db")
	}
	chunks, err := newChunkStore(chunksPath)
	if err != nil {
		return nil, fmt.Errorf("create chunk store: %w", err)
	}

	return &LocalBackend{vectors: vectors, bm25: bm25, chunks: chunks}, nil
}

// Initialize is a no-op: all three components create their schema lazily on
// construction.
func (b *LocalBackend) Initialize(ctx context.Context) error {
	return nil
}

func (b *LocalBackend) UpsertDocuments(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []map[string]string) (int, error) {
	if len(ids) != len(embeddings) || len(ids) != len(documents) || len(ids) != len(metadatas) {
		return 0, fmt.Errorf("upsert_documents: ids/embeddings/documents/metadatas length mismatch")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := b.vectors.Add(ctx, ids, embeddings); err != nil {
		return 0, fmt.Errorf("vector upsert: %w", err)
	}

	docs := make([]*Document, len(ids))
	for i, id := range ids {
		docs[i] = &Document{ID: id, Content: documents[i]}
	}
	if err := b.bm25.Index(ctx, docs); err != nil {
		return 0, fmt.Errorf("keyword upsert: %w", err)
	}

	if err := b.chunks.upsert(ctx, ids, documents, metadatas); err != nil {
		return 0, fmt.Errorf("chunk metadata upsert: %w", err)
	}

	return len(ids), nil
}

func (b *LocalBackend) VectorSearch(ctx context.Context, queryEmbedding []float32, topK int, minScore float64, filter *Filter) ([]SearchResult, error) {
	topK = clampTopK(topK)
	if topK == 0 {
		return nil, nil
	}

	// Over-fetch so post-filtering by metadata doesn't starve the result set.
	fetchK := topK
	if filter != nil {
		fetchK = topK * 4
		if fetchK < 50 {
			fetchK = 50
		}
	}

	raw, err := b.vectors.Search(ctx, queryEmbedding, fetchK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	ids := make([]string, len(raw))
	for i, r := range raw {
		ids[i] = r.ID
	}
	meta, err := b.chunks.batchGet(ctx, ids, filter)
	if err != nil {
		return nil, fmt.Errorf("resolve chunk metadata: %w", err)
	}

	results := make([]SearchResult, 0, len(raw))
	for _, r := range raw {
		chunk, ok := meta[r.ID]
		if !ok {
			continue // filtered out or metadata missing
		}
		score := float64(r.Score)
		if score < minScore {
			continue
		}
		vs := score
		chunk.Score = score
		chunk.VectorScore = &vs
		results = append(results, chunk)
		if len(results) == topK {
			break
		}
	}
	sortByScoreDesc(results)
	return results, nil
}

func (b *LocalBackend) KeywordSearch(ctx context.Context, query string, topK int, filter *Filter) ([]SearchResult, error) {
	topK = clampTopK(topK)
	if topK == 0 {
		return nil, nil
	}

	fetchK := topK
	if filter != nil {
		fetchK = topK * 4
		if fetchK < 50 {
			fetchK = 50
		}
	}

	raw, err := b.bm25.Search(ctx, query, fetchK)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	ids := make([]string, len(raw))
	for i, r := range raw {
		ids[i] = r.DocID
	}
	meta, err := b.chunks.batchGet(ctx, ids, filter)
	if err != nil {
		return nil, fmt.Errorf("resolve chunk metadata: %w", err)
	}

	results := make([]SearchResult, 0, len(raw))
	for _, r := range raw {
		chunk, ok := meta[r.DocID]
		if !ok {
			continue
		}
		bs := r.Score
		chunk.Score = r.Score
		chunk.BM25Score = &bs
		results = append(results, chunk)
		if len(results) == topK {
			break
		}
	}
	results = normalizeKeywordScores(results)
	sortByScoreDesc(results)
	return results, nil
}

func (b *LocalBackend) GetCount(ctx context.Context, filter *Filter) (int, error) {
	return b.chunks.count(ctx, filter)
}

func (b *LocalBackend) GetByID(ctx context.Context, chunkID string) (*SearchResult, bool, error) {
	return b.chunks.get(ctx, chunkID)
}

func (b *LocalBackend) Reset(ctx context.Context) error {
	ids := b.vectors.AllIDs()
	if len(ids) > 0 {
		if err := b.vectors.Delete(ctx, ids); err != nil {
			return fmt.Errorf("reset vector store: %w", err)
		}
	}
	bm25IDs, err := b.bm25.AllIDs()
	if err != nil {
		return fmt.Errorf("list keyword index ids: %w", err)
	}
	if len(bm25IDs) > 0 {
		if err := b.bm25.Delete(ctx, bm25IDs); err != nil {
			return fmt.Errorf("reset keyword index: %w", err)
		}
	}
	return b.chunks.reset(ctx)
}

func (b *LocalBackend) GetEmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, bool, error) {
	return b.chunks.getProvenance(ctx)
}

func (b *LocalBackend) SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error {
	existing, ok, err := b.chunks.getProvenance(ctx)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("embedding metadata already set (provider=%s model=%s dims=%d); reset required to change it", existing.Provider, existing.Model, existing.Dimensions)
	}
	return b.chunks.setProvenance(ctx, meta)
}

func (b *LocalBackend) Close() error {
	var firstErr error
	if err := b.vectors.Close(); err != nil {
		firstErr = err
	}
	if err := b.bm25.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.chunks.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
