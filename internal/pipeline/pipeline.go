// Package pipeline orchestrates the indexing pipeline: discover documents,
// chunk them, embed in batches, and upsert into a storage backend, while
// honouring embedding-provenance invariants, periodic checkpoints, and
// cooperative cancellation.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SpillwaveSolutions/agent-brain/internal/chunk"
	"github.com/SpillwaveSolutions/agent-brain/internal/embed"
	"github.com/SpillwaveSolutions/agent-brain/internal/graph"
	"github.com/SpillwaveSolutions/agent-brain/internal/queue"
	"github.com/SpillwaveSolutions/agent-brain/internal/scanner"
	"github.com/SpillwaveSolutions/agent-brain/internal/store"
)

// ErrDimensionMismatch is returned when the collection's recorded embedding
// dimensionality disagrees with the configured embedder and blocks the run.
var ErrDimensionMismatch = fmt.Errorf("embedding dimension mismatch")

// Options configures a single run of the pipeline.
type Options struct {
	FolderPath         string
	Recursive          bool
	ChunkSize          int
	ChunkOverlap       int
	EmbeddingBatchSize int
	CheckpointInterval int
	Provider           string
	Model              string
}

// Pipeline wires a scanner, chunkers, an embedder, and a backend together.
type Pipeline struct {
	scanner     *scanner.Scanner
	codeChunker chunk.Chunker
	mdChunker   chunk.Chunker
	embedder    embed.Embedder
	backend     store.Backend
	graph       *graph.Index // nil when the graph index is disabled
}

// New constructs a Pipeline. codeChunker/mdChunker may be nil to fall back
// to a size-bounded plain-text split. g may be nil to disable graph
// population entirely (graph/multi query modes then see an empty index).
func New(sc *scanner.Scanner, codeChunker, mdChunker chunk.Chunker, embedder embed.Embedder, backend store.Backend, g *graph.Index) *Pipeline {
	return &Pipeline{scanner: sc, codeChunker: codeChunker, mdChunker: mdChunker, embedder: embedder, backend: backend, graph: g}
}

// Run executes the full pipeline for one indexing job: discovery, chunking,
// batched embedding with checkpoints, and an upsert per batch. progress and
// cancel are supplied by the job queue worker (see queue.RunFunc).
func (p *Pipeline) Run(ctx context.Context, opts Options, progress func(queue.Progress), cancel func() bool) error {
	if err := p.checkProvenance(ctx, opts); err != nil {
		return err
	}

	countBefore, err := p.backend.GetCount(ctx, nil)
	if err != nil {
		return fmt.Errorf("read collection count: %w", err)
	}

	checkpoint := opts.CheckpointInterval
	if checkpoint <= 0 {
		checkpoint = 50
	}
	batchSize := opts.EmbeddingBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	results, err := p.scanner.Scan(ctx, &scanner.ScanOptions{
		RootDir:          opts.FolderPath,
		RespectGitignore: true,
		FollowSymlinks:   false,
	})
	if err != nil {
		return fmt.Errorf("scan folder: %w", err)
	}

	var (
		pendingChunks []*chunk.Chunk
		filesTotal    int
		filesDone     int
		chunksCreated int
	)

	flush := func() error {
		if len(pendingChunks) == 0 {
			return nil
		}
		if err := p.embedAndUpsert(ctx, pendingChunks); err != nil {
			return err
		}
		chunksCreated += len(pendingChunks)
		pendingChunks = pendingChunks[:0]
		return nil
	}

	for res := range results {
		if res.Error != nil {
			continue
		}
		filesTotal++

		select {
		case <-ctx.Done():
			_ = flush()
			return ctx.Err()
		default:
		}
		if cancel() {
			_ = flush()
			return context.Canceled
		}

		content, err := os.ReadFile(res.File.AbsPath)
		if err != nil {
			continue
		}

		chunks, err := p.chunkFile(ctx, res.File, content)
		if err != nil {
			continue
		}
		if p.graph != nil {
			for _, c := range chunks {
				p.populateGraph(c)
			}
		}
		pendingChunks = append(pendingChunks, chunks...)
		filesDone++

		if len(pendingChunks) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}

		if filesDone%checkpoint == 0 {
			if err := flush(); err != nil {
				return err
			}
			progress(queue.Progress{FilesProcessed: filesDone, FilesTotal: filesTotal, ChunksCreated: chunksCreated, CurrentFile: res.File.Path})
		}
	}

	if err := flush(); err != nil {
		return err
	}
	progress(queue.Progress{FilesProcessed: filesDone, FilesTotal: filesTotal, ChunksCreated: chunksCreated})

	if _, ok, err := p.backend.GetEmbeddingMetadata(ctx); err == nil && !ok {
		_ = p.backend.SetEmbeddingMetadata(ctx, store.EmbeddingMetadata{
			Provider:   opts.Provider,
			Model:      opts.Model,
			Dimensions: p.embedder.Dimensions(),
		})
	}

	countAfter, err := p.backend.GetCount(ctx, nil)
	if err != nil {
		return fmt.Errorf("read collection count: %w", err)
	}
	if !(countAfter > countBefore || filesDone > 0) {
		return fmt.Errorf("indexing produced no observable change: before=%d after=%d files=%d", countBefore, countAfter, filesDone)
	}
	return nil
}

func (p *Pipeline) checkProvenance(ctx context.Context, opts Options) error {
	meta, ok, err := p.backend.GetEmbeddingMetadata(ctx)
	if err != nil {
		return fmt.Errorf("read embedding metadata: %w", err)
	}
	if !ok {
		return nil
	}
	if meta.Dimensions != p.embedder.Dimensions() {
		return fmt.Errorf("%w: collection has %d dims, configured embedder has %d", ErrDimensionMismatch, meta.Dimensions, p.embedder.Dimensions())
	}
	return nil
}

func (p *Pipeline) chunkFile(ctx context.Context, f *scanner.FileInfo, content []byte) ([]*chunk.Chunk, error) {
	input := &chunk.FileInput{Path: f.Path, Content: content, Language: f.Language}
	switch f.ContentType {
	case scanner.ContentTypeMarkdown:
		if p.mdChunker != nil {
			return p.mdChunker.Chunk(ctx, input)
		}
	case scanner.ContentTypeCode:
		if p.codeChunker != nil {
			return p.codeChunker.Chunk(ctx, input)
		}
	}
	return plainTextChunks(input), nil
}

// plainTextChunks is the fallback for content with no registered chunker: a
// fixed-size, overlapping split on rune boundaries.
func plainTextChunks(input *chunk.FileInput) []*chunk.Chunk {
	const size, overlap = 2048, 200
	text := string(input.Content)
	if len(text) == 0 {
		return nil
	}
	var chunks []*chunk.Chunk
	for start := 0; start < len(text); {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		// Back off so neither cut lands inside a UTF-8 sequence.
		for end < len(text) && end > start && text[end]&0xC0 == 0x80 {
			end--
		}
		chunks = append(chunks, &chunk.Chunk{
			ID:          input.Path + ":" + strconv.Itoa(start),
			FilePath:    input.Path,
			Content:     text[start:end],
			ContentType: chunk.ContentTypeText,
			Language:    input.Language,
			Metadata:    map[string]string{},
		})
		if end == len(text) {
			break
		}
		start = end - overlap
		for start > 0 && text[start]&0xC0 == 0x80 {
			start--
		}
	}
	return chunks
}

// populateGraph records one "defines" edge per code symbol found in c,
// from the owning file to the symbol name, plus a "calls" edge for each
// other known symbol referenced in the symbol's signature. Extraction is a
// cheap substring scan, not a real call graph: it only catches references
// to symbols already seen earlier in the same chunk.
func (p *Pipeline) populateGraph(c *chunk.Chunk) {
	if len(c.Symbols) == 0 {
		return
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, sym := range c.Symbols {
		if sym.Name == "" {
			continue
		}
		p.graph.AddEdge(c.FilePath, "defines", sym.Name, c.ID)
		for other := range seen {
			if strings.Contains(sym.Signature, other) {
				p.graph.AddEdge(sym.Name, "calls", other, c.ID)
			}
		}
		seen[sym.Name] = true
	}
}

func (p *Pipeline) embedAndUpsert(ctx context.Context, chunks []*chunk.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}

	ids := make([]string, len(chunks))
	docs := make([]string, len(chunks))
	metas := make([]map[string]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		docs[i] = c.Content
		meta := map[string]string{
			"source":      c.FilePath,
			"filename":    filepath.Base(c.FilePath),
			"language":    c.Language,
			"source_type": string(c.ContentType),
		}
		for k, v := range c.Metadata {
			meta[k] = v
		}
		metas[i] = meta
	}

	_, err = p.backend.UpsertDocuments(ctx, ids, vectors, docs, metas)
	return err
}
