// Package graph implements the optional graph-augmented retrieval index: an
// entity/relation graph built during indexing, traversable at query time.
// It is gated by a master switch — when disabled, no extractor is
// constructed and the graph/multi query modes are rejected upstream.
package graph

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/SpillwaveSolutions/agent-brain/internal/store"
)

// Edge is a directed relation between two entities, provenanced by the
// chunk it was extracted from.
type Edge struct {
	Relation   string
	Target     string
	ChunkID    string
}

// node is an arena-indexed entity; edges reference other entities by name
// rather than by pointer; there is no owning back-reference, so cycles
// between entities are just data, not a memory-management concern.
type node struct {
	name  string
	edges []Edge
}

// Config tunes traversal and extraction.
type Config struct {
	TraversalDepth int
	RRFConstant    int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{TraversalDepth: 2, RRFConstant: 60}
}

// Index is the in-memory entity/relation graph plus the chunk-text sidecar
// needed to resolve traversal hits back into SearchResults.
type Index struct {
	mu     sync.RWMutex
	cfg    Config
	nodes  map[string]*node
	chunks store.Backend // used only for GetByID resolution of provenance chunks
}

// New constructs an empty graph index. chunks is consulted at query time to
// resolve the provenance chunk of a matched edge into full SearchResult
// text/metadata.
func New(cfg Config, chunks store.Backend) *Index {
	return &Index{cfg: cfg, nodes: make(map[string]*node), chunks: chunks}
}

// AddEdge records a directed relation extracted from chunkID. Both endpoints
// are created on demand.
func (idx *Index) AddEdge(source, relation, target, chunkID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n := idx.getOrCreate(source)
	n.edges = append(n.edges, Edge{Relation: relation, Target: target, ChunkID: chunkID})
	idx.getOrCreate(target)
}

func (idx *Index) getOrCreate(name string) *node {
	n, ok := idx.nodes[name]
	if !ok {
		n = &node{name: name}
		idx.nodes[name] = n
	}
	return n
}

// Reset discards all entities and edges.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.nodes = make(map[string]*node)
}

// EntityCount reports the number of distinct entities in the graph.
func (idx *Index) EntityCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// Traverse finds entities matching query by name substring, walks outgoing
// edges up to the configured depth, and ranks hits by the number of
// distinct traversal paths reaching them (more paths = more relevant).
// Hits with equal scores are returned in no defined order.
func (idx *Index) Traverse(ctx context.Context, query string, topK int) ([]store.SearchResult, error) {
	idx.mu.RLock()
	seeds := idx.matchSeeds(query)
	hits := idx.walk(seeds)
	idx.mu.RUnlock()

	type scored struct {
		chunkID string
		score   float64
	}
	byChunk := map[string]float64{}
	for chunkID, count := range hits {
		byChunk[chunkID] = float64(count)
	}

	ranked := make([]scored, 0, len(byChunk))
	for id, sc := range byChunk {
		ranked = append(ranked, scored{id, sc})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}

	maxScore := 0.0
	for _, r := range ranked {
		if r.score > maxScore {
			maxScore = r.score
		}
	}
	if maxScore == 0 {
		maxScore = 1
	}

	out := make([]store.SearchResult, 0, len(ranked))
	for _, r := range ranked {
		if idx.chunks == nil {
			out = append(out, store.SearchResult{ChunkID: r.chunkID, Score: r.score / maxScore})
			continue
		}
		res, ok, err := idx.chunks.GetByID(ctx, r.chunkID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		res.Score = r.score / maxScore
		out = append(out, *res)
	}
	return out, nil
}

func (idx *Index) matchSeeds(query string) []string {
	q := strings.ToLower(query)
	var seeds []string
	for name := range idx.nodes {
		if strings.Contains(strings.ToLower(name), q) || strings.Contains(q, strings.ToLower(name)) {
			seeds = append(seeds, name)
		}
	}
	return seeds
}

// walk does a breadth-first traversal from seeds up to cfg.TraversalDepth
// hops, counting how many distinct (seed, depth) paths touch each
// provenance chunk.
func (idx *Index) walk(seeds []string) map[string]int {
	counts := make(map[string]int)
	for _, seed := range seeds {
		visited := map[string]bool{seed: true}
		frontier := []string{seed}
		for depth := 0; depth < idx.cfg.TraversalDepth; depth++ {
			var next []string
			for _, name := range frontier {
				n, ok := idx.nodes[name]
				if !ok {
					continue
				}
				for _, e := range n.edges {
					counts[e.ChunkID]++
					if !visited[e.Target] {
						visited[e.Target] = true
						next = append(next, e.Target)
					}
				}
			}
			frontier = next
		}
	}
	return counts
}
