package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// chunkStore is the local backend's sidecar record of chunk text and
// metadata, keyed by chunk id. The vector store only knows ids and vectors,
// and the BM25 index only knows ids and tokenised content, so something has
// to own the retrievable text and filterable metadata columns the way a
// relational backend keeps them in one row. It also owns the collection's
// embedding provenance, following the same "small state table" pattern the
// BM25 sidecar uses for its own bookkeeping.
type chunkStore struct {
	mu sync.RWMutex
	db *sql.DB
}

func newChunkStore(path string) (*chunkStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create chunk store directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}

	schema := `
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	source_type TEXT,
	language TEXT,
	metadata TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_source_type ON chunks(source_type);
CREATE INDEX IF NOT EXISTS idx_chunks_language ON chunks(language);
CREATE TABLE IF NOT EXISTS provenance (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	dimensions INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chunk store schema: %w", err)
	}
	return &chunkStore{db: db}, nil
}

func (s *chunkStore) upsert(ctx context.Context, ids []string, documents []string, metadatas []map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (chunk_id, text, source_type, language, metadata)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(chunk_id) DO UPDATE SET
	text=excluded.text, source_type=excluded.source_type,
	language=excluded.language, metadata=excluded.metadata`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, id := range ids {
		meta := metadatas[i]
		encoded, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, documents[i], meta["source_type"], meta["language"], string(encoded)); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *chunkStore) get(ctx context.Context, id string) (*SearchResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT text, metadata FROM chunks WHERE chunk_id = ?`, id)
	var text, metaJSON string
	if err := row.Scan(&text, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, false, fmt.Errorf("decode metadata: %w", err)
	}
	return &SearchResult{ChunkID: id, Text: text, Metadata: meta}, true, nil
}

func (s *chunkStore) count(ctx context.Context, filter *Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := filterQuery("SELECT COUNT(*) FROM chunks", filter)
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// batchGet returns the chunks among ids that pass the given filter, keyed by
// chunk id.
func (s *chunkStore) batchGet(ctx context.Context, ids []string, filter *Filter) (map[string]SearchResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+4)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf("SELECT chunk_id, text, metadata FROM chunks WHERE chunk_id IN (%s)", joinPlaceholders(placeholders))
	query, args = applyFilterClauses(query, args, filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]SearchResult, len(ids))
	for rows.Next() {
		var id, text, metaJSON string
		if err := rows.Scan(&id, &text, &metaJSON); err != nil {
			return nil, err
		}
		var meta map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		out[id] = SearchResult{ChunkID: id, Text: text, Metadata: meta}
	}
	return out, rows.Err()
}

func (s *chunkStore) reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM provenance")
	return err
}

func (s *chunkStore) getProvenance(ctx context.Context) (*EmbeddingMetadata, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, "SELECT provider, model, dimensions FROM provenance WHERE id = 1")
	var m EmbeddingMetadata
	if err := row.Scan(&m.Provider, &m.Model, &m.Dimensions); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &m, true, nil
}

func (s *chunkStore) setProvenance(ctx context.Context, m EmbeddingMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO provenance (id, provider, model, dimensions) VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET provider=excluded.provider, model=excluded.model, dimensions=excluded.dimensions`,
		m.Provider, m.Model, m.Dimensions)
	return err
}

func (s *chunkStore) close() error {
	return s.db.Close()
}

func filterQuery(base string, filter *Filter) (string, []any) {
	return applyFilterClauses(base, nil, filter)
}

func applyFilterClauses(base string, args []any, filter *Filter) (string, []any) {
	if filter == nil || (len(filter.SourceTypes) == 0 && len(filter.Languages) == 0) {
		return base, args
	}
	clauses := []string{}
	if len(filter.SourceTypes) > 0 {
		ph := make([]string, len(filter.SourceTypes))
		for i, v := range filter.SourceTypes {
			ph[i] = "?"
			args = append(args, v)
		}
		clauses = append(clauses, "source_type IN ("+joinPlaceholders(ph)+")")
	}
	if len(filter.Languages) > 0 {
		ph := make([]string, len(filter.Languages))
		for i, v := range filter.Languages {
			ph[i] = "?"
			args = append(args, v)
		}
		clauses = append(clauses, "language IN ("+joinPlaceholders(ph)+")")
	}
	connector := " WHERE "
	for _, c := range clauses {
		if containsWhere(base) {
			connector = " AND "
		}
		base += connector + c
		connector = " AND "
	}
	return base, args
}

func containsWhere(q string) bool {
	for i := 0; i+5 <= len(q); i++ {
		if q[i:i+5] == "WHERE" {
			return true
		}
	}
	return false
}

func joinPlaceholders(ph []string) string {
	out := ""
	for i, p := range ph {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
