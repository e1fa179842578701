package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

func backoffSleep(ms int) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// distanceOperators maps a configured metric name to the pgvector operator
// that computes it, mirroring the three metrics the relational backend
// supports.
var distanceOperators = map[string]string{
	"cosine":        "<=>",
	"l2":            "<->",
	"inner_product": "<#>",
}

// PostgresBackend is the relational storage backend: a single "documents"
// table carrying the embedding (pgvector) and the full-text tsvector side
// by side, so an upsert is one transaction instead of two systems kept in
// sync. Requires the pgvector extension.
type PostgresBackend struct {
	db     *sql.DB
	metric string
	dims   int
}

var _ Backend = (*PostgresBackend)(nil)

func init() {
	RegisterBackend("postgres", func(ctx context.Context, cfg BackendConfig) (Backend, error) {
		return NewPostgresBackend(ctx, cfg)
	})
}

// NewPostgresBackend opens a connection pool against cfg.DSN and configures
// pool sizing from cfg.PoolSize/PoolMaxOverflow.
func NewPostgresBackend(ctx context.Context, cfg BackendConfig) (*PostgresBackend, error) {
	metric := cfg.DistanceMetric
	if metric == "" {
		metric = "cosine"
	}
	if _, ok := distanceOperators[metric]; !ok {
		return nil, fmt.Errorf("unknown distance metric %q", metric)
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	db.SetMaxOpenConns(poolSize + cfg.PoolMaxOverflow)
	db.SetMaxIdleConns(poolSize)

	if err := pingWithRetry(ctx, db, 5); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	return &PostgresBackend{db: db, metric: metric, dims: cfg.Dimensions}, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB, attempts int) error {
	var lastErr error
	backoff := 250
	for i := 0; i < attempts; i++ {
		if err := db.PingContext(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		backoffSleep(backoff)
		backoff *= 2
	}
	return lastErr
}

func (b *PostgresBackend) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			chunk_id TEXT PRIMARY KEY,
			document_text TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding VECTOR(%d),
			tsv TSVECTOR,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, maxInt(b.dims, 1)),
		`CREATE INDEX IF NOT EXISTS idx_documents_tsv ON documents USING GIN(tsv)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_metadata ON documents USING GIN(metadata)`,
		`CREATE TABLE IF NOT EXISTS embedding_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			dimensions INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := b.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (b *PostgresBackend) UpsertDocuments(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []map[string]string) (int, error) {
	if len(ids) != len(embeddings) || len(ids) != len(documents) || len(ids) != len(metadatas) {
		return 0, fmt.Errorf("upsert_documents: ids/embeddings/documents/metadatas length mismatch")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO documents (chunk_id, document_text, metadata, embedding, tsv, updated_at)
VALUES ($1, $2, $3, $4::vector, setweight(to_tsvector('english', coalesce($5,'')), 'A') ||
                     setweight(to_tsvector('english', coalesce($6,'')), 'B') ||
                     setweight(to_tsvector('english', $2), 'C'), now())
ON CONFLICT (chunk_id) DO UPDATE SET
	document_text = excluded.document_text,
	metadata = excluded.metadata,
	embedding = excluded.embedding,
	tsv = excluded.tsv,
	updated_at = now()`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for i, id := range ids {
		meta := metadatas[i]
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return 0, fmt.Errorf("encode metadata for %s: %w", id, err)
		}
		title := meta["filename"]
		if meta["title"] != "" {
			title = meta["title"]
		}
		summary := meta["summary"]
		if _, err := stmt.ExecContext(ctx, id, documents[i], string(metaJSON), vectorLiteral(embeddings[i]), title, summary); err != nil {
			return 0, fmt.Errorf("upsert chunk %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (b *PostgresBackend) VectorSearch(ctx context.Context, queryEmbedding []float32, topK int, minScore float64, filter *Filter) ([]SearchResult, error) {
	topK = clampTopK(topK)
	if topK == 0 {
		return nil, nil
	}
	op := distanceOperators[b.metric]

	query := fmt.Sprintf(`
SELECT chunk_id, document_text, metadata, embedding %s $1::vector AS distance
FROM documents`, op)
	args := []any{vectorLiteral(queryEmbedding)}
	query, args = appendMetadataFilter(query, args, filter)
	query += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", len(args)+1)
	args = append(args, topK)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var id, text, metaJSON string
		var distance float64
		if err := rows.Scan(&id, &text, &metaJSON, &distance); err != nil {
			return nil, err
		}
		score := normalizeDistance(distance, b.metric)
		if score < minScore {
			continue
		}
		var meta map[string]string
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		vs := score
		results = append(results, SearchResult{ChunkID: id, Text: text, Metadata: meta, Score: score, VectorScore: &vs})
	}
	return results, rows.Err()
}

// normalizeDistance converts a raw pgvector distance into the shared [0,1]
// score contract. cosine: 1-d clamped; l2: 1/(1+d); inner_product: -d clamped.
func normalizeDistance(distance float64, metric string) float64 {
	switch metric {
	case "cosine":
		s := 1.0 - distance
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		return s
	case "l2":
		return 1.0 / (1.0 + distance)
	case "inner_product":
		s := -distance
		if s < 0 {
			s = 0
		}
		return s
	default:
		return 0
	}
}

func (b *PostgresBackend) KeywordSearch(ctx context.Context, query string, topK int, filter *Filter) ([]SearchResult, error) {
	topK = clampTopK(topK)
	if topK == 0 {
		return nil, nil
	}

	sqlQuery := `
SELECT chunk_id, document_text, metadata, ts_rank(tsv, websearch_to_tsquery('english', $1)) AS rank
FROM documents
WHERE tsv @@ websearch_to_tsquery('english', $1)`
	args := []any{query}
	sqlQuery, args = appendMetadataFilter(sqlQuery, args, filter)
	sqlQuery += fmt.Sprintf(" ORDER BY rank DESC LIMIT $%d", len(args)+1)
	args = append(args, topK)

	rows, err := b.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var id, text, metaJSON string
		var rank float64
		if err := rows.Scan(&id, &text, &metaJSON, &rank); err != nil {
			return nil, err
		}
		var meta map[string]string
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		bs := rank
		results = append(results, SearchResult{ChunkID: id, Text: text, Metadata: meta, Score: rank, BM25Score: &bs})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return normalizeKeywordScores(results), nil
}

// appendMetadataFilter adds metadata filters to a WHERE/AND clause built so
// far, matching each filtered key with metadata->>'key' = ANY(array).
func appendMetadataFilter(query string, args []any, filter *Filter) (string, []any) {
	if filter == nil || (len(filter.SourceTypes) == 0 && len(filter.Languages) == 0) {
		return query, args
	}
	clauses := []string{}
	if len(filter.SourceTypes) > 0 {
		args = append(args, pqStringArray(filter.SourceTypes))
		clauses = append(clauses, fmt.Sprintf("metadata->>'source_type' = ANY($%d)", len(args)))
	}
	if len(filter.Languages) > 0 {
		args = append(args, pqStringArray(filter.Languages))
		clauses = append(clauses, fmt.Sprintf("metadata->>'language' = ANY($%d)", len(args)))
	}
	connector := " AND "
	if !strings.Contains(strings.ToUpper(query), "WHERE") {
		connector = " WHERE "
	}
	for i, c := range clauses {
		if i > 0 {
			connector = " AND "
		}
		query += connector + c
	}
	return query, args
}

func pqStringArray(values []string) string {
	return "{" + strings.Join(values, ",") + "}"
}

func (b *PostgresBackend) GetCount(ctx context.Context, filter *Filter) (int, error) {
	query := "SELECT COUNT(*) FROM documents"
	args := []any{}
	query, args = appendMetadataFilter(query, args, filter)
	var n int
	if err := b.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (b *PostgresBackend) GetByID(ctx context.Context, chunkID string) (*SearchResult, bool, error) {
	row := b.db.QueryRowContext(ctx, `SELECT chunk_id, document_text, metadata FROM documents WHERE chunk_id = $1`, chunkID)
	var id, text, metaJSON string
	if err := row.Scan(&id, &text, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	var meta map[string]string
	_ = json.Unmarshal([]byte(metaJSON), &meta)
	return &SearchResult{ChunkID: id, Text: text, Metadata: meta}, true, nil
}

func (b *PostgresBackend) Reset(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "TRUNCATE documents"); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, "DELETE FROM embedding_metadata")
	return err
}

func (b *PostgresBackend) GetEmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, bool, error) {
	row := b.db.QueryRowContext(ctx, "SELECT provider, model, dimensions FROM embedding_metadata WHERE id = 1")
	var m EmbeddingMetadata
	if err := row.Scan(&m.Provider, &m.Model, &m.Dimensions); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &m, true, nil
}

func (b *PostgresBackend) SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error {
	existing, ok, err := b.GetEmbeddingMetadata(ctx)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("embedding metadata already set (provider=%s model=%s dims=%d); reset required to change it", existing.Provider, existing.Model, existing.Dimensions)
	}
	_, err = b.db.ExecContext(ctx, `INSERT INTO embedding_metadata (id, provider, model, dimensions) VALUES (1, $1, $2, $3)`,
		meta.Provider, meta.Model, meta.Dimensions)
	return err
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
