// Package vectorstore is the knowledge base backing knowledge_search.
//
// Documents live in SQLite with an FTS5 keyword index and, when an
// embedder is configured, a sqlite-vec table for semantic search. Search
// is hybrid: both indexes are queried and their scores merged. Either leg
// failing degrades to the other.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/olehsavchenko/ava/internal/observability"
	"github.com/olehsavchenko/ava/internal/tracing"
)

func init() {
	sqlite_vec.Auto()
}

// Document is one knowledge base entry
type Document struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SearchResult is a document with its relevance score
type SearchResult struct {
	Document
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

// SearchOptions tunes hybrid search
type SearchOptions struct {
	Limit         int     `json:"limit"`
	VectorWeight  float64 `json:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight"`
	MinScore      float64 `json:"min_score"`
}

// Stats summarizes the store
type Stats struct {
	Documents     int      `json:"documents"`
	CacheHitRate  *float64 `json:"embedding_cache_hit_rate,omitempty"`
	HasEmbeddings bool     `json:"has_embeddings"`
}

// Config holds store configuration
type Config struct {
	DBPath   string
	Embedder Embedder // optional, nil means keyword-only search
	Logger   zerolog.Logger
}

// Store is the SQLite-backed knowledge base
type Store struct {
	db       *sql.DB
	embedder Embedder
	logger   zerolog.Logger

	mu    sync.Mutex
	stats struct {
		cacheHits   int
		cacheMisses int
	}
}

// New opens or creates the store
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:       db,
		embedder: cfg.Embedder,
		logger:   cfg.Logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("db", cfg.DBPath).Bool("embeddings", cfg.Embedder != nil).Msg("Knowledge store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
			doc_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if s.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				doc_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, s.embedder.Dimension())
		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}
	return nil
}

// Add inserts documents. Documents without an ID get one assigned; an
// existing ID is overwritten. The assigned IDs are returned in order.
func (s *Store) Add(ctx context.Context, docs []Document) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "vectorstore", "vectorstore.add",
		attribute.Int("documents", len(docs)),
	)
	defer span.End()

	if len(docs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc.Content == "" {
			return nil, errors.New("document content cannot be empty")
		}
		if doc.ID == "" {
			doc.ID = uuid.New().String()
		}

		var metadataJSON []byte
		if doc.Metadata != nil {
			metadataJSON, err = json.Marshal(doc.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal metadata: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM documents_fts WHERE doc_id = ?", doc.ID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO documents (id, content, metadata, created_at) VALUES (?, ?, ?, ?)",
			doc.ID, doc.Content, metadataJSON, time.Now().Unix(),
		); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO documents_fts (doc_id, content) VALUES (?, ?)",
			doc.ID, doc.Content,
		); err != nil {
			return nil, err
		}

		if s.embedder != nil {
			if err := s.storeEmbedding(ctx, tx, doc.ID, doc.Content); err != nil {
				s.logger.Warn().Err(err).Str("doc_id", doc.ID).Msg("Failed to store embedding")
			}
		}

		ids = append(ids, doc.ID)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Debug().Int("documents", len(ids)).Msg("Documents added")
	return ids, nil
}

// storeEmbedding embeds content and writes it to the vector table,
// going through the content-hash cache first
func (s *Store) storeEmbedding(ctx context.Context, tx *sql.Tx, docID, content string) error {
	hashBytes := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(hashBytes[:])

	var cached []byte
	err := tx.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE content_hash = ?", contentHash).Scan(&cached)

	var embedding []float32
	if err == nil {
		s.mu.Lock()
		s.stats.cacheHits++
		s.mu.Unlock()
		if err := json.Unmarshal(cached, &embedding); err != nil {
			return fmt.Errorf("failed to unmarshal cached embedding: %w", err)
		}
	} else {
		s.mu.Lock()
		s.stats.cacheMisses++
		s.mu.Unlock()

		embedding, err = s.embedder.Embed(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}

		embeddingJSON, err := json.Marshal(embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			contentHash, embeddingJSON, len(embedding), time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to cache embedding: %w", err)
		}
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO embeddings (doc_id, embedding) VALUES (?, ?)",
		docID, string(embeddingJSON),
	); err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

// Search runs hybrid search over the store
func (s *Store) Search(ctx context.Context, query string, opts *SearchOptions) ([]SearchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "vectorstore", "vectorstore.search",
		attribute.String("query", query),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() {
		observability.RecordKnowledgeSearch(time.Since(start))
	}()

	if query == "" {
		return []SearchResult{}, nil
	}
	if opts == nil {
		opts = &SearchOptions{}
	}
	if opts.Limit <= 0 {
		opts.Limit = 5
	}
	if opts.VectorWeight == 0 && opts.KeywordWeight == 0 {
		opts.VectorWeight = 0.7
		opts.KeywordWeight = 0.3
	}

	var vectorResults []vectorHit
	var keywordResults []keywordHit
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if s.embedder != nil {
			vectorResults, vectorErr = s.vectorSearch(ctx, query, 200)
		}
	}()
	go func() {
		defer wg.Done()
		keywordResults, keywordErr = s.keywordSearch(ctx, query, 200)
	}()
	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if vectorErr != nil && keywordErr != nil {
		span.SetStatus(codes.Error, "both search legs failed")
		return nil, fmt.Errorf("search failed: %v; %v", vectorErr, keywordErr)
	}

	results := s.merge(ctx, vectorResults, keywordResults, opts)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	logger.Debug().Str("query", query).Int("results", len(results)).Msg("Knowledge search completed")
	return results, nil
}

type vectorHit struct {
	docID      string
	similarity float64
}

type keywordHit struct {
	docID     string
	bm25Score float64
}

func (s *Store) vectorSearch(ctx context.Context, query string, limit int) ([]vectorHit, error) {
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, vec_distance_cosine(embedding, ?) AS distance
		FROM embeddings
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var docID string
		var distance float64
		if err := rows.Scan(&docID, &distance); err != nil {
			return nil, err
		}
		hits = append(hits, vectorHit{docID: docID, similarity: 1.0 - distance})
	}
	return hits, rows.Err()
}

func (s *Store) keywordSearch(ctx context.Context, query string, limit int) ([]keywordHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, bm25(documents_fts) AS score
		FROM documents_fts
		WHERE documents_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var docID string
		var score float64
		if err := rows.Scan(&docID, &score); err != nil {
			return nil, err
		}
		// BM25 scores come back negative.
		hits = append(hits, keywordHit{docID: docID, bm25Score: -score})
	}
	return hits, rows.Err()
}

func (s *Store) merge(ctx context.Context, vectorHits []vectorHit, keywordHits []keywordHit, opts *SearchOptions) []SearchResult {
	vectorMap := make(map[string]float64)
	keywordMap := make(map[string]float64)

	var maxKeyword float64
	for _, h := range vectorHits {
		vectorMap[h.docID] = h.similarity
	}
	for _, h := range keywordHits {
		keywordMap[h.docID] = h.bm25Score
		if h.bm25Score > maxKeyword {
			maxKeyword = h.bm25Score
		}
	}

	docIDs := make(map[string]bool)
	for id := range vectorMap {
		docIDs[id] = true
	}
	for id := range keywordMap {
		docIDs[id] = true
	}

	type scoredHit struct {
		docID        string
		score        float64
		vectorScore  *float64
		keywordScore *float64
	}

	var scored []scoredHit
	for docID := range docIDs {
		var normalizedVector, normalizedKeyword float64

		if similarity, ok := vectorMap[docID]; ok {
			// Map similarity [-1, 1] to [0, 1].
			normalizedVector = (similarity + 1) / 2
		}
		if bm25, ok := keywordMap[docID]; ok && maxKeyword > 0 {
			normalizedKeyword = bm25 / maxKeyword
		}

		combined := normalizedVector*opts.VectorWeight + normalizedKeyword*opts.KeywordWeight
		if opts.MinScore > 0 && combined < opts.MinScore {
			continue
		}

		var vecPtr, keyPtr *float64
		if _, ok := vectorMap[docID]; ok {
			v := normalizedVector
			vecPtr = &v
		}
		if _, ok := keywordMap[docID]; ok {
			k := normalizedKeyword
			keyPtr = &k
		}

		scored = append(scored, scoredHit{docID: docID, score: combined, vectorScore: vecPtr, keywordScore: keyPtr})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].docID < scored[j].docID
	})

	results := make([]SearchResult, 0, len(scored))
	for _, hit := range scored {
		var content string
		var metadataJSON sql.NullString
		err := s.db.QueryRowContext(ctx,
			"SELECT content, metadata FROM documents WHERE id = ?", hit.docID,
		).Scan(&content, &metadataJSON)
		if err != nil {
			s.logger.Warn().Err(err).Str("doc_id", hit.docID).Msg("Failed to fetch document")
			continue
		}

		doc := Document{ID: hit.docID, Content: content}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &doc.Metadata); err != nil {
				s.logger.Warn().Err(err).Str("doc_id", hit.docID).Msg("Failed to parse document metadata")
			}
		}

		results = append(results, SearchResult{
			Document:     doc,
			Score:        hit.score,
			VectorScore:  hit.vectorScore,
			KeywordScore: hit.keywordScore,
		})
	}
	return results
}

// Delete removes documents by ID and returns how many existed
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "vectorstore", "vectorstore.delete",
		attribute.Int("documents", len(ids)),
	)
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleted := 0
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
		if err != nil {
			return 0, err
		}
		if n, _ := result.RowsAffected(); n > 0 {
			deleted++
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents_fts WHERE doc_id = ?", id); err != nil {
			return 0, err
		}
		if s.embedder != nil {
			if _, err := tx.ExecContext(ctx, "DELETE FROM embeddings WHERE doc_id = ?", id); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Debug().Int("deleted", deleted).Msg("Documents deleted")
	return deleted, nil
}

// GetStats returns store statistics
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&stats.Documents); err != nil {
		return Stats{}, fmt.Errorf("failed to count documents: %w", err)
	}
	stats.HasEmbeddings = s.embedder != nil

	s.mu.Lock()
	total := s.stats.cacheHits + s.stats.cacheMisses
	if total > 0 {
		rate := float64(s.stats.cacheHits) / float64(total)
		stats.CacheHitRate = &rate
	}
	s.mu.Unlock()

	return stats, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	s.logger.Info().Msg("Closing knowledge store")
	return s.db.Close()
}
