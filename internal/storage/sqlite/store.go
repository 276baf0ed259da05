// Package sqlite implements the local lexical+vector backend: one embedded
// SQLite store holding the records table, an FTS5 full-text index kept in
// sync by triggers, and a content-hash embedding cache. Vector scoring is a
// brute-force cosine scan over stored embeddings — acceptable because the
// tiers this backend serves are size-bounded by migration.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/keepstack/engram/internal/embedding"
	"github.com/keepstack/engram/internal/storage"
	"github.com/keepstack/engram/pkg/types"
)

// Compile-time capability checks.
var (
	_ storage.Backend        = (*Store)(nil)
	_ storage.LevelUpgrader  = (*Store)(nil)
	_ storage.DuplicateAdmin = (*Store)(nil)
)

// Config holds the tunables of the local backend.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral store.
	Path string

	// VectorWeight is the vector share of the combined score, in [0,1].
	// Default 0.7; the lexical share is the complement.
	VectorWeight float64

	// DuplicateThreshold is the same-level similarity at or above which an
	// add is treated as a duplicate. Default 0.95.
	DuplicateThreshold float64

	// EmbeddingCacheSize bounds the in-process LRU in front of the
	// embedding_cache table. Default 1024.
	EmbeddingCacheSize int
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = ":memory:"
	}
	if c.VectorWeight <= 0 || c.VectorWeight > 1 {
		c.VectorWeight = 0.7
	}
	if c.DuplicateThreshold <= 0 || c.DuplicateThreshold > 1 {
		c.DuplicateThreshold = 0.95
	}
	if c.EmbeddingCacheSize <= 0 {
		c.EmbeddingCacheSize = 1024
	}
	return c
}

// Store is the local lexical+vector backend.
type Store struct {
	db       *sql.DB
	cfg      Config
	embedder embedding.Embedder
	logger   *zap.Logger
	cache    *lru.Cache[string, []float32]

	ftsEnabled bool

	mu     sync.Mutex
	closed bool
}

// New opens (or creates) the store at cfg.Path. embedder may be nil, in
// which case the backend runs lexical-only and duplicate detection falls
// back to exact content matching.
func New(cfg Config, embedder embedding.Embedder, logger *zap.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL
	// lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{
		db:       db,
		cfg:      cfg,
		embedder: embedder,
		logger:   logger,
	}

	// FTS5 availability depends on the SQLite build; without it the backend
	// degrades to keyword matching.
	if _, err := db.Exec(ftsSchema); err != nil {
		logger.Warn("FTS5 unavailable, using keyword fallback", zap.Error(err))
	} else {
		s.ftsEnabled = true
	}

	s.cache, err = lru.New[string, []float32](cfg.EmbeddingCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating embedding LRU: %w", err)
	}

	return s, nil
}

// Add stores the entry, computing and caching its embedding when a provider
// is configured. A same-level near-duplicate short-circuits the write and
// returns the existing entry's ID.
func (s *Store) Add(ctx context.Context, entry *types.MemoryEntry) (string, error) {
	if entry == nil || entry.ID == "" {
		return "", fmt.Errorf("%w: entry with ID is required", storage.ErrInvalidInput)
	}
	if entry.Content == "" {
		return "", fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	if !entry.Level.Valid() {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidLevel, entry.Level)
	}

	vec := entry.Embedding
	if vec == nil && s.embedder != nil {
		embedded, err := s.embedText(ctx, entry.Content)
		if err != nil {
			// Embedding failure never fails the add; the record is stored
			// without a vector and remains findable lexically.
			s.logger.Warn("embedding unavailable on add", zap.String("id", entry.ID), zap.Error(err))
		} else {
			vec = embedded
		}
	}

	if existing, err := s.findDuplicate(ctx, entry.Level, entry.Content, vec); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	var metadataJSON []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshaling metadata: %w", err)
		}
	}

	var blob []byte
	if vec != nil {
		blob = encodeVector(vec)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, metadata, level, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		entry.ID, entry.Content, metadataJSON, string(entry.Level), blob,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("inserting memory: %w", err)
	}

	return entry.ID, nil
}

// findDuplicate returns the ID of an existing same-level entry whose
// similarity to the candidate meets the duplicate threshold, or "" when the
// candidate is novel. Exact content equality is checked first: it catches
// rows stored vectorless during an embedder outage, which the cosine scan
// cannot see. With a query vector the scan then covers near-duplicates.
func (s *Store) findDuplicate(ctx context.Context, level types.MemoryLevel, content string, vec []float32) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM memories WHERE level = ? AND content = ? LIMIT 1`,
		string(level), content).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("duplicate check: %w", err)
	}
	if vec == nil {
		return "", nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM memories WHERE level = ? AND embedding IS NOT NULL`,
		string(level))
	if err != nil {
		return "", fmt.Errorf("duplicate check: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		stored, err := decodeVector(blob)
		if err != nil {
			continue
		}
		sim := embedding.UnitSimilarity(embedding.CosineSimilarity(vec, stored))
		if sim >= s.cfg.DuplicateThreshold {
			return id, nil
		}
	}
	return "", rows.Err()
}

// embedText computes the embedding for text, consulting the in-process LRU
// and the embedding_cache table before calling the provider. Cache entries
// are never evicted from the table; the corpus bounds its size.
func (s *Store) embedText(ctx context.Context, text string) ([]float32, error) {
	hash := contentHash(text)

	if vec, ok := s.cache.Get(hash); ok {
		return vec, nil
	}

	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM embedding_cache WHERE content_hash = ?`, hash).Scan(&blob)
	if err == nil {
		vec, decErr := decodeVector(blob)
		if decErr == nil {
			s.cache.Add(hash, vec)
			return vec, nil
		}
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("reading embedding cache: %w", err)
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (content_hash, embedding) VALUES (?, ?)
		ON CONFLICT(content_hash) DO NOTHING`, hash, encodeVector(vec)); err != nil {
		s.logger.Warn("caching embedding failed", zap.Error(err))
	}
	s.cache.Add(hash, vec)

	return vec, nil
}

// Delete removes the entry. Absence returns (false, nil).
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: id is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting memory: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetByLevel returns all entries at the level, unordered.
func (s *Store) GetByLevel(ctx context.Context, level types.MemoryLevel) ([]types.MemoryEntry, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidLevel, level)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, metadata, level, embedding, created_at
		FROM memories WHERE level = ?`, string(level))
	if err != nil {
		return nil, fmt.Errorf("listing by level: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// UpgradeLevel sets the entry's retention level. The ID is never rewritten:
// it records the level at creation time, not the current one.
func (s *Store) UpgradeLevel(ctx context.Context, id string, level types.MemoryLevel) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: id is required", storage.ErrInvalidInput)
	}
	if !level.Valid() {
		return false, fmt.Errorf("%w: %q", types.ErrInvalidLevel, level)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE memories SET level = ? WHERE id = ?`, string(level), id)
	if err != nil {
		return false, fmt.Errorf("upgrading level: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected > 0, nil
}

// Stats reports live counts, FTS availability, and embedding-cache size.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := storage.NewStats("sqlite")
	stats.FTSEnabled = s.ftsEnabled

	rows, err := s.db.QueryContext(ctx,
		`SELECT level, COUNT(*) FROM memories GROUP BY level`)
	if err != nil {
		return nil, fmt.Errorf("counting memories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var levelStr string
		var count int
		if err := rows.Scan(&levelStr, &count); err != nil {
			return nil, fmt.Errorf("scanning counts: %w", err)
		}
		level, err := types.ParseLevel(levelStr)
		if err != nil {
			continue
		}
		stats.ByLevel[level] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embedding_cache`).Scan(&stats.EmbeddingCacheSize); err != nil {
		return nil, fmt.Errorf("counting embedding cache: %w", err)
	}

	return stats, nil
}

// Close releases the database handle. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// scanEntries reads full memory rows. The SELECT column order must match
// Add's insert order: id, content, metadata, level, embedding, created_at.
func scanEntries(rows *sql.Rows) ([]types.MemoryEntry, error) {
	var entries []types.MemoryEntry

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (*types.MemoryEntry, error) {
	var entry types.MemoryEntry
	var metadataJSON sql.NullString
	var levelStr, createdAt string
	var blob []byte

	if err := rows.Scan(&entry.ID, &entry.Content, &metadataJSON, &levelStr, &blob, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning memory row: %w", err)
	}

	level, err := types.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	entry.Level = level

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata for %s: %w", entry.ID, err)
		}
	}

	if blob != nil {
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", entry.ID, err)
		}
		entry.Embedding = vec
	}

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at for %s: %w", entry.ID, err)
	}
	entry.CreatedAt = ts

	return &entry, nil
}
