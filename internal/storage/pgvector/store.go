package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgv "github.com/pgvector/pgvector-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/keepstack/engram/internal/embedding"
	"github.com/keepstack/engram/internal/storage"
	"github.com/keepstack/engram/pkg/types"
)

// Compile-time capability checks.
var (
	_ storage.Backend       = (*Store)(nil)
	_ storage.LevelUpgrader = (*Store)(nil)
)

// Config holds the tunables of the remote backend.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// DuplicateThreshold is the same-level similarity at or above which an
	// add is treated as a duplicate. Default 0.95.
	DuplicateThreshold float64

	// ArchiveDir is where monthly JSONL archive partitions are written.
	ArchiveDir string

	// ArchiveInterval is the self-archival sweep period. Default 6 hours.
	ArchiveInterval time.Duration

	// ArchiveAfter is the per-level age beyond which a live record is moved
	// to the archive log. Levels absent from the map are never archived;
	// P0 entries in the map are ignored. Defaults: P1 90 days, P2 30 days.
	ArchiveAfter map[types.MemoryLevel]time.Duration

	// BreakerMaxFailures is the consecutive-failure count that opens the
	// circuit around remote operations. Default 5.
	BreakerMaxFailures uint32

	// BreakerCooldown is how long the circuit stays open. Default 30s.
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.DuplicateThreshold <= 0 || c.DuplicateThreshold > 1 {
		c.DuplicateThreshold = 0.95
	}
	if c.ArchiveInterval <= 0 {
		c.ArchiveInterval = 6 * time.Hour
	}
	if c.ArchiveAfter == nil {
		c.ArchiveAfter = map[types.MemoryLevel]time.Duration{
			types.LevelP1: 90 * 24 * time.Hour,
			types.LevelP2: 30 * 24 * time.Hour,
		}
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// Store is the remote vector backend. Scoring delegates entirely to
// pgvector's cosine distance, normalized into the engine-wide [0,1] score
// convention: the `<=>` operator returns a distance in [0,2], mapped by
// similarity = 1 - distance/2.
type Store struct {
	db       *sql.DB
	cfg      Config
	embedder embedding.Embedder
	archive  *ArchiveLog
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	clock    func() time.Time

	mu     sync.Mutex
	closed bool
}

// New opens the remote store, applies the schema, and prepares the archive
// log. An embedding provider is required: this backend has no lexical signal.
func New(cfg Config, embedder embedding.Embedder, logger *zap.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN is required")
	}
	if embedder == nil {
		return nil, errors.New("embedding provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping failed: %v", storage.ErrBackendUnavailable, err)
	}

	if _, err := db.Exec(schema(embedder.Dimensions())); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	var archive *ArchiveLog
	if cfg.ArchiveDir != "" {
		archive, err = NewArchiveLog(cfg.ArchiveDir)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &Store{
		db:       db,
		cfg:      cfg,
		embedder: embedder,
		archive:  archive,
		logger:   logger,
		clock:    time.Now,
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "PgvectorStore",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("remote store circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return s, nil
}

// execute runs fn through the circuit breaker, translating an open circuit
// into ErrBackendUnavailable so callers degrade instead of queueing behind a
// known-dead remote.
func (s *Store) execute(fn func() (any, error)) (any, error) {
	result, err := s.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", storage.ErrBackendUnavailable)
		}
		return nil, err
	}
	return result, nil
}

// Add stores the entry after embedding its content. A same-level record at
// or above the duplicate threshold short-circuits the write and returns the
// existing entry's ID.
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
	if vec == nil {
		var err error
		vec, err = s.embedder.Embed(ctx, entry.Content)
		if err != nil {
			return "", fmt.Errorf("%w: embedding failed: %v", storage.ErrBackendUnavailable, err)
		}
	}

	result, err := s.execute(func() (any, error) {
		if existing, err := s.findDuplicate(ctx, entry.Level, vec); err != nil {
			return nil, err
		} else if existing != "" {
			return existing, nil
		}

		var metadataJSON []byte
		if len(entry.Metadata) > 0 {
			var err error
			metadataJSON, err = json.Marshal(entry.Metadata)
			if err != nil {
				return nil, fmt.Errorf("marshaling metadata: %w", err)
			}
		}

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (id, content, metadata, level, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
			entry.ID, entry.Content, metadataJSON, string(entry.Level),
			pgv.NewVector(vec), entry.CreatedAt.UTC())
		if err != nil {
			return nil, fmt.Errorf("inserting memory: %w", err)
		}
		return entry.ID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (s *Store) findDuplicate(ctx context.Context, level types.MemoryLevel, vec []float32) (string, error) {
	var id string
	var distance float64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, embedding <=> $1
		FROM memories
		WHERE level = $2
		ORDER BY embedding <=> $1
		LIMIT 1`, pgv.NewVector(vec), string(level)).Scan(&id, &distance)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("duplicate check: %w", err)
	}
	if 1-distance/2 >= s.cfg.DuplicateThreshold {
		return id, nil
	}
	return "", nil
}

// Search embeds the query and ranks by the remote cosine distance.
func (s *Store) Search(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
	opts = opts.Normalize()
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", storage.ErrInvalidInput)
	}
	if opts.Level != "" && !opts.Level.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidLevel, opts.Level)
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query embedding failed: %v", storage.ErrBackendUnavailable, err)
	}

	result, err := s.execute(func() (any, error) {
		querySQL := `
			SELECT id, content, metadata, level, embedding, created_at,
			       embedding <=> $1 AS distance
			FROM memories`
		args := []any{pgv.NewVector(queryVec)}
		if opts.Level != "" {
			querySQL += ` WHERE level = $2`
			args = append(args, string(opts.Level))
		}
		querySQL += fmt.Sprintf(` ORDER BY distance, created_at DESC LIMIT $%d`, len(args)+1)
		args = append(args, opts.Limit)

		rows, err := s.db.QueryContext(ctx, querySQL, args...)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		defer rows.Close()

		var results []storage.SearchResult
		for rows.Next() {
			entry, distance, err := scanScoredEntry(rows)
			if err != nil {
				return nil, err
			}
			score := 1 - distance/2
			if score < 0 {
				score = 0
			}
			if score < opts.MinScore {
				continue
			}
			results = append(results, storage.SearchResult{
				MemoryEntry: *entry,
				Score:       score,
				VectorScore: score,
			})
		}
		return results, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]storage.SearchResult), nil
}

// Delete removes the entry. Absence returns (false, nil).
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: id is required", storage.ErrInvalidInput)
	}

	result, err := s.execute(func() (any, error) {
		res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
		if err != nil {
			return nil, fmt.Errorf("deleting memory: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking rows affected: %w", err)
		}
		return affected > 0, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// GetByLevel returns all entries at the level, unordered, embeddings included
// so tier moves carry vectors instead of recomputing them.
func (s *Store) GetByLevel(ctx context.Context, level types.MemoryLevel) ([]types.MemoryEntry, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidLevel, level)
	}

	result, err := s.execute(func() (any, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, content, metadata, level, embedding, created_at
			FROM memories WHERE level = $1`, string(level))
		if err != nil {
			return nil, fmt.Errorf("listing by level: %w", err)
		}
		defer rows.Close()

		var entries []types.MemoryEntry
		for rows.Next() {
			entry, err := scanEntry(rows)
			if err != nil {
				return nil, err
			}
			entries = append(entries, *entry)
		}
		return entries, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]types.MemoryEntry), nil
}

// UpgradeLevel sets the entry's retention level.
func (s *Store) UpgradeLevel(ctx context.Context, id string, level types.MemoryLevel) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: id is required", storage.ErrInvalidInput)
	}
	if !level.Valid() {
		return false, fmt.Errorf("%w: %q", types.ErrInvalidLevel, level)
	}

	result, err := s.execute(func() (any, error) {
		res, err := s.db.ExecContext(ctx,
			`UPDATE memories SET level = $1 WHERE id = $2`, string(level), id)
		if err != nil {
			return nil, fmt.Errorf("upgrading level: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking rows affected: %w", err)
		}
		return affected > 0, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Stats reports live counts and the cumulative archived record count.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	result, err := s.execute(func() (any, error) {
		stats := storage.NewStats("pgvector")

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
		return stats, rows.Err()
	})
	if err != nil {
		return nil, err
	}

	stats := result.(*storage.Stats)
	if s.archive != nil {
		stats.ArchivedCount = s.archive.Count()
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

func scanEntry(rows *sql.Rows) (*types.MemoryEntry, error) {
	var entry types.MemoryEntry
	var metadataJSON []byte
	var levelStr string
	var vec pgv.Vector

	if err := rows.Scan(&entry.ID, &entry.Content, &metadataJSON, &levelStr, &vec, &entry.CreatedAt); err != nil {
		return nil, fmt.Errorf("scanning memory row: %w", err)
	}
	return finishEntry(&entry, metadataJSON, levelStr, vec)
}

func scanScoredEntry(rows *sql.Rows) (*types.MemoryEntry, float64, error) {
	var entry types.MemoryEntry
	var metadataJSON []byte
	var levelStr string
	var vec pgv.Vector
	var distance float64

	if err := rows.Scan(&entry.ID, &entry.Content, &metadataJSON, &levelStr, &vec, &entry.CreatedAt, &distance); err != nil {
		return nil, 0, fmt.Errorf("scanning scored row: %w", err)
	}
	e, err := finishEntry(&entry, metadataJSON, levelStr, vec)
	return e, distance, err
}

func finishEntry(entry *types.MemoryEntry, metadataJSON []byte, levelStr string, vec pgv.Vector) (*types.MemoryEntry, error) {
	level, err := types.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	entry.Level = level

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata for %s: %w", entry.ID, err)
		}
	}
	if slice := vec.Slice(); len(slice) > 0 {
		entry.Embedding = slice
	}
	return entry, nil
}
