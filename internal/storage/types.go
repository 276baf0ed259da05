package storage

import (
	"errors"

	"github.com/keepstack/engram/pkg/types"
)

// Sentinel errors for the storage layer. Backends translate driver and
// network failures into these at the contract boundary; raw driver errors
// never escape to orchestrators.
var (
	// ErrBackendUnavailable indicates a transient failure (embedding service,
	// network, remote store). Callers treat it as retryable or degradable,
	// never fatal to the engine.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNotFound indicates the requested record does not exist. Delete and
	// UpgradeLevel surface absence as a false return, not as this error; the
	// sentinel exists for internal row-level lookups.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates a nil or empty argument.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClosed indicates an operation on a closed backend.
	ErrClosed = errors.New("backend is closed")
)

// DefaultSearchLimit bounds result lists when the caller passes no limit.
const DefaultSearchLimit = 10

// SearchOptions narrows and bounds a search.
type SearchOptions struct {
	// Limit caps the result list. Zero or negative means DefaultSearchLimit.
	Limit int

	// Level restricts results to one retention level. Empty means all levels.
	Level types.MemoryLevel

	// MinScore drops results scoring below it. Scores are in [0,1].
	MinScore float64
}

// Normalize returns a copy with defaults applied and bounds enforced.
func (o SearchOptions) Normalize() SearchOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultSearchLimit
	}
	if o.MinScore < 0 {
		o.MinScore = 0
	}
	if o.MinScore > 1 {
		o.MinScore = 1
	}
	return o
}

// SearchResult is one ranked hit. Score is the backend's native relevance in
// [0,1] and drives ordering everywhere except inside hybrid fusion, where the
// Fused RRF score ranks and the native fields remain for observability.
type SearchResult struct {
	types.MemoryEntry

	// Score is the backend's composite relevance in [0,1].
	Score float64 `json:"score"`

	// VectorScore and KeywordScore are the per-signal components where the
	// backend computes both; zero when a signal was unavailable.
	VectorScore  float64 `json:"vector_score,omitempty"`
	KeywordScore float64 `json:"keyword_score,omitempty"`

	// Fused is the reciprocal-rank-fusion score assigned by the hybrid
	// combinator. Zero outside hybrid searches.
	Fused float64 `json:"fused_score,omitempty"`
}

// Stats is the counter snapshot every backend returns. Fields beyond Total
// and ByLevel are populated only by the backends they apply to.
type Stats struct {
	// Backend identifies the implementation ("sqlite", "pgvector",
	// "hybrid", "tiered").
	Backend string `json:"backend" yaml:"backend"`

	// Total is the live record count.
	Total int `json:"total" yaml:"total"`

	// ByLevel is the live record count per retention level.
	ByLevel map[types.MemoryLevel]int `json:"by_level" yaml:"by_level"`

	// Mode is the hybrid combinator's current state ("hybrid"/"degraded").
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// FTSEnabled reports whether the local full-text index is live.
	FTSEnabled bool `json:"fts_enabled,omitempty" yaml:"fts_enabled,omitempty"`

	// EmbeddingCacheSize is the number of cached content-hash embeddings.
	EmbeddingCacheSize int `json:"embedding_cache_size,omitempty" yaml:"embedding_cache_size,omitempty"`

	// ArchivedCount is the number of records written to archive logs.
	ArchivedCount int `json:"archived_count,omitempty" yaml:"archived_count,omitempty"`

	// Local and Remote carry the wrapped backends' stats in hybrid mode.
	Local  *Stats `json:"local,omitempty" yaml:"local,omitempty"`
	Remote *Stats `json:"remote,omitempty" yaml:"remote,omitempty"`

	// Tiers carries per-slot stats from the tiered orchestrator.
	Tiers map[string]*Stats `json:"tiers,omitempty" yaml:"tiers,omitempty"`
}

// NewStats returns a Stats with the per-level map pre-populated at zero so
// serialized output always shows all three levels.
func NewStats(backend string) *Stats {
	byLevel := make(map[types.MemoryLevel]int, len(types.Levels))
	for _, l := range types.Levels {
		byLevel[l] = 0
	}
	return &Stats{Backend: backend, ByLevel: byLevel}
}
