// Package storage defines the capability contract every memory backend
// satisfies, plus the shared option, result, and error types.
//
// The contract is intentionally small: Add, Search, Delete, GetByLevel,
// Stats, Close. Richer capabilities (level upgrades, duplicate
// administration, background sweeps) are expressed as optional interfaces
// that callers discover with type assertions at construction time, never by
// branching on backend names at call time.
package storage

import (
	"context"

	"github.com/keepstack/engram/pkg/types"
)

// Backend is the contract every storage implementation satisfies.
// All methods may suspend on I/O and must be safe for concurrent use.
type Backend interface {
	// Add stores the entry and returns its ID. If the backend determines an
	// existing entry at the same level is a near-duplicate of the content
	// (similarity >= the duplicate threshold), it returns the EXISTING
	// entry's ID and performs no write.
	Add(ctx context.Context, entry *types.MemoryEntry) (string, error)

	// Search returns entries relevant to query, score-descending with ties
	// broken more-recent-first, filtered to score >= opts.MinScore and
	// optionally to one level, truncated to opts.Limit.
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)

	// Delete removes the entry. Returns true if a record existed and was
	// removed, false if absent — absence is not an error.
	Delete(ctx context.Context, id string) (bool, error)

	// GetByLevel returns a full, unordered dump of entries at the level.
	// Used by lifecycle scans; not a hot-path operation.
	GetByLevel(ctx context.Context, level types.MemoryLevel) ([]types.MemoryEntry, error)

	// Stats returns implementation-defined counters: at minimum the total
	// record count and the count per level.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases resources. Idempotent.
	Close() error
}

// LevelUpgrader is implemented by backends that support explicit level
// changes. Level never changes implicitly.
type LevelUpgrader interface {
	// UpgradeLevel sets the entry's level. Returns false when the ID does
	// not exist; absence is not an error.
	UpgradeLevel(ctx context.Context, id string, level types.MemoryLevel) (bool, error)
}

// KeepPolicy selects which of a duplicate cluster survives a merge.
type KeepPolicy string

const (
	// KeepNewest keeps the most recently created duplicate (the default).
	KeepNewest KeepPolicy = "newest"

	// KeepOldest keeps the earliest created duplicate.
	KeepOldest KeepPolicy = "oldest"
)

// DuplicateAdmin is implemented by backends that support the administrative
// duplicate operations. These are not hot-path operations.
type DuplicateAdmin interface {
	// DetectDuplicates returns the IDs of entries whose embedding similarity
	// to an earlier-kept entry meets or exceeds threshold.
	DetectDuplicates(ctx context.Context, threshold float64) ([]string, error)

	// MergeDuplicates deletes detected duplicates according to keep.
	MergeDuplicates(ctx context.Context, keep KeepPolicy) (*MergeResult, error)
}

// MergeResult reports the outcome of a MergeDuplicates pass.
type MergeResult struct {
	Detected int `json:"detected" yaml:"detected"`
	Deleted  int `json:"deleted" yaml:"deleted"`
}
