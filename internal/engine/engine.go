// Package engine composes the storage backends into the memory engine: the
// hybrid combinator, the tiered orchestrator, and the MemoryEngine facade
// that callers receive by dependency injection. There is no global instance;
// whoever constructs the engine owns its lifecycle.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keepstack/engram/internal/storage"
	"github.com/keepstack/engram/pkg/types"
)

// Runner is a background loop tied to the engine's lifetime, such as a
// backend's self-archival sweep.
type Runner interface {
	Start(ctx context.Context)
}

// SearchRequest is the caller-facing query shape.
type SearchRequest struct {
	Limit    int
	Level    types.MemoryLevel
	MinScore float64
	Depth    Depth
}

// MemoryEngine is the exposed surface of the memory system. All reads and
// writes go through the tiered orchestrator; the engine adds entry
// construction, timestamping, and sweep lifecycle on top.
type MemoryEngine struct {
	tiers   *Tiered
	runners []Runner
	logger  *zap.Logger
	clock   func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// NewMemoryEngine wraps the orchestrator. Extra runners (archival loops and
// the like) start and stop with the engine.
func NewMemoryEngine(tiers *Tiered, logger *zap.Logger, runners ...Runner) (*MemoryEngine, error) {
	if tiers == nil {
		return nil, fmt.Errorf("%w: tiered orchestrator is required", storage.ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryEngine{
		tiers:   tiers,
		runners: runners,
		logger:  logger,
		clock:   time.Now,
	}, nil
}

// Start launches the periodic sweeps. Idempotent.
func (e *MemoryEngine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.tiers.Start(ctx)
	for _, r := range e.runners {
		r.Start(ctx)
	}
	e.logger.Info("memory engine started")
}

// Add stamps and stores a new memory in the hot tier, returning its ID.
// A near-duplicate at the same level returns the existing ID instead.
func (e *MemoryEngine) Add(ctx context.Context, content string, metadata types.Metadata, level types.MemoryLevel) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	entry, err := types.NewMemoryEntry(content, metadata, level, e.clock())
	if err != nil {
		return "", err
	}
	return e.tiers.Add(ctx, entry)
}

// Search runs a depth-scoped query across the tiers.
func (e *MemoryEngine) Search(ctx context.Context, query string, req SearchRequest) ([]storage.SearchResult, error) {
	return e.tiers.SearchDepth(ctx, query, storage.SearchOptions{
		Limit:    req.Limit,
		Level:    req.Level,
		MinScore: req.MinScore,
	}, req.Depth)
}

// Delete removes a memory from whichever tier holds it.
func (e *MemoryEngine) Delete(ctx context.Context, id string) (bool, error) {
	return e.tiers.Delete(ctx, id)
}

// GetByLevel dumps all memories at a level across every tier.
func (e *MemoryEngine) GetByLevel(ctx context.Context, level types.MemoryLevel) ([]types.MemoryEntry, error) {
	return e.tiers.GetByLevel(ctx, level)
}

// UpgradeLevel changes a memory's retention level in place.
func (e *MemoryEngine) UpgradeLevel(ctx context.Context, id string, level types.MemoryLevel) (bool, error) {
	return e.tiers.UpgradeLevel(ctx, id, level)
}

// DetectDuplicates lists near-duplicate memory IDs in the hot tier.
func (e *MemoryEngine) DetectDuplicates(ctx context.Context, threshold float64) ([]string, error) {
	return e.tiers.DetectDuplicates(ctx, threshold)
}

// MergeDuplicates collapses near-duplicate clusters in the hot tier.
func (e *MemoryEngine) MergeDuplicates(ctx context.Context, keep storage.KeepPolicy) (*storage.MergeResult, error) {
	return e.tiers.MergeDuplicates(ctx, keep)
}

// Stats aggregates counters across tiers and backends.
func (e *MemoryEngine) Stats(ctx context.Context) (*storage.Stats, error) {
	return e.tiers.Stats(ctx)
}

// Sweep triggers one auto-tier pass immediately, outside the periodic loop.
func (e *MemoryEngine) Sweep(ctx context.Context) (*SweepReport, error) {
	return e.tiers.AutoTier(ctx)
}

// Close stops the sweeps and closes every tier. Idempotent.
func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()

	return e.tiers.Close()
}
