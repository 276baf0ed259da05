package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/keepstack/engram/internal/storage"
	"github.com/keepstack/engram/pkg/types"
)

// Depth selects how many tiers a search reaches.
type Depth string

const (
	// DepthHot queries only the hot tier.
	DepthHot Depth = "hot"

	// DepthWarm queries hot, then fills any shortfall from warm.
	DepthWarm Depth = "warm"

	// DepthDeep queries all three tiers in parallel.
	DepthDeep Depth = "deep"
)

// ParseDepth validates a depth string. Empty means DepthHot.
func ParseDepth(s string) (Depth, error) {
	switch Depth(s) {
	case "":
		return DepthHot, nil
	case DepthHot, DepthWarm, DepthDeep:
		return Depth(s), nil
	default:
		return "", fmt.Errorf("unknown search depth %q", s)
	}
}

// TieredConfig holds the migration thresholds and sweep cadence.
type TieredConfig struct {
	// P2HotThreshold is the age past which a P2 record leaves hot for cold.
	// Default 1 day.
	P2HotThreshold time.Duration

	// HotWarmThreshold is the age past which a P1 record leaves hot for
	// warm. Default 7 days.
	HotWarmThreshold time.Duration

	// WarmColdThreshold is the age past which a P1 record leaves warm for
	// cold. Default 30 days.
	WarmColdThreshold time.Duration

	// SweepInterval is the auto-tier cadence. Default 1 hour.
	SweepInterval time.Duration
}

func (c TieredConfig) withDefaults() TieredConfig {
	if c.P2HotThreshold <= 0 {
		c.P2HotThreshold = 24 * time.Hour
	}
	if c.HotWarmThreshold <= 0 {
		c.HotWarmThreshold = 7 * 24 * time.Hour
	}
	if c.WarmColdThreshold <= 0 {
		c.WarmColdThreshold = 30 * 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	return c
}

// SweepReport counts the moves of one auto-tier pass.
type SweepReport struct {
	P2HotToCold  int `json:"p2_hot_to_cold" yaml:"p2_hot_to_cold"`
	P1HotToWarm  int `json:"p1_hot_to_warm" yaml:"p1_hot_to_warm"`
	P1WarmToCold int `json:"p1_warm_to_cold" yaml:"p1_warm_to_cold"`
}

// Total returns the number of records moved.
func (r SweepReport) Total() int { return r.P2HotToCold + r.P1HotToWarm + r.P1WarmToCold }

// Tiered owns the three backend slots and is the only component allowed to
// move a record's physical location. New records always land in hot; a
// periodic sweep re-homes aging records down the tiers.
type Tiered struct {
	hot, warm, cold storage.Backend
	cfg             TieredConfig
	logger          *zap.Logger
	clock           func() time.Time

	mu     sync.Mutex
	closed bool
}

var _ storage.Backend = (*Tiered)(nil)

// NewTiered creates the orchestrator. All three slots are required; any
// Backend implementation may fill any slot.
func NewTiered(hot, warm, cold storage.Backend, cfg TieredConfig, logger *zap.Logger) (*Tiered, error) {
	if hot == nil || warm == nil || cold == nil {
		return nil, fmt.Errorf("%w: all three tier backends are required", storage.ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiered{
		hot:    hot,
		warm:   warm,
		cold:   cold,
		cfg:    cfg.withDefaults(),
		logger: logger,
		clock:  time.Now,
	}, nil
}

// Add always targets the hot tier.
func (t *Tiered) Add(ctx context.Context, entry *types.MemoryEntry) (string, error) {
	return t.hot.Add(ctx, entry)
}

// Search queries the hot tier only; SearchDepth widens the scope.
func (t *Tiered) Search(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
	return t.SearchDepth(ctx, query, opts, DepthHot)
}

// SearchDepth runs a depth-scoped search. Results are deduplicated by ID
// across tiers (keeping the highest score) and re-sorted; a record caught
// mid-migration in two tiers therefore appears once.
func (t *Tiered) SearchDepth(ctx context.Context, query string, opts storage.SearchOptions, depth Depth) ([]storage.SearchResult, error) {
	opts = opts.Normalize()

	switch depth {
	case "", DepthHot:
		return t.hot.Search(ctx, query, opts)

	case DepthWarm:
		results, hotErr := t.hot.Search(ctx, query, opts)
		if hotErr != nil {
			t.logger.Warn("hot tier search failed", zap.Error(hotErr))
			results = nil
		}
		if len(results) >= opts.Limit {
			return results, nil
		}

		shortfall := opts
		shortfall.Limit = opts.Limit - len(results)
		warmResults, warmErr := t.warm.Search(ctx, query, shortfall)
		if warmErr != nil {
			t.logger.Warn("warm tier search failed", zap.Error(warmErr))
			warmResults = nil
		}
		// Partial failure degrades silently; total failure must surface.
		if hotErr != nil && warmErr != nil {
			return nil, fmt.Errorf("all tiers unavailable: %w", hotErr)
		}
		return mergeTiers(opts.Limit, results, warmResults), nil

	case DepthDeep:
		// Proportional sub-limits across the three tiers.
		limits := []int{opts.Limit / 2, opts.Limit / 3, opts.Limit / 3}
		tiers := []storage.Backend{t.hot, t.warm, t.cold}
		names := []string{"hot", "warm", "cold"}

		lists := make([][]storage.SearchResult, len(tiers))
		errs := make([]error, len(tiers))
		var wg sync.WaitGroup
		for i := range tiers {
			subOpts := opts
			subOpts.Limit = limits[i]
			if subOpts.Limit < 1 {
				subOpts.Limit = 1
			}
			wg.Add(1)
			go func(i int, subOpts storage.SearchOptions) {
				defer wg.Done()
				results, err := tiers[i].Search(ctx, query, subOpts)
				if err != nil {
					t.logger.Warn("tier search failed",
						zap.String("tier", names[i]), zap.Error(err))
					errs[i] = err
					return
				}
				lists[i] = results
			}(i, subOpts)
		}
		wg.Wait()

		// Partial failure degrades silently; total failure must surface.
		var firstErr error
		failed := 0
		for _, err := range errs {
			if err != nil {
				failed++
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if failed == len(tiers) {
			return nil, fmt.Errorf("all tiers unavailable: %w", firstErr)
		}

		return mergeTiers(opts.Limit, lists...), nil

	default:
		return nil, fmt.Errorf("%w: unknown search depth %q", storage.ErrInvalidInput, depth)
	}
}

// mergeTiers deduplicates by ID keeping the highest score, re-sorts
// score-descending with recency tie-break, and truncates to limit.
func mergeTiers(limit int, lists ...[]storage.SearchResult) []storage.SearchResult {
	byID := make(map[string]storage.SearchResult)
	order := make([]string, 0)

	for _, list := range lists {
		for _, r := range list {
			existing, ok := byID[r.ID]
			if !ok {
				byID[r.ID] = r
				order = append(order, r.ID)
				continue
			}
			if r.Score > existing.Score {
				byID[r.ID] = r
			}
		}
	}

	results := make([]storage.SearchResult, 0, len(order))
	for _, id := range order {
		results = append(results, byID[id])
	}
	sortByScore(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Delete tries each tier until a copy is removed, then keeps going so a
// mid-migration duplicate cannot survive a delete.
func (t *Tiered) Delete(ctx context.Context, id string) (bool, error) {
	removed := false
	var firstErr error
	for _, tier := range []storage.Backend{t.hot, t.warm, t.cold} {
		ok, err := tier.Delete(ctx, id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			removed = true
		}
	}
	if removed {
		return true, nil
	}
	return false, firstErr
}

// GetByLevel unions the level dump across all tiers, deduplicated by ID.
func (t *Tiered) GetByLevel(ctx context.Context, level types.MemoryLevel) ([]types.MemoryEntry, error) {
	seen := make(map[string]bool)
	var all []types.MemoryEntry
	var firstErr error

	for _, tier := range []storage.Backend{t.hot, t.warm, t.cold} {
		entries, err := tier.GetByLevel(ctx, level)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, e := range entries {
			if !seen[e.ID] {
				seen[e.ID] = true
				all = append(all, e)
			}
		}
	}
	if all == nil && firstErr != nil {
		return nil, firstErr
	}
	return all, nil
}

// UpgradeLevel tries hot, then warm, then cold, stopping at the first tier
// that holds the record.
func (t *Tiered) UpgradeLevel(ctx context.Context, id string, level types.MemoryLevel) (bool, error) {
	for _, tier := range []storage.Backend{t.hot, t.warm, t.cold} {
		upgrader, ok := tier.(storage.LevelUpgrader)
		if !ok {
			continue
		}
		upgraded, err := upgrader.UpgradeLevel(ctx, id, level)
		if err != nil {
			return false, err
		}
		if upgraded {
			return true, nil
		}
	}
	return false, nil
}

// DetectDuplicates delegates to the hot tier.
func (t *Tiered) DetectDuplicates(ctx context.Context, threshold float64) ([]string, error) {
	admin, ok := t.hot.(storage.DuplicateAdmin)
	if !ok {
		return nil, fmt.Errorf("%w: hot tier does not support duplicate detection", storage.ErrInvalidInput)
	}
	return admin.DetectDuplicates(ctx, threshold)
}

// MergeDuplicates delegates to the hot tier.
func (t *Tiered) MergeDuplicates(ctx context.Context, keep storage.KeepPolicy) (*storage.MergeResult, error) {
	admin, ok := t.hot.(storage.DuplicateAdmin)
	if !ok {
		return nil, fmt.Errorf("%w: hot tier does not support duplicate merging", storage.ErrInvalidInput)
	}
	return admin.MergeDuplicates(ctx, keep)
}

// Stats aggregates totals across tiers and attaches each tier's own stats.
func (t *Tiered) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := storage.NewStats("tiered")
	stats.Tiers = make(map[string]*storage.Stats, 3)

	tiers := map[string]storage.Backend{"hot": t.hot, "warm": t.warm, "cold": t.cold}
	for name, tier := range tiers {
		tierStats, err := tier.Stats(ctx)
		if err != nil {
			t.logger.Warn("tier stats failed", zap.String("tier", name), zap.Error(err))
			continue
		}
		stats.Tiers[name] = tierStats
		stats.Total += tierStats.Total
		for level, n := range tierStats.ByLevel {
			stats.ByLevel[level] += n
		}
	}
	return stats, nil
}

// Start runs the auto-tier loop until ctx is cancelled. A sweep in flight
// finishes its current record move before stopping.
func (t *Tiered) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := t.AutoTier(ctx); err != nil {
					t.logger.Warn("auto-tier sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// AutoTier runs one migration sweep:
//
//  1. P2 in hot older than P2HotThreshold moves straight to cold.
//  2. P1 in hot older than HotWarmThreshold and younger than
//     WarmColdThreshold moves to warm.
//  3. P1 in warm older than WarmColdThreshold moves to cold.
//
// P0 records are never auto-migrated. Every move is write-to-target then
// delete-from-source; a failed write leaves the record in place for the next
// sweep, a failed delete leaves a temporary cross-tier duplicate that search
// dedups and the next sweep reconciles.
func (t *Tiered) AutoTier(ctx context.Context) (*SweepReport, error) {
	runID := uuid.NewString()
	now := t.clock()
	report := &SweepReport{}

	p2Hot, err := t.hot.GetByLevel(ctx, types.LevelP2)
	if err != nil {
		t.logger.Warn("sweep scan hot/P2 failed", zap.String("run_id", runID), zap.Error(err))
	}
	for i := range p2Hot {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if p2Hot[i].Age(now) > t.cfg.P2HotThreshold {
			if t.move(ctx, runID, &p2Hot[i], t.hot, t.cold) {
				report.P2HotToCold++
			}
		}
	}

	p1Hot, err := t.hot.GetByLevel(ctx, types.LevelP1)
	if err != nil {
		t.logger.Warn("sweep scan hot/P1 failed", zap.String("run_id", runID), zap.Error(err))
	}
	for i := range p1Hot {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		age := p1Hot[i].Age(now)
		if age > t.cfg.HotWarmThreshold && age < t.cfg.WarmColdThreshold {
			if t.move(ctx, runID, &p1Hot[i], t.hot, t.warm) {
				report.P1HotToWarm++
			}
		}
	}

	p1Warm, err := t.warm.GetByLevel(ctx, types.LevelP1)
	if err != nil {
		t.logger.Warn("sweep scan warm/P1 failed", zap.String("run_id", runID), zap.Error(err))
	}
	for i := range p1Warm {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if p1Warm[i].Age(now) > t.cfg.WarmColdThreshold {
			if t.move(ctx, runID, &p1Warm[i], t.warm, t.cold) {
				report.P1WarmToCold++
			}
		}
	}

	if report.Total() > 0 {
		t.logger.Info("auto-tier sweep complete",
			zap.String("run_id", runID),
			zap.Int("moved", report.Total()))
	}
	return report, nil
}

// move relocates one record: write to target first, delete from source only
// after the write succeeds.
func (t *Tiered) move(ctx context.Context, runID string, entry *types.MemoryEntry, source, target storage.Backend) bool {
	if _, err := target.Add(ctx, entry); err != nil {
		t.logger.Warn("tier move write failed, record stays in source",
			zap.String("run_id", runID),
			zap.String("id", entry.ID),
			zap.Error(err))
		return false
	}
	if _, err := source.Delete(ctx, entry.ID); err != nil {
		t.logger.Warn("tier move delete failed, temporary cross-tier duplicate",
			zap.String("run_id", runID),
			zap.String("id", entry.ID),
			zap.Error(err))
	}
	return true
}

// Close closes all three tiers.
func (t *Tiered) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var firstErr error
	for _, tier := range []storage.Backend{t.hot, t.warm, t.cold} {
		if err := tier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sortByScore orders score-descending, ties broken more-recent-first.
func sortByScore(results []storage.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
}
