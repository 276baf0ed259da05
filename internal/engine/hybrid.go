package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/keepstack/engram/internal/storage"
	"github.com/keepstack/engram/internal/taskpool"
	"github.com/keepstack/engram/pkg/types"
)

// Mode is the hybrid combinator's operating state.
const (
	ModeHybrid   = "hybrid"
	ModeDegraded = "degraded"
)

// FallbackPolicy controls when the combinator degrades to local-only.
type FallbackPolicy string

const (
	// FallbackAuto degrades on memory pressure and recovers with it.
	FallbackAuto FallbackPolicy = "auto"

	// FallbackNever keeps hybrid mode regardless of pressure.
	FallbackNever FallbackPolicy = "never"

	// FallbackAlways forces degraded mode; the remote backend is never built.
	FallbackAlways FallbackPolicy = "always"
)

// ParseFallbackPolicy validates a policy string.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch FallbackPolicy(s) {
	case FallbackAuto, FallbackNever, FallbackAlways:
		return FallbackPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown fallback policy %q", s)
	}
}

// HybridConfig holds the combinator tunables.
type HybridConfig struct {
	// RRFK is the reciprocal-rank-fusion constant. Default 60.
	RRFK int

	// MinAvailableBytes is the memory floor under which the combinator
	// degrades (policy auto). Default 512 MiB.
	MinAvailableBytes uint64

	// Policy selects the degradation behavior. Default auto.
	Policy FallbackPolicy

	// MirrorWorkers and MirrorQueueDepth size the best-effort remote write
	// pool. Defaults 2 and 64.
	MirrorWorkers    int
	MirrorQueueDepth int
}

func (c HybridConfig) withDefaults() HybridConfig {
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	if c.MinAvailableBytes == 0 {
		c.MinAvailableBytes = 512 << 20
	}
	if c.Policy == "" {
		c.Policy = FallbackAuto
	}
	if c.MirrorWorkers <= 0 {
		c.MirrorWorkers = 2
	}
	if c.MirrorQueueDepth <= 0 {
		c.MirrorQueueDepth = 64
	}
	return c
}

// RemoteFactory lazily constructs the remote backend. It is invoked at most
// once per re-entry into hybrid mode, never while degraded.
type RemoteFactory func() (storage.Backend, error)

// Hybrid wraps the local backend and a lazily-built remote backend behind
// the single Backend contract. Writes always land locally (the source of
// truth) and mirror to the remote best-effort; searches fan out to both and
// merge by reciprocal rank fusion. Under memory pressure the combinator
// degrades to local-only and re-enters hybrid when pressure clears.
type Hybrid struct {
	local         storage.Backend
	remoteFactory RemoteFactory
	monitor       MemoryMonitor
	cfg           HybridConfig
	pool          *taskpool.Pool
	logger        *zap.Logger

	mu     sync.RWMutex
	mode   string
	remote storage.Backend
}

// Compile-time capability checks.
var (
	_ storage.Backend        = (*Hybrid)(nil)
	_ storage.LevelUpgrader  = (*Hybrid)(nil)
	_ storage.DuplicateAdmin = (*Hybrid)(nil)
)

// NewHybrid creates the combinator. remoteFactory may be nil, which behaves
// like FallbackAlways.
func NewHybrid(local storage.Backend, remoteFactory RemoteFactory, monitor MemoryMonitor, cfg HybridConfig, logger *zap.Logger) (*Hybrid, error) {
	if local == nil {
		return nil, fmt.Errorf("%w: local backend is required", storage.ErrInvalidInput)
	}
	cfg = cfg.withDefaults()
	if remoteFactory == nil {
		cfg.Policy = FallbackAlways
	}
	if monitor == nil {
		monitor = SystemMonitor{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Hybrid{
		local:         local,
		remoteFactory: remoteFactory,
		monitor:       monitor,
		cfg:           cfg,
		pool:          taskpool.New(cfg.MirrorWorkers, cfg.MirrorQueueDepth, logger),
		logger:        logger,
		mode:          ModeHybrid,
	}
	if cfg.Policy == FallbackAlways {
		h.mode = ModeDegraded
	}
	return h, nil
}

// Mode returns the current operating state.
func (h *Hybrid) Mode() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mode
}

// checkMode re-evaluates the state machine. The monitor is read before any
// lock is taken: the check runs opportunistically on the hot path.
func (h *Hybrid) checkMode() {
	switch h.cfg.Policy {
	case FallbackAlways:
		return // permanently degraded
	case FallbackNever:
		h.transition(ModeHybrid)
		return
	}

	available, err := h.monitor.AvailableBytes()
	if err != nil {
		h.logger.Warn("memory monitor read failed", zap.Error(err))
		return // keep the current mode on monitor failure
	}

	if available < h.cfg.MinAvailableBytes {
		h.transition(ModeDegraded)
	} else {
		h.transition(ModeHybrid)
	}
}

func (h *Hybrid) transition(mode string) {
	h.mu.Lock()
	if h.mode != mode {
		h.logger.Info("hybrid mode transition",
			zap.String("from", h.mode), zap.String("to", mode))
		h.mode = mode

		// Degrading releases the remote handle; hybrid re-entry rebuilds it
		// lazily on first use.
		if mode == ModeDegraded && h.remote != nil {
			if err := h.remote.Close(); err != nil {
				h.logger.Warn("closing remote backend on degrade", zap.Error(err))
			}
			h.remote = nil
		}
	}
	h.mu.Unlock()
}

// remoteBackend returns the remote handle, constructing it lazily on first
// use after (re-)entering hybrid mode. Returns nil while degraded or when
// construction fails.
func (h *Hybrid) remoteBackend() storage.Backend {
	h.mu.RLock()
	if h.mode != ModeHybrid {
		h.mu.RUnlock()
		return nil
	}
	if h.remote != nil {
		remote := h.remote
		h.mu.RUnlock()
		return remote
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.remote != nil || h.mode != ModeHybrid {
		return h.remote
	}
	remote, err := h.remoteFactory()
	if err != nil {
		h.logger.Warn("remote backend init failed, staying local-only", zap.Error(err))
		return nil
	}
	h.remote = remote
	return remote
}

// Add writes to the local backend and mirrors to the remote best-effort.
// A remote failure is logged and swallowed, never failing the add.
func (h *Hybrid) Add(ctx context.Context, entry *types.MemoryEntry) (string, error) {
	h.checkMode()

	id, err := h.local.Add(ctx, entry)
	if err != nil {
		return "", err
	}

	if remote := h.remoteBackend(); remote != nil {
		mirror := entry.Clone()
		if !h.pool.Submit(func() {
			if _, err := remote.Add(context.Background(), mirror); err != nil {
				h.logger.Warn("remote mirror write failed",
					zap.String("id", mirror.ID), zap.Error(err))
			}
		}) {
			h.logger.Warn("mirror queue full, remote copy skipped", zap.String("id", id))
		}
	}
	return id, nil
}

// Search fans out to both backends and fuses by reciprocal rank. In degraded
// mode, or when the remote list is empty or failed, results are local-only.
// A local failure is retried once as a plain local call before giving up.
func (h *Hybrid) Search(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
	h.checkMode()
	opts = opts.Normalize()

	remote := h.remoteBackend()
	if remote == nil {
		return h.local.Search(ctx, query, opts)
	}

	// Headroom for fusion and dedup.
	wideOpts := opts
	wideOpts.Limit = opts.Limit * 2
	wideOpts.MinScore = 0 // fused ordering decides; native floor applies after

	var (
		wg          sync.WaitGroup
		localList   []storage.SearchResult
		remoteList  []storage.SearchResult
		localErr    error
		remoteErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		localList, localErr = h.local.Search(ctx, query, wideOpts)
	}()
	go func() {
		defer wg.Done()
		remoteList, remoteErr = remote.Search(ctx, query, wideOpts)
	}()
	wg.Wait()

	if localErr != nil {
		h.logger.Warn("local search failed in fusion, retrying local-only", zap.Error(localErr))
		return h.local.Search(ctx, query, opts)
	}
	if remoteErr != nil {
		h.logger.Warn("remote search failed, serving local results", zap.Error(remoteErr))
		remoteList = nil
	}

	fused := fuseRRF(h.cfg.RRFK, localList, remoteList)

	out := fused[:0]
	for _, r := range fused {
		if r.Score >= opts.MinScore {
			out = append(out, r)
		}
	}
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// fuseRRF merges ranked lists by reciprocal rank fusion:
// rrf(id) = Σ over lists containing id of 1/(k + rank), rank 0-based.
// A record present in both lists always outranks a record present in one
// list at an equal or worse position, because the summed terms dominate.
func fuseRRF(k int, lists ...[]storage.SearchResult) []storage.SearchResult {
	merged := make(map[string]*storage.SearchResult)
	order := make([]string, 0)

	for _, list := range lists {
		for rank, r := range list {
			contribution := 1 / float64(k+rank)
			if existing, ok := merged[r.ID]; ok {
				existing.Fused += contribution
				if r.Score > existing.Score {
					existing.Score = r.Score
				}
				if r.VectorScore > existing.VectorScore {
					existing.VectorScore = r.VectorScore
				}
				if r.KeywordScore > existing.KeywordScore {
					existing.KeywordScore = r.KeywordScore
				}
				continue
			}
			copied := r
			copied.Fused = contribution
			merged[r.ID] = &copied
			order = append(order, r.ID)
		}
	}

	results := make([]storage.SearchResult, 0, len(order))
	for _, id := range order {
		results = append(results, *merged[id])
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Fused != results[j].Fused {
			return results[i].Fused > results[j].Fused
		}
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results
}

// Delete removes the entry from both backends. The result reports whether
// any copy existed.
func (h *Hybrid) Delete(ctx context.Context, id string) (bool, error) {
	removed, err := h.local.Delete(ctx, id)
	if err != nil {
		return false, err
	}

	if remote := h.remoteBackend(); remote != nil {
		remoteRemoved, err := remote.Delete(ctx, id)
		if err != nil {
			h.logger.Warn("remote delete failed", zap.String("id", id), zap.Error(err))
		} else if remoteRemoved {
			removed = true
		}
	}
	return removed, nil
}

// GetByLevel reads from the local backend, the source of truth.
func (h *Hybrid) GetByLevel(ctx context.Context, level types.MemoryLevel) ([]types.MemoryEntry, error) {
	return h.local.GetByLevel(ctx, level)
}

// UpgradeLevel applies locally and mirrors to the remote best-effort.
func (h *Hybrid) UpgradeLevel(ctx context.Context, id string, level types.MemoryLevel) (bool, error) {
	upgrader, ok := h.local.(storage.LevelUpgrader)
	if !ok {
		return false, fmt.Errorf("%w: local backend does not support level upgrades", storage.ErrInvalidInput)
	}
	upgraded, err := upgrader.UpgradeLevel(ctx, id, level)
	if err != nil {
		return false, err
	}

	if remote := h.remoteBackend(); remote != nil {
		if remoteUpgrader, ok := remote.(storage.LevelUpgrader); ok {
			if _, err := remoteUpgrader.UpgradeLevel(ctx, id, level); err != nil {
				h.logger.Warn("remote level upgrade failed", zap.String("id", id), zap.Error(err))
			}
		}
	}
	return upgraded, nil
}

// DetectDuplicates delegates to the local backend.
func (h *Hybrid) DetectDuplicates(ctx context.Context, threshold float64) ([]string, error) {
	admin, ok := h.local.(storage.DuplicateAdmin)
	if !ok {
		return nil, fmt.Errorf("%w: local backend does not support duplicate detection", storage.ErrInvalidInput)
	}
	return admin.DetectDuplicates(ctx, threshold)
}

// MergeDuplicates delegates to the local backend.
func (h *Hybrid) MergeDuplicates(ctx context.Context, keep storage.KeepPolicy) (*storage.MergeResult, error) {
	admin, ok := h.local.(storage.DuplicateAdmin)
	if !ok {
		return nil, fmt.Errorf("%w: local backend does not support duplicate merging", storage.ErrInvalidInput)
	}
	return admin.MergeDuplicates(ctx, keep)
}

// Stats reports the current mode plus both backends' stats when available.
func (h *Hybrid) Stats(ctx context.Context) (*storage.Stats, error) {
	local, err := h.local.Stats(ctx)
	if err != nil {
		return nil, err
	}

	stats := storage.NewStats("hybrid")
	stats.Mode = h.Mode()
	stats.Local = local
	stats.Total = local.Total
	for level, n := range local.ByLevel {
		stats.ByLevel[level] = n
	}

	h.mu.RLock()
	remote := h.remote
	h.mu.RUnlock()
	if remote != nil {
		remoteStats, err := remote.Stats(ctx)
		if err != nil {
			h.logger.Warn("remote stats failed", zap.Error(err))
		} else {
			stats.Remote = remoteStats
		}
	}
	return stats, nil
}

// Close drains the mirror pool and closes both backends.
func (h *Hybrid) Close() error {
	h.pool.Close()

	err := h.local.Close()

	h.mu.Lock()
	remote := h.remote
	h.remote = nil
	h.mu.Unlock()
	if remote != nil {
		if remoteErr := remote.Close(); remoteErr != nil && err == nil {
			err = remoteErr
		}
	}
	return err
}
