package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keepstack/engram/internal/storage"
	"github.com/keepstack/engram/pkg/types"
)

func result(id string, score float64, at time.Time) storage.SearchResult {
	return storage.SearchResult{
		MemoryEntry: types.MemoryEntry{ID: id, Content: id, Level: types.LevelP1, CreatedAt: at},
		Score:       score,
	}
}

func TestFuseRRFOrderingProperty(t *testing.T) {
	now := time.Now()

	// A sits at rank 0 in both lists; B at rank 0 of only one. A must win:
	// its fused score 1/60 + 1/60 exceeds any single-list score 1/61 ≤ 1/60.
	lexical := []storage.SearchResult{
		result("A", 0.9, now),
		result("C", 0.8, now),
	}
	vector := []storage.SearchResult{
		result("A", 0.95, now),
		result("B", 0.9, now),
	}

	fused := fuseRRF(60, lexical, vector)
	require.Len(t, fused, 3)

	assert.Equal(t, "A", fused[0].ID)
	assert.InDelta(t, 1.0/60+1.0/60, fused[0].Fused, 1e-12)
	for _, r := range fused[1:] {
		assert.InDelta(t, 1.0/61, r.Fused, 1e-12)
		assert.Less(t, r.Fused, fused[0].Fused)
	}

	// Native per-backend scores survive for observability: A carries the
	// best of its two appearances.
	assert.Equal(t, 0.95, fused[0].Score)
}

func TestFuseRRFDualListBeatsSingleAtWorseRank(t *testing.T) {
	now := time.Now()

	// X appears at rank 1 in both lists, Y at rank 0 in one. Dual presence
	// dominates: 2/61 > 1/60.
	listA := []storage.SearchResult{result("Y", 0.99, now), result("X", 0.5, now)}
	listB := []storage.SearchResult{result("Z", 0.98, now), result("X", 0.4, now)}

	fused := fuseRRF(60, listA, listB)
	require.NotEmpty(t, fused)
	assert.Equal(t, "X", fused[0].ID)
}

func newTestHybrid(t *testing.T, local, remote *fakeBackend, monitor MemoryMonitor, cfg HybridConfig) *Hybrid {
	t.Helper()
	var factory RemoteFactory
	if remote != nil {
		factory = func() (storage.Backend, error) { return remote, nil }
	}
	h, err := NewHybrid(local, factory, monitor, cfg, zap.NewNop())
	require.NoError(t, err)
	return h
}

func TestHybridDegradationTransition(t *testing.T) {
	local := newFakeBackend("local")
	remote := newFakeBackend("remote")
	monitor := &fakeMonitor{avail: 4 << 30}
	h := newTestHybrid(t, local, remote, monitor, HybridConfig{MinAvailableBytes: 1 << 30})
	ctx := context.Background()

	local.put(mustEntry("alpha memory", types.LevelP1, time.Now()))

	_, err := h.Search(ctx, "alpha", storage.SearchOptions{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, h.Mode())
	assert.Equal(t, 1, remote.searchCalls)

	// Near-zero available memory: the next call must degrade and route
	// local-only.
	monitor.set(1 << 20)
	_, err = h.Search(ctx, "alpha", storage.SearchOptions{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, ModeDegraded, h.Mode())
	assert.Equal(t, 1, remote.searchCalls) // unchanged

	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeDegraded, stats.Mode)

	// Recovery happens on the next invocation, not automatically.
	monitor.set(4 << 30)
	assert.Equal(t, ModeDegraded, h.Mode())
	_, err = h.Search(ctx, "alpha", storage.SearchOptions{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, h.Mode())
	assert.Equal(t, 2, remote.searchCalls)
}

func TestHybridAddMirrorsBestEffort(t *testing.T) {
	local := newFakeBackend("local")
	remote := newFakeBackend("remote")
	remote.addErr = errors.New("remote down")
	h := newTestHybrid(t, local, remote, &fakeMonitor{avail: 4 << 30}, HybridConfig{})
	ctx := context.Background()

	entry := mustEntry("mirrored memory", types.LevelP1, time.Now())
	id, err := h.Add(ctx, &entry)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, id)
	assert.True(t, local.has(id))

	// Close drains the mirror pool; the failed remote write was attempted
	// and swallowed.
	require.NoError(t, h.Close())
	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, 1, remote.addCalls)
}

func TestHybridLocalSearchFailureRetriesLocalOnly(t *testing.T) {
	local := newFakeBackend("local")
	entry := mustEntry("retry target", types.LevelP1, time.Now())
	local.put(entry)

	// The wide fusion query fails; the plain retry succeeds.
	calls := 0
	local.searchFn = func(query string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient local failure")
		}
		return []storage.SearchResult{{MemoryEntry: entry, Score: 1}}, nil
	}

	remote := newFakeBackend("remote")
	h := newTestHybrid(t, local, remote, &fakeMonitor{avail: 4 << 30}, HybridConfig{})

	results, err := h.Search(context.Background(), "retry", storage.SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, entry.ID, results[0].ID)
	assert.Equal(t, 2, calls)
}

func TestHybridRemoteSearchFailureServesLocal(t *testing.T) {
	local := newFakeBackend("local")
	local.put(mustEntry("local only answer", types.LevelP1, time.Now()))

	remote := newFakeBackend("remote")
	remote.searchFn = func(string, storage.SearchOptions) ([]storage.SearchResult, error) {
		return nil, storage.ErrBackendUnavailable
	}

	h := newTestHybrid(t, local, remote, &fakeMonitor{avail: 4 << 30}, HybridConfig{})

	results, err := h.Search(context.Background(), "answer", storage.SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ModeHybrid, h.Mode())
}

func TestHybridFallbackAlwaysNeverBuildsRemote(t *testing.T) {
	local := newFakeBackend("local")
	factoryCalls := 0
	factory := func() (storage.Backend, error) {
		factoryCalls++
		return newFakeBackend("remote"), nil
	}

	h, err := NewHybrid(local, factory, &fakeMonitor{avail: 64 << 30},
		HybridConfig{Policy: FallbackAlways}, zap.NewNop())
	require.NoError(t, err)

	local.put(mustEntry("degraded forever", types.LevelP2, time.Now()))
	_, err = h.Search(context.Background(), "degraded", storage.SearchOptions{Limit: 5})
	require.NoError(t, err)

	assert.Equal(t, ModeDegraded, h.Mode())
	assert.Zero(t, factoryCalls)
}

func TestHybridSearchAppliesMinScoreAndLimit(t *testing.T) {
	now := time.Now()
	local := newFakeBackend("local")
	local.searchFn = func(string, storage.SearchOptions) ([]storage.SearchResult, error) {
		return []storage.SearchResult{
			result("high", 0.9, now),
			result("low", 0.1, now),
		}, nil
	}
	remote := newFakeBackend("remote")
	remote.searchFn = func(string, storage.SearchOptions) ([]storage.SearchResult, error) {
		return []storage.SearchResult{result("high", 0.95, now)}, nil
	}

	h := newTestHybrid(t, local, remote, &fakeMonitor{avail: 4 << 30}, HybridConfig{})

	results, err := h.Search(context.Background(), "anything",
		storage.SearchOptions{Limit: 5, MinScore: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "high", results[0].ID)
	assert.Positive(t, results[0].Fused)
}

func TestParseFallbackPolicy(t *testing.T) {
	for _, ok := range []string{"auto", "never", "always"} {
		_, err := ParseFallbackPolicy(ok)
		assert.NoError(t, err)
	}
	_, err := ParseFallbackPolicy("sometimes")
	assert.Error(t, err)
}
