package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keepstack/engram/internal/storage"
	"github.com/keepstack/engram/pkg/types"
)

// fakeEmbedder returns a deterministic vector per distinct text: identical
// text always embeds identically (cosine 1), distinct texts get orthogonal
// basis vectors unless a vector is pinned explicitly.
type fakeEmbedder struct {
	mu     sync.Mutex
	dim    int
	vecs   map[string][]float32
	next   int
	failed bool
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{dim: dim, vecs: map[string][]float32{}}
}

func (f *fakeEmbedder) pin(text string, vec []float32) { f.vecs[text] = vec }

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return nil, assert.AnError
	}
	if vec, ok := f.vecs[text]; ok {
		return vec, nil
	}
	vec := make([]float32, f.dim)
	vec[f.next%f.dim] = 1
	f.next++
	f.vecs[text] = vec
	return vec, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }

func newTestStore(t *testing.T, embedder *fakeEmbedder) *Store {
	t.Helper()
	cfg := Config{Path: ":memory:"}
	var s *Store
	var err error
	if embedder != nil {
		s, err = New(cfg, embedder, zap.NewNop())
	} else {
		s, err = New(cfg, nil, zap.NewNop())
	}
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addEntry(t *testing.T, s *Store, content string, level types.MemoryLevel, at time.Time) string {
	t.Helper()
	entry, err := types.NewMemoryEntry(content, nil, level, at)
	require.NoError(t, err)
	id, err := s.Add(context.Background(), entry)
	require.NoError(t, err)
	return id
}

func TestAddSearchRoundTrip(t *testing.T) {
	s := newTestStore(t, newFakeEmbedder(8))
	ctx := context.Background()

	id := addEntry(t, s, "the quick brown fox jumps over the lazy dog", types.LevelP1, time.Now())

	results, err := s.Search(ctx, "the quick brown fox jumps over the lazy dog", storage.SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
	// Identical embedding contributes the full vector weight; the lexical
	// match adds on top of it.
	assert.Greater(t, results[0].Score, 0.7)
}

func TestDuplicateAddIsIdempotent(t *testing.T) {
	s := newTestStore(t, newFakeEmbedder(8))
	ctx := context.Background()

	first := addEntry(t, s, "user prefers dark mode", types.LevelP1, time.Now())
	second := addEntry(t, s, "user prefers dark mode", types.LevelP1, time.Now().Add(time.Hour))

	assert.Equal(t, first, second)

	entries, err := s.GetByLevel(ctx, types.LevelP1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNearDuplicateReturnsExistingID(t *testing.T) {
	e := newFakeEmbedder(4)
	e.pin("user lives in Berlin", []float32{1, 0, 0, 0})
	e.pin("the user lives in Berlin", []float32{0.99, 0.01, 0, 0}) // cosine > 0.95

	s := newTestStore(t, e)

	first := addEntry(t, s, "user lives in Berlin", types.LevelP1, time.Now())
	second := addEntry(t, s, "the user lives in Berlin", types.LevelP1, time.Now())

	assert.Equal(t, first, second)
}

func TestDuplicateCheckIsLevelScoped(t *testing.T) {
	s := newTestStore(t, newFakeEmbedder(8))
	ctx := context.Background()

	p1 := addEntry(t, s, "backup completed successfully", types.LevelP1, time.Now())
	p2 := addEntry(t, s, "backup completed successfully", types.LevelP2, time.Now())

	assert.NotEqual(t, p1, p2)

	entries, err := s.GetByLevel(ctx, types.LevelP2)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLexicalFallbackWithoutEmbedder(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	entry, err := types.NewMemoryEntry("Paris is rainy today",
		types.Metadata{"src": "weather"}, types.LevelP2, time.Now())
	require.NoError(t, err)
	id, err := s.Add(ctx, entry)
	require.NoError(t, err)

	results, err := s.Search(ctx, "rain in Paris", storage.SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
	assert.Greater(t, results[0].Score, 0.0)
	assert.Equal(t, "weather", results[0].Metadata["src"])
}

func TestSearchLevelFilter(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	addEntry(t, s, "meeting notes from standup", types.LevelP1, time.Now())
	p2 := addEntry(t, s, "meeting reminder for tomorrow", types.LevelP2, time.Now())

	results, err := s.Search(ctx, "meeting", storage.SearchOptions{Limit: 10, Level: types.LevelP2})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, p2, results[0].ID)
}

func TestSearchMinScoreFilters(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	addEntry(t, s, "grocery list apples and bread", types.LevelP1, time.Now())

	results, err := s.Search(ctx, "apples", storage.SearchOptions{Limit: 10, MinScore: 0.99})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchTiesBreakByRecency(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	older := addEntry(t, s, "deploy pipeline alpha", types.LevelP1, base)
	newer := addEntry(t, s, "deploy pipeline bravo", types.LevelP1, base.Add(48*time.Hour))

	// Both fully match the single keyword; the newer record must come first.
	results, err := s.Search(ctx, "deploy", storage.SearchOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, newer, results[0].ID)
	assert.Equal(t, older, results[1].ID)
}

func TestDeleteReportsExistence(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	id := addEntry(t, s, "temporary note", types.LevelP2, time.Now())

	removed, err := s.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestUpgradeLevel(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	id := addEntry(t, s, "user's birthday is March 3", types.LevelP2, time.Now())

	ok, err := s.UpgradeLevel(ctx, id, types.LevelP0)
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := s.GetByLevel(ctx, types.LevelP0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	ok, err = s.UpgradeLevel(ctx, "missing-id", types.LevelP0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.UpgradeLevel(ctx, id, types.MemoryLevel("P9"))
	assert.ErrorIs(t, err, types.ErrInvalidLevel)
}

func TestStatsCounts(t *testing.T) {
	s := newTestStore(t, newFakeEmbedder(8))
	ctx := context.Background()

	addEntry(t, s, "core identity fact", types.LevelP0, time.Now())
	addEntry(t, s, "session context one", types.LevelP1, time.Now())
	addEntry(t, s, "session context two", types.LevelP1, time.Now())

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", stats.Backend)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByLevel[types.LevelP0])
	assert.Equal(t, 2, stats.ByLevel[types.LevelP1])
	assert.Equal(t, 0, stats.ByLevel[types.LevelP2])
	assert.True(t, stats.FTSEnabled)
	assert.Equal(t, 3, stats.EmbeddingCacheSize)
}

func TestEmbeddingCacheAvoidsRecompute(t *testing.T) {
	e := newFakeEmbedder(8)
	s := newTestStore(t, e)
	ctx := context.Background()

	addEntry(t, s, "cache me once", types.LevelP1, time.Now())

	// Break the provider: cached content must still embed from the cache.
	e.mu.Lock()
	e.failed = true
	e.mu.Unlock()

	vec, err := s.embedText(ctx, "cache me once")
	require.NoError(t, err)
	assert.Len(t, vec, 8)

	_, err = s.embedText(ctx, "never seen before")
	assert.Error(t, err)
}

func TestAddSurvivesEmbedderFailure(t *testing.T) {
	e := newFakeEmbedder(8)
	e.failed = true
	s := newTestStore(t, e)
	ctx := context.Background()

	id := addEntry(t, s, "stored without a vector", types.LevelP1, time.Now())

	results, err := s.Search(ctx, "stored without vector", storage.SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
	assert.Zero(t, results[0].VectorScore)
}

func TestDuplicateDetectedAcrossEmbedderOutage(t *testing.T) {
	e := newFakeEmbedder(8)
	e.failed = true
	s := newTestStore(t, e)
	ctx := context.Background()

	// First add lands vectorless during the outage.
	first := addEntry(t, s, "door code is 4242", types.LevelP1, time.Now())

	// Provider recovers; re-adding identical content must still hit the
	// vectorless row, not create a second record.
	e.mu.Lock()
	e.failed = false
	e.mu.Unlock()

	second := addEntry(t, s, "door code is 4242", types.LevelP1, time.Now().Add(time.Hour))
	assert.Equal(t, first, second)

	entries, err := s.GetByLevel(ctx, types.LevelP1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDetectAndMergeDuplicates(t *testing.T) {
	e := newFakeEmbedder(4)
	e.pin("likes espresso", []float32{1, 0, 0, 0})
	e.pin("enjoys espresso", []float32{0.99, 0.01, 0, 0})
	e.pin("allergic to peanuts", []float32{0, 1, 0, 0})

	s := newTestStore(t, e)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	oldID := addEntry(t, s, "likes espresso", types.LevelP1, base)

	// Bypass add-time dedup to create a stored near-duplicate.
	entry, err := types.NewMemoryEntry("enjoys espresso", nil, types.LevelP1, base.Add(24*time.Hour))
	require.NoError(t, err)
	vec, _ := e.Embed(ctx, "enjoys espresso")
	entry.Embedding = vec
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, metadata, level, embedding, created_at)
		VALUES (?, ?, NULL, ?, ?, ?)`,
		entry.ID, entry.Content, string(entry.Level), encodeVector(vec),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)

	addEntry(t, s, "allergic to peanuts", types.LevelP1, base)

	dups, err := s.DetectDuplicates(ctx, 0.95)
	require.NoError(t, err)
	assert.Equal(t, []string{entry.ID}, dups)

	result, err := s.MergeDuplicates(ctx, storage.KeepOldest)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Detected)
	assert.Equal(t, 1, result.Deleted)

	entries, err := s.GetByLevel(ctx, types.LevelP1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	ids := []string{entries[0].ID, entries[1].ID}
	assert.Contains(t, ids, oldID)
	assert.NotContains(t, ids, entry.ID)
}

func TestSanitizeFTSQuery(t *testing.T) {
	assert.Equal(t, "rain* OR paris*", sanitizeFTSQuery("rain in Paris"))
	assert.Equal(t, "deploy* OR pipeline*", sanitizeFTSQuery(`"deploy" (pipeline)`))
	assert.Equal(t, "", sanitizeFTSQuery("a of the"))
}
