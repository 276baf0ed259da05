package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/keepstack/engram/internal/storage"
	"github.com/keepstack/engram/pkg/types"
)

// fakeBackend is an in-memory Backend for orchestration tests. Search
// behavior can be scripted via searchFn; by default a case-insensitive
// substring match scores 1.0.
type fakeBackend struct {
	name string

	mu      sync.Mutex
	entries map[string]types.MemoryEntry

	searchFn    func(query string, opts storage.SearchOptions) ([]storage.SearchResult, error)
	addErr      error
	deleteErr   error
	searchCalls int
	addCalls    int
	closed      bool
}

var (
	_ storage.Backend       = (*fakeBackend)(nil)
	_ storage.LevelUpgrader = (*fakeBackend)(nil)
)

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, entries: map[string]types.MemoryEntry{}}
}

func (f *fakeBackend) put(e types.MemoryEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[e.ID] = e
}

func (f *fakeBackend) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[id]
	return ok
}

func (f *fakeBackend) Add(_ context.Context, entry *types.MemoryEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.addErr != nil {
		return "", f.addErr
	}
	f.entries[entry.ID] = *entry.Clone()
	return entry.ID, nil
}

func (f *fakeBackend) Search(_ context.Context, query string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
	f.mu.Lock()
	f.searchCalls++
	fn := f.searchFn
	f.mu.Unlock()

	if fn != nil {
		return fn(query, opts)
	}

	opts = opts.Normalize()
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []storage.SearchResult
	for _, e := range f.entries {
		if opts.Level != "" && e.Level != opts.Level {
			continue
		}
		if strings.Contains(strings.ToLower(e.Content), strings.ToLower(query)) {
			results = append(results, storage.SearchResult{MemoryEntry: e, Score: 1})
		}
	}
	sortByScore(results)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (f *fakeBackend) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	if _, ok := f.entries[id]; !ok {
		return false, nil
	}
	delete(f.entries, id)
	return true, nil
}

func (f *fakeBackend) GetByLevel(_ context.Context, level types.MemoryLevel) ([]types.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.MemoryEntry
	for _, e := range f.entries {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeBackend) UpgradeLevel(_ context.Context, id string, level types.MemoryLevel) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return false, nil
	}
	e.Level = level
	f.entries[id] = e
	return true, nil
}

func (f *fakeBackend) Stats(_ context.Context) (*storage.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := storage.NewStats(f.name)
	for _, e := range f.entries {
		stats.ByLevel[e.Level]++
		stats.Total++
	}
	return stats, nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeMonitor reports a settable available-memory figure.
type fakeMonitor struct {
	mu    sync.Mutex
	avail uint64
}

func (m *fakeMonitor) set(v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avail = v
}

func (m *fakeMonitor) AvailableBytes() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avail, nil
}

// mustEntry builds an entry or panics; test-side construction never fails.
func mustEntry(content string, level types.MemoryLevel, at time.Time) types.MemoryEntry {
	e, err := types.NewMemoryEntry(content, nil, level, at)
	if err != nil {
		panic(err)
	}
	return *e
}
