package sqlite

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/keepstack/engram/internal/embedding"
	"github.com/keepstack/engram/internal/storage"
	"github.com/keepstack/engram/pkg/types"
)

// DetectDuplicates scans stored embeddings per level and returns the IDs of
// entries whose similarity to an earlier-created entry meets or exceeds
// threshold. O(n²) per level; an administrative operation, not a hot path.
func (s *Store) DetectDuplicates(ctx context.Context, threshold float64) ([]string, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = s.cfg.DuplicateThreshold
	}

	clusters, err := s.duplicateClusters(ctx, threshold)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, cluster := range clusters {
		// The earliest entry anchors the cluster; the rest are duplicates.
		for _, e := range cluster[1:] {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

// MergeDuplicates deletes detected duplicates, keeping one entry per cluster
// according to keep ("newest" by default, or "oldest").
func (s *Store) MergeDuplicates(ctx context.Context, keep storage.KeepPolicy) (*storage.MergeResult, error) {
	if keep == "" {
		keep = storage.KeepNewest
	}
	if keep != storage.KeepNewest && keep != storage.KeepOldest {
		return nil, fmt.Errorf("%w: unknown keep policy %q", storage.ErrInvalidInput, keep)
	}

	clusters, err := s.duplicateClusters(ctx, s.cfg.DuplicateThreshold)
	if err != nil {
		return nil, err
	}

	result := &storage.MergeResult{}
	for _, cluster := range clusters {
		result.Detected += len(cluster) - 1

		// Clusters are sorted oldest-first.
		keepIdx := len(cluster) - 1
		if keep == storage.KeepOldest {
			keepIdx = 0
		}

		for i, e := range cluster {
			if i == keepIdx {
				continue
			}
			removed, err := s.Delete(ctx, e.ID)
			if err != nil {
				s.logger.Warn("merge delete failed", zap.String("id", e.ID), zap.Error(err))
				continue
			}
			if removed {
				result.Deleted++
			}
		}
	}
	return result, nil
}

// duplicateClusters groups same-level embedded entries into similarity
// clusters, each sorted oldest-first. Singleton clusters are omitted.
func (s *Store) duplicateClusters(ctx context.Context, threshold float64) ([][]types.MemoryEntry, error) {
	var all [][]types.MemoryEntry

	for _, level := range types.Levels {
		entries, err := s.GetByLevel(ctx, level)
		if err != nil {
			return nil, err
		}

		var embedded []types.MemoryEntry
		for _, e := range entries {
			if e.Embedding != nil {
				embedded = append(embedded, e)
			}
		}
		sort.Slice(embedded, func(i, j int) bool {
			return embedded[i].CreatedAt.Before(embedded[j].CreatedAt)
		})

		var clusters [][]types.MemoryEntry
		for _, e := range embedded {
			placed := false
			for i := range clusters {
				anchor := clusters[i][0]
				sim := embedding.UnitSimilarity(
					embedding.CosineSimilarity(anchor.Embedding, e.Embedding))
				if sim >= threshold {
					clusters[i] = append(clusters[i], e)
					placed = true
					break
				}
			}
			if !placed {
				clusters = append(clusters, []types.MemoryEntry{e})
			}
		}

		for _, c := range clusters {
			if len(c) > 1 {
				all = append(all, c)
			}
		}
	}
	return all, nil
}
