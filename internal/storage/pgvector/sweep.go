package pgvector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/keepstack/engram/pkg/types"
)

// StartArchiver runs the self-archival loop until ctx is cancelled. Each
// sweep moves records older than their level's retention window to the
// archive log; a sweep in flight finishes its current record before stopping.
// No-op when the store was built without an archive directory.
func (s *Store) StartArchiver(ctx context.Context) {
	if s.archive == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(s.cfg.ArchiveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ArchiveSweep(ctx); err != nil {
					s.logger.Warn("archive sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// archiveEligible reports whether a live record is old enough to move to the
// archive log. P0 records are never archived, even when a retention window is
// configured for them; levels without a window never age out.
func (s *Store) archiveEligible(entry *types.MemoryEntry, now time.Time) bool {
	if entry.Level == types.LevelP0 {
		return false
	}
	maxAge, ok := s.cfg.ArchiveAfter[entry.Level]
	if !ok {
		return false
	}
	return entry.Age(now) > maxAge
}

// ArchiveSweep runs one self-archival pass and returns how many records were
// moved. Each move is archive-write-then-delete: a failed write leaves the
// record live for the next sweep, a failed delete leaves a re-archivable
// leftover (append-only logs tolerate the repeat line).
func (s *Store) ArchiveSweep(ctx context.Context) (int, error) {
	if s.archive == nil {
		return 0, nil
	}

	runID := uuid.NewString()
	now := s.clock()
	moved := 0

	for level := range s.cfg.ArchiveAfter {
		if level == types.LevelP0 {
			continue
		}

		entries, err := s.GetByLevel(ctx, level)
		if err != nil {
			s.logger.Warn("archive scan failed",
				zap.String("run_id", runID),
				zap.String("level", level.String()),
				zap.Error(err))
			continue
		}

		for i := range entries {
			// Cooperative cancellation between records, never mid-move.
			if ctx.Err() != nil {
				return moved, ctx.Err()
			}

			entry := &entries[i]
			if !s.archiveEligible(entry, now) {
				continue
			}

			if err := s.archive.Append(entry, now); err != nil {
				s.logger.Warn("archive write failed, record stays live",
					zap.String("run_id", runID),
					zap.String("id", entry.ID),
					zap.Error(err))
				continue
			}
			if _, err := s.Delete(ctx, entry.ID); err != nil {
				s.logger.Warn("archive delete failed, record archived twice next sweep",
					zap.String("run_id", runID),
					zap.String("id", entry.ID),
					zap.Error(err))
				continue
			}
			moved++
		}
	}

	if moved > 0 {
		s.logger.Info("archive sweep complete",
			zap.String("run_id", runID),
			zap.Int("archived", moved))
	}
	return moved, nil
}
