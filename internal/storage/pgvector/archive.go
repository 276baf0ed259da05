package pgvector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/keepstack/engram/pkg/types"
)

// ArchiveLog is an append-only, line-delimited record archive partitioned by
// month ("2026-08.jsonl"). Records archived out of the live index land here
// and are never rewritten.
type ArchiveLog struct {
	dir string

	mu    sync.Mutex
	count int
}

// archiveRecord is one JSONL line: the entry's lossless map form plus the
// moment it was archived.
type archiveRecord struct {
	ArchivedAt string         `json:"archived_at"`
	Entry      map[string]any `json:"entry"`
}

// NewArchiveLog opens (or creates) the archive directory and counts existing
// lines so Count reflects the whole archive, not just this process's writes.
func NewArchiveLog(dir string) (*ArchiveLog, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	a := &ArchiveLog{dir: dir}

	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("scanning archive directory: %w", err)
	}
	for _, path := range matches {
		n, err := countLines(path)
		if err != nil {
			return nil, fmt.Errorf("counting %s: %w", path, err)
		}
		a.count += n
	}

	return a, nil
}

// Append writes the entry as one JSON line to the current month's partition.
func (a *ArchiveLog) Append(entry *types.MemoryEntry, now time.Time) error {
	if entry == nil {
		return fmt.Errorf("cannot archive nil entry")
	}

	line, err := json.Marshal(archiveRecord{
		ArchivedAt: now.UTC().Format(time.RFC3339Nano),
		Entry:      entry.ToMap(),
	})
	if err != nil {
		return fmt.Errorf("marshaling archive record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.dir, now.UTC().Format("2006-01")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening archive partition: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending archive record: %w", err)
	}

	a.count++
	return nil
}

// Count returns the total number of archived records across all partitions.
func (a *ArchiveLog) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}
