// Package types defines the core value types of the Engram memory system:
// retention levels, memory entries, and their lossless map serialization.
//
// Types here are pure values with no behavior beyond construction, equality,
// and serialization. All storage backends and orchestrators operate on them.
package types

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidLevel indicates a level string outside the closed P0/P1/P2 set.
// It is rejected at the data-model boundary and never reaches storage.
var ErrInvalidLevel = errors.New("invalid memory level")

// MemoryLevel is the retention priority of a memory entry.
// Ordering P0 > P1 > P2 encodes retention priority, not recency.
type MemoryLevel string

const (
	// LevelP0 marks permanent, core memories. Never auto-migrated or evicted.
	LevelP0 MemoryLevel = "P0"

	// LevelP1 marks standard session memories (the default).
	LevelP1 MemoryLevel = "P1"

	// LevelP2 marks transient memories with the shortest retention.
	LevelP2 MemoryLevel = "P2"
)

// Levels lists all valid levels in retention-priority order.
var Levels = []MemoryLevel{LevelP0, LevelP1, LevelP2}

// ParseLevel converts a string into a MemoryLevel.
// Any value outside the closed "P0"/"P1"/"P2" set fails with ErrInvalidLevel.
func ParseLevel(s string) (MemoryLevel, error) {
	switch MemoryLevel(s) {
	case LevelP0, LevelP1, LevelP2:
		return MemoryLevel(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
}

// Valid reports whether l is one of the three defined levels.
func (l MemoryLevel) Valid() bool {
	_, err := ParseLevel(string(l))
	return err == nil
}

// Rank returns the retention rank of the level: 0 for P0 (highest priority)
// through 2 for P2. Invalid levels rank below all valid ones.
func (l MemoryLevel) Rank() int {
	switch l {
	case LevelP0:
		return 0
	case LevelP1:
		return 1
	case LevelP2:
		return 2
	default:
		return 3
	}
}

func (l MemoryLevel) String() string { return string(l) }

// Metadata is a typed opaque key-value bag attached to a memory entry.
// Values are restricted to scalar strings; the engine passes the bag through
// unchanged and never interprets its contents.
type Metadata map[string]string

// Clone returns an independent copy of the metadata bag.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal reports whether two metadata bags hold the same key-value pairs.
func (m Metadata) Equal(other Metadata) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// MemoryEntry is the unit of storage: a short text memory with a retention
// level, an opaque metadata bag, and an optional embedding vector.
//
// Invariants: ID is assigned at construction and never mutated; Content is
// immutable after creation (updates happen by delete + re-add); Level changes
// only via an explicit upgrade operation. CreatedAt never changes when the
// entry migrates between tiers — tier placement is a storage-location
// concept, not a data-model field.
type MemoryEntry struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	Metadata  Metadata    `json:"metadata,omitempty"`
	Level     MemoryLevel `json:"level"`
	Embedding []float32   `json:"-"`
	CreatedAt time.Time   `json:"created_at"`
}

// idTimestampLayout is the compact timestamp component of generated IDs.
const idTimestampLayout = "20060102150405"

// NewMemoryEntry constructs an entry with a deterministic ID derived from
// (level, creation timestamp, content hash), so re-adding identical content
// at the same moment is idempotent by construction.
// Returns ErrInvalidLevel when level is outside the closed set.
func NewMemoryEntry(content string, metadata Metadata, level MemoryLevel, createdAt time.Time) (*MemoryEntry, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLevel, level)
	}
	if content == "" {
		return nil, errors.New("memory content is required")
	}

	return &MemoryEntry{
		ID:        GenerateID(level, createdAt, content),
		Content:   content,
		Metadata:  metadata.Clone(),
		Level:     level,
		CreatedAt: createdAt,
	}, nil
}

// GenerateID derives the deterministic entry ID: level, compact UTC
// timestamp, and the first 16 hex characters of the content's SHA-256.
func GenerateID(level MemoryLevel, createdAt time.Time, content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s_%s_%x", level, createdAt.UTC().Format(idTimestampLayout), sum[:8])
}

// ContentHash returns the full SHA-256 hex digest of the entry's content,
// used as the embedding-cache key and for exact-duplicate checks.
func (e *MemoryEntry) ContentHash() string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(e.Content)))
}

// Age returns how long the entry has existed as of now.
func (e *MemoryEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Clone returns a deep copy of the entry.
func (e *MemoryEntry) Clone() *MemoryEntry {
	out := *e
	out.Metadata = e.Metadata.Clone()
	if e.Embedding != nil {
		out.Embedding = make([]float32, len(e.Embedding))
		copy(out.Embedding, e.Embedding)
	}
	return &out
}

// Equal reports whether two entries carry identical values, including the
// exact bit pattern of their embeddings.
func (e *MemoryEntry) Equal(other *MemoryEntry) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.ID != other.ID || e.Content != other.Content || e.Level != other.Level {
		return false
	}
	if !e.CreatedAt.Equal(other.CreatedAt) {
		return false
	}
	if !e.Metadata.Equal(other.Metadata) {
		return false
	}
	if len(e.Embedding) != len(other.Embedding) {
		return false
	}
	for i := range e.Embedding {
		if math.Float32bits(e.Embedding[i]) != math.Float32bits(other.Embedding[i]) {
			return false
		}
	}
	return true
}

// ToMap serializes the entry into a string-keyed map. Metadata is carried
// unchanged; the embedding is encoded losslessly (exact bit pattern) via
// EncodeEmbedding. The map form is what archive logs persist.
func (e *MemoryEntry) ToMap() map[string]any {
	m := map[string]any{
		"id":         e.ID,
		"content":    e.Content,
		"metadata":   map[string]string(e.Metadata.Clone()),
		"level":      string(e.Level),
		"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.Embedding != nil {
		m["embedding"] = EncodeEmbedding(e.Embedding)
	}
	return m
}

// EntryFromMap reconstructs an entry from its ToMap form.
// Unknown levels fail with ErrInvalidLevel; a malformed embedding or
// timestamp fails with a descriptive error.
func EntryFromMap(m map[string]any) (*MemoryEntry, error) {
	levelStr, _ := m["level"].(string)
	level, err := ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	entry := &MemoryEntry{Level: level}
	entry.ID, _ = m["id"].(string)
	entry.Content, _ = m["content"].(string)
	if entry.ID == "" || entry.Content == "" {
		return nil, errors.New("entry map missing id or content")
	}

	switch md := m["metadata"].(type) {
	case map[string]string:
		entry.Metadata = Metadata(md).Clone()
	case map[string]any:
		entry.Metadata = make(Metadata, len(md))
		for k, v := range md {
			entry.Metadata[k] = fmt.Sprintf("%v", v)
		}
	}

	if ts, ok := m["created_at"].(string); ok && ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at %q: %w", ts, err)
		}
		entry.CreatedAt = parsed
	}

	if enc, ok := m["embedding"].(string); ok && enc != "" {
		vec, err := DecodeEmbedding(enc)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding: %w", err)
		}
		entry.Embedding = vec
	}

	return entry, nil
}

// EncodeEmbedding serializes a float32 vector to base64 little-endian bytes.
// The encoding is bit-exact: DecodeEmbedding(EncodeEmbedding(v)) reproduces
// every float's bit pattern.
func EncodeEmbedding(vec []float32) string {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeEmbedding reverses EncodeEmbedding.
func DecodeEmbedding(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
