// Package config loads engine settings from environment variables with the
// ENGRAM_ prefix and provides sensible defaults for all options. Invalid
// enum values (backend kind, fallback policy) fail at load time, not at
// first use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// BackendKind selects the hot-tier composition, chosen once at construction.
type BackendKind string

const (
	// KindLocal runs the hot tier on the local lexical+vector store only.
	KindLocal BackendKind = "local"

	// KindHybrid runs the hot tier as the hybrid combinator over the local
	// store and the remote vector store.
	KindHybrid BackendKind = "hybrid"
)

// ParseBackendKind validates a backend kind string.
func ParseBackendKind(s string) (BackendKind, error) {
	switch BackendKind(s) {
	case KindLocal, KindHybrid:
		return BackendKind(s), nil
	default:
		return "", fmt.Errorf("unknown backend kind %q (want %q or %q)", s, KindLocal, KindHybrid)
	}
}

// Config holds all settings for the memory engine.
type Config struct {
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Search    SearchConfig
	Hybrid    HybridConfig
	Tiering   TieringConfig
}

// StorageConfig locates the tier stores.
type StorageConfig struct {
	BackendKind BackendKind // Hot-tier composition: local, hybrid (default: hybrid)
	DataPath    string      // Data directory for SQLite files and archives (default: ./data)
	PostgresDSN string      // Remote vector store DSN (required for hybrid)
}

// EmbeddingConfig configures the Ollama embedding provider.
type EmbeddingConfig struct {
	OllamaURL         string  // Ollama API URL (default: http://localhost:11434)
	Model             string  // Embedding model name (default: nomic-embed-text)
	Dimensions        int     // Vector length the model produces (default: 768)
	RequestsPerSecond float64 // Outbound embed rate limit (default: 10)
}

// SearchConfig holds the scoring constants.
type SearchConfig struct {
	VectorWeight       float64 // Vector share of the local combined score (default: 0.7)
	DuplicateThreshold float64 // Same-level duplicate similarity floor (default: 0.95)
	RRFK               int     // Reciprocal-rank-fusion constant (default: 60)
}

// HybridConfig controls degradation.
type HybridConfig struct {
	MinAvailableMB int    // Memory floor in MiB before degrading (default: 512)
	FallbackPolicy string // auto, never, always (default: auto)
}

// TieringConfig holds migration and archival cadence.
type TieringConfig struct {
	P2HotDays       int           // P2 age in days before hot→cold (default: 1)
	HotWarmDays     int           // P1 age in days before hot→warm (default: 7)
	WarmColdDays    int           // P1 age in days before warm→cold (default: 30)
	SweepInterval   time.Duration // Auto-tier cadence (default: 1h)
	ArchiveInterval time.Duration // Remote self-archival cadence (default: 6h)
}

// Load reads configuration from environment variables, applying defaults,
// and validates every enum field.
func Load() (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			BackendKind: BackendKind(getEnv("ENGRAM_BACKEND", string(KindHybrid))),
			DataPath:    getEnv("ENGRAM_DATA_PATH", "./data"),
			PostgresDSN: getEnv("ENGRAM_POSTGRES_DSN", ""),
		},
		Embedding: EmbeddingConfig{
			OllamaURL:         getEnv("ENGRAM_OLLAMA_URL", "http://localhost:11434"),
			Model:             getEnv("ENGRAM_EMBEDDING_MODEL", "nomic-embed-text"),
			Dimensions:        getEnvInt("ENGRAM_EMBEDDING_DIMENSIONS", 768),
			RequestsPerSecond: getEnvFloat("ENGRAM_EMBEDDING_RPS", 10),
		},
		Search: SearchConfig{
			VectorWeight:       getEnvFloat("ENGRAM_VECTOR_WEIGHT", 0.7),
			DuplicateThreshold: getEnvFloat("ENGRAM_DUPLICATE_THRESHOLD", 0.95),
			RRFK:               getEnvInt("ENGRAM_RRF_K", 60),
		},
		Hybrid: HybridConfig{
			MinAvailableMB: getEnvInt("ENGRAM_MIN_AVAILABLE_MB", 512),
			FallbackPolicy: getEnv("ENGRAM_FALLBACK_POLICY", "auto"),
		},
		Tiering: TieringConfig{
			P2HotDays:       getEnvInt("ENGRAM_P2_HOT_DAYS", 1),
			HotWarmDays:     getEnvInt("ENGRAM_HOT_WARM_DAYS", 7),
			WarmColdDays:    getEnvInt("ENGRAM_WARM_COLD_DAYS", 30),
			SweepInterval:   getEnvDuration("ENGRAM_SWEEP_INTERVAL", time.Hour),
			ArchiveInterval: getEnvDuration("ENGRAM_ARCHIVE_INTERVAL", 6*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that would otherwise surface as a
// runtime error at first use.
func (c *Config) Validate() error {
	if _, err := ParseBackendKind(string(c.Storage.BackendKind)); err != nil {
		return fmt.Errorf("ENGRAM_BACKEND: %w", err)
	}
	switch c.Hybrid.FallbackPolicy {
	case "auto", "never", "always":
	default:
		return fmt.Errorf("ENGRAM_FALLBACK_POLICY: unknown policy %q", c.Hybrid.FallbackPolicy)
	}
	if c.Storage.BackendKind == KindHybrid && c.Hybrid.FallbackPolicy != "always" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("ENGRAM_POSTGRES_DSN is required for the hybrid backend")
	}
	if c.Search.VectorWeight < 0 || c.Search.VectorWeight > 1 {
		return fmt.Errorf("ENGRAM_VECTOR_WEIGHT must be in [0,1], got %v", c.Search.VectorWeight)
	}
	if c.Search.DuplicateThreshold <= 0 || c.Search.DuplicateThreshold > 1 {
		return fmt.Errorf("ENGRAM_DUPLICATE_THRESHOLD must be in (0,1], got %v", c.Search.DuplicateThreshold)
	}
	if c.Search.RRFK <= 0 {
		return fmt.Errorf("ENGRAM_RRF_K must be positive, got %d", c.Search.RRFK)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("ENGRAM_EMBEDDING_DIMENSIONS must be positive, got %d", c.Embedding.Dimensions)
	}
	for name, days := range map[string]int{
		"ENGRAM_P2_HOT_DAYS":    c.Tiering.P2HotDays,
		"ENGRAM_HOT_WARM_DAYS":  c.Tiering.HotWarmDays,
		"ENGRAM_WARM_COLD_DAYS": c.Tiering.WarmColdDays,
	} {
		if days <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, days)
		}
	}
	if c.Tiering.HotWarmDays >= c.Tiering.WarmColdDays {
		return fmt.Errorf("ENGRAM_HOT_WARM_DAYS (%d) must be below ENGRAM_WARM_COLD_DAYS (%d)",
			c.Tiering.HotWarmDays, c.Tiering.WarmColdDays)
	}
	return nil
}

// HotDBPath returns the hot-tier SQLite file location.
func (c *Config) HotDBPath() string { return filepath.Join(c.Storage.DataPath, "hot.db") }

// WarmDBPath returns the warm-tier SQLite file location.
func (c *Config) WarmDBPath() string { return filepath.Join(c.Storage.DataPath, "warm.db") }

// ColdDBPath returns the cold-tier SQLite file location, used when no remote
// store serves the cold tier.
func (c *Config) ColdDBPath() string { return filepath.Join(c.Storage.DataPath, "cold.db") }

// ArchiveDir returns the archive log directory.
func (c *Config) ArchiveDir() string { return filepath.Join(c.Storage.DataPath, "archive") }

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value when unset or unparseable.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value when unset or unparseable.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("90m", "6h") or
// returns a default value when unset or unparseable.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
