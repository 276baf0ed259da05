package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// Local kind avoids the DSN requirement in a bare environment.
	t.Setenv("ENGRAM_BACKEND", "local")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, KindLocal, cfg.Storage.BackendKind)
	assert.Equal(t, "./data", cfg.Storage.DataPath)
	assert.Equal(t, "http://localhost:11434", cfg.Embedding.OllamaURL)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, 0.7, cfg.Search.VectorWeight)
	assert.Equal(t, 0.95, cfg.Search.DuplicateThreshold)
	assert.Equal(t, 60, cfg.Search.RRFK)
	assert.Equal(t, 1, cfg.Tiering.P2HotDays)
	assert.Equal(t, 7, cfg.Tiering.HotWarmDays)
	assert.Equal(t, 30, cfg.Tiering.WarmColdDays)
	assert.Equal(t, time.Hour, cfg.Tiering.SweepInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENGRAM_BACKEND", "hybrid")
	t.Setenv("ENGRAM_POSTGRES_DSN", "postgres://localhost/engram?sslmode=disable")
	t.Setenv("ENGRAM_VECTOR_WEIGHT", "0.5")
	t.Setenv("ENGRAM_RRF_K", "30")
	t.Setenv("ENGRAM_SWEEP_INTERVAL", "30m")
	t.Setenv("ENGRAM_FALLBACK_POLICY", "never")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, KindHybrid, cfg.Storage.BackendKind)
	assert.Equal(t, 0.5, cfg.Search.VectorWeight)
	assert.Equal(t, 30, cfg.Search.RRFK)
	assert.Equal(t, 30*time.Minute, cfg.Tiering.SweepInterval)
	assert.Equal(t, "never", cfg.Hybrid.FallbackPolicy)
}

func TestLoadFailsFastOnInvalidEnums(t *testing.T) {
	t.Setenv("ENGRAM_BACKEND", "chroma")
	_, err := Load()
	assert.ErrorContains(t, err, "unknown backend kind")
}

func TestLoadFailsOnInvalidPolicy(t *testing.T) {
	t.Setenv("ENGRAM_BACKEND", "local")
	t.Setenv("ENGRAM_FALLBACK_POLICY", "sometimes")
	_, err := Load()
	assert.ErrorContains(t, err, "unknown policy")
}

func TestHybridRequiresDSN(t *testing.T) {
	t.Setenv("ENGRAM_BACKEND", "hybrid")
	t.Setenv("ENGRAM_POSTGRES_DSN", "")
	t.Setenv("ENGRAM_FALLBACK_POLICY", "auto")
	_, err := Load()
	assert.ErrorContains(t, err, "ENGRAM_POSTGRES_DSN")

	// Forcing permanent degradation lifts the requirement.
	t.Setenv("ENGRAM_FALLBACK_POLICY", "always")
	_, err = Load()
	assert.NoError(t, err)
}

func TestValidateThresholdOrdering(t *testing.T) {
	t.Setenv("ENGRAM_BACKEND", "local")
	t.Setenv("ENGRAM_HOT_WARM_DAYS", "40")
	t.Setenv("ENGRAM_WARM_COLD_DAYS", "30")
	_, err := Load()
	assert.ErrorContains(t, err, "must be below")
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{Storage: StorageConfig{DataPath: "/var/lib/engram"}}
	assert.Equal(t, "/var/lib/engram/hot.db", cfg.HotDBPath())
	assert.Equal(t, "/var/lib/engram/warm.db", cfg.WarmDBPath())
	assert.Equal(t, "/var/lib/engram/cold.db", cfg.ColdDBPath())
	assert.Equal(t, "/var/lib/engram/archive", cfg.ArchiveDir())
}
