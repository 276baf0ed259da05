// Command engram runs the tiered memory engine: as a long-lived service with
// periodic tier sweeps, or in one-shot administrative modes for adding,
// searching, and maintaining memories.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/keepstack/engram/internal/config"
	"github.com/keepstack/engram/internal/embedding"
	"github.com/keepstack/engram/internal/engine"
	"github.com/keepstack/engram/internal/storage"
	"github.com/keepstack/engram/internal/storage/pgvector"
	"github.com/keepstack/engram/internal/storage/sqlite"
	"github.com/keepstack/engram/pkg/types"
)

var (
	addText   = flag.String("add", "", "Add a memory with the given content and exit")
	level     = flag.String("level", "P1", "Memory level for -add and -upgrade (P0, P1, P2)")
	meta      = flag.String("meta", "", "Metadata for -add as comma-separated key=value pairs")
	query     = flag.String("search", "", "Search memories and exit")
	depth     = flag.String("depth", "hot", "Search depth for -search (hot, warm, deep)")
	limit     = flag.Int("limit", 10, "Maximum results for -search")
	minScore  = flag.Float64("min-score", 0, "Minimum score for -search results")
	deleteID  = flag.String("delete", "", "Delete the memory with the given ID and exit")
	upgradeID = flag.String("upgrade", "", "Upgrade the given memory ID to -level and exit")
	statsCmd  = flag.Bool("stats", false, "Print engine statistics as YAML and exit")
	sweepCmd  = flag.Bool("sweep", false, "Run a single tier sweep and exit")
	dedupeCmd = flag.Bool("dedupe", false, "Detect hot-tier duplicates and exit")
	mergeCmd  = flag.Bool("merge", false, "Merge hot-tier duplicates and exit")
	keep      = flag.String("keep", "newest", "Which duplicate to keep for -merge (newest, oldest)")
	verbose   = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(*verbose)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}
	defer eng.Close() //nolint:errcheck

	ctx := context.Background()

	// Handle one-shot command modes.
	switch {
	case *addText != "":
		handleAdd(ctx, eng, *addText)
		return
	case *query != "":
		handleSearch(ctx, eng, *query)
		return
	case *deleteID != "":
		handleDelete(ctx, eng, *deleteID)
		return
	case *upgradeID != "":
		handleUpgrade(ctx, eng, *upgradeID)
		return
	case *statsCmd:
		handleStats(ctx, eng)
		return
	case *sweepCmd:
		handleSweep(ctx, eng)
		return
	case *dedupeCmd:
		handleDedupe(ctx, eng, cfg.Search.DuplicateThreshold)
		return
	case *mergeCmd:
		handleMerge(ctx, eng, *keep)
		return
	}

	runService(eng)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildEngine composes the tier stores per configuration. The hot tier is
// either the local store alone or the hybrid combinator over local plus the
// remote vector store; warm is always local; cold is the remote store when a
// DSN is configured for a local backend, otherwise a third local store.
func buildEngine(cfg *config.Config, logger *zap.Logger) (*engine.MemoryEngine, error) {
	embedder := buildEmbedder(cfg, logger)

	openLocal := func(path string) (storage.Backend, error) {
		return sqlite.New(sqlite.Config{
			Path:               path,
			VectorWeight:       cfg.Search.VectorWeight,
			DuplicateThreshold: cfg.Search.DuplicateThreshold,
		}, embedder, logger)
	}

	var (
		hot     storage.Backend
		cold    storage.Backend
		runners []engine.Runner
		err     error
	)

	localHot, err := openLocal(cfg.HotDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening hot store: %w", err)
	}

	remoteCfg := pgvector.Config{
		DSN:                cfg.Storage.PostgresDSN,
		DuplicateThreshold: cfg.Search.DuplicateThreshold,
		ArchiveDir:         cfg.ArchiveDir(),
		ArchiveInterval:    cfg.Tiering.ArchiveInterval,
	}

	switch cfg.Storage.BackendKind {
	case config.KindHybrid:
		policy, err := engine.ParseFallbackPolicy(cfg.Hybrid.FallbackPolicy)
		if err != nil {
			return nil, err
		}
		var factory engine.RemoteFactory
		if cfg.Storage.PostgresDSN != "" {
			factory = func() (storage.Backend, error) {
				return pgvector.New(remoteCfg, embedder, logger)
			}
		}
		hot, err = engine.NewHybrid(localHot, factory, engine.SystemMonitor{}, engine.HybridConfig{
			RRFK:              cfg.Search.RRFK,
			MinAvailableBytes: uint64(cfg.Hybrid.MinAvailableMB) << 20,
			Policy:            policy,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("building hybrid backend: %w", err)
		}
		// The hybrid's remote mirror uses the configured DSN; a second
		// pgvector store would write to the same table, so the cold tier
		// stays local.
		cold, err = openLocal(cfg.ColdDBPath())
		if err != nil {
			return nil, fmt.Errorf("opening cold store: %w", err)
		}

	case config.KindLocal:
		hot = localHot
		if cfg.Storage.PostgresDSN != "" {
			remote, err := pgvector.New(remoteCfg, embedder, logger)
			if err != nil {
				return nil, fmt.Errorf("opening remote cold store: %w", err)
			}
			cold = remote
			runners = append(runners, runnerFunc(remote.StartArchiver))
		} else {
			cold, err = openLocal(cfg.ColdDBPath())
			if err != nil {
				return nil, fmt.Errorf("opening cold store: %w", err)
			}
		}

	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Storage.BackendKind)
	}

	warm, err := openLocal(cfg.WarmDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening warm store: %w", err)
	}

	tiers, err := engine.NewTiered(hot, warm, cold, engine.TieredConfig{
		P2HotThreshold:    days(cfg.Tiering.P2HotDays),
		HotWarmThreshold:  days(cfg.Tiering.HotWarmDays),
		WarmColdThreshold: days(cfg.Tiering.WarmColdDays),
		SweepInterval:     cfg.Tiering.SweepInterval,
	}, logger)
	if err != nil {
		return nil, err
	}

	return engine.NewMemoryEngine(tiers, logger, runners...)
}

// buildEmbedder returns the Ollama embedder, or nil when the provider is not
// configured. A nil embedder runs the local stores lexical-only.
func buildEmbedder(cfg *config.Config, logger *zap.Logger) embedding.Embedder {
	if cfg.Embedding.OllamaURL == "" {
		logger.Warn("no embedding provider configured, running lexical-only")
		return nil
	}
	embedder, err := embedding.NewOllamaEmbedder(embedding.OllamaConfig{
		BaseURL:           cfg.Embedding.OllamaURL,
		Model:             cfg.Embedding.Model,
		Dimensions:        cfg.Embedding.Dimensions,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	}, logger)
	if err != nil {
		logger.Warn("embedding provider unavailable, running lexical-only", zap.Error(err))
		return nil
	}
	return embedder
}

func handleAdd(ctx context.Context, eng *engine.MemoryEngine, content string) {
	lvl, err := types.ParseLevel(*level)
	if err != nil {
		log.Fatalf("Invalid level: %v", err)
	}
	metadata, err := parseMetadata(*meta)
	if err != nil {
		log.Fatalf("Invalid metadata: %v", err)
	}

	id, err := eng.Add(ctx, content, metadata, lvl)
	if err != nil {
		log.Fatalf("Add failed: %v", err)
	}
	fmt.Println(id)
}

func handleSearch(ctx context.Context, eng *engine.MemoryEngine, query string) {
	d, err := engine.ParseDepth(*depth)
	if err != nil {
		log.Fatalf("Invalid depth: %v", err)
	}

	results, err := eng.Search(ctx, query, engine.SearchRequest{
		Limit:    *limit,
		MinScore: *minScore,
		Depth:    d,
	})
	if err != nil {
		log.Fatalf("Search failed: %v", err)
	}

	if len(results) == 0 {
		fmt.Println("No results")
		return
	}
	for i, r := range results {
		fmt.Printf("%d. [%s] %.4f %s\n", i+1, r.Level, r.Score, r.ID)
		fmt.Printf("   %s\n", r.Content)
	}
}

func handleDelete(ctx context.Context, eng *engine.MemoryEngine, id string) {
	removed, err := eng.Delete(ctx, id)
	if err != nil {
		log.Fatalf("Delete failed: %v", err)
	}
	if !removed {
		log.Fatalf("No memory with ID %s", id)
	}
	fmt.Println("Deleted", id)
}

func handleUpgrade(ctx context.Context, eng *engine.MemoryEngine, id string) {
	lvl, err := types.ParseLevel(*level)
	if err != nil {
		log.Fatalf("Invalid level: %v", err)
	}
	ok, err := eng.UpgradeLevel(ctx, id, lvl)
	if err != nil {
		log.Fatalf("Upgrade failed: %v", err)
	}
	if !ok {
		log.Fatalf("No memory with ID %s", id)
	}
	fmt.Printf("Upgraded %s to %s\n", id, lvl)
}

func handleStats(ctx context.Context, eng *engine.MemoryEngine) {
	stats, err := eng.Stats(ctx)
	if err != nil {
		log.Fatalf("Stats failed: %v", err)
	}
	out, err := yaml.Marshal(stats)
	if err != nil {
		log.Fatalf("Failed to render stats: %v", err)
	}
	fmt.Print(string(out))
}

func handleSweep(ctx context.Context, eng *engine.MemoryEngine) {
	report, err := eng.Sweep(ctx)
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}
	fmt.Printf("Migrated %d memories (P2 hot→cold: %d, P1 hot→warm: %d, P1 warm→cold: %d)\n",
		report.Total(), report.P2HotToCold, report.P1HotToWarm, report.P1WarmToCold)
}

func handleDedupe(ctx context.Context, eng *engine.MemoryEngine, threshold float64) {
	ids, err := eng.DetectDuplicates(ctx, threshold)
	if err != nil {
		log.Fatalf("Duplicate detection failed: %v", err)
	}
	if len(ids) == 0 {
		fmt.Println("No duplicates found")
		return
	}
	fmt.Printf("Found %d duplicate(s):\n", len(ids))
	for _, id := range ids {
		fmt.Println(" ", id)
	}
}

func handleMerge(ctx context.Context, eng *engine.MemoryEngine, keep string) {
	var policy storage.KeepPolicy
	switch keep {
	case "newest":
		policy = storage.KeepNewest
	case "oldest":
		policy = storage.KeepOldest
	default:
		log.Fatalf("Invalid keep policy %q (want newest or oldest)", keep)
	}

	result, err := eng.MergeDuplicates(ctx, policy)
	if err != nil {
		log.Fatalf("Merge failed: %v", err)
	}
	fmt.Printf("Detected %d duplicate(s), deleted %d\n", result.Detected, result.Deleted)
}

func runService(eng *engine.MemoryEngine) {
	eng.Start()

	log.Println("Engram memory engine started")
	log.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	if err := eng.Close(); err != nil {
		log.Printf("Warning: %v", err)
	}
	log.Println("Engine stopped")
}

// runnerFunc adapts a plain function to the engine.Runner interface.
type runnerFunc func(ctx context.Context)

func (f runnerFunc) Start(ctx context.Context) { f(ctx) }

// parseMetadata parses comma-separated key=value pairs.
func parseMetadata(s string) (types.Metadata, error) {
	if s == "" {
		return nil, nil
	}
	md := make(types.Metadata)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		md[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return md, nil
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
