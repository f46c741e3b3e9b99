package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fentz26/ninjateam/internal/cache"
	"github.com/fentz26/ninjateam/internal/config"
	"github.com/fentz26/ninjateam/internal/observability"
	"github.com/fentz26/ninjateam/internal/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the artifact cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and bound",
	RunE:  runCacheStats,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop expired entries and evict down to the size bound",
	RunE:  runCachePrune,
}

var cacheVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every artifact against its checksum, evicting corrupted ones",
	RunE:  runCacheVerify,
}

var (
	cacheConfig   string
	cacheBuildDir string
)

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cachePruneCmd, cacheVerifyCmd)
	cacheCmd.PersistentFlags().StringVar(&cacheConfig, "config", "", "Team configuration file")
	cacheCmd.PersistentFlags().StringVar(&cacheBuildDir, "build-dir", "", "Build directory (default build_engine.build_dir)")
}

// openCacheManager opens the cache rooted at cfg.Cache.Dir, relative to dir,
// with the shared tier when one is configured and reachable.
func openCacheManager(ctx context.Context, cfg *config.Config, dir string, st *store.Store, metrics *observability.Metrics, logger *slog.Logger) (*cache.Manager, error) {
	opts := cache.OptionsFromConfig(cfg)
	if !filepath.IsAbs(opts.Dir) {
		opts.Dir = filepath.Join(dir, opts.Dir)
	}
	opts.Store = st
	opts.Metrics = metrics
	opts.Logger = logger
	if cfg.Cache.Remote.Endpoint != "" {
		remote, err := cache.NewMinioBackend(ctx, cfg.Cache.Remote)
		if err != nil {
			logger.Warn("shared cache tier disabled", "endpoint", cfg.Cache.Remote.Endpoint, "error", err)
		} else {
			opts.Remote = remote
		}
	}
	return cache.Open(opts)
}

// withCache runs fn against the configured cache.
func withCache(fn func(ctx context.Context, cfg *config.Config, m *cache.Manager) error) error {
	logger := newLogger(os.Stderr, "cache")
	cfg, err := loadConfig(cacheConfig)
	if err != nil {
		return err
	}
	dir := cfg.BuildEngine.BuildDir
	if cacheBuildDir != "" {
		dir = cacheBuildDir
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	m, err := openCacheManager(ctx, cfg, dir, st, nil, logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	return fn(ctx, cfg, m)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	return withCache(func(ctx context.Context, cfg *config.Config, m *cache.Manager) error {
		stats, err := m.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("Entries:     %s\n", humanize.Comma(int64(stats.Entries)))
		fmt.Printf("Size:        %s of %s", humanize.Bytes(uint64(stats.Bytes)), humanize.Bytes(uint64(stats.Bound)))
		if stats.Bound > 0 {
			fmt.Printf(" (%.1f%%)", float64(stats.Bytes)*100/float64(stats.Bound))
		}
		fmt.Println()
		fmt.Printf("Compression: %s\n", stats.Compression)
		fmt.Printf("Strategy:    %s, ttl %d days\n", cfg.Cache.PruneStrategy, cfg.Cache.TTLDays)
		if m.HasRemote() {
			fmt.Printf("Shared tier: %s/%s\n", cfg.Cache.Remote.Endpoint, cfg.Cache.Remote.Bucket)
		}
		return nil
	})
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	return withCache(func(ctx context.Context, cfg *config.Config, m *cache.Manager) error {
		res, err := m.Prune(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("prune cache: %w", err)
		}
		fmt.Printf("Expired %d, evicted %d, freed %s\n", res.Expired, res.Evicted, humanize.Bytes(uint64(res.Freed)))
		return nil
	})
}

func runCacheVerify(cmd *cobra.Command, args []string) error {
	return withCache(func(ctx context.Context, cfg *config.Config, m *cache.Manager) error {
		bad, err := m.Verify(ctx)
		if err != nil {
			return fmt.Errorf("verify cache: %w", err)
		}
		if len(bad) == 0 {
			fmt.Println("All entries verified")
			return nil
		}
		fmt.Printf("Evicted %d corrupted entries:\n", len(bad))
		for _, fp := range bad {
			fmt.Printf("  %s\n", fp)
		}
		return nil
	})
}
