// Package cache implements the content-addressed artifact cache: a
// size-bounded store of compressed unit outputs keyed by fingerprint.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/ninjateam/internal/config"
	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/observability"
	"github.com/fentz26/ninjateam/internal/store"
)

// Options configures a Manager.
type Options struct {
	Dir         string
	MaxBytes    int64
	TTL         time.Duration
	Strategy    string
	Compression string
	Level       int
	// Remote is an optional shared tier consulted on local misses.
	Remote  Backend
	Store   *store.Store
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// OptionsFromConfig maps the cache section onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Dir:         cfg.Cache.Dir,
		MaxBytes:    cfg.CacheBound(),
		TTL:         time.Duration(cfg.Cache.TTLDays) * 24 * time.Hour,
		Strategy:    cfg.Cache.PruneStrategy,
		Compression: cfg.Cache.Compression,
		Level:       cfg.Cache.CompressionLevel,
	}
}

// Stats summarises the cache.
type Stats struct {
	Entries     int
	Bytes       int64
	Bound       int64
	Hits        int
	Misses      int
	Evictions   int
	Compression string
}

// PruneResult reports what a prune pass removed.
type PruneResult struct {
	Expired int
	Evicted int
	Freed   int64
}

// Manager owns the cache index and blobs. Inserts and evictions are
// serialised by a single lock so the size bound holds.
type Manager struct {
	opts    Options
	local   *LocalBackend
	store   *store.Store
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	hits      int
	misses    int
	evictions int
}

// Open opens the cache under opts.Dir.
func Open(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("cache: store is required")
	}
	if opts.Strategy == "" {
		opts.Strategy = "lru"
	}
	if opts.Compression == "" {
		opts.Compression = CompressionZstd
	}
	local, err := NewLocalBackend(opts.Dir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		opts:    opts,
		local:   local,
		store:   opts.Store,
		logger:  logging.OrDiscard(opts.Logger),
		metrics: opts.Metrics,
	}, nil
}

// StagingPath returns a fresh path for Pack to write into.
func (m *Manager) StagingPath() string {
	return filepath.Join(m.opts.Dir, "staging", uuid.New().String()+".art")
}

// Compression returns the configured compression.
func (m *Manager) Compression() string { return m.opts.Compression }

// Level returns the configured compression level.
func (m *Manager) Level() int { return m.opts.Level }

// Lookup returns the entry for fingerprint after validating its checksum,
// or nil on a miss. A corrupted entry is evicted and reported as a miss.
// Lookup does not update access times.
func (m *Manager) Lookup(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.store.GetCacheEntry(fingerprint)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		m.miss()
		return nil, nil
	}

	if err := m.validate(ctx, entry); err != nil {
		m.logger.Warn("evicting corrupted cache entry", "fingerprint", fingerprint, "error", err)
		m.evictLocked(ctx, *entry)
		m.miss()
		return nil, nil
	}
	m.hit()
	return entry, nil
}

func (m *Manager) hit() {
	m.hits++
	if m.metrics != nil {
		m.metrics.CacheHits.Inc()
	}
}

func (m *Manager) miss() {
	m.misses++
	if m.metrics != nil {
		m.metrics.CacheMisses.Inc()
	}
}

func (m *Manager) validate(ctx context.Context, entry *models.CacheEntry) error {
	rc, _, err := m.local.Get(ctx, entry.Fingerprint)
	if err != nil {
		return err
	}
	defer rc.Close()
	sum, err := hashReader(rc)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	if sum != entry.Checksum {
		return ErrCorrupted
	}
	return nil
}

// DiscoveredDeps returns the dependencies recorded for a unit's
// declared-input fingerprint. An unknown base counts as a miss.
func (m *Manager) DiscoveredDeps(base string) ([]string, bool, error) {
	deps, ok, err := m.store.GetDiscoveredDeps(base)
	if err != nil || ok {
		return deps, ok, err
	}
	m.mu.Lock()
	m.miss()
	m.mu.Unlock()
	return nil, false, nil
}

// RecordDeps stores the dependencies a unit read on its latest run.
func (m *Manager) RecordDeps(base string, deps []string) error {
	return m.store.PutDiscoveredDeps(base, deps)
}

// Insert adds the staged artifact at artifactPath under fingerprint,
// evicting older entries until the cache fits its bound. The staged file is
// consumed either way. An existing fingerprint is left untouched.
func (m *Manager) Insert(ctx context.Context, fingerprint, artifactPath string, sizeBytes int64) (*models.CacheEntry, error) {
	defer os.Remove(artifactPath)

	if sizeBytes <= 0 {
		info, err := os.Stat(artifactPath)
		if err != nil {
			return nil, fmt.Errorf("stat artifact: %w", err)
		}
		sizeBytes = info.Size()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sizeBytes > m.opts.MaxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrOversizedArtifact, sizeBytes, m.opts.MaxBytes)
	}

	existing, err := m.store.GetCacheEntry(fingerprint)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	checksum, err := hashPath(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("checksum artifact: %w", err)
	}

	if _, err := m.makeRoomLocked(ctx, sizeBytes); err != nil {
		return nil, err
	}

	if err := m.local.Adopt(fingerprint, artifactPath); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry := &models.CacheEntry{
		Fingerprint:  fingerprint,
		ArtifactPath: m.local.Path(fingerprint),
		SizeBytes:    sizeBytes,
		Checksum:     checksum,
		Compression:  m.opts.Compression,
		LastAccess:   now,
		CreatedAt:    now,
	}
	if err := m.store.PutCacheEntry(entry); err != nil {
		m.local.Delete(ctx, fingerprint)
		return nil, err
	}
	m.updateGauge()

	if m.opts.Remote != nil {
		if err := m.pushRemote(ctx, entry); err != nil {
			m.logger.Warn("remote cache upload failed", "fingerprint", fingerprint, "error", err)
		}
	}
	return entry, nil
}

// makeRoomLocked evicts entries in strategy order until incoming bytes fit.
func (m *Manager) makeRoomLocked(ctx context.Context, incoming int64) (int, error) {
	total, _, err := m.store.CacheSize()
	if err != nil {
		return 0, err
	}
	if total+incoming <= m.opts.MaxBytes {
		return 0, nil
	}

	entries, err := m.store.ListCacheEntries(m.opts.Strategy)
	if err != nil {
		return 0, err
	}
	evicted := 0
	for _, e := range entries {
		if total+incoming <= m.opts.MaxBytes {
			break
		}
		if err := m.evictLocked(ctx, e); err != nil {
			return evicted, err
		}
		total -= e.SizeBytes
		evicted++
	}
	return evicted, nil
}

func (m *Manager) evictLocked(ctx context.Context, e models.CacheEntry) error {
	if err := m.store.DeleteCacheEntry(e.Fingerprint); err != nil {
		return fmt.Errorf("evict %s: %w", e.Fingerprint, err)
	}
	if err := m.local.Delete(ctx, e.Fingerprint); err != nil {
		m.logger.Warn("cache blob removal failed", "fingerprint", e.Fingerprint, "error", err)
	}
	m.evictions++
	if m.metrics != nil {
		m.metrics.CacheEvictions.Inc()
	}
	m.updateGauge()
	return nil
}

func (m *Manager) updateGauge() {
	if m.metrics == nil {
		return
	}
	if total, _, err := m.store.CacheSize(); err == nil {
		m.metrics.CacheBytes.Set(float64(total))
	}
}

// OpenArtifact returns the decompressed tar stream of entry and records
// the reuse. Decompression happens as the caller reads.
func (m *Manager) OpenArtifact(ctx context.Context, entry *models.CacheEntry) (io.ReadCloser, error) {
	rc, _, err := m.local.Get(ctx, entry.Fingerprint)
	if err != nil {
		return nil, err
	}
	dr, err := decompressor(rc, entry.Compression)
	if err != nil {
		rc.Close()
		return nil, err
	}

	m.mu.Lock()
	touchErr := m.store.TouchCacheEntry(entry.Fingerprint, time.Now())
	m.mu.Unlock()
	if touchErr != nil {
		m.logger.Debug("cache touch failed", "fingerprint", entry.Fingerprint, "error", touchErr)
	}

	return &stackedCloser{Reader: dr, closers: []io.Closer{dr, rc}}, nil
}

// RestoreTo extracts entry's outputs under root.
func (m *Manager) RestoreTo(ctx context.Context, entry *models.CacheEntry, root string) ([]string, error) {
	rc, err := m.OpenArtifact(ctx, entry)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return Restore(rc, root)
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HasRemote reports whether a shared tier is configured.
func (m *Manager) HasRemote() bool { return m.opts.Remote != nil }

func (m *Manager) pushRemote(ctx context.Context, entry *models.CacheEntry) error {
	rc, _, err := m.local.Get(ctx, entry.Fingerprint)
	if err != nil {
		return err
	}
	defer rc.Close()
	return m.opts.Remote.Put(ctx, entry.Fingerprint+"."+entry.Compression, rc, entry.SizeBytes, entry.Checksum)
}

// Pull fetches fingerprint from the shared tier into the local cache. It
// returns nil on a remote miss.
func (m *Manager) Pull(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	if m.opts.Remote == nil {
		return nil, nil
	}
	rc, checksum, err := m.opts.Remote.Get(ctx, fingerprint+"."+m.opts.Compression)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	staged := m.StagingPath()
	if err := os.MkdirAll(filepath.Dir(staged), 0755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	f, err := os.Create(staged)
	if err != nil {
		return nil, fmt.Errorf("create staged artifact: %w", err)
	}
	size, err := io.Copy(f, rc)
	f.Close()
	if err != nil {
		os.Remove(staged)
		return nil, fmt.Errorf("download artifact: %w", err)
	}

	if checksum != "" {
		sum, err := hashPath(staged)
		if err != nil || sum != checksum {
			os.Remove(staged)
			m.logger.Warn("remote artifact failed validation", "fingerprint", fingerprint)
			return nil, nil
		}
	}
	return m.Insert(ctx, fingerprint, staged, size)
}

// Prune removes entries idle for longer than the TTL, then evicts by
// strategy until the cache fits its bound.
func (m *Manager) Prune(ctx context.Context, now time.Time) (PruneResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res PruneResult
	entries, err := m.store.ListCacheEntries(m.opts.Strategy)
	if err != nil {
		return res, err
	}
	if m.opts.TTL > 0 {
		cutoff := now.Add(-m.opts.TTL)
		for _, e := range entries {
			if e.LastAccess.Before(cutoff) {
				if err := m.evictLocked(ctx, e); err != nil {
					return res, err
				}
				res.Expired++
				res.Freed += e.SizeBytes
			}
		}
	}

	before, _, err := m.store.CacheSize()
	if err != nil {
		return res, err
	}
	n, err := m.makeRoomLocked(ctx, 0)
	res.Evicted = n
	if after, _, sizeErr := m.store.CacheSize(); sizeErr == nil {
		res.Freed += before - after
	}
	return res, err
}

// Verify validates every entry and evicts the corrupted ones, returning
// their fingerprints.
func (m *Manager) Verify(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.store.ListCacheEntries(m.opts.Strategy)
	if err != nil {
		return nil, err
	}
	var bad []string
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return bad, err
		}
		if err := m.validate(ctx, &entries[i]); err != nil {
			bad = append(bad, entries[i].Fingerprint)
			if err := m.evictLocked(ctx, entries[i]); err != nil {
				return bad, err
			}
		}
	}
	return bad, nil
}

// Stats returns the current cache statistics.
func (m *Manager) Stats() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total, count, err := m.store.CacheSize()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Entries:     count,
		Bytes:       total,
		Bound:       m.opts.MaxBytes,
		Hits:        m.hits,
		Misses:      m.misses,
		Evictions:   m.evictions,
		Compression: m.opts.Compression,
	}, nil
}
