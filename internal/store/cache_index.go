package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fentz26/ninjateam/internal/models"
)

// --- Cache Index Operations ---

const cacheColumns = `fingerprint, artifact_path, size_bytes, checksum, compression, last_access, created_at`

func scanCacheEntry(row interface{ Scan(...any) error }) (*models.CacheEntry, error) {
	e := &models.CacheEntry{}
	if err := row.Scan(&e.Fingerprint, &e.ArtifactPath, &e.SizeBytes, &e.Checksum, &e.Compression, &e.LastAccess, &e.CreatedAt); err != nil {
		return nil, err
	}
	return e, nil
}

// GetCacheEntry returns the entry for fingerprint, or nil.
func (s *Store) GetCacheEntry(fingerprint string) (*models.CacheEntry, error) {
	e, err := scanCacheEntry(s.db.QueryRow(
		`SELECT `+cacheColumns+` FROM cache_entries WHERE fingerprint = ?`, fingerprint,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	return e, nil
}

// PutCacheEntry inserts an entry. Fingerprints are never rewritten in place;
// inserting an existing fingerprint is an error.
func (s *Store) PutCacheEntry(e *models.CacheEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO cache_entries (`+cacheColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Fingerprint, e.ArtifactPath, e.SizeBytes, e.Checksum, e.Compression, e.LastAccess.UTC(), e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}
	return nil
}

// TouchCacheEntry records a reuse of the entry.
func (s *Store) TouchCacheEntry(fingerprint string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE cache_entries SET last_access = ? WHERE fingerprint = ?`, at.UTC(), fingerprint)
	return err
}

// DeleteCacheEntry removes an entry from the index.
func (s *Store) DeleteCacheEntry(fingerprint string) error {
	_, err := s.db.Exec(`DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint)
	return err
}

// CacheSize returns the aggregate size and entry count.
func (s *Store) CacheSize() (int64, int, error) {
	var size sql.NullInt64
	var count int
	if err := s.db.QueryRow(`SELECT SUM(size_bytes), COUNT(*) FROM cache_entries`).Scan(&size, &count); err != nil {
		return 0, 0, fmt.Errorf("query cache size: %w", err)
	}
	return size.Int64, count, nil
}

// ListCacheEntries returns entries in eviction order: least recently used
// first for "lru", oldest created first for "fifo".
func (s *Store) ListCacheEntries(order string) ([]models.CacheEntry, error) {
	orderBy := "last_access, created_at"
	if order == "fifo" {
		orderBy = "created_at, last_access"
	}
	rows, err := s.db.Query(`SELECT ` + cacheColumns + ` FROM cache_entries ORDER BY ` + orderBy + `, fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("query cache entries: %w", err)
	}
	defer rows.Close()

	var out []models.CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// PutDiscoveredDeps records the dependencies a unit read during its last
// successful run, keyed by its declared-input fingerprint.
func (s *Store) PutDiscoveredDeps(base string, deps []string) error {
	data, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("encode deps: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO discovered_deps (base, deps, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(base) DO UPDATE SET deps = excluded.deps, updated_at = excluded.updated_at`,
		base, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert deps: %w", err)
	}
	return nil
}

// GetDiscoveredDeps returns the recorded dependencies for base. The bool is
// false when none were recorded.
func (s *Store) GetDiscoveredDeps(base string) ([]string, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT deps FROM discovered_deps WHERE base = ?`, base).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query deps: %w", err)
	}
	var deps []string
	if err := json.Unmarshal([]byte(data), &deps); err != nil {
		return nil, false, fmt.Errorf("decode deps: %w", err)
	}
	return deps, true, nil
}
