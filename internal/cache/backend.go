package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Backend stores artifact blobs by key.
type Backend interface {
	Name() string
	// Put stores size bytes from r under key. checksum is kept with the
	// blob where the backend supports metadata.
	Put(ctx context.Context, key string, r io.Reader, size int64, checksum string) error
	// Get opens the blob and returns the stored checksum, or "" when the
	// backend keeps none. Missing blobs return ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
}

// LocalBackend stores blobs in a sharded directory tree.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates a backend rooted at dir.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	root := filepath.Join(dir, "objects")
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &LocalBackend{root: root}, nil
}

// Name returns "local".
func (b *LocalBackend) Name() string { return "local" }

// Path returns where key is stored.
func (b *LocalBackend) Path(key string) string {
	if len(key) < 2 {
		return filepath.Join(b.root, key)
	}
	return filepath.Join(b.root, key[:2], key)
}

// Put writes the blob through a temp file and renames it into place.
func (b *LocalBackend) Put(ctx context.Context, key string, r io.Reader, size int64, checksum string) error {
	path := b.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create shard: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit blob: %w", err)
	}
	return nil
}

// Adopt moves an already staged file into place without copying.
func (b *LocalBackend) Adopt(key, stagedPath string) error {
	path := b.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create shard: %w", err)
	}
	if err := os.Rename(stagedPath, path); err != nil {
		return fmt.Errorf("commit blob: %w", err)
	}
	return nil
}

// Get opens the blob.
func (b *LocalBackend) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	f, err := os.Open(b.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("open blob: %w", err)
	}
	return f, "", nil
}

// Delete removes the blob; a missing blob is not an error.
func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.Path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
