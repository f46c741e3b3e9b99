package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"

	"github.com/fentz26/ninjateam/internal/models"
)

// fingerprintVersion is mixed into every fingerprint so that a format change
// invalidates old entries.
const fingerprintVersion = "ninjateam-fp-v1"

type fileHash struct {
	size    int64
	modTime time.Time
	sum     string
}

// Fingerprinter computes unit fingerprints, memoising input file hashes by
// path, size and modification time.
type Fingerprinter struct {
	root   string
	hashes *lru.Cache[string, fileHash]
}

// NewFingerprinter creates a fingerprinter for inputs relative to root.
func NewFingerprinter(root string, memo int) (*Fingerprinter, error) {
	if memo <= 0 {
		memo = 4096
	}
	hashes, err := lru.New[string, fileHash](memo)
	if err != nil {
		return nil, fmt.Errorf("create hash memo: %w", err)
	}
	return &Fingerprinter{root: root, hashes: hashes}, nil
}

// Fingerprint hashes the unit's command together with the content hashes of
// its inputs in declared order. Nested graphs are part of the command.
func (f *Fingerprinter) Fingerprint(u *models.BuildUnit) (string, error) {
	h := blake3.New()
	io.WriteString(h, fingerprintVersion)
	h.Write([]byte{0})
	io.WriteString(h, u.CommandSpec)
	h.Write([]byte{0})

	if u.Subgraph != nil {
		data, err := json.Marshal(u.Subgraph)
		if err != nil {
			return "", fmt.Errorf("encode subgraph: %w", err)
		}
		h.Write(data)
		h.Write([]byte{0})
	}

	for _, in := range u.Inputs {
		sum, err := f.HashFile(in)
		if err != nil {
			return "", err
		}
		io.WriteString(h, in)
		h.Write([]byte{0})
		io.WriteString(h, sum)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Extend folds discovered dependencies into a fingerprint computed by
// Fingerprint. A missing dependency is an error; the unit must run.
func (f *Fingerprinter) Extend(base string, deps []string) (string, error) {
	h := blake3.New()
	io.WriteString(h, base)
	h.Write([]byte{0})
	for _, dep := range deps {
		sum, err := f.HashFile(dep)
		if err != nil {
			return "", err
		}
		io.WriteString(h, dep)
		h.Write([]byte{0})
		io.WriteString(h, sum)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile returns the content hash of a file relative to the root.
func (f *Fingerprinter) HashFile(name string) (string, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.root, filepath.FromSlash(name))
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat input %s: %w", name, err)
	}
	if cached, ok := f.hashes.Get(path); ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.sum, nil
	}

	sum, err := hashPath(path)
	if err != nil {
		return "", fmt.Errorf("hash input %s: %w", name, err)
	}
	f.hashes.Add(path, fileHash{size: info.Size(), modTime: info.ModTime(), sum: sum})
	return sum, nil
}

func hashPath(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return hashReader(file)
}

func hashReader(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
