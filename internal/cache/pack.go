package cache

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names.
const (
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
	CompressionNone = "none"
)

// nopWriteCloser adapts a writer that needs no flushing.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// compressor wraps w in the named compression. level runs 1 (fastest) to 4
// (smallest).
func compressor(w io.Writer, compression string, level int) (io.WriteCloser, error) {
	if level < 1 {
		level = 1
	}
	if level > 4 {
		level = 4
	}
	switch compression {
	case CompressionZstd, "":
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
		if err != nil {
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return zw, nil
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		levels := []lz4.CompressionLevel{lz4.Fast, lz4.Level3, lz4.Level6, lz4.Level9}
		if err := lw.Apply(lz4.CompressionLevelOption(levels[level-1])); err != nil {
			return nil, fmt.Errorf("configure lz4 writer: %w", err)
		}
		return lw, nil
	case CompressionNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
}

// decompressor wraps r to undo the named compression.
func decompressor(r io.Reader, compression string) (io.ReadCloser, error) {
	switch compression {
	case CompressionZstd, "":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CompressionNone:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
}

// Pack writes the outputs under root into a compressed tar at dest and
// returns its size.
func Pack(root string, outputs []string, dest, compression string, level int) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("create staging directory: %w", err)
	}
	file, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create artifact: %w", err)
	}

	if err := writeArchive(file, root, outputs, compression, level); err != nil {
		file.Close()
		os.Remove(dest)
		return 0, err
	}
	if err := file.Close(); err != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("close artifact: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return 0, fmt.Errorf("stat artifact: %w", err)
	}
	return info.Size(), nil
}

func writeArchive(w io.Writer, root string, outputs []string, compression string, level int) error {
	cw, err := compressor(w, compression, level)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)

	for _, out := range outputs {
		if err := addFileToTar(tw, root, out); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("close %s stream: %w", compression, err)
	}
	return nil
}

// archiveName returns the entry name for an output, relative to root. An
// absolute output must lie under root since Restore only writes there.
func archiveName(root, name string) (string, error) {
	name = filepath.FromSlash(name)
	if !filepath.IsAbs(name) {
		return filepath.Clean(name), nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	rel, err := filepath.Rel(absRoot, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output %s is outside %s", name, root)
	}
	return rel, nil
}

func addFileToTar(tw *tar.Writer, root, output string) error {
	name, err := archiveName(root, output)
	if err != nil {
		return err
	}
	path := filepath.Join(root, name)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open output %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat output %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("output %s is not a regular file", name)
	}

	hdr := &tar.Header{
		Name:    filepath.ToSlash(name),
		Mode:    int64(info.Mode().Perm()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Restore extracts a decompressed artifact stream into root. Entries may
// not escape root.
func Restore(r io.Reader, root string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	var restored []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read artifact: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		path := filepath.Join(absRoot, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(path, absRoot+string(filepath.Separator)) {
			return restored, fmt.Errorf("artifact entry %s escapes %s", hdr.Name, root)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return restored, fmt.Errorf("create directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
		if err != nil {
			return restored, fmt.Errorf("create %s: %w", hdr.Name, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return restored, fmt.Errorf("write %s: %w", hdr.Name, err)
		}
		if err := f.Close(); err != nil {
			return restored, fmt.Errorf("close %s: %w", hdr.Name, err)
		}
		restored = append(restored, hdr.Name)
	}
	return restored, nil
}
