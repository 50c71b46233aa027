// Package archive implements the file transfer format: a source path is
// packed whole into a (optionally gzip-compressed) tar stream, transmitted,
// and extracted at the destination. Directories are archived with "." as
// the root so the destination layout matches the source's relative
// structure.
package archive

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ProgressFunc reports transfer progress as (sent, total) bytes.
type ProgressFunc func(sent, total int64)

// Pack archives src into w. Directories are walked recursively; symlinks
// are stored as links, never followed, so targets outside the tree are
// excluded by construction.
func Pack(src string, w io.Writer, compress bool) error {
	out := w
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(w)
		out = gz
	}
	tw := tar.NewWriter(out)

	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		err = packDir(tw, src)
	} else {
		err = packEntry(tw, src, filepath.Base(src), info)
	}
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}

// PackBytes archives src into memory and returns the payload with its size,
// for transports that need the total up front to report progress.
func PackBytes(src string, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := Pack(src, &buf, compress); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func packDir(tw *tar.Writer, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := "."
		if rel != "." {
			name = "./" + filepath.ToSlash(rel)
		}
		// Walk reports symlinks with their lstat info, which is what tar
		// wants.
		return packEntry(tw, path, name, info)
	})
}

func packEntry(tw *tar.Writer, path, name string, info os.FileInfo) error {
	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		link = target
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Extract unpacks an archive produced by Pack into dst, creating it if
// needed. Entries escaping dst are rejected.
func Extract(r io.Reader, dst string, compressed bool) error {
	in := r
	if compressed {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer gz.Close()
		in = gz
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	tr := tar.NewReader(in)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := securePath(dst, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return err
			}
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Devices, fifos and the like have no business in a kernel
			// workspace transfer.
		}
	}
}

func securePath(dst, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return filepath.Join(dst, cleaned), nil
}

// CountingReader wraps r and reports cumulative bytes read through fn.
type CountingReader struct {
	r     io.Reader
	total int64
	sent  int64
	fn    ProgressFunc
}

func NewCountingReader(r io.Reader, total int64, fn ProgressFunc) *CountingReader {
	return &CountingReader{r: r, total: total, fn: fn}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent += int64(n)
		if c.fn != nil {
			c.fn(c.sent, c.total)
		}
	}
	return n, err
}
