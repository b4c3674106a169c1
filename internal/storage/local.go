package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local stores uploads as files in one directory.
type Local struct {
	dir string
}

// NewLocal creates the directory if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &Local{dir: dir}, nil
}

// Dir returns the upload directory.
func (l *Local) Dir() string {
	return l.dir
}

// Save writes to a temp file and renames it into place.
func (l *Local) Save(_ context.Context, name string, r io.Reader) (string, int64, error) {
	if name == "" || name != filepath.Base(name) {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}

	tmp, err := os.CreateTemp(l.dir, ".tmp-"+name+"-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to write upload: %w", err)
	}

	path := filepath.Join(l.dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to store upload: %w", err)
	}
	return path, n, nil
}

// Open opens a stored file.
func (l *Local) Open(_ context.Context, path string) (io.ReadCloser, error) {
	if err := l.contains(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	return f, nil
}

// Remove deletes a stored file.
func (l *Local) Remove(_ context.Context, path string) error {
	if err := l.contains(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove upload: %w", err)
	}
	return nil
}

// Sweep removes stale uploads and abandoned temp files.
func (l *Local) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list uploads: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		name := e.Name()
		if e.IsDir() || !(strings.HasPrefix(name, UploadPrefix) || strings.HasPrefix(name, ".tmp-"+UploadPrefix)) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !isStale(info.ModTime(), cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove stale upload %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

func (l *Local) contains(path string) error {
	rel, err := filepath.Rel(l.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return nil
}
