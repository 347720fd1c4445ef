package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// TempPattern names in-flight atomic writes. Directory scans skip these files.
const TempPattern = ".imgcrawler-*.part"

// Files writes image binaries and metadata under an afero filesystem.
type Files struct {
	fs afero.Fs
}

// NewFiles wraps fs. A nil fs means the OS filesystem.
func NewFiles(fs afero.Fs) *Files {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Files{fs: fs}
}

// Fs exposes the underlying filesystem.
func (f *Files) Fs() afero.Fs {
	return f.fs
}

// Exists reports whether path is an existing regular file.
func (f *Files) Exists(path string) bool {
	info, err := f.fs.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// MkdirAll creates dir and its parents.
func (f *Files) MkdirAll(dir string) error {
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// WriteAtomic writes data to a temp file next to path and renames it into
// place, so readers never observe a partial file.
func (f *Files) WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := f.MkdirAll(dir); err != nil {
		return err
	}
	tmp, err := afero.TempFile(f.fs, dir, TempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = f.fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := f.fs.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// ListImages returns the sorted base names of regular files in dir whose
// extension passes allow. A missing directory yields no files.
func (f *Files) ListImages(dir string, allow func(ext string) bool) ([]string, error) {
	entries, err := afero.ReadDir(f.fs, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Mode().IsRegular() {
			continue
		}
		name := entry.Name()
		if isTempName(name) {
			continue
		}
		if allow != nil && !allow(strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))) {
			continue
		}
		files = append(files, name)
	}
	// afero.ReadDir returns entries sorted by name.
	return files, nil
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".imgcrawler-") && strings.HasSuffix(name, ".part")
}
