package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tmpPrefix = ".tmp-"

// Filesystem implements Backend using the local filesystem.
// Writes are atomic using a temp file and rename pattern, so readers see
// either the old value or the new one.
type Filesystem struct {
	root     string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

// FilesystemOption configures a Filesystem.
type FilesystemOption func(*Filesystem)

// WithDirPerm sets the permissions used for directories the backend creates.
func WithDirPerm(mode os.FileMode) FilesystemOption {
	return func(fs *Filesystem) {
		fs.dirPerm = mode
	}
}

// WithFilePerm sets the permissions applied to written files.
func WithFilePerm(mode os.FileMode) FilesystemOption {
	return func(fs *Filesystem) {
		fs.filePerm = mode
	}
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string, opts ...FilesystemOption) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}

	f := &Filesystem{
		root:     absRoot,
		dirPerm:  0o755,
		filePerm: 0o644,
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := os.MkdirAll(absRoot, f.dirPerm); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return f, nil
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

// Path returns the absolute filesystem path for a key.
func (f *Filesystem) Path(key string) string {
	return f.keyToPath(key)
}

// Write stores data at the given key using atomic write.
func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := f.keyToPath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, f.dirPerm); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	if err := tmp.Chmod(f.filePerm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Read retrieves data at the given key.
func (f *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	file, err := os.Open(f.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Delete removes data at the given key.
func (f *Filesystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.keyToPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (f *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(f.keyToPath(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns all keys with the given prefix. Temp files from in-flight
// writes are skipped.
func (f *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := f.keyToPath(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Size returns the size of the data at the given key.
func (f *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(f.keyToPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// keyToPath converts a key to a filesystem path.
func (f *Filesystem) keyToPath(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// Compile-time interface checks
var (
	_ Backend          = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
)
