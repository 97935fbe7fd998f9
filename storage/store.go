package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrInvalidName indicates a filename that reduces to nothing once
// directory components are stripped.
var ErrInvalidName = errors.New("invalid file name")

// ErrFileBusy indicates another session holds the upload lock for the name.
var ErrFileBusy = errors.New("file is locked by another transfer")

// Store provides access to the files under one storage directory. The
// directory itself is created by a filesystem pre-flight step outside this
// package. Store methods are safe for concurrent use; mutating the same
// file from two sessions is prevented by the per-name advisory locks.
type Store struct {
	dir string

	mu     sync.Mutex
	locked map[string]struct{}
}

// New returns a store rooted at dir.
func New(dir string) *Store {
	return &Store{
		dir:    dir,
		locked: make(map[string]struct{}),
	}
}

// Dir returns the storage root.
func (s *Store) Dir() string {
	return s.dir
}

// SanitizeName reduces name to its final path component, rejecting names
// that leave nothing usable. This is the path-traversal defense: a name
// like "../../etc/passwd" becomes "passwd" and can only ever touch the
// storage directory.
func SanitizeName(name string) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}

// path maps a sanitized name to its location on disk.
func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Size returns the stored size of name in bytes, or 0 if it does not exist.
func (s *Store) Size(name string) int64 {
	info, err := os.Stat(s.path(name))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Exists reports whether name is present in the store.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Remove deletes name from the store.
func (s *Store) Remove(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

// List returns the sorted basenames of every stored file.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing storage directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// OpenAt opens name for reading, positioned at offset. The caller owns the
// returned handle.
func (s *Store) OpenAt(name string, offset int64) (*os.File, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	if _, err := f.Seek(offset, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking %s to %d: %w", name, offset, err)
	}
	return f, nil
}

// Acquire takes the advisory upload lock for name, failing with ErrFileBusy
// if another session holds it. The lock is held for the duration of an
// upload so two sessions cannot append to the same file concurrently.
func (s *Store) Acquire(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locked[name]; held {
		logrus.WithFields(logrus.Fields{
			"function": "Acquire",
			"name":     name,
		}).Warn("Upload lock contention")
		return fmt.Errorf("%w: %s", ErrFileBusy, name)
	}

	s.locked[name] = struct{}{}
	return nil
}

// Release drops the advisory upload lock for name.
func (s *Store) Release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, name)
}

// AppendWriter is a file handle whose writes are flushed to stable storage
// immediately, so a crash mid-transfer leaves a readable partial file the
// resume negotiation can continue from.
type AppendWriter struct {
	name string
	f    *os.File
}

// AppendWriter opens name for appending, creating it if absent.
func (s *Store) AppendWriter(name string) (*AppendWriter, error) {
	f, err := os.OpenFile(s.path(name), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s for append: %w", name, err)
	}
	return &AppendWriter{name: name, f: f}, nil
}

// Write appends data and syncs it to disk before returning. Durability is
// prioritized over throughput.
func (w *AppendWriter) Write(data []byte) (int, error) {
	n, err := w.f.Write(data)
	if err != nil {
		return n, fmt.Errorf("appending to %s: %w", w.name, err)
	}
	if err := w.f.Sync(); err != nil {
		return n, fmt.Errorf("syncing %s: %w", w.name, err)
	}
	return n, nil
}

// Truncate discards the file's contents, restarting it from zero bytes.
func (w *AppendWriter) Truncate() error {
	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("truncating %s: %w", w.name, err)
	}
	return nil
}

// Close releases the handle.
func (w *AppendWriter) Close() error {
	return w.f.Close()
}
