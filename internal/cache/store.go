// Package cache manages the local package cache directory: the files
// themselves, the persistent cache index and the reconcile lock.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/picklr-io/pantry/internal/manifest"
)

const (
	// IndexDir holds pantry's own bookkeeping inside the cache directory.
	IndexDir = ".pantry"

	// PartSuffix marks a download in progress.
	PartSuffix = ".part"

	metaSuffix = ".meta"
)

// LocalFile is one package file found in the cache.
type LocalFile struct {
	Name    string // slash-separated, relative to the cache root
	PreName string
	Size    int64
	ModTime time.Time
}

// ErrInvalidName is returned for a file name that would leave the cache root.
var ErrInvalidName = errors.New("file name escapes the cache directory")

// Store is a cache directory.
type Store struct {
	dir      string
	clock    clock.Clock
	reserved map[string]bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for lock staleness and index timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithReserved hides root-level files Scan must not report, such as the
// main platform package.
func WithReserved(names ...string) Option {
	return func(s *Store) {
		for _, n := range names {
			s.reserved[n] = true
		}
	}
}

// NewStore opens dir, creating it when missing.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	s := &Store{dir: dir, clock: clock.New(), reserved: make(map[string]bool)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string { return s.dir }

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.clock.Now() }

// Path returns the absolute path of a cached file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.FromSlash(name))
}

// CheckName rejects names that are absolute or climb out of the cache root.
func CheckName(name string) error {
	if name == "" || !filepath.IsLocal(filepath.FromSlash(name)) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// localPath is Path for a name that has passed CheckName.
func (s *Store) localPath(name string) (string, error) {
	if err := CheckName(name); err != nil {
		return "", err
	}
	return s.Path(name), nil
}

// Scan walks the cache and groups package files by pre-name. Metadata
// files, the manifest directory, pantry's own directory and partial
// downloads are skipped.
func (s *Store) Scan() (map[string][]LocalFile, error) {
	out := make(map[string][]LocalFile)
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != s.dir && (d.Name() == manifest.MetaDir || d.Name() == IndexDir) {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, metaSuffix) || strings.HasSuffix(name, PartSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		if s.reserved[filepath.ToSlash(rel)] {
			return nil
		}
		pre := manifest.PreName(name)
		out[pre] = append(out[pre], LocalFile{
			Name:    filepath.ToSlash(rel),
			PreName: pre,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache directory %s: %w", s.dir, err)
	}
	for _, files := range out {
		sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	}
	return out, nil
}

// Remove deletes a cached file. Removing a missing file is not an error.
func (s *Store) Remove(name string) error {
	p, err := s.localPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a cached file is present.
func (s *Store) Exists(name string) bool {
	p, err := s.localPath(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Lock takes the local reconcile lock.
func (s *Store) Lock(ctx context.Context) error {
	return s.fileLock().Lock(ctx)
}

// Unlock releases the local reconcile lock.
func (s *Store) Unlock(ctx context.Context) error {
	return s.fileLock().Unlock(ctx)
}

func (s *Store) fileLock() *FileLock {
	return NewFileLock(filepath.Join(s.dir, IndexDir, "reconcile.lock"), s.clock)
}
