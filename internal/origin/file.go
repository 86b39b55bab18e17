package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// File serves objects from a local directory mirror.
type File struct {
	dir string
}

// NewFile returns an origin rooted at dir, which must exist.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("file origin requires a directory")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat origin directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("origin %s is not a directory", dir)
	}
	return &File{dir: dir}, nil
}

func (o *File) Fetch(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(o.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open origin directory: %w", err)
	}
	defer root.Close()

	f, err := root.Open(filepath.FromSlash(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	return f, nil
}
