// Package origin reads manifest files and package blobs from the remote
// store that feeds the local cache.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/picklr-io/pantry/internal/ir"
)

// ErrNotFound is returned when the origin has no object at a path.
var ErrNotFound = errors.New("object not found")

// Origin fetches objects by slash-separated path relative to its root.
type Origin interface {
	Fetch(ctx context.Context, path string) (io.ReadCloser, error)
}

// New creates the origin described by cfg.
func New(ctx context.Context, cfg *ir.OriginConfig) (Origin, error) {
	if cfg == nil {
		return nil, fmt.Errorf("origin configuration is required")
	}
	switch cfg.Type {
	case "", "http", "https":
		return NewHTTP(cfg.URL, nil)
	case "s3":
		return NewS3(ctx, cfg)
	case "file":
		return NewFile(cfg.URL)
	default:
		return nil, fmt.Errorf("unknown origin type: %s", cfg.Type)
	}
}
