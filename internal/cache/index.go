package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/picklr-io/pantry/internal/ir"
)

// IndexFile is the cache index file name inside IndexDir.
const IndexFile = "index.cbor"

// IndexVersion is the current cache index format.
const IndexVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, IndexDir, IndexFile)
}

// ReadIndex loads the cache index. A missing index yields a fresh one.
// An encrypted index is transparently decrypted.
func (s *Store) ReadIndex(ctx context.Context) (*ir.CacheIndex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.indexPath())
	if errors.Is(err, fs.ErrNotExist) {
		return &ir.CacheIndex{
			Version:  IndexVersion,
			Lineage:  uuid.NewString(),
			Packages: make(map[string]*ir.PackageEntry),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache index %s: %w", s.indexPath(), err)
	}

	content, err := DecryptIndex(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt cache index: %w", err)
	}

	var idx ir.CacheIndex
	if err := decMode.Unmarshal(content, &idx); err != nil {
		return nil, fmt.Errorf("failed to decode cache index: %w", err)
	}
	if idx.Version > IndexVersion {
		return nil, fmt.Errorf("cache index version %d is newer than supported version %d", idx.Version, IndexVersion)
	}
	if idx.Packages == nil {
		idx.Packages = make(map[string]*ir.PackageEntry)
	}
	return &idx, nil
}

// WriteIndex bumps the serial and saves the index atomically. With
// PANTRY_INDEX_ENCRYPTION_KEY set, the file is encrypted.
func (s *Store) WriteIndex(ctx context.Context, idx *ir.CacheIndex) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if idx.Lineage == "" {
		idx.Lineage = uuid.NewString()
	}
	idx.Version = IndexVersion
	idx.Serial++

	content, err := encMode.Marshal(idx)
	if err != nil {
		return fmt.Errorf("failed to encode cache index: %w", err)
	}
	data, err := EncryptIndex(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt cache index: %w", err)
	}

	dir := filepath.Dir(s.indexPath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace cache index: %w", err)
	}
	return nil
}
