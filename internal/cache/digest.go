package cache

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Digest returns the hex blake3 digest and size of a cached file.
func (s *Store) Digest(name string) (string, int64, error) {
	p, err := s.localPath(name)
	if err != nil {
		return "", 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// PartFile is a download in progress. Bytes are hashed as they are written.
type PartFile struct {
	store  *Store
	name   string
	f      *os.File
	hasher hash.Hash
	size   int64
	closed bool
}

// Create opens <name>.part for writing, truncating any leftover.
func (s *Store) Create(name string) (*PartFile, error) {
	local, err := s.localPath(name)
	if err != nil {
		return nil, err
	}
	p := local + PartSuffix
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", p, err)
	}
	return &PartFile{store: s, name: name, f: f, hasher: blake3.New()}, nil
}

func (p *PartFile) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	p.hasher.Write(b[:n])
	p.size += int64(n)
	return n, err
}

// Commit renames the part file into place and returns its digest and size.
func (p *PartFile) Commit() (string, int64, error) {
	if p.closed {
		return "", 0, fmt.Errorf("part file %s already closed", p.name)
	}
	p.closed = true
	if err := p.f.Sync(); err != nil {
		p.f.Close()
		os.Remove(p.f.Name())
		return "", 0, fmt.Errorf("failed to sync %s: %w", p.name, err)
	}
	if err := p.f.Close(); err != nil {
		os.Remove(p.f.Name())
		return "", 0, fmt.Errorf("failed to close %s: %w", p.name, err)
	}
	if err := os.Rename(p.f.Name(), p.store.Path(p.name)); err != nil {
		os.Remove(p.f.Name())
		return "", 0, fmt.Errorf("failed to rename %s into place: %w", p.name, err)
	}
	return hex.EncodeToString(p.hasher.Sum(nil)), p.size, nil
}

// Abort closes and deletes the part file. It is safe after Commit.
func (p *PartFile) Abort() {
	if p.closed {
		return
	}
	p.closed = true
	p.f.Close()
	os.Remove(p.f.Name())
}
