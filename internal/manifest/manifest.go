// Package manifest fetches and parses the remote manifest bundle: the main
// platform package plus the hash, dependency and key tables.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/picklr-io/pantry/internal/ir"
	"github.com/picklr-io/pantry/internal/logging"
	"github.com/picklr-io/pantry/internal/origin"
	"github.com/tidwall/jsonc"
	"golang.org/x/sync/errgroup"
)

// MetaDir is the cache subdirectory holding manifest files.
const MetaDir = "ESResData"

const (
	HashesFile       = "ABHashes.json"
	DependenciesFile = "ABDependences.json"
	AssetKeysFile    = "AssetKeys.json"
	PackageKeysFile  = "ABKeys.json"
)

// maxManifestBytes bounds a single manifest file.
const maxManifestBytes = 64 << 20

// FileError reports which manifest file failed.
type FileError struct {
	File string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("manifest file %s: %v", e.File, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// MainPackagePath returns the remote path of the main platform package.
func MainPackagePath(platform string) string {
	return path.Join(platform, platform)
}

// PackagePath returns the remote path of a hash-qualified package file.
func PackagePath(platform, hashed string) string {
	return path.Join(platform, hashed)
}

// RemotePaths returns every remote path in the bundle, main package first.
// Everything lives under the platform directory.
func RemotePaths(platform string) []string {
	return []string{
		MainPackagePath(platform),
		path.Join(platform, MetaDir, HashesFile),
		path.Join(platform, MetaDir, DependenciesFile),
		path.Join(platform, MetaDir, AssetKeysFile),
		path.Join(platform, MetaDir, PackageKeysFile),
	}
}

// localPath maps a remote bundle path to its place in the cache: the main
// package at the cache root, the tables under MetaDir.
func localPath(cacheDir, platform, remote string) string {
	if remote == MainPackagePath(platform) {
		return filepath.Join(cacheDir, platform)
	}
	return filepath.Join(cacheDir, MetaDir, path.Base(remote))
}

// PreName returns the text before the last underscore of a cached file
// name, or the whole name when it has none.
func PreName(file string) string {
	base := filepath.Base(file)
	if i := strings.LastIndex(base, "_"); i >= 0 {
		return base[:i]
	}
	return base
}

// checkHashes rejects hashed names that are not plain relative paths, so
// no package can be written or read outside the cache directory.
func checkHashes(t *ir.HashTable) error {
	for pre, hashed := range t.PreToHashes {
		if !isLocalName(hashed) {
			return fmt.Errorf("package %s has invalid file name %q", pre, hashed)
		}
	}
	for hashed := range t.HashesToPre {
		if !isLocalName(hashed) {
			return fmt.Errorf("invalid file name %q", hashed)
		}
	}
	return nil
}

func isLocalName(name string) bool {
	return name != "" && filepath.IsLocal(filepath.FromSlash(name))
}

// Parse decodes one manifest file into m. JSON files may carry comments
// and trailing commas.
func Parse(name string, data []byte, m *ir.Manifest) error {
	var target any
	switch path.Base(name) {
	case HashesFile:
		target = &m.Hashes
	case DependenciesFile:
		target = &m.Dependencies
	case AssetKeysFile:
		target = &m.AssetKeys
	case PackageKeysFile:
		target = &m.PackageKeys
	default:
		m.Main = data
		return nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), target); err != nil {
		return &FileError{File: name, Err: fmt.Errorf("failed to parse: %w", err)}
	}
	if target == &m.Hashes {
		if err := checkHashes(&m.Hashes); err != nil {
			return &FileError{File: name, Err: err}
		}
	}
	return nil
}

// Fetch downloads the bundle in parallel, writes the main package to
// <cacheDir>/<platform> and the tables under <cacheDir>/ESResData, and
// returns the parsed manifest. It returns only
// once every fetch has completed.
func Fetch(ctx context.Context, o origin.Origin, platform, cacheDir string) (*ir.Manifest, error) {
	paths := RemotePaths(platform)
	blobs := make([][]byte, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			data, err := fetchOne(gctx, o, p)
			if err != nil {
				return &FileError{File: p, Err: err}
			}
			blobs[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := &ir.Manifest{Platform: platform}
	for i, p := range paths {
		if err := Parse(p, blobs[i], m); err != nil {
			return nil, err
		}
	}

	if cacheDir != "" {
		for i, p := range paths {
			if err := writeLocal(localPath(cacheDir, platform, p), blobs[i]); err != nil {
				return nil, &FileError{File: p, Err: err}
			}
		}
	}

	logging.Debug("fetched manifest", "platform", platform, "packages", len(m.Hashes.PreToHashes))
	return m, nil
}

// LoadLocal parses the copy of the bundle saved by the last Fetch.
func LoadLocal(cacheDir, platform string) (*ir.Manifest, error) {
	m := &ir.Manifest{Platform: platform}
	for _, p := range RemotePaths(platform) {
		data, err := os.ReadFile(localPath(cacheDir, platform, p))
		if err != nil {
			return nil, &FileError{File: p, Err: err}
		}
		if err := Parse(p, data, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func fetchOne(ctx context.Context, o origin.Origin, p string) ([]byte, error) {
	rc, err := o.Fetch(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read: %w", err)
	}
	if len(data) > maxManifestBytes {
		return nil, fmt.Errorf("exceeds %d bytes", maxManifestBytes)
	}
	return data, nil
}

func writeLocal(dst string, data []byte) error {
	dir, name := filepath.Split(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}
