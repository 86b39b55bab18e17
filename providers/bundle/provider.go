// Package bundle loads package files from the local cache and resolves
// assets against packages that are already loaded.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/picklr-io/pantry/internal/ir"
)

// ErrPackageNotLoaded is returned when an asset's owning package is not loaded.
var ErrPackageNotLoaded = errors.New("owning package not loaded")

// Resolver maps a package pre-name to its hash-qualified file name.
type Resolver func(pre string) (string, bool)

// Package is a loaded package. Data is opaque to this module.
type Package struct {
	Name     string
	FileName string
	Data     []byte
}

// Asset is a resource addressed inside a loaded package.
type Asset struct {
	Package *Package
	Name    string
	Type    ir.TypeTag
}

type Provider struct {
	dir     string
	resolve Resolver

	mu     sync.RWMutex
	loaded map[string]*Package
}

func New(dir string, resolve Resolver) *Provider {
	return &Provider{
		dir:     dir,
		resolve: resolve,
		loaded:  make(map[string]*Package),
	}
}

// Load reads the package named by key.Name from the cache directory.
func (p *Provider) Load(ctx context.Context, key ir.ResourceKey) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fileName := key.Name
	if p.resolve != nil {
		if hashed, ok := p.resolve(key.Name); ok {
			fileName = hashed
		}
	}

	data, err := p.read(fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read package %s: %w", fileName, err)
	}

	pkg := &Package{Name: key.Name, FileName: fileName, Data: data}
	p.mu.Lock()
	p.loaded[key.Name] = pkg
	p.mu.Unlock()
	return pkg, nil
}

// read opens name beneath the cache directory. Names that escape it,
// through ".." or a symlink, are refused.
func (p *Provider) read(name string) ([]byte, error) {
	f, err := os.OpenInRoot(p.dir, filepath.FromSlash(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Unload forgets a package.
func (p *Provider) Unload(payload any) error {
	pkg, ok := payload.(*Package)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}
	p.mu.Lock()
	if cur, ok := p.loaded[pkg.Name]; ok && cur == pkg {
		delete(p.loaded, pkg.Name)
	}
	p.mu.Unlock()
	pkg.Data = nil
	return nil
}

// Loaded returns the loaded package for a pre-name.
func (p *Provider) Loaded(name string) (*Package, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pkg, ok := p.loaded[name]
	return pkg, ok
}

// Assets returns a provider for resources inside this provider's packages.
func (p *Provider) Assets() *AssetProvider {
	return &AssetProvider{packages: p}
}

// AssetProvider resolves in-package assets, scenes and shader variants.
type AssetProvider struct {
	packages *Provider
}

func (a *AssetProvider) Load(ctx context.Context, key ir.ResourceKey) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pkg, ok := a.packages.Loaded(key.OwnerPackage)
	if !ok {
		return nil, fmt.Errorf("failed to load %s: %w", key, ErrPackageNotLoaded)
	}
	return &Asset{Package: pkg, Name: key.Name, Type: key.TargetType}, nil
}

func (a *AssetProvider) Unload(payload any) error {
	asset, ok := payload.(*Asset)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}
	asset.Package = nil
	return nil
}
