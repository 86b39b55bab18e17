package provider

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"sync"

	"github.com/picklr-io/pantry/internal/ir"
	"github.com/picklr-io/pantry/providers/builtin"
	"github.com/picklr-io/pantry/providers/bundle"
	"github.com/picklr-io/pantry/providers/netimage"
	"github.com/picklr-io/pantry/providers/rawfile"
)

// Provider loads and unloads payloads for one load type.
type Provider interface {
	Load(ctx context.Context, key ir.ResourceKey) (any, error)
	Unload(payload any) error
}

// Env carries what the built-in providers need to be constructed.
type Env struct {
	CacheDir          string
	Resolve           bundle.Resolver
	Builtin           fs.FS
	HTTPClient        *http.Client
	NetImageCacheSize int
}

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	env       Env
	providers map[ir.LoadType]Provider
	bundles   *bundle.Provider
}

func NewRegistry(env Env) *Registry {
	return &Registry{
		env:       env,
		providers: make(map[ir.LoadType]Provider),
	}
}

// LoadProvider initializes and registers the built-in provider for a load type.
func (r *Registry) LoadProvider(lt ir.LoadType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[lt]; exists {
		return nil
	}

	var p Provider
	switch lt {
	case ir.LoadAssetBundle:
		p = r.bundleProvider()
	case ir.LoadABAsset, ir.LoadABScene, ir.LoadShaderVariant:
		p = r.bundleProvider().Assets()
	case ir.LoadRawFile, ir.LoadLocalImage:
		rp, err := rawfile.New(r.env.CacheDir)
		if err != nil {
			return fmt.Errorf("failed to load provider %s: %w", lt, err)
		}
		p = rp
	case ir.LoadInternalResource:
		p = builtin.New(r.env.Builtin)
	case ir.LoadNetImage:
		np, err := netimage.New(r.env.HTTPClient, r.env.NetImageCacheSize)
		if err != nil {
			return fmt.Errorf("failed to load provider %s: %w", lt, err)
		}
		p = np
	default:
		return fmt.Errorf("unknown provider: %s", lt)
	}

	r.providers[lt] = p
	return nil
}

// LoadAll registers the built-in provider for every load type.
func (r *Registry) LoadAll() error {
	for _, lt := range ir.AllLoadTypes() {
		if err := r.LoadProvider(lt); err != nil {
			return err
		}
	}
	return nil
}

// Register installs p for lt, replacing any existing provider.
func (r *Registry) Register(lt ir.LoadType, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[lt] = p
}

// Get returns a registered provider.
func (r *Registry) Get(lt ir.LoadType) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[lt]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", lt)
	}
	return p, nil
}

// bundleProvider returns the shared package provider. Callers hold r.mu.
func (r *Registry) bundleProvider() *bundle.Provider {
	if r.bundles == nil {
		r.bundles = bundle.New(r.env.CacheDir, r.env.Resolve)
	}
	return r.bundles
}
