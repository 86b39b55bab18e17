// Package netimage fetches images over HTTP and keeps recently used
// responses in an LRU cache keyed by URL.
package netimage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/picklr-io/pantry/internal/ir"
	"github.com/picklr-io/pantry/internal/logging"
)

// DefaultCacheSize is the number of images kept when no size is given.
const DefaultCacheSize = 64

// maxImageBytes bounds a single download.
const maxImageBytes = 32 << 20

// Image is a downloaded image payload.
type Image struct {
	URL         string
	ContentType string
	Data        []byte
}

type Provider struct {
	client *http.Client
	cache  *lru.Cache[string, *Image]
}

// New returns a provider. A nil client uses http.DefaultClient.
func New(client *http.Client, cacheSize int) (*Provider, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if cacheSize < 1 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *Image](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}
	return &Provider{client: client, cache: cache}, nil
}

// Load fetches the image at key.Name, which must be a URL.
func (p *Provider) Load(ctx context.Context, key ir.ResourceKey) (any, error) {
	url := key.Name
	if img, ok := p.cache.Get(url); ok {
		logging.Debug("net image cache hit", "url", url)
		return img, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: %s", url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image %s exceeds %d bytes", url, maxImageBytes)
	}

	img := &Image{URL: url, ContentType: resp.Header.Get("Content-Type"), Data: data}
	p.cache.Add(url, img)
	return img, nil
}

// Unload leaves the image in the URL cache; eviction is the cache's job.
func (p *Provider) Unload(payload any) error {
	if _, ok := payload.(*Image); !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}
	return nil
}

// ClearCache drops every cached image.
func (p *Provider) ClearCache() {
	p.cache.Purge()
}

// Cached returns the number of cached images.
func (p *Provider) Cached() int {
	return p.cache.Len()
}
