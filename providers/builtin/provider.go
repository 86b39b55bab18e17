package builtin

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/picklr-io/pantry/internal/ir"
)

// Resource is a payload compiled into the host.
type Resource struct {
	Name string
	Data []byte
}

// Provider resolves built-in resources from a file system.
type Provider struct {
	fsys fs.FS
}

// New returns a provider over fsys. A nil fsys serves nothing.
func New(fsys fs.FS) *Provider {
	if fsys == nil {
		fsys = emptyFS{}
	}
	return &Provider{fsys: fsys}
}

func (p *Provider) Load(ctx context.Context, key ir.ResourceKey) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(p.fsys, key.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read built-in resource %s: %w", key.Name, err)
	}
	return &Resource{Name: key.Name, Data: data}, nil
}

// Unload is a no-op; built-in resources live as long as the host.
func (p *Provider) Unload(payload any) error {
	if _, ok := payload.(*Resource); !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}
	return nil
}

type emptyFS struct{}

func (emptyFS) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}
