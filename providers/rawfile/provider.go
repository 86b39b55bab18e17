package rawfile

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/picklr-io/pantry/internal/ir"
)

// File is a raw file payload.
type File struct {
	Name string
	Data []byte
}

// Provider reads files relative to a root directory. Names that escape the
// root are rejected.
type Provider struct {
	dir string
}

func New(dir string) (*Provider, error) {
	if dir == "" {
		return nil, fmt.Errorf("rawfile provider requires a root directory")
	}
	return &Provider{dir: dir}, nil
}

func (p *Provider) Load(ctx context.Context, key ir.ResourceKey) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := os.OpenRoot(p.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open root %s: %w", p.dir, err)
	}
	defer root.Close()

	f, err := root.Open(key.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key.Name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key.Name, err)
	}
	return &File{Name: key.Name, Data: data}, nil
}

func (p *Provider) Unload(payload any) error {
	f, ok := payload.(*File)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}
	f.Data = nil
	return nil
}
