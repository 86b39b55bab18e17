package null

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/picklr-io/pantry/internal/ir"
)

// Payload is what the null provider returns for a key.
type Payload struct {
	ID  string
	Key ir.ResourceKey
}

// Provider loads nothing. It hands back a Payload naming the key, and can be
// told to fail or delay particular keys. Used to exercise the resource core.
type Provider struct {
	mu       sync.Mutex
	failures map[string]error
	delay    time.Duration
	loads    map[string]int
	unloads  map[string]int
}

func New() *Provider {
	return &Provider{
		failures: make(map[string]error),
		loads:    make(map[string]int),
		unloads:  make(map[string]int),
	}
}

// FailOn makes loads of name return err. A nil err clears the failure.
func (p *Provider) FailOn(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, name)
		return
	}
	p.failures[name] = err
}

// SetDelay makes every load wait d or until ctx is done.
func (p *Provider) SetDelay(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

func (p *Provider) Load(ctx context.Context, key ir.ResourceKey) (any, error) {
	p.mu.Lock()
	delay := p.delay
	failure := p.failures[key.Name]
	p.loads[key.Name]++
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	return &Payload{ID: fmt.Sprintf("null-%s", key.Name), Key: key}, nil
}

func (p *Provider) Unload(payload any) error {
	pl, ok := payload.(*Payload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}
	p.mu.Lock()
	p.unloads[pl.Key.Name]++
	p.mu.Unlock()
	return nil
}

// Loads returns how many times name was loaded.
func (p *Provider) Loads(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads[name]
}

// Unloads returns how many times a payload for name was unloaded.
func (p *Provider) Unloads(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unloads[name]
}
