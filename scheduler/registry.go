package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/kbukum/flowkit/component"
)

// Registry owns the named pools built from a Config.
type Registry struct {
	pools map[string]*Pool
	order []string
}

// NewRegistry builds, but does not start, one Pool per configured entry.
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{pools: make(map[string]*Pool, len(cfg.Pools))}
	for _, pc := range cfg.Pools {
		p, err := NewPool(pc, opts...)
		if err != nil {
			return nil, err
		}
		r.pools[pc.Name] = p
		r.order = append(r.order, pc.Name)
	}
	return r, nil
}

// Get returns the named pool.
func (r *Registry) Get(name string) (*Pool, error) {
	p, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("scheduler %q is not configured (have %v)", name, r.Names())
	}
	return p, nil
}

// Names returns the configured pool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.pools))
	for n := range r.pools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Register adds every pool to a component registry in configuration order.
func (r *Registry) Register(reg *component.Registry) error {
	for _, name := range r.order {
		if err := reg.Register(r.pools[name]); err != nil {
			return err
		}
	}
	return nil
}

// StartAll starts every pool in configuration order.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, name := range r.order {
		if err := r.pools[name].Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every pool in reverse configuration order.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	for i := len(r.order) - 1; i >= 0; i-- {
		if err := r.pools[r.order[i]].Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
