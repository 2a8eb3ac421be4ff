package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"tenure/pkg/models"
)

var ErrNotFound = errors.New("capability not found")

// Capability is the single call contract covering tools and resources.
type Capability interface {
	Invoke(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error)
}

// Func adapts a plain function to the Capability interface.
type Func func(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error)

func (f Func) Invoke(ctx context.Context, rc models.RequestContext, input map[string]any) (map[string]any, error) {
	return f(ctx, rc, input)
}

// Registration pairs a descriptor with its implementation at build time.
type Registration struct {
	Descriptor models.CapabilityDescriptor
	Handler    Capability
}

type entry struct {
	descriptor models.CapabilityDescriptor
	handler    Capability
}

// Registry maps capability names to typed descriptors and handlers. It is
// read-only after Build and safe for unsynchronized concurrent reads.
type Registry struct {
	entries map[string]entry
}

// Build constructs the registry from a static declaration list. Duplicate
// names and tier/side-effect mismatches are startup-time fatal errors.
func Build(regs []Registration) (*Registry, error) {
	entries := make(map[string]entry, len(regs))
	for _, reg := range regs {
		d := reg.Descriptor
		if d.Name == "" {
			return nil, errors.New("registry: capability name required")
		}
		if _, dup := entries[d.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate capability %q", d.Name)
		}
		if !d.Tier.Valid() {
			return nil, fmt.Errorf("registry: capability %q has unknown tier %q", d.Name, d.Tier)
		}
		if d.Kind != models.KindTool && d.Kind != models.KindResource {
			return nil, fmt.Errorf("registry: capability %q has unknown kind %q", d.Name, d.Kind)
		}
		// Tier C and side-effecting are one and the same classification.
		if (d.Tier == models.TierC) != d.SideEffecting {
			return nil, fmt.Errorf("registry: capability %q tier %s conflicts with side_effecting=%t", d.Name, d.Tier, d.SideEffecting)
		}
		if reg.Handler == nil {
			return nil, fmt.Errorf("registry: capability %q has no handler", d.Name)
		}
		entries[d.Name] = entry{descriptor: d, handler: reg.Handler}
	}
	return &Registry{entries: entries}, nil
}

// Lookup resolves a name to its descriptor and handler.
func (r *Registry) Lookup(name string) (models.CapabilityDescriptor, Capability, error) {
	e, ok := r.entries[name]
	if !ok {
		return models.CapabilityDescriptor{}, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e.descriptor, e.handler, nil
}

// List returns all descriptors sorted by name, for introspection and the
// CLI listing.
func (r *Registry) List() []models.CapabilityDescriptor {
	out := make([]models.CapabilityDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
