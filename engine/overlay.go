package engine

import (
	"context"

	"github.com/gofhir/termserver/expand"
	"github.com/gofhir/termserver/provider"
	"github.com/gofhir/termserver/resource"
)

// overlayRegistry resolves against a small request-scoped set of providers
// (built from the request's tx-resource CodeSystems) before falling back to
// the engine's own registry. It exists so a client-supplied supplementary
// resource never mutates process-wide state: the overlay is built fresh per
// request and discarded when the operation returns, per §4.5's resource
// cache being the only state shared across requests.
type overlayRegistry struct {
	extra map[string]map[string]provider.Provider
	base  provider.Registry
}

func newOverlayRegistry(base provider.Registry, extra []provider.Provider) *overlayRegistry {
	o := &overlayRegistry{extra: make(map[string]map[string]provider.Provider, len(extra)), base: base}
	for _, p := range extra {
		versions, ok := o.extra[p.System()]
		if !ok {
			versions = make(map[string]provider.Provider)
			o.extra[p.System()] = versions
		}
		versions[p.Version()] = p
	}
	return o
}

func (o *overlayRegistry) Resolve(ctx context.Context, system, version string) (provider.Provider, bool) {
	if versions, ok := o.extra[system]; ok {
		if version != "" {
			if p, ok := versions[version]; ok {
				return p, true
			}
		} else {
			for _, p := range versions {
				return p, true
			}
		}
	}
	return o.base.Resolve(ctx, system, version)
}

// overlayResolver is overlayRegistry's counterpart for compose.include.valueSet
// imports: the request's tx-resource ValueSets, then the engine's own store.
type overlayResolver struct {
	extra map[string]*resource.ValueSet
	base  expand.ValueSetResolver
}

func (o *overlayResolver) ResolveValueSet(ctx context.Context, ref string) (*resource.ValueSet, bool) {
	if vs, ok := o.extra[ref]; ok {
		return vs, true
	}
	url, _ := resource.SplitCanonical(ref)
	if vs, ok := o.extra[url]; ok {
		return vs, true
	}
	return o.base.ResolveValueSet(ctx, ref)
}

// scope is the request-scoped overlay built from a request's tx-resource
// parameters. scoped is false (and reg/resolver are the engine's own,
// shared instances) when the request carried no additional resources, so
// the common case pays no allocation beyond the Engine's steady state.
type scope struct {
	reg      provider.Registry
	resolver expand.ValueSetResolver
	scoped   bool
}

func (e *Engine) buildScope(extraCodeSystems []*resource.CodeSystem, extraValueSets []*resource.ValueSet) scope {
	if len(extraCodeSystems) == 0 && len(extraValueSets) == 0 {
		return scope{reg: e.systems, resolver: e, scoped: false}
	}

	providers := make([]provider.Provider, 0, len(extraCodeSystems))
	for _, cs := range extraCodeSystems {
		if cs == nil || cs.Content == resource.ContentSupplement || cs.Content == resource.ContentNotPresent {
			continue
		}
		providers = append(providers, provider.FromCodeSystem(cs))
	}

	vsByRef := make(map[string]*resource.ValueSet, len(extraValueSets))
	for _, vs := range extraValueSets {
		if vs == nil || vs.URL == "" {
			continue
		}
		vsByRef[vs.VURL()] = vs
		if vs.Version == "" {
			vsByRef[vs.URL] = vs
		}
	}

	return scope{
		reg:      newOverlayRegistry(e.systems, providers),
		resolver: &overlayResolver{extra: vsByRef, base: e},
		scoped:   true,
	}
}
