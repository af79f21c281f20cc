package provider

import (
	"context"
	"strings"
	"sync"
)

// MemoryRegistry is a Registry backed by an in-memory map, keyed by system
// URL then version. It is the registry used for both the preloaded
// built-ins and any CodeSystem loaded at runtime via a FHIR package.
type MemoryRegistry struct {
	mu sync.RWMutex
	// byVersion[system][version] = provider; version "" is the entry used
	// when Resolve is asked for no specific version or when the system has
	// exactly one registered revision.
	byVersion map[string]map[string]Provider
	// latest[system] tracks the most recently registered version for that
	// system, returned when Resolve's version argument is empty and no ""
	// entry exists.
	latest map[string]string
}

// NewMemoryRegistry builds an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byVersion: make(map[string]map[string]Provider),
		latest:    make(map[string]string),
	}
}

// Register adds or replaces a provider for its own System()/Version().
func (r *MemoryRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	system := p.System()
	versions, ok := r.byVersion[system]
	if !ok {
		versions = make(map[string]Provider)
		r.byVersion[system] = versions
	}
	versions[p.Version()] = p
	r.latest[system] = p.Version()
}

// Resolve implements Registry.
func (r *MemoryRegistry) Resolve(_ context.Context, system, version string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.byVersion[system]
	if !ok {
		return nil, false
	}
	if version != "" {
		p, ok := versions[version]
		return p, ok
	}
	if p, ok := versions[""]; ok {
		return p, true
	}
	if latest, ok := r.latest[system]; ok {
		if p, ok := versions[latest]; ok {
			return p, true
		}
	}
	return nil, false
}

// Systems returns every registered system URL, sorted by first-seen order
// is not guaranteed; callers that need stable output should sort.
func (r *MemoryRegistry) Systems() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byVersion))
	for s := range r.byVersion {
		out = append(out, s)
	}
	return out
}

// stripVersion removes a "|version" suffix, matching a canonical reference.
func stripVersion(ref string) (string, string) {
	if idx := strings.LastIndex(ref, "|"); idx != -1 {
		return ref[:idx], ref[idx+1:]
	}
	return ref, ""
}

// ResolveCanonical resolves a possibly version-pinned canonical reference
// ("system|version" or bare "system") against r.
func (r *MemoryRegistry) ResolveCanonical(ctx context.Context, ref string) (Provider, bool) {
	system, version := stripVersion(ref)
	return r.Resolve(ctx, system, version)
}
