// Package provider defines the pluggable code-system provider contract: the
// small interfaces a code system implements to participate in lookup,
// validation, expansion, and subsumption, plus the concrete provider
// variants (enumerated, open/pattern, hierarchical, supplemented) that cover
// the built-in systems.
package provider

import (
	"context"

	"github.com/gofhir/termserver/resource"
)

// ConceptDetail is what Locate/Display return about one code.
type ConceptDetail struct {
	Code        string
	Display     string
	Definition  string
	Inactive    bool
	Abstract    bool
	Designation []resource.Designation
	Property    []resource.Property
}

// Locator looks a code up and reports whether it exists in the system.
// Every provider variant implements this; it's the one capability every
// code system needs regardless of how it stores its concepts.
type Locator interface {
	// Locate returns the concept detail for code, or ok=false if the
	// system has no such code. err is non-nil only on an operational
	// failure (timeout, upstream fault), not a not-found.
	Locate(ctx context.Context, code string) (detail ConceptDetail, ok bool, err error)
}

// Displayer reports the preferred display string for a code, optionally
// honoring a requested language. Most providers derive this from Locate,
// but a Supplemented provider overrides it to prefer supplement displays.
type Displayer interface {
	Display(ctx context.Context, code, language string) (display string, ok bool, err error)
}

// Filterer narrows a system's codes by a compose.include.filter rule. Not
// every provider supports every operator; Filter returns IssueTypeNotSupported
// (via the error) when asked for one it doesn't.
type Filterer interface {
	// Filter returns the set of codes (system-local) satisfying the filter.
	// Providers that can stream large results should still honor ctx
	// cancellation promptly.
	Filter(ctx context.Context, property string, op resource.FilterOp, value string) (codes []string, err error)
}

// Iterator enumerates every concept a system declares, for providers whose
// full code list is small enough to walk (Enumerated, Hierarchical).
// Open providers (pattern-validated, unbounded) do not implement this.
type Iterator interface {
	// Iterate calls fn for each concept until fn returns false or the
	// system is exhausted. Returns false from fn stops iteration early
	// without error.
	Iterate(ctx context.Context, fn func(ConceptDetail) bool) error
}

// Subsumer reports the hierarchy relationship between two codes in the same
// system, per $subsumes semantics.
type Subsumer interface {
	// Subsumes reports whether a subsumes b ("equivalent" when a==b).
	Subsumes(ctx context.Context, a, b string) (relationship Relationship, err error)
}

// Relationship is a $subsumes outcome value.
type Relationship string

const (
	RelEquivalent Relationship = "equivalent"
	RelSubsumes   Relationship = "subsumes"
	RelSubsumedBy Relationship = "subsumed-by"
	RelNotSubsumed Relationship = "not-subsumed"
)

// Provider is the full contract a code system implements. Not every
// provider supports every optional capability: Filterer, Iterator, and
// Subsumer methods may be satisfied by returning an ErrNotSupported style
// error, but Go interface embedding means a provider that truly cannot
// support a capability (e.g. an open/pattern system has no iteration)
// simply doesn't implement that capability interface, and callers feature-
// test with a type assertion before invoking it.
type Provider interface {
	Locator
	Displayer

	// System returns the canonical system URL this provider serves.
	System() string

	// Version returns the version this provider instance presents, or
	// empty if the system carries none.
	Version() string

	// CaseSensitive reports whether code comparisons are case-sensitive.
	CaseSensitive() bool

	// ContentMode reports the CodeSystem.content mode this provider
	// presents (§4.1): complete, fragment, example, not-present, or
	// supplement. The expander's pre-validation pass uses this to refuse
	// not-present/supplement systems and to gate fragment/example systems
	// behind the incomplete-ok parameter.
	ContentMode() resource.ContentMode
}

// AsFilterer feature-tests p for Filterer.
func AsFilterer(p Provider) (Filterer, bool) { f, ok := p.(Filterer); return f, ok }

// AsIterator feature-tests p for Iterator.
func AsIterator(p Provider) (Iterator, bool) { it, ok := p.(Iterator); return it, ok }

// AsSubsumer feature-tests p for Subsumer.
func AsSubsumer(p Provider) (Subsumer, bool) { s, ok := p.(Subsumer); return s, ok }

// Namer optionally reports a code system's declared human-readable name
// (CodeSystem.name), for $lookup's "name" response part. Every provider
// variant in this package implements it; Name returns "" when the system
// declares no name, and $lookup then omits the "name" part.
type Namer interface {
	Name() string
}

// AsNamer feature-tests p for Namer.
func AsNamer(p Provider) (Namer, bool) { n, ok := p.(Namer); return n, ok }

// Registry resolves a (system, version) pair to a Provider. Implementations
// may back this with built-ins, FHIR-package-loaded CodeSystems, or both.
type Registry interface {
	// Resolve returns the provider for system, preferring version when
	// given and non-empty, otherwise the newest registered version.
	Resolve(ctx context.Context, system, version string) (Provider, bool)
}
