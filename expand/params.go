package expand

import "github.com/gofhir/termserver/resource"

// Request is the normalized $expand parameter set (see the operation's
// parameter table): a ValueSet to expand plus the text filter, paging,
// language, and activeOnly knobs that affect the result.
type Request struct {
	ValueSet *resource.ValueSet

	// Filter is the textFilter parameter: a case-insensitive substring
	// match against each candidate's code, display and designation values
	// (designations are present only when IncludeDesignations is set).
	Filter string

	Offset int
	Count  int // 0 means "no explicit limit": capped by the engine's partial-result cap

	DisplayLanguage     string
	IncludeDesignations bool
	ActiveOnly          bool

	// CacheID, when non-empty, is the client-supplied expansion identity
	// used to fetch a previously realized expansion's next page instead of
	// recomputing it.
	CacheID string

	// IncompleteOK accepts a fragment or example CodeSystem's partial
	// content into the expansion instead of refusing the include entry
	// outright (§4.2's pre-validation pass).
	IncompleteOK bool

	// LimitedExpansion accepts a TooCostly-shaped "include all of a
	// grammar-based system with no filter" entry anyway, producing a
	// best-effort, explicitly partial expansion rather than failing.
	LimitedExpansion bool

	// ForceSystemVersion pins system -> version, overriding any
	// compose.include.version for that system (system-version/
	// force-system-version parameters).
	ForceSystemVersion map[string]string

	// CheckSystemVersion asserts system -> version: an include entry
	// naming a different version for that system fails the expansion
	// (check-system-version parameter).
	CheckSystemVersion map[string]string

	// ExcludeNested drops grouping concepts (those a hierarchical code
	// system marks Abstract, used only to organize the hierarchy, never
	// meant to be selected directly) from the result.
	ExcludeNested bool

	// ExcludeNotForUI drops concepts carrying a "notSelectable" property
	// with a true value.
	ExcludeNotForUI bool

	// ExcludePostCoordinated drops concepts carrying a "postcoordination"
	// property with a true value.
	ExcludePostCoordinated bool

	// IncludeDefinition asks for each concept's CodeSystem.concept.definition
	// to be resolved. FHIR's ValueSet.expansion.contains carries no
	// definition element in R4, so this presently only controls whether the
	// lookup is even attempted; see DESIGN.md.
	IncludeDefinition bool

	// ValuesetMembershipOnly skips every per-concept Locate call (display,
	// inactive status, designations, properties) once the code is known to
	// be a member: callers that only need membership, not metadata, get a
	// materially cheaper expansion.
	ValuesetMembershipOnly bool
}

// Result is what Expand returns: a realized expansion plus whether it had
// to be truncated before completion (deadline or partial-result cap).
type Result struct {
	Expansion *resource.Expansion
	Partial   bool
}
