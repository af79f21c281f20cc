package provider

import (
	"context"
	"strings"

	"github.com/gofhir/termserver/resource"
)

// Hierarchical is a provider backed by a CodeSystem concept tree (nested
// resource.Concept) or a flat list carrying a parent map built from
// "subsumedBy"/"is-a" properties. Among the built-ins only
// condition-clinical, whose concepts nest, is Hierarchical. It supports Filter's
// is-a/descendent-of/is-not-a operators and full Subsumes.
type Hierarchical struct {
	*Enumerated

	// parent maps a code to its immediate parent code, built either from
	// nested resource.Concept.Concept structure or an explicit property.
	parent map[string]string
}

// NewHierarchical builds a Hierarchical provider. parent may be nil if the
// caller builds it separately via AddParent; concepts should already be
// flattened (Enumerated's constructor takes the flat list).
func NewHierarchical(system, version string, caseSensitive bool, concepts []ConceptDetail, parent map[string]string) *Hierarchical {
	if parent == nil {
		parent = make(map[string]string)
	}
	return &Hierarchical{
		Enumerated: NewEnumerated(system, version, caseSensitive, concepts),
		parent:     parent,
	}
}

// FromConceptTree builds a Hierarchical provider from a CodeSystem's nested
// concept tree, flattening it and recording each concept's parent.
func FromConceptTree(system, version string, caseSensitive bool, tree []resource.Concept) *Hierarchical {
	var flat []ConceptDetail
	parent := make(map[string]string)
	var walk func(nodes []resource.Concept, parentCode string)
	walk = func(nodes []resource.Concept, parentCode string) {
		for _, n := range nodes {
			flat = append(flat, ConceptDetail{
				Code:        n.Code,
				Display:     n.Display,
				Definition:  n.Definition,
				Designation: n.Designation,
				Property:    n.Property,
			})
			if parentCode != "" {
				parent[n.Code] = parentCode
			}
			if len(n.Concept) > 0 {
				walk(n.Concept, n.Code)
			}
		}
	}
	walk(tree, "")
	return NewHierarchical(system, version, caseSensitive, flat, parent)
}

func (h *Hierarchical) key(code string) string {
	if h.caseSensitive {
		return code
	}
	return strings.ToLower(code)
}

// ancestors returns code's parent chain, nearest first, not including code.
func (h *Hierarchical) ancestors(code string) []string {
	var chain []string
	seen := map[string]bool{code: true}
	cur := code
	for {
		p, ok := h.parent[cur]
		if !ok || p == "" || seen[p] {
			break
		}
		chain = append(chain, p)
		seen[p] = true
		cur = p
	}
	return chain
}

func (h *Hierarchical) isDescendantOf(code, ancestor string) bool {
	for _, a := range h.ancestors(code) {
		if h.key(a) == h.key(ancestor) {
			return true
		}
	}
	return false
}

// Filter supports is-a (self-or-descendant), descendent-of (strict
// descendant), is-not-a, and falls through to Enumerated.Filter otherwise.
func (h *Hierarchical) Filter(ctx context.Context, property string, op resource.FilterOp, value string) ([]string, error) {
	switch op {
	case resource.FilterIsA:
		var codes []string
		for _, code := range h.order {
			if h.key(code) == h.key(value) || h.isDescendantOf(code, value) {
				codes = append(codes, code)
			}
		}
		return codes, nil
	case resource.FilterDescendentOf:
		var codes []string
		for _, code := range h.order {
			if h.isDescendantOf(code, value) {
				codes = append(codes, code)
			}
		}
		return codes, nil
	case resource.FilterIsNotA:
		var codes []string
		for _, code := range h.order {
			if h.key(code) != h.key(value) && !h.isDescendantOf(code, value) {
				codes = append(codes, code)
			}
		}
		return codes, nil
	default:
		return h.Enumerated.Filter(ctx, property, op, value)
	}
}

// Subsumes implements Subsumer using the parent map.
func (h *Hierarchical) Subsumes(_ context.Context, a, b string) (Relationship, error) {
	if h.key(a) == h.key(b) {
		return RelEquivalent, nil
	}
	if h.isDescendantOf(b, a) {
		return RelSubsumes, nil
	}
	if h.isDescendantOf(a, b) {
		return RelSubsumedBy, nil
	}
	return RelNotSubsumed, nil
}

// FromCodeSystem builds the right provider variant for a runtime-loaded
// resource.CodeSystem: Hierarchical when any concept carries nested
// children (the tree itself encodes subsumption), Enumerated otherwise. A
// content=not-present CodeSystem (metadata only, no concepts) still yields
// an (empty) Enumerated provider so lookup/validate report "unknown code"
// rather than "unknown system".
func FromCodeSystem(cs *resource.CodeSystem) Provider {
	content := cs.Content
	if content == "" {
		content = resource.ContentComplete
	}
	if hasNestedConcepts(cs.Concept) {
		h := FromConceptTree(cs.URL, cs.Version, cs.IsCaseSensitive(), cs.Concept)
		h.Content = content
		h.DeclaredName = cs.Name
		return h
	}
	details := make([]ConceptDetail, 0, len(cs.Concept))
	for _, c := range cs.Concept {
		details = append(details, ConceptDetail{
			Code:        c.Code,
			Display:     c.Display,
			Definition:  c.Definition,
			Designation: c.Designation,
			Property:    c.Property,
		})
	}
	e := NewEnumerated(cs.URL, cs.Version, cs.IsCaseSensitive(), details)
	e.Content = content
	e.DeclaredName = cs.Name
	return e
}

func hasNestedConcepts(concepts []resource.Concept) bool {
	for _, c := range concepts {
		if len(c.Concept) > 0 {
			return true
		}
	}
	return false
}
