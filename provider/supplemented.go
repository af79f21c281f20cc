package provider

import (
	"context"
	"strings"

	"github.com/gofhir/termserver/resource"
)

// Supplemented decorates a base Provider with one or more CodeSystem
// supplements: resources whose content mode is "supplement" that contribute
// additional designations/properties to codes of the base system without
// adding new codes of their own. Display prefers a supplement's designation
// for the requested language before falling back to the base provider's.
type Supplemented struct {
	base        Provider
	designation map[string][]resource.Designation // code -> extra designations
	property    map[string][]resource.Property    // code -> extra properties
}

// NewSupplemented wraps base with the given supplement contributions.
func NewSupplemented(base Provider, designation map[string][]resource.Designation, property map[string][]resource.Property) *Supplemented {
	return &Supplemented{base: base, designation: designation, property: property}
}

func (s *Supplemented) System() string      { return s.base.System() }
func (s *Supplemented) Version() string     { return s.base.Version() }
func (s *Supplemented) CaseSensitive() bool { return s.base.CaseSensitive() }

// Name delegates to the base provider when it declares one.
func (s *Supplemented) Name() string {
	if n, ok := AsNamer(s.base); ok {
		return n.Name()
	}
	return ""
}

// ContentMode delegates to the base provider: a supplement only adds
// designations/properties, it never changes how complete the base's
// concept list is.
func (s *Supplemented) ContentMode() resource.ContentMode {
	if cm, ok := s.base.(interface{ ContentMode() resource.ContentMode }); ok {
		return cm.ContentMode()
	}
	return resource.ContentComplete
}

func (s *Supplemented) Locate(ctx context.Context, code string) (ConceptDetail, bool, error) {
	d, ok, err := s.base.Locate(ctx, code)
	if err != nil || !ok {
		return d, ok, err
	}
	if extra, ok := s.designation[code]; ok {
		d.Designation = append(append([]resource.Designation{}, d.Designation...), extra...)
	}
	if extra, ok := s.property[code]; ok {
		d.Property = append(append([]resource.Property{}, d.Property...), extra...)
	}
	return d, true, nil
}

// Display prefers a supplement designation matching language, then the
// supplement's designation marked IsDisplay, then falls back to base.
func (s *Supplemented) Display(ctx context.Context, code, language string) (string, bool, error) {
	if extra, ok := s.designation[code]; ok {
		for _, d := range extra {
			if language != "" && strings.EqualFold(d.Language, language) {
				return d.Value, true, nil
			}
		}
		for _, d := range extra {
			if d.IsDisplay {
				return d.Value, true, nil
			}
		}
	}
	return s.base.Display(ctx, code, language)
}

// Filter, Iterate, Subsumes delegate to the base provider when it supports
// them: supplements never change membership or hierarchy, only presentation.
func (s *Supplemented) Filter(ctx context.Context, property string, op resource.FilterOp, value string) ([]string, error) {
	if f, ok := AsFilterer(s.base); ok {
		return f.Filter(ctx, property, op, value)
	}
	return nil, ErrNotSupported{Op: op}
}

func (s *Supplemented) Iterate(ctx context.Context, fn func(ConceptDetail) bool) error {
	if it, ok := AsIterator(s.base); ok {
		return it.Iterate(ctx, func(d ConceptDetail) bool {
			merged, _, _ := s.Locate(ctx, d.Code)
			return fn(merged)
		})
	}
	return nil
}

func (s *Supplemented) Subsumes(ctx context.Context, a, b string) (Relationship, error) {
	if sub, ok := AsSubsumer(s.base); ok {
		return sub.Subsumes(ctx, a, b)
	}
	return RelNotSubsumed, ErrNotSupported{}
}
