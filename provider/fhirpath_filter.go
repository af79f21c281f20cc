package provider

import (
	"encoding/json"
	"sync"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"

	"context"

	"github.com/gofhir/termserver/resource"
)

// FHIRPathFiltered decorates a base Provider with one extra filter property,
// "expression": compose.include.filter entries with property="expression"
// and op="=" carry a FHIRPath expression in value instead of a fixed
// property/value pair. Filter compiles the expression once (cached) and
// evaluates it against the JSON shape of every concept the base provider can
// enumerate, keeping the codes for which it evaluates truthy. This is how a
// hierarchical code system expresses a filter its author couldn't express
// with is-a/descendent-of/regex alone (e.g. "properties that imply adult
// dosing" computed from more than one declared property at once).
//
// Every other filter property/op, and every other capability, delegates to
// the base provider unchanged.
type FHIRPathFiltered struct {
	base Provider

	mu    sync.Mutex
	cache map[string]*fhirpath.Expression
}

// NewFHIRPathFiltered wraps base with "expression" filter support.
func NewFHIRPathFiltered(base Provider) *FHIRPathFiltered {
	return &FHIRPathFiltered{base: base, cache: make(map[string]*fhirpath.Expression)}
}

func (f *FHIRPathFiltered) System() string                   { return f.base.System() }
func (f *FHIRPathFiltered) Version() string                  { return f.base.Version() }
func (f *FHIRPathFiltered) CaseSensitive() bool               { return f.base.CaseSensitive() }
func (f *FHIRPathFiltered) ContentMode() resource.ContentMode { return f.base.ContentMode() }

func (f *FHIRPathFiltered) Locate(ctx context.Context, code string) (ConceptDetail, bool, error) {
	return f.base.Locate(ctx, code)
}

func (f *FHIRPathFiltered) Display(ctx context.Context, code, language string) (string, bool, error) {
	return f.base.Display(ctx, code, language)
}

// Name delegates to the base provider when it declares one.
func (f *FHIRPathFiltered) Name() string {
	if n, ok := AsNamer(f.base); ok {
		return n.Name()
	}
	return ""
}

func (f *FHIRPathFiltered) Iterate(ctx context.Context, fn func(ConceptDetail) bool) error {
	if it, ok := AsIterator(f.base); ok {
		return it.Iterate(ctx, fn)
	}
	return nil
}

func (f *FHIRPathFiltered) Subsumes(ctx context.Context, a, b string) (Relationship, error) {
	if s, ok := AsSubsumer(f.base); ok {
		return s.Subsumes(ctx, a, b)
	}
	return RelNotSubsumed, ErrNotSupported{}
}

func (f *FHIRPathFiltered) Filter(ctx context.Context, property string, op resource.FilterOp, value string) ([]string, error) {
	if property != "expression" || op != resource.FilterEquals {
		if base, ok := AsFilterer(f.base); ok {
			return base.Filter(ctx, property, op, value)
		}
		return nil, ErrNotSupported{Op: op}
	}

	expr, err := f.getOrCompile(value)
	if err != nil {
		return nil, err
	}

	it, ok := AsIterator(f.base)
	if !ok {
		return nil, ErrNotSupported{Op: op}
	}

	var matched []string
	var evalErr error
	err = it.Iterate(ctx, func(d ConceptDetail) bool {
		if ctx.Err() != nil {
			return false
		}
		payload, merr := json.Marshal(conceptPayload{
			System:   f.base.System(),
			Code:     d.Code,
			Display:  d.Display,
			Abstract: d.Abstract,
			Inactive: d.Inactive,
		})
		if merr != nil {
			evalErr = merr
			return false
		}
		result, eerr := expr.Evaluate(payload)
		if eerr != nil {
			evalErr = eerr
			return false
		}
		if fhirpathTruthy(result) {
			matched = append(matched, d.Code)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if evalErr != nil {
		return nil, evalErr
	}
	return matched, nil
}

func (f *FHIRPathFiltered) getOrCompile(expr string) (*fhirpath.Expression, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if compiled, ok := f.cache[expr]; ok {
		return compiled, nil
	}
	compiled, err := fhirpath.Compile(expr)
	if err != nil {
		return nil, err
	}
	f.cache[expr] = compiled
	return compiled, nil
}

// conceptPayload is the JSON shape an "expression" filter evaluates against:
// just enough of a concept's resource-facing fields for filters like
// "property('notSelectable').exists() or abstract" to have something to walk.
type conceptPayload struct {
	System   string `json:"system"`
	Code     string `json:"code"`
	Display  string `json:"display,omitempty"`
	Abstract bool   `json:"abstract,omitempty"`
	Inactive bool   `json:"inactive,omitempty"`
}

// fhirpathTruthy applies FHIRPath singleton-evaluation-of-collection rules:
// empty is false, a lone boolean is itself, anything else non-empty is true.
func fhirpathTruthy(result types.Collection) bool {
	if len(result) == 0 {
		return false
	}
	if len(result) == 1 {
		if b, ok := result[0].(types.Boolean); ok {
			return b.Bool()
		}
	}
	return true
}
