package provider

import (
	"context"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gofhir/termserver/resource"
)

// Enumerated is a provider backed by a flat, fully-known concept list: no
// parent/child structure, just codes with displays and properties. Most
// small built-in systems (administrative-gender, name-use, address-use,
// identifier-use, publication-status) are Enumerated.
type Enumerated struct {
	system        string
	version       string
	caseSensitive bool
	byCode        map[string]ConceptDetail
	order         []string

	// Content is the CodeSystem.content mode this provider presents
	// (§4.1). Built-in systems are always ContentComplete; a runtime-loaded
	// CodeSystem carries whatever its resource declared (set by
	// FromCodeSystem after construction).
	Content resource.ContentMode

	// DeclaredName is the CodeSystem.name this provider was built from,
	// set by FromCodeSystem for runtime-loaded systems. Empty for
	// built-ins that don't declare one.
	DeclaredName string
}

// Name implements Namer.
func (e *Enumerated) Name() string { return e.DeclaredName }

// NewEnumerated builds an Enumerated provider from a flat concept list.
// caseSensitive controls whether Locate folds code case before lookup.
// Content defaults to ContentComplete; override the returned value's
// Content field for a partial or supplement system.
func NewEnumerated(system, version string, caseSensitive bool, concepts []ConceptDetail) *Enumerated {
	e := &Enumerated{
		system:        system,
		version:       version,
		caseSensitive: caseSensitive,
		byCode:        make(map[string]ConceptDetail, len(concepts)),
		order:         make([]string, 0, len(concepts)),
		Content:       resource.ContentComplete,
	}
	for _, c := range concepts {
		key := e.key(c.Code)
		e.byCode[key] = c
		e.order = append(e.order, c.Code)
	}
	return e
}

func (e *Enumerated) key(code string) string {
	if e.caseSensitive {
		return code
	}
	return strings.ToLower(code)
}

func (e *Enumerated) System() string      { return e.system }
func (e *Enumerated) Version() string     { return e.version }
func (e *Enumerated) CaseSensitive() bool { return e.caseSensitive }

// ContentMode reports this provider's CodeSystem.content mode (§4.1).
func (e *Enumerated) ContentMode() resource.ContentMode {
	if e.Content == "" {
		return resource.ContentComplete
	}
	return e.Content
}

func (e *Enumerated) Locate(_ context.Context, code string) (ConceptDetail, bool, error) {
	d, ok := e.byCode[e.key(code)]
	return d, ok, nil
}

func (e *Enumerated) Display(ctx context.Context, code, _ string) (string, bool, error) {
	d, ok, err := e.Locate(ctx, code)
	if err != nil || !ok {
		return "", ok, err
	}
	return d.Display, true, nil
}

func (e *Enumerated) Iterate(_ context.Context, fn func(ConceptDetail) bool) error {
	for _, code := range e.order {
		if !fn(e.byCode[e.key(code)]) {
			return nil
		}
	}
	return nil
}

// Filter supports the "=" operator against any declared property code, and
// "exists" against the property's presence. Other operators return
// ErrNotSupported: an Enumerated provider has no implicit hierarchy to
// support is-a/descendent-of.
func (e *Enumerated) Filter(_ context.Context, property string, op resource.FilterOp, value string) ([]string, error) {
	switch op {
	case resource.FilterEquals:
		var codes []string
		for _, code := range e.order {
			d := e.byCode[e.key(code)]
			for _, p := range d.Property {
				if p.Code != property {
					continue
				}
				if propertyEquals(p, value) {
					codes = append(codes, d.Code)
				}
			}
		}
		return codes, nil
	case resource.FilterExists:
		want := value == "true"
		var codes []string
		for _, code := range e.order {
			d := e.byCode[e.key(code)]
			has := false
			for _, p := range d.Property {
				if p.Code == property {
					has = true
					break
				}
			}
			if has == want {
				codes = append(codes, d.Code)
			}
		}
		return codes, nil
	default:
		return nil, ErrNotSupported{Op: op}
	}
}

// propertyEquals compares a concept property's value (string, int, or bool,
// however the source CodeSystem typed it) against the filter's raw string
// value, so a filter like property=decimals;=;2 matches a valueInteger
// property without the caller needing to know the property's FHIR type.
func propertyEquals(p resource.Property, value string) bool {
	switch v := p.Value.(type) {
	case string:
		return v == value
	case int:
		n, err := strconv.Atoi(value)
		return err == nil && n == v
	case bool:
		b, err := strconv.ParseBool(value)
		return err == nil && b == v
	case decimal.Decimal:
		d, err := decimal.NewFromString(value)
		return err == nil && d.Equal(v)
	default:
		return false
	}
}

// ErrNotSupported is returned by Filter/Subsumes when a provider variant
// doesn't implement the requested operator.
type ErrNotSupported struct {
	Op resource.FilterOp
}

func (e ErrNotSupported) Error() string {
	return "filter operator not supported: " + string(e.Op)
}
