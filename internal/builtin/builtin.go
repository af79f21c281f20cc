// Package builtin embeds and loads the code systems and value sets this
// server ships with out of the box: administrative-gender, ISO 4217
// currency codes, ISO 3166 country codes, the MIME type and URI open
// systems, and a handful of FHIR's own enumerated/hierarchical worked
// examples (v2-0136, name-use, address-use, identifier-use,
// observation-status, publication-status, request-status,
// condition-clinical).
package builtin

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/gofhir/termserver/provider"
	"github.com/gofhir/termserver/resource"
)

//go:embed data/*.json
var dataFS embed.FS

// fixture mirrors the JSON shape of data/*.json, a small hand-authored
// subset of CodeSystem's fields sufficient to build a provider from.
type fixture struct {
	URL           string            `json:"url"`
	Version       string            `json:"version"`
	Name          string            `json:"name"`
	Title         string            `json:"title"`
	Status        string            `json:"status"`
	Content       string            `json:"content"`
	CaseSensitive *bool             `json:"caseSensitive"`
	Property      []fixtureFilter   `json:"property"`
	Filter        []fixtureFilter   `json:"filter"`
	Concept       []fixtureConcept  `json:"concept"`
}

type fixtureFilter struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Operator    []string `json:"operator"`
}

type fixtureConcept struct {
	Code       string           `json:"code"`
	Display    string           `json:"display"`
	Definition string           `json:"definition"`
	Property   []fixtureProp    `json:"property"`
	Concept    []fixtureConcept `json:"concept"`
}

type fixtureProp struct {
	Code         string  `json:"code"`
	ValueString  *string `json:"valueString"`
	ValueInteger *int    `json:"valueInteger"`
	ValueBoolean *bool   `json:"valueBoolean"`
	ValueCode    *string `json:"valueCode"`
}

var fixtureFiles = []string{
	"administrative-gender",
	"iso-4217",
	"iso-3166",
	"v2-0136",
	"name-use",
	"address-use",
	"identifier-use",
	"observation-status",
	"publication-status",
	"request-status",
	"condition-clinical",
}

// CodeSystems parses every embedded fixture into a canonical CodeSystem.
func CodeSystems() ([]*resource.CodeSystem, error) {
	out := make([]*resource.CodeSystem, 0, len(fixtureFiles))
	for _, name := range fixtureFiles {
		cs, err := loadFixture(name)
		if err != nil {
			return nil, fmt.Errorf("builtin: loading %s: %w", name, err)
		}
		out = append(out, cs)
	}
	return out, nil
}

func loadFixture(name string) (*resource.CodeSystem, error) {
	raw, err := dataFS.ReadFile("data/" + name + ".json")
	if err != nil {
		return nil, err
	}
	var f fixture
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	cs := &resource.CodeSystem{
		Canonical: resource.Canonical{
			URL:     f.URL,
			Version: f.Version,
			Name:    f.Name,
			Title:   f.Title,
			Status:  resource.Status(f.Status),
		},
		Content:       resource.ContentMode(f.Content),
		CaseSensitive: f.CaseSensitive,
	}
	for _, p := range f.Property {
		cs.Property = append(cs.Property, toFilterProperty(p))
	}
	for _, fl := range f.Filter {
		cs.Filter = append(cs.Filter, toFilterProperty(fl))
	}
	cs.Concept = toConcepts(f.Concept)
	return cs, nil
}

func toFilterProperty(f fixtureFilter) resource.FilterProperty {
	fp := resource.FilterProperty{Code: f.Code, Description: f.Description}
	for _, op := range f.Operator {
		fp.Ops = append(fp.Ops, resource.FilterOp(op))
	}
	return fp
}

func toConcepts(in []fixtureConcept) []resource.Concept {
	out := make([]resource.Concept, 0, len(in))
	for _, c := range in {
		concept := resource.Concept{Code: c.Code, Display: c.Display, Definition: c.Definition}
		for _, p := range c.Property {
			concept.Property = append(concept.Property, resource.Property{Code: p.Code, Value: propValue(p)})
		}
		concept.Concept = toConcepts(c.Concept)
		out = append(out, concept)
	}
	return out
}

func propValue(p fixtureProp) any {
	switch {
	case p.ValueString != nil:
		return *p.ValueString
	case p.ValueInteger != nil:
		return *p.ValueInteger
	case p.ValueBoolean != nil:
		return *p.ValueBoolean
	case p.ValueCode != nil:
		return *p.ValueCode
	default:
		return nil
	}
}

// MIME and URI are the two open, pattern-validated systems: their code
// space is unbounded, so they're built directly rather than from a fixture.
var (
	mimePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9!#$&\-^_.+]{0,126}/[A-Za-z0-9][A-Za-z0-9!#$&\-^_.+]{0,126}$`)
	uriPattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*:.+$`)
)

// RegisterAll flattens and registers every built-in CodeSystem, plus the
// MIME and URI open systems, into reg.
func RegisterAll(reg *provider.MemoryRegistry) error {
	systems, err := CodeSystems()
	if err != nil {
		return err
	}
	for _, cs := range systems {
		caseSensitive := cs.IsCaseSensitive()
		switch cs.URL {
		case "http://terminology.hl7.org/CodeSystem/condition-clinical":
			h := provider.FromConceptTree(cs.URL, cs.Version, caseSensitive, cs.Concept)
			h.DeclaredName = cs.Name
			// condition-clinical declares an "expression" filter (FHIRPath
			// over each concept), wired in on top of its native is-a support.
			reg.Register(provider.NewFHIRPathFiltered(h))
		default:
			e := provider.NewEnumerated(cs.URL, cs.Version, caseSensitive, conceptDetails(cs.Concept))
			e.DeclaredName = cs.Name
			reg.Register(e)
		}
	}

	reg.Register(provider.NewOpen("urn:ietf:bcp:13", "", mimePattern, func(code string) string {
		return "MIME type " + code
	}))
	reg.Register(provider.NewOpen("urn:ietf:rfc:3986", "", uriPattern, func(code string) string {
		return "URI " + code
	}))
	return nil
}

func conceptDetails(in []resource.Concept) []provider.ConceptDetail {
	out := make([]provider.ConceptDetail, 0, len(in))
	for _, c := range in {
		out = append(out, provider.ConceptDetail{
			Code:        c.Code,
			Display:     c.Display,
			Definition:  c.Definition,
			Designation: c.Designation,
			Property:    c.Property,
		})
		// Flatten any nesting for non-hierarchical built-ins (none currently
		// nest besides condition-clinical, handled separately above).
		out = append(out, conceptDetails(c.Concept)...)
	}
	return out
}
