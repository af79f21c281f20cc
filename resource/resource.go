// Package resource defines the canonical resource wrappers this server
// operates on: CodeSystem and ValueSet, each presented as if they were
// always the newest supported FHIR schema regardless of which version they
// were ingested under. Cross-version translation happens at the edges
// (construction and serialization); everything inside this module deals in
// one shape.
package resource

import (
	"strings"

	"github.com/gofhir/fhir/r4"
	"github.com/shopspring/decimal"
)

// Status mirrors the common FHIR PublicationStatus values carried by both
// CodeSystem and ValueSet.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
	StatusUnknown Status = "unknown"
)

// Canonical is embedded by both CodeSystem and ValueSet. It carries the
// identity fields shared by every canonical resource this server serves:
// url, optional version, and the composite "url|version" form used as a
// cache and map key throughout the engine.
type Canonical struct {
	// ID is the resource's own FHIR id (Resource.id), distinct from its
	// canonical URL, used by the server's "by id" routes
	// (/ValueSet/{id}/$expand and friends) once a resource has been
	// persisted into the engine's resource store.
	ID      string
	URL     string
	Version string
	Status  Status
	Name    string
	Title   string
}

// VURL returns the "url|version" composite identity, or bare url when no
// version is set. Two resources with the same url but different version
// compare unequal under this key, matching the spec's §3 invariant that
// version influences provider selection.
func (c Canonical) VURL() string {
	if c.Version == "" {
		return c.URL
	}
	return c.URL + "|" + c.Version
}

// ContentMode is CodeSystem.content: how complete the concept list is.
type ContentMode string

const (
	ContentNotPresent ContentMode = "not-present"
	ContentExample    ContentMode = "example"
	ContentFragment   ContentMode = "fragment"
	ContentComplete   ContentMode = "complete"
	ContentSupplement ContentMode = "supplement"
)

// FilterOp is a ValueSet.compose.include.filter.op value.
type FilterOp string

const (
	FilterEquals       FilterOp = "="
	FilterIsA          FilterOp = "is-a"
	FilterDescendentOf FilterOp = "descendent-of"
	FilterIsNotA       FilterOp = "is-not-a"
	FilterRegex        FilterOp = "regex"
	FilterIn           FilterOp = "in"
	FilterNotIn        FilterOp = "not-in"
	FilterGeneralize   FilterOp = "generalizes"
	FilterExists       FilterOp = "exists"
)

// Concept is one entry in a CodeSystem's concept tree.
type Concept struct {
	Code        string
	Display     string
	Definition  string
	Designation []Designation
	Property    []Property
	Concept     []Concept // nested (structural hierarchy)
}

// Property is a CodeSystem concept property (code/value pair). Value holds
// whichever of valueCode/valueString/valueBoolean/valueInteger was present;
// callers that need a specific shape type-assert it.
type Property struct {
	Code  string
	Value any
}

// StringValue returns Value as a string when it holds one.
func (p Property) StringValue() (string, bool) {
	s, ok := p.Value.(string)
	return s, ok
}

// DecimalValue returns Value as a decimal.Decimal when it holds one. Numeric
// CodeSystem concept properties (valueDecimal) are carried as
// shopspring/decimal rather than float64, so a property like a drug
// strength or a currency's minor-unit exponent compares exactly rather than
// accumulating binary floating-point error across filter evaluations.
func (p Property) DecimalValue() (decimal.Decimal, bool) {
	d, ok := p.Value.(decimal.Decimal)
	return d, ok
}

// Designation is (language, use, value, isDisplay, isActive) per §3. isDisplay
// marks the designation that also serves as the concept's primary display;
// isActive is false for a designation contributed by a retired supplement.
type Designation struct {
	Language  string
	Use       string
	Value     string
	IsDisplay bool
	IsActive  bool
}

// FilterProperty declares one entry of a CodeSystem's filter property list
// (the operations a provider supports for a given property).
type FilterProperty struct {
	Code        string
	Description string
	Ops         []FilterOp
}

// CodeSystem is the canonical wrapper around a FHIR CodeSystem resource.
type CodeSystem struct {
	Canonical

	Content ContentMode

	// Supplements, when Content == ContentSupplement, names the parent code
	// system this resource contributes displays/designations to. Carries an
	// optional "|version" suffix, same as any other canonical reference.
	Supplements string

	Concept []Concept
	Filter  []FilterProperty

	// Property declares the properties a concept in this system may carry
	// (the CodeSystem.property list), independent of FilterProperty.
	Property []FilterProperty

	// CaseSensitive mirrors CodeSystem.caseSensitive; defaults to true when
	// unset, matching FHIR's own default.
	CaseSensitive *bool
}

// IsCaseSensitive returns the effective case sensitivity, defaulting to true.
func (cs *CodeSystem) IsCaseSensitive() bool {
	if cs.CaseSensitive == nil {
		return true
	}
	return *cs.CaseSensitive
}

// ConceptSet is a compose.include/exclude entry.
type ConceptSet struct {
	System   string
	Version  string
	Concept  []ConceptRef
	Filter   []ConceptFilter
	ValueSet []string
}

// ConceptRef is an explicitly enumerated concept inside a ConceptSet.
type ConceptRef struct {
	Code        string
	Display     string
	Designation []Designation
}

// ConceptFilter is one compose.include.filter entry.
type ConceptFilter struct {
	Property string
	Op       FilterOp
	Value    string
}

// Compose is a ValueSet's compose element: ordered include/exclude rules.
type Compose struct {
	LockedDate string
	Inactive   bool
	Include    []ConceptSet
	Exclude    []ConceptSet
}

// ExpansionContains is one entry of a realized expansion (or the entries a
// pre-built ValueSet.expansion already carried).
type ExpansionContains struct {
	System      string
	Version     string
	Code        string
	Display     string
	Abstract    bool
	Inactive    bool
	Designation []Designation
	Contains    []ExpansionContains
}

// ExpansionParameter is one ValueSet.expansion.parameter entry.
type ExpansionParameter struct {
	Name  string
	Value any
}

// Expansion is a realized (or prebuilt) ValueSet.expansion.
type Expansion struct {
	Identifier string
	Timestamp  string
	Total      int
	HasTotal   bool
	Offset     int
	Parameter  []ExpansionParameter
	Contains   []ExpansionContains
}

// ValueSet is the canonical wrapper around a FHIR ValueSet resource.
type ValueSet struct {
	Canonical

	Compose   *Compose
	Expansion *Expansion
}

// HasSystem reports whether the ConceptSet names an explicit system (it may
// be absent when the set is purely a valueSet import list, per §3).
func (c ConceptSet) HasSystem() bool { return c.System != "" }

// stripVersion removes the "|version" suffix from a canonical reference, the
// way FHIR encodes a pinned version on a canonical URL.
func stripVersion(ref string) string {
	if idx := strings.LastIndex(ref, "|"); idx != -1 {
		return ref[:idx]
	}
	return ref
}

// SplitCanonical splits "url|version" into its parts; version is empty when
// absent.
func SplitCanonical(ref string) (url, version string) {
	if idx := strings.LastIndex(ref, "|"); idx != -1 {
		return ref[:idx], ref[idx+1:]
	}
	return ref, ""
}

// FromR4CodeSystem normalizes an r4.CodeSystem into the canonical wrapper.
// This is the ingress half of the cross-version translation hook described
// in §9: today only R4 is supported, so normalization is the identity
// transform over field names; a future R4B/R5 source would gain its own
// FromR4B/FromR5 sibling here rather than branching inside this function.
func FromR4CodeSystem(cs *r4.CodeSystem) *CodeSystem {
	if cs == nil {
		return nil
	}
	out := &CodeSystem{
		Canonical: Canonical{
			ID:     stringVal(cs.Id),
			Status: Status(stringVal(cs.Status)),
			Name:   stringVal(cs.Name),
			Title:  stringVal(cs.Title),
		},
		Content: ContentMode(stringVal(cs.Content)),
	}
	if cs.Url != nil {
		out.URL = *cs.Url
	}
	if cs.Version != nil {
		out.Version = *cs.Version
	}
	if cs.Supplements != nil {
		out.Supplements = *cs.Supplements
	}
	if cs.CaseSensitive != nil {
		v := *cs.CaseSensitive
		out.CaseSensitive = &v
	}
	for _, f := range cs.Filter {
		fp := FilterProperty{Code: stringVal(f.Code), Description: stringVal(f.Description)}
		for _, op := range f.Operator {
			fp.Ops = append(fp.Ops, FilterOp(op))
		}
		out.Filter = append(out.Filter, fp)
	}
	for _, p := range cs.Property {
		out.Property = append(out.Property, FilterProperty{Code: stringVal(p.Code), Description: stringVal(p.Description)})
	}
	out.Concept = fromR4Concepts(cs.Concept)
	return out
}

func fromR4Concepts(in []r4.CodeSystemConcept) []Concept {
	if len(in) == 0 {
		return nil
	}
	out := make([]Concept, 0, len(in))
	for _, c := range in {
		concept := Concept{
			Code:       stringVal(c.Code),
			Display:    stringVal(c.Display),
			Definition: stringVal(c.Definition),
		}
		for _, d := range c.Designation {
			concept.Designation = append(concept.Designation, Designation{
				Language: stringVal(d.Language),
				Use:      codingDisplay(d.Use),
				Value:    stringVal(d.Value),
			})
		}
		for _, p := range c.Property {
			concept.Property = append(concept.Property, Property{Code: stringVal(p.Code), Value: propertyValue(p)})
		}
		concept.Concept = fromR4Concepts(c.Concept)
		out = append(out, concept)
	}
	return out
}

// FromR4ValueSet normalizes an r4.ValueSet into the canonical wrapper.
func FromR4ValueSet(vs *r4.ValueSet) *ValueSet {
	if vs == nil {
		return nil
	}
	out := &ValueSet{
		Canonical: Canonical{
			ID:     stringVal(vs.Id),
			Status: Status(stringVal(vs.Status)),
			Name:   stringVal(vs.Name),
			Title:  stringVal(vs.Title),
		},
	}
	if vs.Url != nil {
		out.URL = *vs.Url
	}
	if vs.Version != nil {
		out.Version = *vs.Version
	}
	if vs.Compose != nil {
		out.Compose = &Compose{}
		if vs.Compose.LockedDate != nil {
			out.Compose.LockedDate = *vs.Compose.LockedDate
		}
		if vs.Compose.Inactive != nil {
			out.Compose.Inactive = *vs.Compose.Inactive
		}
		out.Compose.Include = fromR4ConceptSets(vs.Compose.Include)
		out.Compose.Exclude = fromR4ConceptSets(vs.Compose.Exclude)
	}
	if vs.Expansion != nil {
		out.Expansion = &Expansion{}
		if vs.Expansion.Identifier != nil {
			out.Expansion.Identifier = *vs.Expansion.Identifier
		}
		if vs.Expansion.Timestamp != nil {
			out.Expansion.Timestamp = *vs.Expansion.Timestamp
		}
		if vs.Expansion.Total != nil {
			out.Expansion.Total = int(*vs.Expansion.Total)
			out.Expansion.HasTotal = true
		}
		if vs.Expansion.Offset != nil {
			out.Expansion.Offset = int(*vs.Expansion.Offset)
		}
		out.Expansion.Contains = fromR4ExpansionContains(vs.Expansion.Contains)
	}
	return out
}

func fromR4ConceptSets(in []r4.ValueSetComposeInclude) []ConceptSet {
	out := make([]ConceptSet, 0, len(in))
	for _, inc := range in {
		cs := ConceptSet{System: stringVal(inc.System), Version: stringVal(inc.Version)}
		for _, c := range inc.Concept {
			cs.Concept = append(cs.Concept, ConceptRef{Code: stringVal(c.Code), Display: stringVal(c.Display)})
		}
		for _, f := range inc.Filter {
			if f.Property == nil || f.Op == nil || f.Value == nil {
				continue
			}
			cs.Filter = append(cs.Filter, ConceptFilter{Property: *f.Property, Op: FilterOp(*f.Op), Value: *f.Value})
		}
		for _, v := range inc.ValueSet {
			cs.ValueSet = append(cs.ValueSet, v)
		}
		out = append(out, cs)
	}
	return out
}

func fromR4ExpansionContains(in []r4.ValueSetExpansionContains) []ExpansionContains {
	out := make([]ExpansionContains, 0, len(in))
	for _, c := range in {
		ec := ExpansionContains{
			System:  stringVal(c.System),
			Version: stringVal(c.Version),
			Code:    stringVal(c.Code),
			Display: stringVal(c.Display),
		}
		if c.Abstract != nil {
			ec.Abstract = *c.Abstract
		}
		if c.Inactive != nil {
			ec.Inactive = *c.Inactive
		}
		for _, d := range c.Designation {
			ec.Designation = append(ec.Designation, Designation{
				Language: stringVal(d.Language),
				Use:      codingDisplay(d.Use),
				Value:    stringVal(d.Value),
			})
		}
		ec.Contains = fromR4ExpansionContains(c.Contains)
		out = append(out, ec)
	}
	return out
}

func stringVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func codingDisplay(c *r4.Coding) string {
	if c == nil {
		return ""
	}
	if c.Code != nil {
		return string(*c.Code)
	}
	return ""
}

func propertyValue(p r4.CodeSystemConceptProperty) any {
	switch {
	case p.ValueCode != nil:
		return string(*p.ValueCode)
	case p.ValueString != nil:
		return *p.ValueString
	case p.ValueBoolean != nil:
		return *p.ValueBoolean
	case p.ValueInteger != nil:
		return int(*p.ValueInteger)
	case p.ValueDecimal != nil:
		return decimal.NewFromFloat(*p.ValueDecimal)
	default:
		return nil
	}
}

// ptr is the inverse of stringVal: it returns a pointer to s, or nil for an
// empty string, matching the way r4's optional string fields are encoded.
func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ToR4CodeSystem is the egress half of cross-version translation: it renders
// the canonical wrapper back into an r4.CodeSystem for serialization, so a
// client that posted a CodeSystem gets the same schema back regardless of
// which internal representation served the request.
func ToR4CodeSystem(cs *CodeSystem) *r4.CodeSystem {
	if cs == nil {
		return nil
	}
	out := &r4.CodeSystem{
		Id:      ptr(cs.ID),
		Url:     ptr(cs.URL),
		Version: ptr(cs.Version),
		Name:    ptr(cs.Name),
		Title:   ptr(cs.Title),
		Status:  ptr(string(cs.Status)),
		Content: ptr(string(cs.Content)),
	}
	if cs.Supplements != "" {
		out.Supplements = ptr(cs.Supplements)
	}
	if cs.CaseSensitive != nil {
		v := *cs.CaseSensitive
		out.CaseSensitive = &v
	}
	for _, f := range cs.Filter {
		filter := r4.CodeSystemFilter{Code: ptr(f.Code), Description: ptr(f.Description)}
		for _, op := range f.Ops {
			filter.Operator = append(filter.Operator, string(op))
		}
		out.Filter = append(out.Filter, filter)
	}
	for _, p := range cs.Property {
		out.Property = append(out.Property, r4.CodeSystemProperty{Code: ptr(p.Code), Description: ptr(p.Description)})
	}
	out.Concept = toR4Concepts(cs.Concept)
	return out
}

func toR4Concepts(in []Concept) []r4.CodeSystemConcept {
	if len(in) == 0 {
		return nil
	}
	out := make([]r4.CodeSystemConcept, 0, len(in))
	for _, c := range in {
		concept := r4.CodeSystemConcept{
			Code:       ptr(c.Code),
			Display:    ptr(c.Display),
			Definition: ptr(c.Definition),
		}
		for _, d := range c.Designation {
			concept.Designation = append(concept.Designation, r4.CodeSystemConceptDesignation{
				Language: ptr(d.Language),
				Value:    ptr(d.Value),
			})
		}
		for _, p := range c.Property {
			concept.Property = append(concept.Property, toR4Property(p))
		}
		concept.Concept = toR4Concepts(c.Concept)
		out = append(out, concept)
	}
	return out
}

func toR4Property(p Property) r4.CodeSystemConceptProperty {
	out := r4.CodeSystemConceptProperty{Code: ptr(p.Code)}
	switch v := p.Value.(type) {
	case string:
		out.ValueString = ptr(v)
	case bool:
		out.ValueBoolean = &v
	case int:
		n := int32(v)
		out.ValueInteger = &n
	case decimal.Decimal:
		f, _ := v.Float64()
		out.ValueDecimal = &f
	}
	return out
}

// ToR4ValueSet renders the canonical wrapper back into an r4.ValueSet,
// carrying either the compose or the realized expansion (or both, as FHIR
// allows for a ValueSet returned from $expand while still exposing its
// compose definition).
func ToR4ValueSet(vs *ValueSet) *r4.ValueSet {
	if vs == nil {
		return nil
	}
	out := &r4.ValueSet{
		Id:      ptr(vs.ID),
		Url:     ptr(vs.URL),
		Version: ptr(vs.Version),
		Name:    ptr(vs.Name),
		Title:   ptr(vs.Title),
		Status:  ptr(string(vs.Status)),
	}
	if vs.Compose != nil {
		out.Compose = &r4.ValueSetCompose{
			LockedDate: ptr(vs.Compose.LockedDate),
		}
		if vs.Compose.Inactive {
			v := true
			out.Compose.Inactive = &v
		}
		out.Compose.Include = toR4ConceptSets(vs.Compose.Include)
		out.Compose.Exclude = toR4ConceptSets(vs.Compose.Exclude)
	}
	if vs.Expansion != nil {
		out.Expansion = &r4.ValueSetExpansion{
			Identifier: ptr(vs.Expansion.Identifier),
			Timestamp:  ptr(vs.Expansion.Timestamp),
			Offset:     int32Ptr(vs.Expansion.Offset),
		}
		if vs.Expansion.HasTotal {
			total := int32(vs.Expansion.Total)
			out.Expansion.Total = &total
		}
		out.Expansion.Contains = toR4ExpansionContains(vs.Expansion.Contains)
		out.Expansion.Parameter = toR4ExpansionParameters(vs.Expansion.Parameter)
	}
	return out
}

func toR4ExpansionParameters(in []ExpansionParameter) []r4.ValueSetExpansionParameter {
	out := make([]r4.ValueSetExpansionParameter, 0, len(in))
	for _, p := range in {
		param := r4.ValueSetExpansionParameter{Name: ptr(p.Name)}
		switch v := p.Value.(type) {
		case string:
			param.ValueString = ptr(v)
		case bool:
			param.ValueBoolean = &v
		case int:
			n := int32(v)
			param.ValueInteger = &n
		case int32:
			param.ValueInteger = &v
		}
		out = append(out, param)
	}
	return out
}

func int32Ptr(v int) *int32 {
	n := int32(v)
	return &n
}

func toR4ConceptSets(in []ConceptSet) []r4.ValueSetComposeInclude {
	out := make([]r4.ValueSetComposeInclude, 0, len(in))
	for _, cs := range in {
		inc := r4.ValueSetComposeInclude{System: ptr(cs.System), Version: ptr(cs.Version)}
		for _, c := range cs.Concept {
			inc.Concept = append(inc.Concept, r4.ValueSetComposeIncludeConcept{Code: ptr(c.Code), Display: ptr(c.Display)})
		}
		for _, f := range cs.Filter {
			op := string(f.Op)
			inc.Filter = append(inc.Filter, r4.ValueSetComposeIncludeFilter{Property: ptr(f.Property), Op: &op, Value: ptr(f.Value)})
		}
		inc.ValueSet = append(inc.ValueSet, cs.ValueSet...)
		out = append(out, inc)
	}
	return out
}

func toR4ExpansionContains(in []ExpansionContains) []r4.ValueSetExpansionContains {
	out := make([]r4.ValueSetExpansionContains, 0, len(in))
	for _, c := range in {
		ec := r4.ValueSetExpansionContains{
			System:  ptr(c.System),
			Version: ptr(c.Version),
			Code:    ptr(c.Code),
			Display: ptr(c.Display),
		}
		if c.Abstract {
			v := true
			ec.Abstract = &v
		}
		if c.Inactive {
			v := true
			ec.Inactive = &v
		}
		for _, d := range c.Designation {
			ec.Designation = append(ec.Designation, r4.ValueSetExpansionContainsDesignation{
				Language: ptr(d.Language),
				Value:    ptr(d.Value),
			})
		}
		ec.Contains = toR4ExpansionContains(c.Contains)
		out = append(out, ec)
	}
	return out
}
