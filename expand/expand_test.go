package expand

import (
	"context"
	"testing"

	"github.com/gofhir/termserver/internal/builtin"
	"github.com/gofhir/termserver/opctx"
	"github.com/gofhir/termserver/provider"
	"github.com/gofhir/termserver/resource"
)

func newRegistry(t *testing.T) *provider.MemoryRegistry {
	t.Helper()
	reg := provider.NewMemoryRegistry()
	if err := builtin.RegisterAll(reg); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return reg
}

type staticResolver map[string]*resource.ValueSet

func (r staticResolver) ResolveValueSet(_ context.Context, ref string) (*resource.ValueSet, bool) {
	if vs, ok := r[ref]; ok {
		return vs, true
	}
	url, _ := resource.SplitCanonical(ref)
	vs, ok := r[url]
	return vs, ok
}

func genderValueSet() *resource.ValueSet {
	return &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://hl7.org/fhir/ValueSet/administrative-gender", Version: "4.0.1"},
		Compose: &resource.Compose{
			Include: []resource.ConceptSet{{System: "http://hl7.org/fhir/administrative-gender"}},
		},
	}
}

func newOC(t *testing.T) *opctx.Context {
	t.Helper()
	oc := opctx.Acquire(context.Background())
	t.Cleanup(oc.Release)
	return oc
}

func TestExpand_AdministrativeGenderHasFourCodes(t *testing.T) {
	reg := newRegistry(t)
	exp := NewExpander(reg, staticResolver{}, 0)
	oc := newOC(t)

	res, err := exp.Expand(oc, Request{ValueSet: genderValueSet()})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if res == nil {
		t.Fatalf("Expand returned nil result; outcome issues: %v", oc.Outcome.Issues)
	}
	if res.Expansion.Total != 4 {
		t.Fatalf("Total = %d; want 4 (%v)", res.Expansion.Total, res.Expansion.Contains)
	}
	want := map[string]bool{"male": true, "female": true, "other": true, "unknown": true}
	for _, c := range res.Expansion.Contains {
		if !want[c.Code] {
			t.Errorf("unexpected code %q in expansion", c.Code)
		}
		delete(want, c.Code)
	}
	if len(want) != 0 {
		t.Errorf("missing codes: %v", want)
	}
}

// TestExpand_PreservesFirstSeenDeclarationOrder covers §4.2 step 5: entries
// come out in first-seen insertion order (administrative-gender's declared
// concept order, male/female/other/unknown), never re-sorted alphabetically
// (which would wrongly put female before male).
func TestExpand_PreservesFirstSeenDeclarationOrder(t *testing.T) {
	reg := newRegistry(t)
	exp := NewExpander(reg, staticResolver{}, 0)
	oc := newOC(t)

	res, err := exp.Expand(oc, Request{ValueSet: genderValueSet()})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	want := []string{"male", "female", "other", "unknown"}
	if len(res.Expansion.Contains) != len(want) {
		t.Fatalf("got %d entries; want %d", len(res.Expansion.Contains), len(want))
	}
	for i, c := range res.Expansion.Contains {
		if c.Code != want[i] {
			t.Errorf("Contains[%d] = %q; want %q (declaration order, not alphabetical)", i, c.Code, want[i])
		}
	}
}

func currencyValueSetExcludingXXX() *resource.ValueSet {
	return &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/currencies-no-xxx"},
		Compose: &resource.Compose{
			Include: []resource.ConceptSet{{System: "urn:iso:std:iso:4217"}},
			Exclude: []resource.ConceptSet{{System: "urn:iso:std:iso:4217", Concept: []resource.ConceptRef{{Code: "XXX"}}}},
		},
	}
}

func TestExpand_ExcludeDominatesInclude(t *testing.T) {
	reg := newRegistry(t)
	exp := NewExpander(reg, staticResolver{}, 0)
	oc := newOC(t)

	res, err := exp.Expand(oc, Request{ValueSet: currencyValueSetExcludingXXX(), Count: 5, Offset: 0})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if res == nil {
		t.Fatalf("Expand returned nil; issues: %v", oc.Outcome.Issues)
	}
	if len(res.Expansion.Contains) != 5 {
		t.Fatalf("got %d entries; want exactly 5", len(res.Expansion.Contains))
	}
	for _, c := range res.Expansion.Contains {
		if c.Code == "XXX" {
			t.Error("excluded code XXX leaked into the expansion")
		}
	}
}

func TestExpand_Deduplication(t *testing.T) {
	reg := newRegistry(t)
	exp := NewExpander(reg, staticResolver{}, 0)
	oc := newOC(t)

	vs := &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/dup"},
		Compose: &resource.Compose{
			Include: []resource.ConceptSet{
				{System: "http://hl7.org/fhir/administrative-gender"},
				{System: "http://hl7.org/fhir/administrative-gender", Concept: []resource.ConceptRef{{Code: "male"}}},
			},
		},
	}
	res, err := exp.Expand(oc, Request{ValueSet: vs})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	seen := map[string]int{}
	for _, c := range res.Expansion.Contains {
		seen[c.System+"|"+c.Code]++
	}
	for key, n := range seen {
		if n > 1 {
			t.Errorf("key %q appeared %d times; want at most once", key, n)
		}
	}
}

func TestExpand_Paging(t *testing.T) {
	reg := newRegistry(t)
	exp := NewExpander(reg, staticResolver{}, 0)

	full, err := exp.Expand(newOC(t), Request{ValueSet: &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/all-currencies"},
		Compose:   &resource.Compose{Include: []resource.ConceptSet{{System: "urn:iso:std:iso:4217"}}},
	}})
	if err != nil {
		t.Fatalf("full expand error: %v", err)
	}
	total := full.Expansion.Total

	offset, count := 2, 3
	paged, err := exp.Expand(newOC(t), Request{ValueSet: &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/all-currencies"},
		Compose:   &resource.Compose{Include: []resource.ConceptSet{{System: "urn:iso:std:iso:4217"}}},
	}, Offset: offset, Count: count})
	if err != nil {
		t.Fatalf("paged expand error: %v", err)
	}

	wantLen := count
	if offset+count > total {
		wantLen = total - offset
	}
	if len(paged.Expansion.Contains) != wantLen {
		t.Fatalf("paged len = %d; want %d", len(paged.Expansion.Contains), wantLen)
	}
	for i, c := range paged.Expansion.Contains {
		if c.Code != full.Expansion.Contains[offset+i].Code {
			t.Errorf("paged[%d] = %s; want %s", i, c.Code, full.Expansion.Contains[offset+i].Code)
		}
	}
}

func TestExpand_CycleDetected(t *testing.T) {
	reg := newRegistry(t)

	v := &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/v"},
		Compose:   &resource.Compose{Include: []resource.ConceptSet{{ValueSet: []string{"http://example.org/ValueSet/w"}}}},
	}
	w := &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/w"},
		Compose:   &resource.Compose{Include: []resource.ConceptSet{{ValueSet: []string{"http://example.org/ValueSet/v"}}}},
	}
	resolver := staticResolver{v.URL: v, w.URL: w}
	exp := NewExpander(reg, resolver, 0)
	oc := newOC(t)

	_, err := exp.Expand(oc, Request{ValueSet: v})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if !oc.Outcome.HasErrors() {
		t.Fatal("expected a cycle-detected error on the outcome")
	}
	found := false
	for _, issue := range oc.Outcome.Issues {
		if issue.Code == "cycle-detected" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a cycle-detected issue, got %v", oc.Outcome.Issues)
	}
}

func TestExpand_FilterTextParameter(t *testing.T) {
	reg := newRegistry(t)
	exp := NewExpander(reg, staticResolver{}, 0)
	oc := newOC(t)

	res, err := exp.Expand(oc, Request{ValueSet: &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/all-currencies"},
		Compose:   &resource.Compose{Include: []resource.ConceptSet{{System: "urn:iso:std:iso:4217"}}},
	}, Filter: "dollar"})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	for _, c := range res.Expansion.Contains {
		if !contains(c.Display, "dollar") && !contains(c.Display, "Dollar") {
			t.Errorf("entry %q doesn't contain 'dollar'", c.Display)
		}
	}
	if len(res.Expansion.Contains) == 0 {
		t.Error("expected at least one dollar-named currency")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestExpand_IdempotentAcrossCalls(t *testing.T) {
	reg := newRegistry(t)
	exp := NewExpander(reg, staticResolver{}, 0)

	build := func() *Result {
		res, err := exp.Expand(newOC(t), Request{ValueSet: genderValueSet()})
		if err != nil {
			t.Fatalf("Expand error: %v", err)
		}
		return res
	}

	a := build()
	b := build()
	if len(a.Expansion.Contains) != len(b.Expansion.Contains) {
		t.Fatalf("differing lengths: %d vs %d", len(a.Expansion.Contains), len(b.Expansion.Contains))
	}
	for i := range a.Expansion.Contains {
		ca, cb := a.Expansion.Contains[i], b.Expansion.Contains[i]
		if ca.System != cb.System || ca.Code != cb.Code || ca.Display != cb.Display {
			t.Errorf("entry %d differs: %+v vs %+v", i, ca, cb)
		}
	}
}

func TestExpand_UnknownCodeSystemReportsNotFound(t *testing.T) {
	reg := provider.NewMemoryRegistry()
	exp := NewExpander(reg, staticResolver{}, 0)
	oc := newOC(t)

	vs := &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/unknown"},
		Compose:   &resource.Compose{Include: []resource.ConceptSet{{System: "http://example.org/does-not-exist"}}},
	}
	res, err := exp.Expand(oc, Request{ValueSet: vs})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if res == nil || res.Expansion.Total != 0 {
		t.Fatalf("expected an empty but non-fatal expansion, got %v", res)
	}
	foundNotFound := false
	for _, issue := range oc.Outcome.Issues {
		if issue.Code == "not-found" {
			foundNotFound = true
		}
	}
	if !foundNotFound {
		t.Error("expected a not-found issue for the unknown system")
	}
}

func TestExpand_FragmentContentRequiresIncompleteOK(t *testing.T) {
	reg := provider.NewMemoryRegistry()
	e := provider.NewEnumerated("http://example.org/fragment-cs", "", true, []provider.ConceptDetail{
		{Code: "a", Display: "A"},
	})
	e.Content = resource.ContentFragment
	reg.Register(e)
	exp := NewExpander(reg, staticResolver{}, 0)

	vs := &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/fragment"},
		Compose:   &resource.Compose{Include: []resource.ConceptSet{{System: "http://example.org/fragment-cs"}}},
	}

	strict, err := exp.Expand(newOC(t), Request{ValueSet: vs})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if strict == nil || strict.Expansion.Total != 0 {
		t.Fatalf("expected a fragment system to be refused without incomplete-ok, got %+v", strict)
	}

	lenient, err := exp.Expand(newOC(t), Request{ValueSet: vs, IncompleteOK: true})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if lenient == nil || lenient.Expansion.Total != 1 {
		t.Fatalf("expected incomplete-ok=true to admit the fragment system's one concept, got %+v", lenient)
	}
}

func TestExpand_ForceSystemVersionOverridesInclude(t *testing.T) {
	reg := provider.NewMemoryRegistry()
	v1 := provider.NewEnumerated("http://example.org/versioned-cs", "1.0", true, []provider.ConceptDetail{{Code: "a"}})
	v2 := provider.NewEnumerated("http://example.org/versioned-cs", "2.0", true, []provider.ConceptDetail{{Code: "b"}})
	reg.Register(v1)
	reg.Register(v2)
	exp := NewExpander(reg, staticResolver{}, 0)

	vs := &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/versioned"},
		Compose: &resource.Compose{Include: []resource.ConceptSet{
			{System: "http://example.org/versioned-cs", Version: "1.0"},
		}},
	}

	res, err := exp.Expand(newOC(t), Request{
		ValueSet:           vs,
		ForceSystemVersion: map[string]string{"http://example.org/versioned-cs": "2.0"},
	})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if len(res.Expansion.Contains) != 1 || res.Expansion.Contains[0].Code != "b" {
		t.Fatalf("expected force-system-version to pin to 2.0's concept 'b', got %+v", res.Expansion.Contains)
	}
}

func TestExpand_CheckSystemVersionRejectsMismatch(t *testing.T) {
	reg := provider.NewMemoryRegistry()
	reg.Register(provider.NewEnumerated("http://example.org/versioned-cs", "1.0", true, []provider.ConceptDetail{{Code: "a"}}))
	exp := NewExpander(reg, staticResolver{}, 0)

	vs := &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/versioned"},
		Compose: &resource.Compose{Include: []resource.ConceptSet{
			{System: "http://example.org/versioned-cs", Version: "1.0"},
		}},
	}

	oc := newOC(t)
	_, err := exp.Expand(oc, Request{
		ValueSet:           vs,
		CheckSystemVersion: map[string]string{"http://example.org/versioned-cs": "9.9"},
	})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if !oc.Outcome.HasErrors() {
		t.Error("expected check-system-version mismatch to record an error")
	}
}

func TestExpand_ExcludeNestedNotForUIPostCoordinated(t *testing.T) {
	reg := provider.NewMemoryRegistry()
	reg.Register(provider.NewEnumerated("http://example.org/flags-cs", "", true, []provider.ConceptDetail{
		{Code: "leaf", Display: "Leaf"},
		{Code: "group", Display: "Group", Abstract: true},
		{Code: "hidden", Display: "Hidden", Property: []resource.Property{{Code: "notSelectable", Value: true}}},
		{Code: "expr", Display: "Expr", Property: []resource.Property{{Code: "postcoordination", Value: true}}},
	}))
	exp := NewExpander(reg, staticResolver{}, 0)
	vs := &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/flags"},
		Compose:   &resource.Compose{Include: []resource.ConceptSet{{System: "http://example.org/flags-cs"}}},
	}

	res, err := exp.Expand(newOC(t), Request{
		ValueSet:               vs,
		ExcludeNested:          true,
		ExcludeNotForUI:        true,
		ExcludePostCoordinated: true,
	})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if len(res.Expansion.Contains) != 1 || res.Expansion.Contains[0].Code != "leaf" {
		t.Fatalf("expected only 'leaf' to survive all three excludes, got %+v", res.Expansion.Contains)
	}
}

func TestExpand_EchoedParametersIncludeUsedCodesystem(t *testing.T) {
	reg := newRegistry(t)
	exp := NewExpander(reg, staticResolver{}, 0)

	res, err := exp.Expand(newOC(t), Request{ValueSet: genderValueSet(), ActiveOnly: true})
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	found := map[string]bool{}
	for _, p := range res.Expansion.Parameter {
		found[p.Name] = true
	}
	for _, want := range []string{"activeOnly", "offset", "count", "used-codesystem"} {
		if !found[want] {
			t.Errorf("expected echoed parameter %q, got %+v", want, res.Expansion.Parameter)
		}
	}
}
