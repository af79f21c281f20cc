package engine

import (
	"context"
	"testing"
	"time"

	ts "github.com/gofhir/termserver"
	"github.com/gofhir/termserver/check"
	"github.com/gofhir/termserver/expand"
	"github.com/gofhir/termserver/lookup"
	"github.com/gofhir/termserver/resource"
)

func newTestEngine(t *testing.T, opts ...ts.Option) *Engine {
	t.Helper()
	e, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestEngine_ExpandAdministrativeGender(t *testing.T) {
	e := newTestEngine(t)
	vs, ok := e.ResolveValueSet(context.Background(), "http://hl7.org/fhir/ValueSet/administrative-gender")
	if !ok {
		t.Fatal("expected the built-in administrative-gender value set to be registered")
	}

	exp, outcome := e.Expand(context.Background(), ExpandRequest{Request: expand.Request{ValueSet: vs}})
	if outcome.HasErrors() {
		t.Fatalf("unexpected errors: %v", outcome.Issues)
	}
	if exp == nil || len(exp.Contains) != 4 {
		t.Fatalf("expected 4 concepts in the administrative-gender expansion, got %+v", exp)
	}
}

func TestEngine_LookupCurrencyProperties(t *testing.T) {
	e := newTestEngine(t)
	res, outcome := e.Lookup(context.Background(), lookup.Request{System: "urn:iso:std:iso:4217", Code: "USD"})
	if res == nil {
		t.Fatalf("Lookup returned nil; issues: %v", outcome.Issues)
	}
	if res.Display != "United States dollar" {
		t.Errorf("Display = %q", res.Display)
	}
}

func TestEngine_SubsumesNotSubsumed(t *testing.T) {
	e := newTestEngine(t)
	rel, outcome := e.Subsumes(context.Background(), lookup.SubsumesRequest{
		System: "http://hl7.org/fhir/administrative-gender",
		CodeA:  "male",
		CodeB:  "female",
	})
	if outcome.HasErrors() {
		t.Fatalf("unexpected errors: %v", outcome.Issues)
	}
	if rel != "not-subsumed" {
		t.Errorf("Subsumes = %s; want not-subsumed", rel)
	}
}

func TestEngine_ValidateCodeNonMemberFails(t *testing.T) {
	e := newTestEngine(t)
	restricted := &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/restricted-gender"},
		Compose: &resource.Compose{
			Include: []resource.ConceptSet{{
				System:  "http://hl7.org/fhir/administrative-gender",
				Concept: []resource.ConceptRef{{Code: "male"}, {Code: "female"}},
			}},
		},
	}

	res, _ := e.ValidateCode(context.Background(), check.Request{
		ValueSet: restricted,
		Codings:  []check.CodingRef{{System: "http://hl7.org/fhir/administrative-gender", Code: "other"}},
	})
	if res.Valid {
		t.Error("expected code 'other' to fail validation against a male/female-only value set")
	}
}

func TestEngine_ExpansionCacheAdmitsFastComputationWhenMinDurationIsZero(t *testing.T) {
	e := newTestEngine(t, ts.WithExpansionCache(4, time.Hour, 0))

	vs := &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/quick"},
		Compose: &resource.Compose{
			Include: []resource.ConceptSet{{System: "http://hl7.org/fhir/administrative-gender"}},
		},
	}
	if err := e.RegisterValueSet(vs); err != nil {
		t.Fatalf("RegisterValueSet: %v", err)
	}

	req := ExpandRequest{}
	req.ValueSet = vs

	first, outcome := e.Expand(context.Background(), req)
	if first == nil {
		t.Fatalf("Expand returned nil; issues: %v", outcome.Issues)
	}

	key := e.expansionKey(req.Request)
	if _, ok := e.expansionCache.Get(key); !ok {
		t.Error("expected a fast (minDuration=0) expansion to be admitted into the expansion cache")
	}
}

// TestEngine_ExpansionKeyCoversEveryResultAffectingField guards against
// silently colliding cache keys (§4.5): two requests identical except for
// one toggle must hash to different keys, for every toggle that affects an
// expansion's content, not just the handful expansionKey originally covered.
func TestEngine_ExpansionKeyCoversEveryResultAffectingField(t *testing.T) {
	e := newTestEngine(t)
	base := expand.Request{ValueSet: &resource.ValueSet{Canonical: resource.Canonical{URL: "http://example.org/ValueSet/x"}}}
	baseKey := e.expansionKey(base)

	variants := []struct {
		name string
		req  expand.Request
	}{
		{"ExcludeNested", expand.Request{ValueSet: base.ValueSet, ExcludeNested: true}},
		{"ExcludeNotForUI", expand.Request{ValueSet: base.ValueSet, ExcludeNotForUI: true}},
		{"ExcludePostCoordinated", expand.Request{ValueSet: base.ValueSet, ExcludePostCoordinated: true}},
		{"IncompleteOK", expand.Request{ValueSet: base.ValueSet, IncompleteOK: true}},
		{"LimitedExpansion", expand.Request{ValueSet: base.ValueSet, LimitedExpansion: true}},
		{"ValuesetMembershipOnly", expand.Request{ValueSet: base.ValueSet, ValuesetMembershipOnly: true}},
		{"ForceSystemVersion", expand.Request{ValueSet: base.ValueSet, ForceSystemVersion: map[string]string{"sys": "2"}}},
		{"CheckSystemVersion", expand.Request{ValueSet: base.ValueSet, CheckSystemVersion: map[string]string{"sys": "2"}}},
	}
	for _, tc := range variants {
		if e.expansionKey(tc.req) == baseKey {
			t.Errorf("expansionKey ignores %s: variant hashed identically to the base request", tc.name)
		}
	}
}

func TestEngine_ExpandDifferentPagesOfACachedExpansionDiffer(t *testing.T) {
	e := newTestEngine(t, ts.WithExpansionCache(16, time.Hour, 0))

	vs := &resource.ValueSet{
		Canonical: resource.Canonical{URL: "http://example.org/ValueSet/all-currencies"},
		Compose:   &resource.Compose{Include: []resource.ConceptSet{{System: "urn:iso:std:iso:4217"}}},
	}
	if err := e.RegisterValueSet(vs); err != nil {
		t.Fatalf("RegisterValueSet: %v", err)
	}

	first, outcome := e.Expand(context.Background(), ExpandRequest{Request: expand.Request{ValueSet: vs, Offset: 0, Count: 3}})
	if outcome.HasErrors() || first == nil {
		t.Fatalf("first page: unexpected errors: %v", outcome.Issues)
	}
	second, outcome := e.Expand(context.Background(), ExpandRequest{Request: expand.Request{ValueSet: vs, Offset: 3, Count: 3}})
	if outcome.HasErrors() || second == nil {
		t.Fatalf("second page: unexpected errors: %v", outcome.Issues)
	}

	if len(first.Contains) != 3 || len(second.Contains) != 3 {
		t.Fatalf("expected both pages to carry 3 entries, got %d and %d", len(first.Contains), len(second.Contains))
	}
	if first.Contains[0].Code == second.Contains[0].Code {
		t.Error("expected the second page to be a distinct slice of the cached expansion, not a repeat of the first")
	}
	if first.Total != second.Total {
		t.Errorf("Total should be identical across pages of the same expansion: %d vs %d", first.Total, second.Total)
	}
}

func TestEngine_RegisterCodeSystemSupplementMerge(t *testing.T) {
	e := newTestEngine(t, ts.WithPreloadBuiltins(false))

	base := &resource.CodeSystem{
		Canonical: resource.Canonical{URL: "http://example.org/base", Version: "1"},
		Content:   resource.ContentComplete,
		Concept:   []resource.Concept{{Code: "X", Display: "Base Display"}},
	}
	if err := e.RegisterCodeSystem(base); err != nil {
		t.Fatalf("RegisterCodeSystem(base): %v", err)
	}

	supplement := &resource.CodeSystem{
		Canonical:   resource.Canonical{URL: "http://example.org/supplement", Version: "1"},
		Content:     resource.ContentSupplement,
		Supplements: "http://example.org/base|1",
		Concept: []resource.Concept{
			{Code: "X", Designation: []resource.Designation{{Language: "fr", Value: "Affichage", IsDisplay: true}}},
		},
	}
	if err := e.RegisterCodeSystem(supplement); err != nil {
		t.Fatalf("RegisterCodeSystem(supplement): %v", err)
	}

	p, ok := e.systems.Resolve(context.Background(), "http://example.org/base", "1")
	if !ok {
		t.Fatal("expected the base system still resolvable after supplement registration")
	}
	display, found, err := p.Display(context.Background(), "X", "fr")
	if err != nil || !found {
		t.Fatalf("Display(fr) = %q, %v, %v", display, found, err)
	}
	if display != "Affichage" {
		t.Errorf("Display(fr) = %q; want the supplement's designation", display)
	}
}
