// Package check implements the $validate-code procedure: deciding whether a
// code (or Coding, or CodeableConcept) is a member of a ValueSet or
// CodeSystem, and whether its display string matches what the target
// system considers correct.
package check

import (
	"strings"

	ts "github.com/gofhir/termserver"
	"github.com/gofhir/termserver/expand"
	"github.com/gofhir/termserver/opctx"
	"github.com/gofhir/termserver/provider"
	"github.com/gofhir/termserver/resource"
)

// CodingRef is one coding entry of a validate-code request.
type CodingRef struct {
	System  string
	Version string
	Code    string
	Display string
}

// Request is the normalized $validate-code parameter set. Exactly one of
// (System set directly) or ValueSet should be populated as the validation
// target; Codings holds one or more candidate codings (a bare code+display
// pair is represented as a single-element Codings list).
type Request struct {
	ValueSet *resource.ValueSet

	// System, when set, validates straight against a CodeSystem instead of
	// a ValueSet: membership is "the code exists in the system".
	System string

	Codings []CodingRef

	// AbstractOK permits an abstract concept to validate successfully.
	// FHIR defaults this to false for direct code assignment.
	AbstractOK bool

	// LenientDisplay downgrades a display mismatch from an error issue to
	// a warning. Case/whitespace-only differences are always warnings
	// regardless of this flag.
	LenientDisplay bool
}

// Result is what Checker.ValidateCode returns.
type Result struct {
	Valid bool

	// MatchedSystem/MatchedCode/MatchedDisplay identify which candidate
	// coding validated, and what the target system considers its display.
	MatchedSystem  string
	MatchedVersion string
	MatchedCode    string
	MatchedDisplay string

	// Inactive mirrors the matched concept's inactive flag, when Valid.
	Inactive bool

	// Cause classifies a failed validation (not-found, code-invalid,
	// business-rule, not-supported), per §4.3's response shape. Empty when
	// Valid is true.
	Cause ts.IssueType
}

// Checker validates codes against code systems and value set expansions.
type Checker struct {
	Systems provider.Registry
	Expand  *expand.Expander
}

// NewChecker builds a Checker.
func NewChecker(systems provider.Registry, expander *expand.Expander) *Checker {
	return &Checker{Systems: systems, Expand: expander}
}

// ValidateCode runs the procedure described in §4.3: locate the code in its
// system, check it against the value set's membership (by expanding or
// directly filtering), then compare display strings: a display mismatch is a
// warning when LenientDisplay is set and an error otherwise.
func (c *Checker) ValidateCode(oc *opctx.Context, req Request) (*Result, error) {
	if len(req.Codings) == 0 {
		oc.AddError(ts.IssueTypeInvalid, "no code, coding, or codeableConcept supplied")
		return &Result{Valid: false}, nil
	}

	if req.System != "" {
		return c.validateAgainstSystem(oc, req)
	}
	if req.ValueSet != nil {
		return c.validateAgainstValueSet(oc, req)
	}
	oc.AddError(ts.IssueTypeInvalid, "validate-code requires either a system or a url/valueSet target")
	return &Result{Valid: false}, nil
}

func (c *Checker) validateAgainstSystem(oc *opctx.Context, req Request) (*Result, error) {
	cause := ts.IssueTypeCodeInvalid
	for _, coding := range req.Codings {
		if coding.System != "" && coding.System != req.System {
			continue
		}
		p, ok := c.Systems.Resolve(oc.Ctx, req.System, coding.Version)
		if !ok {
			oc.AddError(ts.IssueTypeNotFound, "unknown code system: "+req.System)
			cause = ts.IssueTypeNotFound
			continue
		}
		detail, found, err := p.Locate(oc.Ctx, coding.Code)
		if err != nil {
			return nil, err
		}
		if !found {
			oc.AddWarning(ts.IssueTypeCodeInvalid, "code not found in system "+req.System+": "+coding.Code)
			cause = ts.IssueTypeCodeInvalid
			continue
		}
		if detail.Abstract && !req.AbstractOK {
			oc.AddError(ts.IssueTypeBusinessRule, "code is abstract and cannot be used directly: "+coding.Code)
			cause = ts.IssueTypeBusinessRule
			continue
		}
		res := &Result{
			Valid:          true,
			MatchedSystem:  p.System(),
			MatchedVersion: p.Version(),
			MatchedCode:    coding.Code,
			MatchedDisplay: detail.Display,
			Inactive:       detail.Inactive,
		}
		checkDisplay(oc, coding.Display, detail.Display, req.LenientDisplay)
		return res, nil
	}
	return &Result{Valid: false, Cause: cause}, nil
}

func (c *Checker) validateAgainstValueSet(oc *opctx.Context, req Request) (*Result, error) {
	vs := req.ValueSet
	cause := ts.IssueTypeCodeInvalid
	for _, coding := range req.Codings {
		m, err := c.isMember(oc, vs, coding)
		if err != nil {
			return nil, err
		}
		if m.inferFailed {
			oc.AddWarning(ts.IssueTypeNotFound, "could not infer a unique code system for code: "+coding.Code)
			cause = ts.IssueTypeNotFound
			continue
		}
		if !m.found {
			cause = ts.IssueTypeCodeInvalid
			continue
		}
		if m.detail.Abstract && !req.AbstractOK {
			oc.AddError(ts.IssueTypeBusinessRule, "code is abstract and cannot be used directly: "+coding.Code)
			cause = ts.IssueTypeBusinessRule
			continue
		}
		res := &Result{
			Valid:          true,
			MatchedSystem:  m.system,
			MatchedVersion: m.version,
			MatchedCode:    coding.Code,
			MatchedDisplay: m.detail.Display,
			Inactive:       m.detail.Inactive,
		}
		checkDisplay(oc, coding.Display, m.detail.Display, req.LenientDisplay)
		return res, nil
	}
	oc.AddWarning(ts.IssueTypeCodeInvalid, "none of the supplied codings are members of the value set")
	return &Result{Valid: false, Cause: cause}, nil
}

// membership is what isMember resolves for one coding: whether it matched,
// its concept detail, and the system/version it matched under (which, when
// the caller supplied no system at all, comes from the provider the code
// was inferred against — the inference path of §4.3 step 1). inferFailed is
// set instead of found when no system was given and inference couldn't
// settle on exactly one candidate.
type membership struct {
	found       bool
	inferFailed bool
	detail      provider.ConceptDetail
	system      string
	version     string
}

// candidateSystems returns the compose's explicit include systems, deduped,
// in declaration order — the candidate pool §4.3 step 1's system inference
// scans when a bare code carries no system.
func candidateSystems(vs *resource.ValueSet) []string {
	if vs.Compose == nil {
		return nil
	}
	seen := make(map[string]bool, len(vs.Compose.Include))
	out := make([]string, 0, len(vs.Compose.Include))
	for _, inc := range vs.Compose.Include {
		if inc.System == "" || seen[inc.System] {
			continue
		}
		seen[inc.System] = true
		out = append(out, inc.System)
	}
	return out
}

// inferSystem implements §4.3 step 1: scan the compose's explicit include
// systems and adopt the one whose provider contains code. Zero matches or
// more than one both count as failure to infer (ambiguous, per the review
// that flagged silent first-match adoption as incorrect).
func (c *Checker) inferSystem(oc *opctx.Context, vs *resource.ValueSet, code string) (provider.Provider, bool, error) {
	var matched provider.Provider
	matches := 0
	for _, system := range candidateSystems(vs) {
		p, ok := c.Systems.Resolve(oc.Ctx, system, "")
		if !ok {
			continue
		}
		_, found, err := p.Locate(oc.Ctx, code)
		if err != nil {
			return nil, false, err
		}
		if found {
			matched = p
			matches++
		}
	}
	if matches != 1 {
		return nil, false, nil
	}
	return matched, true, nil
}

// isMember answers membership by expanding vs with c.Expand directly (no
// expansion cache is consulted, so each call expands afresh) and searching its
// contains entries for a system|code match. When coding carries no system,
// the target system is first inferred via inferSystem; an ambiguous or
// empty inference reports inferFailed rather than matching any entry by
// code alone.
func (c *Checker) isMember(oc *opctx.Context, vs *resource.ValueSet, coding CodingRef) (membership, error) {
	var p provider.Provider
	wantSystem := coding.System
	if coding.System != "" {
		if found, ok := c.Systems.Resolve(oc.Ctx, coding.System, coding.Version); ok {
			p = found
		}
	} else {
		found, ok, err := c.inferSystem(oc, vs, coding.Code)
		if err != nil {
			return membership{}, err
		}
		if !ok {
			return membership{inferFailed: true}, nil
		}
		p = found
		wantSystem = p.System()
	}

	detail := provider.ConceptDetail{Code: coding.Code, Display: coding.Display}
	if p != nil {
		d, found, err := p.Locate(oc.Ctx, coding.Code)
		if err != nil {
			return membership{}, err
		}
		if !found {
			return membership{}, nil
		}
		detail = d
	}

	result, err := c.Expand.Expand(oc, expand.Request{ValueSet: vs})
	if err != nil {
		return membership{}, err
	}
	if result == nil {
		return membership{}, nil
	}
	for _, entry := range result.Expansion.Contains {
		if entry.Code != coding.Code {
			continue
		}
		if wantSystem != "" && entry.System != wantSystem {
			continue
		}
		if detail.Display == "" {
			detail.Display = entry.Display
		}
		detail.Inactive = detail.Inactive || entry.Inactive
		system, version := entry.System, entry.Version
		if p != nil {
			system, version = p.System(), p.Version()
		}
		return membership{found: true, detail: detail, system: system, version: version}, nil
	}
	return membership{}, nil
}

// checkDisplay compares the supplied display against the target's display.
// Differences limited to case, leading/trailing whitespace, and internal
// whitespace runs are always warnings (the "normalised" sensitivity mode of
// §9 is warning-only regardless of lenient). A real text mismatch is a
// warning when lenient is true and an error otherwise, per
// lenient-display-validation.
func checkDisplay(oc *opctx.Context, supplied, canonical string, lenient bool) {
	if supplied == "" || canonical == "" {
		return
	}
	if supplied == canonical {
		return
	}
	if strings.EqualFold(normalizeWhitespace(supplied), normalizeWhitespace(canonical)) {
		oc.AddWarning(ts.IssueTypeInvalid, "display differs only in case or whitespace from '"+canonical+"'")
		return
	}
	msg := "display '" + supplied + "' does not match expected '" + canonical + "'"
	if lenient {
		oc.AddWarning(ts.IssueTypeInvalid, msg)
		return
	}
	oc.AddError(ts.IssueTypeInvalid, msg)
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
