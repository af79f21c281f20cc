// Package expand implements the $expand operation: realizing a ValueSet's
// compose rules (or returning its already-built expansion) into a flat,
// paged list of codes.
//
// The algorithm runs in six steps: (1) resolve the target ValueSet and
// guard against import cycles, (2) union every compose.include rule,
// (3) subtract every compose.exclude rule (exclude always dominates),
// (4) apply the textFilter and activeOnly constraints, (5) deduplicate by
// system|version|code, (6) page the result and mark it partial if the
// engine's result cap or the operation deadline cut it short.
package expand

import (
	"context"
	"strings"

	ts "github.com/gofhir/termserver"
	"github.com/gofhir/termserver/opctx"
	"github.com/gofhir/termserver/pool"
	"github.com/gofhir/termserver/provider"
	"github.com/gofhir/termserver/resource"
)

// ValueSetResolver resolves a canonical ValueSet reference ("url" or
// "url|version") to its resource, for compose.include.valueSet imports.
type ValueSetResolver interface {
	ResolveValueSet(ctx context.Context, ref string) (*resource.ValueSet, bool)
}

// Expander realizes ValueSet expansions against a code-system registry and
// a value-set resolver.
type Expander struct {
	Systems   provider.Registry
	ValueSets ValueSetResolver

	// ResultCap bounds how many contains entries a single expansion will
	// admit before it's truncated and marked partial.
	ResultCap int
}

// NewExpander builds an Expander. resultCap <= 0 disables the cap.
func NewExpander(systems provider.Registry, valueSets ValueSetResolver, resultCap int) *Expander {
	return &Expander{Systems: systems, ValueSets: valueSets, ResultCap: resultCap}
}

type entryKey struct {
	system, version, code string
}

// entryMapPool pools the system|version|code -> entry maps used to dedup
// concept-set output during one expansion: one for the top-level
// include/exclude pass in Expand, one per nested value-set import in
// resolveConceptSet.
var entryMapPool = pool.NewMapPool[entryKey, resource.ExpansionContains](64)

// Expand realizes req.ValueSet's expansion within oc's deadline and cycle
// path.
func (e *Expander) Expand(oc *opctx.Context, req Request) (*Result, error) {
	vs := req.ValueSet
	if vs == nil {
		oc.AddError(ts.IssueTypeInvalid, "no ValueSet to expand")
		return nil, nil
	}

	if vs.Compose == nil && vs.Expansion != nil {
		return e.pageExisting(oc, vs.Expansion, req), nil
	}

	vurl := vs.VURL()
	isTop := len(oc.Path()) == 0
	oc.NoteValueSet(vurl)
	if !oc.PushPath(vurl) {
		oc.AddError(ts.IssueTypeCycleDetected, "value set import cycle detected: "+oc.CyclePath(vurl))
		return nil, nil
	}
	defer oc.PopPath()

	if vs.Compose == nil {
		oc.AddError(ts.IssueTypeInvalid, "value set has neither compose nor expansion")
		return nil, nil
	}

	// included tracks first-seen entries by key; order preserves the
	// declaration order of compose.include (§4.2 step 5), not an
	// alphabetical resort.
	included := entryMapPool.Acquire()
	defer entryMapPool.Release(included)
	order := make([]entryKey, 0, 32)
	partial := false

	for _, inc := range vs.Compose.Include {
		if oc.ShouldStop() {
			partial = true
			break
		}
		codes, p, err := e.resolveConceptSet(oc, inc, req)
		if err != nil {
			return nil, err
		}
		partial = partial || p
		for _, c := range codes {
			k := entryKeyOf(c)
			if _, dup := included[k]; !dup {
				order = append(order, k)
			}
			included[k] = c
		}
	}

	for _, exc := range vs.Compose.Exclude {
		if oc.ShouldStop() {
			partial = true
			break
		}
		codes, _, err := e.resolveConceptSet(oc, exc, req)
		if err != nil {
			return nil, err
		}
		for _, c := range codes {
			delete(included, entryKeyOf(c))
		}
	}

	filtered := make([]resource.ExpansionContains, 0, len(order))
	for _, k := range order {
		c, ok := included[k]
		if !ok {
			continue // removed by an exclude
		}
		if req.ActiveOnly && c.Inactive {
			continue
		}
		if req.Filter != "" && !matchesFilter(c, req.Filter) {
			continue
		}
		filtered = append(filtered, c)
	}

	if e.ResultCap > 0 && len(filtered) > e.ResultCap {
		filtered = filtered[:e.ResultCap]
		partial = true
	}

	exp := &resource.Expansion{
		Total:    len(filtered),
		HasTotal: !partial,
		Offset:   req.Offset,
	}
	exp.Contains = page(filtered, req.Offset, req.Count)
	if partial {
		oc.AddWarning(ts.IssueTypeTooCostly, "expansion truncated before completion")
	}
	if isTop {
		exp.Parameter = echoedParameters(req, oc)
	}
	return &Result{Expansion: exp, Partial: partial}, nil
}

// echoedParameters builds the expansion.parameter entries §4.2 step 6 lists:
// every toggle that shaped this expansion, plus the systems and imported
// value sets it actually consulted.
func echoedParameters(req Request, oc *opctx.Context) []resource.ExpansionParameter {
	params := []resource.ExpansionParameter{
		{Name: "offset", Value: req.Offset},
		{Name: "count", Value: req.Count},
		{Name: "activeOnly", Value: req.ActiveOnly},
		{Name: "includeDesignations", Value: req.IncludeDesignations},
		{Name: "excludeNested", Value: req.ExcludeNested},
		{Name: "excludeNotForUI", Value: req.ExcludeNotForUI},
		{Name: "excludePostCoordinated", Value: req.ExcludePostCoordinated},
		{Name: "limitedExpansion", Value: req.LimitedExpansion},
	}
	if req.Filter != "" {
		params = append(params, resource.ExpansionParameter{Name: "filter", Value: req.Filter})
	}
	if req.DisplayLanguage != "" {
		params = append(params, resource.ExpansionParameter{Name: "displayLanguage", Value: req.DisplayLanguage})
	}
	for _, system := range oc.UsedSystems() {
		params = append(params, resource.ExpansionParameter{Name: "used-codesystem", Value: system})
	}
	for _, vurl := range oc.UsedValueSets() {
		params = append(params, resource.ExpansionParameter{Name: "used-valueset", Value: vurl})
	}
	return params
}

func entryKeyOf(c resource.ExpansionContains) entryKey {
	return entryKey{system: c.System, version: c.Version, code: c.Code}
}

func matchesFilter(c resource.ExpansionContains, filter string) bool {
	f := strings.ToLower(filter)
	if strings.Contains(strings.ToLower(c.Code), f) || strings.Contains(strings.ToLower(c.Display), f) {
		return true
	}
	for _, d := range c.Designation {
		if strings.Contains(strings.ToLower(d.Value), f) {
			return true
		}
	}
	return false
}

func page(items []resource.ExpansionContains, offset, count int) []resource.ExpansionContains {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []resource.ExpansionContains{}
	}
	end := len(items)
	if count > 0 && offset+count < end {
		end = offset + count
	}
	out := make([]resource.ExpansionContains, end-offset)
	copy(out, items[offset:end])
	return out
}

func (e *Expander) pageExisting(oc *opctx.Context, exp *resource.Expansion, req Request) *Result {
	items := exp.Contains
	if req.Filter != "" {
		filtered := make([]resource.ExpansionContains, 0, len(items))
		for _, c := range items {
			if matchesFilter(c, req.Filter) {
				filtered = append(filtered, c)
			}
		}
		items = filtered
	}
	out := &resource.Expansion{
		Identifier: exp.Identifier,
		Total:      len(items),
		HasTotal:   true,
		Offset:     req.Offset,
		Contains:   page(items, req.Offset, req.Count),
	}
	return &Result{Expansion: out}
}

// resolveConceptSet realizes one compose.include/exclude entry into a flat
// list. partial reports whether this entry's work was cut short: by the
// deadline, or by a system whose content cannot be enumerated.
func (e *Expander) resolveConceptSet(oc *opctx.Context, cs resource.ConceptSet, req Request) ([]resource.ExpansionContains, bool, error) {
	var fromSystem []resource.ExpansionContains
	var sysPartial bool
	haveSystem := cs.HasSystem()

	if haveSystem {
		codes, partial, err := e.resolveFromSystem(oc, cs, req)
		if err != nil {
			return nil, partial, err
		}
		fromSystem = codes
		sysPartial = partial
	}

	if len(cs.ValueSet) == 0 {
		return fromSystem, sysPartial, nil
	}

	// Intersect/union with imported value sets: when a system is also
	// named, the nested value sets restrict it (AND); otherwise their
	// union is the result of this include entry (OR), in first-seen order
	// across the imported sets.
	nested := entryMapPool.Acquire()
	defer entryMapPool.Release(nested)
	nestedOrder := make([]entryKey, 0, 32)
	for _, ref := range cs.ValueSet {
		if oc.ShouldStop() {
			return finalize(fromSystem, nestedOrder, nested, haveSystem), true, nil
		}
		nvs, ok := e.ValueSets.ResolveValueSet(oc.Ctx, ref)
		if !ok {
			oc.AddWarning(ts.IssueTypeNotFound, "imported value set not found: "+ref)
			continue
		}
		res, err := e.Expand(oc, Request{
			ValueSet:               nvs,
			ActiveOnly:             req.ActiveOnly,
			IncompleteOK:           req.IncompleteOK,
			LimitedExpansion:       req.LimitedExpansion,
			ForceSystemVersion:     req.ForceSystemVersion,
			CheckSystemVersion:     req.CheckSystemVersion,
			ExcludeNested:          req.ExcludeNested,
			ExcludeNotForUI:        req.ExcludeNotForUI,
			ExcludePostCoordinated: req.ExcludePostCoordinated,
			IncludeDesignations:    req.IncludeDesignations,
			ValuesetMembershipOnly: req.ValuesetMembershipOnly,
		})
		if err != nil {
			return nil, false, err
		}
		if res == nil {
			continue
		}
		for _, c := range res.Expansion.Contains {
			k := entryKeyOf(c)
			if _, dup := nested[k]; !dup {
				nestedOrder = append(nestedOrder, k)
			}
			nested[k] = c
		}
	}

	return finalize(fromSystem, nestedOrder, nested, haveSystem), sysPartial, nil
}

func finalize(fromSystem []resource.ExpansionContains, nestedOrder []entryKey, nested map[entryKey]resource.ExpansionContains, haveSystem bool) []resource.ExpansionContains {
	if !haveSystem {
		out := make([]resource.ExpansionContains, 0, len(nestedOrder))
		for _, k := range nestedOrder {
			out = append(out, nested[k])
		}
		return out
	}
	out := make([]resource.ExpansionContains, 0, len(fromSystem))
	for _, c := range fromSystem {
		if _, ok := nested[entryKeyOf(c)]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (e *Expander) resolveFromSystem(oc *opctx.Context, cs resource.ConceptSet, req Request) ([]resource.ExpansionContains, bool, error) {
	version := cs.Version
	if forced, ok := req.ForceSystemVersion[cs.System]; ok && forced != "" {
		version = forced
	} else if want, ok := req.CheckSystemVersion[cs.System]; ok && want != "" {
		if cs.Version != "" && cs.Version != want {
			oc.AddError(ts.IssueTypeInvalid, "check-system-version: "+cs.System+" include carries version "+cs.Version+", expected "+want)
			return nil, false, nil
		}
		version = want
	}

	p, ok := e.Systems.Resolve(oc.Ctx, cs.System, version)
	if !ok {
		if req.IncompleteOK {
			oc.AddWarning(ts.IssueTypeNotFound, "unknown code system: "+cs.System)
			return nil, false, nil
		}
		oc.AddError(ts.IssueTypeNotFound, "unknown code system: "+cs.System)
		return nil, false, nil
	}
	oc.NoteSystem(p.System(), p.Version())

	switch p.ContentMode() {
	case resource.ContentNotPresent:
		oc.AddError(ts.IssueTypeNotFound, "code system has no content (content=not-present): "+cs.System)
		return nil, false, nil
	case resource.ContentSupplement:
		oc.AddError(ts.IssueTypeSupplementMissing, "cannot expand a supplement code system directly: "+cs.System)
		return nil, false, nil
	case resource.ContentFragment, resource.ContentExample:
		if !req.IncompleteOK {
			oc.AddError(ts.IssueTypeInvalid, "code system "+cs.System+" is a "+string(p.ContentMode())+"; set incomplete-ok=true to include it")
			return nil, false, nil
		}
		oc.AddWarning(ts.IssueTypeInformational, "code system "+cs.System+" is a "+string(p.ContentMode())+": expansion may be incomplete")
	}

	// codesBuf backs the two branches below that build codes incrementally;
	// its lifetime is confined to this call, fully consumed into out before
	// return. The filter branch computes an unrelated fresh slice instead.
	codesBuf := pool.AcquireStringSlice()
	defer pool.ReleaseStringSlice(codesBuf)

	var codes []string
	switch {
	case len(cs.Concept) > 0:
		for _, c := range cs.Concept {
			*codesBuf = append(*codesBuf, c.Code)
		}
		codes = *codesBuf
	case len(cs.Filter) > 0:
		filterer, ok := provider.AsFilterer(p)
		if !ok {
			oc.AddWarning(ts.IssueTypeNotSupported, "code system does not support filtering: "+cs.System)
			return nil, false, nil
		}
		var sets [][]string
		for _, f := range cs.Filter {
			fc, err := filterer.Filter(oc.Ctx, f.Property, f.Op, f.Value)
			if err != nil {
				if _, unsupported := err.(provider.ErrNotSupported); unsupported {
					oc.AddWarning(ts.IssueTypeNotSupported, "unsupported filter operator "+string(f.Op)+" on "+cs.System)
					continue
				}
				return nil, false, err
			}
			sets = append(sets, fc)
		}
		codes = intersect(sets)
	default:
		it, ok := provider.AsIterator(p)
		if !ok {
			if !req.LimitedExpansion {
				oc.AddError(ts.IssueTypeTooCostly, "enumerating all of "+cs.System+" without a filter is too costly; set limitedExpansion=true to accept a partial result")
				return nil, true, nil
			}
			oc.AddWarning(ts.IssueTypeTooCostly, "code system has no enumerable content: "+cs.System)
			return nil, true, nil
		}
		err := it.Iterate(oc.Ctx, func(d provider.ConceptDetail) bool {
			if oc.Expired() {
				return false
			}
			*codesBuf = append(*codesBuf, d.Code)
			return true
		})
		if err != nil {
			return nil, false, err
		}
		codes = *codesBuf
	}

	out := make([]resource.ExpansionContains, 0, len(codes))
	for _, code := range codes {
		display := ""
		for _, ref := range cs.Concept {
			if ref.Code == code && ref.Display != "" {
				display = ref.Display
				break
			}
		}

		if req.ValuesetMembershipOnly {
			out = append(out, resource.ExpansionContains{
				System: p.System(), Version: p.Version(), Code: code, Display: display,
			})
			continue
		}

		needDetail := display == "" || req.IncludeDesignations ||
			req.ExcludeNested || req.ExcludeNotForUI || req.ExcludePostCoordinated
		var detail provider.ConceptDetail
		haveDetail := false
		if needDetail {
			if d, ok, err := p.Locate(oc.Ctx, code); err == nil && ok {
				detail = d
				haveDetail = true
				if display == "" {
					display = d.Display
				}
			}
		}

		if req.ExcludeNested && detail.Abstract {
			continue
		}
		if req.ExcludeNotForUI && hasTrueProperty(detail.Property, "notSelectable") {
			continue
		}
		if req.ExcludePostCoordinated && hasTrueProperty(detail.Property, "postcoordination") {
			continue
		}

		entry := resource.ExpansionContains{
			System:   p.System(),
			Version:  p.Version(),
			Code:     code,
			Display:  display,
			Abstract: detail.Abstract,
			Inactive: detail.Inactive,
		}
		if haveDetail && req.IncludeDesignations {
			entry.Designation = detail.Designation
		}
		out = append(out, entry)
	}
	return out, false, nil
}

// hasTrueProperty reports whether props contains code with a boolean true
// value.
func hasTrueProperty(props []resource.Property, code string) bool {
	for _, p := range props {
		if p.Code != code {
			continue
		}
		if b, ok := p.Value.(bool); ok {
			return b
		}
	}
	return false
}

func intersect(sets [][]string) []string {
	if len(sets) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, s := range sets {
		seen := make(map[string]bool, len(s))
		for _, code := range s {
			if !seen[code] {
				counts[code]++
				seen[code] = true
			}
		}
	}
	out := make([]string, 0, len(counts))
	for code, n := range counts {
		if n == len(sets) {
			out = append(out, code)
		}
	}
	return out
}
