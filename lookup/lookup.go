// Package lookup implements the $lookup (code detail lookup) and
// $subsumes (hierarchy comparison) operations.
package lookup

import (
	ts "github.com/gofhir/termserver"
	"github.com/gofhir/termserver/opctx"
	"github.com/gofhir/termserver/provider"
)

// Request is the normalized $lookup parameter set.
type Request struct {
	System  string
	Version string
	Code    string

	// Properties restricts which CodeSystem properties are returned;
	// empty means "all".
	Properties []string

	DisplayLanguage string
}

// Result is what Lookup returns: the full concept detail plus the resolved
// system's identity, for the response's "name"/"system"/"version" parts.
type Result struct {
	// Name is the CodeSystem's declared human name, empty when the system
	// declares none (among the built-ins, the MIME and URI open systems).
	Name string

	// System is the code system's canonical URL.
	System  string
	Version string
	Display string
	Detail  provider.ConceptDetail
}

// Service resolves codes and answers subsumption questions against a
// provider registry.
type Service struct {
	Systems provider.Registry
}

// NewService builds a lookup Service.
func NewService(systems provider.Registry) *Service {
	return &Service{Systems: systems}
}

// Lookup implements $lookup.
func (s *Service) Lookup(oc *opctx.Context, req Request) (*Result, error) {
	p, ok := s.Systems.Resolve(oc.Ctx, req.System, req.Version)
	if !ok {
		oc.AddError(ts.IssueTypeNotFound, "unknown code system: "+req.System)
		return nil, nil
	}
	detail, found, err := p.Locate(oc.Ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if !found {
		oc.AddError(ts.IssueTypeNotFound, "code not found: "+req.Code+" in "+req.System)
		return nil, nil
	}

	display := detail.Display
	if req.DisplayLanguage != "" {
		if d, ok, err := p.Display(oc.Ctx, req.Code, req.DisplayLanguage); err == nil && ok {
			display = d
		}
	}

	if len(req.Properties) > 0 {
		filtered := detail.Property[:0:0]
		want := make(map[string]bool, len(req.Properties))
		for _, p := range req.Properties {
			want[p] = true
		}
		for _, prop := range detail.Property {
			if want[prop.Code] {
				filtered = append(filtered, prop)
			}
		}
		detail.Property = filtered
	}

	name := ""
	if namer, ok := provider.AsNamer(p); ok {
		name = namer.Name()
	}
	return &Result{Name: name, System: p.System(), Version: p.Version(), Display: display, Detail: detail}, nil
}

// SubsumesRequest is the normalized $subsumes parameter set.
type SubsumesRequest struct {
	System  string
	Version string
	CodeA   string
	CodeB   string
}

// Subsumes implements $subsumes. Two codes in different systems are always
// not-subsumed: the operation is only meaningful within one system's
// hierarchy.
func (s *Service) Subsumes(oc *opctx.Context, req SubsumesRequest) (provider.Relationship, error) {
	p, ok := s.Systems.Resolve(oc.Ctx, req.System, req.Version)
	if !ok {
		oc.AddError(ts.IssueTypeNotFound, "unknown code system: "+req.System)
		return provider.RelNotSubsumed, nil
	}
	if _, found, err := p.Locate(oc.Ctx, req.CodeA); err != nil {
		return provider.RelNotSubsumed, err
	} else if !found {
		oc.AddError(ts.IssueTypeCodeInvalid, "code not found: "+req.CodeA)
		return provider.RelNotSubsumed, nil
	}
	if _, found, err := p.Locate(oc.Ctx, req.CodeB); err != nil {
		return provider.RelNotSubsumed, err
	} else if !found {
		oc.AddError(ts.IssueTypeCodeInvalid, "code not found: "+req.CodeB)
		return provider.RelNotSubsumed, nil
	}

	sub, ok := provider.AsSubsumer(p)
	if !ok {
		oc.AddWarning(ts.IssueTypeNotSupported, "code system has no hierarchy to compare: "+req.System)
		return provider.RelNotSubsumed, nil
	}
	return sub.Subsumes(oc.Ctx, req.CodeA, req.CodeB)
}
