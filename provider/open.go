package provider

import (
	"context"
	"regexp"

	"github.com/gofhir/termserver/resource"
)

// Open is a provider for systems whose code space is unbounded but whose
// membership is decided by a syntax pattern rather than an enumerated list:
// urn:ietf:bcp:13 (MIME types) and urn:ietf:rfc:3986 (URIs) are the built-in
// examples. Locate always succeeds when the pattern matches; there is no
// Iterate, since the system has no finite concept list to walk.
type Open struct {
	system  string
	version string
	pattern *regexp.Regexp

	// Describe formats a human-readable display for a matched code, when
	// the system has no registry of per-code displays (MIME/URI don't).
	Describe func(code string) string

	// DeclaredName is the system's human name, when it has one.
	DeclaredName string
}

// Name implements Namer.
func (o *Open) Name() string { return o.DeclaredName }

// NewOpen builds an Open provider. pattern is matched against the whole
// code (anchored internally if the caller didn't anchor it).
func NewOpen(system, version string, pattern *regexp.Regexp, describe func(string) string) *Open {
	return &Open{system: system, version: version, pattern: pattern, Describe: describe}
}

func (o *Open) System() string      { return o.system }
func (o *Open) Version() string     { return o.version }
func (o *Open) CaseSensitive() bool { return true }

// ContentMode reports ContentComplete: a pattern-validated system's
// membership rule is fully defined by its pattern, even though its code
// space is unbounded (TotalCount, not ContentMode, is what signals that).
func (o *Open) ContentMode() resource.ContentMode { return resource.ContentComplete }

func (o *Open) Locate(_ context.Context, code string) (ConceptDetail, bool, error) {
	if !o.pattern.MatchString(code) {
		return ConceptDetail{}, false, nil
	}
	display := code
	if o.Describe != nil {
		display = o.Describe(code)
	}
	return ConceptDetail{Code: code, Display: display}, true, nil
}

func (o *Open) Display(ctx context.Context, code, _ string) (string, bool, error) {
	d, ok, err := o.Locate(ctx, code)
	return d.Display, ok, err
}

// Filter rejects every operator: an Open provider's membership test is the
// pattern itself, there is nothing further to narrow by.
func (o *Open) Filter(_ context.Context, _ string, op resource.FilterOp, _ string) ([]string, error) {
	return nil, ErrNotSupported{Op: op}
}
