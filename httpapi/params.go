// Package httpapi exposes the engine's four terminology operations over
// the FHIR HTTP surface described in §6: GET query parameters, POST form
// bodies, and POST Parameters-resource JSON bodies all funnel through the
// same normalized parameter bag before reaching the engine.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/gofhir/fhir/r4"
	"github.com/gofhir/termserver/check"
	"github.com/gofhir/termserver/resource"
)

// parameterEntry mirrors one FHIR Parameters.parameter entry: exactly one
// of the Value* fields is populated for a primitive parameter, Resource for
// an inline resource parameter (tx-resource, the inline valueSet), and Part
// for a composite parameter (coding, codeableConcept).
type parameterEntry struct {
	Name           string            `json:"name"`
	ValueString    *string           `json:"valueString"`
	ValueUri       *string           `json:"valueUri"`
	ValueUrl       *string           `json:"valueUrl"`
	ValueCode      *string           `json:"valueCode"`
	ValueCanonical *string           `json:"valueCanonical"`
	ValueBoolean   *bool             `json:"valueBoolean"`
	ValueInteger   *int              `json:"valueInteger"`
	Resource       json.RawMessage   `json:"resource"`
	Part           []parameterEntry  `json:"part"`
}

func (p parameterEntry) scalar() (string, bool) {
	switch {
	case p.ValueString != nil:
		return *p.ValueString, true
	case p.ValueUri != nil:
		return *p.ValueUri, true
	case p.ValueUrl != nil:
		return *p.ValueUrl, true
	case p.ValueCode != nil:
		return *p.ValueCode, true
	case p.ValueCanonical != nil:
		return *p.ValueCanonical, true
	case p.ValueBoolean != nil:
		return strconv.FormatBool(*p.ValueBoolean), true
	case p.ValueInteger != nil:
		return strconv.Itoa(*p.ValueInteger), true
	default:
		return "", false
	}
}

type parametersDoc struct {
	ResourceType string            `json:"resourceType"`
	Parameter    []json.RawMessage `json:"parameter"`
}

// ParamBag is the normalized parameter set for one operation call,
// regardless of whether it arrived as a query string, a form body, or a
// Parameters resource.
type ParamBag struct {
	values    map[string][]string
	resources map[string][]json.RawMessage
	codings   []check.CodingRef

	// codeableConcept retains the raw "codeableConcept" parameter entry
	// (when one was supplied) so §4.3's codeable-concept mode can echo it
	// back verbatim in the validate-code response.
	codeableConcept json.RawMessage
}

func newParamBag() *ParamBag {
	return &ParamBag{values: make(map[string][]string), resources: make(map[string][]json.RawMessage)}
}

// ParseParams builds a ParamBag from c's request: GET query parameters,
// POST form-encoded bodies, and POST application/fhir+json (or plain json)
// Parameters resource bodies are all supported, per §6's "uniform internal
// parameter bag regardless" requirement.
func ParseParams(c echo.Context) (*ParamBag, error) {
	bag := newParamBag()
	req := c.Request()

	if req.Method == http.MethodGet {
		for k, vs := range c.QueryParams() {
			bag.values[k] = append(bag.values[k], vs...)
		}
		return bag, nil
	}

	ct := req.Header.Get(echo.HeaderContentType)
	if strings.Contains(ct, echo.MIMEApplicationForm) {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		for k, vs := range req.Form {
			bag.values[k] = append(bag.values[k], vs...)
		}
		return bag, nil
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return bag, nil
	}
	var doc parametersDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	for _, raw := range doc.Parameter {
		var p parameterEntry
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		bag.addParameter(p, raw)
	}
	return bag, nil
}

func (b *ParamBag) addParameter(p parameterEntry, raw json.RawMessage) {
	switch p.Name {
	case "coding":
		b.codings = append(b.codings, codingFromParts(p.Part))
		return
	case "codeableConcept":
		b.codeableConcept = raw
		for _, part := range p.Part {
			if part.Name == "coding" {
				b.codings = append(b.codings, codingFromParts(part.Part))
			}
		}
		return
	}

	if p.Resource != nil {
		b.resources[p.Name] = append(b.resources[p.Name], p.Resource)
		return
	}
	if v, ok := p.scalar(); ok {
		b.values[p.Name] = append(b.values[p.Name], v)
	}
}

func codingFromParts(parts []parameterEntry) check.CodingRef {
	var ref check.CodingRef
	for _, part := range parts {
		v, ok := part.scalar()
		if !ok {
			continue
		}
		switch part.Name {
		case "system":
			ref.System = v
		case "version":
			ref.Version = v
		case "code":
			ref.Code = v
		case "display":
			ref.Display = v
		}
	}
	return ref
}

// String returns the first value of name, or ok=false if absent.
func (b *ParamBag) String(name string) (string, bool) {
	vs, ok := b.values[name]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// StringDefault is String with a fallback.
func (b *ParamBag) StringDefault(name, def string) string {
	if v, ok := b.String(name); ok {
		return v
	}
	return def
}

// All returns every value given for name, in arrival order.
func (b *ParamBag) All(name string) []string {
	return b.values[name]
}

// SystemVersionMap parses every "url|version" entry given for name into a
// system -> version map, for the system-version/force-system-version/
// check-system-version parameters (§6), each of which may repeat once per
// system the caller wants to pin.
func (b *ParamBag) SystemVersionMap(name string) map[string]string {
	values := b.All(name)
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		idx := strings.LastIndex(v, "|")
		if idx < 0 {
			continue
		}
		out[v[:idx]] = v[idx+1:]
	}
	return out
}

// Bool reports whether name was given as literal "true" (FHIR booleans are
// always exactly "true"/"false" on the wire).
func (b *ParamBag) Bool(name string) bool {
	v, ok := b.String(name)
	return ok && v == "true"
}

// Int returns name parsed as an integer, or def if absent/unparsable.
func (b *ParamBag) Int(name string, def int) int {
	v, ok := b.String(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Codings returns every coding/codeableConcept.coding entry the request
// carried, plus (in Code mode) a single synthesized entry from the bare
// system/version/code/display parameters when no structured coding was
// given at all.
func (b *ParamBag) Codings() []check.CodingRef {
	if len(b.codings) > 0 {
		return b.codings
	}
	system, hasSystem := b.String("system")
	code, hasCode := b.String("code")
	if !hasCode {
		return nil
	}
	ref := check.CodingRef{Code: code}
	if hasSystem {
		ref.System = system
	}
	ref.Version = b.StringDefault("version", "")
	ref.Display = b.StringDefault("display", "")
	return []check.CodingRef{ref}
}

// CodeableConceptEcho returns the original "codeableConcept" parameter entry
// as a generic Parameters part, for echoing back in codeable-concept-mode
// validate-code responses (§4.3). Returns nil when the request carried none.
func (b *ParamBag) CodeableConceptEcho() map[string]any {
	if len(b.codeableConcept) == 0 {
		return nil
	}
	var entry map[string]any
	if err := json.Unmarshal(b.codeableConcept, &entry); err != nil {
		return nil
	}
	return entry
}

// InlineValueSet decodes the "valueSet" parameter's inline resource, if the
// caller supplied one instead of (or alongside) a url reference.
func (b *ParamBag) InlineValueSet() (*resource.ValueSet, bool, error) {
	raws := b.resources["valueSet"]
	if len(raws) == 0 {
		return nil, false, nil
	}
	var vs r4.ValueSet
	if err := json.Unmarshal(raws[0], &vs); err != nil {
		return nil, false, err
	}
	return resource.FromR4ValueSet(&vs), true, nil
}

// TxResources decodes every "tx-resource" parameter into CodeSystem and
// ValueSet overlays, probing each payload's resourceType before choosing
// which r4 type to decode into.
func (b *ParamBag) TxResources() (codeSystems []*resource.CodeSystem, valueSets []*resource.ValueSet, err error) {
	for _, raw := range b.resources["tx-resource"] {
		var probe struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, nil, err
		}
		switch probe.ResourceType {
		case "CodeSystem":
			var cs r4.CodeSystem
			if err := json.Unmarshal(raw, &cs); err != nil {
				return nil, nil, err
			}
			codeSystems = append(codeSystems, resource.FromR4CodeSystem(&cs))
		case "ValueSet":
			var vs r4.ValueSet
			if err := json.Unmarshal(raw, &vs); err != nil {
				return nil, nil, err
			}
			valueSets = append(valueSets, resource.FromR4ValueSet(&vs))
		}
	}
	return codeSystems, valueSets, nil
}

// Languages returns the requested display languages, most preferred first:
// the displayLanguage parameter if given, otherwise the Accept-Language
// header, otherwise nil (meaning "server default").
func Languages(c echo.Context, bag *ParamBag) []string {
	if lang, ok := bag.String("displayLanguage"); ok && lang != "" {
		return []string{lang}
	}
	header := c.Request().Header.Get(echo.HeaderAcceptLanguage)
	if header == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(header, ",") {
		tag := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}
