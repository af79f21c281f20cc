package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	ts "github.com/gofhir/termserver"
	"github.com/gofhir/termserver/check"
	"github.com/gofhir/termserver/engine"
	"github.com/gofhir/termserver/expand"
	"github.com/gofhir/termserver/lookup"
	"github.com/gofhir/termserver/resource"
)

// Server wires the engine's operations onto the HTTP routes §6 describes.
// It holds no state of its own beyond the engine: every request is
// independent, and anything that needs to survive a request (registered
// resources, caches) already lives in the Engine.
type Server struct {
	engine *engine.Engine
	echo   *echo.Echo
}

// NewServer builds a Server and registers its routes on a fresh echo
// instance. The caller drives it with Start or ServeHTTP directly (for
// tests, via httptest).
func NewServer(eng *engine.Engine) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{engine: eng, echo: e}
	s.routes()
	return s
}

// Echo exposes the underlying echo instance, for tests that want to drive
// requests through httptest.NewServer or echo's own test recorder.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start begins serving on addr. Blocks until the listener fails or is
// closed; the caller is expected to run it in its own goroutine and close
// it via Echo().Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) routes() {
	s.echo.GET("/metadata", s.handleMetadata)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		s.echo.Add(method, "/ValueSet/$expand", s.handleExpand)
		s.echo.Add(method, "/ValueSet/:id/$expand", s.handleExpand)
		s.echo.Add(method, "/ValueSet/$validate-code", s.handleValidateCodeValueSet)
		s.echo.Add(method, "/ValueSet/:id/$validate-code", s.handleValidateCodeValueSet)
		s.echo.Add(method, "/CodeSystem/$validate-code", s.handleValidateCodeSystem)
		s.echo.Add(method, "/CodeSystem/:id/$validate-code", s.handleValidateCodeSystem)
		s.echo.Add(method, "/CodeSystem/$lookup", s.handleLookup)
		s.echo.Add(method, "/CodeSystem/$subsumes", s.handleSubsumes)
	}
}

// handleMetadata reports the registered code systems, mostly so an operator
// (or a test) can confirm what a running instance has loaded without
// reaching for its logs.
func (s *Server) handleMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"codeSystem":   s.engine.Systems(),
	})
}

// resolveValueSet locates the $expand/$validate-code target value set in
// priority order: an inline "valueSet" parameter resource, the :id route
// param against the engine's by-id store, then the "url" (+ "valueSetVersion")
// parameter against the engine's canonical store.
func (s *Server) resolveValueSet(c echo.Context, bag *ParamBag) (*resource.ValueSet, error) {
	if inline, ok, err := bag.InlineValueSet(); err != nil {
		return nil, err
	} else if ok {
		return inline, nil
	}
	if id := c.Param("id"); id != "" {
		if vs, ok := s.engine.ValueSetByID(id); ok {
			return vs, nil
		}
		return nil, nil
	}
	url, hasURL := bag.String("url")
	if !hasURL {
		return nil, nil
	}
	version := bag.StringDefault("valueSetVersion", "")
	ref := url
	if version != "" {
		ref = url + "|" + version
	}
	vs, _ := s.engine.ResolveValueSet(c.Request().Context(), ref)
	return vs, nil
}

func (s *Server) handleExpand(c echo.Context) error {
	bag, err := ParseParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, operationOutcome(badRequestOutcome(err), false))
	}

	vs, err := s.resolveValueSet(c, bag)
	if err != nil {
		return c.JSON(http.StatusBadRequest, operationOutcome(badRequestOutcome(err), false))
	}
	if vs == nil {
		return c.JSON(http.StatusNotFound, operationOutcome(issueOutcome(ts.IssueTypeNotFound, errNotFoundValueSet), false))
	}

	extraCS, extraVS, err := bag.TxResources()
	if err != nil {
		return c.JSON(http.StatusBadRequest, operationOutcome(badRequestOutcome(err), false))
	}

	languages := Languages(c, bag)
	displayLanguage := ""
	if len(languages) > 0 {
		displayLanguage = languages[0]
	}

	forceVersion := bag.SystemVersionMap("force-system-version")
	for system, version := range bag.SystemVersionMap("system-version") {
		if forceVersion == nil {
			forceVersion = make(map[string]string)
		}
		if _, already := forceVersion[system]; !already {
			forceVersion[system] = version
		}
	}

	req := engine.ExpandRequest{
		Request: expand.Request{
			ValueSet:               vs,
			Filter:                 bag.StringDefault("filter", ""),
			Offset:                 bag.Int("offset", 0),
			Count:                  bag.Int("count", 0),
			DisplayLanguage:        displayLanguage,
			IncludeDesignations:    bag.Bool("includeDesignations"),
			ActiveOnly:             bag.Bool("activeOnly"),
			CacheID:                bag.StringDefault("cache-id", ""),
			IncompleteOK:           bag.Bool("incomplete-ok"),
			LimitedExpansion:       bag.Bool("limitedExpansion"),
			ForceSystemVersion:     forceVersion,
			CheckSystemVersion:     bag.SystemVersionMap("check-system-version"),
			ExcludeNested:          bag.Bool("excludeNested"),
			ExcludeNotForUI:        bag.Bool("excludeNotForUI"),
			ExcludePostCoordinated: bag.Bool("excludePostCoordinated"),
			IncludeDefinition:      bag.Bool("includeDefinition"),
			ValuesetMembershipOnly: bag.Bool("valueset-membership-only"),
		},
		ViaPool: true,
	}

	expansion, oc := s.engine.ExpandScoped(c.Request().Context(), req, extraCS, extraVS)
	if expansion == nil {
		return writeOutcome(c, oc, bag.Bool("diagnostics"))
	}

	out := &resource.ValueSet{
		Canonical: resource.Canonical{URL: vs.URL, Version: vs.Version, Status: vs.Status, Name: vs.Name, Title: vs.Title},
		Compose:   vs.Compose,
		Expansion: expansion,
	}
	return c.JSON(http.StatusOK, resource.ToR4ValueSet(out))
}

func (s *Server) handleValidateCodeValueSet(c echo.Context) error {
	bag, err := ParseParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, operationOutcome(badRequestOutcome(err), false))
	}

	vs, err := s.resolveValueSet(c, bag)
	if err != nil {
		return c.JSON(http.StatusBadRequest, operationOutcome(badRequestOutcome(err), false))
	}
	if vs == nil {
		return c.JSON(http.StatusNotFound, operationOutcome(issueOutcome(ts.IssueTypeNotFound, errNotFoundValueSet), false))
	}

	extraCS, extraVS, err := bag.TxResources()
	if err != nil {
		return c.JSON(http.StatusBadRequest, operationOutcome(badRequestOutcome(err), false))
	}

	req := check.Request{
		ValueSet:       vs,
		Codings:        bag.Codings(),
		AbstractOK:     bag.Bool("abstract"),
		LenientDisplay: bag.Bool("lenient-display-validation"),
	}
	result, oc := s.engine.ValidateCodeScoped(c.Request().Context(), req, extraCS, extraVS)
	return s.writeValidateCodeResult(c, result, oc, bag.Bool("diagnostics"), bag.CodeableConceptEcho())
}

func (s *Server) handleValidateCodeSystem(c echo.Context) error {
	bag, err := ParseParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, operationOutcome(badRequestOutcome(err), false))
	}

	system := bag.StringDefault("url", bag.StringDefault("system", ""))
	if id := c.Param("id"); id != "" {
		if cs, ok := s.engine.CodeSystemByID(id); ok {
			system = cs.URL
		}
	}
	if system == "" {
		return c.JSON(http.StatusBadRequest, operationOutcome(badRequestOutcome(errNoSystem), false))
	}

	req := check.Request{
		System:         system,
		Codings:        bag.Codings(),
		AbstractOK:     bag.Bool("abstract"),
		LenientDisplay: bag.Bool("lenient-display-validation"),
	}
	result, oc := s.engine.ValidateCode(c.Request().Context(), req)
	return s.writeValidateCodeResult(c, result, oc, bag.Bool("diagnostics"), bag.CodeableConceptEcho())
}

// writeValidateCodeResult renders a $validate-code Result per §4.3's response
// shape. ccEcho, when non-nil, is the original codeableConcept parameter
// entry to echo back verbatim (codeable-concept mode only).
func (s *Server) writeValidateCodeResult(c echo.Context, result *check.Result, oc *ts.Outcome, withSteps bool, ccEcho map[string]any) error {
	if result == nil {
		return writeOutcome(c, oc, withSteps)
	}
	entries := []map[string]any{paramBool("result", result.Valid)}
	if result.Valid {
		entries = append(entries,
			paramCode("code", result.MatchedCode),
			paramURI("system", result.MatchedSystem),
		)
		if result.MatchedVersion != "" {
			entries = append(entries, paramString("version", result.MatchedVersion))
		}
		if result.MatchedDisplay != "" {
			entries = append(entries, paramString("display", result.MatchedDisplay))
		}
		if result.Inactive {
			entries = append(entries, paramBool("inactive", true))
		}
	} else if result.Cause != "" {
		entries = append(entries, paramCode("cause", string(result.Cause)))
	}
	if msg, ok := firstIssueMessage(oc); ok {
		entries = append(entries, paramString("message", msg))
	}
	if ccEcho != nil {
		entries = append(entries, ccEcho)
	}
	return c.JSON(http.StatusOK, parametersResource(entries...))
}

func (s *Server) handleLookup(c echo.Context) error {
	bag, err := ParseParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, operationOutcome(badRequestOutcome(err), false))
	}

	codings := bag.Codings()
	if len(codings) == 0 {
		return c.JSON(http.StatusBadRequest, operationOutcome(badRequestOutcome(errNoCoding), false))
	}
	coding := codings[0]

	req := lookup.Request{
		System:          coding.System,
		Version:         coding.Version,
		Code:            coding.Code,
		Properties:      bag.All("property"),
		DisplayLanguage: bag.StringDefault("displayLanguage", ""),
	}
	result, oc := s.engine.Lookup(c.Request().Context(), req)
	if result == nil {
		return writeOutcome(c, oc, bag.Bool("diagnostics"))
	}

	entries := []map[string]any{}
	if result.Name != "" {
		entries = append(entries, paramString("name", result.Name))
	}
	entries = append(entries, paramURI("system", result.System))
	if result.Version != "" {
		entries = append(entries, paramString("version", result.Version))
	}
	entries = append(entries, paramString("display", result.Display))
	if result.Detail.Definition != "" {
		entries = append(entries, paramString("definition", result.Detail.Definition))
	}
	if result.Detail.Abstract {
		entries = append(entries, paramBool("abstract", true))
	}
	if result.Detail.Inactive {
		entries = append(entries, paramBool("inactive", true))
	}
	for _, prop := range result.Detail.Property {
		entries = append(entries, propertyPart(prop))
	}
	for _, d := range result.Detail.Designation {
		entries = append(entries, designationPart(d))
	}
	return c.JSON(http.StatusOK, parametersResource(entries...))
}

func (s *Server) handleSubsumes(c echo.Context) error {
	bag, err := ParseParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, operationOutcome(badRequestOutcome(err), false))
	}

	system := bag.StringDefault("system", "")
	version := bag.StringDefault("version", "")
	codeA := bag.StringDefault("codeA", "")
	codeB := bag.StringDefault("codeB", "")
	if codings := bag.Codings(); system == "" && len(codings) > 0 {
		system = codings[0].System
	}
	if system == "" || codeA == "" || codeB == "" {
		return c.JSON(http.StatusBadRequest, operationOutcome(badRequestOutcome(errSubsumesArgs), false))
	}

	rel, oc := s.engine.Subsumes(c.Request().Context(), lookup.SubsumesRequest{
		System: system, Version: version, CodeA: codeA, CodeB: codeB,
	})
	if oc != nil && oc.HasErrors() {
		return writeOutcome(c, oc, bag.Bool("diagnostics"))
	}
	return c.JSON(http.StatusOK, parametersResource(paramCode("outcome", string(rel))))
}

// propertyPart renders a CodeSystem concept property as a $lookup "property"
// part group (name/value/description), per the operation's response shape.
func propertyPart(p resource.Property) map[string]any {
	part := []map[string]any{paramCode("code", p.Code)}
	switch v := p.Value.(type) {
	case string:
		part = append(part, paramString("value", v))
	case bool:
		part = append(part, paramBool("value", v))
	default:
		if s, ok := p.StringValue(); ok {
			part = append(part, paramString("value", s))
		} else if d, ok := p.DecimalValue(); ok {
			part = append(part, paramString("value", d.String()))
		}
	}
	return map[string]any{"name": "property", "part": part}
}

func designationPart(d resource.Designation) map[string]any {
	part := []map[string]any{paramString("value", d.Value)}
	if d.Language != "" {
		part = append(part, paramCode("language", d.Language))
	}
	if d.Use != "" {
		part = append(part, paramCode("use", d.Use))
	}
	return map[string]any{"name": "designation", "part": part}
}
