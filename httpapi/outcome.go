package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	ts "github.com/gofhir/termserver"
)

var (
	errNotFoundValueSet = errors.New("value set not found")
	errNoSystem         = errors.New("no code system url given")
	errNoCoding         = errors.New("no code or coding supplied")
	errSubsumesArgs     = errors.New("subsumes requires system, codeA, and codeB")
)

// badRequestOutcome wraps a request-parsing error (malformed body, unknown
// target) as a one-issue Outcome, for handlers that fail before an opctx.Context
// exists to accumulate issues on.
func badRequestOutcome(err error) *ts.Outcome {
	return issueOutcome(ts.IssueTypeInvalid, err)
}

func issueOutcome(code ts.IssueType, err error) *ts.Outcome {
	oc := ts.NewOutcome()
	oc.AddError(code, err.Error())
	return oc
}

// firstIssueMessage returns the diagnostics of oc's first issue, if any, for
// embedding as a validate-code response's informational "message" parameter.
func firstIssueMessage(oc *ts.Outcome) (string, bool) {
	if oc == nil || len(oc.Issues) == 0 {
		return "", false
	}
	return oc.Issues[0].Diagnostics, true
}

// operationOutcome renders an *ts.Outcome's issues as a FHIR
// OperationOutcome resource body. When withSteps is set (the caller's
// "diagnostics" parameter), an extra informational issue carrying the
// operation's step log is appended.
func operationOutcome(oc *ts.Outcome, withSteps bool) map[string]any {
	issues := make([]map[string]any, 0, len(oc.Issues)+1)
	for _, iss := range oc.Issues {
		entry := map[string]any{
			"severity": string(iss.Severity),
			"code":     issueTypeToFHIRCode(iss.Code),
		}
		if iss.Diagnostics != "" {
			entry["diagnostics"] = iss.Diagnostics
		}
		if len(iss.Expression) > 0 {
			entry["expression"] = iss.Expression
		}
		issues = append(issues, entry)
	}
	if withSteps && len(oc.Steps) > 0 {
		issues = append(issues, map[string]any{
			"severity":    "information",
			"code":        "informational",
			"diagnostics": strings.Join(oc.Steps, "; "),
		})
	}
	return map[string]any{
		"resourceType": "OperationOutcome",
		"issue":        issues,
	}
}

// issueTypeToFHIRCode maps this server's internal issue taxonomy (§7) onto
// the closest standard FHIR IssueType code, since OperationOutcome.issue.code
// is bound to FHIR's own value set rather than this server's extended one.
func issueTypeToFHIRCode(t ts.IssueType) string {
	switch t {
	case ts.IssueTypeInvalid, ts.IssueTypeCycleDetected:
		return "invalid"
	case ts.IssueTypeNotFound:
		return "not-found"
	case ts.IssueTypeCodeInvalid:
		return "code-invalid"
	case ts.IssueTypeBusinessRule:
		return "business-rule"
	case ts.IssueTypeNotSupported:
		return "not-supported"
	case ts.IssueTypeTooCostly:
		return "too-costly"
	case ts.IssueTypeSupplementMissing:
		return "not-found"
	default:
		return "processing"
	}
}

// writeOutcome renders a failed operation's outcome with the HTTP status
// its dominant issue type maps to (§6's status table), defaulting to 500
// when no error/fatal issue was recorded (a programmer error: the caller
// should not have reached here with a non-failing Outcome).
func writeOutcome(c echo.Context, oc *ts.Outcome, withSteps bool) error {
	status := http.StatusInternalServerError
	if code, ok := oc.DominantIssueType(); ok {
		status = code.HTTPStatus()
	}
	return c.JSON(status, operationOutcome(oc, withSteps))
}

// paramString and its siblings below each build one Parameters.parameter
// entry, covering the primitive value shapes this server's responses use.
func paramString(name, value string) map[string]any {
	return map[string]any{"name": name, "valueString": value}
}

func paramCode(name, value string) map[string]any {
	return map[string]any{"name": name, "valueCode": value}
}

func paramURI(name, value string) map[string]any {
	return map[string]any{"name": name, "valueUri": value}
}

func paramBool(name string, value bool) map[string]any {
	return map[string]any{"name": name, "valueBoolean": value}
}

func paramInteger(name string, value int) map[string]any {
	return map[string]any{"name": name, "valueInteger": value}
}

// parametersResource wraps entries in a FHIR Parameters resource body,
// skipping any nil entry (a convenience for conditionally-included
// parameters like "version" or "inactive").
func parametersResource(entries ...map[string]any) map[string]any {
	params := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			params = append(params, e)
		}
	}
	return map[string]any{
		"resourceType": "Parameters",
		"parameter":    params,
	}
}
