package termserver

import "sync"

// Outcome aggregates the issues produced while executing one terminology
// operation ($expand, $validate-code, $lookup, $subsumes). It is the Go-side
// equivalent of a FHIR OperationOutcome and is pooled the same way a Result
// is pooled elsewhere in this lineage of code.
type Outcome struct {
	// Success is true if no error or fatal issue was recorded.
	Success bool `json:"success"`

	// Issues accumulated during the operation.
	Issues []Issue `json:"issues,omitempty"`

	// Steps is the operation's step log ("12ms: expand:start", ...),
	// always recorded but only rendered into a response body when the
	// caller set the "diagnostics" parameter.
	Steps []string `json:"-"`

	mu sync.Mutex
}

var outcomePool = sync.Pool{
	New: func() any {
		return &Outcome{Issues: make([]Issue, 0, 8)}
	},
}

// AcquireOutcome gets an Outcome from the pool, reset to the success state.
func AcquireOutcome() *Outcome {
	o, ok := outcomePool.Get().(*Outcome)
	if !ok {
		o = &Outcome{Issues: make([]Issue, 0, 8)}
	}
	o.Reset()
	return o
}

// Release returns the Outcome to the pool. Do not use it afterward.
func (o *Outcome) Release() {
	if o == nil {
		return
	}
	if cap(o.Issues) <= 256 {
		outcomePool.Put(o)
	}
}

// Reset clears the outcome for reuse.
func (o *Outcome) Reset() {
	o.Success = true
	o.Issues = o.Issues[:0]
	o.Steps = nil
}

// AddIssue appends an issue, flipping Success to false on error/fatal.
// Duplicate issues — matching severity, code, and diagnostics — are
// suppressed, per §4.3's "duplicate issue messages are suppressed".
func (o *Outcome) AddIssue(issue Issue) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, existing := range o.Issues {
		if existing.Severity == issue.Severity && existing.Code == issue.Code && existing.Diagnostics == issue.Diagnostics {
			return
		}
	}

	o.Issues = append(o.Issues, issue)
	if issue.IsError() {
		o.Success = false
	}
}

// AddError is a convenience wrapper for the common error-issue shape.
func (o *Outcome) AddError(code IssueType, diagnostics string, expression ...string) {
	o.AddIssue(Issue{Severity: SeverityError, Code: code, Diagnostics: diagnostics, Expression: expression})
}

// AddWarning is a convenience wrapper for the common warning-issue shape.
func (o *Outcome) AddWarning(code IssueType, diagnostics string, expression ...string) {
	o.AddIssue(Issue{Severity: SeverityWarning, Code: code, Diagnostics: diagnostics, Expression: expression})
}

// AddInfo is a convenience wrapper for the common informational-issue shape.
func (o *Outcome) AddInfo(code IssueType, diagnostics string, expression ...string) {
	o.AddIssue(Issue{Severity: SeverityInformation, Code: code, Diagnostics: diagnostics, Expression: expression})
}

// HasErrors reports whether any error or fatal issue was recorded.
func (o *Outcome) HasErrors() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, issue := range o.Issues {
		if issue.IsError() {
			return true
		}
	}
	return false
}

// DominantIssueType returns the issue type that should drive the HTTP status
// of the response: the first error/fatal issue if any, otherwise empty.
func (o *Outcome) DominantIssueType() (IssueType, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, issue := range o.Issues {
		if issue.IsError() {
			return issue.Code, true
		}
	}
	return "", false
}

// Merge appends another outcome's issues into this one.
func (o *Outcome) Merge(other *Outcome) {
	if other == nil {
		return
	}
	other.mu.Lock()
	issues := make([]Issue, len(other.Issues))
	copy(issues, other.Issues)
	other.mu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.Issues = append(o.Issues, issues...)
	for _, issue := range issues {
		if issue.IsError() {
			o.Success = false
			break
		}
	}
}

// NewOutcome creates a new (non-pooled) Outcome.
func NewOutcome() *Outcome {
	return &Outcome{Success: true, Issues: make([]Issue, 0, 4)}
}
