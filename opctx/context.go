// Package opctx provides the request-scoped OperationContext threaded
// through the expander, checker, lookup, and subsumes implementations. It
// carries the operation deadline, accumulated issues, the value-set
// reference path used for cycle detection, and request metadata, and is
// pooled to avoid an allocation per request.
package opctx

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	ts "github.com/gofhir/termserver"
	"github.com/gofhir/termserver/i18n"
	"github.com/gofhir/termserver/pool"
)

// Step is one entry of an operation's step log: how many milliseconds had
// elapsed since the operation started when note was recorded. Returned
// verbatim in the response when the caller set the "diagnostics" parameter,
// and included in the too-costly error that DeadlineCheck records.
type Step struct {
	ElapsedMS int64
	Note      string
}

// Context is one in-flight terminology operation's scratch state.
type Context struct {
	// Ctx is the caller's context, carrying cancellation and deadline.
	Ctx context.Context

	// Outcome accumulates issues for this operation.
	Outcome *ts.Outcome

	// Debug, when true, makes Expired report false for this operation.
	// Nothing in the engine sets it (WithAllowDebugBypass does not), and the
	// expansion cache does not consult it.
	Debug bool

	// RequestID identifies this operation in logs; the engine assigns it
	// from cache.NextCacheID and uses it as the worker job ID.
	RequestID string

	// Languages are the caller's requested display languages, most
	// preferred first (the displayLanguage parameter, or the request's
	// Accept-Language when displayLanguage was not given).
	Languages []string

	// I18n resolves diagnostic message keys into Languages-appropriate
	// text; falls back to Default() when not explicitly set.
	I18n *i18n.Source

	// start is when this operation began, for Step's elapsed times.
	start time.Time

	// path is the stack of value-set canonical URLs ("url|version")
	// currently being expanded, used to detect import cycles.
	path []string

	// steps is the accumulated step log, recorded by Step() at each
	// notable point in the expander/checker's work.
	steps []Step

	metadata map[string]any

	// usedSystems/usedValueSets accumulate every code system and imported
	// value set actually consulted while expanding, for the expansion's
	// echoed used-codesystem/used-valueset parameters (§4.2 step 6).
	usedSystems   map[string]bool
	usedValueSets map[string]bool

	mu sync.Mutex
}

var contextPool = sync.Pool{
	New: func() any {
		return &Context{
			path:     make([]string, 0, 8),
			steps:    make([]Step, 0, 16),
			metadata: make(map[string]any, 4),
		}
	},
}

// Acquire gets a Context from the pool bound to ctx, with a fresh Outcome.
func Acquire(ctx context.Context) *Context {
	c, ok := contextPool.Get().(*Context)
	if !ok {
		c = &Context{path: make([]string, 0, 8), steps: make([]Step, 0, 16), metadata: make(map[string]any, 4)}
	}
	c.Reset()
	c.Ctx = ctx
	c.Outcome = ts.AcquireOutcome()
	c.start = time.Now()
	c.I18n = i18n.Default()
	return c
}

// Release returns the Context and its Outcome to their pools. Do not use c
// or any Outcome obtained from it afterward.
func (c *Context) Release() {
	if c == nil {
		return
	}
	if c.Outcome != nil {
		c.Outcome.Release()
		c.Outcome = nil
	}
	contextPool.Put(c)
}

// Reset clears c for reuse without returning it to the pool.
func (c *Context) Reset() {
	c.Ctx = nil
	c.Debug = false
	c.RequestID = ""
	c.Languages = nil
	c.I18n = nil
	c.path = c.path[:0]
	c.steps = c.steps[:0]
	for k := range c.metadata {
		delete(c.metadata, k)
	}
	for k := range c.usedSystems {
		delete(c.usedSystems, k)
	}
	for k := range c.usedValueSets {
		delete(c.usedValueSets, k)
	}
}

// NoteSystem records that system|version was consulted during this
// operation.
func (c *Context) NoteSystem(system, version string) {
	if c.usedSystems == nil {
		c.usedSystems = make(map[string]bool, 4)
	}
	c.usedSystems[canonicalRef(system, version)] = true
}

// NoteValueSet records that vurl (a "url" or "url|version" canonical) was
// consulted during this operation.
func (c *Context) NoteValueSet(vurl string) {
	if c.usedValueSets == nil {
		c.usedValueSets = make(map[string]bool, 4)
	}
	c.usedValueSets[vurl] = true
}

// UsedSystems returns every system|version noted via NoteSystem, sorted.
func (c *Context) UsedSystems() []string { return sortedKeys(c.usedSystems) }

// UsedValueSets returns every canonical noted via NoteValueSet, sorted.
func (c *Context) UsedValueSets() []string { return sortedKeys(c.usedValueSets) }

func canonicalRef(system, version string) string {
	if version == "" {
		return system
	}
	return system + "|" + version
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Deadline returns the effective deadline for this operation: the caller's
// context deadline if one exists, otherwise zero time and false.
func (c *Context) Deadline() (time.Time, bool) {
	if c.Ctx == nil {
		return time.Time{}, false
	}
	return c.Ctx.Deadline()
}

// Expired reports whether the operation's deadline has passed. Always false
// when Debug is set; the engine never sets Debug.
func (c *Context) Expired() bool {
	if c.Debug {
		return false
	}
	if c.Ctx == nil {
		return false
	}
	select {
	case <-c.Ctx.Done():
		return true
	default:
		return false
	}
}

// PushPath appends vurl to the cycle-detection stack, returning false
// without modifying the stack if vurl is already present (a cycle).
func (c *Context) PushPath(vurl string) bool {
	for _, p := range c.path {
		if p == vurl {
			return false
		}
	}
	c.path = append(c.path, vurl)
	return true
}

// PopPath removes the most recently pushed path entry.
func (c *Context) PopPath() {
	if len(c.path) > 0 {
		c.path = c.path[:len(c.path)-1]
	}
}

// Path returns a snapshot of the current cycle-detection stack, most recent
// last; used to render a diagnostic when a cycle is rejected.
func (c *Context) Path() []string {
	out := make([]string, len(c.path))
	copy(out, c.path)
	return out
}

// CyclePath renders the current path plus the rejected vurl as an
// "a -> b -> c" diagnostic, for the import-cycle error message.
func (c *Context) CyclePath(vurl string) string {
	return pool.BuildPath(func(pb *pool.PathBuilder) {
		for _, p := range c.path {
			pb.WriteString(p)
			pb.WriteString(" -> ")
		}
		pb.WriteString(vurl)
	})
}

// SetMetadata stores a request-scoped value (e.g. the displayLanguage or
// the client's cache-id) under key.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// GetMetadata retrieves a value stored by SetMetadata.
func (c *Context) GetMetadata(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}

// AddError records an error issue on the operation's outcome.
func (c *Context) AddError(code ts.IssueType, diagnostics string, expression ...string) {
	c.Outcome.AddError(code, diagnostics, expression...)
}

// AddWarning records a warning issue on the operation's outcome.
func (c *Context) AddWarning(code ts.IssueType, diagnostics string, expression ...string) {
	c.Outcome.AddWarning(code, diagnostics, expression...)
}

// ShouldStop reports whether the operation should stop early: either the
// deadline expired or an error or fatal issue was already recorded.
func (c *Context) ShouldStop() bool {
	if c.Expired() {
		return true
	}
	return c.Outcome.HasErrors()
}

// Step records a note in the operation's step log along with the elapsed
// time since Acquire, for the diagnostics parameter and for TooCostly
// failure messages.
func (c *Context) Step(note string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, Step{ElapsedMS: time.Since(c.start).Milliseconds(), Note: note})
}

// Steps returns a snapshot of the recorded step log.
func (c *Context) Steps() []Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// StepLog renders the recorded step log as "<elapsed>ms: <note>" strings, for
// the "diagnostics" parameter and TooCostly failure diagnostics.
func (c *Context) StepLog() []string {
	steps := c.Steps()
	if len(steps) == 0 {
		return nil
	}
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = strconv.FormatInt(s.ElapsedMS, 10) + "ms: " + s.Note
	}
	return out
}

// Elapsed returns the time since this operation's Context was acquired.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.start)
}

// Message renders a diagnostic message key for this operation's requested
// Languages, via I18n (or the default English catalog if I18n is nil).
func (c *Context) Message(key string, args ...any) string {
	src := c.I18n
	if src == nil {
		src = i18n.Default()
	}
	return src.Message(c.Languages, key, args...)
}

// deadCheck records a step and, if the operation's deadline has passed,
// records a too-costly error naming place and returns true. The expander
// and checker do not call it: the expander checks ShouldStop/Expired
// directly, so its truncation warning carries no step log.
func (c *Context) deadCheck(place string) bool {
	c.Step(place)
	if c.Expired() {
		msg := c.Message("too-costly.deadline") + ": " + place
		if log := c.StepLog(); len(log) > 0 {
			msg += " (" + strings.Join(log, "; ") + ")"
		}
		c.AddError(ts.IssueTypeTooCostly, msg)
		return true
	}
	return false
}

// DeadlineCheck is the exported form of deadCheck, for use by packages
// outside opctx; expand, check and lookup do not call it.
func (c *Context) DeadlineCheck(place string) bool {
	return c.deadCheck(place)
}
