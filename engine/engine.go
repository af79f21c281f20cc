// Package engine wires the provider registry, the resource store, both
// caches, and the expander/checker/lookup services into the single entry
// point the HTTP layer (and any other embedder) drives: construct an Engine
// once via New, then call Expand/ValidateCode/Lookup/Subsumes per request.
package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	ts "github.com/gofhir/termserver"
	"github.com/gofhir/termserver/cache"
	"github.com/gofhir/termserver/check"
	"github.com/gofhir/termserver/expand"
	"github.com/gofhir/termserver/internal/builtin"
	"github.com/gofhir/termserver/lookup"
	"github.com/gofhir/termserver/opctx"
	"github.com/gofhir/termserver/pkg/logger"
	"github.com/gofhir/termserver/pool"
	"github.com/gofhir/termserver/provider"
	"github.com/gofhir/termserver/resource"
	"github.com/gofhir/termserver/worker"
)

// Engine is the terminology server's wired core: a provider registry behind
// the expander/checker/lookup services, a resource store for CodeSystems and
// ValueSets (both by canonical url|version and by their own FHIR id, for the
// /{id}/$operation routes), a bounded worker pool for $expand, and the
// resource cache (client cache-id paging) plus expansion cache (content-hash
// memoization) described in §4.5.
type Engine struct {
	opts *ts.Options
	log  *logger.Logger

	systems *provider.MemoryRegistry

	mu              sync.RWMutex
	valueSetsByVURL map[string]*resource.ValueSet
	valueSetsByID   map[string]*resource.ValueSet
	codeSystemsByID map[string]*resource.CodeSystem

	expander  *expand.Expander
	checker   *check.Checker
	lookupSvc *lookup.Service
	pool      *worker.Pool

	resourceCache  *cache.ResourceCache[*resource.Expansion]
	expansionCache *cache.ExpansionCache[*resource.Expansion]

	metrics *ts.Metrics
}

// New builds an Engine from functional options, preloading the built-in code
// systems and value sets unless WithPreloadBuiltins(false) was given.
func New(_ context.Context, opts ...ts.Option) (*Engine, error) {
	o := ts.DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	log := logger.New(os.Stderr, logger.LevelFromString(o.LogLevel))

	e := &Engine{
		opts:            o,
		log:             log,
		systems:         provider.NewMemoryRegistry(),
		valueSetsByVURL: make(map[string]*resource.ValueSet),
		valueSetsByID:   make(map[string]*resource.ValueSet),
		codeSystemsByID: make(map[string]*resource.CodeSystem),
		metrics:         ts.NewMetrics(),
	}

	e.expander = expand.NewExpander(e.systems, e, o.ExpansionPartialResultCap)
	e.checker = check.NewChecker(e.systems, e.expander)
	e.lookupSvc = lookup.NewService(e.systems)
	e.pool = worker.NewPool(e.expander, o.WorkerCount)

	e.resourceCache = cache.NewResourceCache[*resource.Expansion](o.ResourceCacheShards, 256, o.ResourceCacheMaxAge)
	e.expansionCache = cache.NewExpansionCache[*resource.Expansion](o.ExpansionCacheShards, 256, o.ExpansionCacheTTL, o.ExpansionCacheMinDuration)

	if o.PreloadBuiltins {
		if err := e.loadBuiltins(); err != nil {
			return nil, err
		}
	}

	log.Info("engine ready: %d worker(s), %d registered system(s), %d registered value set(s)",
		o.WorkerCount, len(e.systems.Systems()), len(e.valueSetsByVURL))

	return e, nil
}

func (e *Engine) loadBuiltins() error {
	if err := builtin.RegisterAll(e.systems); err != nil {
		return fmt.Errorf("engine: loading built-in code systems: %w", err)
	}
	for _, vs := range builtin.ValueSets() {
		if err := e.RegisterValueSet(vs); err != nil {
			return fmt.Errorf("engine: loading built-in value set %s: %w", vs.URL, err)
		}
	}
	return nil
}

// Close shuts down the engine's worker pool. Safe to call once at server
// shutdown; does not touch the caches, which need no teardown.
func (e *Engine) Close() {
	e.pool.Close()
}

// Metrics returns the engine's metrics collector.
func (e *Engine) Metrics() *ts.Metrics {
	return e.metrics
}

// Systems returns the canonical system URLs registered with the engine, for
// the /metadata CapabilityStatement.
func (e *Engine) Systems() []string {
	systems := e.systems.Systems()
	sort.Strings(systems)
	return systems
}

// RegisterCodeSystem adds cs to the provider registry (as a Hierarchical or
// Enumerated provider per provider.FromCodeSystem, or as a Supplemented
// decorator over an already-registered base when cs.Content is
// "supplement") and to the by-id resource store.
func (e *Engine) RegisterCodeSystem(cs *resource.CodeSystem) error {
	if cs == nil || cs.URL == "" {
		return fmt.Errorf("engine: code system has no url")
	}

	if cs.Content == resource.ContentSupplement {
		if err := e.registerSupplement(cs); err != nil {
			return err
		}
	} else {
		e.systems.Register(provider.FromCodeSystem(cs))
	}

	if cs.ID != "" {
		e.mu.Lock()
		e.codeSystemsByID[cs.ID] = cs
		e.mu.Unlock()
	}
	e.log.Debug("registered code system %s|%s (%d concept(s))", cs.URL, cs.Version, len(cs.Concept))
	return nil
}

// registerSupplement locates the base provider cs.Supplements names and
// re-registers it wrapped in a Supplemented decorator carrying cs's
// designations/properties, per §4.6's decorator pattern. A missing base
// system is logged, not fatal: the supplement is dropped, and registering
// the base system later does not apply it.
func (e *Engine) registerSupplement(cs *resource.CodeSystem) error {
	baseURL, baseVersion := resource.SplitCanonical(cs.Supplements)
	base, ok := e.systems.Resolve(context.Background(), baseURL, baseVersion)
	if !ok {
		e.log.Warn("supplement %s targets unregistered base system %s; ignored", cs.URL, cs.Supplements)
		return nil
	}

	designation := make(map[string][]resource.Designation, len(cs.Concept))
	property := make(map[string][]resource.Property, len(cs.Concept))
	for _, c := range cs.Concept {
		if len(c.Designation) > 0 {
			designation[c.Code] = c.Designation
		}
		if len(c.Property) > 0 {
			property[c.Code] = c.Property
		}
	}
	e.systems.Register(provider.NewSupplemented(base, designation, property))
	return nil
}

// RegisterValueSet adds vs to the resource store, indexed by both its
// canonical "url|version" and, when present, its FHIR id.
func (e *Engine) RegisterValueSet(vs *resource.ValueSet) error {
	if vs == nil || vs.URL == "" {
		return fmt.Errorf("engine: value set has no url")
	}
	e.mu.Lock()
	e.valueSetsByVURL[vs.VURL()] = vs
	if vs.Version != "" {
		// Also index under the bare url so a caller who omits a version on
		// a single-version value set still resolves it.
		if _, exists := e.valueSetsByVURL[vs.URL]; !exists {
			e.valueSetsByVURL[vs.URL] = vs
		}
	}
	if vs.ID != "" {
		e.valueSetsByID[vs.ID] = vs
	}
	e.mu.Unlock()
	e.log.Debug("registered value set %s", vs.VURL())
	return nil
}

// ResolveValueSet implements expand.ValueSetResolver.
func (e *Engine) ResolveValueSet(_ context.Context, ref string) (*resource.ValueSet, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if vs, ok := e.valueSetsByVURL[ref]; ok {
		return vs, true
	}
	url, _ := resource.SplitCanonical(ref)
	vs, ok := e.valueSetsByVURL[url]
	return vs, ok
}

// ValueSetByID returns a ValueSet registered under its own FHIR id, for the
// /ValueSet/{id}/$expand and /ValueSet/{id}/$validate-code routes.
func (e *Engine) ValueSetByID(id string) (*resource.ValueSet, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	vs, ok := e.valueSetsByID[id]
	return vs, ok
}

// CodeSystemByID returns a CodeSystem registered under its own FHIR id, for
// the /CodeSystem/{id}/$validate-code route.
func (e *Engine) CodeSystemByID(id string) (*resource.CodeSystem, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cs, ok := e.codeSystemsByID[id]
	return cs, ok
}

// ExpandRequest is the engine-level $expand request: an expand.Request plus
// the cache-id continuation key and whether to bound the call by the
// worker pool (ViaPool true, as the HTTP handlers set it) or run inline on
// the calling goroutine (ViaPool false).
type ExpandRequest struct {
	expand.Request

	// ViaPool routes the expansion through the bounded worker pool instead
	// of running on the caller's own goroutine.
	ViaPool bool
}

// Expand realizes req against the engine's registered value sets and code
// systems, consulting the resource cache for a cache-id continuation and
// the expansion cache for a content-hash memoized result, and admitting a
// freshly computed result into the expansion cache when it was expensive
// enough to be worth memoizing.
func (e *Engine) Expand(ctx context.Context, req ExpandRequest) (*resource.Expansion, *ts.Outcome) {
	start := time.Now()
	oc := e.acquireContext(ctx)
	defer e.release(oc, ts.OperationExpand, start)

	if req.CacheID != "" {
		if exp, ok := e.resourceCache.Get(req.CacheID); ok {
			e.metrics.RecordCacheHit()
			out := pageCachedExpansion(exp, req.Offset, req.Count)
			return out, oc.Outcome
		}
		e.metrics.RecordCacheMiss()
	}

	key := e.expansionKey(req.Request)
	if cached, ok := e.expansionCache.Get(key); ok {
		e.metrics.RecordCacheHit()
		return pageCachedExpansion(cached, req.Offset, req.Count), oc.Outcome
	}
	e.metrics.RecordCacheMiss()

	// Compute and cache the full (unpaged) expansion regardless of this
	// call's own offset/count: the expansion cache key already excludes
	// paging (§4.5), so two requests differing only in offset/count must
	// share one cached entry and each re-page it themselves, exactly like
	// the cache-hit path above. Computing with the caller's own
	// offset/count here would bake one page into the shared cache entry
	// and silently break every other page's request.
	offset, count := req.Offset, req.Count
	unpagedReq := req
	unpagedReq.Offset, unpagedReq.Count = 0, 0

	oc.Step("expand:start")
	result, err := e.runExpand(ctx, oc, unpagedReq)
	if err != nil {
		oc.AddError(ts.IssueTypeProcessing, err.Error())
		return nil, oc.Outcome
	}
	if result == nil {
		return nil, oc.Outcome
	}
	oc.Step("expand:done")

	elapsed := time.Since(start)
	if result.Expansion.Identifier == "" {
		result.Expansion.Identifier = cache.NextCacheID()
	}
	result.Expansion.Timestamp = time.Now().UTC().Format(time.RFC3339)

	e.resourceCache.Set(result.Expansion.Identifier, result.Expansion)
	if !result.Partial {
		e.expansionCache.Admit(key, result.Expansion, elapsed)
	}

	return pageCachedExpansion(result.Expansion, offset, count), oc.Outcome
}

func (e *Engine) runExpand(ctx context.Context, oc *opctx.Context, req ExpandRequest) (*expand.Result, error) {
	if req.ViaPool {
		jr, err := e.pool.SubmitWait(ctx, worker.Job{ID: oc.RequestID, Ctx: oc, Request: req.Request})
		if err != nil {
			return nil, err
		}
		if jr.Error != nil {
			return nil, jr.Error
		}
		return jr.Result, nil
	}
	return e.expander.Expand(oc, req.Request)
}

func pageCachedExpansion(exp *resource.Expansion, offset, count int) *resource.Expansion {
	out := &resource.Expansion{
		Identifier: exp.Identifier,
		Timestamp:  exp.Timestamp,
		Total:      exp.Total,
		HasTotal:   exp.HasTotal,
		Offset:     offset,
		Parameter:  exp.Parameter,
	}
	items := exp.Contains
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		out.Contains = []resource.ExpansionContains{}
		return out
	}
	end := len(items)
	if count > 0 && offset+count < end {
		end = offset + count
	}
	out.Contains = append([]resource.ExpansionContains{}, items[offset:end]...)
	return out
}

// expansionKey normalizes req's identity-affecting fields into a stable,
// sorted "key=value" preimage and hashes it, per §4.5's content-hash cache
// key. Uses a pooled byte buffer: this runs on every $expand call, cached or
// not, so it is worth not allocating a fresh builder each time.
func (e *Engine) expansionKey(req expand.Request) string {
	buf := pool.AcquireByteSlice()
	defer pool.ReleaseByteSlice(buf)

	vurl := ""
	if req.ValueSet != nil {
		vurl = req.ValueSet.VURL()
	}
	fields := []string{
		"vs=" + vurl,
		"filter=" + req.Filter,
		"lang=" + req.DisplayLanguage,
		"active=" + boolString(req.ActiveOnly),
		"designations=" + boolString(req.IncludeDesignations),
		"incomplete=" + boolString(req.IncompleteOK),
		"limited=" + boolString(req.LimitedExpansion),
		"excludeNested=" + boolString(req.ExcludeNested),
		"excludeNotForUI=" + boolString(req.ExcludeNotForUI),
		"excludePostCoordinated=" + boolString(req.ExcludePostCoordinated),
		"membershipOnly=" + boolString(req.ValuesetMembershipOnly),
		"force=" + systemVersionMapKey(req.ForceSystemVersion),
		"check=" + systemVersionMapKey(req.CheckSystemVersion),
	}
	sort.Strings(fields)
	*buf = append(*buf, strings.Join(fields, "&")...)
	return cache.ContentHash(*buf)
}

// systemVersionMapKey serializes a system->version map into a deterministic
// string for inclusion in the expansion cache key, sorted by system so map
// iteration order never affects the key.
func systemVersionMapKey(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	systems := make([]string, 0, len(m))
	for system := range m {
		systems = append(systems, system)
	}
	sort.Strings(systems)
	parts := make([]string, len(systems))
	for i, system := range systems {
		parts[i] = system + "|" + m[system]
	}
	return strings.Join(parts, ",")
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ValidateCode runs the $validate-code procedure.
func (e *Engine) ValidateCode(ctx context.Context, req check.Request) (*check.Result, *ts.Outcome) {
	start := time.Now()
	oc := e.acquireContext(ctx)
	defer e.release(oc, ts.OperationValidateCode, start)

	result, err := e.checker.ValidateCode(oc, req)
	if err != nil {
		oc.AddError(ts.IssueTypeProcessing, err.Error())
		return nil, oc.Outcome
	}
	return result, oc.Outcome
}

// ExpandScoped runs $expand the same way Expand does, except that when the
// caller supplied tx-resource CodeSystems/ValueSets it builds a request-
// scoped registry/resolver overlay instead of touching the engine's shared
// ones, per §4.5: a tx-resource is visible to this one operation only. The
// resulting expansion is stored in the resource cache under its identifier
// (so later pages can be fetched) but is never admitted to the expansion
// cache. Falls
// straight through to Expand (with full caching) when there's no overlay.
func (e *Engine) ExpandScoped(ctx context.Context, req ExpandRequest, extraCodeSystems []*resource.CodeSystem, extraValueSets []*resource.ValueSet) (*resource.Expansion, *ts.Outcome) {
	sc := e.buildScope(extraCodeSystems, extraValueSets)
	if !sc.scoped {
		return e.Expand(ctx, req)
	}

	start := time.Now()
	oc := e.acquireContext(ctx)
	defer e.release(oc, ts.OperationExpand, start)

	offset, count := req.Offset, req.Count
	unpagedReq := req.Request
	unpagedReq.Offset, unpagedReq.Count = 0, 0

	expander := expand.NewExpander(sc.reg, sc.resolver, e.opts.ExpansionPartialResultCap)
	oc.Step("expand:start")
	result, err := expander.Expand(oc, unpagedReq)
	if err != nil {
		oc.AddError(ts.IssueTypeProcessing, err.Error())
		return nil, oc.Outcome
	}
	if result == nil {
		return nil, oc.Outcome
	}
	oc.Step("expand:done")

	if result.Expansion.Identifier == "" {
		result.Expansion.Identifier = cache.NextCacheID()
	}
	result.Expansion.Timestamp = time.Now().UTC().Format(time.RFC3339)
	e.resourceCache.Set(result.Expansion.Identifier, result.Expansion)
	return pageCachedExpansion(result.Expansion, offset, count), oc.Outcome
}

// ValidateCodeScoped is ValidateCode's tx-resource-aware counterpart: when
// extras are present, validation (including any nested expansion the
// checker performs to decide membership) runs against the request-scoped
// overlay rather than the engine's shared registry.
func (e *Engine) ValidateCodeScoped(ctx context.Context, req check.Request, extraCodeSystems []*resource.CodeSystem, extraValueSets []*resource.ValueSet) (*check.Result, *ts.Outcome) {
	sc := e.buildScope(extraCodeSystems, extraValueSets)
	if !sc.scoped {
		return e.ValidateCode(ctx, req)
	}

	start := time.Now()
	oc := e.acquireContext(ctx)
	defer e.release(oc, ts.OperationValidateCode, start)

	expander := expand.NewExpander(sc.reg, sc.resolver, e.opts.ExpansionPartialResultCap)
	checker := check.NewChecker(sc.reg, expander)
	result, err := checker.ValidateCode(oc, req)
	if err != nil {
		oc.AddError(ts.IssueTypeProcessing, err.Error())
		return nil, oc.Outcome
	}
	return result, oc.Outcome
}

// Lookup runs the $lookup procedure.
func (e *Engine) Lookup(ctx context.Context, req lookup.Request) (*lookup.Result, *ts.Outcome) {
	start := time.Now()
	oc := e.acquireContext(ctx)
	defer e.release(oc, ts.OperationLookup, start)

	result, err := e.lookupSvc.Lookup(oc, req)
	if err != nil {
		oc.AddError(ts.IssueTypeProcessing, err.Error())
		return nil, oc.Outcome
	}
	return result, oc.Outcome
}

// Subsumes runs the $subsumes procedure.
func (e *Engine) Subsumes(ctx context.Context, req lookup.SubsumesRequest) (provider.Relationship, *ts.Outcome) {
	start := time.Now()
	oc := e.acquireContext(ctx)
	defer e.release(oc, ts.OperationSubsumes, start)

	rel, err := e.lookupSvc.Subsumes(oc, req)
	if err != nil {
		oc.AddError(ts.IssueTypeProcessing, err.Error())
		return provider.RelNotSubsumed, oc.Outcome
	}
	return rel, oc.Outcome
}

// acquireContext applies the engine's default deadline (unless the caller's
// context already carries a tighter one) and acquires a pooled
// opctx.Context bound to it.
func (e *Engine) acquireContext(ctx context.Context) *opctx.Context {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && e.opts.DefaultDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.DefaultDeadline)
		_ = cancel // the context is released (and its timer GC'd) when oc.Release's caller's ctx.Done fires; cancel is not stored because oc.Release happens synchronously in the same call frame
	}
	e.metrics.RecordPoolAcquire()
	oc := opctx.Acquire(ctx)
	oc.RequestID = cache.NextCacheID()
	return oc
}

func (e *Engine) release(oc *opctx.Context, kind ts.OperationKind, start time.Time) {
	elapsed := time.Since(start)
	e.metrics.RecordOperation(elapsed, !oc.Outcome.HasErrors())
	e.metrics.RecordKind(kind, elapsed, len(oc.Outcome.Issues))
	for _, issue := range oc.Outcome.Issues {
		e.metrics.RecordIssue(issue.Severity)
	}
	e.metrics.RecordPoolRelease()
	oc.Outcome.Steps = oc.StepLog()
	// oc.Outcome is handed to the caller; detach it from the pooled Context
	// before returning the Context itself to the pool.
	oc.Outcome = nil
	oc.Release()
}
