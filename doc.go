// Package termserver provides a FHIR terminology server: CodeSystem and
// ValueSet operations ($lookup, $validate-code, $subsumes, $expand) over a
// pluggable code-system provider model.
//
// # Quick Start
//
//	import (
//	    ts "github.com/gofhir/termserver"
//	    "github.com/gofhir/termserver/engine"
//	)
//
//	eng, err := engine.New(ctx,
//	    ts.WithWorkerCount(runtime.NumCPU()),
//	    ts.WithDefaultDeadline(5*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	expansion, outcome := eng.Expand(ctx, expandRequest)
//
// # Performance Features
//
//   - Worker Pool: bounds concurrent $expand jobs instead of letting them run unbounded
//   - sync.Pool: OperationContext and OperationOutcome are pooled per request
//   - Sharded Caches: the resource cache and expansion cache are both FNV-1a sharded
//   - Streaming: large tx-resource Bundles are probed before being fully decoded
//
// # Functional Options
//
//	eng, err := engine.New(ctx,
//	    ts.WithWorkerCount(8),
//	    ts.WithResourceCacheMaxAge(time.Hour),
//	    ts.WithExpansionCacheTTL(time.Hour),
//	    ts.WithAllowDebugBypass(false),
//	)
//
// # Architecture
//
//   - Small interfaces (1-2 methods each) for the provider contract
//   - Decorator pattern for cache wrapping and supplement merging
//   - Request-scoped OperationContext threaded through expander/checker/lookup/subsumes
//   - Functional options for engine construction, never a global config singleton
package termserver
