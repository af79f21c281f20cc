package termserver

import (
	"runtime"
	"time"
)

// Option configures the terminology engine.
type Option func(*Options)

// Options holds all configuration for the engine.
type Options struct {
	// FHIR version the server presents resources as.
	Version FHIRVersion

	// Concurrency
	WorkerCount int

	// DefaultDeadline bounds every operation unless the caller's context
	// already carries a tighter deadline.
	DefaultDeadline time.Duration

	// Resource cache (keyed by client cache-id)
	ResourceCacheShards int
	ResourceCacheMaxAge time.Duration

	// Expansion cache (keyed by content hash)
	ExpansionCacheShards       int
	ExpansionCacheTTL          time.Duration
	ExpansionCacheMinDuration  time.Duration
	ExpansionPartialResultCap  int

	// AllowDebugBypass is recorded in Options but not read by the engine:
	// no request sets a debug flag, so the deadline probe and the expansion
	// cache are never bypassed. Off by default: see the open-question
	// decision in DESIGN.md.
	AllowDebugBypass bool

	// LogLevel controls the default logger's verbosity.
	LogLevel string

	// PreloadBuiltins loads the embedded built-in code systems/value sets
	// (administrative-gender, ISO 4217, ISO 3166, MIME types, ...) at
	// construction time.
	PreloadBuiltins bool
}

// DefaultOptions returns the default engine configuration.
func DefaultOptions() *Options {
	return &Options{
		Version:     R4,
		WorkerCount: runtime.NumCPU(),

		DefaultDeadline: 10 * time.Second,

		ResourceCacheShards: 64,
		ResourceCacheMaxAge: time.Hour,

		ExpansionCacheShards:      64,
		ExpansionCacheTTL:         time.Hour,
		ExpansionCacheMinDuration: 2000 * time.Millisecond,
		ExpansionPartialResultCap: 1000,

		AllowDebugBypass: false,
		LogLevel:         "info",
		PreloadBuiltins:  true,
	}
}

// WithVersion sets the FHIR version the server presents resources as.
func WithVersion(v FHIRVersion) Option {
	return func(o *Options) { o.Version = v }
}

// WithWorkerCount bounds the number of concurrent $expand jobs.
// Defaults to runtime.NumCPU().
func WithWorkerCount(count int) Option {
	return func(o *Options) {
		if count > 0 {
			o.WorkerCount = count
		}
	}
}

// WithDefaultDeadline sets the deadline applied to an operation when the
// caller's context carries none.
func WithDefaultDeadline(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.DefaultDeadline = d
		}
	}
}

// WithResourceCache configures the resource cache's shard count and max age.
func WithResourceCache(shards int, maxAge time.Duration) Option {
	return func(o *Options) {
		if shards > 0 {
			o.ResourceCacheShards = shards
		}
		if maxAge > 0 {
			o.ResourceCacheMaxAge = maxAge
		}
	}
}

// WithResourceCacheMaxAge sets only the resource cache's max age.
func WithResourceCacheMaxAge(maxAge time.Duration) Option {
	return func(o *Options) {
		if maxAge > 0 {
			o.ResourceCacheMaxAge = maxAge
		}
	}
}

// WithExpansionCache configures the expansion cache's shard count, TTL, and
// the minimum computation duration required for admission.
func WithExpansionCache(shards int, ttl, minDuration time.Duration) Option {
	return func(o *Options) {
		if shards > 0 {
			o.ExpansionCacheShards = shards
		}
		if ttl > 0 {
			o.ExpansionCacheTTL = ttl
		}
		if minDuration >= 0 {
			o.ExpansionCacheMinDuration = minDuration
		}
	}
}

// WithExpansionCacheTTL sets only the expansion cache's eviction age.
func WithExpansionCacheTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.ExpansionCacheTTL = ttl
		}
	}
}

// WithExpansionPartialResultCap sets the hard cap on admitted contains
// entries before an expansion is marked partial.
func WithExpansionPartialResultCap(cap int) Option {
	return func(o *Options) {
		if cap > 0 {
			o.ExpansionPartialResultCap = cap
		}
	}
}

// WithAllowDebugBypass sets Options.AllowDebugBypass, which the engine does
// not read (see that field). Off by default; see DESIGN.md's open-question
// decision.
func WithAllowDebugBypass(allow bool) Option {
	return func(o *Options) { o.AllowDebugBypass = allow }
}

// WithLogLevel sets the default logger's level ("debug","info","warn","error","none").
func WithLogLevel(level string) Option {
	return func(o *Options) {
		if level != "" {
			o.LogLevel = level
		}
	}
}

// WithPreloadBuiltins toggles loading the embedded built-in code systems at
// construction time.
func WithPreloadBuiltins(preload bool) Option {
	return func(o *Options) { o.PreloadBuiltins = preload }
}
