package termserver

import (
	"sync"
	"sync/atomic"
	"time"
)

// OperationKind names one of the four terminology operations this server
// exposes, for per-kind metrics breakdowns.
type OperationKind string

const (
	OperationExpand       OperationKind = "expand"
	OperationValidateCode OperationKind = "validate-code"
	OperationLookup       OperationKind = "lookup"
	OperationSubsumes     OperationKind = "subsumes"
)

// Metrics tracks server performance metrics using lock-free atomic operations.
// All methods are safe for concurrent use.
type Metrics struct {
	// Operation counts
	operationsTotal     atomic.Uint64
	operationsSucceeded atomic.Uint64

	// Timing (stored as nanoseconds)
	operationTimeTotal atomic.Uint64
	operationTimeMin   atomic.Uint64
	operationTimeMax   atomic.Uint64

	// Resource + expansion cache metrics
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64

	// Pool metrics (OperationContext, Outcome)
	poolAcquires atomic.Uint64
	poolReleases atomic.Uint64

	// Issue counts by severity
	errorsTotal   atomic.Uint64
	warningsTotal atomic.Uint64
	infosTotal    atomic.Uint64

	// Per-operation-kind timing (map access protected by sync.Map)
	kindTiming sync.Map // map[OperationKind]*kindMetrics
}

// kindMetrics tracks metrics for a single operation kind.
type kindMetrics struct {
	invocations atomic.Uint64
	totalTime   atomic.Uint64 // nanoseconds
	issuesFound atomic.Uint64
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.operationTimeMin.Store(^uint64(0))
	return m
}

// --- Recording Methods ---

// RecordOperation records a completed terminology operation.
func (m *Metrics) RecordOperation(duration time.Duration, succeeded bool) {
	m.operationsTotal.Add(1)
	if succeeded {
		m.operationsSucceeded.Add(1)
	}

	ns := uint64(duration.Nanoseconds())
	m.operationTimeTotal.Add(ns)

	for {
		old := m.operationTimeMin.Load()
		if ns >= old {
			break
		}
		if m.operationTimeMin.CompareAndSwap(old, ns) {
			break
		}
	}
	for {
		old := m.operationTimeMax.Load()
		if ns <= old {
			break
		}
		if m.operationTimeMax.CompareAndSwap(old, ns) {
			break
		}
	}
}

// RecordCacheHit records a resource-cache or expansion-cache hit.
func (m *Metrics) RecordCacheHit() { m.cacheHits.Add(1) }

// RecordCacheMiss records a resource-cache or expansion-cache miss.
func (m *Metrics) RecordCacheMiss() { m.cacheMisses.Add(1) }

// RecordPoolAcquire records a pooled object (OperationContext, Outcome) acquisition.
func (m *Metrics) RecordPoolAcquire() { m.poolAcquires.Add(1) }

// RecordPoolRelease records a pooled object release.
func (m *Metrics) RecordPoolRelease() { m.poolReleases.Add(1) }

// RecordError records an error or fatal issue.
func (m *Metrics) RecordError() { m.errorsTotal.Add(1) }

// RecordWarning records a warning issue.
func (m *Metrics) RecordWarning() { m.warningsTotal.Add(1) }

// RecordInfo records an informational issue.
func (m *Metrics) RecordInfo() { m.infosTotal.Add(1) }

// RecordIssue records an issue by its severity.
func (m *Metrics) RecordIssue(severity IssueSeverity) {
	switch severity {
	case SeverityError, SeverityFatal:
		m.RecordError()
	case SeverityWarning:
		m.RecordWarning()
	case SeverityInformation:
		m.RecordInfo()
	}
}

// RecordKind records a completed invocation of one operation kind, its
// duration, and how many issues it produced.
func (m *Metrics) RecordKind(kind OperationKind, duration time.Duration, issuesFound int) {
	v, _ := m.kindTiming.LoadOrStore(kind, &kindMetrics{})
	km := v.(*kindMetrics)
	km.invocations.Add(1)
	km.totalTime.Add(uint64(duration.Nanoseconds()))
	km.issuesFound.Add(uint64(issuesFound))
}

// --- Query Methods ---

func (m *Metrics) OperationsTotal() uint64     { return m.operationsTotal.Load() }
func (m *Metrics) OperationsSucceeded() uint64 { return m.operationsSucceeded.Load() }

// SuccessRate returns the fraction of operations that succeeded, in [0,1].
func (m *Metrics) SuccessRate() float64 {
	total := m.operationsTotal.Load()
	if total == 0 {
		return 0
	}
	return float64(m.operationsSucceeded.Load()) / float64(total)
}

// AverageOperationTime returns the mean operation duration.
func (m *Metrics) AverageOperationTime() time.Duration {
	total := m.operationsTotal.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(m.operationTimeTotal.Load() / total)
}

// MinOperationTime returns the fastest recorded operation duration.
func (m *Metrics) MinOperationTime() time.Duration {
	if m.operationsTotal.Load() == 0 {
		return 0
	}
	return time.Duration(m.operationTimeMin.Load())
}

// MaxOperationTime returns the slowest recorded operation duration.
func (m *Metrics) MaxOperationTime() time.Duration {
	return time.Duration(m.operationTimeMax.Load())
}

func (m *Metrics) CacheHits() uint64   { return m.cacheHits.Load() }
func (m *Metrics) CacheMisses() uint64 { return m.cacheMisses.Load() }

// CacheHitRate returns the fraction of cache lookups that hit, in [0,1].
func (m *Metrics) CacheHitRate() float64 {
	total := m.cacheHits.Load() + m.cacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(m.cacheHits.Load()) / float64(total)
}

func (m *Metrics) PoolAcquires() uint64 { return m.poolAcquires.Load() }
func (m *Metrics) PoolReleases() uint64 { return m.poolReleases.Load() }

// PoolLeaks reports acquires not matched by a release. A nonzero, growing
// value over time indicates a caller is forgetting to release a pooled object.
func (m *Metrics) PoolLeaks() uint64 {
	acquires := m.poolAcquires.Load()
	releases := m.poolReleases.Load()
	if releases >= acquires {
		return 0
	}
	return acquires - releases
}

func (m *Metrics) ErrorsTotal() uint64   { return m.errorsTotal.Load() }
func (m *Metrics) WarningsTotal() uint64 { return m.warningsTotal.Load() }
func (m *Metrics) InfosTotal() uint64    { return m.infosTotal.Load() }

// KindStats is a snapshot of one operation kind's metrics.
type KindStats struct {
	Invocations uint64
	TotalTime   time.Duration
	AvgTime     time.Duration
	IssuesFound uint64
}

// KindStats returns the current stats for a given operation kind.
func (m *Metrics) KindStats(kind OperationKind) (KindStats, bool) {
	v, ok := m.kindTiming.Load(kind)
	if !ok {
		return KindStats{}, false
	}
	km := v.(*kindMetrics)
	invocations := km.invocations.Load()
	totalTime := time.Duration(km.totalTime.Load())

	stats := KindStats{
		Invocations: invocations,
		TotalTime:   totalTime,
		IssuesFound: km.issuesFound.Load(),
	}
	if invocations > 0 {
		stats.AvgTime = totalTime / time.Duration(invocations)
	}
	return stats, true
}

// AllKindStats returns stats for every operation kind recorded so far.
func (m *Metrics) AllKindStats() map[OperationKind]KindStats {
	result := make(map[OperationKind]KindStats)
	m.kindTiming.Range(func(key, value any) bool {
		kind := key.(OperationKind)
		if stats, ok := m.KindStats(kind); ok {
			result[kind] = stats
		}
		return true
	})
	return result
}

// Snapshot is a point-in-time copy of all metrics, suitable for serialization.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	OperationsTotal     uint64  `json:"operationsTotal"`
	OperationsSucceeded uint64  `json:"operationsSucceeded"`
	SuccessRate         float64 `json:"successRate"`

	AvgOperationTime time.Duration `json:"avgOperationTime"`
	MinOperationTime time.Duration `json:"minOperationTime"`
	MaxOperationTime time.Duration `json:"maxOperationTime"`

	CacheHits   uint64  `json:"cacheHits"`
	CacheMisses uint64  `json:"cacheMisses"`
	CacheHitRate float64 `json:"cacheHitRate"`

	PoolAcquires uint64 `json:"poolAcquires"`
	PoolReleases uint64 `json:"poolReleases"`

	ErrorsTotal   uint64 `json:"errorsTotal"`
	WarningsTotal uint64 `json:"warningsTotal"`
	InfosTotal    uint64 `json:"infosTotal"`

	Kinds map[OperationKind]KindStats `json:"kinds"`
}

// Snapshot captures the current state of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Timestamp: time.Now(),

		OperationsTotal:     m.OperationsTotal(),
		OperationsSucceeded: m.OperationsSucceeded(),
		SuccessRate:         m.SuccessRate(),

		AvgOperationTime: m.AverageOperationTime(),
		MinOperationTime: m.MinOperationTime(),
		MaxOperationTime: m.MaxOperationTime(),

		CacheHits:    m.CacheHits(),
		CacheMisses:  m.CacheMisses(),
		CacheHitRate: m.CacheHitRate(),

		PoolAcquires: m.PoolAcquires(),
		PoolReleases: m.PoolReleases(),

		ErrorsTotal:   m.ErrorsTotal(),
		WarningsTotal: m.WarningsTotal(),
		InfosTotal:    m.InfosTotal(),

		Kinds: m.AllKindStats(),
	}
}

// Export returns the metrics as a flat map, suitable for a response body.
func (m *Metrics) Export() map[string]interface{} {
	return map[string]interface{}{
		"operations_total":     m.OperationsTotal(),
		"operations_succeeded": m.OperationsSucceeded(),
		"cache_hits":           m.CacheHits(),
		"cache_misses":         m.CacheMisses(),
		"pool_acquires":        m.PoolAcquires(),
		"pool_releases":        m.PoolReleases(),
		"errors_total":         m.ErrorsTotal(),
		"warnings_total":       m.WarningsTotal(),
		"infos_total":          m.InfosTotal(),
	}
}

// Reset zeros all metrics. Intended for tests.
func (m *Metrics) Reset() {
	m.operationsTotal.Store(0)
	m.operationsSucceeded.Store(0)
	m.operationTimeTotal.Store(0)
	m.operationTimeMin.Store(^uint64(0))
	m.operationTimeMax.Store(0)
	m.cacheHits.Store(0)
	m.cacheMisses.Store(0)
	m.poolAcquires.Store(0)
	m.poolReleases.Store(0)
	m.errorsTotal.Store(0)
	m.warningsTotal.Store(0)
	m.infosTotal.Store(0)
	m.kindTiming.Range(func(key, _ any) bool {
		m.kindTiming.Delete(key)
		return true
	})
}
