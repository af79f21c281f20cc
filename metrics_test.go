package termserver

import (
	"sync"
	"testing"
	"time"
)

func TestMetrics_Basic(t *testing.T) {
	m := NewMetrics()

	if m.OperationsTotal() != 0 {
		t.Errorf("OperationsTotal() = %d; want 0", m.OperationsTotal())
	}

	m.RecordOperation(100*time.Millisecond, true)

	if m.OperationsTotal() != 1 {
		t.Errorf("OperationsTotal() = %d; want 1", m.OperationsTotal())
	}
	if m.OperationsSucceeded() != 1 {
		t.Errorf("OperationsSucceeded() = %d; want 1", m.OperationsSucceeded())
	}
}

func TestMetrics_SuccessRate(t *testing.T) {
	m := NewMetrics()

	if rate := m.SuccessRate(); rate != 0 {
		t.Errorf("SuccessRate() = %f; want 0", rate)
	}

	m.RecordOperation(100*time.Millisecond, true)
	m.RecordOperation(100*time.Millisecond, true)
	m.RecordOperation(100*time.Millisecond, false)

	rate := m.SuccessRate()
	expected := 2.0 / 3.0
	if rate < expected-0.01 || rate > expected+0.01 {
		t.Errorf("SuccessRate() = %f; want ~%f", rate, expected)
	}
}

func TestMetrics_OperationTime(t *testing.T) {
	m := NewMetrics()

	if avg := m.AverageOperationTime(); avg != 0 {
		t.Errorf("AverageOperationTime() = %v; want 0", avg)
	}
	if min := m.MinOperationTime(); min != 0 {
		t.Errorf("MinOperationTime() = %v; want 0", min)
	}
	if max := m.MaxOperationTime(); max != 0 {
		t.Errorf("MaxOperationTime() = %v; want 0", max)
	}

	m.RecordOperation(100*time.Millisecond, true)
	m.RecordOperation(200*time.Millisecond, true)
	m.RecordOperation(300*time.Millisecond, true)

	avg := m.AverageOperationTime()
	expectedAvg := 200 * time.Millisecond
	if avg < expectedAvg-time.Millisecond || avg > expectedAvg+time.Millisecond {
		t.Errorf("AverageOperationTime() = %v; want ~%v", avg, expectedAvg)
	}

	if min := m.MinOperationTime(); min != 100*time.Millisecond {
		t.Errorf("MinOperationTime() = %v; want %v", min, 100*time.Millisecond)
	}
	if max := m.MaxOperationTime(); max != 300*time.Millisecond {
		t.Errorf("MaxOperationTime() = %v; want %v", max, 300*time.Millisecond)
	}
}

func TestMetrics_Cache(t *testing.T) {
	m := NewMetrics()

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()

	if m.CacheHits() != 2 {
		t.Errorf("CacheHits() = %d; want 2", m.CacheHits())
	}
	if m.CacheMisses() != 1 {
		t.Errorf("CacheMisses() = %d; want 1", m.CacheMisses())
	}

	rate := m.CacheHitRate()
	expected := 2.0 / 3.0
	if rate < expected-0.01 || rate > expected+0.01 {
		t.Errorf("CacheHitRate() = %f; want ~%f", rate, expected)
	}
}

func TestMetrics_CacheHitRate_NoDivByZero(t *testing.T) {
	m := NewMetrics()
	if rate := m.CacheHitRate(); rate != 0 {
		t.Errorf("CacheHitRate() = %f; want 0", rate)
	}
}

func TestMetrics_Pool(t *testing.T) {
	m := NewMetrics()

	m.RecordPoolAcquire()
	m.RecordPoolAcquire()
	m.RecordPoolRelease()

	if m.PoolAcquires() != 2 {
		t.Errorf("PoolAcquires() = %d; want 2", m.PoolAcquires())
	}
	if m.PoolReleases() != 1 {
		t.Errorf("PoolReleases() = %d; want 1", m.PoolReleases())
	}
	if m.PoolLeaks() != 1 {
		t.Errorf("PoolLeaks() = %d; want 1", m.PoolLeaks())
	}
}

func TestMetrics_Issues(t *testing.T) {
	m := NewMetrics()

	m.RecordError()
	m.RecordError()
	m.RecordWarning()
	m.RecordInfo()

	if m.ErrorsTotal() != 2 {
		t.Errorf("ErrorsTotal() = %d; want 2", m.ErrorsTotal())
	}
	if m.WarningsTotal() != 1 {
		t.Errorf("WarningsTotal() = %d; want 1", m.WarningsTotal())
	}
	if m.InfosTotal() != 1 {
		t.Errorf("InfosTotal() = %d; want 1", m.InfosTotal())
	}
}

func TestMetrics_RecordIssue(t *testing.T) {
	m := NewMetrics()

	m.RecordIssue(SeverityError)
	m.RecordIssue(SeverityFatal)
	m.RecordIssue(SeverityWarning)
	m.RecordIssue(SeverityInformation)

	if m.ErrorsTotal() != 2 {
		t.Errorf("ErrorsTotal() = %d; want 2", m.ErrorsTotal())
	}
	if m.WarningsTotal() != 1 {
		t.Errorf("WarningsTotal() = %d; want 1", m.WarningsTotal())
	}
	if m.InfosTotal() != 1 {
		t.Errorf("InfosTotal() = %d; want 1", m.InfosTotal())
	}
}

func TestMetrics_Kind(t *testing.T) {
	m := NewMetrics()

	m.RecordKind(OperationExpand, 100*time.Millisecond, 2)
	m.RecordKind(OperationExpand, 200*time.Millisecond, 3)
	m.RecordKind(OperationLookup, 50*time.Millisecond, 1)

	stats, ok := m.KindStats(OperationExpand)
	if !ok {
		t.Fatal("KindStats(expand) not found")
	}

	if stats.Invocations != 2 {
		t.Errorf("Invocations = %d; want 2", stats.Invocations)
	}
	if stats.TotalTime != 300*time.Millisecond {
		t.Errorf("TotalTime = %v; want %v", stats.TotalTime, 300*time.Millisecond)
	}
	if stats.AvgTime != 150*time.Millisecond {
		t.Errorf("AvgTime = %v; want %v", stats.AvgTime, 150*time.Millisecond)
	}
	if stats.IssuesFound != 5 {
		t.Errorf("IssuesFound = %d; want 5", stats.IssuesFound)
	}

	if _, ok := m.KindStats(OperationSubsumes); ok {
		t.Error("KindStats should return false for an unrecorded kind")
	}
}

func TestMetrics_AllKindStats(t *testing.T) {
	m := NewMetrics()

	m.RecordKind(OperationExpand, 100*time.Millisecond, 2)
	m.RecordKind(OperationLookup, 50*time.Millisecond, 1)
	m.RecordKind(OperationValidateCode, 200*time.Millisecond, 3)

	stats := m.AllKindStats()
	if len(stats) != 3 {
		t.Errorf("len(AllKindStats()) = %d; want 3", len(stats))
	}
}

func TestMetrics_Snapshot(t *testing.T) {
	m := NewMetrics()

	m.RecordOperation(100*time.Millisecond, true)
	m.RecordCacheHit()
	m.RecordPoolAcquire()
	m.RecordError()
	m.RecordKind(OperationExpand, 50*time.Millisecond, 1)

	s := m.Snapshot()

	if s.OperationsTotal != 1 {
		t.Errorf("Snapshot.OperationsTotal = %d; want 1", s.OperationsTotal)
	}
	if s.CacheHits != 1 {
		t.Errorf("Snapshot.CacheHits = %d; want 1", s.CacheHits)
	}
	if s.PoolAcquires != 1 {
		t.Errorf("Snapshot.PoolAcquires = %d; want 1", s.PoolAcquires)
	}
	if s.ErrorsTotal != 1 {
		t.Errorf("Snapshot.ErrorsTotal = %d; want 1", s.ErrorsTotal)
	}
	if len(s.Kinds) != 1 {
		t.Errorf("len(Snapshot.Kinds) = %d; want 1", len(s.Kinds))
	}
	if s.Timestamp.IsZero() {
		t.Error("Snapshot.Timestamp should not be zero")
	}
}

func TestMetrics_Export(t *testing.T) {
	m := NewMetrics()

	m.RecordOperation(100*time.Millisecond, true)
	m.RecordCacheHit()

	export := m.Export()

	if export["operations_total"] != uint64(1) {
		t.Errorf("export[operations_total] = %v; want 1", export["operations_total"])
	}
	if export["cache_hits"] != uint64(1) {
		t.Errorf("export[cache_hits] = %v; want 1", export["cache_hits"])
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics()

	m.RecordOperation(100*time.Millisecond, true)
	m.RecordCacheHit()
	m.RecordPoolAcquire()
	m.RecordError()
	m.RecordKind(OperationExpand, 50*time.Millisecond, 1)

	m.Reset()

	if m.OperationsTotal() != 0 {
		t.Errorf("OperationsTotal() after Reset = %d; want 0", m.OperationsTotal())
	}
	if m.CacheHits() != 0 {
		t.Errorf("CacheHits() after Reset = %d; want 0", m.CacheHits())
	}
	if m.PoolAcquires() != 0 {
		t.Errorf("PoolAcquires() after Reset = %d; want 0", m.PoolAcquires())
	}
	if m.ErrorsTotal() != 0 {
		t.Errorf("ErrorsTotal() after Reset = %d; want 0", m.ErrorsTotal())
	}

	stats := m.AllKindStats()
	if len(stats) != 0 {
		t.Errorf("len(AllKindStats()) after Reset = %d; want 0", len(stats))
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	n := 100

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.RecordOperation(time.Duration(i)*time.Millisecond, i%2 == 0)
		}(i)
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.RecordCacheHit()
			} else {
				m.RecordCacheMiss()
			}
		}(i)
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.RecordKind(OperationExpand, time.Duration(i)*time.Millisecond, 1)
		}(i)
	}

	wg.Wait()

	if m.OperationsTotal() != uint64(n) {
		t.Errorf("OperationsTotal() = %d; want %d", m.OperationsTotal(), n)
	}

	cacheTotal := m.CacheHits() + m.CacheMisses()
	if cacheTotal != uint64(n) {
		t.Errorf("CacheHits + CacheMisses = %d; want %d", cacheTotal, n)
	}

	stats, _ := m.KindStats(OperationExpand)
	if stats.Invocations != uint64(n) {
		t.Errorf("Kind invocations = %d; want %d", stats.Invocations, n)
	}
}

func BenchmarkMetrics_RecordOperation(b *testing.B) {
	m := NewMetrics()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordOperation(100*time.Millisecond, true)
	}
}

func BenchmarkMetrics_RecordKind(b *testing.B) {
	m := NewMetrics()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordKind(OperationExpand, 100*time.Millisecond, 1)
	}
}

func BenchmarkMetrics_Snapshot(b *testing.B) {
	m := NewMetrics()
	for i := 0; i < 100; i++ {
		m.RecordOperation(100*time.Millisecond, true)
		m.RecordKind(OperationExpand, 50*time.Millisecond, 1)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.Snapshot()
	}
}

func BenchmarkMetrics_Concurrent(b *testing.B) {
	m := NewMetrics()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			switch i % 4 {
			case 0:
				m.RecordOperation(100*time.Millisecond, true)
			case 1:
				m.RecordCacheHit()
			case 2:
				m.RecordPoolAcquire()
			case 3:
				m.RecordKind(OperationExpand, 50*time.Millisecond, 1)
			}
			i++
		}
	})
}
