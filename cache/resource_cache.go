package cache

import (
	"sync"
	"time"
)

// ResourceCache holds realized ValueSet expansions keyed by the client-
// supplied "cache-id" expansion parameter, so a follow-up $expand call
// asking for the next page of the same expansion can be served without
// recomputation. It is sharded by FNV-1a over the cache-id to limit lock
// contention, and entries older than MaxAge are treated as misses and
// evicted lazily on access rather than swept by a background goroutine.
type ResourceCache[V any] struct {
	shards  []*Cache[string, ageEntry[V]]
	mask    int
	maxAge  time.Duration
	nowFunc func() time.Time
}

type ageEntry[V any] struct {
	value     V
	createdAt time.Time

	// lastUsed/hitCount/durationMs are the per-entry bookkeeping §4.5
	// requires: lastUsed and hitCount update on every Get hit, durationMs
	// is stamped once at admission (ExpansionCache only; always zero for a
	// ResourceCache entry, which has no "compute" step to time).
	lastUsed   time.Time
	hitCount   uint64
	durationMs int64
}

// NewResourceCache builds a ResourceCache with shardCount(shards) shards,
// each capped at perShardCapacity entries, evicting entries older than
// maxAge on access.
func NewResourceCache[V any](shards, perShardCapacity int, maxAge time.Duration) *ResourceCache[V] {
	n := shardCount(shards)
	rc := &ResourceCache[V]{
		shards:  make([]*Cache[string, ageEntry[V]], n),
		mask:    n - 1,
		maxAge:  maxAge,
		nowFunc: time.Now,
	}
	for i := range rc.shards {
		rc.shards[i] = New[string, ageEntry[V]](perShardCapacity)
	}
	return rc
}

func (rc *ResourceCache[V]) shardFor(key string) *Cache[string, ageEntry[V]] {
	idx := shardIndex(key, len(rc.shards))
	return rc.shards[idx]
}

// Get returns the value stored under cacheID, or ok=false if absent or
// expired. An expired entry is deleted so it doesn't linger past MaxAge.
func (rc *ResourceCache[V]) Get(cacheID string) (V, bool) {
	shard := rc.shardFor(cacheID)
	e, ok := shard.Get(cacheID)
	if !ok {
		var zero V
		return zero, false
	}
	if rc.maxAge > 0 && rc.nowFunc().Sub(e.createdAt) > rc.maxAge {
		shard.Delete(cacheID)
		var zero V
		return zero, false
	}
	e.hitCount++
	e.lastUsed = rc.nowFunc()
	shard.Set(cacheID, e)
	return e.value, true
}

// Set stores value under cacheID, stamped with the current time.
func (rc *ResourceCache[V]) Set(cacheID string, value V) {
	now := rc.nowFunc()
	rc.shardFor(cacheID).Set(cacheID, ageEntry[V]{value: value, createdAt: now, lastUsed: now})
}

// EntryInfo reports one entry's cache bookkeeping (createdAt, lastUsed,
// durationMs, hitCount), for observability and tests. ok is false if
// cacheID isn't cached. The shard lookup it makes counts in Stats and
// refreshes the entry's LRU position.
func (rc *ResourceCache[V]) EntryInfo(cacheID string) (createdAt, lastUsed time.Time, durationMs int64, hitCount uint64, ok bool) {
	e, found := rc.shardFor(cacheID).Get(cacheID)
	if !found {
		return time.Time{}, time.Time{}, 0, 0, false
	}
	return e.createdAt, e.lastUsed, e.durationMs, e.hitCount, true
}

// Delete removes cacheID's entry, if any.
func (rc *ResourceCache[V]) Delete(cacheID string) {
	rc.shardFor(cacheID).Delete(cacheID)
}

// Stats aggregates per-shard stats into one total.
func (rc *ResourceCache[V]) Stats() Stats {
	var total Stats
	for _, s := range rc.shards {
		st := s.Stats()
		total.Size += st.Size
		total.Capacity += st.Capacity
		total.Hits += st.Hits
		total.Misses += st.Misses
		total.Evicts += st.Evicts
		total.Sets += st.Sets
	}
	if total.Hits+total.Misses > 0 {
		total.HitRate = float64(total.Hits) / float64(total.Hits+total.Misses)
	}
	return total
}

// cacheIDGenerator produces opaque cache-id tokens for expansions the
// caller didn't supply one for. It's a simple monotonically-increasing
// counter rather than a random UUID: uniqueness within one server process
// lifetime is all a cache-id needs, per the expand parameter's contract.
type cacheIDGenerator struct {
	mu   sync.Mutex
	next uint64
}

var defaultCacheIDGenerator = &cacheIDGenerator{}

// NextCacheID returns a fresh opaque cache-id string.
func NextCacheID() string {
	defaultCacheIDGenerator.mu.Lock()
	defer defaultCacheIDGenerator.mu.Unlock()
	defaultCacheIDGenerator.next++
	return formatCacheID(defaultCacheIDGenerator.next)
}

func formatCacheID(n uint64) string {
	const hex = "0123456789abcdef"
	if n == 0 {
		return "cid-0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append([]byte{hex[n&0xf]}, buf...)
		n >>= 4
	}
	return "cid-" + string(buf)
}
