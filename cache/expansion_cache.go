package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ExpansionCache memoizes a completed $expand computation keyed by a
// SHA-256 hash of its normalized request (value set identity plus every
// parameter that affects the result). Unlike ResourceCache, admission is
// gated: an expansion is only worth memoizing if it was expensive to
// compute in the first place, so Admit refuses anything that took less
// than MinDuration to build.
type ExpansionCache[V any] struct {
	shards     []*Cache[string, ageEntry[V]]
	ttl        time.Duration
	minDur     time.Duration
	nowFunc    func() time.Time
}

// NewExpansionCache builds an ExpansionCache with shardCount(shards)
// shards, each capped at perShardCapacity, evicting entries older than ttl
// and refusing to admit any computation faster than minDuration.
func NewExpansionCache[V any](shards, perShardCapacity int, ttl, minDuration time.Duration) *ExpansionCache[V] {
	n := shardCount(shards)
	ec := &ExpansionCache[V]{
		shards:  make([]*Cache[string, ageEntry[V]], n),
		ttl:     ttl,
		minDur:  minDuration,
		nowFunc: time.Now,
	}
	for i := range ec.shards {
		ec.shards[i] = New[string, ageEntry[V]](perShardCapacity)
	}
	return ec
}

// ContentHash hashes the normalized request payload (e.g. a canonical JSON
// or sorted key=value encoding of the expand parameters) to a cache key.
func ContentHash(normalized []byte) string {
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}

func (ec *ExpansionCache[V]) shardFor(key string) *Cache[string, ageEntry[V]] {
	return ec.shards[shardIndex(key, len(ec.shards))]
}

// Get returns the cached expansion for key, or ok=false if absent/expired.
// A hit bumps the entry's hitCount and lastUsed, per §4.5 and the scenario
// requiring hitCount to be observably incremented on a cache hit.
func (ec *ExpansionCache[V]) Get(key string) (V, bool) {
	shard := ec.shardFor(key)
	e, ok := shard.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if ec.ttl > 0 && ec.nowFunc().Sub(e.createdAt) > ec.ttl {
		shard.Delete(key)
		var zero V
		return zero, false
	}
	e.hitCount++
	e.lastUsed = ec.nowFunc()
	shard.Set(key, e)
	return e.value, true
}

// Admit stores value under key only if computeDuration met MinDuration.
// Returns true if the value was admitted.
func (ec *ExpansionCache[V]) Admit(key string, value V, computeDuration time.Duration) bool {
	if computeDuration < ec.minDur {
		return false
	}
	now := ec.nowFunc()
	ec.shardFor(key).Set(key, ageEntry[V]{
		value:      value,
		createdAt:  now,
		lastUsed:   now,
		durationMs: computeDuration.Milliseconds(),
	})
	return true
}

// EntryInfo reports one entry's cache bookkeeping (createdAt, lastUsed,
// durationMs, hitCount), for observability and tests. ok is false if key
// isn't cached. Does not bump the entry's hitCount; the shard lookup it
// makes still counts in Stats and refreshes the entry's LRU position.
func (ec *ExpansionCache[V]) EntryInfo(key string) (createdAt, lastUsed time.Time, durationMs int64, hitCount uint64, ok bool) {
	e, found := ec.shardFor(key).Get(key)
	if !found {
		return time.Time{}, time.Time{}, 0, 0, false
	}
	return e.createdAt, e.lastUsed, e.durationMs, e.hitCount, true
}

// Delete removes key's cached expansion, if any.
func (ec *ExpansionCache[V]) Delete(key string) {
	ec.shardFor(key).Delete(key)
}

// Stats aggregates per-shard stats into one total.
func (ec *ExpansionCache[V]) Stats() Stats {
	var total Stats
	for _, s := range ec.shards {
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
