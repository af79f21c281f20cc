package cache

import (
	"hash/fnv"
)

// shardCount rounds n up to the next power of two, so shard selection can
// use a bitmask instead of a modulo.
func shardCount(n int) int {
	if n <= 0 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// shardIndex hashes key with FNV-1a and masks it to [0, shards).
func shardIndex(key string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) & (shards - 1)
}
