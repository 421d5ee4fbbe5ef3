package citadel

import (
	"hash/fnv"
	"sync"
)

// lockShards is the number of independent mutexes in a keyedLocks table.
// Unrelated keys almost never contend; same-key operations always
// serialize.
const lockShards = 64

// keyedLocks is a sharded lock table keyed by an opaque id (user id,
// session id, record id). It gives per-key mutual exclusion without a
// single global mutex, so unrelated users' operations never block each
// other.
type keyedLocks struct {
	shards [lockShards]sync.Mutex
}

// lock acquires the shard for key and returns the unlock function.
func (k *keyedLocks) lock(key string) func() {
	shard := &k.shards[shardIndex(key)]
	shard.Lock()
	return shard.Unlock
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockShards
}
