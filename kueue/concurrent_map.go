package kueue

import (
	"fmt"
	"sync"
)

// ConcurrentMapShard represents a single shard of the concurrent map.
// Fields are exported so callers can hold one shard lock across several operations.
type ConcurrentMapShard[K comparable, V any] struct {
	sync.RWMutex
	Items map[K]V
}

// ConcurrentMap is a thread-safe map sharded by key. Each shard has its own
// RW lock, so readers of one key never block writers of a key in another shard.
type ConcurrentMap[K comparable, V any] struct {
	shards     []*ConcurrentMapShard[K, V]
	shardCount int
}

// NewConcurrentMap creates a new ConcurrentMap with the given number of shards.
func NewConcurrentMap[K comparable, V any](shardCount int) *ConcurrentMap[K, V] {
	if shardCount <= 0 {
		shardCount = 16
	}
	m := &ConcurrentMap[K, V]{
		shards:     make([]*ConcurrentMapShard[K, V], shardCount),
		shardCount: shardCount,
	}
	for i := 0; i < shardCount; i++ {
		m.shards[i] = &ConcurrentMapShard[K, V]{
			Items: make(map[K]V),
		}
	}
	return m
}

// hashKey returns the shard index for the given key. String and byte-slice
// keys hash their bytes directly; other key types hash their printed form.
func (m *ConcurrentMap[K, V]) hashKey(key K) uint32 {
	var b []byte
	switch k := any(key).(type) {
	case string:
		b = []byte(k)
	case TopicPartition:
		b = []byte(k.String())
	default:
		b = []byte(fmt.Sprint(k))
	}
	return Hash(b) % uint32(m.shardCount)
}

// ShardForKey returns the shard that would store the given key.
func (m *ConcurrentMap[K, V]) ShardForKey(key K) *ConcurrentMapShard[K, V] {
	return m.shards[m.hashKey(key)]
}

// ShardCount returns the number of shards.
func (m *ConcurrentMap[K, V]) ShardCount() int {
	return m.shardCount
}

// Set inserts or updates the value for a given key.
func (m *ConcurrentMap[K, V]) Set(key K, value V) {
	shard := m.ShardForKey(key)
	shard.Lock()
	defer shard.Unlock()
	shard.Items[key] = value
}

// Get retrieves the value for a given key. Returns (value, true) if found.
func (m *ConcurrentMap[K, V]) Get(key K) (V, bool) {
	shard := m.ShardForKey(key)
	shard.RLock()
	defer shard.RUnlock()
	val, ok := shard.Items[key]
	return val, ok
}

// Upsert atomically replaces the value for key with fn(old, exists).
func (m *ConcurrentMap[K, V]) Upsert(key K, fn func(old V, exists bool) V) V {
	shard := m.ShardForKey(key)
	shard.Lock()
	defer shard.Unlock()
	old, ok := shard.Items[key]
	v := fn(old, ok)
	shard.Items[key] = v
	return v
}

// Delete removes the key-value pair for a given key.
func (m *ConcurrentMap[K, V]) Delete(key K) {
	shard := m.ShardForKey(key)
	shard.Lock()
	defer shard.Unlock()
	delete(shard.Items, key)
}

// Has checks if a key is present in the map.
func (m *ConcurrentMap[K, V]) Has(key K) bool {
	shard := m.ShardForKey(key)
	shard.RLock()
	defer shard.RUnlock()
	_, ok := shard.Items[key]
	return ok
}

// Count returns the number of entries across all shards.
func (m *ConcurrentMap[K, V]) Count() int {
	n := 0
	for _, shard := range m.shards {
		shard.RLock()
		n += len(shard.Items)
		shard.RUnlock()
	}
	return n
}

// Keys returns a slice containing all the keys in the map.
func (m *ConcurrentMap[K, V]) Keys() []K {
	keys := make([]K, 0)
	for _, shard := range m.shards {
		shard.RLock()
		for k := range shard.Items {
			keys = append(keys, k)
		}
		shard.RUnlock()
	}
	return keys
}

// Range calls fn for every entry, one shard at a time, until fn returns false.
// fn must not modify the map.
func (m *ConcurrentMap[K, V]) Range(fn func(key K, value V) bool) {
	for _, shard := range m.shards {
		shard.RLock()
		for k, v := range shard.Items {
			if !fn(k, v) {
				shard.RUnlock()
				return
			}
		}
		shard.RUnlock()
	}
}
