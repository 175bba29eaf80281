package kueue

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestBasicOperations ensures that basic Set, Get, Has, and Delete operations work as expected.
func TestBasicOperations(t *testing.T) {
	cm := NewConcurrentMap[string, string](4)
	assert.Equal(t, 0, cm.Count())

	cm.Set("foo", "bar")
	assert.Equal(t, 1, cm.Count())
	assert.True(t, cm.Has("foo"))

	val, ok := cm.Get("foo")
	assert.True(t, ok)
	assert.Equal(t, "bar", val)

	cm.Delete("foo")
	assert.False(t, cm.Has("foo"))
	assert.Equal(t, 0, cm.Count())

	_, ok = cm.Get("not_found")
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	cm.Delete("not_exist")
}

// TestConcurrentWrites tests concurrent Set operations.
func TestConcurrentWrites(t *testing.T) {
	cm := NewConcurrentMap[string, int](16)
	numGoroutines := 50
	numKeysPerGoroutine := 100
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(gid int) {
			defer wg.Done()
			for k := 0; k < numKeysPerGoroutine; k++ {
				cm.Set(fmt.Sprintf("g%d-k%d", gid, k), k)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, numGoroutines*numKeysPerGoroutine, cm.Count())
	for i := 0; i < numGoroutines; i++ {
		for k := 0; k < numKeysPerGoroutine; k++ {
			val, ok := cm.Get(fmt.Sprintf("g%d-k%d", i, k))
			assert.True(t, ok)
			assert.Equal(t, k, val)
		}
	}
}

// TestConcurrentReadsAndWrites is meant to be run with -race.
func TestConcurrentReadsAndWrites(t *testing.T) {
	cm := NewConcurrentMap[string, int](8)
	numWriters := 10
	numReaders := 10
	numKeys := 100

	for i := 0; i < numKeys; i++ {
		cm.Set(fmt.Sprintf("init-key-%d", i), i)
	}

	var wg sync.WaitGroup
	wg.Add(numWriters + numReaders)

	for w := 0; w < numWriters; w++ {
		go func(wid int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("writer%d-key%d", wid, i)
				cm.Set(key, i)
				if i%10 == 0 {
					cm.Delete(key)
				}
			}
		}(w)
	}

	for r := 0; r < numReaders; r++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("init-key-%d", rand.Intn(numKeys))
				_, _ = cm.Get(key)
				cm.Has(key)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, numKeys+numWriters*180, cm.Count())
}

// TestKeys verifies that Keys() returns all keys exactly.
func TestKeys(t *testing.T) {
	cm := NewConcurrentMap[string, int](4)
	keysToSet := []string{"apple", "banana", "cherry", "date", "elderberry"}
	for i, k := range keysToSet {
		cm.Set(k, i)
	}
	assert.ElementsMatch(t, keysToSet, cm.Keys())
}

func TestRange(t *testing.T) {
	cm := NewConcurrentMap[string, int](4)
	for i := 0; i < 10; i++ {
		cm.Set(fmt.Sprintf("k%d", i), i)
	}

	sum := 0
	cm.Range(func(_ string, v int) bool {
		sum += v
		return true
	})
	assert.Equal(t, 45, sum)

	visited := 0
	cm.Range(func(string, int) bool {
		visited++
		return visited < 3
	})
	assert.Equal(t, 3, visited)
}

func TestUpsert(t *testing.T) {
	cm := NewConcurrentMap[string, int64](4)
	keepMax := func(v int64) func(int64, bool) int64 {
		return func(old int64, exists bool) int64 {
			if exists && old > v {
				return old
			}
			return v
		}
	}

	var wg sync.WaitGroup
	for i := int64(0); i < 100; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			cm.Upsert("max", keepMax(v))
		}(i)
	}
	wg.Wait()

	val, ok := cm.Get("max")
	assert.True(t, ok)
	assert.EqualValues(t, 99, val)
}

func TestNonStringKeys(t *testing.T) {
	cm := NewConcurrentMap[TopicPartition, int64](8)
	cm.Set(TopicPartition{Topic: "order", Partition: 1}, 10)
	cm.Set(TopicPartition{Topic: "order", Partition: 2}, 20)

	val, ok := cm.Get(TopicPartition{Topic: "order", Partition: 2})
	assert.True(t, ok)
	assert.EqualValues(t, 20, val)

	ints := NewConcurrentMap[int, string](3)
	ints.Set(7, "seven")
	assert.True(t, ints.Has(7))
}

// TestShardCount ensures that the number of shards does not change after creation.
func TestShardCount(t *testing.T) {
	cm := NewConcurrentMap[string, int](8)
	assert.Equal(t, 8, cm.ShardCount())
	assert.Len(t, cm.shards, 8)

	assert.Equal(t, 16, NewConcurrentMap[string, int](0).ShardCount())
}
