package kueue

import "sync"

// Partitioner maps a record key to a partition in [0, numPartitions).
type Partitioner func(key []byte, numPartitions int32) int32

// HashPartition is the key partitioner shared by every writer of a topic, so
// all records for one key land in the same partition.
func HashPartition(key []byte, numPartitions int32) int32 {
	if numPartitions <= 0 {
		return 0
	}
	return int32(Hash(key) % uint32(numPartitions))
}

// Hash is FNV-1a over the key bytes.
func Hash(key []byte) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h = (h ^ uint32(key[i])) * 16777619
	}
	return h
}

// NewPartitioner returns the partitioner every writer uses: keyed records go
// to HashPartition, keyless records are spread round robin.
func NewPartitioner() Partitioner {
	rr := &roundRobin{}
	return func(key []byte, numPartitions int32) int32 {
		if key == nil {
			return rr.partition(key, numPartitions)
		}
		return HashPartition(key, numPartitions)
	}
}

// roundRobin spreads keyless records over all partitions.
type roundRobin struct {
	mu      sync.Mutex
	counter int32
}

func (rr *roundRobin) partition(_ []byte, numPartitions int32) int32 {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	part := rr.counter % numPartitions
	rr.counter = (rr.counter + 1) % numPartitions
	return part
}
