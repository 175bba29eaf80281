package stream

import "kueuestream/kueue"

// Store holds a table snapshot. Implementations must be safe for concurrent
// use and update each key atomically: a Get never observes a partial Put.
type Store interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// AppliedOffsets returns the highest applied offset per table partition,
	// so a persistent store can resume replay instead of starting over.
	AppliedOffsets() (map[kueue.TopicPartition]int64, error)
	SetApplied(tp kueue.TopicPartition, offset int64) error

	Close() error
}

// StoreFactory opens the store for one table topic.
type StoreFactory func(table string) (Store, error)

// MemoryStoreFactory gives every table a fresh MemoryStore.
func MemoryStoreFactory(table string) (Store, error) {
	return NewMemoryStore(), nil
}
