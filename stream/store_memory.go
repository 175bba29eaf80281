package stream

import "kueuestream/kueue"

// MemoryStore keeps the snapshot in a sharded, RW-locked map. It starts empty
// on every run, so tables backed by it replay their topic from the beginning.
type MemoryStore struct {
	data    *kueue.ConcurrentMap[string, []byte]
	applied *kueue.ConcurrentMap[kueue.TopicPartition, int64]
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    kueue.NewConcurrentMap[string, []byte](32),
		applied: kueue.NewConcurrentMap[kueue.TopicPartition, int64](8),
	}
}

func (s *MemoryStore) Get(key []byte) ([]byte, bool, error) {
	v, ok := s.data.Get(string(key))
	return v, ok, nil
}

// Put stores a private copy of value.
func (s *MemoryStore) Put(key, value []byte) error {
	s.data.Set(string(key), append([]byte{}, value...))
	return nil
}

func (s *MemoryStore) Delete(key []byte) error {
	s.data.Delete(string(key))
	return nil
}

// Len returns the number of keys in the snapshot.
func (s *MemoryStore) Len() int {
	return s.data.Count()
}

func (s *MemoryStore) AppliedOffsets() (map[kueue.TopicPartition]int64, error) {
	out := make(map[kueue.TopicPartition]int64)
	s.applied.Range(func(tp kueue.TopicPartition, offset int64) bool {
		out[tp] = offset
		return true
	})
	return out, nil
}

func (s *MemoryStore) SetApplied(tp kueue.TopicPartition, offset int64) error {
	s.applied.Set(tp, offset)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
