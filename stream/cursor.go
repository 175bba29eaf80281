package stream

import (
	"context"

	"kueuestream/kueue"
)

// Cursor is the offset of the last fully processed record of a partition.
// -1 means nothing was processed yet.
type Cursor struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (c Cursor) TopicPartition() kueue.TopicPartition {
	return kueue.TopicPartition{Topic: c.Topic, Partition: c.Partition}
}

// CursorStore persists cursors per consumer group.
type CursorStore interface {
	// Load returns the committed cursor, or -1 if none was ever committed.
	Load(ctx context.Context, group string, tp kueue.TopicPartition) (int64, error)
	Commit(ctx context.Context, group string, c Cursor) error
}

// LogCursorStore keeps cursors in the log storage itself.
type LogCursorStore struct {
	storage kueue.LogStorage
}

var _ CursorStore = (*LogCursorStore)(nil)

func NewLogCursorStore(storage kueue.LogStorage) *LogCursorStore {
	return &LogCursorStore{storage: storage}
}

func (s *LogCursorStore) Load(ctx context.Context, group string, tp kueue.TopicPartition) (int64, error) {
	return s.storage.Committed(ctx, group, tp.Topic, tp.Partition)
}

func (s *LogCursorStore) Commit(ctx context.Context, group string, c Cursor) error {
	return s.storage.Commit(ctx, group, c.Topic, c.Partition, c.Offset)
}
