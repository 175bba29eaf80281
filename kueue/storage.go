package kueue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownTopic is returned for operations on a topic that was never created.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrUnknownPartition is returned when the partition index is outside the topic.
	ErrUnknownPartition = errors.New("unknown partition")
	// ErrTopicExists is returned by CreateTopic when the partition count differs
	// from the existing topic.
	ErrTopicExists = errors.New("topic already exists")
	// ErrOffsetOutOfRange is returned when a read starts outside the retained log.
	ErrOffsetOutOfRange = errors.New("offset out of range")
	// ErrInvalid is returned when an operation has invalid arguments.
	ErrInvalid = errors.New("invalid")
	// ErrUnavailable is returned when the storage cannot be reached. It is retryable.
	ErrUnavailable = errors.New("log storage unavailable")
)

// LogStorage is the partitioned, append-only log every pipeline reads from and
// writes to. Offsets are dense and strictly increasing per partition.
type LogStorage interface {
	// CreateTopic creates a topic with a fixed partition count. Creating an
	// existing topic with the same count is a no-op.
	CreateTopic(ctx context.Context, topic string, partitions int32) error
	// Partitions returns the partition count of a topic.
	Partitions(ctx context.Context, topic string) (int32, error)
	// Append writes a record to the partition chosen by hashing key and
	// returns where it was stored.
	Append(ctx context.Context, topic string, key, value []byte) (partition int32, offset int64, err error)
	// Read returns up to maxRecords records starting at fromOffset. It waits at
	// most timeout for the first record and returns an empty slice if none
	// arrived.
	Read(ctx context.Context, topic string, partition int32, fromOffset int64, maxRecords int, timeout time.Duration) ([]Record, error)
	// Commit stores the offset of the last processed record for a group.
	Commit(ctx context.Context, group, topic string, partition int32, offset int64) error
	// Committed returns the last committed offset for a group, or -1.
	Committed(ctx context.Context, group, topic string, partition int32) (int64, error)
	// EarliestOffset returns the first retained offset.
	EarliestOffset(ctx context.Context, topic string, partition int32) (int64, error)
	// LatestOffset returns the offset the next appended record will get.
	LatestOffset(ctx context.Context, topic string, partition int32) (int64, error)
	Close() error
}
