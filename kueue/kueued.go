package kueue

import "fmt"

// Logging topics, attached to every log line as the "Topic" field.
const (
	DBroker  = "BROKER"
	DPersist = "PERSIST"
	DServer  = "SERVER"
	DClient  = "CLIENT"
)

// TopicPartition identifies one partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// String returns the id used for partition directories and map keys, e.g. "orders-2".
func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// Record represents a message record in a topic partition.
// A nil Value is a tombstone.
// reference: https://kafka.apache.org/documentation/#record
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp int64 // unix timestamp in milliseconds
	Key       []byte
	Value     []byte
}

// IsTombstone reports whether the record deletes its key.
func (r Record) IsTombstone() bool {
	return r.Value == nil
}

func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}
