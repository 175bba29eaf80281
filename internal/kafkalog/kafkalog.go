// Package kafkalog implements kueue.LogStorage on a Kafka cluster.
package kafkalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"kueuestream/kueue"
)

const DKafka = "KAFKA"

// minPoll is how long a Read with no timeout waits for buffered fetches.
const minPoll = 10 * time.Millisecond

type Config struct {
	Brokers           []string
	ReplicationFactor int16 // -1 uses the broker default
}

// producer is the part of *kgo.Client used for appends.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// poller is the part of *kgo.Client used for partition reads.
type poller interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	Close()
}

// admin is the part of *kadm.Client used for topics, offsets and commits.
type admin interface {
	CreateTopic(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error)
	ListTopics(ctx context.Context, topics ...string) (kadm.TopicDetails, error)
	ListStartOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	ListEndOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	CommitOffsets(ctx context.Context, group string, os kadm.Offsets) (kadm.OffsetResponses, error)
	FetchOffsets(ctx context.Context, group string) (kadm.OffsetResponses, error)
}

// consumerFactory opens a consumer positioned at from.
type consumerFactory func(topic string, partition int32, from int64) (poller, error)

// partitionReader is a consumer pinned to one partition. next is the offset
// its next poll returns.
type partitionReader struct {
	mu     sync.Mutex
	client poller
	next   int64
}

// Storage keys records with the kueue partitioner so partition numbers match
// the in-process broker.
type Storage struct {
	cfg         Config
	producer    producer
	admin       admin
	newConsumer consumerFactory
	partitioner kueue.Partitioner

	partitions *kueue.ConcurrentMap[string, int32]
	readers    *kueue.ConcurrentMap[kueue.TopicPartition, *partitionReader]
	logger     logrus.Entry
}

var _ kueue.LogStorage = (*Storage)(nil)

func Open(cfg Config, logger logrus.Entry) (*Storage, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no brokers", kueue.ErrInvalid)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	consume := func(topic string, partition int32, from int64) (poller, error) {
		return kgo.NewClient(
			kgo.SeedBrokers(cfg.Brokers...),
			kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
				topic: {partition: kgo.NewOffset().At(from)},
			}),
		)
	}
	return newStorage(cfg, client, kadm.NewClient(client), consume, logger), nil
}

func newStorage(cfg Config, p producer, a admin, consume consumerFactory, logger logrus.Entry) *Storage {
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = -1
	}
	return &Storage{
		cfg:         cfg,
		producer:    p,
		admin:       a,
		newConsumer: consume,
		partitioner: kueue.NewPartitioner(),
		partitions:  kueue.NewConcurrentMap[string, int32](8),
		readers:     kueue.NewConcurrentMap[kueue.TopicPartition, *partitionReader](16),
		logger:      *logger.WithField("Topic", DKafka),
	}
}

func (s *Storage) CreateTopic(ctx context.Context, topic string, partitions int32) error {
	if topic == "" || partitions <= 0 {
		return fmt.Errorf("%w: topic %q with %d partitions", kueue.ErrInvalid, topic, partitions)
	}
	resp, err := s.admin.CreateTopic(ctx, partitions, s.cfg.ReplicationFactor, nil, topic)
	if err != nil {
		return mapError(err)
	}
	if errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		n, err := s.Partitions(ctx, topic)
		if err != nil {
			return err
		}
		if n != partitions {
			return fmt.Errorf("%w: %s has %d partitions, not %d", kueue.ErrTopicExists, topic, n, partitions)
		}
		return nil
	}
	if resp.Err != nil {
		return mapError(resp.Err)
	}
	s.partitions.Set(topic, partitions)
	s.logger.Infof("Topic %s with %d partitions created.", topic, partitions)
	return nil
}

func (s *Storage) Partitions(ctx context.Context, topic string) (int32, error) {
	if n, ok := s.partitions.Get(topic); ok {
		return n, nil
	}
	details, err := s.admin.ListTopics(ctx, topic)
	if err != nil {
		return 0, mapError(err)
	}
	d, ok := details[topic]
	if !ok {
		return 0, fmt.Errorf("%w: %s", kueue.ErrUnknownTopic, topic)
	}
	if d.Err != nil {
		return 0, mapError(d.Err)
	}
	n := int32(len(d.Partitions))
	s.partitions.Set(topic, n)
	return n, nil
}

func (s *Storage) Append(ctx context.Context, topic string, key, value []byte) (int32, int64, error) {
	n, err := s.Partitions(ctx, topic)
	if err != nil {
		return 0, 0, err
	}
	partition := s.partitioner(key, n)
	r, err := s.producer.ProduceSync(ctx, &kgo.Record{
		Topic:     topic,
		Partition: partition,
		Key:       key,
		Value:     value,
	}).First()
	if err != nil {
		return 0, 0, mapError(err)
	}
	return r.Partition, r.Offset, nil
}

func (s *Storage) reader(tp kueue.TopicPartition) *partitionReader {
	return s.readers.Upsert(tp, func(old *partitionReader, exists bool) *partitionReader {
		if exists {
			return old
		}
		return &partitionReader{next: -1}
	})
}

// Read reuses the partition's consumer while reads are contiguous and
// repositions it otherwise.
func (s *Storage) Read(ctx context.Context, topic string, partition int32, fromOffset int64, maxRecords int, timeout time.Duration) ([]kueue.Record, error) {
	if maxRecords <= 0 {
		return nil, fmt.Errorf("%w: maxRecords must be positive", kueue.ErrInvalid)
	}
	tp := kueue.TopicPartition{Topic: topic, Partition: partition}
	pr := s.reader(tp)
	pr.mu.Lock()
	defer pr.mu.Unlock()

	if pr.client == nil || pr.next != fromOffset {
		start, err := s.EarliestOffset(ctx, topic, partition)
		if err != nil {
			return nil, err
		}
		end, err := s.LatestOffset(ctx, topic, partition)
		if err != nil {
			return nil, err
		}
		if fromOffset < start || fromOffset > end {
			return nil, fmt.Errorf("%w: %s offset %d not in [%d, %d]", kueue.ErrOffsetOutOfRange, tp, fromOffset, start, end)
		}
		if pr.client != nil {
			pr.client.Close()
		}
		client, err := s.newConsumer(topic, partition, fromOffset)
		if err != nil {
			return nil, mapError(err)
		}
		pr.client, pr.next = client, fromOffset
		s.logger.WithField("partition", tp.String()).Debugf("Consumer positioned at %d", fromOffset)
	}

	wait := max(timeout, minPoll)
	pctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	fetches := pr.client.PollRecords(pctx, maxRecords)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ferr error
	fetches.EachError(func(_ string, _ int32, err error) {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) && ferr == nil {
			ferr = err
		}
	})
	if ferr != nil {
		return nil, mapError(ferr)
	}

	out := make([]kueue.Record, 0, fetches.NumRecords())
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, fromKgo(r))
	})
	if len(out) > 0 {
		pr.next = out[len(out)-1].Offset + 1
	}
	return out, nil
}

// Commit stores offset+1, the next offset to read, as Kafka expects.
func (s *Storage) Commit(ctx context.Context, group, topic string, partition int32, offset int64) error {
	if group == "" {
		return fmt.Errorf("%w: empty group", kueue.ErrInvalid)
	}
	var offsets kadm.Offsets
	offsets.Add(kadm.Offset{Topic: topic, Partition: partition, At: offset + 1, LeaderEpoch: -1})
	resps, err := s.admin.CommitOffsets(ctx, group, offsets)
	if err != nil {
		return mapError(err)
	}
	if err := resps.Error(); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Storage) Committed(ctx context.Context, group, topic string, partition int32) (int64, error) {
	resps, err := s.admin.FetchOffsets(ctx, group)
	if errors.Is(err, kerr.GroupIDNotFound) {
		return -1, nil
	}
	if err != nil {
		return -1, mapError(err)
	}
	r, ok := resps.Lookup(topic, partition)
	if !ok {
		return -1, nil
	}
	if r.Err != nil {
		return -1, mapError(r.Err)
	}
	return cursorFromCommitted(r.At), nil
}

func (s *Storage) EarliestOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	listed, err := s.admin.ListStartOffsets(ctx, topic)
	return lookupOffset(listed, err, topic, partition)
}

func (s *Storage) LatestOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	listed, err := s.admin.ListEndOffsets(ctx, topic)
	return lookupOffset(listed, err, topic, partition)
}

func lookupOffset(listed kadm.ListedOffsets, err error, topic string, partition int32) (int64, error) {
	if err != nil {
		return 0, mapError(err)
	}
	o, ok := listed.Lookup(topic, partition)
	if !ok {
		return 0, fmt.Errorf("%w: %s-%d", kueue.ErrUnknownPartition, topic, partition)
	}
	if o.Err != nil {
		return 0, mapError(o.Err)
	}
	return o.Offset, nil
}

func (s *Storage) Close() error {
	s.readers.Range(func(_ kueue.TopicPartition, pr *partitionReader) bool {
		pr.mu.Lock()
		if pr.client != nil {
			pr.client.Close()
			pr.client = nil
		}
		pr.mu.Unlock()
		return true
	})
	s.producer.Close()
	return nil
}

func fromKgo(r *kgo.Record) kueue.Record {
	return kueue.Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp.UnixMilli(),
		Key:       r.Key,
		Value:     r.Value,
	}
}

// cursorFromCommitted converts Kafka's next-to-read offset to a cursor.
func cursorFromCommitted(at int64) int64 {
	if at <= 0 {
		return -1
	}
	return at - 1
}

// mapError translates Kafka errors into the storage sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch {
	case errors.Is(err, kerr.UnknownTopicOrPartition):
		return fmt.Errorf("%w: %v", kueue.ErrUnknownTopic, err)
	case errors.Is(err, kerr.OffsetOutOfRange):
		return fmt.Errorf("%w: %v", kueue.ErrOffsetOutOfRange, err)
	case errors.Is(err, kerr.InvalidTopicException),
		errors.Is(err, kerr.InvalidPartitions),
		errors.Is(err, kerr.InvalidReplicationFactor):
		return fmt.Errorf("%w: %v", kueue.ErrInvalid, err)
	}
	var ke *kerr.Error
	if errors.As(err, &ke) && !kerr.IsRetriable(err) {
		return fmt.Errorf("kafka: %w", err)
	}
	return fmt.Errorf("%w: %v", kueue.ErrUnavailable, err)
}
