package kueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync"
	"github.com/sirupsen/logrus"
)

type BrokerInfo struct {
	BrokerName   string // unique name of the broker
	NodeAddr     string // address the gRPC service listens on, host:port
	PersistBatch int    // records per segment file
	DataDir      string // empty keeps everything in memory
	Compression  Compression
}

// partitionLog is the in-memory copy of one partition. notify is closed and
// replaced on every append so readers can wait for new records.
type partitionLog struct {
	mu      sync.RWMutex
	records []Record
	base    int64
	notify  chan struct{}
}

func newPartitionLog(records []Record) *partitionLog {
	pl := &partitionLog{records: records, notify: make(chan struct{})}
	if len(records) > 0 {
		pl.base = records[0].Offset
	}
	return pl
}

func (pl *partitionLog) next() int64 {
	return pl.base + int64(len(pl.records))
}

// Broker is the in-process LogStorage. Partitions live in memory and, when a
// DataDir is configured, every append and commit is persisted before it is
// acknowledged.
type Broker struct {
	*BrokerInfo
	Data *xsync.Map // topic-partition id to *partitionLog

	mu       sync.RWMutex // guards Metadata
	Metadata *Metadata

	offsets     *ConcurrentMap[string, int64] // group/topic-partition to committed offset
	persister   *Persister
	partitioner Partitioner
	now         func() time.Time
	logger      logrus.Entry
}

var _ LogStorage = (*Broker)(nil)

// NewBroker creates a broker and reloads any topics and cursors found in bi.DataDir.
func NewBroker(bi *BrokerInfo, logger logrus.Entry) (*Broker, error) {
	b := &Broker{
		BrokerInfo:  bi,
		Data:        xsync.NewMap(),
		Metadata:    MakeNewMetadata(),
		offsets:     NewConcurrentMap[string, int64](16),
		partitioner: NewPartitioner(),
		now:         time.Now,
		logger:      logger,
	}
	if bi.DataDir == "" {
		return b, nil
	}

	b.persister = &Persister{
		BaseDir:        bi.DataDir,
		SegmentRecords: bi.PersistBatch,
		Compression:    bi.Compression,
	}
	data, err := b.persister.loadPersistedData()
	if err != nil {
		return nil, fmt.Errorf("load persisted data: %w", err)
	}
	tps := make([]TopicPartition, 0, len(data))
	for tp, records := range data {
		b.Data.Store(tp.String(), newPartitionLog(records))
		tps = append(tps, tp)
		b.logger.WithField("Topic", DPersist).Infof("Loaded %d records for %s", len(records), tp)
	}
	b.Metadata.restoreTopics(tps)

	if err := b.persister.loadGroupOffsets(b.offsets); err != nil {
		return nil, fmt.Errorf("load group offsets: %w", err)
	}
	b.logger.WithField("Topic", DPersist).Infof("Restored %d topics and %d group cursors from %s",
		len(b.Metadata.TopicInfos), b.offsets.Count(), bi.DataDir)
	return b, nil
}

func (b *Broker) CreateTopic(ctx context.Context, topic string, partitions int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, created, err := b.Metadata.createTopic(topic, partitions)
	if err != nil {
		b.logger.WithField("Topic", DBroker).Warnf("Create topic %s: %v", topic, err)
		return err
	}
	if !created {
		return nil
	}
	if b.persister != nil {
		if err := b.persister.createPartitionDirs(topic, partitions); err != nil {
			delete(b.Metadata.TopicInfos, topic)
			return fmt.Errorf("create topic %s: %w", topic, err)
		}
	}
	for i := int32(0); i < partitions; i++ {
		tp := TopicPartition{Topic: topic, Partition: i}
		b.Data.LoadOrStore(tp.String(), newPartitionLog(nil))
	}
	b.logger.WithField("Topic", DBroker).Infof("Topic %s with %d partitions created.", topic, partitions)
	return nil
}

func (b *Broker) Partitions(ctx context.Context, topic string) (int32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ti, err := b.Metadata.getTopic(topic)
	if err != nil {
		return 0, err
	}
	return ti.NumPartitions, nil
}

// Topics returns the names of all topics.
func (b *Broker) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.Metadata.topicNames()
}

func (b *Broker) Append(ctx context.Context, topic string, key, value []byte) (int32, int64, error) {
	n, err := b.Partitions(ctx, topic)
	if err != nil {
		return 0, 0, err
	}
	partition := b.partitioner(key, n)
	offset, err := b.AppendTo(ctx, topic, partition, key, value)
	return partition, offset, err
}

// AppendTo writes a record to an explicit partition.
func (b *Broker) AppendTo(ctx context.Context, topic string, partition int32, key, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pl, err := b.partition(topic, partition)
	if err != nil {
		return 0, err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	r := Record{
		Topic:     topic,
		Partition: partition,
		Offset:    pl.next(),
		Timestamp: b.now().UnixMilli(),
		Key:       cloneBytes(key),
		Value:     cloneBytes(value),
	}
	if b.persister != nil {
		if err := b.persister.persistRecords(r.TopicPartition(), r); err != nil {
			b.logger.WithField("Topic", DPersist).Errorf("Failed to persist %s offset %d: %v", r.TopicPartition(), r.Offset, err)
			return 0, fmt.Errorf("persist %s: %w", r.TopicPartition(), err)
		}
	}
	pl.records = append(pl.records, r)
	close(pl.notify)
	pl.notify = make(chan struct{})
	return r.Offset, nil
}

func (b *Broker) Read(ctx context.Context, topic string, partition int32, fromOffset int64, maxRecords int, timeout time.Duration) ([]Record, error) {
	if maxRecords <= 0 {
		return nil, fmt.Errorf("%w: maxRecords must be positive", ErrInvalid)
	}
	pl, err := b.partition(topic, partition)
	if err != nil {
		return nil, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		pl.mu.RLock()
		if fromOffset < pl.base || fromOffset > pl.next() {
			base, next := pl.base, pl.next()
			pl.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s-%d offset %d not in [%d, %d]", ErrOffsetOutOfRange, topic, partition, fromOffset, base, next)
		}
		if fromOffset < pl.next() {
			start := int(fromOffset - pl.base)
			end := min(start+maxRecords, len(pl.records))
			out := make([]Record, end-start)
			copy(out, pl.records[start:end])
			pl.mu.RUnlock()
			return out, nil
		}
		notify := pl.notify
		pl.mu.RUnlock()

		if timer == nil {
			return []Record{}, nil
		}
		select {
		case <-notify:
		case <-timer:
			return []Record{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Broker) Commit(ctx context.Context, group, topic string, partition int32, offset int64) error {
	if group == "" {
		return fmt.Errorf("%w: empty group", ErrInvalid)
	}
	pl, err := b.partition(topic, partition)
	if err != nil {
		return err
	}
	pl.mu.RLock()
	next := pl.next()
	pl.mu.RUnlock()
	if offset < -1 || offset >= next {
		return fmt.Errorf("%w: commit %d for %s-%d, latest is %d", ErrOffsetOutOfRange, offset, topic, partition, next)
	}

	tp := TopicPartition{Topic: topic, Partition: partition}
	if b.persister != nil {
		if err := b.persister.persistGroupOffset(group, tp, offset); err != nil {
			b.logger.WithField("Topic", DPersist).Errorf("Failed to persist offset %d for group %s on %s: %v", offset, group, tp, err)
			return fmt.Errorf("persist offset: %w", err)
		}
	}
	b.offsets.Set(groupOffsetKey(group, tp), offset)
	return nil
}

func (b *Broker) Committed(ctx context.Context, group, topic string, partition int32) (int64, error) {
	if _, err := b.partition(topic, partition); err != nil {
		return -1, err
	}
	offset, ok := b.offsets.Get(groupOffsetKey(group, TopicPartition{Topic: topic, Partition: partition}))
	if !ok {
		return -1, nil
	}
	return offset, nil
}

func (b *Broker) EarliestOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	pl, err := b.partition(topic, partition)
	if err != nil {
		return 0, err
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.base, nil
}

func (b *Broker) LatestOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	pl, err := b.partition(topic, partition)
	if err != nil {
		return 0, err
	}
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.next(), nil
}

func (b *Broker) Close() error {
	b.logger.WithField("Topic", DBroker).Infof("Broker %s closed", b.BrokerName)
	return nil
}

func (b *Broker) partition(topic string, partition int32) (*partitionLog, error) {
	b.mu.RLock()
	err := b.Metadata.checkPartition(topic, partition)
	b.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	tp := TopicPartition{Topic: topic, Partition: partition}
	v, _ := b.Data.LoadOrStore(tp.String(), newPartitionLog(nil))
	return v.(*partitionLog), nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
