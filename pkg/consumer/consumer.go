package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kueuestream/kueue"
)

const defaultBatch = 100

const DConsumer = "CONSUMER"

// Handler is called once per record, in offset order within a partition.
type Handler func(r kueue.Record) error

// Consumer reads subscribed topics as a member of a consumer group, resuming
// from and committing to the group's offsets in the storage.
type Consumer struct {
	mu sync.RWMutex

	storage kueue.LogStorage
	group   string
	batch   int

	offsets map[kueue.TopicPartition]int64 // next offset to read
	logger  logrus.Entry
}

func NewConsumer(storage kueue.LogStorage, group string, logger logrus.Entry) *Consumer {
	return &Consumer{
		storage: storage,
		group:   group,
		batch:   defaultBatch,
		offsets: make(map[kueue.TopicPartition]int64),
		logger:  *logger.WithFields(logrus.Fields{"Topic": DConsumer, "group": group}),
	}
}

// Subscribe adds every partition of topic, positioned after the group's
// committed offset or at the earliest retained record.
func (c *Consumer) Subscribe(ctx context.Context, topic string) error {
	n, err := c.storage.Partitions(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	next := make(map[kueue.TopicPartition]int64, n)
	for p := int32(0); p < n; p++ {
		committed, err := c.storage.Committed(ctx, c.group, topic, p)
		if err != nil {
			return fmt.Errorf("subscribe %s-%d: %w", topic, p, err)
		}
		earliest, err := c.storage.EarliestOffset(ctx, topic, p)
		if err != nil {
			return fmt.Errorf("subscribe %s-%d: %w", topic, p, err)
		}
		next[kueue.TopicPartition{Topic: topic, Partition: p}] = max(committed+1, earliest)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for tp, off := range next {
		if _, exists := c.offsets[tp]; !exists {
			c.offsets[tp] = off
		}
	}
	c.logger.Infof("Subscribed to %s with %d partitions", topic, n)
	return nil
}

// Consume drains every subscribed partition up to its latest offset at call
// time, committing after each batch. Partitions are consumed concurrently.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	c.mu.RLock()
	tps := make([]kueue.TopicPartition, 0, len(c.offsets))
	for tp := range c.offsets {
		tps = append(tps, tp)
	}
	c.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, tp := range tps {
		tp := tp
		g.Go(func() error {
			return c.consumePartition(gctx, tp, handler)
		})
	}
	return g.Wait()
}

func (c *Consumer) consumePartition(ctx context.Context, tp kueue.TopicPartition, handler Handler) error {
	end, err := c.storage.LatestOffset(ctx, tp.Topic, tp.Partition)
	if err != nil {
		return err
	}
	for offset := c.getOffset(tp); offset < end; offset = c.getOffset(tp) {
		records, err := c.storage.Read(ctx, tp.Topic, tp.Partition, offset, c.batch, 0)
		if err != nil {
			return fmt.Errorf("read %s at %d: %w", tp, offset, err)
		}
		if len(records) == 0 {
			return nil
		}
		last := int64(-1)
		for _, r := range records {
			if err := handler(r); err != nil {
				if last >= 0 {
					_ = c.commitOffset(ctx, tp, last)
				}
				return fmt.Errorf("handle %s offset %d: %w", tp, r.Offset, err)
			}
			last = r.Offset
		}
		if err := c.commitOffset(ctx, tp, last); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) getOffset(tp kueue.TopicPartition) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offsets[tp]
}

// commitOffset records offset as processed and commits it for the group.
func (c *Consumer) commitOffset(ctx context.Context, tp kueue.TopicPartition, offset int64) error {
	c.mu.Lock()
	c.offsets[tp] = offset + 1
	c.mu.Unlock()
	if err := c.storage.Commit(ctx, c.group, tp.Topic, tp.Partition, offset); err != nil {
		c.logger.Warnf("Failed to commit %s offset %d: %v", tp, offset, err)
		return fmt.Errorf("commit %s: %w", tp, err)
	}
	return nil
}

// Positions returns the next offset to read per subscribed partition.
func (c *Consumer) Positions() map[kueue.TopicPartition]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[kueue.TopicPartition]int64, len(c.offsets))
	for tp, off := range c.offsets {
		out[tp] = off
	}
	return out
}

// Partitions lists the subscribed partitions in topic, partition order.
func (c *Consumer) Partitions() []kueue.TopicPartition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]kueue.TopicPartition, 0, len(c.offsets))
	for tp := range c.offsets {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}
