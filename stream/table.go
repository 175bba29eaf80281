package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kueuestream/kueue"
)

// TableConfig tunes how a Table reads its topic.
type TableConfig struct {
	PollTimeout      time.Duration
	MaxRecords       int
	RetryBackoff     time.Duration
	MaxSourceRetries int // bootstrap only; Run retries forever
}

// TableConfigFrom derives the table settings from a driver Config.
func TableConfigFrom(c Config) TableConfig {
	return TableConfig{
		PollTimeout:      c.PollTimeout,
		MaxRecords:       c.MaxRecords,
		RetryBackoff:     c.RetryBackoff,
		MaxSourceRetries: c.MaxSourceRetries,
	}
}

// Table materializes a topic into a last-write-wins key/value snapshot.
// Apply is the only writer; Lookup may be called from any goroutine.
type Table struct {
	topic   string
	storage kueue.LogStorage
	store   Store
	cfg     TableConfig
	metrics Metrics
	logger  logrus.Entry

	// highest applied offset per partition, -1 when nothing was applied yet
	applied *kueue.ConcurrentMap[kueue.TopicPartition, int64]
}

var _ Lookuper = (*Table)(nil)

// NewTable creates the table for topic and restores the applied offsets the
// store already knows about.
func NewTable(topic string, storage kueue.LogStorage, store Store, cfg TableConfig, metrics Metrics, logger logrus.Entry) (*Table, error) {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	t := &Table{
		topic:   topic,
		storage: storage,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  *logger.WithField("Topic", DTable).WithField("table", topic),
		applied: kueue.NewConcurrentMap[kueue.TopicPartition, int64](8),
	}
	offsets, err := store.AppliedOffsets()
	if err != nil {
		return nil, fmt.Errorf("load applied offsets for %s: %w", topic, err)
	}
	for tp, off := range offsets {
		if tp.Topic == topic {
			t.applied.Set(tp, off)
		}
	}
	return t, nil
}

// Name returns the table topic.
func (t *Table) Name() string {
	return t.topic
}

// Lookup returns the latest value applied for key.
func (t *Table) Lookup(key []byte) ([]byte, bool, error) {
	return t.store.Get(key)
}

// Applied returns the highest applied offset of a partition, or -1.
func (t *Table) Applied(partition int32) int64 {
	off, ok := t.applied.Get(kueue.TopicPartition{Topic: t.topic, Partition: partition})
	if !ok {
		return -1
	}
	return off
}

// Apply puts or deletes r.Key. Records at or below the partition's applied
// offset were already applied and are ignored, which makes replay idempotent.
// It reports whether the record changed the snapshot position.
func (t *Table) Apply(r kueue.Record) (bool, error) {
	tp := kueue.TopicPartition{Topic: t.topic, Partition: r.Partition}
	if r.Offset <= t.Applied(r.Partition) {
		return false, nil
	}

	switch {
	case r.Key == nil:
		t.logger.WithFields(logrus.Fields{"partition": r.Partition, "offset": r.Offset}).
			Warnf("Ignoring table record without key")
	case r.IsTombstone():
		if err := t.store.Delete(r.Key); err != nil {
			return false, fmt.Errorf("delete %q: %w", r.Key, err)
		}
	default:
		if err := t.store.Put(r.Key, r.Value); err != nil {
			return false, fmt.Errorf("put %q: %w", r.Key, err)
		}
	}

	if err := t.store.SetApplied(tp, r.Offset); err != nil {
		return false, fmt.Errorf("set applied offset: %w", err)
	}
	t.applied.Set(tp, r.Offset)
	t.metrics.TableApplied(t.topic, r.Partition, r.Offset)
	return true, nil
}

// Bootstrap replays every partition up to the latest offset seen when it
// starts. Joins may run once it returns.
func (t *Table) Bootstrap(ctx context.Context) error {
	partitions, err := retrySource(ctx, t.cfg.MaxSourceRetries, t.cfg.RetryBackoff, t.logger, func() (int32, error) {
		return t.storage.Partitions(ctx, t.topic)
	})
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", t.topic, err)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for p := int32(0); p < partitions; p++ {
		p := p
		g.Go(func() error {
			return t.bootstrapPartition(gctx, p)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("bootstrap %s: %w", t.topic, err)
	}
	t.logger.Infof("Bootstrapped %d partitions in %v", partitions, time.Since(start))
	return nil
}

func (t *Table) bootstrapPartition(ctx context.Context, partition int32) error {
	target, err := retrySource(ctx, t.cfg.MaxSourceRetries, t.cfg.RetryBackoff, t.logger, func() (int64, error) {
		return t.storage.LatestOffset(ctx, t.topic, partition)
	})
	if err != nil {
		return err
	}

	var wait time.Duration
	for t.Applied(partition)+1 < target {
		n, err := retrySource(ctx, t.cfg.MaxSourceRetries, t.cfg.RetryBackoff, t.logger, func() (int, error) {
			return t.poll(ctx, partition, wait)
		})
		if err != nil {
			return err
		}
		if n == 0 {
			wait = t.cfg.PollTimeout
		}
	}
	t.logger.WithField("partition", partition).Debugf("Replayed up to offset %d", target-1)
	return nil
}

// Run tails every partition until ctx is done. Source errors are logged and
// retried with backoff; they never stop the table.
func (t *Table) Run(ctx context.Context) error {
	partitions, err := retrySource(ctx, 0, t.cfg.RetryBackoff, t.logger, func() (int32, error) {
		return t.storage.Partitions(ctx, t.topic)
	})
	if err != nil {
		return nilOnCancel(ctx, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for p := int32(0); p < partitions; p++ {
		p := p
		g.Go(func() error {
			attempt := 0
			for gctx.Err() == nil {
				if _, err := t.poll(gctx, p, t.cfg.PollTimeout); err != nil {
					if gctx.Err() != nil {
						break
					}
					if !isRetryable(err) {
						return err
					}
					d := backoff(attempt, t.cfg.RetryBackoff)
					t.logger.WithField("partition", p).Warnf("Tail failed, retrying in %v: %v", d, err)
					attempt++
					if !sleepCtx(gctx, d) {
						break
					}
					continue
				}
				attempt = 0
			}
			return nil
		})
	}
	return nilOnCancel(ctx, g.Wait())
}

// poll reads one batch after the applied offset and applies it.
func (t *Table) poll(ctx context.Context, partition int32, timeout time.Duration) (int, error) {
	from := t.Applied(partition) + 1
	records, err := t.storage.Read(ctx, t.topic, partition, from, t.cfg.MaxRecords, timeout)
	if errors.Is(err, kueue.ErrOffsetOutOfRange) {
		earliest, eerr := t.storage.EarliestOffset(ctx, t.topic, partition)
		if eerr != nil {
			return 0, eerr
		}
		if from >= earliest {
			return 0, err
		}
		t.logger.WithField("partition", partition).Warnf("Offset %d is no longer retained, resuming at %d", from, earliest)
		records, err = t.storage.Read(ctx, t.topic, partition, earliest, t.cfg.MaxRecords, timeout)
	}
	if err != nil {
		return 0, err
	}
	for _, r := range records {
		if _, err := t.Apply(r); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

func (t *Table) Close() error {
	return t.store.Close()
}

// isRetryable reports whether a storage error may clear up on its own.
func isRetryable(err error) bool {
	return errors.Is(err, kueue.ErrUnavailable) || errors.Is(err, ErrSourceUnavailable)
}

// retrySource calls fn until it succeeds, fails with a non-retryable error,
// or maxRetries retries (0 = unlimited) were spent.
func retrySource[T any](ctx context.Context, maxRetries int, base time.Duration, logger logrus.Entry, fn func() (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil || !isRetryable(err) {
			return v, err
		}
		if maxRetries > 0 && attempt >= maxRetries {
			return v, fmt.Errorf("%w after %d retries: %v", ErrSourceUnavailable, attempt, err)
		}
		d := backoff(attempt, base)
		logger.Warnf("Source unavailable, retrying in %v: %v", d, err)
		if !sleepCtx(ctx, d) {
			return v, ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nilOnCancel(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
