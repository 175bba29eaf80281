package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"kueuestream/kueue"
)

// Reader consumes the assigned source partitions. It keeps the next offset to
// read per partition and never returns a record at or below the cursor it was
// seeded with.
type Reader struct {
	storage    kueue.LogStorage
	maxRecords int
	sem        *semaphore.Weighted
	metrics    Metrics
	logger     logrus.Entry

	mu         sync.Mutex
	assignment []kueue.TopicPartition
	positions  map[kueue.TopicPartition]int64
	start      int
}

// NewReader reads at most maxRecords per Poll and at most parallel partitions at once.
func NewReader(storage kueue.LogStorage, maxRecords, parallel int, metrics Metrics, logger logrus.Entry) *Reader {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Reader{
		storage:    storage,
		maxRecords: maxRecords,
		sem:        semaphore.NewWeighted(int64(max(parallel, 1))),
		metrics:    metrics,
		logger:     *logger.WithField("Topic", DReader),
		positions:  make(map[kueue.TopicPartition]int64),
	}
}

// Assign replaces the assignment. cursors holds the last processed offset per
// partition (-1 for none); reading resumes right after it.
func (r *Reader) Assign(cursors map[kueue.TopicPartition]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.assignment = r.assignment[:0]
	r.positions = make(map[kueue.TopicPartition]int64, len(cursors))
	for tp, cursor := range cursors {
		r.assignment = append(r.assignment, tp)
		r.positions[tp] = cursor + 1
	}
	sortTopicPartitions(r.assignment)
	r.start = 0
}

// Seek moves an assigned partition so the next record read is cursor+1.
func (r *Reader) Seek(tp kueue.TopicPartition, cursor int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.positions[tp]; ok {
		r.positions[tp] = cursor + 1
	}
}

// Position returns the next offset to read from tp.
func (r *Reader) Position(tp kueue.TopicPartition) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ok := r.positions[tp]
	return next, ok
}

// Assignment returns the assigned partitions in sorted order.
func (r *Reader) Assignment() []kueue.TopicPartition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kueue.TopicPartition(nil), r.assignment...)
}

type partitionError struct {
	tp  kueue.TopicPartition
	err error
}

func (e *partitionError) Error() string { return fmt.Sprintf("read %s: %v", e.tp, e.err) }
func (e *partitionError) Unwrap() error { return e.err }

// Poll returns up to maxRecords records, waiting at most timeout when no
// partition has data. Records are in offset order per partition; partitions
// are visited starting at a rotating index so none is starved. On a storage
// outage it returns an empty slice and an error wrapping ErrSourceUnavailable.
func (r *Reader) Poll(ctx context.Context, timeout time.Duration) ([]kueue.Record, error) {
	r.mu.Lock()
	order := make([]kueue.TopicPartition, 0, len(r.assignment))
	for i := range r.assignment {
		order = append(order, r.assignment[(r.start+i)%len(r.assignment)])
	}
	from := make(map[kueue.TopicPartition]int64, len(order))
	for _, tp := range order {
		from[tp] = r.positions[tp]
	}
	r.start++
	r.mu.Unlock()

	if len(order) == 0 {
		sleepCtx(ctx, timeout)
		return []kueue.Record{}, ctx.Err()
	}

	results, err := r.fetch(ctx, order, from, 0)
	if err == nil && isEmpty(results) {
		results, err = r.fetch(ctx, order, from, timeout)
	}
	if err != nil {
		return []kueue.Record{}, r.classify(ctx, err)
	}

	out := make([]kueue.Record, 0)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, tp := range order {
		n := 0
		for _, rec := range results[i] {
			if len(out) >= r.maxRecords {
				break
			}
			if rec.Offset < from[tp] {
				continue
			}
			out = append(out, rec)
			r.positions[tp] = rec.Offset + 1
			n++
		}
		if n > 0 {
			r.metrics.RecordsPolled(tp.Topic, tp.Partition, n)
		}
	}
	return out, nil
}

// fetch reads every partition concurrently. With a positive timeout the
// first partition to return data cancels the remaining long polls.
func (r *Reader) fetch(ctx context.Context, order []kueue.TopicPartition, from map[kueue.TopicPartition]int64, timeout time.Duration) ([][]kueue.Record, error) {
	results := make([][]kueue.Record, len(order))
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(fctx)
	for i, tp := range order {
		i, tp := i, tp
		g.Go(func() error {
			if err := r.sem.Acquire(gctx, 1); err != nil {
				if ctx.Err() == nil && fctx.Err() != nil {
					return nil
				}
				return err
			}
			defer r.sem.Release(1)

			records, err := r.storage.Read(gctx, tp.Topic, tp.Partition, from[tp], r.maxRecords, timeout)
			if err != nil {
				if ctx.Err() == nil && fctx.Err() != nil && !errors.Is(err, kueue.ErrOffsetOutOfRange) {
					return nil
				}
				return &partitionError{tp: tp, err: err}
			}
			results[i] = records
			if timeout > 0 && len(records) > 0 {
				cancel()
			}
			return nil
		})
	}
	return results, g.Wait()
}

// classify turns a read failure into what the driver acts on.
func (r *Reader) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var pe *partitionError
	if errors.As(err, &pe) && errors.Is(err, kueue.ErrOffsetOutOfRange) {
		earliest, eerr := r.storage.EarliestOffset(ctx, pe.tp.Topic, pe.tp.Partition)
		if eerr != nil {
			return fmt.Errorf("%w: %v", ErrSourceUnavailable, eerr)
		}
		r.mu.Lock()
		next := r.positions[pe.tp]
		if next < earliest {
			r.positions[pe.tp] = earliest
		}
		r.mu.Unlock()
		if next < earliest {
			r.logger.WithField("partition", pe.tp.String()).
				Warnf("Offset %d is no longer retained, skipping to %d", next, earliest)
			return nil
		}
		// The cursor is past the end of the log: the log lost data.
		return fmt.Errorf("cursor ahead of log: %w", err)
	}
	if errors.Is(err, kueue.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return err
}

func isEmpty(results [][]kueue.Record) bool {
	for _, rs := range results {
		if len(rs) > 0 {
			return false
		}
	}
	return true
}

func sortTopicPartitions(tps []kueue.TopicPartition) {
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
}
