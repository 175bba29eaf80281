package stream

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"kueuestream/kueue"
)

// SinkWriter appends pipeline output to the destination topic. The storage
// partitions by key with the same hash the sources use, so a key stays in
// the same partition number end to end.
type SinkWriter struct {
	storage    kueue.LogStorage
	topic      string
	maxRetries int
	backoff    time.Duration
	metrics    Metrics
	logger     logrus.Entry
}

func NewSinkWriter(storage kueue.LogStorage, topic string, maxRetries int, backoff time.Duration, metrics Metrics, logger logrus.Entry) *SinkWriter {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &SinkWriter{
		storage:    storage,
		topic:      topic,
		maxRetries: maxRetries,
		backoff:    backoff,
		metrics:    metrics,
		logger:     *logger.WithField("Topic", DSink).WithField("sink", topic),
	}
}

// Topic returns the destination topic.
func (w *SinkWriter) Topic() string {
	return w.topic
}

// Write appends one record, retrying the same key and value with exponential
// backoff. A retry after an unacknowledged append may duplicate the record.
// After maxRetries retries it returns a *SinkWriteError.
func (w *SinkWriter) Write(ctx context.Context, key, value []byte) (int32, int64, error) {
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			d := backoff(attempt-1, w.backoff)
			w.logger.Warnf("Write attempt %d failed, retrying in %v: %v", attempt, d, lastErr)
			if !sleepCtx(ctx, d) {
				return 0, 0, ctx.Err()
			}
		}

		start := time.Now()
		partition, offset, err := w.storage.Append(ctx, w.topic, key, value)
		w.metrics.SinkWrite(w.topic, time.Since(start), err)
		if err == nil {
			return partition, offset, nil
		}
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		lastErr = err
		if !sinkRetryable(err) {
			return 0, 0, &SinkWriteError{Topic: w.topic, Key: key, Attempts: attempt + 1, Err: err}
		}
	}
	w.logger.Errorf("Giving up after %d attempts: %v", w.maxRetries+1, lastErr)
	return 0, 0, &SinkWriteError{Topic: w.topic, Key: key, Attempts: w.maxRetries + 1, Err: lastErr}
}

// sinkRetryable is false for errors a retry cannot fix.
func sinkRetryable(err error) bool {
	return !errors.Is(err, kueue.ErrUnknownTopic) && !errors.Is(err, kueue.ErrInvalid)
}
