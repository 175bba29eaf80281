package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrSourceUnavailable is returned by Reader.Poll when the log could not be
	// read. It is retryable.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrFailed is wrapped by the error Run returns once the driver is FAILED.
	ErrFailed = errors.New("pipeline failed")
	// ErrIllegalTransition reports a state change the state machine does not allow.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrInvalidPipeline is returned for operator lists that cannot run.
	ErrInvalidPipeline = errors.New("invalid pipeline")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid config")
)

// RecordProcessingError is a predicate or combiner failure for one record.
type RecordProcessingError struct {
	Operator  string
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *RecordProcessingError) Error() string {
	return fmt.Sprintf("%s failed on %s-%d offset %d: %v", e.Operator, e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *RecordProcessingError) Unwrap() error { return e.Err }

// SinkWriteError is returned once a sink write exhausted its retries.
type SinkWriteError struct {
	Topic    string
	Key      []byte
	Attempts int
	Err      error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("write to %s failed after %d attempts: %v", e.Topic, e.Attempts, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }

// CommitError is a cursor commit that exhausted its retries.
type CommitError struct {
	Cursor Cursor
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s-%d offset %d: %v", e.Cursor.Topic, e.Cursor.Partition, e.Cursor.Offset, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// ErrorTracker counts consecutive skipped records and reports when the run
// of errors is long enough to halt the pipeline.
type ErrorTracker struct {
	mu                sync.Mutex
	consecutiveErrors int
	maxConsecutive    int // 0 never halts
	totalErrors       int64
	logger            logrus.Entry
}

func NewErrorTracker(maxConsecutive int, logger logrus.Entry) *ErrorTracker {
	return &ErrorTracker{maxConsecutive: maxConsecutive, logger: logger}
}

// RecordError records an error and returns true if processing should halt.
func (et *ErrorTracker) RecordError(partition int32, offset int64, err error) bool {
	et.mu.Lock()
	defer et.mu.Unlock()

	et.consecutiveErrors++
	et.totalErrors++

	shouldHalt := et.maxConsecutive > 0 && et.consecutiveErrors >= et.maxConsecutive
	entry := et.logger.WithField("Topic", DDriver).WithFields(logrus.Fields{
		"partition":          partition,
		"offset":             offset,
		"consecutive_errors": et.consecutiveErrors,
	})
	if shouldHalt {
		entry.Errorf("Error threshold %d exceeded, halting: %v", et.maxConsecutive, err)
	} else {
		entry.Warnf("Skipping record: %v", err)
	}
	return shouldHalt
}

// RecordSuccess resets the consecutive error counter.
func (et *ErrorTracker) RecordSuccess() {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.consecutiveErrors = 0
}

// Stats returns the current consecutive and total error counts.
func (et *ErrorTracker) Stats() (consecutive int, total int64) {
	et.mu.Lock()
	defer et.mu.Unlock()
	return et.consecutiveErrors, et.totalErrors
}

const maxBackoff = 60 * time.Second

// backoff computes base * 2^attempt, capped at 60 seconds.
func backoff(attempt int, base time.Duration) time.Duration {
	if attempt > 30 {
		return maxBackoff
	}
	d := base * time.Duration(1<<uint(attempt))
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
