package stream

import (
	"fmt"
	"time"
)

// ErrorPolicy decides what a RecordProcessingError does to the pipeline.
type ErrorPolicy string

const (
	// PolicySkip logs the record, advances the cursor and keeps going.
	PolicySkip ErrorPolicy = "skip"
	// PolicyFail moves the driver to FAILED.
	PolicyFail ErrorPolicy = "fail"
)

// Config contains configuration for a Driver.
type Config struct {
	GroupID      string   // consumer group the cursors are committed under
	InstanceID   string   // this instance's member id (default: GroupID)
	Members      []string // all member ids sharing the group (default: just InstanceID)
	SourceTopics []string // topics the pipeline reads

	OnRecordError ErrorPolicy   // skip or fail (default: skip)
	PollTimeout   time.Duration // max wait per poll (default: 100ms)
	MaxRecords    int           // max records per poll (default: 500)
	ReadParallel  int           // max concurrent partition reads (default: 8)

	MaxSourceRetries     int           // 0 retries forever (default: 0)
	MaxSinkRetries       int           // retries per output record (default: 5)
	MaxCommitRetries     int           // retries per cursor commit (default: 3)
	RetryBackoff         time.Duration // base of the exponential backoff (default: 100ms)
	MaxConsecutiveErrors int           // skipped records in a row before FAILED, 0 disables (default: 0)
}

// DefaultConfig returns a config with defaults for everything but the group
// and topics.
func DefaultConfig() Config {
	return Config{
		OnRecordError:    PolicySkip,
		PollTimeout:      100 * time.Millisecond,
		MaxRecords:       500,
		ReadParallel:     8,
		MaxSourceRetries: 0,
		MaxSinkRetries:   5,
		MaxCommitRetries: 3,
		RetryBackoff:     100 * time.Millisecond,
	}
}

// Validate checks if config is valid.
func (c Config) Validate() error {
	if c.GroupID == "" {
		return fmt.Errorf("%w: GroupID is required", ErrInvalidConfig)
	}
	if len(c.SourceTopics) == 0 {
		return fmt.Errorf("%w: at least one source topic is required", ErrInvalidConfig)
	}
	if c.OnRecordError != PolicySkip && c.OnRecordError != PolicyFail {
		return fmt.Errorf("%w: OnRecordError must be skip or fail, got %q", ErrInvalidConfig, c.OnRecordError)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("%w: PollTimeout must be > 0", ErrInvalidConfig)
	}
	if c.MaxRecords <= 0 {
		return fmt.Errorf("%w: MaxRecords must be > 0, got %d", ErrInvalidConfig, c.MaxRecords)
	}
	if c.ReadParallel <= 0 {
		return fmt.Errorf("%w: ReadParallel must be > 0, got %d", ErrInvalidConfig, c.ReadParallel)
	}
	if c.MaxSourceRetries < 0 || c.MaxSinkRetries < 0 || c.MaxCommitRetries < 0 || c.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("%w: retry limits must be >= 0", ErrInvalidConfig)
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("%w: RetryBackoff must be > 0", ErrInvalidConfig)
	}
	return nil
}

func (c Config) instanceID() string {
	if c.InstanceID != "" {
		return c.InstanceID
	}
	return c.GroupID
}

func (c Config) members() []string {
	if len(c.Members) > 0 {
		return c.Members
	}
	return []string{c.instanceID()}
}
