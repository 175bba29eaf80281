package stream

import "time"

// Metrics receives driver, sink and table events. internal/metrics backs it
// with Prometheus.
type Metrics interface {
	RecordsPolled(topic string, partition int32, n int)
	RecordProcessed(topic string, outcome string)
	SinkWrite(topic string, took time.Duration, err error)
	CursorCommitted(topic string, partition int32, offset int64)
	TableApplied(table string, partition int32, offset int64)
	StateChanged(group string, state State)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordsPolled(string, int32, int)          {}
func (NopMetrics) RecordProcessed(string, string)            {}
func (NopMetrics) SinkWrite(string, time.Duration, error)    {}
func (NopMetrics) CursorCommitted(string, int32, int64)      {}
func (NopMetrics) TableApplied(string, int32, int64)         {}
func (NopMetrics) StateChanged(string, State)                {}
