// Package stream runs filter and stream-table join pipelines over a
// kueue.LogStorage.
//
// A Driver owns one pipeline: it reads the assigned source partitions with a
// Reader, passes every record through the Pipeline operators (consulting
// Tables kept up to date by their own materializer goroutines), appends the
// result with a SinkWriter and commits cursors once the writes are
// acknowledged.
package stream

// Logging topics, attached to every log line as the "Topic" field.
const (
	DReader = "READER"
	DTable  = "TABLE"
	DSink   = "SINK"
	DDriver = "DRIVER"
	DAssign = "ASSIGN"
	DCursor = "CURSOR"
)
