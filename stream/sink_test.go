package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kueuestream/kueue"
)

func TestSinkWriterPreservesKeyPartition(t *testing.T) {
	b := newTestBroker(t, map[string]int32{"out": 3})
	w := NewSinkWriter(b, "out", 0, time.Millisecond, nil, testLogger())
	assert.Equal(t, "out", w.Topic())

	p, off, err := w.Write(context.Background(), []byte("doodoo"), []byte("iPhone send to Siheung"))
	require.NoError(t, err)
	assert.Equal(t, kueue.HashPartition([]byte("doodoo"), 3), p)
	assert.EqualValues(t, 0, off)
}

func TestSinkWriterRetries(t *testing.T) {
	b := newTestBroker(t, map[string]int32{"out": 1})
	flaky := &flakyStorage{LogStorage: b, appendFailures: 2, appendErr: kueue.ErrUnavailable}
	w := NewSinkWriter(flaky, "out", 3, time.Millisecond, nil, testLogger())

	_, off, err := w.Write(context.Background(), []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, off)
	assert.Equal(t, 3, flaky.appendCalls)
	assert.Equal(t, []string{"v"}, values(readTopic(t, b, "out")))
}

func TestSinkWriterGivesUp(t *testing.T) {
	b := newTestBroker(t, map[string]int32{"out": 1})
	flaky := &flakyStorage{LogStorage: b, appendFailures: 10, appendErr: kueue.ErrUnavailable}
	w := NewSinkWriter(flaky, "out", 2, time.Millisecond, nil, testLogger())

	_, _, err := w.Write(context.Background(), []byte("k"), []byte("v"))
	var swe *SinkWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, 3, swe.Attempts)
	assert.Equal(t, "k", string(swe.Key))
	assert.ErrorIs(t, err, kueue.ErrUnavailable)
	assert.Equal(t, 3, flaky.appendCalls)
}

func TestSinkWriterUnknownTopicNotRetried(t *testing.T) {
	b := newTestBroker(t, nil)
	w := NewSinkWriter(b, "missing", 5, time.Millisecond, nil, testLogger())

	_, _, err := w.Write(context.Background(), []byte("k"), []byte("v"))
	var swe *SinkWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, 1, swe.Attempts)
	assert.ErrorIs(t, err, kueue.ErrUnknownTopic)
}

func TestSinkWriterCancelled(t *testing.T) {
	b := newTestBroker(t, map[string]int32{"out": 1})
	flaky := &flakyStorage{LogStorage: b, appendFailures: 10, appendErr: kueue.ErrUnavailable}
	w := NewSinkWriter(flaky, "out", 5, time.Hour, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := w.Write(ctx, []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
