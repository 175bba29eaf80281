package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kueuestream/kueue"
)

// truncatedStorage pretends everything before earliest was deleted.
type truncatedStorage struct {
	kueue.LogStorage
	earliest int64
}

func (s *truncatedStorage) Read(ctx context.Context, topic string, partition int32, from int64, maxRecords int, timeout time.Duration) ([]kueue.Record, error) {
	if from < s.earliest {
		return nil, fmt.Errorf("%w: %d", kueue.ErrOffsetOutOfRange, from)
	}
	return s.LogStorage.Read(ctx, topic, partition, from, maxRecords, timeout)
}

func (s *truncatedStorage) EarliestOffset(context.Context, string, int32) (int64, error) {
	return s.earliest, nil
}

func tp(topic string, p int32) kueue.TopicPartition {
	return kueue.TopicPartition{Topic: topic, Partition: p}
}

func TestReaderResumesAfterCursor(t *testing.T) {
	b := newTestBroker(t, map[string]int32{"in": 1})
	for i := 0; i < 5; i++ {
		produce(t, b, "in", "k", str(fmt.Sprint(i)))
	}

	r := NewReader(b, 10, 4, nil, testLogger())
	r.Assign(map[kueue.TopicPartition]int64{tp("in", 0): 1})
	next, ok := r.Position(tp("in", 0))
	assert.True(t, ok)
	assert.EqualValues(t, 2, next)

	records, err := r.Poll(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3", "4"}, values(records))

	records, err = r.Poll(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, records)

	r.Seek(tp("in", 0), -1)
	records, err = r.Poll(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestReaderMaxRecordsAndOrder(t *testing.T) {
	b := newTestBroker(t, map[string]int32{"in": 3})
	ctx := context.Background()
	for p := int32(0); p < 3; p++ {
		for i := 0; i < 4; i++ {
			_, err := b.AppendTo(ctx, "in", p, []byte("k"), []byte(fmt.Sprintf("%d-%d", p, i)))
			require.NoError(t, err)
		}
	}

	r := NewReader(b, 5, 2, nil, testLogger())
	r.Assign(map[kueue.TopicPartition]int64{tp("in", 0): -1, tp("in", 1): -1, tp("in", 2): -1})
	assert.Equal(t, []kueue.TopicPartition{tp("in", 0), tp("in", 1), tp("in", 2)}, r.Assignment())

	seen := make(map[int32][]int64)
	total := 0
	for total < 12 {
		records, err := r.Poll(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotEmpty(t, records)
		assert.LessOrEqual(t, len(records), 5)
		for _, rec := range records {
			seen[rec.Partition] = append(seen[rec.Partition], rec.Offset)
		}
		total += len(records)
	}
	for p := int32(0); p < 3; p++ {
		assert.Equal(t, []int64{0, 1, 2, 3}, seen[p], "partition %d in offset order", p)
	}
}

func TestReaderLongPollWakesOnAppend(t *testing.T) {
	b := newTestBroker(t, map[string]int32{"in": 2})
	r := NewReader(b, 10, 2, nil, testLogger())
	r.Assign(map[kueue.TopicPartition]int64{tp("in", 0): -1, tp("in", 1): -1})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.AppendTo(context.Background(), "in", 1, []byte("k"), []byte("late"))
	}()
	start := time.Now()
	records, err := r.Poll(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, values(records))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestReaderSkipsTruncatedOffsets(t *testing.T) {
	b := newTestBroker(t, map[string]int32{"in": 1})
	for i := 0; i < 5; i++ {
		produce(t, b, "in", "k", str(fmt.Sprint(i)))
	}
	r := NewReader(&truncatedStorage{LogStorage: b, earliest: 3}, 10, 1, nil, testLogger())
	r.Assign(map[kueue.TopicPartition]int64{tp("in", 0): -1})

	records, err := r.Poll(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, records)
	next, _ := r.Position(tp("in", 0))
	assert.EqualValues(t, 3, next)

	records, err = r.Poll(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4"}, values(records))
}

func TestReaderErrors(t *testing.T) {
	b := newTestBroker(t, map[string]int32{"in": 1})
	flaky := &flakyStorage{LogStorage: b, readDown: true}
	r := NewReader(flaky, 10, 1, nil, testLogger())
	r.Assign(map[kueue.TopicPartition]int64{tp("in", 0): -1})

	records, err := r.Poll(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.NotNil(t, records)
	assert.Empty(t, records)

	// A cursor past the end of the log cannot be repaired by skipping.
	r = NewReader(b, 10, 1, nil, testLogger())
	r.Assign(map[kueue.TopicPartition]int64{tp("in", 0): 10})
	_, err = r.Poll(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, kueue.ErrOffsetOutOfRange)
}

func TestReaderEmptyAssignment(t *testing.T) {
	r := NewReader(newTestBroker(t, nil), 10, 1, nil, testLogger())
	records, err := r.Poll(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, records)
}
