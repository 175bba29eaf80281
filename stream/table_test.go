package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kueuestream/kueue"
)

func tableRecord(partition int32, offset int64, key string, value *string) kueue.Record {
	r := kueue.Record{Topic: "address", Partition: partition, Offset: offset, Key: []byte(key)}
	if value != nil {
		r.Value = []byte(*value)
	}
	return r
}

func newTestTable(t *testing.T, storage kueue.LogStorage, store Store) *Table {
	t.Helper()
	cfg := TableConfigFrom(testConfig("g", "order"))
	tbl, err := NewTable("address", storage, store, cfg, nil, testLogger())
	require.NoError(t, err)
	return tbl
}

func lookup(t *testing.T, tbl *Table, key string) (string, bool) {
	t.Helper()
	v, ok, err := tbl.Lookup([]byte(key))
	require.NoError(t, err)
	return string(v), ok
}

func TestTableLastWriteWins(t *testing.T) {
	tbl := newTestTable(t, nil, NewMemoryStore())

	for i, v := range []string{"Seoul", "Siheung"} {
		applied, err := tbl.Apply(tableRecord(0, int64(i), "doodoo", str(v)))
		require.NoError(t, err)
		assert.True(t, applied)
	}
	v, ok := lookup(t, tbl, "doodoo")
	assert.True(t, ok)
	assert.Equal(t, "Siheung", v)
	assert.EqualValues(t, 1, tbl.Applied(0))
	assert.EqualValues(t, -1, tbl.Applied(1))
}

func TestTableTombstone(t *testing.T) {
	tbl := newTestTable(t, nil, NewMemoryStore())

	_, err := tbl.Apply(tableRecord(0, 0, "k", str("v")))
	require.NoError(t, err)
	_, err = tbl.Apply(tableRecord(0, 1, "k", nil))
	require.NoError(t, err)
	_, ok := lookup(t, tbl, "k")
	assert.False(t, ok)

	_, err = tbl.Apply(tableRecord(0, 2, "k", str("")))
	require.NoError(t, err)
	v, ok := lookup(t, tbl, "k")
	assert.True(t, ok, "empty value is not a tombstone")
	assert.Equal(t, "", v)
}

func TestTableApplyIdempotent(t *testing.T) {
	tbl := newTestTable(t, nil, NewMemoryStore())
	records := []kueue.Record{
		tableRecord(0, 0, "a", str("1")),
		tableRecord(0, 1, "b", str("2")),
		tableRecord(0, 2, "a", str("3")),
	}
	for _, r := range records {
		_, err := tbl.Apply(r)
		require.NoError(t, err)
	}
	// Replaying the range changes nothing.
	for _, r := range records {
		applied, err := tbl.Apply(r)
		require.NoError(t, err)
		assert.False(t, applied)
	}
	v, _ := lookup(t, tbl, "a")
	assert.Equal(t, "3", v)

	keyless := tableRecord(0, 3, "", str("x"))
	keyless.Key = nil
	applied, err := tbl.Apply(keyless)
	require.NoError(t, err)
	assert.True(t, applied, "keyless record advances the offset")
	assert.EqualValues(t, 3, tbl.Applied(0))
}

func TestTableBootstrapAndTail(t *testing.T) {
	b := newTestBroker(t, map[string]int32{"address": 3})
	produce(t, b, "address", "doodoo", str("Seoul"))
	produce(t, b, "address", "doodoo", str("Siheung"))
	produce(t, b, "address", "kim", str("Busan"))
	produce(t, b, "address", "kim", nil)

	tbl := newTestTable(t, b, NewMemoryStore())
	require.NoError(t, tbl.Bootstrap(context.Background()))

	v, ok := lookup(t, tbl, "doodoo")
	assert.True(t, ok)
	assert.Equal(t, "Siheung", v)
	_, ok = lookup(t, tbl, "kim")
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tbl.Run(ctx) }()

	produce(t, b, "address", "lee", str("Daegu"))
	assert.Eventually(t, func() bool {
		v, ok := lookup(t, tbl, "lee")
		return ok && v == "Daegu"
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestTableResumesFromStore(t *testing.T) {
	b := newTestBroker(t, map[string]int32{"address": 1})
	produce(t, b, "address", "k", str("v1"))

	store := NewMemoryStore()
	tbl := newTestTable(t, b, store)
	require.NoError(t, tbl.Bootstrap(context.Background()))

	produce(t, b, "address", "k", str("v2"))
	again := newTestTable(t, b, store)
	assert.EqualValues(t, 0, again.Applied(0))
	require.NoError(t, again.Bootstrap(context.Background()))
	v, _ := lookup(t, again, "k")
	assert.Equal(t, "v2", v)
	assert.EqualValues(t, 1, again.Applied(0))
}

func TestTableUnknownTopic(t *testing.T) {
	b := newTestBroker(t, nil)
	tbl := newTestTable(t, b, NewMemoryStore())
	err := tbl.Bootstrap(context.Background())
	assert.ErrorIs(t, err, kueue.ErrUnknownTopic)
}
