package etcdcursor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"

	"kueuestream/internal/testutil"
	"kueuestream/kueue"
	"kueuestream/stream"
)

func TestCursorKey(t *testing.T) {
	tp := kueue.TopicPartition{Topic: "order", Partition: 2}
	assert.Equal(t, "/kueuestream/cursors/order-join-application/order/2", cursorKey("/kueuestream/cursors", "order-join-application", tp))
	assert.Equal(t, "/p/g/", groupPrefix("/p", "g"))
	assert.Equal(t, "/p/g/", groupPrefix("/p/", "g"))
}

func TestDecodeCursors(t *testing.T) {
	states := []cursorState{
		{Topic: "order", Partition: 2, Offset: 10},
		{Topic: "address", Partition: 0, Offset: -1},
		{Topic: "order", Partition: 0, Offset: 4},
	}
	kvs := make([]*mvccpb.KeyValue, 0, len(states))
	for _, st := range states {
		data, err := json.Marshal(st)
		require.NoError(t, err)
		kvs = append(kvs, &mvccpb.KeyValue{Key: []byte("k"), Value: data})
	}

	got, err := decodeCursors(kvs)
	require.NoError(t, err)
	assert.Equal(t, []stream.Cursor{
		{Topic: "address", Partition: 0, Offset: -1},
		{Topic: "order", Partition: 0, Offset: 4},
		{Topic: "order", Partition: 2, Offset: 10},
	}, got)

	_, err = decodeCursors([]*mvccpb.KeyValue{{Key: []byte("bad"), Value: []byte("{")}})
	assert.Error(t, err)
}

func TestUnavailable(t *testing.T) {
	err := unavailable(context.Background(), errors.New("connection refused"))
	assert.ErrorIs(t, err, kueue.ErrUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, unavailable(ctx, errors.New("x")), context.Canceled)
}

func openTestStore(t *testing.T) *Store {
	endpoints := testutil.StartEmbeddedEtcd(t)
	s, err := Open(Config{Endpoints: endpoints, Prefix: "/kueuestream/cursors"}, *logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreLoadCommit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	order2 := kueue.TopicPartition{Topic: "order", Partition: 2}

	off, err := s.Load(ctx, "order-join-application", order2)
	require.NoError(t, err)
	assert.EqualValues(t, -1, off)

	require.NoError(t, s.Commit(ctx, "order-join-application", stream.Cursor{Topic: "order", Partition: 2, Offset: 41}))
	require.NoError(t, s.Commit(ctx, "order-join-application", stream.Cursor{Topic: "order", Partition: 0, Offset: 3}))
	require.NoError(t, s.Commit(ctx, "order-join-application", stream.Cursor{Topic: "order", Partition: 2, Offset: 42}))
	require.NoError(t, s.Commit(ctx, "other-group", stream.Cursor{Topic: "order", Partition: 2, Offset: 7}))

	off, err = s.Load(ctx, "order-join-application", order2)
	require.NoError(t, err)
	assert.EqualValues(t, 42, off)

	cursors, err := s.List(ctx, "order-join-application")
	require.NoError(t, err)
	assert.Equal(t, []stream.Cursor{
		{Topic: "order", Partition: 0, Offset: 3},
		{Topic: "order", Partition: 2, Offset: 42},
	}, cursors)
}

func TestStoreResumesAcrossClients(t *testing.T) {
	ctx := context.Background()
	endpoints := testutil.StartEmbeddedEtcd(t)
	logger := *logrus.NewEntry(logrus.New())

	first, err := Open(Config{Endpoints: endpoints, Prefix: "/p"}, logger)
	require.NoError(t, err)
	require.NoError(t, first.Commit(ctx, "g", stream.Cursor{Topic: "stream_log", Partition: 0, Offset: 9}))
	require.NoError(t, first.Close())

	second, err := Open(Config{Endpoints: endpoints, Prefix: "/p"}, logger)
	require.NoError(t, err)
	defer second.Close()
	off, err := second.Load(ctx, "g", kueue.TopicPartition{Topic: "stream_log", Partition: 0})
	require.NoError(t, err)
	assert.EqualValues(t, 9, off)
}

func TestStoreCancelledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Load(ctx, "g", kueue.TopicPartition{Topic: "t"})
	assert.ErrorIs(t, err, context.Canceled)
}
