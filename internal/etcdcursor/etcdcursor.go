// Package etcdcursor keeps pipeline cursors in etcd, so they survive the loss
// of the log storage's own offset files.
package etcdcursor

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"kueuestream/kueue"
	"kueuestream/stream"
)

const DEtcd = "ETCD"

type Config struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
}

// Store implements stream.CursorStore. Keys are <prefix>/<group>/<topic>/<partition>.
type Store struct {
	client *clientv3.Client
	prefix string
	logger logrus.Entry
	owned  bool
}

var _ stream.CursorStore = (*Store)(nil)

// cursorState is the JSON value stored per key.
type cursorState struct {
	Topic       string `json:"topic"`
	Partition   int32  `json:"partition"`
	Offset      int64  `json:"offset"`
	CommittedMs int64  `json:"committedMs"`
}

// Open dials etcd. Close releases the client.
func Open(cfg Config, logger logrus.Entry) (*Store, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	s := New(client, cfg.Prefix, logger)
	s.owned = true
	return s, nil
}

// New wraps an existing client.
func New(client *clientv3.Client, prefix string, logger logrus.Entry) *Store {
	return &Store{client: client, prefix: prefix, logger: *logger.WithField("Topic", DEtcd)}
}

func cursorKey(prefix, group string, tp kueue.TopicPartition) string {
	return path.Join(prefix, group, tp.Topic, strconv.FormatInt(int64(tp.Partition), 10))
}

func groupPrefix(prefix, group string) string {
	return path.Join(prefix, group) + "/"
}

func (s *Store) Load(ctx context.Context, group string, tp kueue.TopicPartition) (int64, error) {
	resp, err := s.client.Get(ctx, cursorKey(s.prefix, group, tp))
	if err != nil {
		return -1, unavailable(ctx, err)
	}
	if len(resp.Kvs) == 0 {
		return -1, nil
	}
	st, err := decodeState(resp.Kvs[0].Value)
	if err != nil {
		return -1, fmt.Errorf("cursor %s: %w", resp.Kvs[0].Key, err)
	}
	return st.Offset, nil
}

func (s *Store) Commit(ctx context.Context, group string, c stream.Cursor) error {
	data, err := json.Marshal(cursorState{
		Topic:       c.Topic,
		Partition:   c.Partition,
		Offset:      c.Offset,
		CommittedMs: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, cursorKey(s.prefix, group, c.TopicPartition()), string(data)); err != nil {
		return unavailable(ctx, err)
	}
	return nil
}

// List returns every cursor of group, sorted by topic and partition.
func (s *Store) List(ctx context.Context, group string) ([]stream.Cursor, error) {
	resp, err := s.client.Get(ctx, groupPrefix(s.prefix, group), clientv3.WithPrefix())
	if err != nil {
		return nil, unavailable(ctx, err)
	}
	return decodeCursors(resp.Kvs)
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func decodeState(b []byte) (cursorState, error) {
	var st cursorState
	if err := json.Unmarshal(b, &st); err != nil {
		return cursorState{}, fmt.Errorf("decode cursor: %w", err)
	}
	return st, nil
}

func decodeCursors(kvs []*mvccpb.KeyValue) ([]stream.Cursor, error) {
	out := make([]stream.Cursor, 0, len(kvs))
	for _, kv := range kvs {
		st, err := decodeState(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("cursor %s: %w", kv.Key, err)
		}
		out = append(out, stream.Cursor{Topic: st.Topic, Partition: st.Partition, Offset: st.Offset})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out, nil
}

// unavailable marks etcd failures as retryable unless the caller gave up.
func unavailable(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: etcd: %v", kueue.ErrUnavailable, err)
}
