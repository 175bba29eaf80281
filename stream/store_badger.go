package stream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"kueuestream/kueue"
)

var (
	dataPrefix    = []byte("d/")
	appliedPrefix = []byte("a/")
)

// BadgerStore is a persistent Store. Applied offsets live next to the data,
// so a restarted table resumes replay where it stopped.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadgerStore opens or creates a store in dir. An empty dir keeps the
// store in memory.
func OpenBadgerStore(dir string, logger logrus.Entry) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger.WithField("Topic", DTable)})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// BadgerStoreFactory opens one BadgerStore per table under baseDir.
func BadgerStoreFactory(baseDir string, logger logrus.Entry) StoreFactory {
	return func(table string) (Store, error) {
		dir := ""
		if baseDir != "" {
			dir = filepath.Join(baseDir, table)
		}
		return OpenBadgerStore(dir, logger)
	}
}

func dataKey(key []byte) []byte {
	return append(append([]byte{}, dataPrefix...), key...)
}

func appliedKey(tp kueue.TopicPartition) []byte {
	return append(append([]byte{}, appliedPrefix...), tp.String()...)
}

func (s *BadgerStore) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("look up: %w", err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

func (s *BadgerStore) Put(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dataKey(key), append([]byte{}, value...))
	})
}

func (s *BadgerStore) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(dataKey(key))
	})
}

func (s *BadgerStore) AppliedOffsets() (map[kueue.TopicPartition]int64, error) {
	out := make(map[kueue.TopicPartition]int64)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = appliedPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := bytes.TrimPrefix(item.Key(), appliedPrefix)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(v) != 8 {
				return fmt.Errorf("corrupt applied offset for %s", id)
			}
			tp, ok := kueue.ParseTopicPartition(string(id))
			if !ok {
				return fmt.Errorf("corrupt applied key %q", id)
			}
			out[tp] = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) SetApplied(tp kueue.TopicPartition, offset int64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(offset))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(appliedKey(tp), v)
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's own logging through logrus, one level down so
// its chatty startup lines stay out of info output.
type badgerLogger struct {
	entry *logrus.Entry
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.entry.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.entry.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.entry.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.entry.Tracef(f, v...) }
