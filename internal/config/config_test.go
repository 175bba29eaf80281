package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kueuestream/kueue"
	"kueuestream/stream"
)

type oneEntry map[string]string

func (m oneEntry) Lookup(key []byte) ([]byte, bool, error) {
	v, ok := m[string(key)]
	return []byte(v), ok, nil
}

func TestLoadShippedConfigs(t *testing.T) {
	filter, err := Load(filepath.Join("..", "..", "config", "filter.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "streams-filter-application", filter.GroupID)
	assert.Equal(t, "local", filter.Storage.Type)
	assert.Equal(t, "memory", filter.TableStore.Type)

	p, err := filter.Pipeline()
	require.NoError(t, err)
	assert.Equal(t, "stream_log_filter", p.SinkTopic())
	res, err := p.Process(kueue.Record{Key: []byte("a"), Value: []byte("hello")}, nil)
	require.NoError(t, err)
	assert.Equal(t, stream.Filtered, res.Outcome)

	join, err := Load(filepath.Join("..", "..", "config", "join.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"address"}, join.TableTopics)
	assert.Equal(t, "badger", join.TableStore.Type)
	p, err = join.Pipeline()
	require.NoError(t, err)
	res, err = p.Process(kueue.Record{Key: []byte("doodoo"), Value: []byte("iPhone")},
		map[string]stream.Lookuper{"address": oneEntry{"doodoo": "Siheung"}})
	require.NoError(t, err)
	assert.Equal(t, "iPhone send to Siheung", string(res.Value))
}

func TestStreamConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
groupId: g
sourceTopics: [a, b]
sinkTopic: out
filter: {type: min_length, threshold: 3}
onRecordError: fail
pollTimeoutMs: 250
maxSinkRetries: 0
retryBackoffMs: 20
maxConsecutiveErrors: 4
members: [m1, m2]
instanceId: m2
assignment: rendezvous
`))
	require.NoError(t, err)
	sc, err := cfg.StreamConfig()
	require.NoError(t, err)
	assert.Equal(t, stream.PolicyFail, sc.OnRecordError)
	assert.Equal(t, 250*time.Millisecond, sc.PollTimeout)
	assert.Equal(t, 0, sc.MaxSinkRetries)
	assert.Equal(t, 3, sc.MaxCommitRetries, "default kept")
	assert.Equal(t, 20*time.Millisecond, sc.RetryBackoff)
	assert.Equal(t, 4, sc.MaxConsecutiveErrors)
	assert.Equal(t, []string{"m1", "m2"}, sc.Members)

	a, err := cfg.Assigner()
	require.NoError(t, err)
	assert.IsType(t, stream.RendezvousHash{}, a)
}

func TestParseErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key":     "groupId: g\nsourceTopics: [a]\nsinkTopic: o\nfilter: {type: min_length}\nbogus: 1\n",
		"no operators":    "groupId: g\nsourceTopics: [a]\nsinkTopic: o\n",
		"no sink":         "groupId: g\nsourceTopics: [a]\nfilter: {type: min_length}\n",
		"no group":        "sourceTopics: [a]\nsinkTopic: o\nfilter: {type: min_length}\n",
		"bad policy":      "groupId: g\nsourceTopics: [a]\nsinkTopic: o\nfilter: {type: min_length}\nonRecordError: retry\n",
		"bad filter":      "groupId: g\nsourceTopics: [a]\nsinkTopic: o\nfilter: {type: regex}\n",
		"table not known": "groupId: g\nsourceTopics: [a]\ntableTopics: [t]\nsinkTopic: o\njoin: {table: u}\n",
		"grpc address":    "groupId: g\nsourceTopics: [a]\nsinkTopic: o\nfilter: {type: min_length}\nstorage: {type: grpc}\n",
		"etcd endpoints":  "groupId: g\nsourceTopics: [a]\nsinkTopic: o\nfilter: {type: min_length}\ncursorStore: {type: etcd}\n",
		"compression":     "groupId: g\nsourceTopics: [a]\nsinkTopic: o\nfilter: {type: min_length}\nstorage: {compression: zstd}\n",
		"log level":       "groupId: g\nsourceTopics: [a]\nsinkTopic: o\nfilter: {type: min_length}\nlogLevel: loud\n",
		"topic":           "groupId: g\nsourceTopics: [a]\nsinkTopic: o\nfilter: {type: min_length}\ntopics: [{name: a}]\n",
	} {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestKeyGlobPredicate(t *testing.T) {
	p, err := NewPredicate(FilterConfig{Type: "key_glob", Pattern: "user-*"})
	require.NoError(t, err)
	for key, want := range map[string]bool{"user-1": true, "user-": true, "admin-1": false} {
		ok, err := p([]byte(key), []byte("v"))
		require.NoError(t, err)
		assert.Equal(t, want, ok, key)
	}
	ok, err := p(nil, []byte("v"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJSONPathPredicate(t *testing.T) {
	exists, err := NewPredicate(FilterConfig{Type: "json_path", Path: "order.item"})
	require.NoError(t, err)
	equals, err := NewPredicate(FilterConfig{Type: "json_path", Path: "order.item", Equals: "iPhone"})
	require.NoError(t, err)

	ok, err := exists(nil, []byte(`{"order":{"item":"iPad"}}`))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = equals(nil, []byte(`{"order":{"item":"iPad"}}`))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = equals(nil, []byte(`{"order":{"item":"iPhone"}}`))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = exists(nil, []byte(`{"other":1}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = exists(nil, []byte("not json"))
	assert.ErrorIs(t, err, stream.ErrMalformedValue)
}

func TestCombiners(t *testing.T) {
	for _, tc := range []struct {
		cfg  JoinConfig
		want string
	}{
		{JoinConfig{Table: "t"}, "iPhone send to Siheung"},
		{JoinConfig{Table: "t", Type: "concat", Separator: "@"}, "iPhone@Siheung"},
		{JoinConfig{Table: "t", Type: "template", Template: "{table}: {stream}"}, "Siheung: iPhone"},
	} {
		c, err := NewCombiner(tc.cfg)
		require.NoError(t, err)
		out, err := c([]byte("iPhone"), []byte("Siheung"))
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(out))
	}

	_, err := NewCombiner(JoinConfig{Type: "template"})
	assert.ErrorIs(t, err, stream.ErrInvalidConfig)
	_, err = NewCombiner(JoinConfig{Type: "zip"})
	assert.ErrorIs(t, err, stream.ErrInvalidConfig)
}
