package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kueuestream/kueue"
)

type mapLookup map[string]string

func (m mapLookup) Lookup(key []byte) ([]byte, bool, error) {
	v, ok := m[string(key)]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

func rec(key, value string) kueue.Record {
	return kueue.Record{Topic: "in", Key: []byte(key), Value: []byte(value)}
}

func TestMinLengthBoundary(t *testing.T) {
	p := MinLength(5)
	for value, want := range map[string]bool{
		"":       false,
		"hell":   false,
		"hello":  false,
		"hello!": true,
		"longer": true,
		"광명":     false,
		"안산시":    false,
		"경기도안산":  false,
		"경기도안산시": true,
		"héllo":  false,
		"héllo!": true,
	} {
		ok, err := p(nil, []byte(value))
		require.NoError(t, err)
		assert.Equal(t, want, ok, "value %q", value)
	}

	_, err := p([]byte("k"), nil)
	assert.ErrorIs(t, err, ErrMalformedValue)

	ok, err := p([]byte("k"), []byte{0xff, 0xfe, 0xfd, 0xfc, 0xfb, 0xfa})
	assert.ErrorIs(t, err, ErrMalformedValue)
	assert.False(t, ok)
}

func TestNewPipelineValidation(t *testing.T) {
	_, err := NewPipeline()
	assert.ErrorIs(t, err, ErrInvalidPipeline)

	_, err = NewPipeline(Filter(MinLength(1)))
	assert.ErrorIs(t, err, ErrInvalidPipeline, "missing sink")

	_, err = NewPipeline(MapSink("out"), Filter(MinLength(1)))
	assert.ErrorIs(t, err, ErrInvalidPipeline, "sink not last")

	_, err = NewPipeline(Filter(nil), MapSink("out"))
	assert.ErrorIs(t, err, ErrInvalidPipeline)

	_, err = NewPipeline(JoinTable("", SendTo()), MapSink("out"))
	assert.ErrorIs(t, err, ErrInvalidPipeline)

	_, err = NewPipeline(MapSink(""))
	assert.ErrorIs(t, err, ErrInvalidPipeline)

	p, err := NewPipeline(Filter(MinLength(1)), JoinTable("address", SendTo()), JoinTable("address", SendTo()), MapSink("out"))
	require.NoError(t, err)
	assert.Equal(t, "out", p.SinkTopic())
	assert.Equal(t, []string{"address"}, p.Tables())
}

func TestProcessFilter(t *testing.T) {
	p, err := NewPipeline(Filter(MinLength(5)), MapSink("out"))
	require.NoError(t, err)

	res, err := p.Process(rec("a", "hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, Filtered, res.Outcome)

	res, err = p.Process(rec("a", "hello!"), nil)
	require.NoError(t, err)
	assert.Equal(t, Emitted, res.Outcome)
	assert.Equal(t, "a", string(res.Key))
	assert.Equal(t, "hello!", string(res.Value))
}

func TestProcessJoin(t *testing.T) {
	p, err := NewPipeline(JoinTable("address", SendTo()), MapSink("order_join"))
	require.NoError(t, err)
	tables := map[string]Lookuper{"address": mapLookup{"doodoo": "Siheung"}}

	res, err := p.Process(rec("doodoo", "iPhone"), tables)
	require.NoError(t, err)
	assert.Equal(t, Emitted, res.Outcome)
	assert.Equal(t, "doodoo", string(res.Key))
	assert.Equal(t, "iPhone send to Siheung", string(res.Value))

	res, err = p.Process(rec("x", "order"), tables)
	require.NoError(t, err)
	assert.Equal(t, Unmatched, res.Outcome)

	res, err = p.Process(kueue.Record{Value: []byte("order")}, tables)
	require.NoError(t, err)
	assert.Equal(t, Unmatched, res.Outcome, "nil key never matches")

	res, err = p.Process(kueue.Record{Key: []byte("doodoo")}, tables)
	require.NoError(t, err)
	assert.Equal(t, Unmatched, res.Outcome, "tombstone never matches")
	assert.Nil(t, res.Value)
}

func TestProcessErrors(t *testing.T) {
	boom := errors.New("boom")
	p, err := NewPipeline(Filter(func(_, _ []byte) (bool, error) { return false, boom }), MapSink("out"))
	require.NoError(t, err)

	r := rec("k", "v")
	r.Partition, r.Offset = 2, 7
	_, err = p.Process(r, nil)
	var rpe *RecordProcessingError
	require.ErrorAs(t, err, &rpe)
	assert.Equal(t, "Filter", rpe.Operator)
	assert.EqualValues(t, 2, rpe.Partition)
	assert.EqualValues(t, 7, rpe.Offset)
	assert.ErrorIs(t, err, boom)

	j, err := NewPipeline(JoinTable("address", func(_, _ []byte) ([]byte, error) { return nil, boom }), MapSink("out"))
	require.NoError(t, err)
	_, err = j.Process(rec("k", "v"), nil)
	require.ErrorAs(t, err, &rpe, "table not materialized")
	assert.Equal(t, "JoinTable", rpe.Operator)

	_, err = j.Process(rec("k", "v"), map[string]Lookuper{"address": mapLookup{"k": "x"}})
	assert.ErrorIs(t, err, boom)
}

func TestConcat(t *testing.T) {
	out, err := Concat("|")([]byte("a"), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "a|b", string(out))
}
