package stream

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"kueuestream/kueue"
)

func testLogger() logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return *logrus.NewEntry(l)
}

func newTestBroker(t *testing.T, topics map[string]int32) *kueue.Broker {
	t.Helper()
	b, err := kueue.NewBroker(&kueue.BrokerInfo{BrokerName: "test"}, testLogger())
	require.NoError(t, err)
	for topic, n := range topics {
		require.NoError(t, b.CreateTopic(context.Background(), topic, n))
	}
	return b
}

func produce(t *testing.T, s kueue.LogStorage, topic, key string, value *string) {
	t.Helper()
	var k, v []byte
	if key != "" {
		k = []byte(key)
	}
	if value != nil {
		v = []byte(*value)
	}
	_, _, err := s.Append(context.Background(), topic, k, v)
	require.NoError(t, err)
}

func str(s string) *string { return &s }

// readTopic returns every record of topic, partition by partition.
func readTopic(t *testing.T, s kueue.LogStorage, topic string) []kueue.Record {
	t.Helper()
	ctx := context.Background()
	n, err := s.Partitions(ctx, topic)
	require.NoError(t, err)
	var out []kueue.Record
	for p := int32(0); p < n; p++ {
		latest, err := s.LatestOffset(ctx, topic, p)
		require.NoError(t, err)
		if latest == 0 {
			continue
		}
		records, err := s.Read(ctx, topic, p, 0, int(latest), 0)
		require.NoError(t, err)
		out = append(out, records...)
	}
	return out
}

func values(records []kueue.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, string(r.Value))
	}
	return out
}

func testConfig(group string, topics ...string) Config {
	c := DefaultConfig()
	c.GroupID = group
	c.SourceTopics = topics
	c.PollTimeout = 20 * time.Millisecond
	c.RetryBackoff = 5 * time.Millisecond
	return c
}

// runDriver starts d and returns a function that waits for Run to return.
func runDriver(t *testing.T, d *Driver) func() error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		s := d.State()
		return s == StateRunning || s == StateFailed
	}, 5*time.Second, 5*time.Millisecond)
	return func() error {
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("driver did not return")
			return nil
		}
	}
}

// flakyStorage injects failures in front of a real storage.
type flakyStorage struct {
	kueue.LogStorage

	mu             sync.Mutex
	appendFailures int
	appendErr      error
	appendCalls    int
	readDown       bool
	commitFailures int
	commitCalls    int
}

func (f *flakyStorage) Append(ctx context.Context, topic string, key, value []byte) (int32, int64, error) {
	f.mu.Lock()
	f.appendCalls++
	if f.appendFailures > 0 {
		f.appendFailures--
		err := f.appendErr
		f.mu.Unlock()
		return 0, 0, err
	}
	f.mu.Unlock()
	return f.LogStorage.Append(ctx, topic, key, value)
}

func (f *flakyStorage) Read(ctx context.Context, topic string, partition int32, from int64, maxRecords int, timeout time.Duration) ([]kueue.Record, error) {
	f.mu.Lock()
	down := f.readDown
	f.mu.Unlock()
	if down {
		return nil, kueue.ErrUnavailable
	}
	return f.LogStorage.Read(ctx, topic, partition, from, maxRecords, timeout)
}

func (f *flakyStorage) Commit(ctx context.Context, group, topic string, partition int32, offset int64) error {
	f.mu.Lock()
	f.commitCalls++
	if f.commitFailures > 0 {
		f.commitFailures--
		f.mu.Unlock()
		return kueue.ErrUnavailable
	}
	f.mu.Unlock()
	return f.LogStorage.Commit(ctx, group, topic, partition, offset)
}

func (f *flakyStorage) setReadDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readDown = down
}

// recordingMetrics counts calls for assertions.
type recordingMetrics struct {
	NopMetrics
	mu      sync.Mutex
	outcome map[string]int
	states  []State
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{outcome: make(map[string]int)}
}

func (m *recordingMetrics) RecordProcessed(_ string, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome[outcome]++
}

func (m *recordingMetrics) StateChanged(_ string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, s)
}

func (m *recordingMetrics) count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome[outcome]
}
