// Package metrics exports driver activity to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kueuestream/stream"
)

const namespace = "kueuestream"

// Prometheus implements stream.Metrics.
type Prometheus struct {
	polled      *prometheus.CounterVec
	records     *prometheus.CounterVec
	sinkWrites  *prometheus.CounterVec
	sinkLatency *prometheus.HistogramVec
	committed   *prometheus.GaugeVec
	tableOffset *prometheus.GaugeVec
	state       *prometheus.GaugeVec
}

var _ stream.Metrics = (*Prometheus)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Prometheus {
	m := &Prometheus{
		polled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_polled_total",
			Help:      "Records read from source partitions.",
		}, []string{"topic", "partition"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records processed by outcome.",
		}, []string{"topic", "result"}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Sink append attempts by result.",
		}, []string{"topic", "result"}),
		sinkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_write_seconds",
			Help:      "Sink append latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		committed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "committed_offset",
			Help:      "Last committed cursor per source partition.",
		}, []string{"topic", "partition"}),
		tableOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "table_applied_offset",
			Help:      "Highest applied offset per table partition.",
		}, []string{"topic", "partition"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "driver_state",
			Help:      "1 for the current driver state, 0 otherwise.",
		}, []string{"group", "state"}),
	}
	reg.MustRegister(
		m.polled,
		m.records,
		m.sinkWrites,
		m.sinkLatency,
		m.committed,
		m.tableOffset,
		m.state,
	)
	return m
}

func partitionLabel(p int32) string {
	return strconv.FormatInt(int64(p), 10)
}

func (m *Prometheus) RecordsPolled(topic string, partition int32, n int) {
	m.polled.WithLabelValues(topic, partitionLabel(partition)).Add(float64(n))
}

func (m *Prometheus) RecordProcessed(topic, outcome string) {
	m.records.WithLabelValues(topic, outcome).Inc()
}

func (m *Prometheus) SinkWrite(topic string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sinkWrites.WithLabelValues(topic, result).Inc()
	m.sinkLatency.WithLabelValues(topic).Observe(took.Seconds())
}

func (m *Prometheus) CursorCommitted(topic string, partition int32, offset int64) {
	m.committed.WithLabelValues(topic, partitionLabel(partition)).Set(float64(offset))
}

func (m *Prometheus) TableApplied(topic string, partition int32, offset int64) {
	m.tableOffset.WithLabelValues(topic, partitionLabel(partition)).Set(float64(offset))
}

var states = []stream.State{
	stream.StateStopped,
	stream.StateStarting,
	stream.StateRunning,
	stream.StateRebalancing,
	stream.StateStopping,
	stream.StateFailed,
}

func (m *Prometheus) StateChanged(group string, s stream.State) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(group, st.String()).Set(v)
	}
}
