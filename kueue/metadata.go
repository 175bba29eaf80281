// All methods in this file are not thread-safe, they are meant to be called from
// broker.go with the metadata lock held.

package kueue

import (
	"fmt"
	"sort"
)

// TopicInfo describes one topic. The partition count never changes after creation.
type TopicInfo struct {
	TopicName     string
	NumPartitions int32
}

// Metadata holds the topics known to a broker.
type Metadata struct {
	TopicInfos map[string]*TopicInfo // topic name to TopicInfo
}

func MakeNewMetadata() *Metadata {
	return &Metadata{
		TopicInfos: make(map[string]*TopicInfo),
	}
}

// createTopic registers a topic. It returns false if the topic already
// existed with the same partition count.
func (m *Metadata) createTopic(topicName string, numPartitions int32) (*TopicInfo, bool, error) {
	if topicName == "" {
		return nil, false, fmt.Errorf("%w: empty topic name", ErrInvalid)
	}
	if numPartitions <= 0 {
		return nil, false, fmt.Errorf("%w: topic %s needs at least one partition", ErrInvalid, topicName)
	}
	if ti, ok := m.TopicInfos[topicName]; ok {
		if ti.NumPartitions != numPartitions {
			return nil, false, fmt.Errorf("%w: %s has %d partitions", ErrTopicExists, topicName, ti.NumPartitions)
		}
		return ti, false, nil
	}
	ti := &TopicInfo{TopicName: topicName, NumPartitions: numPartitions}
	m.TopicInfos[topicName] = ti
	return ti, true, nil
}

func (m *Metadata) getTopic(topicName string) (*TopicInfo, error) {
	ti, ok := m.TopicInfos[topicName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topicName)
	}
	return ti, nil
}

// checkPartition validates that partition exists in topicName.
func (m *Metadata) checkPartition(topicName string, partition int32) error {
	ti, err := m.getTopic(topicName)
	if err != nil {
		return err
	}
	if partition < 0 || partition >= ti.NumPartitions {
		return fmt.Errorf("%w: %s has no partition %d", ErrUnknownPartition, topicName, partition)
	}
	return nil
}

// topicNames returns the known topics in sorted order.
func (m *Metadata) topicNames() []string {
	names := make([]string, 0, len(m.TopicInfos))
	for name := range m.TopicInfos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// restoreTopics rebuilds topic metadata from the partitions found on disk.
// A topic's partition count is one past its highest partition directory.
func (m *Metadata) restoreTopics(tps []TopicPartition) {
	for _, tp := range tps {
		ti, ok := m.TopicInfos[tp.Topic]
		if !ok {
			ti = &TopicInfo{TopicName: tp.Topic}
			m.TopicInfos[tp.Topic] = ti
		}
		if tp.Partition+1 > ti.NumPartitions {
			ti.NumPartitions = tp.Partition + 1
		}
	}
}
