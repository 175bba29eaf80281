package producer

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"kueuestream/kueue"
)

// Position is where a produced record landed.
type Position struct {
	Partition int32
	Offset    int64
}

const DProducer = "PRODUCER"

// Producer writes string-keyed records to any LogStorage. An empty key is
// sent as a nil key and is spread round-robin by the storage.
type Producer struct {
	storage kueue.LogStorage
	logger  logrus.Entry
}

func NewProducer(storage kueue.LogStorage, logger logrus.Entry) *Producer {
	return &Producer{storage: storage, logger: *logger.WithField("Topic", DProducer)}
}

// CreateTopic creates the topic, or succeeds if it already exists with the
// same partition count.
func (p *Producer) CreateTopic(ctx context.Context, topic string, numPartitions int32) error {
	if err := p.storage.CreateTopic(ctx, topic, numPartitions); err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

// Produce appends keys[i]=values[i] in order and returns each position.
// It stops at the first failed append.
func (p *Producer) Produce(ctx context.Context, topic string, keys []string, values []string) ([]Position, error) {
	if len(keys) != len(values) {
		return nil, errors.New("mismatched keys and values length")
	}
	if len(keys) == 0 {
		return nil, errors.New("no messages to produce")
	}

	out := make([]Position, 0, len(keys))
	for i := range keys {
		pos, err := p.append(ctx, topic, keys[i], []byte(values[i]))
		if err != nil {
			return out, fmt.Errorf("error producing %q to %s: %w", keys[i], topic, err)
		}
		out = append(out, pos)
	}
	p.logger.Debugf("Produced %d records to %s", len(out), topic)
	return out, nil
}

// Delete appends a tombstone for key.
func (p *Producer) Delete(ctx context.Context, topic, key string) (Position, error) {
	if key == "" {
		return Position{}, errors.New("tombstone needs a key")
	}
	return p.append(ctx, topic, key, nil)
}

func (p *Producer) append(ctx context.Context, topic, key string, value []byte) (Position, error) {
	var k []byte
	if key != "" {
		k = []byte(key)
	}
	partition, offset, err := p.storage.Append(ctx, topic, k, value)
	if err != nil {
		return Position{}, err
	}
	return Position{Partition: partition, Offset: offset}, nil
}
