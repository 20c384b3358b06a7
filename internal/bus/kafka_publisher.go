package bus

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaPublisher publishes outputs with a synchronous sarama producer,
// adapted from the teacher's jobs/broadcaster/broadcaster.go (same
// Producer.Return.Successes / WaitForAll / Retry.Max=5 configuration,
// generalized from a single fixed topic to the topic argument each
// Publish call carries).
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// NewKafkaPublisher dials brokers and returns a ready KafkaPublisher.
func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("bus: dial kafka: %w", err)
	}
	return &KafkaPublisher{producer: producer}, nil
}

func (p *KafkaPublisher) Publish(_ context.Context, topic string, key, payload []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	_, _, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", errBusUnavailable, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
