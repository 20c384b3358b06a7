package bus

import (
	"context"
	"errors"
	"fmt"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaSubscriber consumes outputs with segmentio/kafka-go's lightweight
// Reader. Deliberately a different client than KafkaPublisher's sarama
// producer: the two libraries sit in the teacher's go.mod for the two
// different halves of this same concern (publish vs. consume), and this
// keeps both exercised rather than dropping one as redundant.
type KafkaSubscriber struct {
	brokers []string
	groupID string
}

func NewKafkaSubscriber(brokers []string, groupID string) *KafkaSubscriber {
	return &KafkaSubscriber{brokers: brokers, groupID: groupID}
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context, topic string, handler func([]byte) error) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: s.brokers,
		GroupID: s.groupID,
		Topic:   topic,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("%w: %v", errBusUnavailable, err)
		}
		if err := handler(msg.Value); err != nil {
			return err
		}
	}
}

func (s *KafkaSubscriber) Close() error { return nil }
