package dispatch

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/hoamxTrav/hoamx-watcher-agent/cfg"
)

const (
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
	DefaultKafkaTopic      = "watcher.events"
)

func init() {
	RegisterSink(cfg.SinkKafka, func(config cfg.SinkConfiguration) (Sink, error) {
		topic := config.Topic
		if topic == "" {
			topic = DefaultKafkaTopic
		}
		return NewKafkaSink(config.Brokers, topic)
	})
}

// KafkaSink publishes events to a Kafka topic, keyed by event_id so
// redeliveries of the same event land on the same partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a Kafka sink with synchronous, fully-acked writes
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{}, // same key, same partition
		BatchBytes:             DefaultKafkaBatchBytes,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &KafkaSink{writer: writer}, nil
}

// Deliver writes one event message
func (k *KafkaSink) Deliver(ctx context.Context, ev Event) error {
	msg := kafka.Message{
		Key:   []byte(ev.EventID),
		Value: ev.Payload,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to kafka: %w", err)
	}
	return nil
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
