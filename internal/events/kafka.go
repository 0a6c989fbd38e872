package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by task ID, so all
// events of one task land on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

// kafkaBatchTimeout caps how long a write waits for more messages. Events
// are published one at a time from request handlers, so the 1s writer
// default would delay every call.
const kafkaBatchTimeout = 10 * time.Millisecond

// NewKafkaPublisher creates a writer for topic. Connections are opened lazily
// on the first write.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: kafkaBatchTimeout,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Publish writes e to the topic.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	b, err := encode(e)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.TaskID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
