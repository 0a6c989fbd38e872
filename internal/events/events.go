// Package events publishes task lifecycle events to an external message bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	TypeCreated   = "task.created"
	TypeClaimed   = "task.claimed"
	TypeProgress  = "task.progress"
	TypeFinished  = "task.finished"
	TypeFailed    = "task.failed"
	TypeReclaimed = "task.reclaimed"
)

// Supported drivers.
const (
	DriverNone  = "none"
	DriverNATS  = "nats"
	DriverKafka = "kafka"
	DriverAMQP  = "amqp"
)

// DefaultTopic is the subject, topic or queue name used when none is configured.
const DefaultTopic = "sandbox.tasks"

// Event describes one task state change.
type Event struct {
	Type        string    `json:"type"`
	TaskID      string    `json:"task_id"`
	Owner       string    `json:"owner,omitempty"`
	State       string    `json:"state"`
	CurrentStep uint32    `json:"current_step,omitempty"`
	TotalSteps  uint32    `json:"total_steps,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Config selects and configures a publisher driver.
type Config struct {
	Driver  string
	URL     string
	Topic   string
	Brokers []string
}

// New builds the publisher named by cfg.Driver. An empty driver means none.
func New(cfg Config) (Publisher, error) {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	switch cfg.Driver {
	case "", DriverNone:
		return Nop{}, nil
	case DriverNATS:
		return NewNATSPublisher(cfg.URL, topic)
	case DriverKafka:
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("kafka driver requires at least one broker")
		}
		return NewKafkaPublisher(cfg.Brokers, topic), nil
	case DriverAMQP:
		return NewAMQPPublisher(cfg.URL, topic)
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Close() error { return nil }

func encode(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}
