package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// natsConn is the subset of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes events as JSON messages on a NATS subject.
type NATSPublisher struct {
	nc      natsConn
	subject string
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("sandbox"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

// Publish sends e on the configured subject. The event type is appended to
// the subject so subscribers can filter with wildcards.
func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	b, err := encode(e)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.subject+"."+e.Type, b); err != nil {
		return fmt.Errorf("publish nats: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
