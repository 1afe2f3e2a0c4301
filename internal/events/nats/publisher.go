package nats

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"fleet-dispatch/internal/events"
)

// Publisher relays outbox events to a NATS subject. The event type is
// appended to the base subject so consumers can subscribe with wildcards,
// e.g. fleet.events.request.>.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

func New(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleet-dispatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		subject = "fleet.events"
	}
	return &Publisher{nc: nc, subject: subject}, nil
}

func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.subject + "." + event.Type)
	msg.Data = data
	msg.Header.Set("Event-Id", event.ID)
	msg.Header.Set("Aggregate-Id", event.AggregateID)
	return p.nc.PublishMsg(msg)
}

func (p *Publisher) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}

var _ events.Publisher = (*Publisher)(nil)
