// Package broker opens the external publisher the outbox relay forwards to.
package broker

import (
	"fmt"

	"fleet-dispatch/internal/config"
	"fleet-dispatch/internal/events"
	amqppub "fleet-dispatch/internal/events/amqp"
	natspub "fleet-dispatch/internal/events/nats"
)

func Open(cfg config.Config) (events.Publisher, error) {
	switch cfg.EventsBroker {
	case "nats":
		p, err := natspub.New(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		return p, nil
	case "amqp":
		p, err := amqppub.New(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("amqp: %w", err)
		}
		return p, nil
	case "none", "":
		return events.NoopPublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown events broker %q", cfg.EventsBroker)
	}
}
