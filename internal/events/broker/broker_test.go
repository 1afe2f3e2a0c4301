package broker

import (
	"testing"

	"fleet-dispatch/internal/config"
	"fleet-dispatch/internal/events"
)

func TestOpenNone(t *testing.T) {
	p, err := Open(config.Config{EventsBroker: "none"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := p.(events.NoopPublisher); !ok {
		t.Fatalf("expected noop publisher, got %T", p)
	}
}

func TestOpenUnknown(t *testing.T) {
	if _, err := Open(config.Config{EventsBroker: "kafka"}); err == nil {
		t.Fatal("expected error for unknown broker")
	}
}
