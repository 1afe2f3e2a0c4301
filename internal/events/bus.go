package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Bus fans published events out to every subscription of a channel. Publish
// never blocks: a subscriber whose buffer is full loses the event.
type Bus struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

type Subscription struct {
	bus      *Bus
	channels []string
	ch       chan Event
	dropped  atomic.Int64
	once     sync.Once
}

func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		rooms:  make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe joins one or more channels with a single delivery queue.
func (b *Bus) Subscribe(channels ...string) *Subscription {
	sub := &Subscription{bus: b, channels: channels, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range channels {
		room, ok := b.rooms[name]
		if !ok {
			room = make(map[*Subscription]struct{})
			b.rooms[name] = room
		}
		room[sub] = struct{}{}
	}
	return sub
}

func (b *Bus) Publish(channel string, evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.rooms[channel] {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber", "channel", channel, "type", evt.Type, "event_id", evt.ID)
		}
	}
}

// PublishEvent delivers evt once to each channel it names. A subscription
// that joined several of those channels receives one copy per channel.
func (b *Bus) PublishEvent(evt Event) {
	for _, ch := range evt.Channels {
		b.Publish(ch, evt)
	}
}

// Subscribers reports how many subscriptions are attached to a channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[channel])
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range sub.channels {
		room := b.rooms[name]
		delete(room, sub)
		if len(room) == 0 {
			delete(b.rooms, name)
		}
	}
	close(sub.ch)
}

// C delivers events in publish order. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Channels() []string {
	return s.channels
}

func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}
