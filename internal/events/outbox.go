package events

import (
	"context"
	"log/slog"
	"time"
)

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type OutboxRepository interface {
	FetchPending(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []string) error
}

// OutboxRelay moves committed events from the outbox table to an external
// broker. Events that fail to publish stay pending and are retried on the
// next tick.
type OutboxRelay struct {
	Repo         OutboxRepository
	Publisher    Publisher
	PollInterval time.Duration
	BatchSize    int
	Logger       *slog.Logger
}

func (w *OutboxRelay) Start(ctx context.Context) error {
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	if w.PollInterval <= 0 {
		w.PollInterval = time.Second
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 50
	}

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.RelayOnce(ctx); err != nil {
				w.Logger.Error("outbox relay", "err", err)
			}
		}
	}
}

// RelayOnce publishes a single batch and returns how many events were marked.
func (w *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	batch := w.BatchSize
	if batch <= 0 {
		batch = 50
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	evts, err := w.Repo.FetchPending(ctx, batch)
	if err != nil {
		return 0, err
	}
	if len(evts) == 0 {
		return 0, nil
	}
	published := make([]string, 0, len(evts))
	for _, evt := range evts {
		if err := w.Publisher.Publish(ctx, evt); err != nil {
			logger.Warn("publish failed", "event_id", evt.ID, "type", evt.Type, "err", err)
			continue
		}
		published = append(published, evt.ID)
	}
	if len(published) == 0 {
		return 0, nil
	}
	if err := w.Repo.MarkPublished(ctx, published); err != nil {
		return 0, err
	}
	return len(published), nil
}
