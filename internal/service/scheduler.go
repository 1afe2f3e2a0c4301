package service

import (
	"context"
	"log/slog"
	"time"
)

// BookingDispatcher activates assigned bookings shortly before their window
// opens. A booking whose truck is still busy stays assigned and is retried on
// the next tick.
type BookingDispatcher struct {
	Coordinator *Coordinator
	Interval    time.Duration
	Logger      *slog.Logger
}

func (d *BookingDispatcher) Start(ctx context.Context) error {
	if d.Interval <= 0 {
		d.Interval = 30 * time.Second
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				d.Logger.Error("booking dispatch", "err", err)
			}
		}
	}
}

// RunOnce dispatches every due booking and returns how many left.
func (d *BookingDispatcher) RunOnce(ctx context.Context) (int, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	due, err := d.Coordinator.DueBookings(ctx)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, req := range due {
		if _, err := d.Coordinator.Dispatch(ctx, req.ID, System); err != nil {
			logger.Warn("booking not dispatched", "request_id", req.ID, "reference", req.Reference, "err", err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}
