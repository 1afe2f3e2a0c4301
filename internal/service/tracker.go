package service

import (
	"context"

	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/events"
)

// Tracker applies position reports. Reports for one truck serialize on the
// truck's row lock, so they land in arrival order.
type Tracker struct {
	*core
}

func (t *Tracker) Report(ctx context.Context, truckID string, loc domain.Location, actor Actor) (*domain.Truck, error) {
	if !canReport(actor, truckID) {
		return nil, domain.ErrForbidden
	}
	if err := domain.ValidateLocation(loc); err != nil {
		return nil, err
	}

	u, err := t.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer u.Rollback(ctx)

	truck, err := u.GetTruckForUpdate(ctx, truckID)
	if err != nil {
		return nil, err
	}
	now := t.now()
	truck.PushPosition(domain.Position{Location: loc, Timestamp: now}, t.opts.HistoryLimit)
	touchTruck(truck, now)
	if err := u.UpdateTruck(ctx, truck); err != nil {
		return nil, err
	}
	if err := u.emit(ctx, events.TruckLocationUpdated(truck, now)); err != nil {
		return nil, err
	}
	if err := t.commit(ctx, u); err != nil {
		return nil, err
	}
	return truck, nil
}

// canReport allows operators and the driver of the truck itself.
func canReport(actor Actor, truckID string) bool {
	switch actor.Role {
	case domain.RoleOperator:
		return true
	case domain.RoleDriver:
		return actor.ID == truckID
	}
	return false
}
