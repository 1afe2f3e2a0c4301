package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/events"
)

// Coordinator matches requests to trucks. Every assignment reserves the truck
// and moves the request in a single transaction, so the two references never
// disagree once committed.
type Coordinator struct {
	*core
}

// Assign picks the nearest-match path when truckID is empty and the operator
// override otherwise.
func (c *Coordinator) Assign(ctx context.Context, requestID, truckID string, maxDistanceKm float64, actor Actor) (*domain.Truck, error) {
	if strings.TrimSpace(truckID) == "" {
		return c.AssignNearest(ctx, requestID, maxDistanceKm, actor)
	}
	return c.AssignSpecific(ctx, requestID, truckID, actor)
}

// AssignNearest tries candidates closest first. Losing a reservation race to
// a concurrent caller moves on to the next candidate, up to MaxAssignAttempts
// tries.
func (c *Coordinator) AssignNearest(ctx context.Context, requestID string, maxDistanceKm float64, actor Actor) (*domain.Truck, error) {
	if !actor.IsOperator() {
		return nil, domain.ErrForbidden
	}
	if maxDistanceKm == 0 {
		maxDistanceKm = c.opts.DefaultMaxDistanceKm
	}
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.RequestStatusPending {
		return nil, fmt.Errorf("request %s is %s: %w", req.ID, req.Status, domain.ErrInvalidTransition)
	}
	candidates, err := c.trucks.nearby(ctx, req.Pickup, maxDistanceKm, req.IsBooking())
	if err != nil {
		return nil, err
	}

	attempts := 0
	for m := range candidates {
		if attempts == c.opts.MaxAssignAttempts {
			break
		}
		attempts++
		truck, err := c.assignTo(ctx, requestID, m.Item.ID, actor)
		if err == nil {
			c.logger.Info("request assigned", "request_id", requestID, "truck_id", truck.ID, "distance_km", m.DistanceKm, "attempt", attempts)
			return truck, nil
		}
		if !retryable(err) {
			return nil, err
		}
		c.logger.Debug("candidate lost", "request_id", requestID, "truck_id", m.Item.ID, "err", err)
	}
	return nil, fmt.Errorf("request %s: nothing free within %.1f km after %d attempts, retry later or assign a truck manually: %w",
		requestID, maxDistanceKm, attempts, domain.ErrNoTruckAvailable)
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrAlreadyAssigned) ||
		errors.Is(err, domain.ErrNotAvailable) ||
		errors.Is(err, domain.ErrSchedulingConflict)
}

// AssignSpecific is the operator override. Conflicting bookings are refused
// before the truck is touched.
func (c *Coordinator) AssignSpecific(ctx context.Context, requestID, truckID string, actor Actor) (*domain.Truck, error) {
	if !actor.IsOperator() {
		return nil, domain.ErrForbidden
	}
	return c.assignTo(ctx, requestID, truckID, actor)
}

func (c *Coordinator) assignTo(ctx context.Context, requestID, truckID string, actor Actor) (*domain.Truck, error) {
	u, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer u.Rollback(ctx)

	req, err := u.GetRequestForUpdate(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.RequestStatusPending {
		return nil, fmt.Errorf("request %s is %s: %w", req.ID, req.Status, domain.ErrInvalidTransition)
	}
	now := c.now()

	var truck *domain.Truck
	if req.IsBooking() {
		// The truck row lock serializes concurrent bookings ahead of the
		// overlap check.
		if _, err := u.GetTruckForUpdate(ctx, truckID); err != nil {
			return nil, err
		}
		clash, err := u.FindOverlapping(ctx, truckID, req.Schedule.StartTime, *req.Schedule.EndTime)
		if err != nil {
			return nil, err
		}
		if len(clash) > 0 {
			return nil, fmt.Errorf("truck %s is booked by %s in that window: %w", truckID, clash[0].Reference, domain.ErrSchedulingConflict)
		}
		truck, err = c.trucks.Hold(ctx, u, truckID, req.ID)
		if err != nil {
			return nil, err
		}
	} else {
		truck, err = c.trucks.Reserve(ctx, u, truckID, req.ID)
		if err != nil {
			return nil, err
		}
	}

	touchRequest(req, now)
	tid, driver := truck.ID, truck.Driver.Name
	req.AssignedTruck = &tid
	req.AssignedDriver = &driver
	if err := applyTransition(req, domain.RequestStatusAssigned, actor, "truck "+truck.ID, now); err != nil {
		return nil, err
	}
	evts := []events.Event{
		events.RequestAssigned(req, truck, now),
		events.RequestStatusChanged(req, domain.RequestStatusAssigned, "", now),
	}
	if !req.IsBooking() {
		if err := applyTransition(req, domain.RequestStatusDispatched, actor, "", now); err != nil {
			return nil, err
		}
		evts = append(evts, events.RequestStatusChanged(req, domain.RequestStatusDispatched, "", now))
	}
	evts = append(evts, events.TruckStatusUpdated(truck, now))
	if err := u.UpdateRequest(ctx, req); err != nil {
		return nil, err
	}
	if err := u.emit(ctx, evts...); err != nil {
		return nil, err
	}
	if err := c.commit(ctx, u); err != nil {
		return nil, err
	}
	return truck, nil
}

// Dispatch activates an assigned booking: its truck is reserved and leaves.
func (c *Coordinator) Dispatch(ctx context.Context, requestID string, actor Actor) (*domain.Request, error) {
	if !actor.IsOperator() {
		return nil, domain.ErrForbidden
	}
	return c.withRequest(ctx, requestID, func(u *unit, req *domain.Request, now time.Time) error {
		return c.dispatchLocked(ctx, u, req, actor, now)
	})
}

func (c *Coordinator) Complete(ctx context.Context, requestID string, actor Actor) (*domain.Request, error) {
	snap, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRequestStatus(actor, snap, domain.RequestStatusCompleted); err != nil {
		return nil, err
	}
	return c.withRequest(ctx, requestID, func(u *unit, req *domain.Request, now time.Time) error {
		return c.completeLocked(ctx, u, req, "", actor, now)
	})
}

func (c *Coordinator) Cancel(ctx context.Context, requestID, reason string, actor Actor) (*domain.Request, error) {
	snap, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRequestStatus(actor, snap, domain.RequestStatusCancelled); err != nil {
		return nil, err
	}
	return c.withRequest(ctx, requestID, func(u *unit, req *domain.Request, now time.Time) error {
		return c.cancelLocked(ctx, u, req, reason, actor, now)
	})
}

// DueBookings lists assigned bookings whose window opens within the lead time.
func (c *Coordinator) DueBookings(ctx context.Context) ([]*domain.Request, error) {
	status := domain.RequestStatusAssigned
	due := c.now().Add(c.opts.BookingLeadTime)
	return c.store.ListRequests(ctx, RequestFilter{Status: &status, BookingsStartingBefore: &due})
}

func (c *core) dispatchLocked(ctx context.Context, u *unit, req *domain.Request, actor Actor, now time.Time) error {
	if req.Status != domain.RequestStatusAssigned {
		return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, domain.ErrInvalidTransition)
	}
	if req.AssignedTruck == nil {
		return fmt.Errorf("assigned request %s has no truck: %w", req.ID, domain.ErrInvariant)
	}
	truck, err := c.trucks.Reserve(ctx, u, *req.AssignedTruck, req.ID)
	if err != nil {
		return err
	}
	if err := applyTransition(req, domain.RequestStatusDispatched, actor, "", now); err != nil {
		return err
	}
	return u.emit(ctx,
		events.RequestStatusChanged(req, domain.RequestStatusDispatched, "", now),
		events.TruckStatusUpdated(truck, now),
	)
}

// advanceLocked moves a dispatched request forward together with its truck.
func (c *core) advanceLocked(ctx context.Context, u *unit, req *domain.Request, next domain.RequestStatus, notes string, actor Actor, now time.Time) error {
	if err := applyTransition(req, next, actor, notes, now); err != nil {
		return err
	}
	truck, err := c.lockAssignedTruck(ctx, u, req)
	if err != nil {
		return err
	}
	ts, _ := domain.TruckStatusFor(next)
	if !truck.Status.CanAdvanceTo(ts) {
		return fmt.Errorf("truck %s %s -> %s: %w", truck.ID, truck.Status, ts, domain.ErrInvalidTransition)
	}
	truck.Status = ts
	touchTruck(truck, now)
	if err := u.UpdateTruck(ctx, truck); err != nil {
		return err
	}
	return u.emit(ctx,
		events.RequestStatusChanged(req, next, notes, now),
		events.TruckStatusUpdated(truck, now),
	)
}

// completeLocked finishes the request and returns its truck to available in
// the same step. The request keeps its truck reference as a record.
func (c *core) completeLocked(ctx context.Context, u *unit, req *domain.Request, notes string, actor Actor, now time.Time) error {
	if err := applyTransition(req, domain.RequestStatusCompleted, actor, notes, now); err != nil {
		return err
	}
	if _, err := c.lockAssignedTruck(ctx, u, req); err != nil {
		return err
	}
	truck, err := c.trucks.Release(ctx, u, *req.AssignedTruck, req.ID)
	if err != nil {
		return err
	}
	return u.emit(ctx,
		events.RequestStatusChanged(req, domain.RequestStatusCompleted, notes, now),
		events.TruckStatusUpdated(truck, now),
	)
}

func (c *core) cancelLocked(ctx context.Context, u *unit, req *domain.Request, reason string, actor Actor, now time.Time) error {
	if !req.Status.Cancellable() {
		return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, domain.ErrNotCancellable)
	}
	var truck *domain.Truck
	if req.AssignedTruck != nil {
		var err error
		truck, err = c.trucks.Release(ctx, u, *req.AssignedTruck, req.ID)
		if err != nil {
			return err
		}
	}
	if err := applyTransition(req, domain.RequestStatusCancelled, actor, reason, now); err != nil {
		return err
	}
	if reason != "" {
		r := reason
		req.CancelReason = &r
	}
	req.AssignedTruck = nil
	req.AssignedDriver = nil
	evts := []events.Event{events.RequestStatusChanged(req, domain.RequestStatusCancelled, reason, now)}
	if truck != nil {
		evts = append(evts, events.TruckStatusUpdated(truck, now))
	}
	return u.emit(ctx, evts...)
}

// lockAssignedTruck loads the request's truck and checks that it points back.
func (c *core) lockAssignedTruck(ctx context.Context, u *unit, req *domain.Request) (*domain.Truck, error) {
	if req.AssignedTruck == nil {
		return nil, fmt.Errorf("request %s has no truck: %w", req.ID, domain.ErrInvariant)
	}
	truck, err := u.GetTruckForUpdate(ctx, *req.AssignedTruck)
	if err != nil {
		return nil, err
	}
	if truck.AssignedRequest == nil || *truck.AssignedRequest != req.ID {
		return nil, fmt.Errorf("truck %s does not hold request %s: %w", truck.ID, req.ID, domain.ErrInvariant)
	}
	return truck, nil
}
