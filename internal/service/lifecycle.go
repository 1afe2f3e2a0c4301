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

// Lifecycle owns request records and their status history.
type Lifecycle struct {
	*core
}

type NewRequest struct {
	RequesterID string
	Pickup      *domain.Location
	Destination *domain.Location
	Schedule    *domain.Schedule
}

func (l *Lifecycle) Create(ctx context.Context, in NewRequest, actor Actor) (*domain.Request, error) {
	requester := strings.TrimSpace(in.RequesterID)
	switch actor.Role {
	case domain.RoleCustomer:
		if requester != "" && requester != actor.ID {
			return nil, domain.ErrForbidden
		}
		requester = actor.ID
	case domain.RoleOperator:
	default:
		return nil, domain.ErrForbidden
	}

	var verr *domain.ValidationError
	if requester == "" {
		verr = verr.Add("requesterId", "required")
	}
	if in.Pickup == nil {
		verr = verr.Add("pickupLocation", "required")
	} else if v := domain.ValidateCoordinates("pickupLocation.", in.Pickup.Lat, in.Pickup.Lng); v != nil {
		verr = appendFields(verr, v)
	}
	if in.Destination != nil {
		if v := domain.ValidateCoordinates("destination.", in.Destination.Lat, in.Destination.Lng); v != nil {
			verr = appendFields(verr, v)
		}
	}
	now := l.now()
	schedule := domain.Schedule{RequestedTime: now, StartTime: now}
	if in.Schedule != nil {
		var v *domain.ValidationError
		if err := domain.ValidateSchedule(*in.Schedule); errors.As(err, &v) {
			verr = appendFields(verr, v)
		}
		if !in.Schedule.StartTime.IsZero() {
			schedule.StartTime = in.Schedule.StartTime.UTC()
		}
		if in.Schedule.EndTime != nil {
			end := in.Schedule.EndTime.UTC()
			schedule.EndTime = &end
		}
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}

	period := domain.ReferencePeriod(now)
	n, err := l.seq.Next(ctx, period)
	if err != nil {
		return nil, err
	}
	req := &domain.Request{
		ID:          l.newID(),
		Reference:   domain.ReferenceCode(period, n),
		RequesterID: requester,
		Pickup:      *in.Pickup,
		Destination: in.Destination,
		Status:      domain.RequestStatusPending,
		Schedule:    schedule,
		History: []domain.HistoryEntry{{
			Status:    domain.RequestStatusPending,
			Timestamp: now,
			Actor:     actor.String(),
			Notes:     "request created",
		}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	u, err := l.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer u.Rollback(ctx)

	if err := u.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	if err := u.emit(ctx, events.RequestCreated(req, now)); err != nil {
		return nil, err
	}
	if err := l.commit(ctx, u); err != nil {
		return nil, err
	}
	return req, nil
}

// Get returns the request if actor may see it: operators see everything,
// customers their own requests, drivers the requests on their truck.
func (l *Lifecycle) Get(ctx context.Context, id string, actor Actor) (*domain.Request, error) {
	req, err := l.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, req) {
		return nil, domain.ErrForbidden
	}
	return req, nil
}

func (l *Lifecycle) List(ctx context.Context, filter RequestFilter, actor Actor) ([]*domain.Request, error) {
	switch actor.Role {
	case domain.RoleOperator:
	case domain.RoleCustomer:
		filter.RequesterID = actor.ID
	case domain.RoleDriver:
		filter.TruckID = actor.ID
	default:
		return nil, domain.ErrForbidden
	}
	return l.store.ListRequests(ctx, filter)
}

func (l *Lifecycle) History(ctx context.Context, id string, actor Actor) ([]domain.HistoryEntry, error) {
	req, err := l.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	return req.History, nil
}

// FindOverlapping lists the active requests on truckID whose booking window
// intersects [start, end).
func (l *Lifecycle) FindOverlapping(ctx context.Context, truckID string, start, end time.Time) ([]*domain.Request, error) {
	if !end.After(start) {
		return nil, domain.NewValidationError(domain.FieldError{Field: "endTime", Message: "must be after startTime"})
	}
	u, err := l.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer u.Rollback(ctx)
	return u.FindOverlapping(ctx, truckID, start, end)
}

// Transition moves a request to next. Every status that involves the truck
// goes through the same paths as the dispatch operations so both records
// change together.
func (l *Lifecycle) Transition(ctx context.Context, requestID string, next domain.RequestStatus, notes string, actor Actor) (*domain.Request, error) {
	snap, err := l.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRequestStatus(actor, snap, next); err != nil {
		return nil, err
	}
	switch next {
	case domain.RequestStatusCancelled:
		return l.withRequest(ctx, requestID, func(u *unit, req *domain.Request, now time.Time) error {
			return l.cancelLocked(ctx, u, req, notes, actor, now)
		})
	case domain.RequestStatusDispatched:
		return l.withRequest(ctx, requestID, func(u *unit, req *domain.Request, now time.Time) error {
			return l.dispatchLocked(ctx, u, req, actor, now)
		})
	case domain.RequestStatusEnRoute, domain.RequestStatusAtLocation:
		return l.withRequest(ctx, requestID, func(u *unit, req *domain.Request, now time.Time) error {
			return l.advanceLocked(ctx, u, req, next, notes, actor, now)
		})
	case domain.RequestStatusCompleted:
		return l.withRequest(ctx, requestID, func(u *unit, req *domain.Request, now time.Time) error {
			return l.completeLocked(ctx, u, req, notes, actor, now)
		})
	default:
		// pending is only re-entered when a truck is forced out of service;
		// assigned needs a truck and goes through assignment.
		return nil, fmt.Errorf("request %s -> %s: %w", requestID, next, domain.ErrInvalidTransition)
	}
}

// withRequest runs fn on the locked request and persists it in one
// transaction. The version is bumped before fn so emitted events carry it.
func (c *core) withRequest(ctx context.Context, requestID string, fn func(u *unit, req *domain.Request, now time.Time) error) (*domain.Request, error) {
	u, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer u.Rollback(ctx)

	req, err := u.GetRequestForUpdate(ctx, requestID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	touchRequest(req, now)
	if err := fn(u, req, now); err != nil {
		return nil, err
	}
	if err := u.UpdateRequest(ctx, req); err != nil {
		return nil, err
	}
	if err := c.commit(ctx, u); err != nil {
		return nil, err
	}
	return req, nil
}

// applyTransition moves req to next, stamps the matching timestamp and
// appends one history entry.
func applyTransition(req *domain.Request, next domain.RequestStatus, actor Actor, notes string, now time.Time) error {
	if !req.Status.CanTransitionTo(next) {
		return fmt.Errorf("request %s %s -> %s: %w", req.ID, req.Status, next, domain.ErrInvalidTransition)
	}
	at := now
	switch next {
	case domain.RequestStatusAssigned:
		req.AssignedAt = &at
	case domain.RequestStatusDispatched:
		req.DispatchedAt = &at
	case domain.RequestStatusEnRoute:
		req.EnRouteAt = &at
	case domain.RequestStatusAtLocation:
		req.ArrivedAt = &at
	case domain.RequestStatusCompleted:
		req.CompletedAt = &at
	case domain.RequestStatusCancelled:
		req.CancelledAt = &at
	}
	req.Status = next
	req.History = append(req.History, domain.HistoryEntry{Status: next, Timestamp: now, Actor: actor.String(), Notes: notes})
	return nil
}

// requeue sends a request whose truck dropped out back to pending.
func requeue(req *domain.Request, actor Actor, notes string, now time.Time) {
	req.Status = domain.RequestStatusPending
	req.AssignedTruck = nil
	req.AssignedDriver = nil
	req.AssignedAt = nil
	req.DispatchedAt = nil
	req.EnRouteAt = nil
	req.ArrivedAt = nil
	req.History = append(req.History, domain.HistoryEntry{Status: domain.RequestStatusPending, Timestamp: now, Actor: actor.String(), Notes: notes})
}

func canView(actor Actor, req *domain.Request) bool {
	switch actor.Role {
	case domain.RoleOperator:
		return true
	case domain.RoleCustomer:
		return req.RequesterID == actor.ID
	case domain.RoleDriver:
		return req.AssignedTruck != nil && *req.AssignedTruck == actor.ID
	}
	return false
}

func authorizeRequestStatus(actor Actor, req *domain.Request, next domain.RequestStatus) error {
	switch actor.Role {
	case domain.RoleOperator:
		return nil
	case domain.RoleCustomer:
		if req.RequesterID == actor.ID && next == domain.RequestStatusCancelled {
			return nil
		}
	case domain.RoleDriver:
		if req.AssignedTruck == nil || *req.AssignedTruck != actor.ID {
			return domain.ErrForbidden
		}
		switch next {
		case domain.RequestStatusEnRoute, domain.RequestStatusAtLocation, domain.RequestStatusCompleted:
			return nil
		}
	}
	return domain.ErrForbidden
}

func appendFields(dst, src *domain.ValidationError) *domain.ValidationError {
	if src == nil {
		return dst
	}
	for _, f := range src.Fields {
		dst = dst.Add(f.Field, f.Message)
	}
	return dst
}
