package service

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/events"
	"fleet-dispatch/internal/geo"
)

// Registry owns truck records: onboarding, availability and status.
type Registry struct {
	*core
}

func (r *Registry) Get(ctx context.Context, id string) (*domain.Truck, error) {
	return r.store.GetTruck(ctx, id)
}

func (r *Registry) List(ctx context.Context, filter TruckFilter) ([]*domain.Truck, error) {
	return r.store.ListTrucks(ctx, filter)
}

func (r *Registry) ListAvailable(ctx context.Context) ([]*domain.Truck, error) {
	status := domain.TruckStatusAvailable
	return r.store.ListTrucks(ctx, TruckFilter{Status: &status, ActiveOnly: true})
}

// ListByArea returns the available trucks within radiusKm of point, nearest first.
func (r *Registry) ListByArea(ctx context.Context, point domain.Location, radiusKm float64) ([]geo.Match[*domain.Truck], error) {
	seq, err := r.nearby(ctx, point, radiusKm, false)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// nearby ranks candidate trucks around point. Bookings may go to any active
// truck that is in service, since the truck only needs to be free during the
// booking window.
func (r *Registry) nearby(ctx context.Context, point domain.Location, radiusKm float64, forBooking bool) (iter.Seq[geo.Match[*domain.Truck]], error) {
	verr := domain.ValidateCoordinates("", point.Lat, point.Lng)
	if err := domain.ValidateMaxDistance(radiusKm); err != nil {
		verr = verr.Add("maxDistanceKm", "must be positive")
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}
	var (
		trucks []*domain.Truck
		err    error
	)
	if forBooking {
		trucks, err = r.store.ListTrucks(ctx, TruckFilter{ActiveOnly: true})
		trucks = slices.DeleteFunc(trucks, func(t *domain.Truck) bool { return t.Status.OutOfService() })
	} else {
		trucks, err = r.ListAvailable(ctx)
	}
	if err != nil {
		return nil, err
	}
	return geo.Nearest(point, trucks, radiusKm), nil
}

func (r *Registry) Register(ctx context.Context, truck *domain.Truck, actor Actor) (*domain.Truck, error) {
	if !actor.IsOperator() {
		return nil, domain.ErrForbidden
	}
	if err := domain.ValidateNewTruck(truck); err != nil {
		return nil, err
	}
	now := r.now()
	t := truck.Clone()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = r.newID()
	}
	switch t.Status {
	case "":
		t.Status = domain.TruckStatusAvailable
	case domain.TruckStatusAvailable, domain.TruckStatusMaintenance, domain.TruckStatusOffline:
	default:
		return nil, domain.NewValidationError(domain.FieldError{Field: "status", Message: "new trucks start available, maintenance or offline"})
	}
	if t.CurrentLocation != nil {
		pos := *t.CurrentLocation
		if pos.Timestamp.IsZero() {
			pos.Timestamp = now
		}
		t.CurrentLocation = nil
		t.PushPosition(pos, r.opts.HistoryLimit)
	}
	t.AssignedRequest = nil
	t.Bookings = nil
	t.LocationHistory = nil
	t.IsActive = true
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now

	u, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer u.Rollback(ctx)

	if err := u.CreateTruck(ctx, t); err != nil {
		return nil, err
	}
	if err := u.emit(ctx, events.TruckStatusUpdated(t, now)); err != nil {
		return nil, err
	}
	if err := r.commit(ctx, u); err != nil {
		return nil, err
	}
	return t, nil
}

// SetActive toggles the soft-delete flag. A truck holding an assignment or a
// booking cannot be deactivated.
func (r *Registry) SetActive(ctx context.Context, truckID string, active bool, actor Actor) (*domain.Truck, error) {
	if !actor.IsOperator() {
		return nil, domain.ErrForbidden
	}
	u, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer u.Rollback(ctx)

	truck, err := u.GetTruckForUpdate(ctx, truckID)
	if err != nil {
		return nil, err
	}
	if truck.IsActive == active {
		return truck, nil
	}
	if !active && (truck.AssignedRequest != nil || len(truck.Bookings) > 0) {
		return nil, fmt.Errorf("truck %s has open work: %w", truck.ID, domain.ErrNotAvailable)
	}
	now := r.now()
	truck.IsActive = active
	touchTruck(truck, now)
	if err := u.UpdateTruck(ctx, truck); err != nil {
		return nil, err
	}
	if err := u.emit(ctx, events.TruckStatusUpdated(truck, now)); err != nil {
		return nil, err
	}
	if err := r.commit(ctx, u); err != nil {
		return nil, err
	}
	return truck, nil
}

// SetStatus moves a truck through its state machine. Advances of an assigned
// truck carry its request along; forced exits requeue its work.
func (r *Registry) SetStatus(ctx context.Context, truckID string, next domain.TruckStatus, actor Actor) (*domain.Truck, error) {
	snap, err := r.store.GetTruck(ctx, truckID)
	if err != nil {
		return nil, err
	}
	if err := authorizeTruckStatus(actor, snap, next); err != nil {
		return nil, err
	}

	u, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer u.Rollback(ctx)

	truck, reqs, err := r.lockTruckWork(ctx, u, snap)
	if err != nil {
		return nil, err
	}
	now := r.now()
	prev := truck.Status
	invalid := fmt.Errorf("truck %s %s -> %s: %w", truck.ID, prev, next, domain.ErrInvalidTransition)

	switch {
	case next.OutOfService():
		if prev == next {
			return nil, invalid
		}
		if err := r.forceOut(ctx, u, truck, reqs, next, actor, now); err != nil {
			return nil, err
		}
	case next == domain.TruckStatusAvailable:
		switch {
		case prev.OutOfService(), prev == domain.TruckStatusCompleted:
		case prev == domain.TruckStatusDispatched && truck.AssignedRequest == nil:
		default:
			return nil, invalid
		}
		truck.Status = domain.TruckStatusAvailable
	case prev == domain.TruckStatusAvailable && next == domain.TruckStatusDispatched:
		// Manual run with no request attached.
		if !truck.IsActive {
			return nil, fmt.Errorf("truck %s is inactive: %w", truck.ID, domain.ErrNotAvailable)
		}
		truck.Status = next
	case prev.CanAdvanceTo(next):
		if truck.AssignedRequest != nil {
			req := reqs[*truck.AssignedRequest]
			rs, _ := domain.RequestStatusFor(next)
			if err := applyTransition(req, rs, actor, "", now); err != nil {
				return nil, err
			}
			touchRequest(req, now)
			if err := u.UpdateRequest(ctx, req); err != nil {
				return nil, err
			}
			if err := u.emit(ctx, events.RequestStatusChanged(req, rs, "", now)); err != nil {
				return nil, err
			}
			if next == domain.TruckStatusCompleted {
				truck.AssignedRequest = nil
			}
		}
		truck.Status = next
	default:
		return nil, invalid
	}

	touchTruck(truck, now)
	if err := u.UpdateTruck(ctx, truck); err != nil {
		return nil, err
	}
	if err := u.emit(ctx, events.TruckStatusUpdated(truck, now)); err != nil {
		return nil, err
	}
	if err := r.commit(ctx, u); err != nil {
		return nil, err
	}
	return truck, nil
}

// Reserve binds an available truck to requestID inside tx. A booking already
// held on the truck is activated by the same call.
func (r *Registry) Reserve(ctx context.Context, tx Tx, truckID, requestID string) (*domain.Truck, error) {
	truck, err := tx.GetTruckForUpdate(ctx, truckID)
	if err != nil {
		return nil, err
	}
	if truck.AssignedRequest != nil {
		return nil, fmt.Errorf("truck %s holds request %s: %w", truck.ID, *truck.AssignedRequest, domain.ErrAlreadyAssigned)
	}
	if !truck.IsActive || truck.Status != domain.TruckStatusAvailable {
		return nil, fmt.Errorf("truck %s is %s: %w", truck.ID, truck.Status, domain.ErrNotAvailable)
	}
	id := requestID
	truck.Status = domain.TruckStatusDispatched
	truck.AssignedRequest = &id
	truck.RemoveBooking(requestID)
	touchTruck(truck, r.now())
	if err := tx.UpdateTruck(ctx, truck); err != nil {
		return nil, err
	}
	return truck, nil
}

// Hold records a future booking on the truck without changing its status.
func (r *Registry) Hold(ctx context.Context, tx Tx, truckID, requestID string) (*domain.Truck, error) {
	truck, err := tx.GetTruckForUpdate(ctx, truckID)
	if err != nil {
		return nil, err
	}
	if !truck.IsActive || truck.Status.OutOfService() {
		return nil, fmt.Errorf("truck %s is out of service: %w", truck.ID, domain.ErrNotAvailable)
	}
	if truck.HasBooking(requestID) || (truck.AssignedRequest != nil && *truck.AssignedRequest == requestID) {
		return nil, fmt.Errorf("truck %s already holds request %s: %w", truck.ID, requestID, domain.ErrAlreadyAssigned)
	}
	truck.Bookings = append(truck.Bookings, requestID)
	touchTruck(truck, r.now())
	if err := tx.UpdateTruck(ctx, truck); err != nil {
		return nil, err
	}
	return truck, nil
}

// Release drops the truck's reference to requestID: an active assignment
// returns the truck to available, a held booking is simply removed.
func (r *Registry) Release(ctx context.Context, tx Tx, truckID, requestID string) (*domain.Truck, error) {
	truck, err := tx.GetTruckForUpdate(ctx, truckID)
	if err != nil {
		return nil, err
	}
	switch {
	case truck.AssignedRequest != nil && *truck.AssignedRequest == requestID:
		truck.AssignedRequest = nil
		truck.Status = domain.TruckStatusAvailable
	case truck.HasBooking(requestID):
		truck.RemoveBooking(requestID)
	default:
		return nil, fmt.Errorf("truck %s does not reference request %s: %w", truck.ID, requestID, domain.ErrInvariant)
	}
	touchTruck(truck, r.now())
	if err := tx.UpdateTruck(ctx, truck); err != nil {
		return nil, err
	}
	return truck, nil
}

// lockTruckWork locks the requests a truck references and then the truck,
// keeping the request-before-truck order. If the truck's references moved
// between the snapshot and the lock the caller gets ErrConflict.
func (r *Registry) lockTruckWork(ctx context.Context, tx Tx, snap *domain.Truck) (*domain.Truck, map[string]*domain.Request, error) {
	ids := truckWork(snap)
	reqs := make(map[string]*domain.Request, len(ids))
	for _, id := range ids {
		req, err := tx.GetRequestForUpdate(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("truck %s references request %s: %w", snap.ID, id, err)
		}
		reqs[id] = req
	}
	truck, err := tx.GetTruckForUpdate(ctx, snap.ID)
	if err != nil {
		return nil, nil, err
	}
	if !slices.Equal(truckWork(truck), ids) {
		return nil, nil, fmt.Errorf("truck %s assignment changed: %w", truck.ID, domain.ErrConflict)
	}
	return truck, reqs, nil
}

func truckWork(t *domain.Truck) []string {
	ids := make([]string, 0, len(t.Bookings)+1)
	if t.AssignedRequest != nil {
		ids = append(ids, *t.AssignedRequest)
	}
	return append(ids, t.Bookings...)
}

// forceOut takes a truck out of service and sends everything it was holding
// back to pending so it can be matched again.
func (r *Registry) forceOut(ctx context.Context, u *unit, truck *domain.Truck, reqs map[string]*domain.Request, next domain.TruckStatus, actor Actor, now time.Time) error {
	note := fmt.Sprintf("truck %s went %s", truck.ID, next)
	for _, id := range truckWork(truck) {
		req := reqs[id]
		if !req.Status.CanRequeue() {
			continue
		}
		requeue(req, actor, note, now)
		touchRequest(req, now)
		if err := u.UpdateRequest(ctx, req); err != nil {
			return err
		}
		if err := u.emit(ctx, events.RequestStatusChanged(req, req.Status, note, now)); err != nil {
			return err
		}
	}
	truck.AssignedRequest = nil
	truck.Bookings = nil
	truck.Status = next
	return nil
}

func authorizeTruckStatus(actor Actor, truck *domain.Truck, next domain.TruckStatus) error {
	switch actor.Role {
	case domain.RoleOperator:
		return nil
	case domain.RoleDriver:
		if actor.ID != truck.ID {
			return domain.ErrForbidden
		}
		// Drivers advance their own job and release afterwards; going out of
		// service or coming back is an operator decision.
		if next.OutOfService() || truck.Status.OutOfService() {
			return domain.ErrForbidden
		}
		return nil
	default:
		return domain.ErrForbidden
	}
}
