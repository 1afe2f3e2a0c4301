package service

import (
	"context"
	"time"

	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/events"
)

// Store reads committed state. None of its methods may be called while the
// same goroutine holds an open Tx.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
	GetTruck(ctx context.Context, id string) (*domain.Truck, error)
	ListTrucks(ctx context.Context, filter TruckFilter) ([]*domain.Truck, error)
	GetRequest(ctx context.Context, id string) (*domain.Request, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*domain.Request, error)
	// Snapshot returns every truck and request as of one instant, so no
	// commit can land between the two reads.
	Snapshot(ctx context.Context) ([]*domain.Truck, []*domain.Request, error)
}

// Tx is a serializable unit of work. Rows returned by the ForUpdate methods
// stay locked until Commit or Rollback; multi-row work locks the request
// before the truck.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	GetTruckForUpdate(ctx context.Context, id string) (*domain.Truck, error)
	GetRequestForUpdate(ctx context.Context, id string) (*domain.Request, error)
	CreateTruck(ctx context.Context, truck *domain.Truck) error
	UpdateTruck(ctx context.Context, truck *domain.Truck) error
	CreateRequest(ctx context.Context, req *domain.Request) error
	UpdateRequest(ctx context.Context, req *domain.Request) error
	// FindOverlapping returns the active requests on truckID whose booking
	// window intersects [start, end).
	FindOverlapping(ctx context.Context, truckID string, start, end time.Time) ([]*domain.Request, error)
	EnqueueEvent(ctx context.Context, event events.Event) error
}

type TruckFilter struct {
	Status     *domain.TruckStatus
	ActiveOnly bool
	Limit      int
	Offset     int
}

type RequestFilter struct {
	Status      *domain.RequestStatus
	RequesterID string
	TruckID     string
	// BookingsStartingBefore keeps only bookings whose window starts before
	// the given time.
	BookingsStartingBefore *time.Time
	Limit                  int
	Offset                 int
}

// MatchTruck applies the filter in memory. Stores without a query language
// use it directly.
func (f TruckFilter) MatchTruck(t *domain.Truck) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.ActiveOnly && !t.IsActive {
		return false
	}
	return true
}

func (f RequestFilter) MatchRequest(r *domain.Request) bool {
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.TruckID != "" && (r.AssignedTruck == nil || *r.AssignedTruck != f.TruckID) {
		return false
	}
	if f.BookingsStartingBefore != nil && (!r.IsBooking() || !r.Schedule.StartTime.Before(*f.BookingsStartingBefore)) {
		return false
	}
	return true
}
