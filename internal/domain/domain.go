package domain

import (
	"slices"
	"time"
)

const (
	RoleOperator = "operator"
	RoleCustomer = "customer"
	RoleDriver   = "driver"
)

// DefaultHistoryLimit is the number of prior positions kept per truck.
const DefaultHistoryLimit = 100

type Location struct {
	Lat     float64
	Lng     float64
	Address string
}

// Position is a reported location stamped with the time it was received.
type Position struct {
	Location
	Timestamp time.Time
}

type Driver struct {
	Name  string
	Phone string
}

type Vehicle struct {
	LicensePlate string
	Make         string
	Model        string
}

type Truck struct {
	ID              string
	Driver          Driver
	Vehicle         Vehicle
	Status          TruckStatus
	CurrentLocation *Position
	LocationHistory []Position
	LastSeen        *time.Time
	AssignedRequest *string
	Bookings        []string
	IsActive        bool
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (t *Truck) Clone() *Truck {
	c := *t
	if t.CurrentLocation != nil {
		loc := *t.CurrentLocation
		c.CurrentLocation = &loc
	}
	if t.LastSeen != nil {
		seen := *t.LastSeen
		c.LastSeen = &seen
	}
	if t.AssignedRequest != nil {
		id := *t.AssignedRequest
		c.AssignedRequest = &id
	}
	c.LocationHistory = slices.Clone(t.LocationHistory)
	c.Bookings = slices.Clone(t.Bookings)
	return &c
}

func (t *Truck) GeoID() string { return t.ID }

// GeoLocation is false until the truck has reported a position.
func (t *Truck) GeoLocation() (Location, bool) {
	if t.CurrentLocation == nil {
		return Location{}, false
	}
	return t.CurrentLocation.Location, true
}

// HasBooking reports whether the request is held on the truck as a future booking.
func (t *Truck) HasBooking(requestID string) bool {
	return slices.Contains(t.Bookings, requestID)
}

func (t *Truck) RemoveBooking(requestID string) {
	t.Bookings = slices.DeleteFunc(t.Bookings, func(id string) bool { return id == requestID })
}

// PushPosition records a new current location, moving the previous one onto
// the history and trimming the history to limit entries, oldest first out.
func (t *Truck) PushPosition(pos Position, limit int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if t.CurrentLocation != nil {
		t.LocationHistory = append(t.LocationHistory, *t.CurrentLocation)
		if over := len(t.LocationHistory) - limit; over > 0 {
			t.LocationHistory = slices.Clone(t.LocationHistory[over:])
		}
	}
	t.CurrentLocation = &pos
	seen := pos.Timestamp
	t.LastSeen = &seen
}

type Schedule struct {
	RequestedTime time.Time
	StartTime     time.Time
	EndTime       *time.Time
}

type HistoryEntry struct {
	Status    RequestStatus
	Timestamp time.Time
	Actor     string
	Notes     string
}

type Request struct {
	ID             string
	Reference      string
	RequesterID    string
	Pickup         Location
	Destination    *Location
	Status         RequestStatus
	Schedule       Schedule
	AssignedTruck  *string
	AssignedDriver *string
	History        []HistoryEntry
	AssignedAt     *time.Time
	DispatchedAt   *time.Time
	EnRouteAt      *time.Time
	ArrivedAt      *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
	CancelReason   *string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r *Request) Clone() *Request {
	c := *r
	if r.Destination != nil {
		dest := *r.Destination
		c.Destination = &dest
	}
	if r.Schedule.EndTime != nil {
		end := *r.Schedule.EndTime
		c.Schedule.EndTime = &end
	}
	c.AssignedTruck = cloneString(r.AssignedTruck)
	c.AssignedDriver = cloneString(r.AssignedDriver)
	c.CancelReason = cloneString(r.CancelReason)
	c.AssignedAt = cloneTime(r.AssignedAt)
	c.DispatchedAt = cloneTime(r.DispatchedAt)
	c.EnRouteAt = cloneTime(r.EnRouteAt)
	c.ArrivedAt = cloneTime(r.ArrivedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.History = slices.Clone(r.History)
	return &c
}

// IsBooking reports whether the request reserves a fixed time window rather
// than asking for the next available truck.
func (r *Request) IsBooking() bool {
	return r.Schedule.EndTime != nil
}

// Overlaps applies the half-open interval test against [start, end).
func (r *Request) Overlaps(start, end time.Time) bool {
	if r.Schedule.EndTime == nil {
		return false
	}
	return r.Schedule.StartTime.Before(end) && r.Schedule.EndTime.After(start)
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}
