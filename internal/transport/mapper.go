package transport

import (
	"time"

	"fleet-dispatch/internal/auth"
	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/geo"
	"fleet-dispatch/internal/service"
)

type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address,omitempty"`
}

// LocationInput is an inbound point. Coordinates are pointers because (0,0)
// is a real place and an absent field must not decode as one.
type LocationInput struct {
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Address string   `json:"address,omitempty"`
}

// LatLon builds a LocationInput from known coordinates.
func LatLon(lat, lon float64) LocationInput {
	return LocationInput{Lat: &lat, Lon: &lon}
}

type PositionResponse struct {
	Location
	Timestamp time.Time `json:"timestamp"`
}

type Schedule struct {
	RequestedTime *time.Time `json:"requestedTime,omitempty"`
	StartTime     *time.Time `json:"startTime,omitempty"`
	EndTime       *time.Time `json:"endTime,omitempty"`
}

type Driver struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type Vehicle struct {
	LicensePlate string `json:"licensePlate"`
	Make         string `json:"make,omitempty"`
	Model        string `json:"model,omitempty"`
}

type TruckResponse struct {
	ID              string             `json:"id"`
	Driver          Driver             `json:"driver"`
	Vehicle         Vehicle            `json:"vehicle"`
	Status          string             `json:"status"`
	CurrentLocation *PositionResponse  `json:"currentLocation,omitempty"`
	LocationHistory []PositionResponse `json:"locationHistory,omitempty"`
	LastSeen        *time.Time         `json:"lastSeen,omitempty"`
	AssignedRequest *string            `json:"assignedRequest"`
	Bookings        []string           `json:"bookings,omitempty"`
	IsActive        bool               `json:"isActive"`
	Version         int64              `json:"version"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

type NearbyTruckResponse struct {
	Truck      TruckResponse `json:"truck"`
	DistanceKm float64       `json:"distanceKm"`
}

type LocationUpdateResponse struct {
	CurrentLocation *PositionResponse `json:"currentLocation"`
	LastSeen        *time.Time        `json:"lastSeen"`
}

type HistoryEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Notes     string    `json:"notes,omitempty"`
}

type RequestResponse struct {
	ID             string         `json:"id"`
	Reference      string         `json:"reference"`
	RequesterID    string         `json:"requesterId"`
	PickupLocation Location       `json:"pickupLocation"`
	Destination    *Location      `json:"destination,omitempty"`
	Status         string         `json:"status"`
	Schedule       Schedule       `json:"schedule"`
	AssignedTruck  *string        `json:"assignedTruck"`
	AssignedDriver *string        `json:"assignedDriver"`
	History        []HistoryEntry `json:"history"`
	AssignedAt     *time.Time     `json:"assignedAt,omitempty"`
	DispatchedAt   *time.Time     `json:"dispatchedAt,omitempty"`
	EnRouteAt      *time.Time     `json:"enRouteAt,omitempty"`
	ArrivedAt      *time.Time     `json:"arrivedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	CancelledAt    *time.Time     `json:"cancelledAt,omitempty"`
	CancelReason   *string        `json:"cancelReason,omitempty"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// CreateRequestInput is the create-request payload shared by every transport.
type CreateRequestInput struct {
	RequesterID    string         `json:"requesterId"`
	PickupLocation *LocationInput `json:"pickupLocation"`
	Destination    *LocationInput `json:"destination,omitempty"`
	Schedule       *Schedule      `json:"schedule,omitempty"`
}

type RegisterTruckInput struct {
	ID              string         `json:"id,omitempty"`
	Driver          Driver         `json:"driver"`
	Vehicle         Vehicle        `json:"vehicle"`
	Status          string         `json:"status,omitempty"`
	CurrentLocation *LocationInput `json:"currentLocation,omitempty"`
}

// ToLocation converts a reported position, rejecting absent coordinates.
func ToLocation(in LocationInput) (domain.Location, error) {
	loc, verr := toLocation("", in, nil)
	return loc, verr.Err()
}

func toLocation(prefix string, in LocationInput, verr *domain.ValidationError) (domain.Location, *domain.ValidationError) {
	if in.Lat == nil {
		verr = verr.Add(prefix+"lat", "required")
	}
	if in.Lon == nil {
		verr = verr.Add(prefix+"lon", "required")
	}
	if in.Lat == nil || in.Lon == nil {
		return domain.Location{}, verr
	}
	return domain.Location{Lat: *in.Lat, Lng: *in.Lon, Address: in.Address}, verr
}

func FromLocation(loc domain.Location) Location {
	return Location{Lat: loc.Lat, Lon: loc.Lng, Address: loc.Address}
}

func fromPosition(pos *domain.Position) *PositionResponse {
	if pos == nil {
		return nil
	}
	return &PositionResponse{Location: FromLocation(pos.Location), Timestamp: pos.Timestamp}
}

// ToNewRequest leaves an absent pickup nil for the service to reject, and
// reports a pickup or destination that is missing a coordinate.
func (in CreateRequestInput) ToNewRequest() (service.NewRequest, error) {
	var verr *domain.ValidationError
	out := service.NewRequest{RequesterID: in.RequesterID}
	if in.PickupLocation != nil {
		var pickup domain.Location
		pickup, verr = toLocation("pickupLocation.", *in.PickupLocation, verr)
		out.Pickup = &pickup
	}
	if in.Destination != nil {
		var dest domain.Location
		dest, verr = toLocation("destination.", *in.Destination, verr)
		out.Destination = &dest
	}
	if in.Schedule != nil {
		s := &domain.Schedule{EndTime: in.Schedule.EndTime}
		if in.Schedule.StartTime != nil {
			s.StartTime = *in.Schedule.StartTime
		}
		out.Schedule = s
	}
	if err := verr.Err(); err != nil {
		return service.NewRequest{}, err
	}
	return out, nil
}

func (in RegisterTruckInput) ToTruck() (*domain.Truck, error) {
	t := &domain.Truck{
		ID:      in.ID,
		Driver:  domain.Driver{Name: in.Driver.Name, Phone: in.Driver.Phone},
		Vehicle: domain.Vehicle{LicensePlate: in.Vehicle.LicensePlate, Make: in.Vehicle.Make, Model: in.Vehicle.Model},
	}
	if in.Status != "" {
		st, err := domain.ParseTruckStatus(in.Status)
		if err != nil {
			return nil, err
		}
		t.Status = st
	}
	if in.CurrentLocation != nil {
		loc, verr := toLocation("currentLocation.", *in.CurrentLocation, nil)
		if err := verr.Err(); err != nil {
			return nil, err
		}
		t.CurrentLocation = &domain.Position{Location: loc}
	}
	return t, nil
}

func FromTruck(t *domain.Truck) TruckResponse {
	resp := TruckResponse{
		ID:              t.ID,
		Driver:          Driver{Name: t.Driver.Name, Phone: t.Driver.Phone},
		Vehicle:         Vehicle{LicensePlate: t.Vehicle.LicensePlate, Make: t.Vehicle.Make, Model: t.Vehicle.Model},
		Status:          string(t.Status),
		CurrentLocation: fromPosition(t.CurrentLocation),
		LastSeen:        t.LastSeen,
		AssignedRequest: t.AssignedRequest,
		Bookings:        t.Bookings,
		IsActive:        t.IsActive,
		Version:         t.Version,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if len(t.LocationHistory) > 0 {
		resp.LocationHistory = make([]PositionResponse, 0, len(t.LocationHistory))
		for i := range t.LocationHistory {
			resp.LocationHistory = append(resp.LocationHistory, *fromPosition(&t.LocationHistory[i]))
		}
	}
	return resp
}

func FromTrucks(trucks []*domain.Truck) []TruckResponse {
	out := make([]TruckResponse, 0, len(trucks))
	for _, t := range trucks {
		out = append(out, FromTruck(t))
	}
	return out
}

func FromNearby(matches []geo.Match[*domain.Truck]) []NearbyTruckResponse {
	out := make([]NearbyTruckResponse, 0, len(matches))
	for _, m := range matches {
		out = append(out, NearbyTruckResponse{Truck: FromTruck(m.Item), DistanceKm: m.DistanceKm})
	}
	return out
}

func FromLocationUpdate(t *domain.Truck) LocationUpdateResponse {
	return LocationUpdateResponse{CurrentLocation: fromPosition(t.CurrentLocation), LastSeen: t.LastSeen}
}

func FromHistory(entries []domain.HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntry{Status: string(e.Status), Timestamp: e.Timestamp, Actor: e.Actor, Notes: e.Notes})
	}
	return out
}

func FromRequest(r *domain.Request) RequestResponse {
	requested, start := r.Schedule.RequestedTime, r.Schedule.StartTime
	resp := RequestResponse{
		ID:             r.ID,
		Reference:      r.Reference,
		RequesterID:    r.RequesterID,
		PickupLocation: FromLocation(r.Pickup),
		Status:         string(r.Status),
		Schedule:       Schedule{RequestedTime: &requested, StartTime: &start, EndTime: r.Schedule.EndTime},
		AssignedTruck:  r.AssignedTruck,
		AssignedDriver: r.AssignedDriver,
		History:        FromHistory(r.History),
		AssignedAt:     r.AssignedAt,
		DispatchedAt:   r.DispatchedAt,
		EnRouteAt:      r.EnRouteAt,
		ArrivedAt:      r.ArrivedAt,
		CompletedAt:    r.CompletedAt,
		CancelledAt:    r.CancelledAt,
		CancelReason:   r.CancelReason,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.Destination != nil {
		dest := FromLocation(*r.Destination)
		resp.Destination = &dest
	}
	return resp
}

func FromRequests(reqs []*domain.Request) []RequestResponse {
	out := make([]RequestResponse, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, FromRequest(r))
	}
	return out
}

func ActorFromClaims(claims *auth.Claims) service.Actor {
	return service.Actor{ID: claims.Subject, Role: claims.Role}
}
