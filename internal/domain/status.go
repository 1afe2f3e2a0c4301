package domain

import "strings"

type TruckStatus string

const (
	TruckStatusAvailable   TruckStatus = "available"
	TruckStatusDispatched  TruckStatus = "dispatched"
	TruckStatusEnRoute     TruckStatus = "en_route"
	TruckStatusAtLocation  TruckStatus = "at_location"
	TruckStatusCompleted   TruckStatus = "completed"
	TruckStatusMaintenance TruckStatus = "maintenance"
	TruckStatusOffline     TruckStatus = "offline"
)

type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusAssigned   RequestStatus = "assigned"
	RequestStatusDispatched RequestStatus = "dispatched"
	RequestStatusEnRoute    RequestStatus = "en_route"
	RequestStatusAtLocation RequestStatus = "at_location"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusCancelled  RequestStatus = "cancelled"
)

// ParseTruckStatus normalizes and validates a truck status string.
func ParseTruckStatus(in string) (TruckStatus, error) {
	status := TruckStatus(strings.ToLower(strings.TrimSpace(in)))
	switch status {
	case TruckStatusAvailable, TruckStatusDispatched, TruckStatusEnRoute, TruckStatusAtLocation,
		TruckStatusCompleted, TruckStatusMaintenance, TruckStatusOffline:
		return status, nil
	}
	return "", NewValidationError(FieldError{Field: "status", Message: "unknown truck status " + in})
}

// ParseRequestStatus normalizes and validates a request status string. The
// booking names confirmed and in_progress map onto the shared lifecycle.
func ParseRequestStatus(in string) (RequestStatus, error) {
	status := RequestStatus(strings.ToLower(strings.TrimSpace(in)))
	switch status {
	case "confirmed":
		return RequestStatusAssigned, nil
	case "in_progress":
		return RequestStatusAtLocation, nil
	case RequestStatusPending, RequestStatusAssigned, RequestStatusDispatched, RequestStatusEnRoute,
		RequestStatusAtLocation, RequestStatusCompleted, RequestStatusCancelled:
		return status, nil
	}
	return "", NewValidationError(FieldError{Field: "status", Message: "unknown request status " + in})
}

// CanAdvanceTo covers the forward moves of an assigned truck. Reserve,
// release and operator-forced exits have their own checks.
func (s TruckStatus) CanAdvanceTo(next TruckStatus) bool {
	switch s {
	case TruckStatusDispatched:
		return next == TruckStatusEnRoute
	case TruckStatusEnRoute:
		return next == TruckStatusAtLocation
	case TruckStatusAtLocation:
		return next == TruckStatusCompleted
	default:
		return false
	}
}

func (s TruckStatus) CanRelease() bool {
	return s == TruckStatusDispatched || s == TruckStatusCompleted
}

// Engaged reports whether the truck is working an assignment.
func (s TruckStatus) Engaged() bool {
	switch s {
	case TruckStatusDispatched, TruckStatusEnRoute, TruckStatusAtLocation, TruckStatusCompleted:
		return true
	}
	return false
}

func (s TruckStatus) OutOfService() bool {
	return s == TruckStatusMaintenance || s == TruckStatusOffline
}

func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == RequestStatusCancelled {
		return true
	}
	switch s {
	case RequestStatusPending:
		return next == RequestStatusAssigned
	case RequestStatusAssigned:
		return next == RequestStatusDispatched
	case RequestStatusDispatched:
		return next == RequestStatusEnRoute
	case RequestStatusEnRoute:
		return next == RequestStatusAtLocation
	case RequestStatusAtLocation:
		return next == RequestStatusCompleted
	}
	return false
}

// CanRequeue reports whether a request may fall back to pending because its
// truck was forced out of service.
func (s RequestStatus) CanRequeue() bool {
	switch s {
	case RequestStatusAssigned, RequestStatusDispatched, RequestStatusEnRoute, RequestStatusAtLocation:
		return true
	}
	return false
}

func (s RequestStatus) Cancellable() bool {
	switch s {
	case RequestStatusPending, RequestStatusAssigned, RequestStatusDispatched:
		return true
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusCancelled
}

// HoldsTruck reports whether a request in this status must reference a truck.
func (s RequestStatus) HoldsTruck() bool {
	switch s {
	case RequestStatusAssigned, RequestStatusDispatched, RequestStatusEnRoute, RequestStatusAtLocation, RequestStatusCompleted:
		return true
	}
	return false
}

// Active is the set findOverlapping considers: holding a truck and not finished.
func (s RequestStatus) Active() bool {
	return s.HoldsTruck() && s != RequestStatusCompleted
}

// TruckStatusFor maps a request progress status onto the truck status it mirrors.
func TruckStatusFor(s RequestStatus) (TruckStatus, bool) {
	switch s {
	case RequestStatusDispatched:
		return TruckStatusDispatched, true
	case RequestStatusEnRoute:
		return TruckStatusEnRoute, true
	case RequestStatusAtLocation:
		return TruckStatusAtLocation, true
	case RequestStatusCompleted:
		return TruckStatusCompleted, true
	}
	return "", false
}

// RequestStatusFor is the inverse of TruckStatusFor.
func RequestStatusFor(s TruckStatus) (RequestStatus, bool) {
	switch s {
	case TruckStatusDispatched:
		return RequestStatusDispatched, true
	case TruckStatusEnRoute:
		return RequestStatusEnRoute, true
	case TruckStatusAtLocation:
		return RequestStatusAtLocation, true
	case TruckStatusCompleted:
		return RequestStatusCompleted, true
	}
	return "", false
}
