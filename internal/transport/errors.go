package transport

import (
	"errors"

	"fleet-dispatch/internal/domain"
)

// ErrorInfo is the transport-neutral shape of a failed call.
type ErrorInfo struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Fields  []domain.FieldError `json:"fields,omitempty"`
}

// Classify maps service errors onto stable codes. Business refusals keep
// their specific message; anything unrecognised is reported as internal.
func Classify(err error) ErrorInfo {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return ErrorInfo{Code: "invalid", Message: "invalid request", Fields: verr.Fields}
	case errors.Is(err, domain.ErrInvalid):
		return ErrorInfo{Code: "invalid", Message: "invalid request"}
	case errors.Is(err, domain.ErrUnauthorized):
		return ErrorInfo{Code: "unauthorized", Message: "unauthorized"}
	case errors.Is(err, domain.ErrForbidden):
		return ErrorInfo{Code: "forbidden", Message: "forbidden"}
	case errors.Is(err, domain.ErrNotFound):
		return ErrorInfo{Code: "not_found", Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidTransition):
		return ErrorInfo{Code: "invalid_transition", Message: err.Error()}
	case errors.Is(err, domain.ErrAlreadyAssigned):
		return ErrorInfo{Code: "already_assigned", Message: err.Error()}
	case errors.Is(err, domain.ErrNotAvailable):
		return ErrorInfo{Code: "not_available", Message: err.Error()}
	case errors.Is(err, domain.ErrSchedulingConflict):
		return ErrorInfo{Code: "scheduling_conflict", Message: err.Error()}
	case errors.Is(err, domain.ErrNotCancellable):
		return ErrorInfo{Code: "not_cancellable", Message: err.Error()}
	case errors.Is(err, domain.ErrNoTruckAvailable):
		return ErrorInfo{Code: "no_truck_available", Message: err.Error()}
	case errors.Is(err, domain.ErrConflict):
		return ErrorInfo{Code: "conflict", Message: err.Error()}
	default:
		return ErrorInfo{Code: "internal", Message: "internal error"}
	}
}
