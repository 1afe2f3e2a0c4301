package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

func ValidateCoordinates(prefix string, lat, lng float64) *ValidationError {
	var verr *ValidationError
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		verr = verr.Add(prefix+"lat", "must be within [-90, 90]")
	}
	if math.IsNaN(lng) || lng < -180 || lng > 180 {
		verr = verr.Add(prefix+"lon", "must be within [-180, 180]")
	}
	return verr
}

func ValidateLocation(loc Location) error {
	return ValidateCoordinates("", loc.Lat, loc.Lng).Err()
}

// ValidateSchedule checks the booking window. A zero StartTime is allowed and
// means "as soon as possible".
func ValidateSchedule(s Schedule) error {
	var verr *ValidationError
	if s.EndTime != nil {
		if s.StartTime.IsZero() {
			verr = verr.Add("schedule.startTime", "required when endTime is set")
		} else if !s.EndTime.After(s.StartTime) {
			verr = verr.Add("schedule.endTime", "must be after startTime")
		}
	}
	return verr.Err()
}

func ValidateMaxDistance(km float64) error {
	if math.IsNaN(km) || km <= 0 {
		return NewValidationError(FieldError{Field: "maxDistanceKm", Message: "must be positive"})
	}
	return nil
}

func ValidateRole(role string) bool {
	switch role {
	case RoleOperator, RoleCustomer, RoleDriver:
		return true
	default:
		return false
	}
}

func ValidateNewTruck(t *Truck) error {
	var verr *ValidationError
	if strings.TrimSpace(t.Driver.Name) == "" {
		verr = verr.Add("driver.name", "required")
	}
	if strings.TrimSpace(t.Vehicle.LicensePlate) == "" {
		verr = verr.Add("vehicle.licensePlate", "required")
	}
	if t.CurrentLocation != nil {
		if v := ValidateCoordinates("currentLocation.", t.CurrentLocation.Lat, t.CurrentLocation.Lng); v != nil {
			for _, f := range v.Fields {
				verr = verr.Add(f.Field, f.Message)
			}
		}
	}
	return verr.Err()
}

// ReferenceCode renders the human-readable request code for a period sequence.
func ReferenceCode(period string, seq int64) string {
	return fmt.Sprintf("REQ-%s-%06d", period, seq)
}

// ReferencePeriod is the UTC year-month a request's reference is numbered in.
func ReferencePeriod(t time.Time) string {
	return t.UTC().Format("200601")
}
