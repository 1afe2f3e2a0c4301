package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"fleet-dispatch/internal/domain"
)

const (
	AggregateRequest = "request"
	AggregateTruck   = "truck"
)

const (
	EventRequestCreated       = "request.created"
	EventRequestAssigned      = "request.assigned"
	EventRequestStatusChanged = "request.status_changed"
	EventTruckLocationUpdated = "truck.location.updated"
	EventTruckStatusUpdated   = "truck.status.updated"
)

// OperatorChannel is the broadcast room every operator connection joins.
const OperatorChannel = "operators"

// UserChannel is the private room of one requester.
func UserChannel(userID string) string {
	return "user:" + userID
}

type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Version       int64           `json:"version"`
	Channels      []string        `json:"channels"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func NewEvent(eventType, aggregateType, aggregateID string, version int64, channels []string, payload any, occurredAt time.Time) Event {
	data, _ := json.Marshal(payload)
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       version,
		Channels:      channels,
		Payload:       data,
		OccurredAt:    occurredAt,
	}
}

type locationPayload struct {
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lon"`
	Address   string     `json:"address,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func RequestCreated(req *domain.Request, at time.Time) Event {
	payload := map[string]any{
		"request_id":      req.ID,
		"reference":       req.Reference,
		"requester":       req.RequesterID,
		"pickup_location": locationPayload{Lat: req.Pickup.Lat, Lng: req.Pickup.Lng, Address: req.Pickup.Address},
		"timestamp":       at,
	}
	return NewEvent(EventRequestCreated, AggregateRequest, req.ID, req.Version, []string{OperatorChannel}, payload, at)
}

func RequestAssigned(req *domain.Request, truck *domain.Truck, at time.Time) Event {
	payload := map[string]any{
		"request_id":  req.ID,
		"truck_id":    truck.ID,
		"driver_name": truck.Driver.Name,
		"timestamp":   at,
	}
	channels := []string{UserChannel(req.RequesterID), OperatorChannel}
	return NewEvent(EventRequestAssigned, AggregateRequest, req.ID, req.Version, channels, payload, at)
}

// RequestStatusChanged takes the status explicitly because a single
// transaction may move a request through more than one status.
func RequestStatusChanged(req *domain.Request, status domain.RequestStatus, notes string, at time.Time) Event {
	payload := map[string]any{
		"request_id": req.ID,
		"new_status": status,
		"timestamp":  at,
	}
	if notes != "" {
		payload["notes"] = notes
	}
	channels := []string{UserChannel(req.RequesterID), OperatorChannel}
	return NewEvent(EventRequestStatusChanged, AggregateRequest, req.ID, req.Version, channels, payload, at)
}

func TruckLocationUpdated(truck *domain.Truck, at time.Time) Event {
	payload := map[string]any{
		"truck_id": truck.ID,
		"status":   truck.Status,
	}
	if pos := truck.CurrentLocation; pos != nil {
		ts := pos.Timestamp
		payload["current_location"] = locationPayload{Lat: pos.Lat, Lng: pos.Lng, Address: pos.Address, Timestamp: &ts}
	}
	return NewEvent(EventTruckLocationUpdated, AggregateTruck, truck.ID, truck.Version, []string{OperatorChannel}, payload, at)
}

func TruckStatusUpdated(truck *domain.Truck, at time.Time) Event {
	payload := map[string]any{
		"truck_id":         truck.ID,
		"status":           truck.Status,
		"assigned_request": truck.AssignedRequest,
	}
	return NewEvent(EventTruckStatusUpdated, AggregateTruck, truck.ID, truck.Version, []string{OperatorChannel}, payload, at)
}

// SubscriberChannels lists the rooms a connection joins: its private room,
// plus the broadcast room for operators.
func SubscriberChannels(identity, role string) []string {
	channels := []string{UserChannel(identity)}
	if role == domain.RoleOperator {
		channels = append(channels, OperatorChannel)
	}
	return channels
}
