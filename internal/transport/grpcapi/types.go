package grpcapi

import "fleet-dispatch/internal/transport"

type TokenRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type RequestIDRequest struct {
	RequestID string `json:"request_id"`
}

type CancelRequestRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

type AssignRequest struct {
	RequestID     string  `json:"request_id"`
	TruckID       string  `json:"truck_id,omitempty"`
	MaxDistanceKm float64 `json:"max_distance_km,omitempty"`
}

type UpdateRequestStatusRequest struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Notes     string `json:"notes,omitempty"`
}

type UpdateTruckStatusRequest struct {
	TruckID string `json:"truck_id"`
	Status  string `json:"status"`
}

type ReportLocationRequest struct {
	TruckID  string                  `json:"truck_id"`
	Location transport.LocationInput `json:"location"`
}

type NearestTrucksRequest struct {
	Lat           *float64 `json:"lat"`
	Lon           *float64 `json:"lon"`
	MaxDistanceKm float64  `json:"max_distance_km,omitempty"`
}

type NearestTrucksResponse struct {
	Trucks []transport.NearbyTruckResponse `json:"trucks"`
}

type SubscribeRequest struct{}
