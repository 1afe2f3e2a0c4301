package httpapi

import (
	"encoding/json"
	"net/http"

	"fleet-dispatch/internal/transport"
)

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	info := transport.Classify(err)
	respondJSON(w, statusFor(info.Code), info)
}

func statusFor(code string) int {
	switch code {
	case "invalid":
		return http.StatusUnprocessableEntity
	case "unauthorized":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "invalid_transition", "already_assigned", "not_available", "scheduling_conflict",
		"not_cancellable", "no_truck_available", "conflict":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
