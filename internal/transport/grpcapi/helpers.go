package grpcapi

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"fleet-dispatch/internal/auth"
	"fleet-dispatch/internal/service"
	"fleet-dispatch/internal/transport"
)

func getClaims(ctx context.Context) (*auth.Claims, error) {
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}
	return claims, nil
}

func getActor(ctx context.Context) (service.Actor, error) {
	claims, err := getClaims(ctx)
	if err != nil {
		return service.Actor{}, err
	}
	return transport.ActorFromClaims(claims), nil
}

func mapServiceError(err error) error {
	info := transport.Classify(err)
	msg := info.Message
	if len(info.Fields) > 0 {
		parts := make([]string, 0, len(info.Fields))
		for _, f := range info.Fields {
			parts = append(parts, f.Field+" "+f.Message)
		}
		msg += ": " + strings.Join(parts, "; ")
	}
	return status.Error(codeFor(info.Code), msg)
}

func codeFor(code string) codes.Code {
	switch code {
	case "invalid":
		return codes.InvalidArgument
	case "unauthorized":
		return codes.Unauthenticated
	case "forbidden":
		return codes.PermissionDenied
	case "not_found":
		return codes.NotFound
	case "invalid_transition", "not_cancellable":
		return codes.FailedPrecondition
	case "already_assigned", "not_available", "scheduling_conflict", "conflict":
		return codes.Aborted
	case "no_truck_available":
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
