// Command dispatchctl drives the gRPC JSON API: "smoke" runs one request
// through assignment and tracking, "watch" prints the caller's event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"fleet-dispatch/internal/events"
	"fleet-dispatch/internal/transport"
	"fleet-dispatch/internal/transport/grpcapi"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9090", "gRPC address")
	truckID := flag.String("truck", "", "truck to report from in smoke mode (nearest match when empty)")
	name := flag.String("name", "ops-1", "identity for watch mode")
	role := flag.String("role", "operator", "role for watch mode")
	flag.Parse()

	conn, err := grpc.DialContext(context.Background(), *addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpcapi.CallOption()),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	switch flag.Arg(0) {
	case "", "smoke":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := smoke(ctx, conn, *truckID); err != nil {
			log.Fatal(err)
		}
		fmt.Println("gRPC JSON client OK")
	case "watch":
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := watch(ctx, conn, *name, *role); err != nil {
			log.Fatal(err)
		}
	default:
		fmt.Fprintf(os.Stderr, "usage: dispatchctl [-addr host:port] [smoke|watch]\n")
		os.Exit(2)
	}
}

func smoke(ctx context.Context, conn *grpc.ClientConn, truckID string) error {
	customerTok, err := issueToken(ctx, conn, "alice", "customer")
	if err != nil {
		return err
	}
	operatorTok, err := issueToken(ctx, conn, "ops-1", "operator")
	if err != nil {
		return err
	}

	var req transport.RequestResponse
	err = conn.Invoke(withBearer(ctx, customerTok), "/fleet.DispatchService/CreateRequest", &transport.CreateRequestInput{
		PickupLocation: ptr(transport.LatLon(24.7136, 46.6753)),
		Destination:    ptr(transport.LatLon(24.7743, 46.7386)),
	}, &req)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	fmt.Println("request:", req.ID, req.Reference)

	var truck transport.TruckResponse
	err = conn.Invoke(withBearer(ctx, operatorTok), "/fleet.DispatchService/Assign", &grpcapi.AssignRequest{
		RequestID: req.ID,
		TruckID:   truckID,
	}, &truck)
	if err != nil {
		return fmt.Errorf("assign: %w", err)
	}
	fmt.Println("assigned truck:", truck.ID, truck.Status)

	driverTok, err := issueToken(ctx, conn, truck.ID, "driver")
	if err != nil {
		return err
	}
	var loc transport.LocationUpdateResponse
	err = conn.Invoke(withBearer(ctx, driverTok), "/fleet.DispatchService/ReportLocation", &grpcapi.ReportLocationRequest{
		TruckID:  truck.ID,
		Location: transport.LatLon(24.72, 46.68),
	}, &loc)
	if err != nil {
		return fmt.Errorf("report location: %w", err)
	}
	fmt.Println("location accepted at", loc.LastSeen)

	var moved transport.RequestResponse
	err = conn.Invoke(withBearer(ctx, driverTok), "/fleet.DispatchService/UpdateRequestStatus", &grpcapi.UpdateRequestStatusRequest{
		RequestID: req.ID,
		Status:    "en_route",
	}, &moved)
	if err != nil {
		return fmt.Errorf("en route: %w", err)
	}
	fmt.Println("request status:", moved.Status)
	return nil
}

func watch(ctx context.Context, conn *grpc.ClientConn, name, role string) error {
	tok, err := issueToken(ctx, conn, name, role)
	if err != nil {
		return err
	}
	stream, err := conn.NewStream(withBearer(ctx, tok),
		&grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true},
		"/fleet.EventService/Subscribe")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&grpcapi.SubscribeRequest{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		var evt events.Event
		if err := stream.RecvMsg(&evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fmt.Printf("%s %s %s v%d %s\n", evt.OccurredAt.Format(time.RFC3339), evt.Type, evt.AggregateID, evt.Version, evt.Payload)
	}
}

func issueToken(ctx context.Context, conn *grpc.ClientConn, name, role string) (string, error) {
	var resp grpcapi.TokenResponse
	if err := conn.Invoke(ctx, "/fleet.AuthService/IssueToken", &grpcapi.TokenRequest{Name: name, Role: role}, &resp); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return resp.Token, nil
}

func withBearer(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func ptr[T any](v T) *T { return &v }
