package grpcapi

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"fleet-dispatch/internal/auth"
	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/events"
	"fleet-dispatch/internal/repo/memory"
	"fleet-dispatch/internal/sequence"
	"fleet-dispatch/internal/service"
	"fleet-dispatch/internal/transport"
)

type fixture struct {
	conn *grpc.ClientConn
	svc  *service.Service
	bus  *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewBus(64, nil)
	svc := service.New(memory.New(), bus, sequence.NewMemory(), service.Options{}, nil)
	srv := NewServer(svc, bus, auth.New("secret", time.Hour), nil)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(CallOption()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &fixture{conn: conn, svc: svc, bus: bus}
}

func (f *fixture) login(t *testing.T, name, role string) context.Context {
	t.Helper()
	var resp TokenResponse
	if err := f.conn.Invoke(context.Background(), issueTokenMethod, &TokenRequest{Name: name, Role: role}, &resp); err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+resp.Token)
}

func ptr(v float64) *float64 { return &v }

func TestRejectsMissingToken(t *testing.T) {
	f := newFixture(t)
	var resp transport.RequestResponse
	err := f.conn.Invoke(context.Background(), "/fleet.DispatchService/GetRequest", &RequestIDRequest{RequestID: "x"}, &resp)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestAssignAndTrack(t *testing.T) {
	f := newFixture(t)
	opCtx := f.login(t, "op-1", "operator")
	custCtx := f.login(t, "cust-1", "customer")
	driverCtx := f.login(t, "truck-1", "driver")

	_, err := f.svc.Trucks.Register(context.Background(), &domain.Truck{
		ID:              "truck-1",
		Driver:          domain.Driver{Name: "Otieno"},
		Vehicle:         domain.Vehicle{LicensePlate: "KDA 001B"},
		CurrentLocation: &domain.Position{Location: domain.Location{Lat: -1.2921, Lng: 36.8219}},
	}, service.Actor{ID: "op-1", Role: domain.RoleOperator})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	var created transport.RequestResponse
	err = f.conn.Invoke(custCtx, "/fleet.DispatchService/CreateRequest", &transport.CreateRequestInput{
		PickupLocation: &transport.LocationInput{Lat: ptr(-1.30), Lon: ptr(36.80)},
	}, &created)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var forbidden transport.TruckResponse
	err = f.conn.Invoke(custCtx, "/fleet.DispatchService/Assign", &AssignRequest{RequestID: created.ID}, &forbidden)
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied for customer assign, got %v", err)
	}

	var truck transport.TruckResponse
	if err := f.conn.Invoke(opCtx, "/fleet.DispatchService/Assign", &AssignRequest{RequestID: created.ID}, &truck); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if truck.ID != "truck-1" || truck.Status != "dispatched" {
		t.Fatalf("unexpected truck: %+v", truck)
	}

	var loc transport.LocationUpdateResponse
	err = f.conn.Invoke(driverCtx, "/fleet.DispatchService/ReportLocation", &ReportLocationRequest{
		TruckID:  "truck-1",
		Location: transport.LatLon(-1.295, 36.81),
	}, &loc)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if loc.CurrentLocation == nil || loc.CurrentLocation.Lat != -1.295 {
		t.Fatalf("unexpected location: %+v", loc)
	}

	var cancelled transport.RequestResponse
	if err := f.conn.Invoke(custCtx, "/fleet.DispatchService/CancelRequest", &CancelRequestRequest{RequestID: created.ID, Reason: "changed plans"}, &cancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != "cancelled" || cancelled.AssignedTruck != nil {
		t.Fatalf("unexpected cancelled request: %+v", cancelled)
	}

	var again transport.RequestResponse
	err = f.conn.Invoke(custCtx, "/fleet.DispatchService/CancelRequest", &CancelRequestRequest{RequestID: created.ID}, &again)
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition on second cancel, got %v", err)
	}
}

func TestNearestTrucksValidation(t *testing.T) {
	f := newFixture(t)
	ctx := f.login(t, "op-1", "operator")
	var resp NearestTrucksResponse
	err := f.conn.Invoke(ctx, "/fleet.DispatchService/NearestTrucks", &NearestTrucksRequest{Lat: ptr(95.0), Lon: ptr(36.8)}, &resp)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestReportLocationRequiresCoordinates(t *testing.T) {
	f := newFixture(t)
	ctx := f.login(t, "op-1", "operator")
	var resp transport.LocationUpdateResponse
	err := f.conn.Invoke(ctx, "/fleet.DispatchService/ReportLocation", &ReportLocationRequest{
		TruckID:  "truck-1",
		Location: transport.LocationInput{Address: "depot"},
	}, &resp)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestSubscribeStreamsPrivateEvents(t *testing.T) {
	f := newFixture(t)
	custCtx := f.login(t, "cust-1", "customer")
	ctx, cancel := context.WithTimeout(custCtx, 5*time.Second)
	defer cancel()

	stream, err := f.conn.NewStream(ctx, &eventServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := stream.SendMsg(&SubscribeRequest{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.bus.Subscribers(events.UserChannel("cust-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	op := service.Actor{ID: "op-1", Role: domain.RoleOperator}
	if _, err := f.svc.Trucks.Register(context.Background(), &domain.Truck{
		ID:              "truck-1",
		Driver:          domain.Driver{Name: "Otieno"},
		Vehicle:         domain.Vehicle{LicensePlate: "KDA 001B"},
		CurrentLocation: &domain.Position{Location: domain.Location{Lat: -1.2921, Lng: 36.8219}},
	}, op); err != nil {
		t.Fatalf("register: %v", err)
	}
	req, err := f.svc.Requests.Create(context.Background(), service.NewRequest{
		Pickup: &domain.Location{Lat: -1.30, Lng: 36.80},
	}, service.Actor{ID: "cust-1", Role: domain.RoleCustomer})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.Dispatch.Assign(context.Background(), req.ID, "", 0, op); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// The customer is not on the operator channel, so the first event they
	// see is the assignment.
	var evt events.Event
	if err := stream.RecvMsg(&evt); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if evt.Type != events.EventRequestAssigned || evt.AggregateID != req.ID {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
