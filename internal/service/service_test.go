package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/events"
	"fleet-dispatch/internal/repo/memory"
	"fleet-dispatch/internal/sequence"
	"fleet-dispatch/internal/service"
)

var (
	operator = service.Actor{ID: "op-1", Role: domain.RoleOperator}
	customer = service.Actor{ID: "cust-1", Role: domain.RoleCustomer}
	base     = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
)

type harness struct {
	svc   *service.Service
	bus   *events.Bus
	store *memory.Store
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: memory.New(), bus: events.NewBus(256, nil), now: base}
	h.svc = service.New(h.store, h.bus, sequence.NewMemory(), service.Options{BookingLeadTime: 30 * time.Minute}, nil)
	h.svc.SetClock(func() time.Time { return h.now })
	return h
}

func (h *harness) truck(t *testing.T, id string, lat, lng float64) *domain.Truck {
	t.Helper()
	truck, err := h.svc.Trucks.Register(context.Background(), &domain.Truck{
		ID:              id,
		Driver:          domain.Driver{Name: "driver " + id, Phone: "+254700000000"},
		Vehicle:         domain.Vehicle{LicensePlate: "KAA " + id},
		CurrentLocation: &domain.Position{Location: domain.Location{Lat: lat, Lng: lng}},
	}, operator)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return truck
}

func (h *harness) request(t *testing.T, requester string, lat, lng float64) *domain.Request {
	t.Helper()
	req, err := h.svc.Requests.Create(context.Background(), service.NewRequest{
		Pickup: &domain.Location{Lat: lat, Lng: lng, Address: "Kenyatta Ave"},
	}, service.Actor{ID: requester, Role: domain.RoleCustomer})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func (h *harness) booking(t *testing.T, from, to int) *domain.Request {
	t.Helper()
	day := base.Truncate(24 * time.Hour).Add(24 * time.Hour)
	end := day.Add(time.Duration(to) * time.Hour)
	req, err := h.svc.Requests.Create(context.Background(), service.NewRequest{
		Pickup:   &domain.Location{Lat: -1.30, Lng: 36.80},
		Schedule: &domain.Schedule{StartTime: day.Add(time.Duration(from) * time.Hour), EndTime: &end},
	}, customer)
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return req
}

func (h *harness) assertConsistent(t *testing.T) {
	t.Helper()
	violations, err := h.svc.Audit(context.Background())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	for _, v := range violations {
		t.Errorf("invariant: %s", v.Error())
	}
}

func TestAssignNearestPicksClosestTruck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "near", -1.29, 36.82)
	h.truck(t, "far", -1.35, 36.90)
	req := h.request(t, customer.ID, -1.30, 36.80)

	truck, err := h.svc.Dispatch.AssignNearest(ctx, req.ID, 50, operator)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if truck.ID != "near" || truck.Status != domain.TruckStatusDispatched {
		t.Fatalf("expected near truck dispatched, got %s %s", truck.ID, truck.Status)
	}
	got, _ := h.svc.Requests.Get(ctx, req.ID, operator)
	if got.Status != domain.RequestStatusDispatched || got.AssignedTruck == nil || *got.AssignedTruck != "near" {
		t.Fatalf("unexpected request state %s", got.Status)
	}
	if got.AssignedDriver == nil || *got.AssignedDriver != "driver near" {
		t.Fatalf("expected driver to be recorded")
	}
	statuses := make([]domain.RequestStatus, 0, len(got.History))
	for _, e := range got.History {
		statuses = append(statuses, e.Status)
	}
	if fmt.Sprint(statuses) != "[pending assigned dispatched]" {
		t.Fatalf("unexpected history %v", statuses)
	}
	h.assertConsistent(t)
}

func TestAssignNearestNoCandidateLeavesRequestPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "far", -1.35, 36.90)
	req := h.request(t, customer.ID, -1.30, 36.80)

	_, err := h.svc.Dispatch.AssignNearest(ctx, req.ID, 5, operator)
	if !errors.Is(err, domain.ErrNoTruckAvailable) {
		t.Fatalf("expected no truck available, got %v", err)
	}
	if !strings.Contains(err.Error(), "assign a truck manually") {
		t.Fatalf("expected a hint in %q", err)
	}
	got, _ := h.svc.Requests.Get(ctx, req.ID, operator)
	if got.Status != domain.RequestStatusPending || got.AssignedTruck != nil {
		t.Fatalf("request must stay pending")
	}
}

func TestConcurrentAssignNearestReservesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "only", -1.29, 36.82)

	const n = 20
	ids := make([]string, n)
	for i := range ids {
		ids[i] = h.request(t, fmt.Sprintf("c%d", i), -1.30, 36.80).ID
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		other     []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.svc.Dispatch.AssignNearest(ctx, id, 50, operator)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrNoTruckAvailable), errors.Is(err, domain.ErrAlreadyAssigned):
			default:
				other = append(other, err)
			}
		}(id)
	}
	wg.Wait()

	if successes != 1 || len(other) != 0 {
		t.Fatalf("expected exactly one success, got %d (unexpected errors %v)", successes, other)
	}
	truck, _ := h.svc.Trucks.Get(ctx, "only")
	if truck.Status != domain.TruckStatusDispatched || truck.AssignedRequest == nil {
		t.Fatalf("truck must end dispatched with one assignment")
	}
	h.assertConsistent(t)
}

func TestConcurrentAssignSpecificReservesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "only", -1.29, 36.82)

	const n = 10
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := h.request(t, fmt.Sprintf("c%d", i), -1.30, 36.80).ID
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Dispatch.AssignSpecific(ctx, id, "only", operator)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrAlreadyAssigned):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected one winner, got %d", ok)
	}
	h.assertConsistent(t)
}

func TestTruckStateMachine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", -1.29, 36.82)

	if _, err := h.svc.Trucks.SetStatus(ctx, "t1", domain.TruckStatusCompleted, operator); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	for _, next := range []domain.TruckStatus{
		domain.TruckStatusDispatched,
		domain.TruckStatusEnRoute,
		domain.TruckStatusAtLocation,
		domain.TruckStatusCompleted,
		domain.TruckStatusAvailable,
	} {
		truck, err := h.svc.Trucks.SetStatus(ctx, "t1", next, operator)
		if err != nil {
			t.Fatalf("-> %s: %v", next, err)
		}
		if truck.Status != next {
			t.Fatalf("expected %s, got %s", next, truck.Status)
		}
	}
}

func TestTruckAdvanceCarriesRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", -1.29, 36.82)
	req := h.request(t, customer.ID, -1.30, 36.80)
	if _, err := h.svc.Dispatch.AssignSpecific(ctx, req.ID, "t1", operator); err != nil {
		t.Fatalf("assign: %v", err)
	}
	driver := service.Actor{ID: "t1", Role: domain.RoleDriver}
	for _, next := range []domain.TruckStatus{domain.TruckStatusEnRoute, domain.TruckStatusAtLocation, domain.TruckStatusCompleted} {
		if _, err := h.svc.Trucks.SetStatus(ctx, "t1", next, driver); err != nil {
			t.Fatalf("-> %s: %v", next, err)
		}
		h.assertConsistent(t)
	}
	got, _ := h.svc.Requests.Get(ctx, req.ID, operator)
	if got.Status != domain.RequestStatusCompleted || got.CompletedAt == nil {
		t.Fatalf("expected request completed, got %s", got.Status)
	}
	truck, _ := h.svc.Trucks.Get(ctx, "t1")
	if truck.AssignedRequest != nil {
		t.Fatalf("completed truck must drop its assignment")
	}
	if _, err := h.svc.Trucks.SetStatus(ctx, "t1", domain.TruckStatusAvailable, driver); err != nil {
		t.Fatalf("release: %v", err)
	}
	other := service.Actor{ID: "t2", Role: domain.RoleDriver}
	if _, err := h.svc.Trucks.SetStatus(ctx, "t1", domain.TruckStatusDispatched, other); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("another driver must not move this truck, got %v", err)
	}
}

func TestRequestStatusDrivesTruck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", -1.29, 36.82)
	req := h.request(t, customer.ID, -1.30, 36.80)
	if _, err := h.svc.Dispatch.AssignNearest(ctx, req.ID, 0, operator); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := h.svc.Requests.Transition(ctx, req.ID, domain.RequestStatusAtLocation, "", operator); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("skipping en_route must fail, got %v", err)
	}
	for _, next := range []domain.RequestStatus{domain.RequestStatusEnRoute, domain.RequestStatusAtLocation} {
		if _, err := h.svc.Requests.Transition(ctx, req.ID, next, "on the way", operator); err != nil {
			t.Fatalf("-> %s: %v", next, err)
		}
	}
	truck, _ := h.svc.Trucks.Get(ctx, "t1")
	if truck.Status != domain.TruckStatusAtLocation {
		t.Fatalf("truck should mirror request, got %s", truck.Status)
	}
	done, err := h.svc.Dispatch.Complete(ctx, req.ID, operator)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.AssignedTruck == nil || *done.AssignedTruck != "t1" {
		t.Fatalf("completed request keeps its truck on record")
	}
	truck, _ = h.svc.Trucks.Get(ctx, "t1")
	if truck.Status != domain.TruckStatusAvailable || truck.AssignedRequest != nil {
		t.Fatalf("truck must be released, got %s", truck.Status)
	}
	if _, err := h.svc.Requests.Transition(ctx, req.ID, domain.RequestStatusCancelled, "", operator); !errors.Is(err, domain.ErrNotCancellable) {
		t.Fatalf("completed request is terminal, got %v", err)
	}
	h.assertConsistent(t)
}

func TestReportKeepsBoundedHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", 0, 0)
	driver := service.Actor{ID: "t1", Role: domain.RoleDriver}

	for i := 1; i <= 150; i++ {
		h.now = base.Add(time.Duration(i) * time.Second)
		if _, err := h.svc.Tracker.Report(ctx, "t1", domain.Location{Lat: float64(i) / 1000, Lng: 36.8}, driver); err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
	}
	truck, _ := h.svc.Trucks.Get(ctx, "t1")
	if len(truck.LocationHistory) != 100 {
		t.Fatalf("expected 100 history entries, got %d", len(truck.LocationHistory))
	}
	// The registration fix plus reports 1..149 were pushed; the newest 100
	// are reports 50..149 in order.
	for i, pos := range truck.LocationHistory {
		want := float64(50+i) / 1000
		if pos.Lat != want {
			t.Fatalf("history[%d] = %v, want %v", i, pos.Lat, want)
		}
	}
	if truck.CurrentLocation.Lat != 0.15 || !truck.LastSeen.Equal(h.now) {
		t.Fatalf("current location should be the last report")
	}

	if _, err := h.svc.Tracker.Report(ctx, "t1", domain.Location{Lat: 95, Lng: 0}, driver); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := h.svc.Tracker.Report(ctx, "t1", domain.Location{Lat: 1, Lng: 1}, customer); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("customers cannot report positions, got %v", err)
	}
}

func TestBookingOverlap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", -1.29, 36.82)

	first := h.booking(t, 10, 12)
	if _, err := h.svc.Dispatch.AssignSpecific(ctx, first.ID, "t1", operator); err != nil {
		t.Fatalf("first booking: %v", err)
	}
	clash := h.booking(t, 11, 13)
	if _, err := h.svc.Dispatch.AssignSpecific(ctx, clash.ID, "t1", operator); !errors.Is(err, domain.ErrSchedulingConflict) {
		t.Fatalf("expected scheduling conflict, got %v", err)
	}
	touching := h.booking(t, 12, 13)
	if _, err := h.svc.Dispatch.AssignSpecific(ctx, touching.ID, "t1", operator); err != nil {
		t.Fatalf("touching booking should fit: %v", err)
	}

	truck, _ := h.svc.Trucks.Get(ctx, "t1")
	if truck.Status != domain.TruckStatusAvailable || len(truck.Bookings) != 2 {
		t.Fatalf("expected two held bookings on an available truck, got %s %v", truck.Status, truck.Bookings)
	}
	got, _ := h.svc.Requests.Get(ctx, clash.ID, operator)
	if got.Status != domain.RequestStatusPending {
		t.Fatalf("conflicting booking must stay pending")
	}
	h.assertConsistent(t)
}

func TestBookingDispatcherActivatesDueBookings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", -1.29, 36.82)
	booking := h.booking(t, 10, 12)
	if _, err := h.svc.Dispatch.AssignNearest(ctx, booking.ID, 50, operator); err != nil {
		t.Fatalf("assign booking: %v", err)
	}

	d := &service.BookingDispatcher{Coordinator: h.svc.Dispatch}
	if n, err := d.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("nothing is due yet, got %d %v", n, err)
	}
	h.now = booking.Schedule.StartTime.Add(-20 * time.Minute)
	if n, err := d.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("expected one dispatch, got %d %v", n, err)
	}
	truck, _ := h.svc.Trucks.Get(ctx, "t1")
	if truck.Status != domain.TruckStatusDispatched || len(truck.Bookings) != 0 || truck.AssignedRequest == nil {
		t.Fatalf("booking should now be the active assignment")
	}
	h.assertConsistent(t)
}

func TestCancelReleasesTruck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", -1.29, 36.82)
	req := h.request(t, customer.ID, -1.30, 36.80)
	if _, err := h.svc.Dispatch.AssignNearest(ctx, req.ID, 50, operator); err != nil {
		t.Fatalf("assign: %v", err)
	}

	stranger := service.Actor{ID: "cust-2", Role: domain.RoleCustomer}
	if _, err := h.svc.Dispatch.Cancel(ctx, req.ID, "no", stranger); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("only the owner may cancel, got %v", err)
	}
	got, err := h.svc.Dispatch.Cancel(ctx, req.ID, "changed plans", customer)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.RequestStatusCancelled || got.AssignedTruck != nil || got.CancelReason == nil {
		t.Fatalf("unexpected cancelled request %+v", got)
	}
	truck, _ := h.svc.Trucks.Get(ctx, "t1")
	if truck.Status != domain.TruckStatusAvailable || truck.AssignedRequest != nil {
		t.Fatalf("truck must be released in the same step")
	}
	h.assertConsistent(t)
}

func TestCancelRefusedOnceEnRoute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", -1.29, 36.82)
	req := h.request(t, customer.ID, -1.30, 36.80)
	if _, err := h.svc.Dispatch.AssignNearest(ctx, req.ID, 50, operator); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := h.svc.Trucks.SetStatus(ctx, "t1", domain.TruckStatusEnRoute, operator); err != nil {
		t.Fatalf("en route: %v", err)
	}
	if _, err := h.svc.Dispatch.Cancel(ctx, req.ID, "", customer); !errors.Is(err, domain.ErrNotCancellable) {
		t.Fatalf("expected not cancellable, got %v", err)
	}
}

func TestForcedMaintenanceRequeuesAndNotifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", -1.29, 36.82)
	active := h.request(t, customer.ID, -1.30, 36.80)
	if _, err := h.svc.Dispatch.AssignSpecific(ctx, active.ID, "t1", operator); err != nil {
		t.Fatalf("assign: %v", err)
	}
	booked := h.booking(t, 10, 12)
	if _, err := h.svc.Dispatch.AssignSpecific(ctx, booked.ID, "t1", operator); err != nil {
		t.Fatalf("hold: %v", err)
	}

	sub := h.bus.Subscribe(events.UserChannel(customer.ID))
	defer sub.Close()

	driver := service.Actor{ID: "t1", Role: domain.RoleDriver}
	if _, err := h.svc.Trucks.SetStatus(ctx, "t1", domain.TruckStatusMaintenance, driver); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("drivers cannot force maintenance, got %v", err)
	}
	truck, err := h.svc.Trucks.SetStatus(ctx, "t1", domain.TruckStatusMaintenance, operator)
	if err != nil {
		t.Fatalf("maintenance: %v", err)
	}
	if truck.AssignedRequest != nil || len(truck.Bookings) != 0 {
		t.Fatalf("truck must drop all work")
	}
	for _, id := range []string{active.ID, booked.ID} {
		got, _ := h.svc.Requests.Get(ctx, id, operator)
		if got.Status != domain.RequestStatusPending || got.AssignedTruck != nil {
			t.Fatalf("request %s should be pending again, got %s", id, got.Status)
		}
	}

	notices := 0
	for len(sub.C()) > 0 {
		evt := <-sub.C()
		if evt.Type == events.EventRequestStatusChanged {
			notices++
		}
	}
	if notices != 2 {
		t.Fatalf("expected both requesters notified, got %d", notices)
	}
	if _, err := h.svc.Trucks.SetStatus(ctx, "t1", domain.TruckStatusEnRoute, operator); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("maintenance truck cannot advance, got %v", err)
	}
	if _, err := h.svc.Trucks.SetStatus(ctx, "t1", domain.TruckStatusAvailable, operator); err != nil {
		t.Fatalf("restore: %v", err)
	}
	h.assertConsistent(t)
}

func TestEventsReachRequesterAndOperators(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", -1.29, 36.82)

	mine := h.bus.Subscribe(events.UserChannel(customer.ID))
	defer mine.Close()
	ops := h.bus.Subscribe(events.OperatorChannel)
	defer ops.Close()

	req := h.request(t, customer.ID, -1.30, 36.80)
	if _, err := h.svc.Dispatch.AssignNearest(ctx, req.ID, 50, operator); err != nil {
		t.Fatalf("assign: %v", err)
	}

	drain := func(sub *events.Subscription) []string {
		var types []string
		for len(sub.C()) > 0 {
			types = append(types, (<-sub.C()).Type)
		}
		return types
	}
	userTypes := drain(mine)
	if fmt.Sprint(userTypes) != "[request.assigned request.status_changed request.status_changed]" {
		t.Fatalf("unexpected requester events %v", userTypes)
	}
	opTypes := drain(ops)
	want := "[request.created request.assigned request.status_changed request.status_changed truck.status.updated]"
	if fmt.Sprint(opTypes) != want {
		t.Fatalf("unexpected operator events %v", opTypes)
	}
}

func TestReferencesAreSequentialPerMonth(t *testing.T) {
	h := newHarness(t)
	a := h.request(t, customer.ID, -1.30, 36.80)
	b := h.request(t, customer.ID, -1.30, 36.80)
	if a.Reference != "REQ-202603-000001" || b.Reference != "REQ-202603-000002" {
		t.Fatalf("unexpected references %s %s", a.Reference, b.Reference)
	}
}

func TestCreateValidatesEveryField(t *testing.T) {
	h := newHarness(t)
	end := base.Add(-time.Hour)
	_, err := h.svc.Requests.Create(context.Background(), service.NewRequest{
		Pickup:   &domain.Location{Lat: 120, Lng: 36.8},
		Schedule: &domain.Schedule{StartTime: base, EndTime: &end},
	}, customer)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || len(verr.Fields) != 2 {
		t.Fatalf("expected two field errors, got %v", err)
	}
}

func TestCreateRequiresPickup(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Requests.Create(context.Background(), service.NewRequest{}, customer)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || len(verr.Fields) != 1 || verr.Fields[0].Field != "pickupLocation" {
		t.Fatalf("expected pickupLocation required, got %v", err)
	}
	reqs, err := h.svc.Requests.List(context.Background(), service.RequestFilter{}, operator)
	if err != nil || len(reqs) != 0 {
		t.Fatalf("nothing should be stored, got %d (%v)", len(reqs), err)
	}
}

func TestReportRequiresKnownRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", -1.29, 36.82)
	loc := domain.Location{Lat: -1.28, Lng: 36.83}
	for _, actor := range []service.Actor{
		{ID: "t1", Role: "dispatcher"},
		{ID: "t1", Role: ""},
		{ID: "t2", Role: domain.RoleDriver},
		customer,
	} {
		if _, err := h.svc.Tracker.Report(ctx, "t1", loc, actor); !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("%+v: expected forbidden, got %v", actor, err)
		}
	}
	if _, err := h.svc.Tracker.Report(ctx, "t1", loc, service.Actor{ID: "t1", Role: domain.RoleDriver}); err != nil {
		t.Fatalf("own driver: %v", err)
	}
	if _, err := h.svc.Tracker.Report(ctx, "t1", loc, operator); err != nil {
		t.Fatalf("operator: %v", err)
	}
}

func TestTruckEventsFanOutInCommitOrder(t *testing.T) {
	bus := events.NewBus(4096, nil)
	svc := service.New(memory.New(), bus, sequence.NewMemory(), service.Options{}, nil)
	ctx := context.Background()
	if _, err := svc.Trucks.Register(ctx, &domain.Truck{
		ID:      "t1",
		Driver:  domain.Driver{Name: "Achieng"},
		Vehicle: domain.Vehicle{LicensePlate: "KAA 1"},
	}, operator); err != nil {
		t.Fatalf("register: %v", err)
	}
	sub := bus.Subscribe(events.OperatorChannel)
	defer sub.Close()

	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				loc := domain.Location{Lat: -1.3 + float64(g)/1000, Lng: 36.8 + float64(i)/1000}
				if _, err := svc.Tracker.Report(ctx, "t1", loc, operator); err != nil {
					t.Errorf("report: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	var last int64
	for n := 0; n < 32*20; n++ {
		evt := <-sub.C()
		if evt.Version <= last {
			t.Fatalf("event %d for t1 has version %d after %d", n, evt.Version, last)
		}
		last = evt.Version
	}
	if sub.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", sub.Dropped())
	}
}

func TestAuditQuietDuringAssignAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", -1.29, 36.82)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			req, err := h.svc.Requests.Create(ctx, service.NewRequest{Pickup: &domain.Location{Lat: -1.30, Lng: 36.80}}, customer)
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			if _, err := h.svc.Dispatch.AssignNearest(ctx, req.ID, 0, operator); err != nil {
				t.Errorf("assign %d: %v", i, err)
				return
			}
			if _, err := h.svc.Dispatch.Cancel(ctx, req.ID, "cycle", operator); err != nil {
				t.Errorf("cancel %d: %v", i, err)
				return
			}
		}
	}()

	audits := 0
	for {
		select {
		case <-done:
			if audits == 0 {
				t.Log("writer finished before any audit ran")
			}
			h.assertConsistent(t)
			return
		default:
		}
		violations, err := h.svc.Audit(ctx)
		if err != nil {
			t.Fatalf("audit: %v", err)
		}
		if len(violations) > 0 {
			t.Fatalf("audit %d reported %v while state was consistent at every commit", audits, violations)
		}
		audits++
	}
}

func TestDeactivateRefusedWithOpenWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.truck(t, "t1", -1.29, 36.82)
	h.truck(t, "t2", -1.295, 36.81)
	req := h.request(t, customer.ID, -1.30, 36.80)
	if _, err := h.svc.Dispatch.AssignSpecific(ctx, req.ID, "t1", operator); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := h.svc.Trucks.SetActive(ctx, "t1", false, operator); !errors.Is(err, domain.ErrNotAvailable) {
		t.Fatalf("expected not available, got %v", err)
	}
	if _, err := h.svc.Trucks.SetActive(ctx, "t2", false, operator); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	near, err := h.svc.Trucks.ListByArea(ctx, domain.Location{Lat: -1.30, Lng: 36.80}, 50)
	if err != nil {
		t.Fatalf("list by area: %v", err)
	}
	if len(near) != 0 {
		t.Fatalf("inactive and busy trucks must not match, got %d", len(near))
	}
}
