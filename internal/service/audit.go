package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fleet-dispatch/internal/domain"
)

// Violation describes one place where a truck and a request disagree about
// their assignment.
type Violation struct {
	TruckID   string `json:"truck_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Problem   string `json:"problem"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("truck=%s request=%s: %s", v.TruckID, v.RequestID, v.Problem)
}

// Audit cross-checks every truck reference against the request it names and
// every non-terminal request against its truck. It reads one committed
// snapshot and never repairs anything.
func (s *Service) Audit(ctx context.Context) ([]Violation, error) {
	trucks, reqs, err := s.core.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	byTruck := make(map[string]*domain.Truck, len(trucks))
	for _, t := range trucks {
		byTruck[t.ID] = t
	}
	byReq := make(map[string]*domain.Request, len(reqs))
	for _, r := range reqs {
		byReq[r.ID] = r
	}

	var out []Violation
	for _, t := range trucks {
		if t.AssignedRequest != nil {
			r, ok := byReq[*t.AssignedRequest]
			switch {
			case !ok:
				out = append(out, Violation{TruckID: t.ID, RequestID: *t.AssignedRequest, Problem: "assigned request does not exist"})
			case r.AssignedTruck == nil || *r.AssignedTruck != t.ID:
				out = append(out, Violation{TruckID: t.ID, RequestID: r.ID, Problem: "request does not point back at truck"})
			case r.Status.Terminal():
				out = append(out, Violation{TruckID: t.ID, RequestID: r.ID, Problem: "truck still holds " + string(r.Status) + " request"})
			}
			if t.Status == domain.TruckStatusAvailable {
				out = append(out, Violation{TruckID: t.ID, RequestID: *t.AssignedRequest, Problem: "available truck has an assignment"})
			}
		}
		for _, id := range t.Bookings {
			r, ok := byReq[id]
			switch {
			case !ok:
				out = append(out, Violation{TruckID: t.ID, RequestID: id, Problem: "held booking does not exist"})
			case r.AssignedTruck == nil || *r.AssignedTruck != t.ID:
				out = append(out, Violation{TruckID: t.ID, RequestID: r.ID, Problem: "booking does not point back at truck"})
			case r.Status != domain.RequestStatusAssigned:
				out = append(out, Violation{TruckID: t.ID, RequestID: r.ID, Problem: "held booking is " + string(r.Status)})
			}
		}
	}
	for _, r := range reqs {
		if r.Status.HoldsTruck() != (r.AssignedTruck != nil) {
			out = append(out, Violation{RequestID: r.ID, Problem: "truck reference does not match status " + string(r.Status)})
			continue
		}
		if r.AssignedTruck == nil || r.Status.Terminal() {
			continue
		}
		t, ok := byTruck[*r.AssignedTruck]
		if !ok {
			out = append(out, Violation{TruckID: *r.AssignedTruck, RequestID: r.ID, Problem: "assigned truck does not exist"})
			continue
		}
		active := t.AssignedRequest != nil && *t.AssignedRequest == r.ID
		if active == t.HasBooking(r.ID) {
			out = append(out, Violation{TruckID: t.ID, RequestID: r.ID, Problem: "truck must reference the request exactly once"})
		}
	}
	return out, nil
}

// AuditMonitor runs Audit periodically and logs each violation as a defect.
type AuditMonitor struct {
	Service  *Service
	Interval time.Duration
	Logger   *slog.Logger
}

func (m *AuditMonitor) Start(ctx context.Context) error {
	if m.Logger == nil {
		m.Logger = slog.Default()
	}
	if m.Interval <= 0 {
		m.Interval = 5 * time.Minute
	}
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			violations, err := m.Service.Audit(ctx)
			if err != nil {
				m.Logger.Error("consistency audit", "err", err)
				continue
			}
			for _, v := range violations {
				m.Logger.Error("assignment invariant violated", "truck_id", v.TruckID, "request_id", v.RequestID, "problem", v.Problem)
			}
		}
	}
}
