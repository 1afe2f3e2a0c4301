// Package memory is an in-process Store. Transactions are serialized behind
// one writer lock; writes are staged on the transaction and applied on
// commit, so a rolled back transaction leaves no trace.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/events"
	"fleet-dispatch/internal/service"
)

type Store struct {
	mu       sync.RWMutex
	trucks   map[string]*domain.Truck
	requests map[string]*domain.Request

	retainOutbox bool
	outbox       []events.Event
}

type Option func(*Store)

// WithOutbox keeps committed events until MarkPublished so a relay can
// forward them. Without it events are only fanned out in process.
func WithOutbox() Option {
	return func(s *Store) { s.retainOutbox = true }
}

func New(opts ...Option) *Store {
	s := &Store{
		trucks:   make(map[string]*domain.Truck),
		requests: make(map[string]*domain.Request),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) BeginTx(ctx context.Context) (service.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &tx{
		store:    s,
		trucks:   make(map[string]*domain.Truck),
		requests: make(map[string]*domain.Request),
	}, nil
}

func (s *Store) GetTruck(ctx context.Context, id string) (*domain.Truck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trucks[id]
	if !ok {
		return nil, domain.NotFound("truck", id)
	}
	return t.Clone(), nil
}

func (s *Store) ListTrucks(ctx context.Context, filter service.TruckFilter) ([]*domain.Truck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Truck
	for _, t := range s.trucks {
		if filter.MatchTruck(t) {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Truck) int { return cmp.Compare(a.ID, b.ID) })
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, domain.NotFound("request", id)
	}
	return r.Clone(), nil
}

func (s *Store) ListRequests(ctx context.Context, filter service.RequestFilter) ([]*domain.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Request
	for _, r := range s.requests {
		if filter.MatchRequest(r) {
			out = append(out, r.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Request) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *Store) Snapshot(ctx context.Context) ([]*domain.Truck, []*domain.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trucks := make([]*domain.Truck, 0, len(s.trucks))
	for _, t := range s.trucks {
		trucks = append(trucks, t.Clone())
	}
	reqs := make([]*domain.Request, 0, len(s.requests))
	for _, r := range s.requests {
		reqs = append(reqs, r.Clone())
	}
	slices.SortFunc(trucks, func(a, b *domain.Truck) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(reqs, func(a, b *domain.Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return trucks, reqs, nil
}

func (s *Store) FetchPending(ctx context.Context, limit int) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := min(limit, len(s.outbox))
	return slices.Clone(s.outbox[:n]), nil
}

func (s *Store) MarkPublished(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = slices.DeleteFunc(s.outbox, func(e events.Event) bool { return slices.Contains(ids, e.ID) })
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

type tx struct {
	store    *Store
	trucks   map[string]*domain.Truck
	requests map[string]*domain.Request
	events   []events.Event
	closed   bool
}

func (t *tx) Commit(ctx context.Context) error {
	if t.closed {
		return nil
	}
	for id, truck := range t.trucks {
		t.store.trucks[id] = truck
	}
	for id, req := range t.requests {
		t.store.requests[id] = req
	}
	if t.store.retainOutbox {
		t.store.outbox = append(t.store.outbox, t.events...)
	}
	return t.close()
}

func (t *tx) Rollback(ctx context.Context) error {
	return t.close()
}

func (t *tx) close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.store.mu.Unlock()
	return nil
}

func (t *tx) truck(id string) (*domain.Truck, bool) {
	if truck, ok := t.trucks[id]; ok {
		return truck, true
	}
	truck, ok := t.store.trucks[id]
	return truck, ok
}

func (t *tx) request(id string) (*domain.Request, bool) {
	if req, ok := t.requests[id]; ok {
		return req, true
	}
	req, ok := t.store.requests[id]
	return req, ok
}

func (t *tx) GetTruckForUpdate(ctx context.Context, id string) (*domain.Truck, error) {
	truck, ok := t.truck(id)
	if !ok {
		return nil, domain.NotFound("truck", id)
	}
	return truck.Clone(), nil
}

func (t *tx) GetRequestForUpdate(ctx context.Context, id string) (*domain.Request, error) {
	req, ok := t.request(id)
	if !ok {
		return nil, domain.NotFound("request", id)
	}
	return req.Clone(), nil
}

func (t *tx) CreateTruck(ctx context.Context, truck *domain.Truck) error {
	if _, ok := t.truck(truck.ID); ok {
		return domain.ErrConflict
	}
	t.trucks[truck.ID] = truck.Clone()
	return nil
}

func (t *tx) UpdateTruck(ctx context.Context, truck *domain.Truck) error {
	if _, ok := t.truck(truck.ID); !ok {
		return domain.NotFound("truck", truck.ID)
	}
	t.trucks[truck.ID] = truck.Clone()
	return nil
}

func (t *tx) CreateRequest(ctx context.Context, req *domain.Request) error {
	if _, ok := t.request(req.ID); ok {
		return domain.ErrConflict
	}
	t.requests[req.ID] = req.Clone()
	return nil
}

func (t *tx) UpdateRequest(ctx context.Context, req *domain.Request) error {
	if _, ok := t.request(req.ID); !ok {
		return domain.NotFound("request", req.ID)
	}
	t.requests[req.ID] = req.Clone()
	return nil
}

func (t *tx) FindOverlapping(ctx context.Context, truckID string, start, end time.Time) ([]*domain.Request, error) {
	var out []*domain.Request
	seen := make(map[string]bool)
	visit := func(req *domain.Request) {
		if seen[req.ID] {
			return
		}
		seen[req.ID] = true
		if req.AssignedTruck == nil || *req.AssignedTruck != truckID || !req.Status.Active() {
			return
		}
		if req.Overlaps(start, end) {
			out = append(out, req.Clone())
		}
	}
	for _, req := range t.requests {
		visit(req)
	}
	for _, req := range t.store.requests {
		visit(req)
	}
	slices.SortFunc(out, func(a, b *domain.Request) int { return a.Schedule.StartTime.Compare(b.Schedule.StartTime) })
	return out, nil
}

func (t *tx) EnqueueEvent(ctx context.Context, event events.Event) error {
	t.events = append(t.events, event)
	return nil
}

var (
	_ service.Store           = (*Store)(nil)
	_ events.OutboxRepository = (*Store)(nil)
)
