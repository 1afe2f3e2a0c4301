package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/events"
	"fleet-dispatch/internal/sequence"
)

// EventSink receives events after the transaction that produced them commits.
// Within one Service, events for an aggregate arrive in commit order; across
// processes consumers order them by Event.Version.
type EventSink interface {
	PublishEvent(evt events.Event)
}

type Options struct {
	HistoryLimit         int
	MaxAssignAttempts    int
	DefaultMaxDistanceKm float64
	BookingLeadTime      time.Duration
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = domain.DefaultHistoryLimit
	}
	if o.MaxAssignAttempts <= 0 {
		o.MaxAssignAttempts = 3
	}
	if o.DefaultMaxDistanceKm <= 0 {
		o.DefaultMaxDistanceKm = 50
	}
	if o.BookingLeadTime < 0 {
		o.BookingLeadTime = 0
	}
	return o
}

// Actor is the authenticated caller an operation runs on behalf of.
type Actor struct {
	ID   string
	Role string
}

// System is the actor used by background jobs.
var System = Actor{ID: "dispatcher", Role: domain.RoleOperator}

func (a Actor) IsOperator() bool { return a.Role == domain.RoleOperator }

func (a Actor) String() string {
	return a.Role + ":" + a.ID
}

// Service wires the dispatch components over one store and event sink.
type Service struct {
	Trucks   *Registry
	Tracker  *Tracker
	Requests *Lifecycle
	Dispatch *Coordinator

	core *core
}

func New(store Store, sink EventSink, seq sequence.Sequencer, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if seq == nil {
		seq = sequence.NewMemory()
	}
	c := &core{
		store:  store,
		sink:   sink,
		seq:    seq,
		opts:   opts.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: logger,
	}
	c.trucks = &Registry{core: c}
	return &Service{
		Trucks:   c.trucks,
		Tracker:  &Tracker{core: c},
		Requests: &Lifecycle{core: c},
		Dispatch: &Coordinator{core: c},
		core:     c,
	}
}

// SetClock overrides the time source; tests use it to pin booking windows.
func (s *Service) SetClock(now func() time.Time) {
	s.core.now = now
}

func (s *Service) Options() Options {
	return s.core.opts
}

type core struct {
	store  Store
	sink   EventSink
	seq    sequence.Sequencer
	opts   Options
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
	trucks *Registry

	// publishMu spans commit and fan-out so a later commit cannot overtake
	// an earlier one on the sink.
	publishMu sync.Mutex
}

// unit is a transaction that remembers the events it enqueued so they can be
// fanned out once the commit succeeds.
type unit struct {
	Tx
	pending []events.Event
}

func (c *core) begin(ctx context.Context) (*unit, error) {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &unit{Tx: tx}, nil
}

func (u *unit) emit(ctx context.Context, evts ...events.Event) error {
	for _, evt := range evts {
		if err := u.EnqueueEvent(ctx, evt); err != nil {
			return err
		}
		u.pending = append(u.pending, evt)
	}
	return nil
}

func (c *core) commit(ctx context.Context, u *unit) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	if err := u.Commit(ctx); err != nil {
		return err
	}
	if c.sink == nil {
		return nil
	}
	for _, evt := range u.pending {
		c.sink.PublishEvent(evt)
	}
	return nil
}

func touchTruck(t *domain.Truck, now time.Time) {
	t.Version++
	t.UpdatedAt = now
}

func touchRequest(r *domain.Request, now time.Time) {
	r.Version++
	r.UpdatedAt = now
}
