// Package postgres is the durable Store. Row locks come from SELECT ... FOR
// UPDATE, so two transactions reserving the same truck serialize on the
// truck row and the loser sees the winner's assignment.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/events"
	"fleet-dispatch/internal/service"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) BeginTx(ctx context.Context) (service.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) GetTruck(ctx context.Context, id string) (*domain.Truck, error) {
	t, err := scanTruck(s.pool.QueryRow(ctx, truckSelectByIDSQL, id))
	return t, notFound(err, "truck", id)
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) ListTrucks(ctx context.Context, filter service.TruckFilter) ([]*domain.Truck, error) {
	return listTrucks(ctx, s.pool, filter)
}

func listTrucks(ctx context.Context, q querier, filter service.TruckFilter) ([]*domain.Truck, error) {
	status := sql.NullString{}
	if filter.Status != nil {
		status = sql.NullString{String: string(*filter.Status), Valid: true}
	}
	rows, err := q.Query(ctx, truckListSQL, status, filter.ActiveOnly, limitArg(filter.Limit), filter.Offset)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTruck)
}

func (s *Store) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, requestSelectByIDSQL, id))
	return r, notFound(err, "request", id)
}

func (s *Store) ListRequests(ctx context.Context, filter service.RequestFilter) ([]*domain.Request, error) {
	return listRequests(ctx, s.pool, filter)
}

func listRequests(ctx context.Context, q querier, filter service.RequestFilter) ([]*domain.Request, error) {
	status := sql.NullString{}
	if filter.Status != nil {
		status = sql.NullString{String: string(*filter.Status), Valid: true}
	}
	rows, err := q.Query(ctx, requestListSQL,
		status,
		filter.RequesterID,
		filter.TruckID,
		nullTime(filter.BookingsStartingBefore),
		limitArg(filter.Limit),
		filter.Offset,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRequest)
}

// Snapshot reads both tables inside one repeatable-read, read-only
// transaction, which sees a single point in time.
func (s *Store) Snapshot(ctx context.Context) ([]*domain.Truck, []*domain.Request, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	trucks, err := listTrucks(ctx, tx, service.TruckFilter{})
	if err != nil {
		return nil, nil, err
	}
	reqs, err := listRequests(ctx, tx, service.RequestFilter{})
	if err != nil {
		return nil, nil, err
	}
	return trucks, reqs, tx.Commit(ctx)
}

type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

// Rollback after a successful Commit is a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (t *Tx) GetTruckForUpdate(ctx context.Context, id string) (*domain.Truck, error) {
	truck, err := scanTruck(t.tx.QueryRow(ctx, truckSelectByIDForUpdateSQL, id))
	return truck, notFound(err, "truck", id)
}

func (t *Tx) GetRequestForUpdate(ctx context.Context, id string) (*domain.Request, error) {
	req, err := scanRequest(t.tx.QueryRow(ctx, requestSelectByIDForUpdateSQL, id))
	return req, notFound(err, "request", id)
}

func (t *Tx) CreateTruck(ctx context.Context, truck *domain.Truck) error {
	args, err := truckArgs(truck)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, truckInsertSQL, args...)
	return mapWriteError(err)
}

func (t *Tx) UpdateTruck(ctx context.Context, truck *domain.Truck) error {
	args, err := truckArgs(truck)
	if err != nil {
		return err
	}
	// created_at is immutable; its slot carries updated_at instead.
	args = append(args[:14:14], truck.UpdatedAt)
	tag, err := t.tx.Exec(ctx, truckUpdateSQL, args...)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("truck", truck.ID)
	}
	return nil
}

func (t *Tx) CreateRequest(ctx context.Context, req *domain.Request) error {
	args, err := requestArgs(req)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, requestInsertSQL, args...)
	return mapWriteError(err)
}

func (t *Tx) UpdateRequest(ctx context.Context, req *domain.Request) error {
	args, err := requestArgs(req)
	if err != nil {
		return err
	}
	args = append(args[:20:20], req.UpdatedAt)
	tag, err := t.tx.Exec(ctx, requestUpdateSQL, args...)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("request", req.ID)
	}
	return nil
}

func (t *Tx) FindOverlapping(ctx context.Context, truckID string, start, end time.Time) ([]*domain.Request, error) {
	rows, err := t.tx.Query(ctx, requestOverlapSQL, truckID, start, end)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRequest)
}

func (t *Tx) EnqueueEvent(ctx context.Context, event events.Event) error {
	channels := event.Channels
	if channels == nil {
		channels = []string{}
	}
	_, err := t.tx.Exec(ctx, outboxInsertSQL,
		event.ID,
		event.Type,
		event.AggregateType,
		event.AggregateID,
		event.Version,
		channels,
		string(event.Payload),
		event.OccurredAt,
	)
	return err
}

// Stored JSON shapes. They are kept apart from the domain types so the
// column format does not move when the domain does.
type locationRecord struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address,omitempty"`
}

type positionRecord struct {
	locationRecord
	Timestamp time.Time `json:"timestamp"`
}

type historyRecord struct {
	Status    domain.RequestStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
	Actor     string               `json:"actor"`
	Notes     string               `json:"notes,omitempty"`
}

func toLocationRecord(loc domain.Location) locationRecord {
	return locationRecord{Lat: loc.Lat, Lon: loc.Lng, Address: loc.Address}
}

func (r locationRecord) domain() domain.Location {
	return domain.Location{Lat: r.Lat, Lng: r.Lon, Address: r.Address}
}

func toPositionRecord(p domain.Position) positionRecord {
	return positionRecord{locationRecord: toLocationRecord(p.Location), Timestamp: p.Timestamp}
}

func (r positionRecord) domain() domain.Position {
	return domain.Position{Location: r.locationRecord.domain(), Timestamp: r.Timestamp}
}

func truckArgs(t *domain.Truck) ([]any, error) {
	var current any
	if t.CurrentLocation != nil {
		data, err := json.Marshal(toPositionRecord(*t.CurrentLocation))
		if err != nil {
			return nil, err
		}
		current = string(data)
	}
	history := make([]positionRecord, 0, len(t.LocationHistory))
	for _, p := range t.LocationHistory {
		history = append(history, toPositionRecord(p))
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}
	bookings := t.Bookings
	if bookings == nil {
		bookings = []string{}
	}
	return []any{
		t.ID,
		t.Driver.Name,
		t.Driver.Phone,
		t.Vehicle.LicensePlate,
		t.Vehicle.Make,
		t.Vehicle.Model,
		string(t.Status),
		current,
		string(historyJSON),
		nullTime(t.LastSeen),
		nullString(t.AssignedRequest),
		bookings,
		t.IsActive,
		t.Version,
		t.CreatedAt,
		t.UpdatedAt,
	}, nil
}

func requestArgs(r *domain.Request) ([]any, error) {
	pickup, err := json.Marshal(toLocationRecord(r.Pickup))
	if err != nil {
		return nil, err
	}
	var destination any
	if r.Destination != nil {
		data, err := json.Marshal(toLocationRecord(*r.Destination))
		if err != nil {
			return nil, err
		}
		destination = string(data)
	}
	history := make([]historyRecord, 0, len(r.History))
	for _, h := range r.History {
		history = append(history, historyRecord{Status: h.Status, Timestamp: h.Timestamp, Actor: h.Actor, Notes: h.Notes})
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}
	return []any{
		r.ID,
		r.Reference,
		r.RequesterID,
		string(pickup),
		destination,
		string(r.Status),
		r.Schedule.RequestedTime,
		r.Schedule.StartTime,
		nullTime(r.Schedule.EndTime),
		nullString(r.AssignedTruck),
		nullString(r.AssignedDriver),
		string(historyJSON),
		nullTime(r.AssignedAt),
		nullTime(r.DispatchedAt),
		nullTime(r.EnRouteAt),
		nullTime(r.ArrivedAt),
		nullTime(r.CompletedAt),
		nullTime(r.CancelledAt),
		nullString(r.CancelReason),
		r.Version,
		r.CreatedAt,
		r.UpdatedAt,
	}, nil
}

func scanTruck(row pgx.Row) (*domain.Truck, error) {
	var (
		current         []byte
		history         []byte
		lastSeen        sql.NullTime
		assignedRequest sql.NullString
	)
	t := &domain.Truck{}
	err := row.Scan(
		&t.ID,
		&t.Driver.Name,
		&t.Driver.Phone,
		&t.Vehicle.LicensePlate,
		&t.Vehicle.Make,
		&t.Vehicle.Model,
		&t.Status,
		&current,
		&history,
		&lastSeen,
		&assignedRequest,
		&t.Bookings,
		&t.IsActive,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(current) > 0 {
		var rec positionRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, err
		}
		pos := rec.domain()
		t.CurrentLocation = &pos
	}
	var recs []positionRecord
	if err := json.Unmarshal(history, &recs); err != nil {
		return nil, err
	}
	for _, rec := range recs {
		t.LocationHistory = append(t.LocationHistory, rec.domain())
	}
	if lastSeen.Valid {
		t.LastSeen = &lastSeen.Time
	}
	if assignedRequest.Valid {
		t.AssignedRequest = &assignedRequest.String
	}
	if len(t.Bookings) == 0 {
		t.Bookings = nil
	}
	return t, nil
}

func scanRequest(row pgx.Row) (*domain.Request, error) {
	var (
		pickup         []byte
		destination    []byte
		history        []byte
		endTime        sql.NullTime
		assignedTruck  sql.NullString
		assignedDriver sql.NullString
		assignedAt     sql.NullTime
		dispatchedAt   sql.NullTime
		enRouteAt      sql.NullTime
		arrivedAt      sql.NullTime
		completedAt    sql.NullTime
		cancelledAt    sql.NullTime
		cancelReason   sql.NullString
	)
	r := &domain.Request{}
	err := row.Scan(
		&r.ID,
		&r.Reference,
		&r.RequesterID,
		&pickup,
		&destination,
		&r.Status,
		&r.Schedule.RequestedTime,
		&r.Schedule.StartTime,
		&endTime,
		&assignedTruck,
		&assignedDriver,
		&history,
		&assignedAt,
		&dispatchedAt,
		&enRouteAt,
		&arrivedAt,
		&completedAt,
		&cancelledAt,
		&cancelReason,
		&r.Version,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var loc locationRecord
	if err := json.Unmarshal(pickup, &loc); err != nil {
		return nil, err
	}
	r.Pickup = loc.domain()
	if len(destination) > 0 {
		var dest locationRecord
		if err := json.Unmarshal(destination, &dest); err != nil {
			return nil, err
		}
		d := dest.domain()
		r.Destination = &d
	}
	var recs []historyRecord
	if err := json.Unmarshal(history, &recs); err != nil {
		return nil, err
	}
	for _, h := range recs {
		r.History = append(r.History, domain.HistoryEntry{Status: h.Status, Timestamp: h.Timestamp, Actor: h.Actor, Notes: h.Notes})
	}
	r.Schedule.EndTime = timePtr(endTime)
	r.AssignedTruck = stringPtr(assignedTruck)
	r.AssignedDriver = stringPtr(assignedDriver)
	r.AssignedAt = timePtr(assignedAt)
	r.DispatchedAt = timePtr(dispatchedAt)
	r.EnRouteAt = timePtr(enRouteAt)
	r.ArrivedAt = timePtr(arrivedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	r.CancelReason = stringPtr(cancelReason)
	return r, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// mapWriteError turns a duplicate key into ErrConflict.
// notFound names the entity on a missing row; other errors pass through.
func notFound(err error, entity, id string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NotFound(entity, id)
	}
	return err
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrConflict
	}
	return err
}

// limitArg maps "no limit" onto SQL NULL, which LIMIT treats as unbounded.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}

var (
	_ service.Store           = (*Store)(nil)
	_ events.OutboxRepository = (*Store)(nil)
)
