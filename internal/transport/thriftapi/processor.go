package thriftapi

import (
	"context"
	"strings"

	"github.com/apache/thrift/lib/go/thrift"

	"fleet-dispatch/internal/auth"
	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/geo"
	"fleet-dispatch/internal/service"
	"fleet-dispatch/internal/transport"
)

// Processor serves the framed binary protocol. Every call takes a flat
// argument struct; apart from IssueToken, field 1 carries the bearer token.
type Processor struct {
	svc          *service.Service
	auth         *auth.Authenticator
	processorMap map[string]thrift.TProcessorFunction
}

type handlerFunc func(ctx context.Context, seqID int32, in, out thrift.TProtocol) (bool, thrift.TException)

type processorFunc struct {
	fn handlerFunc
}

func (p processorFunc) Process(ctx context.Context, seqID int32, in, out thrift.TProtocol) (bool, thrift.TException) {
	return p.fn(ctx, seqID, in, out)
}

// call is one method body: it receives the decoded args and the caller, and
// returns a function that writes the success struct.
type call func(ctx context.Context, args fields, actor service.Actor) (func(w *writer), error)

func NewProcessor(svc *service.Service, authenticator *auth.Authenticator) *Processor {
	p := &Processor{svc: svc, auth: authenticator}
	p.processorMap = map[string]thrift.TProcessorFunction{
		"IssueToken":          processorFunc{fn: p.handleIssueToken},
		"CreateRequest":       p.authenticated("CreateRequest", p.createRequest),
		"Assign":              p.authenticated("Assign", p.assign),
		"UpdateTruckStatus":   p.authenticated("UpdateTruckStatus", p.updateTruckStatus),
		"UpdateRequestStatus": p.authenticated("UpdateRequestStatus", p.updateRequestStatus),
		"ReportLocation":      p.authenticated("ReportLocation", p.reportLocation),
		"NearestTrucks":       p.authenticated("NearestTrucks", p.nearestTrucks),
	}
	return p
}

func (p *Processor) ProcessorMap() map[string]thrift.TProcessorFunction {
	return p.processorMap
}

func (p *Processor) AddToProcessorMap(name string, processor thrift.TProcessorFunction) {
	p.processorMap[name] = processor
}

func (p *Processor) Process(ctx context.Context, in, out thrift.TProtocol) (bool, thrift.TException) {
	name, messageType, seqID, err := in.ReadMessageBegin(ctx)
	if err != nil {
		return false, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, err.Error())
	}
	if messageType != thrift.CALL && messageType != thrift.ONEWAY {
		return p.writeException(ctx, out, name, seqID, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, "invalid message type"))
	}
	processor, ok := p.processorMap[name]
	if !ok {
		_ = in.Skip(ctx, thrift.STRUCT)
		_ = in.ReadMessageEnd(ctx)
		return p.writeException(ctx, out, name, seqID, thrift.NewTApplicationException(thrift.UNKNOWN_METHOD, "unknown method"))
	}
	return processor.Process(ctx, seqID, in, out)
}

func readArgs(ctx context.Context, in thrift.TProtocol) (fields, error) {
	args, err := readStruct(ctx, in)
	if err != nil {
		return nil, err
	}
	return args, in.ReadMessageEnd(ctx)
}

func (p *Processor) handleIssueToken(ctx context.Context, seqID int32, in, out thrift.TProtocol) (bool, thrift.TException) {
	args, err := readArgs(ctx, in)
	if err != nil {
		return p.writeException(ctx, out, "IssueToken", seqID, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, err.Error()))
	}
	token, exp, err := p.auth.IssueToken(args.str(1), args.str(2))
	if err != nil {
		return p.writeException(ctx, out, "IssueToken", seqID, mapError(err))
	}
	return p.writeReply(ctx, out, "IssueToken", seqID, func(w *writer) {
		w.begin("TokenResponse")
		w.str(1, "token", token)
		w.i64(2, "expiresAt", exp.Unix())
		w.end()
	})
}

func (p *Processor) authenticated(method string, fn call) processorFunc {
	return processorFunc{fn: func(ctx context.Context, seqID int32, in, out thrift.TProtocol) (bool, thrift.TException) {
		args, err := readArgs(ctx, in)
		if err != nil {
			return p.writeException(ctx, out, method, seqID, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, err.Error()))
		}
		claims, err := p.auth.ParseToken(args.str(1))
		if err != nil {
			return p.writeException(ctx, out, method, seqID, mapError(domain.ErrUnauthorized))
		}
		success, err := fn(ctx, args, transport.ActorFromClaims(claims))
		if err != nil {
			return p.writeException(ctx, out, method, seqID, mapError(err))
		}
		return p.writeReply(ctx, out, method, seqID, success)
	}}
}

// CreateRequest_args: 2 requesterId, 3 pickupLat, 4 pickupLon,
// 5 pickupAddress, 6 destLat, 7 destLon, 8 destAddress, 9 startTime,
// 10 endTime. Times are unix seconds.
func (p *Processor) createRequest(ctx context.Context, args fields, actor service.Actor) (func(*writer), error) {
	in := service.NewRequest{RequesterID: args.str(2)}
	var verr *domain.ValidationError
	if args.has(3) || args.has(4) {
		var pickup domain.Location
		pickup, verr = args.location(3, 4, 5, "pickupLocation.", verr)
		in.Pickup = &pickup
	}
	if args.has(6) || args.has(7) {
		var dest domain.Location
		dest, verr = args.location(6, 7, 8, "destination.", verr)
		in.Destination = &dest
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}
	if start := args.time(9); start != nil {
		in.Schedule = &domain.Schedule{StartTime: *start, EndTime: args.time(10)}
	}
	req, err := p.svc.Requests.Create(ctx, in, actor)
	if err != nil {
		return nil, err
	}
	return func(w *writer) { writeRequest(w, req) }, nil
}

// Assign_args: 2 requestId, 3 truckId (empty for nearest), 4 maxDistanceKm.
func (p *Processor) assign(ctx context.Context, args fields, actor service.Actor) (func(*writer), error) {
	radius, _ := args.float(4)
	truck, err := p.svc.Dispatch.Assign(ctx, args.str(2), args.str(3), radius, actor)
	if err != nil {
		return nil, err
	}
	return func(w *writer) { writeTruck(w, truck) }, nil
}

// UpdateTruckStatus_args: 2 truckId, 3 status.
func (p *Processor) updateTruckStatus(ctx context.Context, args fields, actor service.Actor) (func(*writer), error) {
	next, err := domain.ParseTruckStatus(args.str(3))
	if err != nil {
		return nil, err
	}
	truck, err := p.svc.Trucks.SetStatus(ctx, args.str(2), next, actor)
	if err != nil {
		return nil, err
	}
	return func(w *writer) { writeTruck(w, truck) }, nil
}

// UpdateRequestStatus_args: 2 requestId, 3 status, 4 notes.
func (p *Processor) updateRequestStatus(ctx context.Context, args fields, actor service.Actor) (func(*writer), error) {
	next, err := domain.ParseRequestStatus(args.str(3))
	if err != nil {
		return nil, err
	}
	req, err := p.svc.Requests.Transition(ctx, args.str(2), next, args.str(4), actor)
	if err != nil {
		return nil, err
	}
	return func(w *writer) { writeRequest(w, req) }, nil
}

// ReportLocation_args: 2 truckId, 3 lat, 4 lon, 5 address.
func (p *Processor) reportLocation(ctx context.Context, args fields, actor service.Actor) (func(*writer), error) {
	loc, verr := args.location(3, 4, 5, "", nil)
	if err := verr.Err(); err != nil {
		return nil, err
	}
	truck, err := p.svc.Tracker.Report(ctx, args.str(2), loc, actor)
	if err != nil {
		return nil, err
	}
	return func(w *writer) {
		w.begin("LocationUpdate")
		if truck.CurrentLocation != nil {
			w.strct(1, "currentLocation", func() { writeLocation(w, truck.CurrentLocation.Location) })
		}
		w.timestamp(2, "lastSeen", truck.LastSeen)
		w.end()
	}, nil
}

// NearestTrucks_args: 2 lat, 3 lon, 4 maxDistanceKm.
func (p *Processor) nearestTrucks(ctx context.Context, args fields, _ service.Actor) (func(*writer), error) {
	point, verr := args.location(2, 3, 0, "", nil)
	if err := verr.Err(); err != nil {
		return nil, err
	}
	radius, ok := args.float(4)
	if !ok || radius == 0 {
		radius = p.svc.Options().DefaultMaxDistanceKm
	}
	matches, err := p.svc.Trucks.ListByArea(ctx, point, radius)
	if err != nil {
		return nil, err
	}
	return func(w *writer) { writeNearby(w, matches) }, nil
}

func (p *Processor) writeReply(ctx context.Context, out thrift.TProtocol, method string, seqID int32, writeSuccess func(w *writer)) (bool, thrift.TException) {
	w := &writer{ctx: ctx, out: out}
	w.do(func() error { return out.WriteMessageBegin(ctx, method, thrift.REPLY, seqID) })
	w.begin(method + "_result")
	w.strct(0, "success", func() { writeSuccess(w) })
	w.end()
	w.do(func() error { return out.WriteMessageEnd(ctx) })
	w.do(func() error { return out.Flush(ctx) })
	if err := w.Err(); err != nil {
		return false, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, err.Error())
	}
	return true, nil
}

func (p *Processor) writeException(ctx context.Context, out thrift.TProtocol, method string, seqID int32, appErr thrift.TApplicationException) (bool, thrift.TException) {
	_ = out.WriteMessageBegin(ctx, method, thrift.EXCEPTION, seqID)
	_ = appErr.Write(ctx, out)
	_ = out.WriteMessageEnd(ctx)
	_ = out.Flush(ctx)
	return false, appErr
}

// mapError encodes the error code in front of the message, e.g.
// "scheduling_conflict: truck t1 is booked ...".
func mapError(err error) thrift.TApplicationException {
	info := transport.Classify(err)
	kind := int32(thrift.PROTOCOL_ERROR)
	if info.Code == "internal" {
		kind = thrift.INTERNAL_ERROR
	}
	msg := info.Code + ": " + info.Message
	if len(info.Fields) > 0 {
		parts := make([]string, 0, len(info.Fields))
		for _, f := range info.Fields {
			parts = append(parts, f.Field+" "+f.Message)
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	return thrift.NewTApplicationException(kind, msg)
}

func writeLocation(w *writer, loc domain.Location) {
	w.begin("Location")
	w.float(1, "lat", loc.Lat)
	w.float(2, "lon", loc.Lng)
	if loc.Address != "" {
		w.str(3, "address", loc.Address)
	}
	w.end()
}

func writeRequest(w *writer, req *domain.Request) {
	w.begin("Request")
	w.str(1, "id", req.ID)
	w.str(2, "reference", req.Reference)
	w.str(3, "requesterId", req.RequesterID)
	w.str(4, "status", string(req.Status))
	w.strct(5, "pickupLocation", func() { writeLocation(w, req.Pickup) })
	w.optStr(6, "assignedTruck", req.AssignedTruck)
	w.optStr(7, "assignedDriver", req.AssignedDriver)
	w.i64(8, "version", req.Version)
	w.i64(9, "createdAt", req.CreatedAt.Unix())
	w.i64(10, "updatedAt", req.UpdatedAt.Unix())
	w.i64(11, "startTime", req.Schedule.StartTime.Unix())
	w.timestamp(12, "endTime", req.Schedule.EndTime)
	w.end()
}

func writeTruck(w *writer, truck *domain.Truck) {
	w.begin("Truck")
	w.str(1, "id", truck.ID)
	w.str(2, "driverName", truck.Driver.Name)
	w.str(3, "licensePlate", truck.Vehicle.LicensePlate)
	w.str(4, "status", string(truck.Status))
	if truck.CurrentLocation != nil {
		w.strct(5, "currentLocation", func() { writeLocation(w, truck.CurrentLocation.Location) })
	}
	w.optStr(6, "assignedRequest", truck.AssignedRequest)
	w.boolean(7, "isActive", truck.IsActive)
	w.i64(8, "version", truck.Version)
	w.timestamp(9, "lastSeen", truck.LastSeen)
	w.end()
}

func writeNearby(w *writer, matches []geo.Match[*domain.Truck]) {
	w.begin("NearestTrucksResponse")
	w.structList(1, "trucks", len(matches), func(i int) {
		w.begin("NearbyTruck")
		w.strct(1, "truck", func() { writeTruck(w, matches[i].Item) })
		w.float(2, "distanceKm", matches[i].DistanceKm)
		w.end()
	})
	w.end()
}

