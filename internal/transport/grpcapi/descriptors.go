package grpcapi

import (
	"context"

	"google.golang.org/grpc"

	"fleet-dispatch/internal/transport"
)

const (
	issueTokenMethod = "/fleet.AuthService/IssueToken"
	subscribeMethod  = "/fleet.EventService/Subscribe"
)

type AuthService interface {
	IssueToken(context.Context, *TokenRequest) (*TokenResponse, error)
}

type DispatchService interface {
	CreateRequest(context.Context, *transport.CreateRequestInput) (*transport.RequestResponse, error)
	GetRequest(context.Context, *RequestIDRequest) (*transport.RequestResponse, error)
	CancelRequest(context.Context, *CancelRequestRequest) (*transport.RequestResponse, error)
	Assign(context.Context, *AssignRequest) (*transport.TruckResponse, error)
	UpdateRequestStatus(context.Context, *UpdateRequestStatusRequest) (*transport.RequestResponse, error)
	UpdateTruckStatus(context.Context, *UpdateTruckStatusRequest) (*transport.TruckResponse, error)
	ReportLocation(context.Context, *ReportLocationRequest) (*transport.LocationUpdateResponse, error)
	NearestTrucks(context.Context, *NearestTrucksRequest) (*NearestTrucksResponse, error)
}

type EventService interface {
	Subscribe(*SubscribeRequest, grpc.ServerStream) error
}

var authServiceDesc = grpc.ServiceDesc{
	ServiceName: "fleet.AuthService",
	HandlerType: (*AuthService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IssueToken", Handler: issueTokenHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleet_dispatch.proto",
}

var dispatchServiceDesc = grpc.ServiceDesc{
	ServiceName: "fleet.DispatchService",
	HandlerType: (*DispatchService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateRequest", Handler: createRequestHandler},
		{MethodName: "GetRequest", Handler: getRequestHandler},
		{MethodName: "CancelRequest", Handler: cancelRequestHandler},
		{MethodName: "Assign", Handler: assignHandler},
		{MethodName: "UpdateRequestStatus", Handler: updateRequestStatusHandler},
		{MethodName: "UpdateTruckStatus", Handler: updateTruckStatusHandler},
		{MethodName: "ReportLocation", Handler: reportLocationHandler},
		{MethodName: "NearestTrucks", Handler: nearestTrucksHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleet_dispatch.proto",
}

var eventServiceDesc = grpc.ServiceDesc{
	ServiceName: "fleet.EventService",
	HandlerType: (*EventService)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "fleet_dispatch.proto",
}

// unary builds a method handler. Every dispatch method has the same shape, so
// one generic adapter stands in for a generated stub per method.
func unary[Req, Resp any](fullMethod string, call func(*Server, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(*Server), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(*Server), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	issueTokenHandler          = unary(issueTokenMethod, (*Server).IssueToken)
	createRequestHandler       = unary("/fleet.DispatchService/CreateRequest", (*Server).CreateRequest)
	getRequestHandler          = unary("/fleet.DispatchService/GetRequest", (*Server).GetRequest)
	cancelRequestHandler       = unary("/fleet.DispatchService/CancelRequest", (*Server).CancelRequest)
	assignHandler              = unary("/fleet.DispatchService/Assign", (*Server).Assign)
	updateRequestStatusHandler = unary("/fleet.DispatchService/UpdateRequestStatus", (*Server).UpdateRequestStatus)
	updateTruckStatusHandler   = unary("/fleet.DispatchService/UpdateTruckStatus", (*Server).UpdateTruckStatus)
	reportLocationHandler      = unary("/fleet.DispatchService/ReportLocation", (*Server).ReportLocation)
	nearestTrucksHandler       = unary("/fleet.DispatchService/NearestTrucks", (*Server).NearestTrucks)
)

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Server).Subscribe(in, stream)
}
