package grpcapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"fleet-dispatch/internal/auth"
	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/events"
	"fleet-dispatch/internal/service"
	"fleet-dispatch/internal/transport"
)

type Server struct {
	svc    *service.Service
	bus    *events.Bus
	auth   *auth.Authenticator
	logger *slog.Logger
}

func NewServer(svc *service.Service, bus *events.Bus, authenticator *auth.Authenticator, logger *slog.Logger) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	server := &Server{svc: svc, bus: bus, auth: authenticator, logger: logger}
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(server.authInterceptor()),
		grpc.StreamInterceptor(server.streamAuthInterceptor()),
	)

	grpcServer.RegisterService(&authServiceDesc, server)
	grpcServer.RegisterService(&dispatchServiceDesc, server)
	grpcServer.RegisterService(&eventServiceDesc, server)

	return grpcServer
}

func (s *Server) authenticate(ctx context.Context) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	authHeader := ""
	if values := md.Get("authorization"); len(values) > 0 {
		authHeader = values[0]
	}
	token := auth.ExtractBearerToken(authHeader)
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}
	claims, err := s.auth.ParseToken(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return auth.ContextWithClaims(ctx, claims), nil
}

func (s *Server) authInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == issueTokenMethod {
			return handler(ctx, req)
		}
		ctx, err := s.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (a *authedStream) Context() context.Context { return a.ctx }

func (s *Server) streamAuthInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := s.authenticate(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

func (s *Server) IssueToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	token, exp, err := s.auth.IssueToken(req.Name, req.Role)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return &TokenResponse{Token: token, ExpiresAt: exp.Format(time.RFC3339)}, nil
}

func (s *Server) CreateRequest(ctx context.Context, req *transport.CreateRequestInput) (*transport.RequestResponse, error) {
	actor, err := getActor(ctx)
	if err != nil {
		return nil, err
	}
	in, err := req.ToNewRequest()
	if err != nil {
		return nil, mapServiceError(err)
	}
	created, err := s.svc.Requests.Create(ctx, in, actor)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromRequest(created)
	return &resp, nil
}

func (s *Server) GetRequest(ctx context.Context, req *RequestIDRequest) (*transport.RequestResponse, error) {
	actor, err := getActor(ctx)
	if err != nil {
		return nil, err
	}
	found, err := s.svc.Requests.Get(ctx, req.RequestID, actor)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromRequest(found)
	return &resp, nil
}

func (s *Server) CancelRequest(ctx context.Context, req *CancelRequestRequest) (*transport.RequestResponse, error) {
	actor, err := getActor(ctx)
	if err != nil {
		return nil, err
	}
	cancelled, err := s.svc.Dispatch.Cancel(ctx, req.RequestID, req.Reason, actor)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromRequest(cancelled)
	return &resp, nil
}

func (s *Server) Assign(ctx context.Context, req *AssignRequest) (*transport.TruckResponse, error) {
	actor, err := getActor(ctx)
	if err != nil {
		return nil, err
	}
	truck, err := s.svc.Dispatch.Assign(ctx, req.RequestID, req.TruckID, req.MaxDistanceKm, actor)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromTruck(truck)
	return &resp, nil
}

func (s *Server) UpdateRequestStatus(ctx context.Context, req *UpdateRequestStatusRequest) (*transport.RequestResponse, error) {
	actor, err := getActor(ctx)
	if err != nil {
		return nil, err
	}
	next, err := domain.ParseRequestStatus(req.Status)
	if err != nil {
		return nil, mapServiceError(err)
	}
	updated, err := s.svc.Requests.Transition(ctx, req.RequestID, next, req.Notes, actor)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromRequest(updated)
	return &resp, nil
}

func (s *Server) UpdateTruckStatus(ctx context.Context, req *UpdateTruckStatusRequest) (*transport.TruckResponse, error) {
	actor, err := getActor(ctx)
	if err != nil {
		return nil, err
	}
	next, err := domain.ParseTruckStatus(req.Status)
	if err != nil {
		return nil, mapServiceError(err)
	}
	truck, err := s.svc.Trucks.SetStatus(ctx, req.TruckID, next, actor)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromTruck(truck)
	return &resp, nil
}

func (s *Server) ReportLocation(ctx context.Context, req *ReportLocationRequest) (*transport.LocationUpdateResponse, error) {
	actor, err := getActor(ctx)
	if err != nil {
		return nil, err
	}
	loc, err := transport.ToLocation(req.Location)
	if err != nil {
		return nil, mapServiceError(err)
	}
	truck, err := s.svc.Tracker.Report(ctx, req.TruckID, loc, actor)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromLocationUpdate(truck)
	return &resp, nil
}

func (s *Server) NearestTrucks(ctx context.Context, req *NearestTrucksRequest) (*NearestTrucksResponse, error) {
	if _, err := getClaims(ctx); err != nil {
		return nil, err
	}
	radius := req.MaxDistanceKm
	if radius == 0 {
		radius = s.svc.Options().DefaultMaxDistanceKm
	}
	point, err := transport.ToLocation(transport.LocationInput{Lat: req.Lat, Lon: req.Lon})
	if err != nil {
		return nil, mapServiceError(err)
	}
	matches, err := s.svc.Trucks.ListByArea(ctx, point, radius)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return &NearestTrucksResponse{Trucks: transport.FromNearby(matches)}, nil
}

// Subscribe streams the caller's events until the client goes away.
func (s *Server) Subscribe(_ *SubscribeRequest, stream grpc.ServerStream) error {
	claims, err := getClaims(stream.Context())
	if err != nil {
		return err
	}
	sub := s.bus.Subscribe(events.SubscriberChannels(claims.Subject, claims.Role)...)
	defer sub.Close()
	s.logger.Info("grpc subscriber attached", "subject", claims.Subject, "channels", sub.Channels())

	for {
		select {
		case <-stream.Context().Done():
			s.logger.Info("grpc subscriber detached", "subject", claims.Subject, "dropped", sub.Dropped())
			return nil
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := stream.SendMsg(&evt); err != nil {
				return err
			}
		}
	}
}
