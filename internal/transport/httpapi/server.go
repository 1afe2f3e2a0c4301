package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"fleet-dispatch/internal/auth"
	"fleet-dispatch/internal/domain"
	"fleet-dispatch/internal/events"
	"fleet-dispatch/internal/service"
	"fleet-dispatch/internal/transport"
)

type Server struct {
	svc      *service.Service
	bus      *events.Bus
	auth     *auth.Authenticator
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(svc *service.Service, bus *events.Bus, authenticator *auth.Authenticator, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		bus:    bus,
		auth:   authenticator,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Post("/auth/token", s.handleIssueToken)
	r.With(s.requireRole()).Get("/ws", s.handleSubscribe)

	r.Route("/requests", func(r chi.Router) {
		r.Use(s.requireRole())
		r.Post("/", s.handleCreateRequest)
		r.Get("/", s.handleListRequests)
		r.Get("/{id}", s.handleGetRequest)
		r.Post("/{id}/cancel", s.handleCancelRequest)
		r.Get("/{id}/history", s.handleRequestHistory)
	})

	r.Route("/dispatch", func(r chi.Router) {
		r.Use(s.requireRole())
		r.Put("/requests/{id}/status", s.handleRequestStatus)
		r.Group(func(r chi.Router) {
			r.Use(s.requireRole(domain.RoleOperator))
			r.Post("/assign", s.handleAssign)
			r.Post("/requests/{id}/dispatch", s.handleDispatch)
			r.Get("/requests", s.handleListRequests)
			r.Get("/audit", s.handleAudit)
		})
	})

	r.Route("/trucks", func(r chi.Router) {
		r.Use(s.requireRole())
		r.With(s.requireRole(domain.RoleOperator)).Post("/", s.handleRegisterTruck)
		r.With(s.requireRole(domain.RoleOperator)).Get("/", s.handleListTrucks)
		r.Get("/nearest", s.handleNearestTrucks)
		r.Get("/{id}", s.handleGetTruck)
		r.Put("/{id}/status", s.handleTruckStatus)
		r.Put("/{id}/location", s.handleTruckLocation)
		r.With(s.requireRole(domain.RoleOperator)).Put("/{id}/active", s.handleTruckActive)
	})

	return r
}

// requireRole authenticates the caller and, when roles are given, admits
// only those roles. The token may also arrive as a query parameter so that
// browser websocket clients can authenticate.
func (s *Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				writeError(w, domain.ErrUnauthorized)
				return
			}
			claims, err := s.auth.ParseToken(token)
			if err != nil {
				writeError(w, domain.ErrUnauthorized)
				return
			}
			if len(roles) > 0 && !slices.Contains(roles, claims.Role) {
				writeError(w, domain.ErrForbidden)
				return
			}
			ctx := auth.ContextWithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalid)
		return
	}
	token, exp, err := s.auth.IssueToken(req.Name, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": exp,
	})
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req transport.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalid)
		return
	}
	in, err := req.ToNewRequest()
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.svc.Requests.Create(r.Context(), in, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, transport.FromRequest(created))
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter service.RequestFilter
	if v := q.Get("status"); v != "" {
		st, err := domain.ParseRequestStatus(v)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.Status = &st
	}
	filter.TruckID = q.Get("truckId")
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	reqs, err := s.svc.Requests.List(r.Context(), filter, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromRequests(reqs))
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.Requests.Get(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromRequest(req))
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domain.ErrInvalid)
			return
		}
	}
	cancelled, err := s.svc.Dispatch.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromRequest(cancelled))
}

func (s *Server) handleRequestHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.Requests.History(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromHistory(history))
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID     string  `json:"requestId"`
		TruckID       string  `json:"truckId"`
		MaxDistanceKm float64 `json:"maxDistanceKm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalid)
		return
	}
	if strings.TrimSpace(req.RequestID) == "" {
		writeError(w, domain.NewValidationError(domain.FieldError{Field: "requestId", Message: "required"}))
		return
	}
	truck, err := s.svc.Dispatch.Assign(r.Context(), req.RequestID, req.TruckID, req.MaxDistanceKm, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromTruck(truck))
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.Dispatch.Dispatch(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromRequest(req))
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalid)
		return
	}
	next, err := domain.ParseRequestStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.svc.Requests.Transition(r.Context(), chi.URLParam(r, "id"), next, req.Notes, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromRequest(updated))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	violations, err := s.svc.Audit(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"consistent": len(violations) == 0,
		"violations": violations,
	})
}

func (s *Server) handleRegisterTruck(w http.ResponseWriter, r *http.Request) {
	var req transport.RegisterTruckInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalid)
		return
	}
	truck, err := req.ToTruck()
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.svc.Trucks.Register(r.Context(), truck, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, transport.FromTruck(created))
}

func (s *Server) handleListTrucks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter service.TruckFilter
	if v := q.Get("status"); v != "" {
		st, err := domain.ParseTruckStatus(v)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.Status = &st
	}
	filter.ActiveOnly, _ = strconv.ParseBool(q.Get("active"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	trucks, err := s.svc.Trucks.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromTrucks(trucks))
}

func (s *Server) handleNearestTrucks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var verr *domain.ValidationError
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		verr = verr.Add("lat", "must be a number")
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		verr = verr.Add("lon", "must be a number")
	}
	radius := s.svc.Options().DefaultMaxDistanceKm
	if v := q.Get("maxDistanceKm"); v != "" {
		if radius, err = strconv.ParseFloat(v, 64); err != nil {
			verr = verr.Add("maxDistanceKm", "must be a number")
		}
	}
	if err := verr.Err(); err != nil {
		writeError(w, err)
		return
	}
	matches, err := s.svc.Trucks.ListByArea(r.Context(), domain.Location{Lat: lat, Lng: lon}, radius)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromNearby(matches))
}

func (s *Server) handleGetTruck(w http.ResponseWriter, r *http.Request) {
	truck, err := s.svc.Trucks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromTruck(truck))
}

func (s *Server) handleTruckStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalid)
		return
	}
	next, err := domain.ParseTruckStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	truck, err := s.svc.Trucks.SetStatus(r.Context(), chi.URLParam(r, "id"), next, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromTruck(truck))
}

func (s *Server) handleTruckLocation(w http.ResponseWriter, r *http.Request) {
	var req transport.LocationInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalid)
		return
	}
	loc, err := transport.ToLocation(req)
	if err != nil {
		writeError(w, err)
		return
	}
	truck, err := s.svc.Tracker.Report(r.Context(), chi.URLParam(r, "id"), loc, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromLocationUpdate(truck))
}

func (s *Server) handleTruckActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalid)
		return
	}
	if req.Active == nil {
		writeError(w, domain.NewValidationError(domain.FieldError{Field: "active", Message: "required"}))
		return
	}
	truck, err := s.svc.Trucks.SetActive(r.Context(), chi.URLParam(r, "id"), *req.Active, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromTruck(truck))
}

func mustClaims(r *http.Request) *auth.Claims {
	claims, _ := auth.ClaimsFromContext(r.Context())
	return claims
}

func actor(r *http.Request) service.Actor {
	return transport.ActorFromClaims(mustClaims(r))
}
