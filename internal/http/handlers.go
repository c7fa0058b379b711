package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/channel"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Dispatch  *dispatch.Service
	Registry  geo.Registry
	Verifier  *auth.Verifier
	Channel   http.Handler
	Publisher channel.LocationPublisher
	Ready     map[string]ReadyCheck
	Logger    *slog.Logger
}

type Server struct {
	dispatch  *dispatch.Service
	registry  geo.Registry
	verifier  *auth.Verifier
	channel   http.Handler
	publisher channel.LocationPublisher
	ready     map[string]ReadyCheck
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		dispatch:  d.Dispatch,
		registry:  d.Registry,
		verifier:  d.Verifier,
		channel:   d.Channel,
		publisher: d.Publisher,
		ready:     d.Ready,
		logger:    d.Logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.identityMiddleware)
	api.HandleFunc("/rides/request", s.handleRideRequest).Methods("POST")
	api.HandleFunc("/rides/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	if s.channel != nil {
		s.mux.Handle("/ws", s.channel).Methods("GET")
	}
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideRequestBody struct {
	ClientID            string        `json:"clientId"`
	Pickup              *models.Coord `json:"pickup"`
	Destination         *models.Coord `json:"destination"`
	Fare                float64       `json:"fare"`
	RouteDistanceMeters float64       `json:"routeDistance"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	if id.Role != auth.RoleClient {
		writeError(w, models.ErrForbidden)
		return
	}
	var body rideRequestBody
	if !decode(w, r, &body) {
		return
	}
	if body.ClientID != "" && body.ClientID != id.ID {
		writeError(w, models.ErrForbidden)
		return
	}
	ride, err := s.dispatch.RequestRide(r.Context(), models.RideRequest{
		ClientID:            id.ID,
		Pickup:              body.Pickup,
		Destination:         body.Destination,
		Fare:                body.Fare,
		RouteDistanceMeters: body.RouteDistanceMeters,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"rideId": ride.ID, "status": ride.Status, "expiresAt": ride.ExpiresAt})
}

type acceptBody struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	if !id.IsDriver() {
		writeError(w, models.ErrForbidden)
		return
	}
	var body acceptBody
	if !decode(w, r, &body) {
		return
	}
	if body.DriverID != "" && body.DriverID != id.ID {
		writeError(w, models.ErrForbidden)
		return
	}
	if _, err := s.dispatch.AcceptRide(r.Context(), body.RideID, id.ID); err != nil {
		// from the driver's side an unknown ride is just one they can't have
		if errors.Is(err, models.ErrRideNotFound) {
			err = models.ErrRideUnavailable
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	ride, err := s.dispatch.CompleteRide(r.Context(), mux.Vars(r)["id"], id.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	var body struct {
		Reason string `json:"reason"`
	}
	// the body is optional
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, models.NewValidationError("body", "malformed JSON: %v", err))
		return
	}
	ride, err := s.dispatch.CancelRide(r.Context(), mux.Vars(r)["id"], id.ID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	ride, err := s.dispatch.GetRide(r.Context(), mux.Vars(r)["id"], id.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	asDriver := id.IsDriver()
	switch r.URL.Query().Get("role") {
	case "":
	case auth.RoleDriver:
		asDriver = true
	case auth.RoleClient:
		asDriver = false
	default:
		writeError(w, models.NewValidationError("role", "must be client or driver"))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, models.NewValidationError("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	rides, err := s.dispatch.ListRides(r.Context(), id.ID, asDriver, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if rides == nil {
		rides = []*models.Ride{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

// handleDriverLocation is the service-to-service upsert used by gateways that
// terminate device connections themselves.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if !decode(w, r, &sample) {
		return
	}
	if sample.DriverID == "" {
		writeError(w, models.NewValidationError("driverId", "is required"))
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	err := s.registry.Upsert(r.Context(), sample.DriverID, sample.Coord(), sample.Timestamp)
	if errors.Is(err, geo.ErrStaleSample) {
		// an older replay is already superseded; nothing to retry
		observability.LocationUpdates.WithLabelValues("stale").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		if models.IsValidation(err) {
			observability.LocationUpdates.WithLabelValues("invalid").Inc()
		}
		writeError(w, err)
		return
	}
	observability.LocationUpdates.WithLabelValues("accepted").Inc()
	if s.publisher != nil {
		if err := s.publisher.PublishLocation(r.Context(), sample); err != nil {
			s.logger.Debug("location history publish failed", "driver_id", sample.DriverID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func mustIdentity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, models.NewValidationError("body", "malformed JSON: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "details": ve.Fields})
	case errors.Is(err, models.ErrRideUnavailable), errors.Is(err, models.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": models.ErrRideUnavailable.Error()})
	case errors.Is(err, models.ErrRideNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, models.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": models.ErrForbidden.Error()})
	case models.IsTransient(err):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "temporarily unavailable, retry"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
