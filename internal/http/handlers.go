package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/geofence"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// LocationPublisher forwards driver pings to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

// Deps are the collaborators the API is wired with. Locations, GeofenceStore
// and Ready are optional.
type Deps struct {
	Pool      geo.Pool
	Matcher   *matcher.Service
	Sessions  *matcher.Registry
	Trips     storage.TripStore
	Blocklist storage.Blocklist
	Broker    *dispatch.Broker
	WSReg     *dispatch.WSRegistry
	Locations LocationPublisher

	Geofences     *geofence.Router
	Evaluator     *geofence.Evaluator
	History       geofence.History
	GeofenceStore geofence.ConfigWriter

	Ready func(ctx context.Context) error
}

type Server struct {
	Deps
	// sessions run on this context, not the request's
	baseCtx context.Context
	logger  *slog.Logger
	mux     *mux.Router
	now     func() time.Time
}

func NewServer(ctx context.Context, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Sessions == nil {
		deps.Sessions = matcher.NewRegistry()
	}
	s := &Server{
		Deps:    deps,
		baseCtx: ctx,
		logger:  logger.With("component", "http"),
		mux:     mux.NewRouter(),
		now:     time.Now,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trips/{trip_id}/dispatch", s.handleStartDispatch).Methods(http.MethodPost)
	api.HandleFunc("/trips/{trip_id}/dispatch", s.handleGetDispatch).Methods(http.MethodGet)
	api.HandleFunc("/trips/{trip_id}/dispatch", s.handleCancelDispatch).Methods(http.MethodDelete)
	api.HandleFunc("/dispatch/responses", s.handleDriverResponse).Methods(http.MethodPost)
	api.HandleFunc("/riders/{rider_id}/blocked/{driver_id}", s.handleBlock).Methods(http.MethodPut)
	api.HandleFunc("/riders/{rider_id}/blocked/{driver_id}", s.handleUnblock).Methods(http.MethodDelete)

	gf := api.PathPrefix("/geofencing").Subrouter()
	gf.HandleFunc("/check", s.handleGeofenceCheck).Methods(http.MethodPost)
	gf.HandleFunc("/active", s.handleActiveGeofences).Methods(http.MethodGet)
	gf.HandleFunc("/toggle/{id}", s.handleToggleGeofence).Methods(http.MethodPut)
	gf.HandleFunc("/create", s.handleCreateGeofence).Methods(http.MethodPost)
	gf.HandleFunc("/events", s.handleGeofenceEvents).Methods(http.MethodGet)
	gf.HandleFunc("/status/{entity_id}", s.handleGeofenceStatus).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type dispatchRequest struct {
	RiderID     string          `json:"rider_id"`
	Pickup      models.GeoPoint `json:"pickup"`
	Destination models.GeoPoint `json:"destination"`
}

// handleStartDispatch starts a session and answers 202 with its view. With
// ?wait=true it blocks until the outcome (bounded by the request context).
func (s *Server) handleStartDispatch(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var body dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.RiderID == "" || body.Pickup.IsZero() || !body.Pickup.Valid() {
		writeError(w, http.StatusBadRequest, "rider_id and a valid pickup are required")
		return
	}
	req := models.TripRequest{TripID: tripID, RiderID: body.RiderID, Pickup: body.Pickup, Destination: body.Destination}

	sess := matcher.NewSession(req)
	if err := s.Sessions.Put(sess); err != nil {
		if errors.Is(err, matcher.ErrSessionExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.Trips != nil {
		if err := s.Trips.CreateTrip(r.Context(), req); err != nil {
			s.Sessions.Remove(tripID)
			s.requestLogger(r).Error("create trip failed", "trip_id", tripID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not record trip")
			return
		}
	}
	s.Matcher.Start(s.baseCtx, sess)

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		select {
		case <-sess.Done():
			out, _ := sess.Outcome()
			writeJSON(w, http.StatusOK, out)
		case <-r.Context().Done():
		}
		return
	}
	writeJSON(w, http.StatusAccepted, sess.View())
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Sessions.Get(mux.Vars(r)["trip_id"])
	if !ok {
		writeError(w, http.StatusNotFound, "no dispatch for trip")
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleCancelDispatch(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Sessions.Get(mux.Vars(r)["trip_id"])
	if !ok {
		writeError(w, http.StatusNotFound, "no dispatch for trip")
		return
	}
	sess.Cancel()
	select {
	case <-sess.Done():
	case <-r.Context().Done():
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

type driverResponseRequest struct {
	RequestID string `json:"request_id"`
	DriverID  string `json:"driver_id"`
	Accepted  bool   `json:"accepted"`
}

// handleDriverResponse is the HTTP path for drivers without a websocket.
func (s *Server) handleDriverResponse(w http.ResponseWriter, r *http.Request) {
	var body driverResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch err := s.Broker.Resolve(body.RequestID, body.DriverID, body.Accepted); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, dispatch.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrWrongDriver):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	if err := s.Blocklist.Block(r.Context(), v["rider_id"], v["driver_id"]); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)
	if err := s.Blocklist.Unblock(r.Context(), v["rider_id"], v["driver_id"]); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDriverLocation refreshes the pool. The ping goes to the location
// stream when one is configured; otherwise it is evaluated here.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d.ID == "" || !d.Loc.Valid() {
		writeError(w, http.StatusBadRequest, "id and a valid loc are required")
		return
	}
	d.Online = true
	d.Updated = s.now()
	if err := s.Pool.Upsert(r.Context(), d); err != nil {
		s.requestLogger(r).Error("driver pool update failed", "driver_id", d.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "driver pool unavailable")
		return
	}

	u := models.LocationUpdate{EntityID: d.ID, EntityType: string(geofence.EntityDriver), Loc: d.Loc, At: d.Updated, Driver: &d}
	switch {
	case s.Locations != nil:
		if err := s.Locations.PublishLocation(r.Context(), u); err != nil {
			s.requestLogger(r).Warn("publish location failed", "driver_id", d.ID, "error", err)
		}
	case s.Geofences != nil:
		ping := geofence.Ping{EntityID: d.ID, EntityType: geofence.EntityDriver, Point: d.Loc, At: d.Updated}
		if err := s.Geofences.Submit(r.Context(), ping); err != nil {
			s.requestLogger(r).Warn("geofence submit failed", "driver_id", d.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(200)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.requestLogger(r).Warn("websocket upgrade failed", "driver_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
