package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/geofence"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

type checkRequest struct {
	EntityID   string              `json:"entity_id"`
	EntityType geofence.EntityType `json:"entity_type"`
	Lat        *float64            `json:"lat"`
	Lon        *float64            `json:"lon"`
}

func (s *Server) handleGeofenceCheck(w http.ResponseWriter, r *http.Request) {
	var body checkRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.EntityID == "" || body.Lat == nil || body.Lon == nil {
		writeError(w, http.StatusBadRequest, "entity_id, lat and lon are required")
		return
	}
	if body.EntityType == "" {
		body.EntityType = geofence.EntityRider
	}
	if !body.EntityType.Valid() {
		writeError(w, http.StatusBadRequest, "entity_type must be rider, driver or pickup")
		return
	}
	point := models.GeoPoint{Lat: *body.Lat, Lon: *body.Lon}
	if !point.Valid() {
		writeError(w, http.StatusBadRequest, "lat/lon out of range")
		return
	}
	sum, err := s.Geofences.Check(r.Context(), geofence.Ping{
		EntityID:   body.EntityID,
		EntityType: body.EntityType,
		Point:      point,
		At:         s.now(),
	})
	if err != nil {
		s.requestLogger(r).Error("geofence check failed", "entity_id", body.EntityID, "error", err)
		writeError(w, http.StatusInternalServerError, "geofence evaluation failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleActiveGeofences(w http.ResponseWriter, r *http.Request) {
	fences := s.Evaluator.Catalog().Active()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(fences), "geofences": fences})
}

func (s *Server) handleToggleGeofence(w http.ResponseWriter, r *http.Request) {
	g, err := s.Evaluator.Catalog().Toggle(mux.Vars(r)["id"])
	if errors.Is(err, geofence.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.GeofenceStore != nil {
		if err := s.GeofenceStore.SetActive(r.Context(), g.ID, g.Active); err != nil {
			s.requestLogger(r).Error("persist geofence toggle failed", "geofence_id", g.ID, "error", err)
			if _, rerr := s.Evaluator.Catalog().SetActive(g.ID, !g.Active); rerr != nil {
				s.requestLogger(r).Error("roll back geofence toggle failed", "geofence_id", g.ID, "error", rerr)
			}
			writeError(w, http.StatusInternalServerError, "geofence change not saved")
			return
		}
	}
	msg := "Geofence deactivated"
	if g.Active {
		msg = "Geofence activated"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  msg,
		"geofence": map[string]any{"id": g.ID, "name": g.Name, "active": g.Active},
	})
}

func (s *Server) handleCreateGeofence(w http.ResponseWriter, r *http.Request) {
	var g geofence.Geofence
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.Evaluator.Catalog().Add(g)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.GeofenceStore != nil {
		if err := s.GeofenceStore.Save(r.Context(), created); err != nil {
			s.requestLogger(r).Error("persist geofence failed", "geofence_id", created.ID, "error", err)
			if rerr := s.Evaluator.Catalog().Remove(created.ID); rerr != nil {
				s.requestLogger(r).Error("roll back geofence create failed", "geofence_id", created.ID, "error", rerr)
			}
			writeError(w, http.StatusInternalServerError, "geofence not saved")
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "Geofence created successfully", "geofence": created})
}

func (s *Server) handleGeofenceEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventsLimit)
	}
	events, err := s.History.Recent(r.Context(), r.URL.Query().Get("entity_id"), limit)
	if err != nil {
		s.requestLogger(r).Error("read geofence history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(events), "events": events})
}

func (s *Server) handleGeofenceStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["entity_id"]
	st, ok, err := s.Evaluator.Status(r.Context(), id)
	if err != nil {
		s.requestLogger(r).Error("read geofence status failed", "entity_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"entity_id": id, "status": "no_data", "zones": []geofence.ZoneRef{}})
		return
	}
	writeJSON(w, http.StatusOK, st)
}
