package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrTripNotFound = errors.New("trip not found")

const (
	TripRequested = "REQUESTED"
	TripAssigned  = "ASSIGNED"
	TripFailed    = "FAILED"
)

// TripRecord is the persisted dispatch state of a trip.
type TripRecord struct {
	TripID    string          `json:"trip_id"`
	RiderID   string          `json:"rider_id"`
	Pickup    models.GeoPoint `json:"pickup"`
	Status    string          `json:"status"`
	DriverID  string          `json:"driver_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TripStore persists trips and the outcome of their dispatch.
type TripStore interface {
	CreateTrip(ctx context.Context, req models.TripRequest) error
	Assign(ctx context.Context, tripID, driverID string) error
	Fail(ctx context.Context, tripID, reason string) error
	GetTrip(ctx context.Context, tripID string) (TripRecord, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*TripRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*TripRecord)}
}

func (m *MemoryStore) CreateTrip(_ context.Context, req models.TripRequest) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[req.TripID] = &TripRecord{
		TripID:    req.TripID,
		RiderID:   req.RiderID,
		Pickup:    req.Pickup,
		Status:    TripRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (m *MemoryStore) Assign(_ context.Context, tripID, driverID string) error {
	return m.update(tripID, func(r *TripRecord) {
		r.Status, r.DriverID, r.Reason = TripAssigned, driverID, ""
	})
}

func (m *MemoryStore) Fail(_ context.Context, tripID, reason string) error {
	return m.update(tripID, func(r *TripRecord) {
		r.Status, r.DriverID, r.Reason = TripFailed, "", reason
	})
}

func (m *MemoryStore) update(tripID string, fn func(*TripRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.trips[tripID]
	if !ok {
		// outcomes may arrive for trips created elsewhere
		r = &TripRecord{TripID: tripID, CreatedAt: time.Now()}
		m.trips[tripID] = r
	}
	fn(r)
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, tripID string) (TripRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.trips[tripID]
	if !ok {
		return TripRecord{}, ErrTripNotFound
	}
	return *r, nil
}
