package models

import "time"

// GeoPoint is a coordinate in degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p GeoPoint) IsZero() bool { return p.Lat == 0 && p.Lon == 0 }

// Valid reports whether the point lies within latitude/longitude bounds.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

type TripRequest struct {
	TripID      string   `json:"trip_id"`
	RiderID     string   `json:"rider_id"`
	Pickup      GeoPoint `json:"pickup"`
	Destination GeoPoint `json:"destination"`
}

// TripSummary is what a driver sees in an offer.
type TripSummary struct {
	TripID      string   `json:"trip_id"`
	RiderID     string   `json:"rider_id"`
	Pickup      GeoPoint `json:"pickup"`
	Destination GeoPoint `json:"destination"`
	DistanceKm  float64  `json:"distance_km"`
}

type Driver struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Loc            GeoPoint  `json:"loc"`
	Rating         float64   `json:"rating"`          // 0..5
	AcceptanceRate float64   `json:"acceptance_rate"` // 0..1
	CompletedTrips int       `json:"completed_trips"`
	Online         bool      `json:"online"`
	Updated        time.Time `json:"updated"`
}

// Candidate is a driver returned by the pool for one search attempt.
// Zero Rating or AcceptanceRate means the value is unknown.
type Candidate struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	Location       GeoPoint `json:"location"`
	Rating         float64  `json:"rating,omitempty"`
	AcceptanceRate float64  `json:"acceptance_rate,omitempty"`
	CompletedTrips int      `json:"completed_trips"`
	DistanceKm     float64  `json:"distance_km"`
}

func CandidateFromDriver(d Driver) Candidate {
	return Candidate{
		ID:             d.ID,
		Name:           d.Name,
		Location:       d.Loc,
		Rating:         d.Rating,
		AcceptanceRate: d.AcceptanceRate,
		CompletedTrips: d.CompletedTrips,
	}
}

type ScoredCandidate struct {
	Candidate
	Score float64 `json:"score"`
}

// LocationUpdate is the ingest message for any tracked entity. Driver is set
// when the ping also refreshes the driver pool.
type LocationUpdate struct {
	EntityID   string    `json:"entity_id"`
	EntityType string    `json:"entity_type"`
	Loc        GeoPoint  `json:"loc"`
	At         time.Time `json:"ts"`
	Driver     *Driver   `json:"driver,omitempty"`
}

// IDSet is a set of driver ids.
type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Add(id string) { s[id] = struct{}{} }

// Union returns a new set holding the members of s and every other set.
func (s IDSet) Union(others ...IDSet) IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	for _, o := range others {
		for id := range o {
			out[id] = struct{}{}
		}
	}
	return out
}

// DriverResponse is the outcome of one driver notification.
type DriverResponse string

const (
	ResponseAccepted DriverResponse = "ACCEPTED"
	ResponseRejected DriverResponse = "REJECTED"
	ResponseTimeout  DriverResponse = "TIMEOUT"
)

// Offer is sent to a driver for one notification request.
type Offer struct {
	RequestID string      `json:"request_id"`
	DriverID  string      `json:"driver_id"`
	Trip      TripSummary `json:"trip"`
	SentAt    time.Time   `json:"sent_at"`
}

// OfferReply is a driver's answer to an Offer.
type OfferReply struct {
	RequestID string `json:"request_id"`
	DriverID  string `json:"driver_id"`
	Accepted  bool   `json:"accepted"`
}
