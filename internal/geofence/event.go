package geofence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Payload is the rule data attached to an event. Its concrete type follows
// the geofence type.
type Payload interface {
	kind() Type
}

// SurchargePayload serves both surcharge and event zones.
type SurchargePayload struct {
	Surcharge  float64 `json:"surcharge"`
	Multiplier float64 `json:"multiplier"`
}

type BoundaryPayload struct {
	AllowPickup bool `json:"allow_pickup"`
}

type RestrictedPayload struct {
	Blocked         bool        `json:"blocked"`
	RestrictedHours *HourWindow `json:"restricted_hours,omitempty"`
}

type PricingPayload struct {
	Multiplier float64 `json:"multiplier"`
	InSchedule bool    `json:"in_schedule"`
}

func (SurchargePayload) kind() Type  { return TypeSurcharge }
func (BoundaryPayload) kind() Type   { return TypeBoundary }
func (RestrictedPayload) kind() Type { return TypeRestricted }
func (PricingPayload) kind() Type    { return TypeDynamicPricing }

type Event struct {
	ID           string          `json:"id"`
	EntityID     string          `json:"entity_id"`
	EntityType   EntityType      `json:"entity_type"`
	GeofenceID   string          `json:"geofence_id"`
	GeofenceName string          `json:"geofence_name"`
	Type         Type            `json:"type"`
	Action       Action          `json:"action"`
	Location     models.GeoPoint `json:"location"`
	Timestamp    time.Time       `json:"timestamp"`
	Notification string          `json:"notification,omitempty"`
	Alert        bool            `json:"alert,omitempty"`
	Payload      Payload         `json:"payload"`
}

// UnmarshalJSON picks the payload variant from the event's type.
func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var raw struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Event(raw.plain)
	e.Payload = nil
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return nil
	}
	var p Payload
	switch raw.Type {
	case TypeSurcharge, TypeEvent:
		var v SurchargePayload
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return err
		}
		p = v
	case TypeBoundary:
		var v BoundaryPayload
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return err
		}
		p = v
	case TypeRestricted:
		var v RestrictedPayload
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return err
		}
		p = v
	case TypeDynamicPricing:
		var v PricingPayload
		if err := json.Unmarshal(raw.Payload, &v); err != nil {
			return err
		}
		p = v
	default:
		return fmt.Errorf("event %s: unknown geofence type %q", raw.ID, raw.Type)
	}
	e.Payload = p
	return nil
}

// Surcharge and Multiplier read the pricing effect of an event regardless of
// its variant. Multiplier is never below 1.
func (e Event) Surcharge() float64 {
	if p, ok := e.Payload.(SurchargePayload); ok {
		return p.Surcharge
	}
	return 0
}

func (e Event) Multiplier() float64 {
	m := 1.0
	switch p := e.Payload.(type) {
	case SurchargePayload:
		m = p.Multiplier
	case PricingPayload:
		m = p.Multiplier
	}
	if m < 1 {
		return 1
	}
	return m
}

func (e Event) Blocked() bool {
	p, ok := e.Payload.(RestrictedPayload)
	return ok && p.Blocked
}
