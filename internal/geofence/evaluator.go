package geofence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Evaluator turns pings into membership transitions. It does not deliver
// events; the caller publishes the returned ones.
type Evaluator struct {
	catalog  *Catalog
	members  MembershipStore
	location *time.Location
	newID    func() string
}

// NewEvaluator evaluates schedules and restricted hours in loc (UTC if nil).
// A nil store keeps membership in process memory.
func NewEvaluator(catalog *Catalog, store MembershipStore, loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	if store == nil {
		store = NewMemoryMembership()
	}
	return &Evaluator{
		catalog:  catalog,
		members:  store,
		location: loc,
		newID:    uuid.NewString,
	}
}

func (e *Evaluator) Catalog() *Catalog { return e.catalog }

// ActiveZone is a zone the entity is currently inside with its effective
// pricing at evaluation time.
type ActiveZone struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Type       Type    `json:"type"`
	Surcharge  float64 `json:"surcharge"`
	Multiplier float64 `json:"multiplier"`
	Blocked    bool    `json:"blocked,omitempty"`
}

type Summary struct {
	EntityID        string          `json:"entity_id"`
	Location        models.GeoPoint `json:"location"`
	Events          []Event         `json:"events"`
	ActiveZones     []ActiveZone    `json:"active_zones"`
	TotalSurcharge  float64         `json:"total_surcharge"`
	PriceMultiplier float64         `json:"price_multiplier"`
	Restricted      bool            `json:"restricted"`
	PickupAllowed   bool            `json:"pickup_allowed"`
}

// Evaluate compares point against every active geofence and returns one
// event per membership change, in catalog order.
func (e *Evaluator) Evaluate(ctx context.Context, entityID string, entityType EntityType, point models.GeoPoint, now time.Time) ([]Event, error) {
	events, _, err := e.evaluate(ctx, entityID, entityType, point, now)
	return events, err
}

// Check evaluates like Evaluate and summarizes the zones the entity is in
// afterwards.
func (e *Evaluator) Check(ctx context.Context, entityID string, entityType EntityType, point models.GeoPoint, now time.Time) (Summary, error) {
	events, zones, err := e.evaluate(ctx, entityID, entityType, point, now)
	if err != nil {
		return Summary{}, err
	}
	local := now.In(e.location)
	s := Summary{
		EntityID:        entityID,
		Location:        point,
		Events:          events,
		ActiveZones:     make([]ActiveZone, 0, len(zones)),
		PriceMultiplier: 1,
		PickupAllowed:   true,
	}
	if s.Events == nil {
		s.Events = []Event{}
	}
	insideIDs := make(map[string]struct{}, len(zones))
	for _, g := range zones {
		insideIDs[g.ID] = struct{}{}
		z := ActiveZone{ID: g.ID, Name: g.Name, Type: g.Type, Multiplier: 1}
		switch p := buildPayload(g, ActionEnter, local).(type) {
		case SurchargePayload:
			z.Surcharge, z.Multiplier = p.Surcharge, p.Multiplier
		case PricingPayload:
			z.Multiplier = p.Multiplier
		case RestrictedPayload:
			z.Blocked = p.Blocked
		}
		s.TotalSurcharge += z.Surcharge
		if z.Multiplier > s.PriceMultiplier {
			s.PriceMultiplier = z.Multiplier
		}
		if z.Blocked {
			s.Restricted = true
		}
		s.ActiveZones = append(s.ActiveZones, z)
	}
	if s.Restricted {
		s.PickupAllowed = false
	}
	for _, g := range e.catalog.Active() {
		if _, in := insideIDs[g.ID]; g.Type == TypeBoundary && !in {
			s.PickupAllowed = false
		}
	}
	return s, nil
}

func (e *Evaluator) evaluate(ctx context.Context, entityID string, entityType EntityType, point models.GeoPoint, now time.Time) ([]Event, []Geofence, error) {
	fences := e.catalog.Active()
	local := now.In(e.location)
	var events []Event
	var zones []Geofence

	err := e.members.Update(ctx, entityID, func(st *State) error {
		events, zones = nil, nil
		if st.Inside == nil {
			st.Inside = make(map[string]time.Time)
		}
		active := make(map[string]struct{}, len(fences))
		for _, g := range fences {
			active[g.ID] = struct{}{}
			inside := geo.DistanceKm(point, g.Center) <= g.RadiusKm
			_, was := st.Inside[g.ID]
			switch {
			case inside && !was:
				st.Inside[g.ID] = now
				events = append(events, e.newEvent(entityID, entityType, g, ActionEnter, point, now, local))
			case !inside && was:
				delete(st.Inside, g.ID)
				events = append(events, e.newEvent(entityID, entityType, g, ActionExit, point, now, local))
			}
			if inside {
				zones = append(zones, g)
			}
		}
		// deactivated or removed zones are dropped without an EXIT
		for id := range st.Inside {
			if _, ok := active[id]; !ok {
				delete(st.Inside, id)
			}
		}
		st.EntityType = entityType
		st.Location = point
		st.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("evaluate %s: %w", entityID, err)
	}
	return events, zones, nil
}

func (e *Evaluator) newEvent(entityID string, entityType EntityType, g Geofence, action Action, point models.GeoPoint, now, local time.Time) Event {
	rule := g.OnEnter
	if action == ActionExit {
		rule = g.OnExit
	}
	return Event{
		ID:           e.newID(),
		EntityID:     entityID,
		EntityType:   entityType,
		GeofenceID:   g.ID,
		GeofenceName: g.Name,
		Type:         g.Type,
		Action:       action,
		Location:     point,
		Timestamp:    now,
		Notification: rule.Notification,
		Alert:        rule.Alert,
		Payload:      buildPayload(g, action, local),
	}
}

// buildPayload derives the variant for g. local is the evaluation time in the
// zone's time zone.
func buildPayload(g Geofence, action Action, local time.Time) Payload {
	rule := g.OnEnter
	if action == ActionExit {
		rule = g.OnExit
	}
	inSchedule := g.Schedule == nil || g.Schedule.Active(local)
	multiplier := rule.Multiplier
	if multiplier <= 0 || !inSchedule {
		multiplier = 1
	}

	switch g.Type {
	case TypeBoundary:
		return BoundaryPayload{AllowPickup: action == ActionEnter}
	case TypeRestricted:
		return RestrictedPayload{Blocked: restrictedNow(g, local), RestrictedHours: g.RestrictedHours}
	case TypeDynamicPricing:
		return PricingPayload{Multiplier: multiplier, InSchedule: inSchedule}
	default:
		surcharge := rule.Surcharge
		if !inSchedule {
			surcharge = 0
		}
		return SurchargePayload{Surcharge: surcharge, Multiplier: multiplier}
	}
}

// restrictedNow reports whether a restricted zone blocks at local time. A
// restricted zone without hours blocks around the clock.
func restrictedNow(g Geofence, local time.Time) bool {
	if g.RestrictedHours == nil {
		return true
	}
	return g.RestrictedHours.Contains(local.Hour())
}

// EntityStatus is the last evaluated state of an entity.
type EntityStatus struct {
	EntityID   string          `json:"entity_id"`
	EntityType EntityType      `json:"entity_type"`
	Location   models.GeoPoint `json:"location"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Zones      []ZoneRef       `json:"zones"`
}

type ZoneRef struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Type  Type      `json:"type"`
	Since time.Time `json:"since"`
}

// Status returns the cached state of entityID. Zones that are no longer
// active are left out.
func (e *Evaluator) Status(ctx context.Context, entityID string) (EntityStatus, bool, error) {
	st, ok, err := e.members.Get(ctx, entityID)
	if err != nil || !ok {
		return EntityStatus{}, false, err
	}
	out := EntityStatus{
		EntityID:   entityID,
		EntityType: st.EntityType,
		Location:   st.Location,
		UpdatedAt:  st.UpdatedAt,
		Zones:      []ZoneRef{},
	}
	for _, g := range e.catalog.Active() {
		if since, in := st.Inside[g.ID]; in {
			out.Zones = append(out.Zones, ZoneRef{ID: g.ID, Name: g.Name, Type: g.Type, Since: since})
		}
	}
	return out, true, nil
}

// Forget drops all cached memberships for entityID.
func (e *Evaluator) Forget(ctx context.Context, entityID string) error {
	return e.members.Forget(ctx, entityID)
}
