// Package geofence evaluates entity positions against circular rule zones and
// emits ENTER/EXIT events carrying the zone's rule payload.
package geofence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrInvalid  = errors.New("invalid geofence")
	ErrNotFound = errors.New("geofence not found")
)

type Type string

const (
	TypeSurcharge      Type = "surcharge"
	TypeBoundary       Type = "boundary"
	TypeDynamicPricing Type = "dynamic_pricing"
	TypeRestricted     Type = "restricted"
	TypeEvent          Type = "event"
)

func (t Type) Valid() bool {
	switch t {
	case TypeSurcharge, TypeBoundary, TypeDynamicPricing, TypeRestricted, TypeEvent:
		return true
	}
	return false
}

type EntityType string

const (
	EntityRider  EntityType = "rider"
	EntityDriver EntityType = "driver"
	EntityPickup EntityType = "pickup"
)

func (e EntityType) Valid() bool {
	return e == EntityRider || e == EntityDriver || e == EntityPickup
}

type Action string

const (
	ActionEnter Action = "ENTER"
	ActionExit  Action = "EXIT"
)

type Membership string

const (
	Inside  Membership = "INSIDE"
	Outside Membership = "OUTSIDE"
)

// HourWindow is [Start, End) in local hours. Start > End wraps past
// midnight; Start == End is an empty window.
type HourWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (w HourWindow) Contains(hour int) bool {
	switch {
	case w.Start == w.End:
		return false
	case w.Start < w.End:
		return hour >= w.Start && hour < w.End
	default:
		return hour >= w.Start || hour < w.End
	}
}

func (w HourWindow) validate() error {
	if w.Start < 0 || w.Start > 23 || w.End < 0 || w.End > 24 {
		return fmt.Errorf("hours %d-%d out of range", w.Start, w.End)
	}
	return nil
}

// Weekdays decodes from day numbers (0 = Sunday) or names ("Fri", "friday").
type Weekdays []time.Weekday

func (d *Weekdays) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Weekdays, 0, len(raw))
	for _, r := range raw {
		var n int
		if err := json.Unmarshal(r, &n); err == nil {
			if n < 0 || n > 6 {
				return fmt.Errorf("weekday %d out of range", n)
			}
			out = append(out, time.Weekday(n))
			continue
		}
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			return fmt.Errorf("weekday %s: %w", r, err)
		}
		wd, ok := parseWeekday(s)
		if !ok {
			return fmt.Errorf("unknown weekday %q", s)
		}
		out = append(out, wd)
	}
	*d = out
	return nil
}

func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 3 {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return 0, false
}

func (d Weekdays) Has(wd time.Weekday) bool {
	for _, x := range d {
		if x == wd {
			return true
		}
	}
	return false
}

// Schedule limits when a zone's pricing applies. Empty Days means every day.
type Schedule struct {
	Days      Weekdays `json:"days"`
	HourStart int      `json:"hour_start"`
	HourEnd   int      `json:"hour_end"`
}

func (s Schedule) Hours() HourWindow { return HourWindow{Start: s.HourStart, End: s.HourEnd} }

// Active reports whether local time t is inside the schedule.
func (s Schedule) Active(t time.Time) bool {
	if len(s.Days) > 0 && !s.Days.Has(t.Weekday()) {
		return false
	}
	return s.Hours().Contains(t.Hour())
}

// Rule is what happens on enter or exit.
type Rule struct {
	Notification string  `json:"notification,omitempty"`
	Alert        bool    `json:"alert,omitempty"`
	Surcharge    float64 `json:"surcharge,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
}

type Geofence struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            Type            `json:"type"`
	Center          models.GeoPoint `json:"center"`
	RadiusKm        float64         `json:"radius_km"`
	OnEnter         Rule            `json:"on_enter"`
	OnExit          Rule            `json:"on_exit"`
	Schedule        *Schedule       `json:"schedule,omitempty"`
	RestrictedHours *HourWindow     `json:"restricted_hours,omitempty"`
	Active          bool            `json:"active"`
}

// UnmarshalJSON rejects definitions without a center or radius. A missing
// active flag defaults to true.
func (g *Geofence) UnmarshalJSON(b []byte) error {
	type plain Geofence
	var raw struct {
		plain
		Center   *models.GeoPoint `json:"center"`
		RadiusKm *float64         `json:"radius_km"`
		Active   *bool            `json:"active"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var errs []error
	if raw.Center == nil {
		errs = append(errs, errors.New("center is required"))
	}
	if raw.RadiusKm == nil {
		errs = append(errs, errors.New("radius_km is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalid, raw.plain.ID, errors.Join(errs...))
	}
	*g = Geofence(raw.plain)
	g.Center = *raw.Center
	g.RadiusKm = *raw.RadiusKm
	g.Active = raw.Active == nil || *raw.Active
	return nil
}

// Validate checks a definition before it reaches the evaluator.
func (g Geofence) Validate() error {
	var errs []error
	if g.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if g.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !g.Type.Valid() {
		errs = append(errs, fmt.Errorf("unknown type %q", g.Type))
	}
	if !g.Center.Valid() {
		errs = append(errs, fmt.Errorf("center %v out of range", g.Center))
	}
	if g.RadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("radius_km must be > 0, got %v", g.RadiusKm))
	}
	if g.Schedule != nil {
		if err := g.Schedule.Hours().validate(); err != nil {
			errs = append(errs, fmt.Errorf("schedule: %w", err))
		}
	}
	if g.RestrictedHours != nil {
		if err := g.RestrictedHours.validate(); err != nil {
			errs = append(errs, fmt.Errorf("restricted_hours: %w", err))
		}
	}
	if g.OnEnter.Multiplier < 0 || g.OnExit.Multiplier < 0 {
		errs = append(errs, errors.New("multiplier must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalid, g.ID, errors.Join(errs...))
	}
	return nil
}

// WithDefaults fills the notification texts Entering/Exiting <name>.
func (g Geofence) WithDefaults() Geofence {
	if g.OnEnter.Notification == "" {
		g.OnEnter.Notification = "Entering " + g.Name
	}
	if g.OnExit.Notification == "" {
		g.OnExit.Notification = "Exiting " + g.Name
	}
	return g
}

// Parse decodes and validates a JSON list of definitions.
func Parse(b []byte) ([]Geofence, error) {
	var fences []Geofence
	if err := json.Unmarshal(b, &fences); err != nil {
		return nil, fmt.Errorf("parse geofences: %w", err)
	}
	if err := validateAll(fences); err != nil {
		return nil, err
	}
	return fences, nil
}

func validateAll(fences []Geofence) error {
	seen := make(map[string]struct{}, len(fences))
	var errs []error
	for _, g := range fences {
		if err := g.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[g.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate id %q", ErrInvalid, g.ID))
		}
		seen[g.ID] = struct{}{}
	}
	return errors.Join(errs...)
}
