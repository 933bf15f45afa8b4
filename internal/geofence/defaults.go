package geofence

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// DefaultZones is the built-in Santo Domingo zone set used when no config
// store is configured.
func DefaultZones() []Geofence {
	return []Geofence{
		{
			ID:       "gf_airport",
			Name:     "Aeropuerto Las Americas",
			Type:     TypeSurcharge,
			Center:   models.GeoPoint{Lat: 18.4297, Lon: -69.6689},
			RadiusKm: 2,
			OnEnter:  Rule{Notification: "Entering airport zone - $200 surcharge", Surcharge: 200, Alert: true},
			OnExit:   Rule{Notification: "Leaving airport zone"},
			Active:   true,
		},
		{
			ID:       "gf_service_area",
			Name:     "Santo Domingo service area",
			Type:     TypeBoundary,
			Center:   models.GeoPoint{Lat: 18.4861, Lon: -69.9312},
			RadiusKm: 25,
			OnEnter:  Rule{Notification: "Inside the service area"},
			OnExit:   Rule{Notification: "Leaving the service area - new trips are not allowed", Alert: true},
			Active:   true,
		},
		{
			ID:       "gf_high_demand",
			Name:     "Zona Colonial - high demand",
			Type:     TypeDynamicPricing,
			Center:   models.GeoPoint{Lat: 18.4655, Lon: -69.8988},
			RadiusKm: 1.5,
			OnEnter:  Rule{Notification: "High demand zone - fares +50%", Multiplier: 1.5},
			OnExit:   Rule{Notification: "Leaving high demand zone", Multiplier: 1},
			Schedule: &Schedule{Days: Weekdays{time.Friday, time.Saturday}, HourStart: 18, HourEnd: 23},
			Active:   true,
		},
		{
			ID:              "gf_restricted",
			Name:            "Los Tres Brazos - restricted",
			Type:            TypeRestricted,
			Center:          models.GeoPoint{Lat: 18.5142, Lon: -69.8574},
			RadiusKm:        2,
			OnEnter:         Rule{Notification: "Restricted zone after 10PM"},
			OnExit:          Rule{Notification: "Leaving restricted zone"},
			RestrictedHours: &HourWindow{Start: 22, End: 6},
			Active:          true,
		},
		{
			ID:       "gf_event",
			Name:     "Estadio Quisqueya - special event",
			Type:     TypeEvent,
			Center:   models.GeoPoint{Lat: 18.4801, Lon: -69.9142},
			RadiusKm: 1,
			OnEnter:  Rule{Notification: "Event in progress - special fares active", Surcharge: 100, Multiplier: 1.3},
			OnExit:   Rule{Notification: "Leaving event zone"},
			Active:   false,
		},
	}
}
