// Package eta estimates pickup times, from a routing engine when one is
// configured and from straight-line distance otherwise.
package eta

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// citySpeedMps is used when no speed is configured (about 29 km/h).
const citySpeedMps = 8.0

// Client is a routing engine that can answer pickup ETAs.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.GeoPoint) (float64, error)
}

// routeKey buckets both ends to ~0.1 m so jittered pings share an entry.
type routeKey struct {
	fromLat, fromLon, toLat, toLon int64
}

func keyFor(from, to models.GeoPoint) routeKey {
	q := func(v float64) int64 { return int64(math.Round(v * 1e6)) }
	return routeKey{q(from.Lat), q(from.Lon), q(to.Lat), q(to.Lon)}
}

type cached struct {
	seconds float64
	expires time.Time
}

// Cache holds routed answers for a fixed TTL.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[routeKey]cached
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now, entries: make(map[routeKey]cached)}
}

func (c *Cache) Get(from, to models.GeoPoint) (float64, bool) {
	k := keyFor(from, to)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return 0, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, k)
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(from, to models.GeoPoint, seconds float64) {
	c.mu.Lock()
	c.entries[keyFor(from, to)] = cached{seconds: seconds, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// EstimateSeconds is the straight-line travel time at speedMps.
func EstimateSeconds(from, to models.GeoPoint, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = citySpeedMps
	}
	return geo.DistanceKm(from, to) * 1000 / speedMps
}

// Estimator asks Client first and falls back to EstimateSeconds. Only routed
// answers are cached.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

func (e *Estimator) Seconds(ctx context.Context, from, to models.GeoPoint) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client == nil {
		return EstimateSeconds(from, to, e.SpeedMps)
	}
	v, err := e.Client.EstimateSeconds(ctx, from, to)
	if err != nil {
		return EstimateSeconds(from, to, e.SpeedMps)
	}
	if e.Cache != nil {
		e.Cache.Set(from, to, v)
	}
	return v
}
