package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const earthRadiusKm = 6371.0

// Pool is the driver pool used by candidate search and the location handlers.
type Pool interface {
	FindNear(ctx context.Context, center models.GeoPoint, radiusKm float64, exclude models.IDSet) ([]models.Candidate, error)
	Upsert(ctx context.Context, d models.Driver) error
}

// Index is an in-memory driver pool. It keeps the drivers_online gauge in
// step with its contents.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	online  int
	limit   int
}

func NewIndex(limit int) *Index {
	return &Index{drivers: make(map[string]models.Driver), limit: limit}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	if prev, ok := g.drivers[d.ID]; ok && prev.Online {
		g.online--
	}
	if d.Online {
		g.online++
	}
	g.drivers[d.ID] = d
	observability.DriversOnline.Set(float64(g.online))
	return nil
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.drivers[id]; ok && prev.Online {
		g.online--
	}
	delete(g.drivers, id)
	observability.DriversOnline.Set(float64(g.online))
}

// Online is the number of online drivers in the pool.
func (g *Index) Online() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.online
}

// FindNear returns online drivers within radiusKm of center, nearest first.
// naive scan; in prod use geo-hash or H3
func (g *Index) FindNear(_ context.Context, center models.GeoPoint, radiusKm float64, exclude models.IDSet) ([]models.Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Candidate, 0)
	for _, d := range g.drivers {
		if !d.Online || exclude.Has(d.ID) {
			continue
		}
		dist := DistanceKm(center, d.Loc)
		if dist > radiusKm {
			continue
		}
		c := models.CandidateFromDriver(d)
		c.DistanceKm = dist
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	if g.limit > 0 && len(out) > g.limit {
		out = out[:g.limit]
	}
	return out, nil
}

// Haversine distance in kilometres
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func DistanceKm(a, b models.GeoPoint) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// OffsetNorth returns the point km kilometres due north of p.
func OffsetNorth(p models.GeoPoint, km float64) models.GeoPoint {
	return models.GeoPoint{Lat: p.Lat + km/earthRadiusKm*180/math.Pi, Lon: p.Lon}
}
