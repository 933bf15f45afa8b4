package geo

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo implements Pool using Redis GEO commands. Driver metadata lives in
// a hash per driver next to the GEO set.
type RedisGeo struct {
	client *redis.Client
	key    string
	limit  int
	logger *slog.Logger
}

func NewRedisGeo(client *redis.Client, key string, limit int, logger *slog.Logger) *RedisGeo {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGeo{client: client, key: key, limit: limit, logger: logger.With("component", "redis_geo")}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", d.ID, err)
	}
	if err := r.client.HSet(ctx, MetaKey(d.ID), MetaFields(d)).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", d.ID, err)
	}
	return nil
}

// MetaFields is the hash layout shared with the location consumer.
func MetaFields(d models.Driver) map[string]interface{} {
	return map[string]interface{}{
		"name":            d.Name,
		"rating":          strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"acceptance_rate": strconv.FormatFloat(d.AcceptanceRate, 'f', -1, 64),
		"completed_trips": strconv.Itoa(d.CompletedTrips),
		"online":          strconv.FormatBool(d.Online),
		"updated":         time.Now().Format(time.RFC3339),
	}
}

func (r *RedisGeo) FindNear(ctx context.Context, center models.GeoPoint, radiusKm float64, exclude models.IDSet) ([]models.Candidate, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      r.limit,
		},
		WithCoord: true,
		WithDist:  true,
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, q).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch %s: %w", r.key, err)
	}
	hits := make([]redis.GeoLocation, 0, len(res))
	for _, g := range res {
		if !exclude.Has(g.Name) {
			hits = append(hits, g)
		}
	}
	if len(hits) == 0 {
		return []models.Candidate{}, nil
	}

	// one round trip for every driver's metadata; failed reads are judged
	// per command below
	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(hits))
	for i, g := range hits {
		metas[i] = pipe.HGetAll(ctx, MetaKey(g.Name))
	}
	_, _ = pipe.Exec(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return candidatesFromHits(hits, metas, r.logger)
}

// candidatesFromHits pairs GEOSEARCH hits with their metadata reads. A driver
// whose metadata could not be read, or who is marked offline, is skipped.
// Only a batch where every read failed is an error.
func candidatesFromHits(hits []redis.GeoLocation, metas []*redis.MapStringStringCmd, logger *slog.Logger) ([]models.Candidate, error) {
	out := make([]models.Candidate, 0, len(hits))
	var failed int
	var lastErr error
	for i, g := range hits {
		m, err := metas[i].Result()
		if err != nil {
			failed++
			lastErr = err
			logger.Warn("skip driver with unreadable metadata", "driver_id", g.Name, "error", err)
			continue
		}
		if v, ok := m["online"]; ok && v != "true" {
			continue
		}
		c := models.Candidate{
			ID:         g.Name,
			Location:   models.GeoPoint{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
		}
		applyMeta(&c, m)
		out = append(out, c)
	}
	if failed > 0 && failed == len(hits) {
		return nil, fmt.Errorf("hgetall driver metadata: %w", lastErr)
	}
	return out, nil
}

func applyMeta(c *models.Candidate, m map[string]string) {
	c.Name = m["name"]
	if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		c.Rating = f
	}
	if f, err := strconv.ParseFloat(m["acceptance_rate"], 64); err == nil {
		c.AcceptanceRate = f
	}
	if n, err := strconv.Atoi(m["completed_trips"]); err == nil {
		c.CompletedTrips = n
	}
}

func MetaKey(id string) string { return "driver:meta:" + id }
