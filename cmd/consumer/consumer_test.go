package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/geofence"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	geoKey   string
	hash     map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	f.geoKey = key
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.hash = values
	return nil
}

type fakePinger struct{ pings []geofence.Ping }

func (f *fakePinger) Submit(_ context.Context, p geofence.Ping) error {
	f.pings = append(f.pings, p)
	return nil
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	d := &models.Driver{ID: "d1", Loc: models.GeoPoint{Lat: 1, Lon: 2}, Rating: 4.5, Online: true}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, "drivers_geo", d, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.geoKey != "drivers_geo" || f.hash["rating"] != "4.5" || f.hash["online"] != "true" {
		t.Fatalf("unexpected redis writes key=%s hash=%v", f.geoKey, f.hash)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	d := &models.Driver{ID: "d1", Loc: models.GeoPoint{Lat: 1, Lon: 2}, Rating: 4.5, Online: true}
	if err := updateRedisWithRetry(context.Background(), f, "drivers_geo", d, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &models.Driver{ID: "d1", Loc: models.GeoPoint{Lat: 1, Lon: 2}}
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", d, 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.geoCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", f.geoCalls)
	}
}

func newHandler(t *testing.T) (*handler, *fakeUpdater, *fakePinger) {
	t.Helper()
	catalog, err := geofence.NewCatalog(geofence.DefaultZones())
	if err != nil {
		t.Fatal(err)
	}
	f, p := &fakeUpdater{}, &fakePinger{}
	return &handler{
		redis:  f,
		geoKey: "drivers_geo",
		router: p,
		eval:   geofence.NewEvaluator(catalog, nil, time.UTC),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, f, p
}

func message(t *testing.T, u models.LocationUpdate) []byte {
	t.Helper()
	b, err := json.Marshal(u)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHandleDriverPing(t *testing.T) {
	h, f, p := newHandler(t)
	loc := models.GeoPoint{Lat: 18.4861, Lon: -69.9312}
	d := &models.Driver{ID: "d1", Loc: loc, Online: true}
	h.handle(context.Background(), message(t, models.LocationUpdate{EntityID: "d1", EntityType: "driver", Loc: loc, Driver: d}))

	if f.geoCalls != 1 || f.hCalls != 1 {
		t.Fatalf("expected one redis write, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if len(p.pings) != 1 || p.pings[0].EntityType != geofence.EntityDriver || p.pings[0].At.IsZero() {
		t.Fatalf("unexpected pings %+v", p.pings)
	}
}

func TestHandleRiderPingSkipsRedis(t *testing.T) {
	h, f, p := newHandler(t)
	loc := models.GeoPoint{Lat: 18.4297, Lon: -69.6689}
	at := time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC)
	h.handle(context.Background(), message(t, models.LocationUpdate{EntityID: "r1", EntityType: "rider", Loc: loc, At: at}))

	if f.geoCalls != 0 {
		t.Fatalf("rider pings must not touch the driver pool")
	}
	if len(p.pings) != 1 || !p.pings[0].At.Equal(at) {
		t.Fatalf("unexpected pings %+v", p.pings)
	}
}

func TestHandleOfflineDriverIsForgotten(t *testing.T) {
	h, _, p := newHandler(t)
	loc := models.GeoPoint{Lat: 18.4861, Lon: -69.9312}
	ctx := context.Background()
	if _, err := h.eval.Evaluate(ctx, "d1", geofence.EntityDriver, loc, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := h.eval.Status(ctx, "d1"); !ok {
		t.Fatal("expected tracked state before going offline")
	}

	d := &models.Driver{ID: "d1", Loc: loc, Online: false}
	h.handle(ctx, message(t, models.LocationUpdate{EntityID: "d1", EntityType: "driver", Loc: loc, Driver: d}))

	if _, ok, _ := h.eval.Status(ctx, "d1"); ok {
		t.Fatal("offline driver should be forgotten")
	}
	if len(p.pings) != 0 {
		t.Fatalf("offline driver should not be evaluated, got %+v", p.pings)
	}
}

func TestHandleRejectsInvalidMessages(t *testing.T) {
	h, f, p := newHandler(t)
	h.handle(context.Background(), []byte("{not json"))
	h.handle(context.Background(), message(t, models.LocationUpdate{EntityID: "x", EntityType: "boat", Loc: models.GeoPoint{Lat: 1, Lon: 1}}))
	h.handle(context.Background(), message(t, models.LocationUpdate{EntityType: "rider", Loc: models.GeoPoint{Lat: 1, Lon: 1}}))
	if f.geoCalls != 0 || len(p.pings) != 0 {
		t.Fatalf("invalid messages must be dropped, got geo=%d pings=%d", f.geoCalls, len(p.pings))
	}
}
