package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/geofence"
	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryStoreOutcomes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateTrip(ctx, models.TripRequest{TripID: "t1", RiderID: "r1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Assign(ctx, "t1", "d1"); err != nil {
		t.Fatal(err)
	}
	r, err := s.GetTrip(ctx, "t1")
	if err != nil || r.Status != TripAssigned || r.DriverID != "d1" || r.RiderID != "r1" {
		t.Fatalf("unexpected record %+v err=%v", r, err)
	}
	_ = s.Fail(ctx, "t1", "rider_cancelled")
	r, _ = s.GetTrip(ctx, "t1")
	if r.Status != TripFailed || r.DriverID != "" || r.Reason != "rider_cancelled" {
		t.Fatalf("unexpected record %+v", r)
	}
	if _, err := s.GetTrip(ctx, "missing"); !errors.Is(err, ErrTripNotFound) {
		t.Fatalf("expected ErrTripNotFound, got %v", err)
	}
}

func TestMemoryBlocklistReturnsCopy(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBlocklist()
	_ = b.Block(ctx, "r1", "d1")
	_ = b.Block(ctx, "r1", "d2")
	set, _ := b.GetBlocked(ctx, "r1")
	set.Add("d3")
	again, _ := b.GetBlocked(ctx, "r1")
	if len(again) != 2 || !again.Has("d1") || again.Has("d3") {
		t.Fatalf("unexpected blocklist %v", again)
	}
	_ = b.Unblock(ctx, "r1", "d1")
	again, _ = b.GetBlocked(ctx, "r1")
	if again.Has("d1") {
		t.Fatal("unblock did not remove d1")
	}
	if none, _ := b.GetBlocked(ctx, "nobody"); len(none) != 0 {
		t.Fatalf("expected empty set, got %v", none)
	}
}

func TestMemoryHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHistory(3)
	for i := 0; i < 5; i++ {
		entity := "a"
		if i%2 == 1 {
			entity = "b"
		}
		_ = h.Publish(ctx, []geofence.Event{{ID: strconv.Itoa(i), EntityID: entity}})
	}
	all, _ := h.Recent(ctx, "", 10)
	if len(all) != 3 || all[0].ID != "4" || all[2].ID != "2" {
		t.Fatalf("unexpected ring contents %+v", all)
	}
	onlyA, _ := h.Recent(ctx, "a", 10)
	if len(onlyA) != 2 || onlyA[0].ID != "4" || onlyA[1].ID != "2" {
		t.Fatalf("unexpected filter %+v", onlyA)
	}
	one, _ := h.Recent(ctx, "", 1)
	if len(one) != 1 || one[0].ID != "4" {
		t.Fatalf("unexpected limit %+v", one)
	}
	if none, _ := h.Recent(ctx, "", 0); len(none) != 0 {
		t.Fatalf("expected nothing for limit 0, got %+v", none)
	}
}

func TestGeofenceFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := &GeofenceFile{Path: filepath.Join(t.TempDir(), "geofences.json")}
	for _, g := range geofence.DefaultZones() {
		if err := f.Save(ctx, g); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.SetActive(ctx, "gf_event", true); err != nil {
		t.Fatal(err)
	}
	if err := f.SetActive(ctx, "nope", true); !errors.Is(err, geofence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	fences, err := f.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(fences) != 5 || !fences[4].Active || fences[2].Schedule == nil || fences[3].RestrictedHours.Start != 22 {
		t.Fatalf("unexpected fences %+v", fences)
	}
}

func TestGeofenceFileRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`[{"id":"x","name":"X","type":"surcharge","radius_km":1}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	f := &GeofenceFile{Path: path}
	if _, err := f.Load(context.Background()); !errors.Is(err, geofence.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	ctx := context.Background()
	p, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := p.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.CreateTrip(ctx, models.TripRequest{TripID: "pg-t1", RiderID: "r1", Pickup: models.GeoPoint{Lat: 18.48, Lon: -69.93}}); err != nil {
		t.Fatal(err)
	}
	if err := p.Assign(ctx, "pg-t1", "d1"); err != nil {
		t.Fatal(err)
	}
	r, err := p.GetTrip(ctx, "pg-t1")
	if err != nil || r.Status != TripAssigned || r.DriverID != "d1" {
		t.Fatalf("unexpected record %+v err=%v", r, err)
	}
	if err := p.Fail(ctx, "pg-missing", "x"); !errors.Is(err, ErrTripNotFound) {
		t.Fatalf("expected ErrTripNotFound, got %v", err)
	}
}

func TestRedisMembershipSharedAcrossEvaluators(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rc := redis.NewClient(&redis.Options{Addr: addr})
	defer rc.Close()
	store := NewRedisMembership(rc, time.Minute)
	if err := store.Forget(ctx, "shared-d1"); err != nil {
		t.Fatal(err)
	}
	defer store.Forget(ctx, "shared-d1")

	airport := geofence.DefaultZones()[0]
	evaluator := func() *geofence.Evaluator {
		c, err := geofence.NewCatalog([]geofence.Geofence{airport})
		if err != nil {
			t.Fatal(err)
		}
		return geofence.NewEvaluator(c, store, time.UTC)
	}
	server, consumer := evaluator(), evaluator()
	now := time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC)

	evs, err := consumer.Evaluate(ctx, "shared-d1", geofence.EntityDriver, airport.Center, now)
	if err != nil || len(evs) != 1 || evs[0].Action != geofence.ActionEnter {
		t.Fatalf("expected ENTER from the first evaluator, got %+v %v", evs, err)
	}
	evs, err = server.Evaluate(ctx, "shared-d1", geofence.EntityDriver, airport.Center, now)
	if err != nil || len(evs) != 0 {
		t.Fatalf("second evaluator must not re-enter, got %+v %v", evs, err)
	}
	st, ok, err := server.Status(ctx, "shared-d1")
	if err != nil || !ok || len(st.Zones) != 1 || !st.Zones[0].Since.Equal(now) {
		t.Fatalf("unexpected status %+v ok=%v err=%v", st, ok, err)
	}
}
