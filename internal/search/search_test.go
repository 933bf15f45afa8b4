package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var radii = []float64{1, 2, 3, 5, 8, 12}

// fakePool returns canned candidates per radius and records the radii asked for.
type fakePool struct {
	byRadius map[float64][]models.Candidate
	fail     map[float64]bool
	calls    []float64
}

func (f *fakePool) FindNear(_ context.Context, _ models.GeoPoint, radiusKm float64, _ models.IDSet) ([]models.Candidate, error) {
	f.calls = append(f.calls, radiusKm)
	if f.fail[radiusKm] {
		return nil, errors.New("connection reset")
	}
	return f.byRadius[radiusKm], nil
}

func newTestSearcher(t *testing.T, p Pool) *Searcher {
	t.Helper()
	s, err := New(p, radii, 0, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSearchFindsAtThirdRadius(t *testing.T) {
	p := &fakePool{byRadius: map[float64][]models.Candidate{
		3: {{ID: "d1", DistanceKm: 2.5}},
	}}
	s := newTestSearcher(t, p)
	res, err := s.Search(context.Background(), Query{})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Attempts != 3 || res.RadiusKm != 3 || res.RadiusIndex != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].ID != "d1" {
		t.Fatalf("unexpected candidates %+v", res.Candidates)
	}
}

func TestSearchSkipsExcluded(t *testing.T) {
	p := &fakePool{byRadius: map[float64][]models.Candidate{
		1: {{ID: "blocked"}},
		2: {{ID: "blocked"}, {ID: "ok"}},
	}}
	s := newTestSearcher(t, p)
	res, err := s.Search(context.Background(), Query{Excluded: models.NewIDSet("blocked")})
	if err != nil {
		t.Fatal(err)
	}
	if res.RadiusKm != 2 || len(res.Candidates) != 1 || res.Candidates[0].ID != "ok" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Returned != 2 {
		t.Fatalf("expected 2 returned before exclusion, got %d", res.Returned)
	}
}

func TestSearchExhaustsWithinSequence(t *testing.T) {
	p := &fakePool{byRadius: map[float64][]models.Candidate{}}
	s := newTestSearcher(t, p)
	res, err := s.Search(context.Background(), Query{})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if res.Attempts != len(radii) || res.RadiusKm != 12 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(p.calls) > len(radii) {
		t.Fatalf("more attempts than radii: %v", p.calls)
	}
}

func TestSearchProviderErrorIsEmptyAttempt(t *testing.T) {
	p := &fakePool{
		byRadius: map[float64][]models.Candidate{1: {{ID: "x"}}, 2: {{ID: "d2"}}},
		fail:     map[float64]bool{1: true},
	}
	s := newTestSearcher(t, p)
	res, err := s.Search(context.Background(), Query{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 2 || res.Candidates[0].ID != "d2" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSearchResumesFromIndex(t *testing.T) {
	p := &fakePool{byRadius: map[float64][]models.Candidate{
		1: {{ID: "a"}},
		8: {{ID: "b"}},
	}}
	s := newTestSearcher(t, p)
	res, err := s.Search(context.Background(), Query{From: 3})
	if err != nil {
		t.Fatal(err)
	}
	if res.RadiusKm != 8 || res.Attempts != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if p.calls[0] != 5 {
		t.Fatalf("expected to resume at 5 km, got %v", p.calls)
	}
}

func TestSearchStopsAtMaxSearchTime(t *testing.T) {
	p := &fakePool{byRadius: map[float64][]models.Candidate{}}
	s := newTestSearcher(t, p)
	s.MaxSearchTime = time.Minute
	clock := time.Date(2026, 10, 13, 12, 0, 0, 0, time.UTC)
	start := clock
	s.now = func() time.Time {
		clock = clock.Add(25 * time.Second)
		return clock
	}
	res, err := s.Search(context.Background(), Query{StartedAt: start})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if res.Attempts >= len(radii) {
		t.Fatalf("expected the time budget to cut the sequence short, got %d attempts", res.Attempts)
	}
}

func TestSearchHonoursCancellation(t *testing.T) {
	p := &fakePool{byRadius: map[float64][]models.Candidate{}}
	s := newTestSearcher(t, p)
	s.InterAttemptDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := s.Search(ctx, Query{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(p.calls) != 1 {
		t.Fatalf("expected exactly one attempt before cancellation, got %v", p.calls)
	}
}

func TestValidateRadii(t *testing.T) {
	bad := [][]float64{nil, {0, 1}, {1, 1}, {2, 1}, {-1}}
	for _, r := range bad {
		if err := ValidateRadii(r); err == nil {
			t.Fatalf("expected error for %v", r)
		}
	}
	if err := ValidateRadii(radii); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
