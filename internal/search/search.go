// Package search walks an increasing radius sequence against a driver pool
// until a radius yields at least one eligible candidate.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ErrExhausted is returned when the radius sequence or the search time
// budget runs out without an eligible candidate.
var ErrExhausted = errors.New("search exhausted")

// Pool is the driver pool provider.
type Pool interface {
	FindNear(ctx context.Context, center models.GeoPoint, radiusKm float64, exclude models.IDSet) ([]models.Candidate, error)
}

type Searcher struct {
	Pool              Pool
	Radii             []float64
	InterAttemptDelay time.Duration
	MaxSearchTime     time.Duration
	Logger            *slog.Logger

	now func() time.Time
}

func New(pool Pool, radii []float64, delay, maxSearch time.Duration, logger *slog.Logger) (*Searcher, error) {
	if err := ValidateRadii(radii); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		Pool:              pool,
		Radii:             append([]float64(nil), radii...),
		InterAttemptDelay: delay,
		MaxSearchTime:     maxSearch,
		Logger:            logger,
		now:               time.Now,
	}, nil
}

// ValidateRadii checks that the sequence is non-empty, positive and strictly increasing.
func ValidateRadii(radii []float64) error {
	if len(radii) == 0 {
		return errors.New("radius sequence is empty")
	}
	for i, r := range radii {
		if r <= 0 {
			return fmt.Errorf("radius %v at position %d must be > 0", r, i)
		}
		if i > 0 && r <= radii[i-1] {
			return fmt.Errorf("radius sequence must be strictly increasing: %v after %v", r, radii[i-1])
		}
	}
	return nil
}

type Query struct {
	Center   models.GeoPoint
	Excluded models.IDSet
	// From is the index in the radius sequence to start at.
	From int
	// StartedAt anchors the total search time budget.
	StartedAt time.Time
}

type Result struct {
	RadiusIndex int
	RadiusKm    float64
	Candidates  []models.Candidate
	// Attempts is the number of radii queried by this call.
	Attempts int
	// Returned counts what the pool returned at the final radius before exclusion.
	Returned int
}

// Search queries the pool at each radius from q.From on. It stops at the
// first radius with a non-excluded candidate. On ErrExhausted the returned
// Result still carries the attempt count and the last radius queried.
// Pool failures count as an empty attempt.
func (s *Searcher) Search(ctx context.Context, q Query) (Result, error) {
	res := Result{RadiusIndex: q.From - 1}
	if q.From > 0 && q.From <= len(s.Radii) {
		res.RadiusKm = s.Radii[q.From-1]
	}
	started := q.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	for i := q.From; i < len(s.Radii); i++ {
		if i > q.From {
			if err := Sleep(ctx, s.InterAttemptDelay); err != nil {
				return res, err
			}
		}
		if s.MaxSearchTime > 0 && s.now().Sub(started) > s.MaxSearchTime {
			s.Logger.Info("search time budget spent", "elapsed", s.now().Sub(started).String())
			return res, ErrExhausted
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		radius := s.Radii[i]
		res.RadiusIndex, res.RadiusKm = i, radius
		res.Attempts++
		observability.SearchAttempts.Inc()

		found, err := s.Pool.FindNear(ctx, q.Center, radius, q.Excluded)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			s.Logger.Warn("driver pool query failed", "radius_km", radius, "error", err)
			found = nil
		}
		res.Returned = len(found)
		eligible := make([]models.Candidate, 0, len(found))
		for _, c := range found {
			if q.Excluded.Has(c.ID) {
				continue
			}
			if !c.Location.IsZero() {
				c.DistanceKm = geo.DistanceKm(q.Center, c.Location)
			}
			eligible = append(eligible, c)
		}
		s.Logger.Debug("search attempt", "attempt", i+1, "radius_km", radius, "returned", len(found), "eligible", len(eligible))
		if len(eligible) > 0 {
			res.Candidates = eligible
			return res, nil
		}
	}
	return res, ErrExhausted
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
