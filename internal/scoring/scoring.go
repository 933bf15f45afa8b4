// Package scoring ranks dispatch candidates with a fixed weighted formula.
package scoring

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

// Component weights. They sum to 100.
const (
	DistanceWeight   = 40.0
	RatingWeight     = 30.0
	AcceptanceWeight = 20.0
	ExperienceWeight = 10.0

	distanceCutoffKm   = 10.0
	experienceCapTrips = 1000

	DefaultRating         = 4.0
	DefaultAcceptanceRate = 0.8
)

// Score returns the candidate's rank in [0,100], rounded to two decimals.
func Score(c models.Candidate) float64 {
	rating := c.Rating
	if rating <= 0 {
		rating = DefaultRating
	}
	acceptance := c.AcceptanceRate
	if acceptance <= 0 {
		acceptance = DefaultAcceptanceRate
	}
	trips := c.CompletedTrips
	if trips < 0 {
		trips = 0
	}
	if trips > experienceCapTrips {
		trips = experienceCapTrips
	}

	score := clamp01((distanceCutoffKm-c.DistanceKm)/distanceCutoffKm) * DistanceWeight
	score += clamp01(rating/5) * RatingWeight
	score += clamp01(acceptance) * AcceptanceWeight
	score += float64(trips) / experienceCapTrips * ExperienceWeight
	return math.Round(score*100) / 100
}

// Rank scores every candidate and orders them best first. Ties go to the
// nearer candidate, then to the lower id.
func Rank(cands []models.Candidate) []models.ScoredCandidate {
	out := make([]models.ScoredCandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, models.ScoredCandidate{Candidate: c, Score: Score(c)})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.ID < b.ID
	})
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
