// Package matcher runs dispatch sessions: search, rank, notify one driver at
// a time, and expand the radius until a driver accepts or the search runs out.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/scoring"
	"github.com/example/ride-dispatch/internal/search"
)

var (
	ErrCancelled     = errors.New("dispatch cancelled by rider")
	errSearchTimeout = errors.New("dispatch search time exceeded")
)

type BlocklistProvider interface {
	GetBlocked(ctx context.Context, riderID string) (models.IDSet, error)
}

// NotificationGateway fires an offer and waits, bounded, for the reply.
type NotificationGateway interface {
	Notify(ctx context.Context, driverID string, trip models.TripSummary) (string, error)
	AwaitResponse(ctx context.Context, requestID string, timeout time.Duration) (models.DriverResponse, error)
}

// TripStore receives the final outcome of each session.
type TripStore interface {
	Assign(ctx context.Context, tripID, driverID string) error
	Fail(ctx context.Context, tripID, reason string) error
}

type Service struct {
	Search          *search.Searcher
	Blocklist       BlocklistProvider
	Gateway         NotificationGateway
	Store           TripStore
	ETA             *eta.Estimator // optional
	ResponseTimeout time.Duration
	ExpandDelay     time.Duration
	Logger          *slog.Logger

	now func() time.Time
}

func NewService(s *search.Searcher, bl BlocklistProvider, gw NotificationGateway, store TripStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Search:          s,
		Blocklist:       bl,
		Gateway:         gw,
		Store:           store,
		ResponseTimeout: 15 * time.Second,
		ExpandDelay:     3 * time.Second,
		Logger:          logger.With("component", "matcher"),
		now:             time.Now,
	}
}

// Start runs sess on its own goroutine. Callers register the session first
// so it can be found and cancelled while it runs.
func (s *Service) Start(ctx context.Context, sess *Session) {
	go s.Run(ctx, sess)
}

// Run drives sess to a terminal status and returns its outcome. Exhaustion
// and cancellation are outcomes, not errors.
func (s *Service) Run(parent context.Context, sess *Session) Outcome {
	start := s.now()
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	if sess.bind(cancel, start) {
		cancel(ErrCancelled)
	}
	if s.Search.MaxSearchTime > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithDeadlineCause(ctx, start.Add(s.Search.MaxSearchTime), errSearchTimeout)
		defer stop()
	}

	observability.DispatchActive.Inc()
	defer observability.DispatchActive.Dec()

	req := sess.Request
	log := s.Logger.With("trip_id", req.TripID, "rider_id", req.RiderID)
	log.Info("dispatch started")

	blocked := models.IDSet{}
	if s.Blocklist != nil {
		if b, err := s.Blocklist.GetBlocked(ctx, req.RiderID); err != nil {
			log.Warn("blocklist lookup failed; continuing without it", "error", err)
		} else if b != nil {
			blocked = b
		}
	}

	summary := models.TripSummary{
		TripID:      req.TripID,
		RiderID:     req.RiderID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
	}
	if !req.Destination.IsZero() {
		summary.DistanceKm = geo.DistanceKm(req.Pickup, req.Destination)
	}

	from := 0
	for {
		sess.setStatus(StatusSearching)
		res, err := s.Search.Search(ctx, search.Query{
			Center:    req.Pickup,
			Excluded:  blocked.Union(sess.rejectedSnapshot()),
			From:      from,
			StartedAt: start,
		})
		sess.setRadius(res.RadiusIndex, res.RadiusKm, res.Attempts)
		if err != nil {
			return s.end(ctx, sess, start, nil, err, log)
		}

		sess.setStatus(StatusRanking)
		ranked := scoring.Rank(res.Candidates)
		log.Info("candidates ranked", "radius_km", res.RadiusKm, "count", len(ranked))

		for i := range ranked {
			cand := ranked[i]
			if sess.isRejected(cand.ID) || blocked.Has(cand.ID) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return s.end(ctx, sess, start, nil, err, log)
			}
			resp, err := s.notify(ctx, sess, cand, summary, log)
			if err != nil {
				return s.end(ctx, sess, start, nil, err, log)
			}
			if resp == models.ResponseAccepted {
				return s.end(ctx, sess, start, &cand, nil, log)
			}
			sess.reject(cand.ID)
		}

		from = res.RadiusIndex + 1
		if from >= len(s.Search.Radii) {
			return s.end(ctx, sess, start, nil, search.ErrExhausted, log)
		}
		sess.setStatus(StatusSearching)
		if err := search.Sleep(ctx, s.ExpandDelay); err != nil {
			return s.end(ctx, sess, start, nil, err, log)
		}
	}
}

// notify sends one offer and waits for the reply. Gateway failures are a
// TIMEOUT; only context errors are returned.
func (s *Service) notify(ctx context.Context, sess *Session, cand models.ScoredCandidate, trip models.TripSummary, log *slog.Logger) (models.DriverResponse, error) {
	sess.setNotifying(cand.ID)
	log = log.With("driver_id", cand.ID, "score", cand.Score, "distance_km", cand.DistanceKm)

	reqID, err := s.Gateway.Notify(ctx, cand.ID, trip)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn("notify failed; treating as timeout", "error", err)
		observability.Notifications.WithLabelValues(string(models.ResponseTimeout)).Inc()
		return models.ResponseTimeout, nil
	}
	resp, err := s.Gateway.AwaitResponse(ctx, reqID, s.ResponseTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn("await response failed; treating as timeout", "error", err)
		resp = models.ResponseTimeout
	}
	observability.Notifications.WithLabelValues(string(resp)).Inc()
	log.Info("driver responded", "response", resp)
	return resp, nil
}

func (s *Service) end(ctx context.Context, sess *Session, start time.Time, driver *models.ScoredCandidate, err error, log *slog.Logger) Outcome {
	_, radiusKm, attempts, rejections := sess.counters()
	o := Outcome{
		TripID:     sess.Request.TripID,
		RadiusKm:   radiusKm,
		Attempts:   attempts,
		Rejections: rejections,
		Elapsed:    s.now().Sub(start),
	}
	o.ElapsedMs = o.Elapsed.Milliseconds()

	switch {
	case driver != nil:
		o.Status = StatusMatched
		o.Driver = driver
		if s.ETA != nil {
			o.PickupETASeconds = s.ETA.Seconds(ctx, driver.Location, sess.Request.Pickup)
		}
	case sess.isCancelled() || errors.Is(context.Cause(ctx), ErrCancelled):
		o.Status = StatusCancelled
		o.Reason = ReasonCancelled
	case errors.Is(err, search.ErrExhausted) || errors.Is(context.Cause(ctx), errSearchTimeout):
		o.Status = StatusExhausted
		o.Reason = ReasonNoDrivers
		o.RadiusKm = s.maxRadiusSearched(radiusKm)
	default:
		// parent context ended (shutdown); report it as a cancellation
		o.Status = StatusCancelled
		o.Reason = ReasonCancelled
		log.Warn("dispatch aborted", "error", err)
	}

	s.record(ctx, o, log)
	observability.DispatchSessions.WithLabelValues(string(o.Status)).Inc()
	observability.DispatchDuration.WithLabelValues(string(o.Status)).Observe(o.Elapsed.Seconds())
	log.Info("dispatch finished", "status", o.Status, "radius_km", o.RadiusKm, "attempts", o.Attempts, "rejections", o.Rejections, "elapsed_ms", o.ElapsedMs)
	return sess.finish(o)
}

func (s *Service) maxRadiusSearched(last float64) float64 {
	if last > 0 {
		return last
	}
	if n := len(s.Search.Radii); n > 0 {
		return s.Search.Radii[0]
	}
	return 0
}

func (s *Service) record(ctx context.Context, o Outcome, log *slog.Logger) {
	if s.Store == nil {
		return
	}
	// the session context is usually done by now
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	var err error
	if o.Status == StatusMatched {
		err = s.Store.Assign(wctx, o.TripID, o.Driver.ID)
	} else {
		err = s.Store.Fail(wctx, o.TripID, o.Reason)
	}
	if err != nil {
		log.Error("trip store update failed", "error", err)
	}
}
