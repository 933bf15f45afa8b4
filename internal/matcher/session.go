package matcher

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusSearching Status = "SEARCHING"
	StatusRanking   Status = "RANKING"
	StatusNotifying Status = "NOTIFYING"
	StatusMatched   Status = "MATCHED"
	StatusExhausted Status = "EXHAUSTED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == StatusMatched || s == StatusExhausted || s == StatusCancelled
}

const (
	ReasonNoDrivers = "no_drivers_available"
	ReasonCancelled = "rider_cancelled"
)

// Outcome is the terminal result of a session.
type Outcome struct {
	TripID           string                  `json:"trip_id"`
	Status           Status                  `json:"status"`
	Driver           *models.ScoredCandidate `json:"driver,omitempty"`
	RadiusKm         float64                 `json:"radius_km"`
	Attempts         int                     `json:"attempts"`
	Rejections       int                     `json:"rejections"`
	Elapsed          time.Duration           `json:"-"`
	ElapsedMs        int64                   `json:"elapsed_ms"`
	PickupETASeconds float64                 `json:"pickup_eta_seconds,omitempty"`
	Reason           string                  `json:"reason,omitempty"`
}

// View is a point-in-time copy of a session for callers.
type View struct {
	TripID      string    `json:"trip_id"`
	RiderID     string    `json:"rider_id"`
	Status      Status    `json:"status"`
	RadiusKm    float64   `json:"radius_km"`
	Attempts    int       `json:"attempts"`
	Rejected    []string  `json:"rejected_driver_ids"`
	NotifyingID string    `json:"notifying_driver_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Outcome     *Outcome  `json:"outcome,omitempty"`
}

// Session is one trip's dispatch attempt. It is owned by whoever created it;
// the orchestrator only mutates it from the goroutine running it.
type Session struct {
	Request models.TripRequest

	mu          sync.Mutex
	status      Status
	rejected    models.IDSet
	rejectOrder []string
	radiusIndex int
	radiusKm    float64
	attempts    int
	notifying   string
	startedAt   time.Time
	cancelled   bool
	cancel      context.CancelCauseFunc
	outcome     *Outcome
	callbacks   []func(Outcome)
	done        chan struct{}
}

func NewSession(req models.TripRequest) *Session {
	return &Session{
		Request:     req,
		status:      StatusIdle,
		rejected:    make(models.IDSet),
		radiusIndex: -1,
		done:        make(chan struct{}),
	}
}

// OnOutcome registers fn to run once when the session ends. Registering on
// a finished session runs fn immediately.
func (s *Session) OnOutcome(fn func(Outcome)) {
	s.mu.Lock()
	if s.outcome != nil {
		o := *s.outcome
		s.mu.Unlock()
		fn(o)
		return
	}
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Cancel aborts the session. Any outstanding wait on a driver is released
// and no further drivers are notified.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel(ErrCancelled)
	}
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return Outcome{}, false
	}
	return *s.outcome, true
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		TripID:      s.Request.TripID,
		RiderID:     s.Request.RiderID,
		Status:      s.status,
		RadiusKm:    s.radiusKm,
		Attempts:    s.attempts,
		Rejected:    append([]string(nil), s.rejectOrder...),
		NotifyingID: s.notifying,
		StartedAt:   s.startedAt,
	}
	if s.outcome != nil {
		o := *s.outcome
		v.Outcome = &o
	}
	return v
}

// RejectedIDs returns rejected drivers in rejection order.
func (s *Session) RejectedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rejectOrder...)
}

func (s *Session) bind(cancel context.CancelCauseFunc, startedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	s.startedAt = startedAt
	return s.cancelled
}

func (s *Session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	if st != StatusNotifying {
		s.notifying = ""
	}
	s.mu.Unlock()
}

func (s *Session) setRadius(index int, km float64, attempts int) {
	s.mu.Lock()
	s.radiusIndex, s.radiusKm = index, km
	s.attempts += attempts
	s.mu.Unlock()
}

func (s *Session) setNotifying(driverID string) {
	s.mu.Lock()
	s.status = StatusNotifying
	s.notifying = driverID
	s.mu.Unlock()
}

func (s *Session) reject(driverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejected.Has(driverID) {
		return
	}
	s.rejected.Add(driverID)
	s.rejectOrder = append(s.rejectOrder, driverID)
}

func (s *Session) rejectedSnapshot() models.IDSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected.Union()
}

func (s *Session) isRejected(driverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected.Has(driverID)
}

func (s *Session) counters() (radiusIndex int, radiusKm float64, attempts, rejections int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.radiusIndex, s.radiusKm, s.attempts, len(s.rejectOrder)
}

// finish records the outcome once and runs callbacks outside the lock.
func (s *Session) finish(o Outcome) Outcome {
	s.mu.Lock()
	if s.outcome != nil {
		prev := *s.outcome
		s.mu.Unlock()
		return prev
	}
	s.status = o.Status
	s.notifying = ""
	s.outcome = &o
	cbs := s.callbacks
	s.callbacks = nil
	s.mu.Unlock()

	for _, fn := range cbs {
		fn(o)
	}
	close(s.done)
	return o
}
