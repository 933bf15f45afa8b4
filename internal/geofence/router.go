package geofence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrRouterClosed = errors.New("geofence router closed")

// Sink receives emitted events. Implementations deliver them to pricing and
// notification consumers.
type Sink interface {
	Publish(ctx context.Context, events []Event) error
}

// History serves recent events, newest first.
type History interface {
	Sink
	Recent(ctx context.Context, entityID string, limit int) ([]Event, error)
}

type Ping struct {
	EntityID   string
	EntityType EntityType
	Point      models.GeoPoint
	At         time.Time
}

type job struct {
	ping  Ping
	reply chan checkResult
}

type checkResult struct {
	summary Summary
	err     error
}

// Router partitions pings over a fixed set of workers by entity id. All pings
// for one entity go to the same worker and are evaluated in arrival order.
type Router struct {
	eval   *Evaluator
	sink   Sink
	logger *slog.Logger
	queues []chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewRouter(eval *Evaluator, sink Sink, workers, queueSize int, logger *slog.Logger) *Router {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		eval:   eval,
		sink:   sink,
		logger: logger.With("component", "geofence"),
		queues: make([]chan job, workers),
	}
	for i := range r.queues {
		r.queues[i] = make(chan job, queueSize)
	}
	return r
}

// Start runs the workers until Close. ctx bounds event delivery.
func (r *Router) Start(ctx context.Context) {
	for i, q := range r.queues {
		r.wg.Add(1)
		go func(worker int, q <-chan job) {
			defer r.wg.Done()
			for j := range q {
				r.handle(ctx, worker, j)
			}
		}(i, q)
	}
}

// Submit queues a ping without waiting for its evaluation.
func (r *Router) Submit(ctx context.Context, p Ping) error {
	return r.enqueue(ctx, job{ping: p})
}

// Check queues a ping and waits for its summary.
func (r *Router) Check(ctx context.Context, p Ping) (Summary, error) {
	reply := make(chan checkResult, 1)
	if err := r.enqueue(ctx, job{ping: p, reply: reply}); err != nil {
		return Summary{}, err
	}
	select {
	case res := <-reply:
		return res.summary, res.err
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

func (r *Router) enqueue(ctx context.Context, j job) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRouterClosed
	}
	q := r.queues[shardIndex(j.ping.EntityID, len(r.queues))]
	select {
	case q <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting pings and waits for queued ones to drain.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// handle evaluates one ping. A panic is confined to that ping.
func (r *Router) handle(ctx context.Context, worker int, j job) {
	res := checkResult{}
	defer func() {
		if rec := recover(); rec != nil {
			observability.GeofencePingErrors.Inc()
			r.logger.Error("geofence ping panicked", "worker", worker, "entity_id", j.ping.EntityID, "panic", rec)
			res = checkResult{err: fmt.Errorf("evaluate %s: %v", j.ping.EntityID, rec)}
		}
		if j.reply != nil {
			j.reply <- res
		}
	}()

	at := j.ping.At
	if at.IsZero() {
		at = time.Now()
	}
	summary, err := r.eval.Check(ctx, j.ping.EntityID, j.ping.EntityType, j.ping.Point, at)
	if err != nil {
		observability.GeofencePingErrors.Inc()
		r.logger.Error("geofence ping failed", "worker", worker, "entity_id", j.ping.EntityID, "error", err)
		res.err = err
		return
	}
	res.summary = summary
	events := summary.Events
	for _, ev := range events {
		observability.GeofenceEvents.WithLabelValues(string(ev.Type), string(ev.Action)).Inc()
		r.logger.Info("geofence transition", "entity_id", ev.EntityID, "geofence_id", ev.GeofenceID, "action", ev.Action)
	}
	if len(events) == 0 || r.sink == nil {
		return
	}
	if err := r.sink.Publish(ctx, events); err != nil {
		observability.GeofencePublishErrors.Inc()
		r.logger.Error("publish geofence events failed", "entity_id", j.ping.EntityID, "count", len(events), "error", err)
	}
}
