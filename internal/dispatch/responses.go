package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrUnknownRequest = errors.New("unknown or expired request")
	ErrWrongDriver    = errors.New("request belongs to another driver")
)

type pending struct {
	driverID string
	answered bool
	reply    chan bool
}

// Broker correlates outstanding offers with driver replies, whichever
// transport the reply arrives on.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
}

func NewBroker() *Broker { return &Broker{pending: make(map[string]*pending)} }

// Open registers a new request for driverID and returns its id.
func (b *Broker) Open(driverID string) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.pending[id] = &pending{driverID: driverID, reply: make(chan bool, 1)}
	b.mu.Unlock()
	return id
}

func (b *Broker) Drop(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

// Resolve delivers a reply. Only the first reply for a request counts.
func (b *Broker) Resolve(requestID, driverID string, accepted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[requestID]
	if !ok || p.answered {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if driverID != "" && p.driverID != driverID {
		return fmt.Errorf("%w: %s", ErrWrongDriver, requestID)
	}
	p.answered = true
	p.reply <- accepted
	return nil
}

// Await blocks until the driver replies, timeout elapses or ctx is done.
// A timeout is a normal TIMEOUT response, ctx cancellation is an error.
func (b *Broker) Await(ctx context.Context, requestID string, timeout time.Duration) (models.DriverResponse, error) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	defer b.Drop(requestID)

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case accepted := <-p.reply:
		return responseFor(accepted), nil
	case <-t.C:
		if accepted, ok := b.expire(p); ok {
			return responseFor(accepted), nil
		}
		return models.ResponseTimeout, nil
	case <-ctx.Done():
		b.expire(p)
		return "", ctx.Err()
	}
}

// expire closes p to further replies. A reply that was resolved before the
// lock was taken is returned with ok set.
func (b *Broker) expire(p *pending) (accepted, ok bool) {
	b.mu.Lock()
	answered := p.answered
	p.answered = true
	b.mu.Unlock()
	if !answered {
		return false, false
	}
	return <-p.reply, true
}

func responseFor(accepted bool) models.DriverResponse {
	if accepted {
		return models.ResponseAccepted
	}
	return models.ResponseRejected
}

func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
