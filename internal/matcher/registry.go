package matcher

import (
	"errors"
	"sync"
)

var ErrSessionExists = errors.New("dispatch already running for trip")

// Registry tracks live sessions by trip id so callers can look them up or
// cancel them. Finished sessions stay readable until replaced.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry { return &Registry{sessions: make(map[string]*Session)} }

// Put stores sess unless a non-terminal session already exists for the trip.
func (r *Registry) Put(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[sess.Request.TripID]; ok && !cur.Status().Terminal() {
		return ErrSessionExists
	}
	r.sessions[sess.Request.TripID] = sess
	return nil
}

func (r *Registry) Get(tripID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tripID]
	return s, ok
}

func (r *Registry) Remove(tripID string) {
	r.mu.Lock()
	delete(r.sessions, tripID)
	r.mu.Unlock()
}

// CancelAll cancels every live session, used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if !s.Status().Terminal() {
			s.Cancel()
		}
	}
}
