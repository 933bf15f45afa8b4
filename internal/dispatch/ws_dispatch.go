package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(offer models.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(offer)
}

// WSRegistry holds driver sessions and feeds their replies into the broker.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	broker   *Broker
	logger   *slog.Logger
}

func NewWSRegistry(broker *Broker, logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), broker: broker, logger: logger}
}

// Add registers conn for driverID, replacing any older session, and starts
// reading replies from it.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	go r.readLoop(driverID, s)
}

func (r *WSRegistry) readLoop(driverID string, s *WSSession) {
	defer r.remove(driverID, s)
	for {
		var reply models.OfferReply
		if err := s.conn.ReadJSON(&reply); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Warn("ws read failed", "driver_id", driverID, "error", err)
			}
			return
		}
		if err := r.broker.Resolve(reply.RequestID, driverID, reply.Accepted); err != nil {
			r.logger.Warn("ws reply dropped", "driver_id", driverID, "request_id", reply.RequestID, "error", err)
		}
	}
}

func (r *WSRegistry) remove(driverID string, s *WSSession) {
	r.mu.Lock()
	if r.sessions[driverID] == s {
		delete(r.sessions, driverID)
	}
	r.mu.Unlock()
	_ = s.conn.Close()
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Offer(driverID string, offer models.Offer) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(offer); err != nil {
		r.logger.Warn("ws send error", "driver_id", driverID, "error", err)
		return err
	}
	return nil
}
