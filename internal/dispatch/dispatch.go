// Package dispatch delivers driver offers and collects their replies.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Gateway sends offers over the driver's websocket, falling back to push
// when the driver has no session.
type Gateway struct {
	WS     *WSRegistry
	Push   *PushDispatcher // optional
	Broker *Broker
	Logger *slog.Logger
}

func NewGateway(broker *Broker, ws *WSRegistry, push *PushDispatcher, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{WS: ws, Push: push, Broker: broker, Logger: logger}
}

// Notify fires an offer and returns the request id to await.
func (g *Gateway) Notify(ctx context.Context, driverID string, trip models.TripSummary) (string, error) {
	id := g.Broker.Open(driverID)
	offer := models.Offer{RequestID: id, DriverID: driverID, Trip: trip, SentAt: time.Now()}

	err := ErrNoSession
	if g.WS != nil {
		err = g.WS.Offer(driverID, offer)
	}
	if errors.Is(err, ErrNoSession) && g.Push != nil {
		err = g.Push.Offer(ctx, driverID, offer)
	}
	if err != nil {
		g.Broker.Drop(id)
		return "", err
	}
	g.Logger.Debug("offer sent", "driver_id", driverID, "trip_id", trip.TripID, "request_id", id)
	return id, nil
}

func (g *Gateway) AwaitResponse(ctx context.Context, requestID string, timeout time.Duration) (models.DriverResponse, error) {
	return g.Broker.Await(ctx, requestID, timeout)
}
