package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushDispatcher posts offers to a push provider endpoint for drivers that
// have no live websocket. Replies come back through the HTTP responses API.
type PushDispatcher struct {
	Endpoint string // e.g. provider HTTP endpoint
	Client   *http.Client
}

func NewPushDispatcher(endpoint string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) Offer(ctx context.Context, driverID string, offer models.Offer) error {
	b, err := json.Marshal(map[string]interface{}{"driver_id": driverID, "offer": offer})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push offer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push offer: provider returned %d", resp.StatusCode)
	}
	return nil
}
