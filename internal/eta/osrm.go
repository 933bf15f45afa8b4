package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient asks an OSRM server for driving durations.
type OSRMClient struct {
	Endpoint string
	Profile  string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRoute struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

// EstimateSeconds returns the duration of the fastest route from -> to.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.GeoPoint) (float64, error) {
	// OSRM takes lon,lat pairs
	u := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false&alternatives=false",
		o.Endpoint, o.Profile, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm route: %w", err)
	}
	defer resp.Body.Close()

	var out osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("osrm route: decode %d response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Code != "Ok" {
		return 0, fmt.Errorf("osrm route: %d %s %s", resp.StatusCode, out.Code, out.Message)
	}
	if len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm route: no route")
	}
	return out.Routes[0].Duration, nil
}
