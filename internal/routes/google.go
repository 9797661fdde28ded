package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/citycab/dispatch/pkg/common"
	"github.com/citycab/dispatch/pkg/config"
	"github.com/citycab/dispatch/pkg/httpclient"
)

const (
	googleBaseURL            = "https://maps.googleapis.com/maps/api"
	googleDirectionsEndpoint = "/directions/json"
)

// GoogleProvider resolves road distances via the Google Directions API.
type GoogleProvider struct {
	apiKey string
	client *httpclient.Client
}

// NewGoogleProvider creates a route provider. Returns nil when no API key is
// configured, which callers treat as "always use the fallback estimate".
func NewGoogleProvider(cfg config.RoutesConfig) *GoogleProvider {
	if cfg.APIKey == "" {
		return nil
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = googleBaseURL
	}
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 5
	}

	return &GoogleProvider{
		apiKey: cfg.APIKey,
		client: httpclient.NewClient(baseURL, time.Duration(timeout)*time.Second, httpclient.WithDefaultRetry()),
	}
}

type directionsResponse struct {
	Status string `json:"status"`
	Routes []struct {
		Legs []struct {
			Distance struct {
				Value int `json:"value"` // meters
			} `json:"distance"`
		} `json:"legs"`
	} `json:"routes"`
}

// RouteDistanceKm returns the driving distance between two points.
func (g *GoogleProvider) RouteDistanceKm(ctx context.Context, fromLat, fromLon, toLat, toLon float64) (float64, error) {
	params := url.Values{}
	params.Set("origin", fmt.Sprintf("%f,%f", fromLat, fromLon))
	params.Set("destination", fmt.Sprintf("%f,%f", toLat, toLon))
	params.Set("mode", "driving")
	params.Set("key", g.apiKey)

	body, err := g.client.Get(ctx, googleDirectionsEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return 0, common.NewGatewayUnavailableError("directions request failed", err)
	}

	var resp directionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("malformed directions response: %w", err)
	}

	if resp.Status != "OK" || len(resp.Routes) == 0 {
		return 0, fmt.Errorf("no route found: status %s", resp.Status)
	}

	meters := 0
	for _, leg := range resp.Routes[0].Legs {
		meters += leg.Distance.Value
	}
	if meters <= 0 {
		return 0, fmt.Errorf("route has no distance")
	}

	return float64(meters) / 1000.0, nil
}
