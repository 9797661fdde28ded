package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/citycab/dispatch/pkg/config"
)

func testProvider(t *testing.T, handler http.HandlerFunc) *GoogleProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewGoogleProvider(config.RoutesConfig{
		APIKey:         "test-key",
		BaseURL:        server.URL,
		TimeoutSeconds: 2,
	})
}

func TestRouteDistanceKm(t *testing.T) {
	provider := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/directions/json", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		w.Write([]byte(`{
			"status": "OK",
			"routes": [{"legs": [{"distance": {"value": 8500}}]}]
		}`))
	})

	distance, err := provider.RouteDistanceKm(context.Background(), 22.72, 75.85, 22.75, 75.89)
	assert.NoError(t, err)
	assert.Equal(t, 8.5, distance)
}

func TestRouteDistanceKmSumsLegs(t *testing.T) {
	provider := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"status": "OK",
			"routes": [{"legs": [{"distance": {"value": 3000}}, {"distance": {"value": 2500}}]}]
		}`))
	})

	distance, err := provider.RouteDistanceKm(context.Background(), 0, 0, 1, 1)
	assert.NoError(t, err)
	assert.Equal(t, 5.5, distance)
}

func TestRouteDistanceKmNoRoute(t *testing.T) {
	provider := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "ZERO_RESULTS", "routes": []}`))
	})

	_, err := provider.RouteDistanceKm(context.Background(), 0, 0, 1, 1)
	assert.Error(t, err)
}

func TestNewGoogleProviderWithoutKey(t *testing.T) {
	assert.Nil(t, NewGoogleProvider(config.RoutesConfig{}))
}
