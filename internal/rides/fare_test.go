package rides

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/citycab/dispatch/pkg/config"
	"github.com/citycab/dispatch/pkg/geo"
	"github.com/citycab/dispatch/pkg/models"
)

type stubRouteProvider struct {
	distanceKm float64
	err        error
}

func (s *stubRouteProvider) RouteDistanceKm(ctx context.Context, fromLat, fromLon, toLat, toLon float64) (float64, error) {
	return s.distanceKm, s.err
}

func fareConfig() config.FareConfig {
	return config.FareConfig{
		BaseFare:                2.50,
		PerKmRate:               1.20,
		CancellationFee:         3.00,
		FareProtectionThreshold: 0.20,
	}
}

func TestQuote_UsesRouteProvider(t *testing.T) {
	calc := NewFareCalculator(fareConfig(), &stubRouteProvider{distanceKm: 8.5})

	quote := calc.Quote(context.Background(), 22.72, 75.85, 22.75, 75.88)

	assert.Equal(t, "route_provider", quote.DistanceSource)
	assert.Equal(t, 8.5, quote.EstimatedDistance)
	assert.Equal(t, 2.50, quote.BaseFare)
	assert.Equal(t, 10.20, quote.DistanceFare)
	assert.Equal(t, 12.70, quote.EstimatedFare)
}

func TestQuote_BreakdownSumsToTotal(t *testing.T) {
	calc := NewFareCalculator(fareConfig(), &stubRouteProvider{distanceKm: 7.33})

	quote := calc.Quote(context.Background(), 22.72, 75.85, 22.75, 75.88)

	assert.InDelta(t, quote.EstimatedFare, quote.BaseFare+quote.DistanceFare, 0.01)
}

func TestQuote_FallsBackToHaversine(t *testing.T) {
	calc := NewFareCalculator(fareConfig(), &stubRouteProvider{err: errors.New("provider timeout")})

	pickupLat, pickupLon := 22.72, 75.85
	dropLat, dropLon := 22.75, 75.88
	quote := calc.Quote(context.Background(), pickupLat, pickupLon, dropLat, dropLon)

	assert.Equal(t, "haversine_fallback", quote.DistanceSource)
	expected := 1.3 * geo.Haversine(pickupLat, pickupLon, dropLat, dropLon)
	assert.InDelta(t, expected, quote.EstimatedDistance, 0.01)
}

func TestQuote_NilProviderUsesFallback(t *testing.T) {
	calc := NewFareCalculator(fareConfig(), nil)

	quote := calc.Quote(context.Background(), 22.72, 75.85, 22.75, 75.88)

	assert.Equal(t, "haversine_fallback", quote.DistanceSource)
}

func TestFinalFare_WithinThreshold(t *testing.T) {
	calc := NewFareCalculator(fareConfig(), nil)

	// estimate 12.70 for 8.5 km; actual 9 km gives 13.30, under the 15.24 cap
	final := calc.FinalFare(context.Background(), 12.70, 9.0)

	assert.Equal(t, 13.30, final)
}

func TestFinalFare_ProtectionCapsOvershoot(t *testing.T) {
	calc := NewFareCalculator(fareConfig(), nil)

	// actual 20 km gives 26.50, far over the 12.70 * 1.2 = 15.24 cap
	final := calc.FinalFare(context.Background(), 12.70, 20.0)

	assert.Equal(t, 15.24, final)
}

func TestCancellationFee(t *testing.T) {
	calc := NewFareCalculator(fareConfig(), nil)
	now := time.Now()
	matchedRecently := now.Add(-1 * time.Minute)
	matchedLongAgo := now.Add(-5 * time.Minute)

	tests := []struct {
		name              string
		ride              *models.Ride
		cancelledByDriver bool
		want              float64
	}{
		{
			name: "rider cancels before matched",
			ride: &models.Ride{Status: models.RideStatusRequested},
			want: 0,
		},
		{
			name: "rider cancels within grace period",
			ride: &models.Ride{Status: models.RideStatusMatched, MatchedAt: &matchedRecently},
			want: 0,
		},
		{
			name: "rider cancels after grace period",
			ride: &models.Ride{Status: models.RideStatusMatched, MatchedAt: &matchedLongAgo},
			want: 3.00,
		},
		{
			name: "rider cancels while driver arriving after grace",
			ride: &models.Ride{Status: models.RideStatusDriverArrived, MatchedAt: &matchedLongAgo},
			want: 3.00,
		},
		{
			name:              "driver cancels after accepting",
			ride:              &models.Ride{Status: models.RideStatusMatched, MatchedAt: &matchedLongAgo},
			cancelledByDriver: true,
			want:              0,
		},
		{
			name: "rider cancels in progress",
			ride: &models.Ride{Status: models.RideStatusInProgress, MatchedAt: &matchedLongAgo},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calc.CancellationFee(tt.ride, tt.cancelledByDriver, now))
		})
	}
}
