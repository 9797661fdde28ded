package rides

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/citycab/dispatch/pkg/config"
	"github.com/citycab/dispatch/pkg/geo"
	"github.com/citycab/dispatch/pkg/logger"
	"github.com/citycab/dispatch/pkg/models"
)

const (
	distanceSourceRoute    = "route_provider"
	distanceSourceFallback = "haversine_fallback"

	// Fallback road-distance factor over straight-line haversine.
	haversineRoadFactor = 1.3

	// Rider cancellations within this window after matching are free.
	cancellationGracePeriod = 2 * time.Minute
)

// RouteProvider returns road distance between two points, typically backed
// by an external map service.
type RouteProvider interface {
	RouteDistanceKm(ctx context.Context, fromLat, fromLon, toLat, toLon float64) (float64, error)
}

// FareCalculator quotes fares and applies the fare-protection policy.
type FareCalculator struct {
	cfg    config.FareConfig
	routes RouteProvider
}

// NewFareCalculator creates a fare calculator. routes may be nil, in which
// case every quote uses the haversine fallback.
func NewFareCalculator(cfg config.FareConfig, routes RouteProvider) *FareCalculator {
	return &FareCalculator{cfg: cfg, routes: routes}
}

// Quote estimates the fare for a trip. When the route provider is down the
// quote falls back to 1.3x the straight-line distance and tags the breakdown
// so downstream consumers know the estimate is coarse.
func (f *FareCalculator) Quote(ctx context.Context, pickupLat, pickupLon, dropoffLat, dropoffLon float64) *models.FareQuote {
	var (
		distanceKm float64
		source     = distanceSourceFallback
	)

	if f.routes != nil {
		d, err := f.routes.RouteDistanceKm(ctx, pickupLat, pickupLon, dropoffLat, dropoffLon)
		if err == nil && d > 0 {
			distanceKm = d
			source = distanceSourceRoute
		} else if err != nil {
			logger.WarnContext(ctx, "route provider unavailable, using haversine fallback", zap.Error(err))
		}
	}

	if source == distanceSourceFallback {
		distanceKm = round2(haversineRoadFactor * geo.Haversine(pickupLat, pickupLon, dropoffLat, dropoffLon))
	}

	base := round2(f.cfg.BaseFare)
	distanceFare := round2(f.cfg.PerKmRate * distanceKm)

	return &models.FareQuote{
		BaseFare:          base,
		DistanceFare:      distanceFare,
		EstimatedFare:     round2(base + distanceFare),
		EstimatedDistance: distanceKm,
		EstimatedDuration: geo.EstimateDurationMinutes(distanceKm),
		DistanceSource:    source,
		Currency:          "USD",
	}
}

// FinalFare computes the completion fare from the driver-reported actual
// distance, capped by the fare-protection policy: when the actual fare
// overshoots the estimate by more than the threshold, the rider pays the
// capped amount and the delta is logged for out-of-band settlement.
func (f *FareCalculator) FinalFare(ctx context.Context, estimatedFare, actualDistanceKm float64) float64 {
	actualFare := round2(f.cfg.BaseFare + f.cfg.PerKmRate*actualDistanceKm)
	capped := round2(estimatedFare * (1 + f.cfg.FareProtectionThreshold))

	if actualFare > capped {
		logger.InfoContext(ctx, "fare protection applied",
			zap.Float64("actual_fare", actualFare),
			zap.Float64("capped_fare", capped),
			zap.Float64("absorbed_delta", round2(actualFare-capped)),
		)
		return capped
	}
	return actualFare
}

// CancellationFee computes the fee owed for a cancellation.
// Riders cancel free before matching and within the grace period after it;
// afterwards a flat fee applies until the trip starts. Driver cancellations
// never charge the rider. No fee applies once the trip is in progress.
func (f *FareCalculator) CancellationFee(ride *models.Ride, cancelledByDriver bool, now time.Time) float64 {
	if cancelledByDriver {
		return 0
	}
	if ride.MatchedAt == nil {
		return 0
	}
	if ride.Status == models.RideStatusInProgress {
		return 0
	}
	if now.Sub(*ride.MatchedAt) <= cancellationGracePeriod {
		return 0
	}
	return round2(f.cfg.CancellationFee)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
