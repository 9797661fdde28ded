package matching

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citycab/dispatch/internal/geo"
	"github.com/citycab/dispatch/pkg/eventbus"
	pkggeo "github.com/citycab/dispatch/pkg/geo"
	"github.com/citycab/dispatch/pkg/logger"
	"github.com/citycab/dispatch/pkg/models"
)

// matcher runs the radius-expansion loop for a single ride. It suspends in
// exactly three places: waiting for a claim, waiting for the next expansion
// tick, and waiting for the overall deadline. All waits honour cancellation.
type matcher struct {
	svc  *Service
	ride eventbus.RideRequestedData

	won     chan uuid.UUID
	cancel  chan struct{}
	rejects chan uuid.UUID

	cancelOnce sync.Once
}

func newMatcher(svc *Service, ride eventbus.RideRequestedData) *matcher {
	return &matcher{
		svc:     svc,
		ride:    ride,
		won:     make(chan uuid.UUID, 1),
		cancel:  make(chan struct{}),
		rejects: make(chan uuid.UUID, 64),
	}
}

// signalWon tells the matcher the claim race is over.
func (m *matcher) signalWon(driverID uuid.UUID) {
	select {
	case m.won <- driverID:
	default:
	}
}

// signalCancel tells the matcher the rider cancelled during matching.
func (m *matcher) signalCancel() {
	m.cancelOnce.Do(func() { close(m.cancel) })
}

// signalReject adds a driver to the matcher's exclusion set.
func (m *matcher) signalReject(driverID uuid.UUID) {
	select {
	case m.rejects <- driverID:
	default:
	}
}

func (m *matcher) run(ctx context.Context) {
	start := time.Now()
	cfg := m.svc.cfg

	deadline := time.NewTimer(cfg.MatchTimeout())
	defer deadline.Stop()

	radius := cfg.InitialSearchRadiusKm
	round := 0
	notified := make(map[uuid.UUID]struct{})
	rejected := make(map[uuid.UUID]struct{})

	logger.Info("matcher started",
		zap.String("ride_id", m.ride.RideID.String()),
		zap.Float64("initial_radius_km", radius),
	)

	for radius <= cfg.MaxSearchRadiusKm {
		m.drainRejects(rejected)
		m.broadcastRound(ctx, radius, round, notified, rejected)
		roundsTotal.Inc()

		roundTimer := time.NewTimer(cfg.RoundTimeout())
		select {
		case driverID := <-m.won:
			roundTimer.Stop()
			matchesTotal.WithLabelValues("matched").Inc()
			matchDuration.Observe(time.Since(start).Seconds())
			logger.Info("matcher finished",
				zap.String("ride_id", m.ride.RideID.String()),
				zap.String("driver_id", driverID.String()),
				zap.Int("rounds", round+1),
			)
			return

		case <-m.cancel:
			roundTimer.Stop()
			m.onCancelled(ctx, notified)
			return

		case <-m.svc.shutdown:
			roundTimer.Stop()
			logger.Info("matcher interrupted by shutdown",
				zap.String("ride_id", m.ride.RideID.String()))
			return

		case <-deadline.C:
			roundTimer.Stop()
			m.onTimeout(ctx, notified)
			return

		case <-roundTimer.C:
			radius += cfg.SearchRadiusExpansionKm
			round++
		}
	}

	// Radius cap reached before the overall deadline.
	m.onTimeout(ctx, notified)
}

// broadcastRound queries candidates at the current radius and offers the ride
// to everyone not yet notified. A failed send does not count as notified; the
// next round reselects that driver.
func (m *matcher) broadcastRound(ctx context.Context, radius float64, round int, notified, rejected map[uuid.UUID]struct{}) {
	exclude := make(map[uuid.UUID]struct{}, len(notified)+len(rejected)+1)
	for id := range notified {
		exclude[id] = struct{}{}
	}
	for id := range rejected {
		exclude[id] = struct{}{}
	}

	candidates, err := m.svc.locations.QueryNearby(ctx, geo.NearbyQuery{
		Latitude:     m.ride.PickupLatitude,
		Longitude:    m.ride.PickupLongitude,
		RadiusKm:     radius,
		Exclude:      exclude,
		ExtendedArea: m.ride.PickupZone == string(pkggeo.ZoneExtended),
	})
	if err != nil {
		// Coordination store hiccups fail the round, not the match.
		logger.WarnContext(ctx, "candidate query failed, skipping round",
			zap.String("ride_id", m.ride.RideID.String()),
			zap.Float64("radius_km", radius),
			zap.Error(err),
		)
		return
	}

	expiresAt := time.Now().Add(m.svc.cfg.RoundTimeout())
	offered := 0
	for _, candidate := range candidates {
		// The in-memory reject channel only covers this matcher's lifetime.
		// Rejections recorded in the coordination store, by an earlier matcher
		// for this ride or another process, must also be honoured.
		if seen, err := m.svc.coord.Exists(ctx, rejectionKey(m.ride.RideID, candidate.DriverID)); err == nil && seen {
			rejected[candidate.DriverID] = struct{}{}
			continue
		}

		delivered := m.svc.notifier.Send(candidate.DriverID, "ride_offer", map[string]interface{}{
			"ride_id": m.ride.RideID.String(),
			"pickup": map[string]interface{}{
				"latitude":  m.ride.PickupLatitude,
				"longitude": m.ride.PickupLongitude,
				"address":   m.ride.PickupAddress,
			},
			"destination": map[string]interface{}{
				"latitude":  m.ride.DropoffLatitude,
				"longitude": m.ride.DropoffLongitude,
				"address":   m.ride.DropoffAddress,
			},
			"estimated_fare": m.ride.EstimatedFare,
			"distance_km":    candidate.DistanceKm,
			"expires_at":     expiresAt.UTC().Format(time.RFC3339),
		})
		if delivered {
			notified[candidate.DriverID] = struct{}{}
			offered++
		}
	}

	record := &broadcastRecord{
		RideID:    m.ride.RideID,
		RiderID:   m.ride.RiderID,
		Notified:  make([]uuid.UUID, 0, len(notified)),
		RadiusKm:  radius,
		Round:     round,
		ExpiresAt: expiresAt,
	}
	for id := range notified {
		record.Notified = append(record.Notified, id)
	}
	if err := m.svc.persistBroadcast(ctx, record); err != nil {
		logger.WarnContext(ctx, "failed to persist broadcast record",
			zap.String("ride_id", m.ride.RideID.String()), zap.Error(err))
	}

	logger.Debug("broadcast round",
		zap.String("ride_id", m.ride.RideID.String()),
		zap.Int("round", round),
		zap.Float64("radius_km", radius),
		zap.Int("offered", offered),
		zap.Int("notified_total", len(notified)),
	)
}

func (m *matcher) drainRejects(rejected map[uuid.UUID]struct{}) {
	for {
		select {
		case id := <-m.rejects:
			rejected[id] = struct{}{}
		default:
			return
		}
	}
}

// onCancelled cleans up after a rider cancellation: the ride is already
// CANCELLED by the lifecycle service, so only the offers need retracting.
func (m *matcher) onCancelled(ctx context.Context, notified map[uuid.UUID]struct{}) {
	matchesTotal.WithLabelValues("cancelled").Inc()
	for driverID := range notified {
		m.svc.notifier.Send(driverID, "ride_no_longer_available", map[string]interface{}{
			"ride_id": m.ride.RideID.String(),
		})
	}
	m.svc.deleteBroadcast(ctx, m.ride.RideID)
	logger.Info("matching cancelled by rider",
		zap.String("ride_id", m.ride.RideID.String()))
}

// onTimeout fails the match: the rider hears ride_match_failed and the ride
// is cancelled with reason no_driver_found.
func (m *matcher) onTimeout(ctx context.Context, notified map[uuid.UUID]struct{}) {
	matchesTotal.WithLabelValues("no_driver_found").Inc()

	m.svc.notifier.Send(m.ride.RiderID, "ride_match_failed", map[string]interface{}{
		"ride_id": m.ride.RideID.String(),
		"reason":  "no_driver_found",
	})

	for driverID := range notified {
		m.svc.notifier.Send(driverID, "ride_no_longer_available", map[string]interface{}{
			"ride_id": m.ride.RideID.String(),
		})
	}

	_, err := m.svc.rides.CancelRide(ctx, m.ride.RideID, "system", "no_driver_found", 0,
		[]models.RideStatus{models.RideStatusRequested})
	if err != nil {
		// A claim may have slipped in between the deadline and the cancel;
		// that race resolves in the driver's favour.
		logger.WarnContext(ctx, "timeout cancel rejected",
			zap.String("ride_id", m.ride.RideID.String()), zap.Error(err))
	}

	m.svc.deleteBroadcast(ctx, m.ride.RideID)
	logger.Info("matching failed, no driver found",
		zap.String("ride_id", m.ride.RideID.String()),
		zap.Int("notified_total", len(notified)))
}
