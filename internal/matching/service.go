package matching

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citycab/dispatch/pkg/common"
	"github.com/citycab/dispatch/pkg/config"
	"github.com/citycab/dispatch/pkg/eventbus"
	pkggeo "github.com/citycab/dispatch/pkg/geo"
	"github.com/citycab/dispatch/pkg/logger"
	"github.com/citycab/dispatch/pkg/models"
	redisClient "github.com/citycab/dispatch/pkg/redis"
)

// Service is the dispatcher: it runs one matcher per requested ride and
// resolves the single-winner claim race when drivers accept.
type Service struct {
	rides     RideStore
	locations LocationIndex
	coord     redisClient.ClientInterface
	notifier  Notifier
	bus       Bus
	cfg       config.DispatchConfig

	mu       sync.Mutex
	matchers map[uuid.UUID]*matcher

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewService creates the dispatcher.
func NewService(rides RideStore, locations LocationIndex, coord redisClient.ClientInterface, notifier Notifier, bus Bus, cfg config.DispatchConfig) *Service {
	return &Service{
		rides:     rides,
		locations: locations,
		coord:     coord,
		notifier:  notifier,
		bus:       bus,
		cfg:       cfg,
		matchers:  make(map[uuid.UUID]*matcher),
		shutdown:  make(chan struct{}),
	}
}

// Start subscribes to ride lifecycle events. Each rides.requested event
// launches a matcher goroutine; rides.cancelled interrupts a running matcher.
func (s *Service) Start(ctx context.Context) error {
	err := s.bus.Subscribe(ctx, eventbus.SubjectRideRequested, "matching-requested", s.handleRideRequested)
	if err != nil {
		return err
	}
	return s.bus.Subscribe(ctx, eventbus.SubjectRideCancelled, "matching-cancelled", s.handleRideCancelled)
}

// Stop interrupts all running matchers and waits for them to finish.
func (s *Service) Stop() {
	close(s.shutdown)
	s.wg.Wait()
}

func (s *Service) handleRideRequested(ctx context.Context, event *eventbus.Event) error {
	var data eventbus.RideRequestedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		logger.WarnContext(ctx, "malformed ride request event", zap.Error(err))
		return nil // unparseable, do not redeliver
	}

	s.mu.Lock()
	if _, running := s.matchers[data.RideID]; running {
		s.mu.Unlock()
		return nil // duplicate delivery
	}
	m := newMatcher(s, data)
	s.matchers[data.RideID] = m
	s.mu.Unlock()

	s.wg.Add(1)
	activeMatchers.Inc()
	go func() {
		defer s.wg.Done()
		defer activeMatchers.Dec()
		defer s.removeMatcher(data.RideID)
		m.run(context.WithoutCancel(ctx))
	}()
	return nil
}

func (s *Service) handleRideCancelled(ctx context.Context, event *eventbus.Event) error {
	var data eventbus.RideCancelledData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil
	}

	s.mu.Lock()
	m, ok := s.matchers[data.RideID]
	s.mu.Unlock()
	if ok {
		m.signalCancel()
	}
	return nil
}

func (s *Service) removeMatcher(rideID uuid.UUID) {
	s.mu.Lock()
	delete(s.matchers, rideID)
	s.mu.Unlock()
}

// Claim resolves a driver's accept attempt. The claim slot is a Redis
// set-if-absent with a short TTL; winning the slot is necessary but not
// sufficient: the conditional accept against the ride store decides.
func (s *Service) Claim(ctx context.Context, rideID, driverID uuid.UUID) (*ClaimResult, error) {
	acquired, err := s.coord.SetIfAbsent(ctx, claimKey(rideID), driverID.String(), s.cfg.ClaimTTL())
	if err != nil {
		logger.ErrorContext(ctx, "claim slot unavailable",
			zap.String("ride_id", rideID.String()), zap.Error(err))
		claimAttemptsTotal.WithLabelValues(string(OutcomeProcessing)).Inc()
		return &ClaimResult{Outcome: OutcomeProcessing, RideID: rideID}, nil
	}
	if !acquired {
		claimAttemptsTotal.WithLabelValues(string(OutcomeProcessing)).Inc()
		return &ClaimResult{Outcome: OutcomeProcessing, RideID: rideID}, nil
	}

	ride, err := s.rides.AcceptRide(ctx, rideID, driverID)
	if err != nil {
		s.releaseClaim(ctx, rideID, driverID)
		return s.classifyAcceptFailure(ctx, rideID, err)
	}

	s.confirmWinner(ctx, ride, driverID)
	claimAttemptsTotal.WithLabelValues(string(OutcomeConfirmed)).Inc()
	return &ClaimResult{Outcome: OutcomeConfirmed, RideID: rideID}, nil
}

func (s *Service) classifyAcceptFailure(ctx context.Context, rideID uuid.UUID, acceptErr error) (*ClaimResult, error) {
	switch common.KindOf(acceptErr) {
	case common.KindInvalidTransition:
		ride, err := s.rides.GetRideByID(ctx, rideID)
		if err == nil && ride.Status == models.RideStatusMatched {
			claimAttemptsTotal.WithLabelValues(string(OutcomeAlreadyMatched)).Inc()
			return &ClaimResult{Outcome: OutcomeAlreadyMatched, RideID: rideID}, nil
		}
		claimAttemptsTotal.WithLabelValues(string(OutcomeAlreadyTerminal)).Inc()
		return &ClaimResult{Outcome: OutcomeAlreadyTerminal, RideID: rideID}, nil
	case common.KindNotFound:
		claimAttemptsTotal.WithLabelValues(string(OutcomeAlreadyTerminal)).Inc()
		return &ClaimResult{Outcome: OutcomeAlreadyTerminal, RideID: rideID}, nil
	default:
		// Ride store unreachable after the claim succeeded: release and let
		// the driver retry.
		claimAttemptsTotal.WithLabelValues(string(OutcomeProcessing)).Inc()
		return &ClaimResult{Outcome: OutcomeProcessing, RideID: rideID}, nil
	}
}

// confirmWinner runs the post-accept fan-out: the winner, the rider, and
// every notified loser hear the race result.
func (s *Service) confirmWinner(ctx context.Context, ride *models.Ride, driverID uuid.UUID) {
	rideID := ride.ID

	if err := s.locations.MarkBusy(ctx, driverID, rideID); err != nil {
		logger.WarnContext(ctx, "failed to mark winner busy",
			zap.String("driver_id", driverID.String()), zap.Error(err))
	}

	s.notifier.Send(driverID, "ride_match_confirmed", map[string]interface{}{
		"ride_id":          rideID.String(),
		"pickup_latitude":  ride.PickupLatitude,
		"pickup_longitude": ride.PickupLongitude,
		"pickup_address":   ride.PickupAddress,
		"dropoff_address":  ride.DropoffAddress,
		"estimated_fare":   ride.EstimatedFare,
	})

	riderData := map[string]interface{}{
		"ride_id":   rideID.String(),
		"driver_id": driverID.String(),
	}
	if loc, err := s.locations.GetDriverLocation(ctx, driverID); err == nil {
		distanceKm := pkggeo.Haversine(loc.Latitude, loc.Longitude, ride.PickupLatitude, ride.PickupLongitude)
		riderData["driver_distance_km"] = distanceKm
		riderData["eta_minutes"] = pkggeo.EstimateDurationMinutes(distanceKm)
	}
	s.notifier.Send(ride.RiderID, "ride_matched", riderData)

	// Losers: everyone offered the ride except the winner.
	record, err := s.loadBroadcast(ctx, rideID)
	if err == nil {
		for _, notified := range record.Notified {
			if notified == driverID {
				continue
			}
			s.notifier.Send(notified, "ride_no_longer_available", map[string]interface{}{
				"ride_id": rideID.String(),
			})
		}
	}
	s.deleteBroadcast(ctx, rideID)

	// Signal the matcher so it stops expanding.
	s.mu.Lock()
	m, running := s.matchers[rideID]
	s.mu.Unlock()
	if running {
		m.signalWon(driverID)
	}

	if event, err := eventbus.NewEvent(eventbus.SubjectRideMatched, "matching", eventbus.RideMatchedData{
		RideID:    rideID,
		RiderID:   ride.RiderID,
		DriverID:  driverID,
		MatchedAt: time.Now().UTC(),
	}); err == nil {
		if err := s.bus.Publish(ctx, eventbus.SubjectRideMatched, event); err != nil {
			logger.WarnContext(ctx, "failed to publish match event", zap.Error(err))
		}
	}

	logger.InfoContext(ctx, "ride matched",
		zap.String("ride_id", rideID.String()),
		zap.String("driver_id", driverID.String()),
	)
}

// Reject records that the driver declined this ride. The driver will not be
// re-notified for it, even at a wider radius.
func (s *Service) Reject(ctx context.Context, rideID, driverID uuid.UUID) error {
	err := s.coord.SetWithExpiration(ctx, rejectionKey(rideID, driverID), "1", s.cfg.MatchTimeout())
	if err != nil {
		return common.NewTransientStoreError("failed to record rejection", err)
	}

	s.mu.Lock()
	m, running := s.matchers[rideID]
	s.mu.Unlock()
	if running {
		m.signalReject(driverID)
	}
	return nil
}

func (s *Service) releaseClaim(ctx context.Context, rideID, driverID uuid.UUID) {
	if _, err := s.coord.ReleaseIfHolder(ctx, claimKey(rideID), driverID.String()); err != nil {
		logger.WarnContext(ctx, "failed to release claim slot",
			zap.String("ride_id", rideID.String()), zap.Error(err))
	}
}

func (s *Service) persistBroadcast(ctx context.Context, record *broadcastRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	// The record must outlive the round so a crashed matcher leaves a trail
	// the sweeper can expire.
	ttl := s.cfg.MatchTimeout() + s.cfg.RoundTimeout()
	return s.coord.SetWithExpiration(ctx, broadcastKey(record.RideID), data, ttl)
}

func (s *Service) loadBroadcast(ctx context.Context, rideID uuid.UUID) (*broadcastRecord, error) {
	data, err := s.coord.GetString(ctx, broadcastKey(rideID))
	if err != nil {
		return nil, err
	}
	var record broadcastRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Service) deleteBroadcast(ctx context.Context, rideID uuid.UUID) {
	if err := s.coord.Delete(ctx, broadcastKey(rideID)); err != nil {
		logger.WarnContext(ctx, "failed to delete broadcast record",
			zap.String("ride_id", rideID.String()), zap.Error(err))
	}
}
