package rides

import (
	"context"
	"fmt"
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
)

// LocationIndex is the slice of the location index the lifecycle driver needs.
type LocationIndex interface {
	GetDriverLocation(ctx context.Context, driverID uuid.UUID) (*models.DriverLocation, error)
	MarkAvailable(ctx context.Context, driverID uuid.UUID) error
}

// Notifier pushes a message to a connected user. Returns false when the user
// has no active channel; lifecycle operations treat that as best-effort.
type Notifier interface {
	Send(userID uuid.UUID, msgType string, data map[string]interface{}) bool
}

// Service drives the ride lifecycle: submission, the driver-side transitions,
// completion and cancellation.
type Service struct {
	repo      RideRepository
	locations LocationIndex
	fare      *FareCalculator
	area      *pkggeo.ServiceArea
	bus       eventbus.Publisher
	notifier  Notifier
	cfg       config.DispatchConfig

	// rides for which driver_nearby has already been sent
	nearbySent sync.Map
}

// NewService creates the ride lifecycle service.
func NewService(repo RideRepository, locations LocationIndex, fare *FareCalculator, area *pkggeo.ServiceArea, bus eventbus.Publisher, notifier Notifier, cfg config.DispatchConfig) *Service {
	return &Service{
		repo:      repo,
		locations: locations,
		fare:      fare,
		area:      area,
		bus:       bus,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// QuoteFare estimates the fare for a prospective trip without creating a ride.
func (s *Service) QuoteFare(ctx context.Context, req *models.RideRequest) (*models.FareQuote, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	return s.fare.Quote(ctx, req.PickupLatitude, req.PickupLongitude, req.DropoffLatitude, req.DropoffLongitude), nil
}

// SubmitRide validates the request, quotes the fare, persists the ride in
// REQUESTED state and hands it to the matching engine via the event bus.
func (s *Service) SubmitRide(ctx context.Context, riderID uuid.UUID, req *models.RideRequest) (*models.Ride, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	pickupZone := s.area.ValidatePoint(pkggeo.Point{Latitude: req.PickupLatitude, Longitude: req.PickupLongitude})
	if pickupZone == pkggeo.ZoneOutside {
		return nil, common.NewValidationError("pickup is outside the service area")
	}
	if s.area.ValidatePoint(pkggeo.Point{Latitude: req.DropoffLatitude, Longitude: req.DropoffLongitude}) == pkggeo.ZoneOutside {
		return nil, common.NewValidationError("destination is outside the service area")
	}

	quote := s.fare.Quote(ctx, req.PickupLatitude, req.PickupLongitude, req.DropoffLatitude, req.DropoffLongitude)

	ride := &models.Ride{
		ID:                uuid.New(),
		RiderID:           riderID,
		Status:            models.RideStatusRequested,
		PickupLatitude:    req.PickupLatitude,
		PickupLongitude:   req.PickupLongitude,
		PickupAddress:     req.PickupAddress,
		DropoffLatitude:   req.DropoffLatitude,
		DropoffLongitude:  req.DropoffLongitude,
		DropoffAddress:    req.DropoffAddress,
		PickupZone:        string(pickupZone),
		EstimatedDistance: quote.EstimatedDistance,
		EstimatedDuration: quote.EstimatedDuration,
		EstimatedFare:     quote.EstimatedFare,
		PaymentStatus:     models.PaymentStatusPending,
		RequestedAt:       time.Now().UTC(),
	}

	if err := s.repo.CreateRide(ctx, ride); err != nil {
		return nil, err
	}

	if err := s.publishRequested(ctx, ride); err != nil {
		// The ride row exists but matching will not start. Cancel so the
		// rider is not left with a ride nobody is working on.
		logger.ErrorContext(ctx, "failed to publish ride request, cancelling ride",
			zap.String("ride_id", ride.ID.String()),
			zap.Error(err),
		)
		if _, cancelErr := s.repo.CancelRide(ctx, ride.ID, "system", "dispatch unavailable", 0,
			[]models.RideStatus{models.RideStatusRequested}); cancelErr != nil {
			logger.ErrorContext(ctx, "failed to cancel unpublishable ride", zap.Error(cancelErr))
		}
		return nil, common.NewServiceUnavailableError("dispatch is temporarily unavailable")
	}

	logger.InfoContext(ctx, "ride submitted",
		zap.String("ride_id", ride.ID.String()),
		zap.String("rider_id", riderID.String()),
		zap.String("pickup_zone", ride.PickupZone),
		zap.Float64("estimated_fare", ride.EstimatedFare),
	)

	return ride, nil
}

// GetRide returns the ride by id.
func (s *Service) GetRide(ctx context.Context, rideID uuid.UUID) (*models.Ride, error) {
	return s.repo.GetRideByID(ctx, rideID)
}

// Arrive marks the assigned driver as arriving at the pickup point.
func (s *Service) Arrive(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error) {
	ride, err := s.repo.MarkArriving(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "driver arriving",
		zap.String("ride_id", rideID.String()),
		zap.String("driver_id", driverID.String()),
	)
	return ride, nil
}

// Start begins the trip. The driver's latest location sample must be within
// the pickup proximity threshold.
func (s *Service) Start(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error) {
	ride, err := s.repo.GetRideByID(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID == nil || *ride.DriverID != driverID {
		return nil, common.NewValidationError("ride is not assigned to this driver")
	}

	location, err := s.locations.GetDriverLocation(ctx, driverID)
	if err != nil {
		return nil, common.NewValidationError("no recent driver location; cannot verify pickup proximity")
	}

	distanceM := pkggeo.HaversineMeters(location.Latitude, location.Longitude, ride.PickupLatitude, ride.PickupLongitude)
	if distanceM >= s.cfg.PickupProximityM {
		return nil, common.NewValidationError(
			fmt.Sprintf("driver is %.0f m from pickup, must be within %.0f m", distanceM, s.cfg.PickupProximityM))
	}

	ride, err = s.repo.StartRide(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}

	s.publishEvent(ctx, eventbus.SubjectRideStarted, eventbus.RideStartedData{
		RideID:    ride.ID,
		RiderID:   ride.RiderID,
		DriverID:  driverID,
		StartedAt: *ride.StartedAt,
	})

	return ride, nil
}

// Complete finalises the trip with the fare-protected final fare, notifies
// both parties, frees the driver and triggers payment capture.
func (s *Service) Complete(ctx context.Context, rideID, driverID uuid.UUID, actualDistanceKm float64) (*models.Ride, error) {
	if actualDistanceKm < 0 {
		return nil, common.NewValidationError("actual distance cannot be negative")
	}

	current, err := s.repo.GetRideByID(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if current.DriverID == nil || *current.DriverID != driverID {
		return nil, common.NewValidationError("ride is not assigned to this driver")
	}

	finalFare := s.fare.FinalFare(ctx, current.EstimatedFare, actualDistanceKm)

	ride, err := s.repo.CompleteRide(ctx, rideID, finalFare, actualDistanceKm)
	if err != nil {
		return nil, err
	}

	s.nearbySent.Delete(rideID)

	if err := s.locations.MarkAvailable(ctx, driverID); err != nil {
		logger.WarnContext(ctx, "failed to return driver to pool",
			zap.String("driver_id", driverID.String()), zap.Error(err))
	}

	completedData := map[string]interface{}{
		"ride_id":    ride.ID.String(),
		"final_fare": finalFare,
		"breakdown": map[string]interface{}{
			"base_fare":          s.fare.cfg.BaseFare,
			"distance_fare":      round2(finalFare - s.fare.cfg.BaseFare),
			"actual_distance_km": actualDistanceKm,
		},
	}
	s.notifier.Send(ride.RiderID, "ride_completed", completedData)
	s.notifier.Send(driverID, "ride_completed", completedData)

	s.publishEvent(ctx, eventbus.SubjectRideCompleted, eventbus.RideCompletedData{
		RideID:      ride.ID,
		RiderID:     ride.RiderID,
		DriverID:    driverID,
		FinalFare:   finalFare,
		DistanceKm:  actualDistanceKm,
		CompletedAt: *ride.CompletedAt,
	})

	logger.InfoContext(ctx, "ride completed",
		zap.String("ride_id", ride.ID.String()),
		zap.Float64("final_fare", finalFare),
	)

	return ride, nil
}

// Cancel cancels the ride on behalf of the actor, applying the cancellation
// fee policy and notifying the counterparty.
func (s *Service) Cancel(ctx context.Context, rideID, actorID uuid.UUID, actorRole, reason string) (*models.Ride, error) {
	current, err := s.repo.GetRideByID(ctx, rideID)
	if err != nil {
		return nil, err
	}

	cancelledByDriver := actorRole == "driver"
	switch {
	case cancelledByDriver:
		if current.DriverID == nil || *current.DriverID != actorID {
			return nil, common.NewValidationError("ride is not assigned to this driver")
		}
	default:
		if current.RiderID != actorID {
			return nil, common.NewValidationError("ride does not belong to this rider")
		}
	}

	fee := s.fare.CancellationFee(current, cancelledByDriver, time.Now().UTC())

	ride, err := s.repo.CancelRide(ctx, rideID, actorRole, reason, fee, nil)
	if err != nil {
		return nil, err
	}

	s.nearbySent.Delete(rideID)

	cancelData := map[string]interface{}{
		"ride_id":      ride.ID.String(),
		"cancelled_by": actorRole,
		"reason":       reason,
	}
	if fee > 0 {
		cancelData["fee"] = fee
	}

	// Notify the counterparty; the actor already knows.
	if cancelledByDriver {
		s.notifier.Send(ride.RiderID, "ride_cancelled", cancelData)
	} else if ride.DriverID != nil {
		s.notifier.Send(*ride.DriverID, "ride_cancelled", cancelData)
	}

	if ride.DriverID != nil {
		if err := s.locations.MarkAvailable(ctx, *ride.DriverID); err != nil {
			logger.WarnContext(ctx, "failed to return driver to pool",
				zap.String("driver_id", ride.DriverID.String()), zap.Error(err))
		}
	}

	var driverID uuid.UUID
	if ride.DriverID != nil {
		driverID = *ride.DriverID
	}
	s.publishEvent(ctx, eventbus.SubjectRideCancelled, eventbus.RideCancelledData{
		RideID:        ride.ID,
		RiderID:       ride.RiderID,
		DriverID:      driverID,
		CancelledBy:   actorRole,
		CancelledByID: actorID,
		Reason:        reason,
		Fee:           fee,
		CancelledAt:   *ride.CancelledAt,
	})

	logger.InfoContext(ctx, "ride cancelled",
		zap.String("ride_id", ride.ID.String()),
		zap.String("cancelled_by", actorRole),
		zap.Float64("fee", fee),
	)

	return ride, nil
}

// HandleDriverLocation forwards an in-ride location sample to the rider and
// fires the one-shot driver_nearby notification during DRIVER_ARRIVING.
func (s *Service) HandleDriverLocation(ctx context.Context, rideID, driverID uuid.UUID, latitude, longitude, accuracyM float64) {
	ride, err := s.repo.GetRideByID(ctx, rideID)
	if err != nil {
		return
	}
	if ride.DriverID == nil || *ride.DriverID != driverID || ride.Status.IsTerminal() {
		return
	}

	s.notifier.Send(ride.RiderID, "driver_location_update", map[string]interface{}{
		"ride_id":   rideID.String(),
		"driver_id": driverID.String(),
		"latitude":  latitude,
		"longitude": longitude,
		"accuracy":  accuracyM,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	if ride.Status != models.RideStatusDriverArrived {
		return
	}
	if _, sent := s.nearbySent.Load(rideID); sent {
		return
	}

	distanceM := pkggeo.HaversineMeters(latitude, longitude, ride.PickupLatitude, ride.PickupLongitude)
	if distanceM <= s.cfg.ProximityNotifyM {
		if _, loaded := s.nearbySent.LoadOrStore(rideID, struct{}{}); !loaded {
			s.notifier.Send(ride.RiderID, "driver_nearby", map[string]interface{}{
				"ride_id":    rideID.String(),
				"distance_m": round2(distanceM),
			})
		}
	}
}

// Stats summarises ride volume over a lookback window.
type Stats struct {
	Completed int64 `json:"completed"`
	Cancelled int64 `json:"cancelled"`
	Active    int64 `json:"in_progress"`
	Requested int64 `json:"requested"`
}

// GetStats counts rides per status over the past day.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	since := time.Now().Add(-24 * time.Hour)
	stats := &Stats{}

	var err error
	if stats.Completed, err = s.repo.CountRides(ctx, models.RideStatusCompleted, since); err != nil {
		return nil, err
	}
	if stats.Cancelled, err = s.repo.CountRides(ctx, models.RideStatusCancelled, since); err != nil {
		return nil, err
	}
	if stats.Active, err = s.repo.CountRides(ctx, models.RideStatusInProgress, since); err != nil {
		return nil, err
	}
	if stats.Requested, err = s.repo.CountRides(ctx, models.RideStatusRequested, since); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Service) validateRequest(req *models.RideRequest) error {
	if req == nil {
		return common.NewValidationError("ride request is required")
	}
	if req.PickupLatitude < -90 || req.PickupLatitude > 90 ||
		req.DropoffLatitude < -90 || req.DropoffLatitude > 90 {
		return common.NewValidationError("latitude out of range")
	}
	if req.PickupLongitude < -180 || req.PickupLongitude > 180 ||
		req.DropoffLongitude < -180 || req.DropoffLongitude > 180 {
		return common.NewValidationError("longitude out of range")
	}
	if req.PickupLatitude == req.DropoffLatitude && req.PickupLongitude == req.DropoffLongitude {
		return common.NewValidationError("pickup and destination are identical")
	}
	return nil
}

func (s *Service) publishRequested(ctx context.Context, ride *models.Ride) error {
	event, err := eventbus.NewEvent(eventbus.SubjectRideRequested, "rides", eventbus.RideRequestedData{
		RideID:            ride.ID,
		RiderID:           ride.RiderID,
		PickupLatitude:    ride.PickupLatitude,
		PickupLongitude:   ride.PickupLongitude,
		PickupAddress:     ride.PickupAddress,
		DropoffLatitude:   ride.DropoffLatitude,
		DropoffLongitude:  ride.DropoffLongitude,
		DropoffAddress:    ride.DropoffAddress,
		PickupZone:        ride.PickupZone,
		EstimatedFare:     ride.EstimatedFare,
		EstimatedDistance: ride.EstimatedDistance,
		EstimatedDuration: ride.EstimatedDuration,
		RequestedAt:       ride.RequestedAt,
	})
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, eventbus.SubjectRideRequested, event)
}

// publishEvent publishes best-effort lifecycle events. Failures are logged,
// not surfaced: the state transition already committed.
func (s *Service) publishEvent(ctx context.Context, subject string, data interface{}) {
	event, err := eventbus.NewEvent(subject, "rides", data)
	if err != nil {
		logger.ErrorContext(ctx, "failed to build event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		logger.ErrorContext(ctx, "failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
