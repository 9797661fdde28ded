package rides

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/citycab/dispatch/pkg/common"
	"github.com/citycab/dispatch/pkg/database"
	"github.com/citycab/dispatch/pkg/models"
)

// RideRepository is the persistence contract for rides. Every lifecycle
// transition is a conditional update; zero rows affected means the ride was
// not in the required state.
type RideRepository interface {
	CreateRide(ctx context.Context, ride *models.Ride) error
	GetRideByID(ctx context.Context, id uuid.UUID) (*models.Ride, error)
	AcceptRide(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error)
	MarkArriving(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error)
	StartRide(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error)
	CompleteRide(ctx context.Context, rideID uuid.UUID, finalFare, actualDistance float64) (*models.Ride, error)
	CancelRide(ctx context.Context, rideID uuid.UUID, cancelledBy, reason string, fee float64, fromStatuses []models.RideStatus) (*models.Ride, error)
	CountRides(ctx context.Context, status models.RideStatus, since time.Time) (int64, error)
}

// Repository handles database operations for rides
type Repository struct {
	db *pgxpool.Pool
}

var _ RideRepository = (*Repository)(nil)

// NewRepository creates a new rides repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const rideColumns = `
	id, rider_id, driver_id, status, pickup_latitude, pickup_longitude,
	pickup_address, dropoff_latitude, dropoff_longitude, dropoff_address,
	pickup_zone, estimated_distance, estimated_duration, estimated_fare,
	actual_distance, final_fare, cancellation_fee, payment_status,
	requested_at, matched_at, arrived_at, started_at, completed_at,
	cancelled_at, cancelled_by, cancellation_reason, created_at, updated_at`

func scanRide(row pgx.Row) (*models.Ride, error) {
	ride := &models.Ride{}
	err := row.Scan(
		&ride.ID,
		&ride.RiderID,
		&ride.DriverID,
		&ride.Status,
		&ride.PickupLatitude,
		&ride.PickupLongitude,
		&ride.PickupAddress,
		&ride.DropoffLatitude,
		&ride.DropoffLongitude,
		&ride.DropoffAddress,
		&ride.PickupZone,
		&ride.EstimatedDistance,
		&ride.EstimatedDuration,
		&ride.EstimatedFare,
		&ride.ActualDistance,
		&ride.FinalFare,
		&ride.CancellationFee,
		&ride.PaymentStatus,
		&ride.RequestedAt,
		&ride.MatchedAt,
		&ride.ArrivedAt,
		&ride.StartedAt,
		&ride.CompletedAt,
		&ride.CancelledAt,
		&ride.CancelledBy,
		&ride.CancellationReason,
		&ride.CreatedAt,
		&ride.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ride, nil
}

// CreateRide persists a new ride in REQUESTED state.
func (r *Repository) CreateRide(ctx context.Context, ride *models.Ride) error {
	query := `
		INSERT INTO rides (
			id, rider_id, status, pickup_latitude, pickup_longitude, pickup_address,
			dropoff_latitude, dropoff_longitude, dropoff_address, pickup_zone,
			estimated_distance, estimated_duration, estimated_fare, payment_status,
			requested_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		ride.ID,
		ride.RiderID,
		ride.Status,
		ride.PickupLatitude,
		ride.PickupLongitude,
		ride.PickupAddress,
		ride.DropoffLatitude,
		ride.DropoffLongitude,
		ride.DropoffAddress,
		ride.PickupZone,
		ride.EstimatedDistance,
		ride.EstimatedDuration,
		ride.EstimatedFare,
		ride.PaymentStatus,
		ride.RequestedAt,
	).Scan(&ride.CreatedAt, &ride.UpdatedAt)

	if err != nil {
		if database.IsPostgresRetryable(err) {
			return common.NewTransientStoreError("failed to create ride", err)
		}
		return fmt.Errorf("failed to create ride: %w", err)
	}

	return nil
}

// GetRideByID retrieves a ride by ID
func (r *Repository) GetRideByID(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
	query := `SELECT ` + rideColumns + ` FROM rides WHERE id = $1`

	// Reads are safe to retry through transient connection failures.
	ride, err := database.RetryableQueryRow(ctx, r.db, query, []interface{}{id}, scanRide)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, common.NewNotFoundError("ride not found", err)
		}
		return nil, fmt.Errorf("failed to get ride: %w", err)
	}
	return ride, nil
}

// AcceptRide assigns the driver atomically. The WHERE clause is the
// single-winner guard: only a ride still REQUESTED with no driver can be won.
func (r *Repository) AcceptRide(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error) {
	query := `
		UPDATE rides
		SET status = $1, driver_id = $2, matched_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5 AND driver_id IS NULL
		RETURNING ` + rideColumns

	now := time.Now().UTC()
	ride, err := scanRide(r.db.QueryRow(ctx, query,
		models.RideStatusMatched, driverID, now, rideID, models.RideStatusRequested))
	return r.transitionResult(ctx, rideID, ride, err, EventAccept)
}

// MarkArriving moves the ride to DRIVER_ARRIVING, only by the assigned driver.
func (r *Repository) MarkArriving(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error) {
	query := `
		UPDATE rides
		SET status = $1, arrived_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4 AND driver_id = $5
		RETURNING ` + rideColumns

	now := time.Now().UTC()
	ride, err := scanRide(r.db.QueryRow(ctx, query,
		models.RideStatusDriverArrived, now, rideID, models.RideStatusMatched, driverID))
	return r.transitionResult(ctx, rideID, ride, err, EventArrive)
}

// StartRide moves the ride to IN_PROGRESS, only by the assigned driver.
func (r *Repository) StartRide(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error) {
	query := `
		UPDATE rides
		SET status = $1, started_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4 AND driver_id = $5
		RETURNING ` + rideColumns

	now := time.Now().UTC()
	ride, err := scanRide(r.db.QueryRow(ctx, query,
		models.RideStatusInProgress, now, rideID, models.RideStatusDriverArrived, driverID))
	return r.transitionResult(ctx, rideID, ride, err, EventStart)
}

// CompleteRide finalises the trip with the protected fare.
func (r *Repository) CompleteRide(ctx context.Context, rideID uuid.UUID, finalFare, actualDistance float64) (*models.Ride, error) {
	query := `
		UPDATE rides
		SET status = $1, final_fare = $2, actual_distance = $3, completed_at = $4, updated_at = $4
		WHERE id = $5 AND status = $6
		RETURNING ` + rideColumns

	now := time.Now().UTC()
	ride, err := scanRide(r.db.QueryRow(ctx, query,
		models.RideStatusCompleted, finalFare, actualDistance, now, rideID, models.RideStatusInProgress))
	return r.transitionResult(ctx, rideID, ride, err, EventComplete)
}

// CancelRide cancels the ride when its current status is one of fromStatuses.
func (r *Repository) CancelRide(ctx context.Context, rideID uuid.UUID, cancelledBy, reason string, fee float64, fromStatuses []models.RideStatus) (*models.Ride, error) {
	if len(fromStatuses) == 0 {
		fromStatuses = []models.RideStatus{
			models.RideStatusRequested,
			models.RideStatusMatched,
			models.RideStatusDriverArrived,
			models.RideStatusInProgress,
		}
	}

	query := `
		UPDATE rides
		SET status = $1, cancelled_by = $2, cancellation_reason = $3,
		    cancellation_fee = $4, cancelled_at = $5, updated_at = $5
		WHERE id = $6 AND status = ANY($7)
		RETURNING ` + rideColumns

	statuses := make([]string, len(fromStatuses))
	for i, s := range fromStatuses {
		statuses[i] = string(s)
	}

	now := time.Now().UTC()
	ride, err := scanRide(r.db.QueryRow(ctx, query,
		models.RideStatusCancelled, cancelledBy, reason, fee, now, rideID, statuses))
	return r.transitionResult(ctx, rideID, ride, err, EventCancel)
}

// CountRides counts rides in a status since a point in time.
func (r *Repository) CountRides(ctx context.Context, status models.RideStatus, since time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM rides WHERE status = $1 AND created_at >= $2`,
		status, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rides: %w", err)
	}
	return count, nil
}

// transitionResult maps a conditional-update miss to not_found or
// invalid_transition by re-reading the row.
func (r *Repository) transitionResult(ctx context.Context, rideID uuid.UUID, ride *models.Ride, err error, event Event) (*models.Ride, error) {
	if err == nil {
		return ride, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if database.IsPostgresRetryable(err) {
			return nil, common.NewTransientStoreError("ride transition failed", err)
		}
		return nil, fmt.Errorf("ride transition failed: %w", err)
	}

	current, getErr := r.GetRideByID(ctx, rideID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, common.NewInvalidTransitionError(
		fmt.Sprintf("event %q not allowed from status %q", event, current.Status))
}
