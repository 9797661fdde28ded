package geo

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citycab/dispatch/pkg/common"
	"github.com/citycab/dispatch/pkg/logger"
	"github.com/citycab/dispatch/pkg/models"
	redisClient "github.com/citycab/dispatch/pkg/redis"
)

const (
	driverLocationPrefix     = "driver:location:"
	driverAvailabilityPrefix = "driver:availability:"
	driverGeoIndexKey        = "drivers:geo:index" // Redis GEO key for all active drivers

	// Availability records outlive location samples so a driver who lost
	// signal briefly does not have to re-state preferences.
	availabilityTTL = 24 * time.Hour

	defaultStaleLocationTTL = 60 * time.Second
)

// Candidate is a driver returned by a nearby query, closest first.
type Candidate struct {
	DriverID   uuid.UUID
	DistanceKm float64
	Location   *models.DriverLocation
}

// NearbyQuery filters a radius search over the location index.
type NearbyQuery struct {
	Latitude  float64
	Longitude float64
	RadiusKm  float64
	// Exclude lists driver ids to skip (already notified or rejected).
	Exclude map[uuid.UUID]struct{}
	// ExtendedArea requires candidates to have opted in to extended-area pickups.
	ExtendedArea bool
	Limit        int
}

// Service is the driver location index. Location samples and availability
// records live in Redis; the geo set answers radius queries.
type Service struct {
	redis    redisClient.ClientInterface
	staleTTL time.Duration
}

// NewService creates a location index service. staleTTL bounds how long a
// location sample stays queryable without a fresh update.
func NewService(redis redisClient.ClientInterface, staleTTL time.Duration) *Service {
	if staleTTL <= 0 {
		staleTTL = defaultStaleLocationTTL
	}
	return &Service{redis: redis, staleTTL: staleTTL}
}

// UpdateDriverLocation records a location sample. Samples older than the one
// already stored are discarded, so out-of-order delivery never rewinds a
// driver's position.
func (s *Service) UpdateDriverLocation(ctx context.Context, driverID uuid.UUID, latitude, longitude, accuracyM float64, recordedAt time.Time) error {
	if latitude < -90 || latitude > 90 || longitude < -180 || longitude > 180 {
		return common.NewValidationError("latitude or longitude out of range")
	}
	if accuracyM < 0 {
		return common.NewValidationError("accuracy cannot be negative")
	}
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	if existing, err := s.GetDriverLocation(ctx, driverID); err == nil {
		if !recordedAt.After(existing.RecordedAt) {
			logger.DebugContext(ctx, "discarding stale location sample",
				zap.String("driver_id", driverID.String()),
				zap.Time("recorded_at", recordedAt),
			)
			return nil
		}
	}

	location := &models.DriverLocation{
		DriverID:   driverID,
		Latitude:   latitude,
		Longitude:  longitude,
		Accuracy:   accuracyM,
		H3Cell:     MatchingCell(latitude, longitude),
		RecordedAt: recordedAt,
	}

	data, err := json.Marshal(location)
	if err != nil {
		return common.NewFatalError("failed to marshal location sample", err)
	}

	key := driverLocationPrefix + driverID.String()
	if err := s.redis.SetWithExpiration(ctx, key, data, s.staleTTL); err != nil {
		return common.NewTransientStoreError("failed to store location sample", err)
	}

	if err := s.redis.GeoAdd(ctx, driverGeoIndexKey, longitude, latitude, driverID.String()); err != nil {
		return common.NewTransientStoreError("failed to update geo index", err)
	}

	return nil
}

// GetDriverLocation returns the driver's latest non-stale sample.
func (s *Service) GetDriverLocation(ctx context.Context, driverID uuid.UUID) (*models.DriverLocation, error) {
	data, err := s.redis.GetString(ctx, driverLocationPrefix+driverID.String())
	if err != nil {
		return nil, common.NewNotFoundError("driver location not found", nil)
	}

	var location models.DriverLocation
	if err := json.Unmarshal([]byte(data), &location); err != nil {
		return nil, common.NewFatalError("corrupt location sample", err)
	}

	return &location, nil
}

// QueryNearby returns available drivers inside the radius, ordered by
// ascending distance with the fresher sample winning ties. Drivers in the
// exclusion set, suspended drivers, and drivers whose sample has gone stale
// never appear.
func (s *Service) QueryNearby(ctx context.Context, q NearbyQuery) ([]Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	// Over-fetch so post-filtering still fills the limit.
	members, err := s.redis.GeoRadius(ctx, driverGeoIndexKey, q.Longitude, q.Latitude, q.RadiusKm, limit*3)
	if err != nil {
		return nil, common.NewTransientStoreError("geo radius query failed", err)
	}

	candidates := make([]Candidate, 0, len(members))
	for _, member := range members {
		driverID, err := uuid.Parse(member.Name)
		if err != nil {
			continue
		}
		if _, skip := q.Exclude[driverID]; skip {
			continue
		}

		// The geo set can outlive the sample key. A missing sample means
		// the driver's location is stale; drop them from the index.
		location, err := s.GetDriverLocation(ctx, driverID)
		if err != nil {
			s.redis.GeoRemove(ctx, driverGeoIndexKey, member.Name)
			continue
		}
		if time.Since(location.RecordedAt) > s.staleTTL {
			continue
		}

		availability, err := s.GetAvailability(ctx, driverID)
		if err != nil || availability.Status != models.AvailabilityAvailable {
			continue
		}
		if availability.Suspended {
			continue
		}
		if q.ExtendedArea && !availability.AcceptsExtended {
			continue
		}

		candidates = append(candidates, Candidate{
			DriverID:   driverID,
			DistanceKm: member.DistanceKm,
			Location:   location,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].DistanceKm != candidates[j].DistanceKm {
			return candidates[i].DistanceKm < candidates[j].DistanceKm
		}
		return candidates[i].Location.RecordedAt.After(candidates[j].Location.RecordedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// SetAvailability upserts the driver's availability record. Going offline
// drops the driver from the geo index so radius queries stop seeing them.
func (s *Service) SetAvailability(ctx context.Context, record *models.DriverAvailability) error {
	if record.DriverID == uuid.Nil {
		return common.NewValidationError("driver id is required")
	}
	record.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(record)
	if err != nil {
		return common.NewFatalError("failed to marshal availability record", err)
	}

	key := driverAvailabilityPrefix + record.DriverID.String()
	if err := s.redis.SetWithExpiration(ctx, key, data, availabilityTTL); err != nil {
		return common.NewTransientStoreError("failed to store availability record", err)
	}

	if record.Status == models.AvailabilityOffline {
		if err := s.redis.GeoRemove(ctx, driverGeoIndexKey, record.DriverID.String()); err != nil {
			logger.WarnContext(ctx, "failed to remove offline driver from geo index",
				zap.String("driver_id", record.DriverID.String()),
				zap.Error(err),
			)
		}
	}

	return nil
}

// GetAvailability returns the driver's availability record, defaulting to
// offline when none exists.
func (s *Service) GetAvailability(ctx context.Context, driverID uuid.UUID) (*models.DriverAvailability, error) {
	data, err := s.redis.GetString(ctx, driverAvailabilityPrefix+driverID.String())
	if err != nil {
		return &models.DriverAvailability{
			DriverID: driverID,
			Status:   models.AvailabilityOffline,
		}, nil
	}

	var record models.DriverAvailability
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, common.NewFatalError("corrupt availability record", err)
	}

	return &record, nil
}

// MarkBusy flips the driver to busy with the given ride, used when a claim
// is confirmed.
func (s *Service) MarkBusy(ctx context.Context, driverID, rideID uuid.UUID) error {
	record, err := s.GetAvailability(ctx, driverID)
	if err != nil {
		return err
	}
	record.Status = models.AvailabilityBusy
	record.CurrentRideID = &rideID
	return s.SetAvailability(ctx, record)
}

// MarkAvailable returns the driver to the dispatch pool after a terminal
// ride transition, unless the driver is suspended.
func (s *Service) MarkAvailable(ctx context.Context, driverID uuid.UUID) error {
	record, err := s.GetAvailability(ctx, driverID)
	if err != nil {
		return err
	}
	record.CurrentRideID = nil
	if record.Suspended {
		record.Status = models.AvailabilityOffline
	} else {
		record.Status = models.AvailabilityAvailable
	}
	return s.SetAvailability(ctx, record)
}
