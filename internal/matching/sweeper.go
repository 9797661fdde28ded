package matching

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citycab/dispatch/pkg/logger"
	"github.com/citycab/dispatch/pkg/models"
)

const (
	broadcastSweepLockKey = "matching:sweeper:lock"
	broadcastSweepBatch   = 100
)

// RunBroadcastSweeper periodically reaps broadcast records left behind by
// crashed matchers until the context ends.
func (s *Service) RunBroadcastSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.SweepOrphanedBroadcasts(ctx, interval)
		}
	}
}

// SweepOrphanedBroadcasts retracts offers for broadcast records no matcher is
// refreshing. A live matcher rewrites its record every round, so a record
// unrefreshed for a full round past its expiry belongs to a dead matcher.
func (s *Service) SweepOrphanedBroadcasts(ctx context.Context, interval time.Duration) {
	acquired, err := s.coord.SetIfAbsent(ctx, broadcastSweepLockKey, uuid.New().String(), interval)
	if err != nil {
		logger.WarnContext(ctx, "broadcast sweep lock unavailable", zap.Error(err))
		return
	}
	if !acquired {
		return
	}

	keys, err := s.coord.ScanKeys(ctx, "ride:*:broadcast", broadcastSweepBatch)
	if err != nil {
		logger.WarnContext(ctx, "failed to scan broadcast records", zap.Error(err))
		return
	}

	for _, key := range keys {
		rideID, ok := rideIDFromBroadcastKey(key)
		if !ok {
			continue
		}
		s.reapIfOrphaned(ctx, rideID)
	}
}

func (s *Service) reapIfOrphaned(ctx context.Context, rideID uuid.UUID) {
	s.mu.Lock()
	_, running := s.matchers[rideID]
	s.mu.Unlock()
	if running {
		return
	}

	record, err := s.loadBroadcast(ctx, rideID)
	if err != nil {
		return // expired or unreadable, nothing to retract
	}

	// Grace of one round: the owning matcher may be mid-expansion elsewhere.
	if time.Since(record.ExpiresAt) <= s.cfg.RoundTimeout() {
		return
	}

	for _, driverID := range record.Notified {
		s.notifier.Send(driverID, "ride_no_longer_available", map[string]interface{}{
			"ride_id": rideID.String(),
		})
	}

	// The ride is only failed if matching never resolved it.
	_, err = s.rides.CancelRide(ctx, rideID, "system", "dispatch_interrupted", 0,
		[]models.RideStatus{models.RideStatusRequested})
	if err == nil {
		s.notifier.Send(record.RiderID, "ride_match_failed", map[string]interface{}{
			"ride_id": rideID.String(),
			"reason":  "dispatch_interrupted",
		})
	}

	s.deleteBroadcast(ctx, rideID)
	logger.InfoContext(ctx, "reaped orphaned broadcast",
		zap.String("ride_id", rideID.String()),
		zap.Int("notified_total", len(record.Notified)),
	)
}

func rideIDFromBroadcastKey(key string) (uuid.UUID, bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(key, "ride:"), ":broadcast")
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
