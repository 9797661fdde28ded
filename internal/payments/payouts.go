package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citycab/dispatch/pkg/eventbus"
	"github.com/citycab/dispatch/pkg/logger"
	"github.com/citycab/dispatch/pkg/models"
	redisClient "github.com/citycab/dispatch/pkg/redis"
)

const (
	payoutSweepLockKey = "payouts:sweeper:lock"
	payoutBatchSize    = 100
)

// Sweeper settles driver payouts whose holding delay has elapsed. A Redis
// lock keeps a single instance sweeping per interval; the SCHEDULED to
// PROCESSING claim inside the store guards each payout besides.
type Sweeper struct {
	repo       PaymentRepository
	gateway    Gateway
	coord      redisClient.ClientInterface
	bus        eventbus.Publisher
	notifier   Notifier
	interval   time.Duration
	instanceID string
}

// NewSweeper creates a payout sweeper.
func NewSweeper(repo PaymentRepository, gateway Gateway, coord redisClient.ClientInterface, bus eventbus.Publisher, notifier Notifier, interval time.Duration) *Sweeper {
	return &Sweeper{
		repo:       repo,
		gateway:    gateway,
		coord:      coord,
		bus:        bus,
		notifier:   notifier,
		interval:   interval,
		instanceID: uuid.New().String(),
	}
}

// Run sweeps on every tick until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep settles one batch of due payouts if this instance wins the lock.
func (s *Sweeper) Sweep(ctx context.Context) {
	acquired, err := s.coord.SetIfAbsent(ctx, payoutSweepLockKey, s.instanceID, s.interval)
	if err != nil {
		logger.WarnContext(ctx, "payout sweep lock unavailable", zap.Error(err))
		return
	}
	if !acquired {
		return
	}

	due, err := s.repo.DuePayouts(ctx, time.Now().UTC(), payoutBatchSize)
	if err != nil {
		logger.WarnContext(ctx, "failed to list due payouts", zap.Error(err))
		return
	}

	for _, payout := range due {
		s.settle(ctx, payout)
	}
}

func (s *Sweeper) settle(ctx context.Context, payout *models.DriverPayout) {
	claimed, err := s.repo.ClaimPayout(ctx, payout.ID)
	if err != nil {
		logger.WarnContext(ctx, "failed to claim payout",
			zap.String("payout_id", payout.ID.String()), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	_, err = s.gateway.Payout(ctx, &PayoutRequest{
		PayoutID:    payout.ID,
		DriverID:    payout.DriverID,
		AmountCents: toCents(payout.Amount),
		Currency:    payout.Currency,
	})
	if err != nil {
		s.onSettleFailure(ctx, payout, err)
		return
	}

	if err := s.repo.CompletePayout(ctx, payout.ID); err != nil {
		logger.ErrorContext(ctx, "payout transferred but failed to persist completion",
			zap.String("payout_id", payout.ID.String()), zap.Error(err))
		return
	}

	payoutsTotal.WithLabelValues("completed").Inc()

	s.notifier.Send(payout.DriverID, "payout_completed", map[string]interface{}{
		"payout_id": payout.ID.String(),
		"amount":    payout.Amount,
		"currency":  payout.Currency,
	})

	s.publish(ctx, eventbus.SubjectPayoutCompleted, eventbus.PayoutSettledData{
		PayoutID:    payout.ID,
		DriverID:    payout.DriverID,
		Amount:      payout.Amount,
		Status:      string(models.PayoutStatusCompleted),
		ProcessedAt: time.Now().UTC(),
	})

	logger.InfoContext(ctx, "payout settled",
		zap.String("payout_id", payout.ID.String()),
		zap.String("driver_id", payout.DriverID.String()),
		zap.Float64("amount", payout.Amount),
	)
}

func (s *Sweeper) onSettleFailure(ctx context.Context, payout *models.DriverPayout, cause error) {
	if err := s.repo.FailPayout(ctx, payout.ID, cause.Error()); err != nil {
		logger.WarnContext(ctx, "failed to persist payout failure",
			zap.String("payout_id", payout.ID.String()), zap.Error(err))
	}

	payoutsTotal.WithLabelValues("failed").Inc()

	s.publish(ctx, eventbus.SubjectPayoutFailed, eventbus.PayoutSettledData{
		PayoutID:    payout.ID,
		DriverID:    payout.DriverID,
		Amount:      payout.Amount,
		Status:      string(models.PayoutStatusFailed),
		ProcessedAt: time.Now().UTC(),
	})

	logger.WarnContext(ctx, "payout settlement failed",
		zap.String("payout_id", payout.ID.String()),
		zap.Error(cause),
	)
}

func (s *Sweeper) publish(ctx context.Context, subject string, data interface{}) {
	event, err := eventbus.NewEvent(subject, "payments", data)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		logger.WarnContext(ctx, "failed to publish payout event",
			zap.String("subject", subject), zap.Error(err))
	}
}
