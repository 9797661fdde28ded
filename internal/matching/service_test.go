package matching

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/citycab/dispatch/internal/geo"
	"github.com/citycab/dispatch/pkg/common"
	"github.com/citycab/dispatch/pkg/config"
	"github.com/citycab/dispatch/pkg/eventbus"
	"github.com/citycab/dispatch/pkg/models"
	"github.com/citycab/dispatch/test/mocks"
)

type mockRideStore struct {
	mock.Mock
}

func (m *mockRideStore) GetRideByID(ctx context.Context, id uuid.UUID) (*models.Ride, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Ride), args.Error(1)
}

func (m *mockRideStore) AcceptRide(ctx context.Context, rideID, driverID uuid.UUID) (*models.Ride, error) {
	args := m.Called(ctx, rideID, driverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Ride), args.Error(1)
}

func (m *mockRideStore) CancelRide(ctx context.Context, rideID uuid.UUID, cancelledBy, reason string, fee float64, fromStatuses []models.RideStatus) (*models.Ride, error) {
	args := m.Called(ctx, rideID, cancelledBy, reason, fee, fromStatuses)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Ride), args.Error(1)
}

type mockLocations struct {
	mock.Mock
}

func (m *mockLocations) QueryNearby(ctx context.Context, q geo.NearbyQuery) ([]geo.Candidate, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]geo.Candidate), args.Error(1)
}

func (m *mockLocations) GetDriverLocation(ctx context.Context, driverID uuid.UUID) (*models.DriverLocation, error) {
	args := m.Called(ctx, driverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DriverLocation), args.Error(1)
}

func (m *mockLocations) MarkBusy(ctx context.Context, driverID, rideID uuid.UUID) error {
	args := m.Called(ctx, driverID, rideID)
	return args.Error(0)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Send(userID uuid.UUID, msgType string, data map[string]interface{}) bool {
	args := m.Called(userID, msgType, data)
	return args.Bool(0)
}

type mockBus struct {
	mocks.MockPublisher
}

func (m *mockBus) Subscribe(ctx context.Context, subject, consumerName string, handler eventbus.HandlerFunc) error {
	args := m.Called(ctx, subject, consumerName, handler)
	return args.Error(0)
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		InitialSearchRadiusKm:   5,
		SearchRadiusExpansionKm: 2,
		MaxSearchRadiusKm:       15,
		MatchTimeoutSeconds:     120,
		RoundTimeoutSeconds:     30,
		ClaimTTLSeconds:         10,
		StaleLocationTTLSeconds: 60,
	}
}

type fixture struct {
	rides     *mockRideStore
	locations *mockLocations
	coord     *mocks.MockRedisClient
	notifier  *mockNotifier
	bus       *mockBus
	svc       *Service
}

func newFixture() *fixture {
	f := &fixture{
		rides:     new(mockRideStore),
		locations: new(mockLocations),
		coord:     new(mocks.MockRedisClient),
		notifier:  new(mockNotifier),
		bus:       new(mockBus),
	}
	f.svc = NewService(f.rides, f.locations, f.coord, f.notifier, f.bus, testConfig())
	return f
}

func TestClaim_Winner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rideID := uuid.New()
	riderID := uuid.New()
	winner := uuid.New()
	loser := uuid.New()

	ride := &models.Ride{
		ID:              rideID,
		RiderID:         riderID,
		Status:          models.RideStatusMatched,
		PickupLatitude:  22.72,
		PickupLongitude: 75.85,
	}

	f.coord.On("SetIfAbsent", ctx, claimKey(rideID), winner.String(), 10*time.Second).Return(true, nil)
	f.rides.On("AcceptRide", ctx, rideID, winner).Return(ride, nil)
	f.locations.On("MarkBusy", ctx, winner, rideID).Return(nil)
	f.locations.On("GetDriverLocation", ctx, winner).Return(&models.DriverLocation{
		DriverID: winner, Latitude: 22.73, Longitude: 75.85, RecordedAt: time.Now(),
	}, nil)

	record := broadcastRecord{RideID: rideID, RiderID: riderID, Notified: []uuid.UUID{winner, loser}}
	recordJSON, _ := json.Marshal(&record)
	f.coord.On("GetString", ctx, broadcastKey(rideID)).Return(string(recordJSON), nil)
	f.coord.On("Delete", ctx, broadcastKey(rideID)).Return(nil)

	f.notifier.On("Send", winner, "ride_match_confirmed", mock.Anything).Return(true)
	f.notifier.On("Send", riderID, "ride_matched", mock.MatchedBy(func(data map[string]interface{}) bool {
		_, hasETA := data["eta_minutes"]
		return data["driver_id"] == winner.String() && hasETA
	})).Return(true)
	f.notifier.On("Send", loser, "ride_no_longer_available", mock.Anything).Return(true)
	f.bus.On("Publish", ctx, eventbus.SubjectRideMatched, mock.Anything).Return(nil)

	result, err := f.svc.Claim(ctx, rideID, winner)

	assert.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, result.Outcome)
	f.notifier.AssertExpectations(t)
	f.coord.AssertExpectations(t)
}

func TestClaim_SlotAlreadyHeld(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rideID := uuid.New()
	driverID := uuid.New()

	f.coord.On("SetIfAbsent", ctx, claimKey(rideID), driverID.String(), 10*time.Second).Return(false, nil)

	result, err := f.svc.Claim(ctx, rideID, driverID)

	assert.NoError(t, err)
	assert.Equal(t, OutcomeProcessing, result.Outcome)
	f.rides.AssertNotCalled(t, "AcceptRide", mock.Anything, mock.Anything, mock.Anything)
}

func TestClaim_AlreadyTerminal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rideID := uuid.New()
	driverID := uuid.New()

	f.coord.On("SetIfAbsent", ctx, claimKey(rideID), driverID.String(), 10*time.Second).Return(true, nil)
	f.rides.On("AcceptRide", ctx, rideID, driverID).
		Return(nil, common.NewInvalidTransitionError("event \"accept\" not allowed from status \"cancelled\""))
	f.coord.On("ReleaseIfHolder", ctx, claimKey(rideID), driverID.String()).Return(true, nil)
	f.rides.On("GetRideByID", ctx, rideID).Return(&models.Ride{
		ID: rideID, Status: models.RideStatusCancelled,
	}, nil)

	result, err := f.svc.Claim(ctx, rideID, driverID)

	assert.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyTerminal, result.Outcome)
	f.coord.AssertCalled(t, "ReleaseIfHolder", ctx, claimKey(rideID), driverID.String())
}

func TestClaim_AlreadyMatched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rideID := uuid.New()
	driverID := uuid.New()
	other := uuid.New()

	f.coord.On("SetIfAbsent", ctx, claimKey(rideID), driverID.String(), 10*time.Second).Return(true, nil)
	f.rides.On("AcceptRide", ctx, rideID, driverID).
		Return(nil, common.NewInvalidTransitionError("event \"accept\" not allowed from status \"matched\""))
	f.coord.On("ReleaseIfHolder", ctx, claimKey(rideID), driverID.String()).Return(true, nil)
	f.rides.On("GetRideByID", ctx, rideID).Return(&models.Ride{
		ID: rideID, Status: models.RideStatusMatched, DriverID: &other,
	}, nil)

	result, err := f.svc.Claim(ctx, rideID, driverID)

	assert.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyMatched, result.Outcome)
}

func TestClaim_StoreUnreachableAfterClaim(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rideID := uuid.New()
	driverID := uuid.New()

	f.coord.On("SetIfAbsent", ctx, claimKey(rideID), driverID.String(), 10*time.Second).Return(true, nil)
	f.rides.On("AcceptRide", ctx, rideID, driverID).
		Return(nil, common.NewTransientStoreError("ride transition failed", errors.New("connection reset")))
	f.coord.On("ReleaseIfHolder", ctx, claimKey(rideID), driverID.String()).Return(true, nil)

	result, err := f.svc.Claim(ctx, rideID, driverID)

	assert.NoError(t, err)
	assert.Equal(t, OutcomeProcessing, result.Outcome)
	f.coord.AssertCalled(t, "ReleaseIfHolder", ctx, claimKey(rideID), driverID.String())
}

func TestClaim_CoordinationStoreDown(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rideID := uuid.New()
	driverID := uuid.New()

	f.coord.On("SetIfAbsent", ctx, claimKey(rideID), driverID.String(), 10*time.Second).
		Return(false, errors.New("connection refused"))

	result, err := f.svc.Claim(ctx, rideID, driverID)

	assert.NoError(t, err)
	assert.Equal(t, OutcomeProcessing, result.Outcome)
	f.rides.AssertNotCalled(t, "AcceptRide", mock.Anything, mock.Anything, mock.Anything)
}

func TestReject_PersistsWithMatchTimeoutTTL(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rideID := uuid.New()
	driverID := uuid.New()

	f.coord.On("SetWithExpiration", ctx, rejectionKey(rideID, driverID), "1", 120*time.Second).Return(nil)

	err := f.svc.Reject(ctx, rideID, driverID)

	assert.NoError(t, err)
	f.coord.AssertExpectations(t)
}

func requestData(rideID, riderID uuid.UUID) eventbus.RideRequestedData {
	return eventbus.RideRequestedData{
		RideID:          rideID,
		RiderID:         riderID,
		PickupLatitude:  22.72,
		PickupLongitude: 75.85,
		PickupZone:      "primary",
		EstimatedFare:   12.70,
		RequestedAt:     time.Now(),
	}
}

func TestMatcher_FailedSendDoesNotCountAsNotified(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rideID := uuid.New()
	riderID := uuid.New()
	delivered := uuid.New()
	unreachable := uuid.New()

	m := newMatcher(f.svc, requestData(rideID, riderID))

	f.locations.On("QueryNearby", ctx, mock.Anything).Return([]geo.Candidate{
		{DriverID: delivered, DistanceKm: 1.0},
		{DriverID: unreachable, DistanceKm: 2.0},
	}, nil)
	f.coord.On("Exists", ctx, mock.Anything).Return(false, nil)
	f.notifier.On("Send", delivered, "ride_offer", mock.Anything).Return(true)
	f.notifier.On("Send", unreachable, "ride_offer", mock.Anything).Return(false)
	f.coord.On("SetWithExpiration", ctx, broadcastKey(rideID),
		mock.MatchedBy(func(value []byte) bool {
			var record broadcastRecord
			if err := json.Unmarshal(value, &record); err != nil {
				return false
			}
			return len(record.Notified) == 1 && record.Notified[0] == delivered
		}), mock.Anything).Return(nil)

	notified := make(map[uuid.UUID]struct{})
	m.broadcastRound(ctx, 5, 0, notified, map[uuid.UUID]struct{}{})

	assert.Contains(t, notified, delivered)
	assert.NotContains(t, notified, unreachable)
	f.coord.AssertExpectations(t)
}

func TestMatcher_StoredRejectionExcludesCandidate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rideID := uuid.New()
	riderID := uuid.New()
	declined := uuid.New()
	fresh := uuid.New()

	m := newMatcher(f.svc, requestData(rideID, riderID))

	// A rejection persisted by an earlier matcher for this ride must keep the
	// driver out of later rounds even though it never reached this matcher's
	// reject channel.
	f.locations.On("QueryNearby", ctx, mock.Anything).Return([]geo.Candidate{
		{DriverID: declined, DistanceKm: 0.8},
		{DriverID: fresh, DistanceKm: 1.5},
	}, nil)
	f.coord.On("Exists", ctx, rejectionKey(rideID, declined)).Return(true, nil)
	f.coord.On("Exists", ctx, rejectionKey(rideID, fresh)).Return(false, nil)
	f.notifier.On("Send", fresh, "ride_offer", mock.Anything).Return(true)
	f.coord.On("SetWithExpiration", ctx, broadcastKey(rideID),
		mock.MatchedBy(func(value []byte) bool {
			var record broadcastRecord
			if err := json.Unmarshal(value, &record); err != nil {
				return false
			}
			return len(record.Notified) == 1 && record.Notified[0] == fresh
		}), mock.Anything).Return(nil)

	notified := make(map[uuid.UUID]struct{})
	rejected := make(map[uuid.UUID]struct{})
	m.broadcastRound(ctx, 5, 0, notified, rejected)

	f.notifier.AssertNotCalled(t, "Send", declined, "ride_offer", mock.Anything)
	assert.Contains(t, rejected, declined)
	assert.NotContains(t, notified, declined)
	f.coord.AssertExpectations(t)
}

func TestMatcher_QueryFailureFailsRoundOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := newMatcher(f.svc, requestData(uuid.New(), uuid.New()))

	f.locations.On("QueryNearby", ctx, mock.Anything).
		Return(nil, common.NewTransientStoreError("geo radius query failed", errors.New("timeout")))

	notified := make(map[uuid.UUID]struct{})
	m.broadcastRound(ctx, 5, 0, notified, map[uuid.UUID]struct{}{})

	assert.Empty(t, notified)
	f.coord.AssertNotCalled(t, "SetWithExpiration", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMatcher_ExtendedZoneRequiresOptIn(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	data := requestData(uuid.New(), uuid.New())
	data.PickupZone = "extended"
	m := newMatcher(f.svc, data)

	f.locations.On("QueryNearby", ctx, mock.MatchedBy(func(q geo.NearbyQuery) bool {
		return q.ExtendedArea
	})).Return([]geo.Candidate{}, nil)
	f.coord.On("SetWithExpiration", ctx, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	m.broadcastRound(ctx, 5, 0, map[uuid.UUID]struct{}{}, map[uuid.UUID]struct{}{})

	f.locations.AssertExpectations(t)
}

func TestMatcher_TimeoutCancelsRideAndNotifiesRider(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rideID := uuid.New()
	riderID := uuid.New()
	notifiedDriver := uuid.New()

	m := newMatcher(f.svc, requestData(rideID, riderID))

	f.notifier.On("Send", riderID, "ride_match_failed", mock.MatchedBy(func(data map[string]interface{}) bool {
		return data["reason"] == "no_driver_found"
	})).Return(true)
	f.notifier.On("Send", notifiedDriver, "ride_no_longer_available", mock.Anything).Return(true)
	f.rides.On("CancelRide", ctx, rideID, "system", "no_driver_found", 0.0,
		[]models.RideStatus{models.RideStatusRequested}).Return(&models.Ride{}, nil)
	f.coord.On("Delete", ctx, broadcastKey(rideID)).Return(nil)

	m.onTimeout(ctx, map[uuid.UUID]struct{}{notifiedDriver: {}})

	f.notifier.AssertExpectations(t)
	f.rides.AssertExpectations(t)
}

func TestMatcher_CancelRetractsOffers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rideID := uuid.New()
	driverA := uuid.New()
	driverB := uuid.New()

	m := newMatcher(f.svc, requestData(rideID, uuid.New()))

	f.notifier.On("Send", driverA, "ride_no_longer_available", mock.Anything).Return(true)
	f.notifier.On("Send", driverB, "ride_no_longer_available", mock.Anything).Return(false)
	f.coord.On("Delete", ctx, broadcastKey(rideID)).Return(nil)

	m.onCancelled(ctx, map[uuid.UUID]struct{}{driverA: {}, driverB: {}})

	f.notifier.AssertExpectations(t)
	f.coord.AssertExpectations(t)
}

func TestMatcher_WonStopsRun(t *testing.T) {
	f := newFixture()
	rideID := uuid.New()
	winner := uuid.New()

	cfg := testConfig()
	cfg.RoundTimeoutSeconds = 5
	f.svc.cfg = cfg

	m := newMatcher(f.svc, requestData(rideID, uuid.New()))

	f.locations.On("QueryNearby", mock.Anything, mock.Anything).Return([]geo.Candidate{}, nil)
	f.coord.On("SetWithExpiration", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	done := make(chan struct{})
	go func() {
		m.run(context.Background())
		close(done)
	}()

	m.signalWon(winner)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("matcher did not stop after claim was won")
	}
}

func TestService_HandleRideCancelled_SignalsMatcher(t *testing.T) {
	f := newFixture()
	rideID := uuid.New()

	m := newMatcher(f.svc, requestData(rideID, uuid.New()))
	f.svc.matchers[rideID] = m

	data, _ := json.Marshal(eventbus.RideCancelledData{RideID: rideID})
	err := f.svc.handleRideCancelled(context.Background(), &eventbus.Event{
		Type: eventbus.SubjectRideCancelled,
		Data: data,
	})

	assert.NoError(t, err)
	select {
	case <-m.cancel:
	default:
		t.Fatal("matcher cancel channel not closed")
	}
}
