package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citycab/dispatch/internal/matching"
	"github.com/citycab/dispatch/pkg/logger"
	ws "github.com/citycab/dispatch/pkg/websocket"
)

// LocationSink receives driver location samples from the wire.
type LocationSink interface {
	UpdateDriverLocation(ctx context.Context, driverID uuid.UUID, latitude, longitude, accuracyM float64, recordedAt time.Time) error
}

// Lifecycle receives in-ride location samples for rider forwarding and
// proximity notifications.
type Lifecycle interface {
	HandleDriverLocation(ctx context.Context, rideID, driverID uuid.UUID, latitude, longitude, accuracyM float64)
}

// Dispatcher resolves driver accept and reject messages.
type Dispatcher interface {
	Claim(ctx context.Context, rideID, driverID uuid.UUID) (*matching.ClaimResult, error)
	Reject(ctx context.Context, rideID, driverID uuid.UUID) error
}

// Service routes inbound channel messages to the location index, the ride
// lifecycle and the dispatcher.
type Service struct {
	hub        *ws.Hub
	locations  LocationSink
	lifecycle  Lifecycle
	dispatcher Dispatcher
}

// NewService creates the realtime service and registers its handlers.
func NewService(hub *ws.Hub, locations LocationSink, lifecycle Lifecycle, dispatcher Dispatcher) *Service {
	s := &Service{
		hub:        hub,
		locations:  locations,
		lifecycle:  lifecycle,
		dispatcher: dispatcher,
	}
	s.registerHandlers()
	return s
}

func (s *Service) registerHandlers() {
	s.hub.RegisterHandler("ping", s.handlePing)
	s.hub.RegisterHandler("driver_location_update", s.handleDriverLocationUpdate)
	s.hub.RegisterHandler("ride_accept", s.handleRideAccept)
	s.hub.RegisterHandler("ride_reject", s.handleRideReject)
	s.hub.RegisterUnknownHandler(s.handleUnknown)
}

// handlePing replies pong, echoing the client's timestamp so it can measure
// round-trip latency.
func (s *Service) handlePing(client *ws.Client, msg *ws.Message) {
	data := map[string]interface{}{}
	if !msg.Timestamp.IsZero() {
		data["client_timestamp"] = msg.Timestamp.UTC().Format(time.RFC3339)
	}
	client.SendMessage(&ws.Message{Type: "pong", Data: data})
}

// handleDriverLocationUpdate feeds the location index and, when the sample
// belongs to an active ride, the lifecycle proximity path.
func (s *Service) handleDriverLocationUpdate(client *ws.Client, msg *ws.Message) {
	if client.Role != "driver" {
		s.sendError(client, "only drivers send location updates")
		return
	}

	driverID, err := uuid.Parse(client.ID)
	if err != nil {
		return
	}

	lat, latOK := msg.Data["latitude"].(float64)
	lon, lonOK := msg.Data["longitude"].(float64)
	if !latOK || !lonOK {
		s.sendError(client, "latitude and longitude are required")
		return
	}
	// Accuracy is optional; devices that do not report it send nothing.
	accuracy, _ := msg.Data["accuracy"].(float64)

	recordedAt := msg.Timestamp
	ctx := context.Background()
	if err := s.locations.UpdateDriverLocation(ctx, driverID, lat, lon, accuracy, recordedAt); err != nil {
		logger.Debug("location update rejected",
			zap.String("driver_id", client.ID), zap.Error(err))
		return
	}

	if rideIDStr, ok := msg.Data["ride_id"].(string); ok && rideIDStr != "" {
		if rideID, err := uuid.Parse(rideIDStr); err == nil {
			s.lifecycle.HandleDriverLocation(ctx, rideID, driverID, lat, lon, accuracy)
		}
	}
}

// handleRideAccept runs the driver's claim attempt and translates the race
// outcome into the reply message.
func (s *Service) handleRideAccept(client *ws.Client, msg *ws.Message) {
	if client.Role != "driver" {
		s.sendError(client, "only drivers accept rides")
		return
	}

	rideID, driverID, ok := s.parseRideMessage(client, msg)
	if !ok {
		return
	}

	result, err := s.dispatcher.Claim(context.Background(), rideID, driverID)
	if err != nil {
		s.sendError(client, "accept failed, try again")
		return
	}

	switch result.Outcome {
	case matching.OutcomeConfirmed:
		// The dispatcher already sent ride_match_confirmed as part of the
		// winner fan-out.
	case matching.OutcomeProcessing:
		client.SendMessage(&ws.Message{
			Type: "ride_match_processing",
			Data: map[string]interface{}{"ride_id": rideID.String()},
		})
	case matching.OutcomeAlreadyMatched:
		client.SendMessage(&ws.Message{
			Type: "ride_match_failed",
			Data: map[string]interface{}{
				"ride_id": rideID.String(),
				"reason":  "already_matched",
			},
		})
	case matching.OutcomeAlreadyTerminal:
		client.SendMessage(&ws.Message{
			Type: "ride_match_failed",
			Data: map[string]interface{}{
				"ride_id": rideID.String(),
				"reason":  "already_terminal",
			},
		})
	}
}

// handleRideReject records the driver's rejection so the matcher skips them
// in later rounds.
func (s *Service) handleRideReject(client *ws.Client, msg *ws.Message) {
	if client.Role != "driver" {
		s.sendError(client, "only drivers reject rides")
		return
	}

	rideID, driverID, ok := s.parseRideMessage(client, msg)
	if !ok {
		return
	}

	if err := s.dispatcher.Reject(context.Background(), rideID, driverID); err != nil {
		logger.Debug("reject not recorded",
			zap.String("ride_id", rideID.String()),
			zap.String("driver_id", client.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) handleUnknown(client *ws.Client, msg *ws.Message) {
	s.sendError(client, "unknown message type: "+msg.Type)
}

func (s *Service) parseRideMessage(client *ws.Client, msg *ws.Message) (rideID, driverID uuid.UUID, ok bool) {
	rideIDStr, present := msg.Data["ride_id"].(string)
	if !present {
		s.sendError(client, "ride_id is required")
		return uuid.Nil, uuid.Nil, false
	}
	rideID, err := uuid.Parse(rideIDStr)
	if err != nil {
		s.sendError(client, "ride_id is not a valid id")
		return uuid.Nil, uuid.Nil, false
	}
	driverID, err = uuid.Parse(client.ID)
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return rideID, driverID, true
}

func (s *Service) sendError(client *ws.Client, message string) {
	client.SendMessage(&ws.Message{
		Type: "error",
		Data: map[string]interface{}{"message": message},
	})
}

// GetStats returns connection statistics.
func (s *Service) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"connected_clients": s.hub.GetClientCount(),
	}
}
