package relay

import (
	"context"
	"fmt"
	"time"

	"fleetsync/internal/proximity"
	"fleetsync/internal/tracking"
	"fleetsync/pkg/domain"
	kerrors "fleetsync/pkg/errors"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/metrics"
	"fleetsync/pkg/validator"
)

// TelemetryService accepts vessel telemetry, records the latest fix and
// pushes a position-update to the vessel's tracking subscribers.
type TelemetryService struct {
	store     tracking.PositionStore
	pub       Publisher
	engine    *proximity.Engine
	validator *validator.Validator
	logger    logger.Logger
	now       func() time.Time
}

func NewTelemetryService(store tracking.PositionStore, pub Publisher, v *validator.Validator, log logger.Logger, m *metrics.Metrics) *TelemetryService {
	if store == nil {
		store = tracking.NewMemoryPositionStore()
	}
	if v == nil {
		v = validator.New()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &TelemetryService{
		store:     store,
		pub:       pub,
		engine:    proximity.NewEngine(store, v, log, m),
		validator: v,
		logger:    log.With(map[string]interface{}{"component": "relay_telemetry"}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PostTelemetry records and relays one report. A zero timestamp is stamped
// with the receive time.
func (s *TelemetryService) PostTelemetry(ctx context.Context, vesselID string, req domain.TelemetryRequest) error {
	if req.Timestamp.IsZero() {
		req.Timestamp = s.now()
	}
	update := domain.PositionUpdate{
		VesselID:  vesselID,
		Lat:       req.Lat,
		Lng:       req.Lng,
		Speed:     req.Speed,
		Heading:   req.Heading,
		Timestamp: req.Timestamp.UTC(),
	}
	if err := s.validator.Validate(update); err != nil {
		return fmt.Errorf("%w: %v", kerrors.ErrInvalidPosition, err)
	}

	if err := s.store.Save(ctx, update.Sample()); err != nil {
		return kerrors.Wrap(err, "record position")
	}

	env, err := NewEnvelope(domain.TrackingNamespace, domain.EventPositionUpdate, vesselID, update)
	if err != nil {
		return kerrors.Wrap(err, "encode position update")
	}
	if err := s.pub.Publish(ctx, env); err != nil {
		return kerrors.Wrap(err, "publish position update")
	}

	s.logger.Debug("Position relayed", map[string]interface{}{
		"vessel_id": vesselID,
		"lat":       update.Lat,
		"lng":       update.Lng,
	})
	return nil
}

// Latest returns the last recorded position of vesselID.
func (s *TelemetryService) Latest(ctx context.Context, vesselID string) (domain.PositionSample, error) {
	return s.store.Latest(ctx, vesselID)
}

// Nearby runs a proximity query centred on vesselID's last known position,
// excluding the vessel itself.
func (s *TelemetryService) Nearby(ctx context.Context, vesselID string, radiusKm float64, recencyDays int) ([]proximity.Nearby, error) {
	origin, err := s.store.Latest(ctx, vesselID)
	if err != nil {
		return nil, err
	}
	return s.engine.Nearby(ctx, proximity.Query{
		Origin:            origin.Coordinate(),
		RadiusKm:          radiusKm,
		RecencyWindowDays: recencyDays,
		ExcludeID:         vesselID,
	})
}
