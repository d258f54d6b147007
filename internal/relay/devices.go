// ==============================================================================
// DEVICE SERVICE - internal/relay/devices.go
// ==============================================================================
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleetsync/internal/auth"
	"fleetsync/pkg/domain"
	"fleetsync/pkg/errors"
	"fleetsync/pkg/logger"

	"github.com/google/uuid"
)

// DeviceRepository persists device records. Implementations live in
// internal/repository.
type DeviceRepository interface {
	Create(ctx context.Context, rec *domain.DeviceRecord) error
	FindByID(ctx context.Context, id string) (*domain.DeviceRecord, error)
	ListByVessel(ctx context.Context, vesselID string) ([]*domain.DeviceRecord, error)
	Update(ctx context.Context, rec *domain.DeviceRecord) error
	Delete(ctx context.Context, id string) error
	// ListExpiredPending returns pending devices whose activation deadline
	// is before t.
	ListExpiredPending(ctx context.Context, t time.Time) ([]*domain.DeviceRecord, error)
}

// DeviceService owns the server side of the device lifecycle and emits a
// push event for every transition.
type DeviceService struct {
	repo       DeviceRepository
	pub        Publisher
	logger     logger.Logger
	pendingTTL time.Duration
	now        func() time.Time

	// mu serialises transitions so slot enforcement sees a stable vessel.
	mu sync.Mutex
}

func NewDeviceService(repo DeviceRepository, pub Publisher, log logger.Logger, pendingTTL time.Duration) *DeviceService {
	if log == nil {
		log = logger.NewNop()
	}
	if pendingTTL <= 0 {
		pendingTTL = 24 * time.Hour
	}
	return &DeviceService{
		repo:       repo,
		pub:        pub,
		logger:     log.With(map[string]interface{}{"component": "relay_devices"}),
		pendingTTL: pendingTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// List returns the vessel's devices without credentials.
func (s *DeviceService) List(ctx context.Context, vesselID string) ([]*domain.Device, error) {
	recs, err := s.repo.ListByVessel(ctx, vesselID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Device, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Device())
	}
	return out, nil
}

// Create registers a pending device for vesselID, evicting an older pending
// one. The returned device carries the activation token in clear; only its
// hash is stored.
func (s *DeviceService) Create(ctx context.Context, vesselID string) (*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := s.evict(ctx, vesselID, domain.DeviceStatePending, now); err != nil {
		return nil, err
	}

	raw, hash, err := auth.NewCredential()
	if err != nil {
		return nil, errors.Wrap(err, "generate activation token")
	}

	rec := &domain.DeviceRecord{
		ID:                  uuid.NewString(),
		VesselID:            vesselID,
		State:               domain.DeviceStatePending,
		ActivationTokenHash: &hash,
		ExpiresAt:           now.Add(s.pendingTTL),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	device := rec.Device()
	device.ActivationToken = &raw
	s.emit(ctx, domain.EventDeviceCreated, vesselID, device, now)

	s.logger.Info("Device created", map[string]interface{}{
		"device_id": rec.ID,
		"vessel_id": vesselID,
	})
	return device, nil
}

// Activate exchanges a pending device's activation token for an auth token.
// The vessel's previous active device is retired.
func (s *DeviceService) Activate(ctx context.Context, id, activationToken string) (*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != domain.DeviceStatePending || rec.ActivationTokenHash == nil {
		return nil, fmt.Errorf("%w: cannot activate %s device", errors.ErrInvalidTransition, rec.State)
	}

	now := s.now()
	if rec.Device().Expired(now) {
		return nil, errors.ErrActivationExpired
	}
	if err := auth.VerifyCredential(*rec.ActivationTokenHash, activationToken); err != nil {
		return nil, err
	}

	if err := s.evict(ctx, rec.VesselID, domain.DeviceStateActive, now); err != nil {
		return nil, err
	}

	raw, hash, err := auth.NewCredential()
	if err != nil {
		return nil, errors.Wrap(err, "generate auth token")
	}
	rec.State = domain.DeviceStateActive
	rec.ActivationTokenHash = nil
	rec.AuthTokenHash = &hash
	rec.ActivatedAt = &now
	rec.UpdatedAt = now
	if err := s.repo.Update(ctx, rec); err != nil {
		return nil, err
	}

	s.emit(ctx, domain.EventDeviceActivated, rec.VesselID, rec.Device(), now)

	s.logger.Info("Device activated", map[string]interface{}{
		"device_id": rec.ID,
		"vessel_id": rec.VesselID,
	})

	device := rec.Device()
	device.AuthToken = &raw
	return device, nil
}

// Retire moves an active device to retired.
func (s *DeviceService) Retire(ctx context.Context, id string) (*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != domain.DeviceStateActive {
		return nil, fmt.Errorf("%w: cannot retire %s device", errors.ErrInvalidTransition, rec.State)
	}
	if err := s.retire(ctx, rec, s.now()); err != nil {
		return nil, err
	}
	return rec.Device(), nil
}

// Delete removes a pending or retired device. Active devices must be retired
// first.
func (s *DeviceService) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.State == domain.DeviceStateActive {
		return fmt.Errorf("%w: retire the active device before deleting it", errors.ErrInvalidTransition)
	}
	return s.delete(ctx, rec, s.now())
}

// ExpirePending deletes every pending device whose activation window has
// closed and returns how many were removed.
func (s *DeviceService) ExpirePending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	recs, err := s.repo.ListExpiredPending(ctx, now)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range recs {
		if err := s.delete(ctx, rec, now); err != nil {
			if errors.Is(err, errors.ErrDeviceNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// evict clears the vessel's slot for state: a pending device is deleted and
// an active one retired.
func (s *DeviceService) evict(ctx context.Context, vesselID string, state domain.DeviceState, now time.Time) error {
	recs, err := s.repo.ListByVessel(ctx, vesselID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.State != state {
			continue
		}
		switch state {
		case domain.DeviceStatePending:
			err = s.delete(ctx, rec, now)
		case domain.DeviceStateActive:
			err = s.retire(ctx, rec, now)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *DeviceService) retire(ctx context.Context, rec *domain.DeviceRecord, now time.Time) error {
	rec.State = domain.DeviceStateRetired
	rec.AuthTokenHash = nil
	rec.RetiredAt = &now
	rec.UpdatedAt = now
	if err := s.repo.Update(ctx, rec); err != nil {
		return err
	}
	s.emit(ctx, domain.EventDeviceRetired, rec.VesselID, rec.Device(), now)
	s.logger.Info("Device retired", map[string]interface{}{
		"device_id": rec.ID,
		"vessel_id": rec.VesselID,
	})
	return nil
}

func (s *DeviceService) delete(ctx context.Context, rec *domain.DeviceRecord, now time.Time) error {
	if err := s.repo.Delete(ctx, rec.ID); err != nil {
		return err
	}
	s.emitEvent(ctx, domain.DeviceEvent{
		Type:      domain.EventDeviceDeleted,
		VesselID:  rec.VesselID,
		DeviceID:  rec.ID,
		Timestamp: now,
	})
	s.logger.Info("Device deleted", map[string]interface{}{
		"device_id": rec.ID,
		"vessel_id": rec.VesselID,
	})
	return nil
}

func (s *DeviceService) emit(ctx context.Context, typ domain.DeviceEventType, vesselID string, device *domain.Device, at time.Time) {
	s.emitEvent(ctx, domain.DeviceEvent{
		Type:      typ,
		VesselID:  vesselID,
		Device:    device,
		Timestamp: at,
	})
}

// emitEvent publishes best effort; the transition is already persisted.
func (s *DeviceService) emitEvent(ctx context.Context, ev domain.DeviceEvent) {
	env, err := NewEnvelope(domain.DeviceEventsNamespace, string(ev.Type), ev.VesselID, ev)
	if err == nil {
		err = s.pub.Publish(ctx, env)
	}
	if err != nil {
		s.logger.Error("Failed to publish device event", map[string]interface{}{
			"event":     ev.Type,
			"vessel_id": ev.VesselID,
			"error":     err.Error(),
		})
	}
}
