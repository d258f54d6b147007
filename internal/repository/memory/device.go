// Package memory holds process-local repositories for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleetsync/pkg/domain"
	"fleetsync/pkg/errors"
)

// DeviceRepository mirrors the Postgres device repository, including the
// one-pending/one-active slot constraint.
type DeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]*domain.DeviceRecord
}

func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{devices: make(map[string]*domain.DeviceRecord)}
}

func (r *DeviceRepository) Create(ctx context.Context, rec *domain.DeviceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[rec.ID]; exists {
		return errors.Wrap(errors.ErrInvalidDevice, "duplicate device id")
	}
	if r.slotTakenLocked(rec) {
		return errors.Wrap(errors.ErrDeviceSlotTaken, "failed to create device")
	}
	r.devices[rec.ID] = clone(rec)
	return nil
}

func (r *DeviceRepository) FindByID(ctx context.Context, id string) (*domain.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[id]
	if !ok {
		return nil, errors.ErrDeviceNotFound
	}
	return clone(rec), nil
}

func (r *DeviceRepository) ListByVessel(ctx context.Context, vesselID string) ([]*domain.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.DeviceRecord, 0)
	for _, rec := range r.devices {
		if rec.VesselID == vesselID {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *DeviceRepository) Update(ctx context.Context, rec *domain.DeviceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[rec.ID]; !ok {
		return errors.ErrDeviceNotFound
	}
	if r.slotTakenLocked(rec) {
		return errors.Wrap(errors.ErrDeviceSlotTaken, "failed to update device")
	}
	r.devices[rec.ID] = clone(rec)
	return nil
}

func (r *DeviceRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return errors.ErrDeviceNotFound
	}
	delete(r.devices, id)
	return nil
}

func (r *DeviceRepository) ListExpiredPending(ctx context.Context, t time.Time) ([]*domain.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.DeviceRecord, 0)
	for _, rec := range r.devices {
		if rec.State == domain.DeviceStatePending && rec.ExpiresAt.Before(t) {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (r *DeviceRepository) slotTakenLocked(rec *domain.DeviceRecord) bool {
	if rec.State == domain.DeviceStateRetired {
		return false
	}
	for id, other := range r.devices {
		if id != rec.ID && other.VesselID == rec.VesselID && other.State == rec.State {
			return true
		}
	}
	return false
}

func clone(rec *domain.DeviceRecord) *domain.DeviceRecord {
	c := *rec
	if rec.ActivationTokenHash != nil {
		v := *rec.ActivationTokenHash
		c.ActivationTokenHash = &v
	}
	if rec.AuthTokenHash != nil {
		v := *rec.AuthTokenHash
		c.AuthTokenHash = &v
	}
	if rec.ActivatedAt != nil {
		v := *rec.ActivatedAt
		c.ActivatedAt = &v
	}
	if rec.RetiredAt != nil {
		v := *rec.RetiredAt
		c.RetiredAt = &v
	}
	return &c
}
