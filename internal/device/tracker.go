// ==============================================================================
// DEVICE TRACKER - internal/device/tracker.go
// ==============================================================================
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fleetsync/internal/subscription"
	"fleetsync/pkg/domain"
	kerrors "fleetsync/pkg/errors"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/metrics"
)

// Backend is the REST collaborator for device CRUD.
type Backend interface {
	ListDevices(ctx context.Context, vesselID string) ([]*domain.Device, error)
	CreateDevice(ctx context.Context, vesselID string) (*domain.Device, error)
	DeleteDevice(ctx context.Context, deviceID string) error
}

// Notifier receives user-visible transitions produced by push events and
// local operations. It runs outside the tracker lock.
type Notifier func(Transition)

type Options struct {
	Notifier Notifier
	// OnChange is called with the new view after every state change,
	// including snapshot loads.
	OnChange func(View)
	// LoadTimeout bounds the snapshot request. Zero means 30s.
	LoadTimeout time.Duration
	Now         func() time.Time
}

// Tracker follows the device lifecycle of the currently selected vessel.
type Tracker struct {
	reg     *subscription.Registry
	api     Backend
	logger  logger.Logger
	metrics *metrics.Metrics
	opts    Options

	mu     sync.Mutex
	gen    uint64
	store  *Store
	lease  *subscription.Lease
	cancel context.CancelFunc
}

func NewTracker(reg *subscription.Registry, api Backend, log logger.Logger, m *metrics.Metrics, opts Options) *Tracker {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}
	return &Tracker{
		reg:     reg,
		api:     api,
		logger:  log.With(map[string]interface{}{"component": "device"}),
		metrics: m,
		opts:    opts,
	}
}

// Open selects vesselID, subscribes to its device events and starts the REST
// snapshot load. Opening the vessel already selected is a no-op.
func (t *Tracker) Open(ctx context.Context, vesselID string) error {
	if vesselID == "" {
		return kerrors.ErrVesselNotSelected
	}

	t.mu.Lock()
	if t.store != nil && t.store.VesselID() == vesselID {
		t.mu.Unlock()
		return nil
	}
	t.closeLocked()

	lease, err := t.reg.Subscribe(domain.DeviceEventsNamespace, vesselID)
	if err != nil {
		t.mu.Unlock()
		return kerrors.Wrap(err, "subscribe device events")
	}
	gen := t.gen
	for _, et := range domain.DeviceEventTypes {
		if err := lease.On(string(et), func(data json.RawMessage) { t.handle(gen, et, data) }); err != nil {
			lease.Release()
			t.mu.Unlock()
			return err
		}
	}

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.LoadTimeout)
	t.store = NewStore(vesselID)
	t.store.BeginLoad()
	t.lease = lease
	t.cancel = cancel
	view := t.store.View()
	t.mu.Unlock()

	t.logger.Info("Tracking vessel devices", map[string]interface{}{
		"vessel_id": vesselID,
	})
	t.changed(view)

	go t.load(loadCtx, gen, vesselID)
	return nil
}

// load fetches the REST snapshot once. Failures are recorded, not retried.
func (t *Tracker) load(ctx context.Context, gen uint64, vesselID string) {
	requestedAt := t.opts.Now()
	devices, err := t.api.ListDevices(ctx, vesselID)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	if err != nil {
		t.store.FailLoad(fmt.Errorf("%w: %w", kerrors.ErrSnapshotLoad, err))
		view := t.store.View()
		t.mu.Unlock()

		t.logger.Error("Device snapshot load failed", map[string]interface{}{
			"vessel_id": vesselID,
			"error":     err.Error(),
		})
		t.changed(view)
		return
	}
	t.store.ApplySnapshot(devices, requestedAt)
	view := t.store.View()
	t.mu.Unlock()

	t.logger.Debug("Device snapshot applied", map[string]interface{}{
		"vessel_id": vesselID,
		"devices":   len(devices),
	})
	t.changed(view)
}

func (t *Tracker) handle(gen uint64, et domain.DeviceEventType, data json.RawMessage) {
	var ev domain.DeviceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.metrics.EventDiscarded("device", "malformed")
		t.logger.Debug("Discarding malformed device event", map[string]interface{}{
			"event": string(et),
			"error": err.Error(),
		})
		return
	}
	ev.Type = et
	t.apply(gen, ev)
}

// apply runs ev through the store if gen is still current.
func (t *Tracker) apply(gen uint64, ev domain.DeviceEvent) []Transition {
	t.mu.Lock()
	if gen != t.gen || t.store == nil {
		t.mu.Unlock()
		t.metrics.EventDiscarded("device", "stale_generation")
		return nil
	}
	transitions, reason := t.store.Apply(ev)
	view := t.store.View()
	t.mu.Unlock()

	if reason != "" {
		t.metrics.EventDiscarded("device", reason)
		if reason != ReasonForeignVessel {
			t.logger.Debug("Device event ignored", map[string]interface{}{
				"event":     string(ev.Type),
				"device_id": ev.SubjectID(),
				"reason":    reason,
			})
		}
		return nil
	}

	for _, tr := range transitions {
		t.metrics.DeviceTransition(string(tr.Event))
		if t.opts.Notifier != nil {
			t.opts.Notifier(tr)
		}
	}
	t.changed(view)
	return transitions
}

func (t *Tracker) changed(v View) {
	if t.opts.OnChange != nil {
		t.opts.OnChange(v)
	}
}

// current returns the selected vessel and generation.
func (t *Tracker) current() (string, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.store == nil {
		return "", 0, kerrors.ErrVesselNotSelected
	}
	return t.store.VesselID(), t.gen, nil
}

// CreateDevice registers a new pending device for the selected vessel and
// applies the response as a device-created event.
func (t *Tracker) CreateDevice(ctx context.Context) (*domain.Device, error) {
	vesselID, gen, err := t.current()
	if err != nil {
		return nil, err
	}

	d, err := t.api.CreateDevice(ctx, vesselID)
	if err != nil {
		return nil, kerrors.Wrap(err, "create device")
	}

	ts := d.CreatedAt
	if ts.IsZero() {
		ts = t.opts.Now()
	}
	t.apply(gen, domain.DeviceEvent{
		Type:      domain.EventDeviceCreated,
		VesselID:  vesselID,
		Device:    d,
		Timestamp: ts,
	})

	t.logger.Info("Device created", map[string]interface{}{
		"vessel_id": vesselID,
		"device_id": d.ID,
	})
	return d.Clone(), nil
}

// DeleteDevice removes deviceID and records it as deleted locally.
func (t *Tracker) DeleteDevice(ctx context.Context, deviceID string) error {
	vesselID, gen, err := t.current()
	if err != nil {
		return err
	}
	if deviceID == "" {
		return kerrors.ErrDeviceNotFound
	}

	if err := t.api.DeleteDevice(ctx, deviceID); err != nil {
		return kerrors.Wrap(err, "delete device")
	}

	t.apply(gen, domain.DeviceEvent{
		Type:      domain.EventDeviceDeleted,
		VesselID:  vesselID,
		DeviceID:  deviceID,
		Timestamp: t.opts.Now(),
	})

	t.logger.Info("Device deleted", map[string]interface{}{
		"vessel_id": vesselID,
		"device_id": deviceID,
	})
	return nil
}

// View returns the selected vessel's device state.
func (t *Tracker) View() (View, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.store == nil {
		return View{}, kerrors.ErrVesselNotSelected
	}
	return t.store.View(), nil
}

// Close releases the subscription and abandons any in-flight load.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}

func (t *Tracker) closeLocked() {
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.lease != nil {
		t.lease.Release()
		t.lease = nil
	}
	t.store = nil
}
