package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"fleetsync/internal/repository/memory"
	"fleetsync/pkg/domain"
	kerrors "fleetsync/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helpers ---

type recordingPublisher struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) deviceEvents(t *testing.T) []domain.DeviceEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.DeviceEvent, 0, len(p.envs))
	for _, env := range p.envs {
		require.Equal(t, domain.DeviceEventsNamespace.Name, env.Namespace)
		var ev domain.DeviceEvent
		require.NoError(t, json.Unmarshal(env.Data, &ev))
		require.Equal(t, string(ev.Type), env.Event)
		out = append(out, ev)
	}
	return out
}

func types(events []domain.DeviceEvent) []domain.DeviceEventType {
	out := make([]domain.DeviceEventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func newDeviceService(pub Publisher) (*DeviceService, *time.Time) {
	svc := NewDeviceService(memory.NewDeviceRepository(), pub, nil, time.Hour)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, &now
}

// --- Tests ---

func TestDeviceService_CreateAndActivate(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newDeviceService(pub)
	ctx := context.Background()

	created, err := svc.Create(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStatePending, created.State)
	require.NotNil(t, created.ActivationToken)
	assert.Equal(t, "2024-06-01T13:00:00Z", created.ExpiresAt.Format(time.RFC3339))

	active, err := svc.Activate(ctx, created.ID, *created.ActivationToken)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStateActive, active.State)
	require.NotNil(t, active.AuthToken)
	assert.Nil(t, active.ActivationToken)

	events := pub.deviceEvents(t)
	assert.Equal(t, []domain.DeviceEventType{domain.EventDeviceCreated, domain.EventDeviceActivated}, types(events))
	require.NotNil(t, events[0].Device.ActivationToken)
	assert.Nil(t, events[1].Device.AuthToken)
	assert.Equal(t, "v1", events[1].VesselID)

	list, err := svc.List(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].AuthToken)
	assert.Nil(t, list[0].ActivationToken)
}

func TestDeviceService_CreateEvictsPending(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newDeviceService(pub)
	ctx := context.Background()

	first, err := svc.Create(ctx, "v1")
	require.NoError(t, err)
	second, err := svc.Create(ctx, "v1")
	require.NoError(t, err)

	events := pub.deviceEvents(t)
	assert.Equal(t, []domain.DeviceEventType{
		domain.EventDeviceCreated,
		domain.EventDeviceDeleted,
		domain.EventDeviceCreated,
	}, types(events))
	assert.Equal(t, first.ID, events[1].DeviceID)

	list, err := svc.List(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)
}

func TestDeviceService_ActivateRetiresPreviousActive(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newDeviceService(pub)
	ctx := context.Background()

	a, err := svc.Create(ctx, "v1")
	require.NoError(t, err)
	_, err = svc.Activate(ctx, a.ID, *a.ActivationToken)
	require.NoError(t, err)

	b, err := svc.Create(ctx, "v1")
	require.NoError(t, err)
	_, err = svc.Activate(ctx, b.ID, *b.ActivationToken)
	require.NoError(t, err)

	events := pub.deviceEvents(t)
	assert.Equal(t, []domain.DeviceEventType{
		domain.EventDeviceCreated,
		domain.EventDeviceActivated,
		domain.EventDeviceCreated,
		domain.EventDeviceRetired,
		domain.EventDeviceActivated,
	}, types(events))
	assert.Equal(t, a.ID, events[3].Device.ID)

	list, err := svc.List(ctx, "v1")
	require.NoError(t, err)
	states := map[string]domain.DeviceState{}
	for _, d := range list {
		states[d.ID] = d.State
	}
	assert.Equal(t, domain.DeviceStateRetired, states[a.ID])
	assert.Equal(t, domain.DeviceStateActive, states[b.ID])
}

func TestDeviceService_ActivateErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong token", func(t *testing.T) {
		svc, _ := newDeviceService(&recordingPublisher{})
		d, err := svc.Create(ctx, "v1")
		require.NoError(t, err)
		_, err = svc.Activate(ctx, d.ID, "not-the-token")
		assert.ErrorIs(t, err, kerrors.ErrUnauthorized)
	})

	t.Run("expired", func(t *testing.T) {
		svc, now := newDeviceService(&recordingPublisher{})
		d, err := svc.Create(ctx, "v1")
		require.NoError(t, err)
		*now = now.Add(2 * time.Hour)
		_, err = svc.Activate(ctx, d.ID, *d.ActivationToken)
		assert.ErrorIs(t, err, kerrors.ErrActivationExpired)
	})

	t.Run("already active", func(t *testing.T) {
		svc, _ := newDeviceService(&recordingPublisher{})
		d, err := svc.Create(ctx, "v1")
		require.NoError(t, err)
		_, err = svc.Activate(ctx, d.ID, *d.ActivationToken)
		require.NoError(t, err)
		_, err = svc.Activate(ctx, d.ID, *d.ActivationToken)
		assert.ErrorIs(t, err, kerrors.ErrInvalidTransition)
	})

	t.Run("unknown device", func(t *testing.T) {
		svc, _ := newDeviceService(&recordingPublisher{})
		_, err := svc.Activate(ctx, "missing", "x")
		assert.ErrorIs(t, err, kerrors.ErrDeviceNotFound)
	})
}

func TestDeviceService_RetireAndDelete(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newDeviceService(pub)
	ctx := context.Background()

	d, err := svc.Create(ctx, "v1")
	require.NoError(t, err)

	_, err = svc.Retire(ctx, d.ID)
	assert.ErrorIs(t, err, kerrors.ErrInvalidTransition)

	_, err = svc.Activate(ctx, d.ID, *d.ActivationToken)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Delete(ctx, d.ID), kerrors.ErrInvalidTransition)

	retired, err := svc.Retire(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStateRetired, retired.State)
	require.NotNil(t, retired.RetiredAt)

	require.NoError(t, svc.Delete(ctx, d.ID))
	assert.ErrorIs(t, svc.Delete(ctx, d.ID), kerrors.ErrDeviceNotFound)

	assert.Equal(t, []domain.DeviceEventType{
		domain.EventDeviceCreated,
		domain.EventDeviceActivated,
		domain.EventDeviceRetired,
		domain.EventDeviceDeleted,
	}, types(pub.deviceEvents(t)))
}

func TestDeviceService_PublishFailureDoesNotFailTransition(t *testing.T) {
	pub := &recordingPublisher{err: kerrors.ErrBackendUnavailable}
	svc, _ := newDeviceService(pub)

	d, err := svc.Create(context.Background(), "v1")
	require.NoError(t, err)

	list, err := svc.List(context.Background(), "v1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, d.ID, list[0].ID)
}

func TestDeviceService_ExpirePending(t *testing.T) {
	pub := &recordingPublisher{}
	svc, now := newDeviceService(pub)
	ctx := context.Background()

	stale, err := svc.Create(ctx, "v1")
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	fresh, err := svc.Create(ctx, "v2")
	require.NoError(t, err)

	removed, err := svc.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	events := pub.deviceEvents(t)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventDeviceDeleted, last.Type)
	assert.Equal(t, stale.ID, last.DeviceID)
	assert.Equal(t, "v1", last.VesselID)

	v1, err := svc.List(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, v1)

	v2, err := svc.List(ctx, "v2")
	require.NoError(t, err)
	require.Len(t, v2, 1)
	assert.Equal(t, fresh.ID, v2[0].ID)

	removed, err = svc.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
