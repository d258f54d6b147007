package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"fleetsync/internal/backend"
	"fleetsync/internal/device"
	"fleetsync/internal/subscription"
	"fleetsync/internal/tracking"
	"fleetsync/internal/transport"
	"fleetsync/pkg/domain"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConsoleAgainstRelay runs the device tracker and position watcher over
// real WebSocket and REST traffic against the relay.
func TestConsoleAgainstRelay(t *testing.T) {
	rl := newTestRelay(t, nil)
	client := backend.NewClient(rl.apiURL(), 5*time.Second, nil, logger.NewNop())

	mgr := transport.NewManager(transport.Config{
		BaseURL:   rl.wsURL(),
		Reconnect: true,
		Backoff: retry.Backoff{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			Multiplier:      2,
		},
	}, logger.NewNop(), nil)
	t.Cleanup(mgr.Close)
	reg := subscription.NewRegistry(mgr, logger.NewNop(), nil)

	tracker := device.NewTracker(reg, client, logger.NewNop(), nil, device.Options{})
	t.Cleanup(tracker.Close)
	store := tracking.NewMemoryPositionStore()
	watcher := tracking.NewWatcher(reg, store, nil, nil, logger.NewNop(), nil, tracking.Options{})
	t.Cleanup(watcher.Stop)

	ctx := context.Background()
	require.NoError(t, tracker.Open(ctx, "v1"))
	require.NoError(t, watcher.Watch("v1"))
	require.Eventually(t, func() bool {
		return rl.hub.Subscribers(domain.DeviceEventsNamespace.Name, "v1") == 1 &&
			rl.hub.Subscribers(domain.TrackingNamespace.Name, "v1") == 1
	}, wait, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		v, err := tracker.View()
		return err == nil && !v.Loading
	}, wait, 10*time.Millisecond)

	pending, err := tracker.CreateDevice(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending.ActivationToken)

	// Activation comes from the device itself; the console learns about it
	// only through the push channel.
	status, body := doJSON(t, http.MethodPost, rl.apiURL()+"/devices/"+pending.ID+"/activate", "",
		domain.ActivateDeviceRequest{ActivationToken: *pending.ActivationToken})
	require.Equal(t, http.StatusOK, status, string(body))

	require.Eventually(t, func() bool {
		v, err := tracker.View()
		return err == nil && v.Active != nil && v.Active.ID == pending.ID && v.Pending == nil
	}, wait, 10*time.Millisecond)

	require.NoError(t, client.PostTelemetry(ctx, "v1", domain.TelemetryRequest{Lat: 5.6037, Lng: -0.186}))
	require.NoError(t, client.PostTelemetry(ctx, "v2", domain.TelemetryRequest{Lat: 5.605, Lng: -0.185}))

	require.Eventually(t, func() bool {
		st := watcher.Status()
		return st.Position != nil && st.Liveness == tracking.LivenessLive
	}, wait, 10*time.Millisecond)
	assert.Equal(t, 5.6037, watcher.Status().Position.Latitude)

	_, err = store.Latest(ctx, "v2")
	assert.Error(t, err, "updates for other vessels must not reach the watch")
}
