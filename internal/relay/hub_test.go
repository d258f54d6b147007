package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fleetsync/internal/transport"
	"fleetsync/pkg/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

func startHub(t *testing.T, broadcastAll bool) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil, nil, broadcastAll)
	mux := http.NewServeMux()
	mux.Handle("/"+domain.DeviceEventsNamespace.Name, hub.ServeNamespace(domain.DeviceEventsNamespace))
	mux.Handle("/"+domain.TrackingNamespace.Name, hub.ServeNamespace(domain.TrackingNamespace))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base string, ns domain.Namespace) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/"+ns.Name, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, event, vesselID string) {
	t.Helper()
	data, err := json.Marshal(domain.SubscriptionCommand{VesselID: vesselID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(transport.Frame{Event: event, Data: data}))
}

func readFrame(t *testing.T, conn *websocket.Conn) transport.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	var f transport.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func publishPosition(t *testing.T, hub *Hub, vesselID string) {
	t.Helper()
	env, err := NewEnvelope(domain.TrackingNamespace, domain.EventPositionUpdate, vesselID, domain.PositionUpdate{
		VesselID:  vesselID,
		Lat:       1,
		Lng:       2,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, NewLocalBackplane(hub).Publish(context.Background(), env))
}

func TestHub_DeliversToSubscribersOnly(t *testing.T) {
	hub, base := startHub(t, false)
	a := dial(t, base, domain.TrackingNamespace)
	b := dial(t, base, domain.TrackingNamespace)

	sendCommand(t, a, domain.TrackingNamespace.SubscribeEvent, "v1")
	sendCommand(t, b, domain.TrackingNamespace.SubscribeEvent, "v2")
	require.Eventually(t, func() bool {
		return hub.Subscribers(domain.TrackingNamespace.Name, "v1") == 1 &&
			hub.Subscribers(domain.TrackingNamespace.Name, "v2") == 1
	}, wait, 10*time.Millisecond)

	publishPosition(t, hub, "v1")

	f := readFrame(t, a)
	assert.Equal(t, domain.EventPositionUpdate, f.Event)
	var update domain.PositionUpdate
	require.NoError(t, json.Unmarshal(f.Data, &update))
	assert.Equal(t, "v1", update.VesselID)

	require.NoError(t, b.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := b.ReadMessage()
	assert.Error(t, err, "v2 subscriber must not receive v1 updates")
}

func TestHub_Unsubscribe(t *testing.T) {
	hub, base := startHub(t, false)
	conn := dial(t, base, domain.TrackingNamespace)

	sendCommand(t, conn, domain.TrackingNamespace.SubscribeEvent, "v1")
	require.Eventually(t, func() bool {
		return hub.Subscribers(domain.TrackingNamespace.Name, "v1") == 1
	}, wait, 10*time.Millisecond)

	sendCommand(t, conn, domain.TrackingNamespace.UnsubscribeEvent, "v1")
	require.Eventually(t, func() bool {
		return hub.Subscribers(domain.TrackingNamespace.Name, "v1") == 0
	}, wait, 10*time.Millisecond)
}

func TestHub_NamespacesAreIsolated(t *testing.T) {
	hub, base := startHub(t, false)
	conn := dial(t, base, domain.DeviceEventsNamespace)

	// A tracking command on the device namespace is ignored.
	sendCommand(t, conn, domain.TrackingNamespace.SubscribeEvent, "v1")
	sendCommand(t, conn, domain.DeviceEventsNamespace.SubscribeEvent, "v1")
	require.Eventually(t, func() bool {
		return hub.Subscribers(domain.DeviceEventsNamespace.Name, "v1") == 1
	}, wait, 10*time.Millisecond)
	assert.Equal(t, 0, hub.Subscribers(domain.TrackingNamespace.Name, "v1"))

	publishPosition(t, hub, "v1")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_BroadcastAll(t *testing.T) {
	hub, base := startHub(t, true)
	conn := dial(t, base, domain.TrackingNamespace)
	require.Eventually(t, func() bool {
		return hub.Clients(domain.TrackingNamespace.Name) == 1
	}, wait, 10*time.Millisecond)

	publishPosition(t, hub, "v9")
	f := readFrame(t, conn)
	assert.Equal(t, domain.EventPositionUpdate, f.Event)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	hub, base := startHub(t, false)
	conn := dial(t, base, domain.TrackingNamespace)
	require.Eventually(t, func() bool {
		return hub.Clients(domain.TrackingNamespace.Name) == 1
	}, wait, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return hub.Clients(domain.TrackingNamespace.Name) == 0
	}, wait, 10*time.Millisecond)
}
