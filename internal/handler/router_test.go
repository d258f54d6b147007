package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fleetsync/internal/auth"
	"fleetsync/internal/backend"
	"fleetsync/internal/relay"
	"fleetsync/internal/repository/memory"
	"fleetsync/pkg/config"
	"fleetsync/pkg/domain"
	kerrors "fleetsync/pkg/errors"
	"fleetsync/pkg/logger"
	"fleetsync/pkg/metrics"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

// --- Helpers ---

type testRelay struct {
	srv *httptest.Server
	hub *relay.Hub
}

func (r *testRelay) apiURL() string { return r.srv.URL + "/api" }

func (r *testRelay) wsURL() string { return "ws" + strings.TrimPrefix(r.srv.URL, "http") }

func newTestRelay(t *testing.T, tokens *auth.Service) *testRelay {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	hub := relay.NewHub(logger.NewNop(), m, false)
	pub := relay.NewLocalBackplane(hub)
	devices := relay.NewDeviceService(memory.NewDeviceRepository(), pub, logger.NewNop(), time.Hour)
	telemetry := relay.NewTelemetryService(nil, pub, nil, logger.NewNop(), m)

	h := NewRouter(RouterDeps{
		Config:    config.RelayConfig{APIPrefix: "/api"},
		Proximity: config.ProximityConfig{RadiusKm: 100, RecencyWindowDays: 31},
		Hub:       hub,
		Devices:   devices,
		Telemetry: telemetry,
		Tokens:    tokens,
		Gatherer:  reg,
		Logger:    logger.NewNop(),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testRelay{srv: srv, hub: hub}
}

func doJSON(t *testing.T, method, url, token string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// --- Tests ---

func TestRouter_DeviceLifecycle(t *testing.T) {
	rl := newTestRelay(t, nil)
	client := backend.NewClient(rl.apiURL(), 5*time.Second, nil, logger.NewNop())
	ctx := context.Background()

	empty, err := client.ListDevices(ctx, "v1")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	created, err := client.CreateDevice(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStatePending, created.State)
	require.NotNil(t, created.ActivationToken)

	status, body := doJSON(t, http.MethodPost, rl.apiURL()+"/devices/"+created.ID+"/activate", "",
		domain.ActivateDeviceRequest{ActivationToken: *created.ActivationToken})
	require.Equal(t, http.StatusOK, status, string(body))
	var active domain.Device
	require.NoError(t, json.Unmarshal(body, &active))
	assert.Equal(t, domain.DeviceStateActive, active.State)
	assert.NotNil(t, active.AuthToken)

	err = client.DeleteDevice(ctx, created.ID)
	assert.ErrorIs(t, err, kerrors.ErrInvalidTransition)

	status, _ = doJSON(t, http.MethodPost, rl.apiURL()+"/devices/"+created.ID+"/retire", "", nil)
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, client.DeleteDevice(ctx, created.ID))
	assert.ErrorIs(t, client.DeleteDevice(ctx, created.ID), kerrors.ErrDeviceNotFound)

	list, err := client.ListDevices(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRouter_ActivateErrors(t *testing.T) {
	rl := newTestRelay(t, nil)
	client := backend.NewClient(rl.apiURL(), 5*time.Second, nil, logger.NewNop())
	created, err := client.CreateDevice(context.Background(), "v1")
	require.NoError(t, err)

	tests := []struct {
		name   string
		id     string
		body   interface{}
		status int
	}{
		{"wrong token", created.ID, domain.ActivateDeviceRequest{ActivationToken: "nope"}, http.StatusUnauthorized},
		{"missing token", created.ID, map[string]string{}, http.StatusBadRequest},
		{"no body", created.ID, nil, http.StatusBadRequest},
		{"unknown field", created.ID, map[string]string{"token": "x"}, http.StatusBadRequest},
		{"unknown device", "missing", domain.ActivateDeviceRequest{ActivationToken: "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, http.MethodPost, rl.apiURL()+"/devices/"+tt.id+"/activate", "", tt.body)
			assert.Equal(t, tt.status, status, string(body))
		})
	}
}

func TestRouter_Validation(t *testing.T) {
	rl := newTestRelay(t, nil)

	status, body := doJSON(t, http.MethodPost, rl.apiURL()+"/devices", "", domain.CreateDeviceRequest{VesselID: ""})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "vessel_id")

	status, _ = doJSON(t, http.MethodGet, rl.apiURL()+"/devices", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = doJSON(t, http.MethodPost, rl.apiURL()+"/vessels/v1/telemetry", "", domain.TelemetryRequest{Lat: 95, Lng: 0})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "lat")

	status, _ = doJSON(t, http.MethodGet, rl.apiURL()+"/vessels/v1/nearby?radius_km=far", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRouter_TelemetryPositionAndNearby(t *testing.T) {
	rl := newTestRelay(t, nil)
	client := backend.NewClient(rl.apiURL(), 5*time.Second, nil, logger.NewNop())
	ctx := context.Background()

	status, _ := doJSON(t, http.MethodGet, rl.apiURL()+"/vessels/v1/position", "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	require.NoError(t, client.PostTelemetry(ctx, "v1", domain.TelemetryRequest{Lat: 5.6037, Lng: -0.186}))
	require.NoError(t, client.PostTelemetry(ctx, "v2", domain.TelemetryRequest{Lat: 5.605, Lng: -0.185}))
	require.NoError(t, client.PostTelemetry(ctx, "v3", domain.TelemetryRequest{Lat: 40, Lng: 10}))

	status, body := doJSON(t, http.MethodGet, rl.apiURL()+"/vessels/v1/position", "", nil)
	require.Equal(t, http.StatusOK, status)
	var sample domain.PositionSample
	require.NoError(t, json.Unmarshal(body, &sample))
	assert.Equal(t, 5.6037, sample.Latitude)

	status, body = doJSON(t, http.MethodGet, rl.apiURL()+"/vessels/v1/nearby", "", nil)
	require.Equal(t, http.StatusOK, status)
	var nearby []nearbyResponse
	require.NoError(t, json.Unmarshal(body, &nearby))
	require.Len(t, nearby, 1)
	assert.Equal(t, "v2", nearby[0].VesselID)
	assert.InDelta(t, 0.182, nearby[0].DistanceKm, 0.005)

	status, body = doJSON(t, http.MethodGet, rl.apiURL()+"/vessels/v1/nearby?radius_km=10000", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &nearby))
	assert.Len(t, nearby, 2)
}

func TestRouter_AuthScopes(t *testing.T) {
	tokens := auth.NewService("secret", time.Minute)
	rl := newTestRelay(t, tokens)

	reader, err := tokens.IssueToken("console-1")
	require.NoError(t, err)
	writer, err := tokens.IssueToken("operator", ScopeDevicesWrite)
	require.NoError(t, err)

	list := rl.apiURL() + "/devices?vessel_id=v1"
	status, _ := doJSON(t, http.MethodGet, list, "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = doJSON(t, http.MethodGet, list, reader.AccessToken, nil)
	assert.Equal(t, http.StatusOK, status)

	create := domain.CreateDeviceRequest{VesselID: "v1"}
	status, _ = doJSON(t, http.MethodPost, rl.apiURL()+"/devices", reader.AccessToken, create)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = doJSON(t, http.MethodPost, rl.apiURL()+"/devices", writer.AccessToken, create)
	assert.Equal(t, http.StatusCreated, status)

	status, _ = doJSON(t, http.MethodPost, rl.apiURL()+"/vessels/v1/telemetry", writer.AccessToken, domain.TelemetryRequest{Lat: 1, Lng: 1})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = doJSON(t, http.MethodGet, rl.srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, status)

	_, resp, err := websocket.DefaultDialer.Dial(rl.wsURL()+"/tracking", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(rl.wsURL()+"/tracking?access_token="+reader.AccessToken, nil)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestRouter_HealthMetricsAndCORS(t *testing.T) {
	rl := newTestRelay(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(rl.wsURL()+"/device-events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return rl.hub.Clients(domain.DeviceEventsNamespace.Name) == 1
	}, wait, 10*time.Millisecond)

	status, body := doJSON(t, http.MethodGet, rl.srv.URL+"/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Clients[domain.DeviceEventsNamespace.Name])

	status, body = doJSON(t, http.MethodGet, rl.srv.URL+"/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "fleetsync_relay_clients")

	req, err := http.NewRequest(http.MethodOptions, rl.apiURL()+"/devices", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://console.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://console.example", resp.Header.Get("Access-Control-Allow-Origin"))
}
