package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleetsync/pkg/config"
	"fleetsync/pkg/domain"
	kerrors "fleetsync/pkg/errors"
	"fleetsync/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, h http.HandlerFunc, ts oauth2.TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api/", time.Second, ts, logger.NewNop())
}

func TestClient_ListDevices(t *testing.T) {
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/devices", r.URL.Path)
		assert.Equal(t, "v 1", r.URL.Query().Get("vessel_id"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]domain.Device{
			{ID: "d1", VesselID: "v 1", State: domain.DeviceStateActive, CreatedAt: created},
		})
	}, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "secret"}))

	devices, err := c.ListDevices(context.Background(), "v 1")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "d1", devices[0].ID)
	assert.Equal(t, domain.DeviceStateActive, devices[0].State)
	assert.True(t, devices[0].CreatedAt.Equal(created))
}

func TestClient_ListDevicesNullBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("null"))
	}, nil)

	devices, err := c.ListDevices(context.Background(), "v1")
	require.NoError(t, err)
	assert.NotNil(t, devices)
	assert.Empty(t, devices)
}

func TestClient_CreateDevice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/devices", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))

		var req domain.CreateDeviceRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "v1", req.VesselID)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(domain.Device{ID: "d2", VesselID: req.VesselID, State: domain.DeviceStatePending})
	}, nil)

	device, err := c.CreateDevice(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "d2", device.ID)
	assert.Equal(t, domain.DeviceStatePending, device.State)
}

func TestClient_DeleteAndTelemetry(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.EscapedPath())
		if r.Method == http.MethodPost {
			var req domain.TelemetryRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 5.6037, req.Lat)
		}
		w.WriteHeader(http.StatusNoContent)
	}, nil)

	require.NoError(t, c.DeleteDevice(context.Background(), "d/1"))
	require.NoError(t, c.PostTelemetry(context.Background(), "v1", domain.TelemetryRequest{Lat: 5.6037, Lng: -0.186}))
	assert.Equal(t, []string{
		"DELETE /api/devices/d%2F1",
		"POST /api/vessels/v1/telemetry",
	}, paths)
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
		msg    string
	}{
		{"not found", http.StatusNotFound, `{"error":"device not found"}`, kerrors.ErrDeviceNotFound, "device not found"},
		{"unauthorized", http.StatusUnauthorized, `{"message":"token expired"}`, kerrors.ErrUnauthorized, "token expired"},
		{"server error", http.StatusBadGateway, "upstream down\n", kerrors.ErrBackendUnavailable, "upstream down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, nil)

			err := c.DeleteDevice(context.Background(), "d1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)

			var se *kerrors.StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.msg, se.Message)
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c := NewClient(srv.URL, 100*time.Millisecond, nil, nil)
	_, err := c.ListDevices(context.Background(), "v1")
	assert.ErrorIs(t, err, kerrors.ErrBackendUnavailable)
}

func TestTokenSource(t *testing.T) {
	assert.Nil(t, TokenSource(context.Background(), config.AuthConfig{}))

	tok, err := TokenSource(context.Background(), config.AuthConfig{StaticToken: "abc"}).Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"issued","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(idp.Close)

	ts := TokenSource(context.Background(), config.AuthConfig{
		TokenURL:     idp.URL,
		ClientID:     "console",
		ClientSecret: "s3cret",
	})
	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "issued", tok.AccessToken)
}
