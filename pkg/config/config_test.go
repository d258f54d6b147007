package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveWebSocketURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{"http with api prefix", "http://localhost:3000/api", "ws://localhost:3000", false},
		{"https with nested prefix", "https://fleet.example.com/api/v2/", "wss://fleet.example.com", false},
		{"already ws", "ws://relay:8080", "ws://relay:8080", false},
		{"unsupported scheme", "ftp://fleet.example.com", "", true},
		{"missing host", "http:///api", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveWebSocketURL(tt.base)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWebSocketBaseURL_Override(t *testing.T) {
	cfg := defaults()
	cfg.Transport.URL = "wss://push.example.com/"

	got, err := cfg.WebSocketBaseURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://push.example.com", got)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://fleet.example.com/api
transport:
  reconnect:
    initial_interval: 250ms
proximity:
  radius_km: 50
`), 0o600))

	t.Setenv("FLEETSYNC_CONFIG_FILE", path)
	t.Setenv("PROXIMITY_RADIUS_KM", "75")
	t.Setenv("REDIS_URL", "redis://cache:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://fleet.example.com/api", cfg.API.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Transport.Reconnect.InitialInterval)
	assert.Equal(t, 75.0, cfg.Proximity.RadiusKm)
	assert.Equal(t, "cache:6379", cfg.Redis.URL)
	assert.Equal(t, 31.0, cfg.Proximity.RecencyWindowDays)
}

func TestLoad_BadFile(t *testing.T) {
	t.Setenv("FLEETSYNC_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateCore(t *testing.T) {
	cfg := defaults()
	require.NoError(t, cfg.ValidateCore())

	cfg.Auth.TokenURL = "https://idp.example.com/token"
	assert.ErrorContains(t, cfg.ValidateCore(), "OAUTH_CLIENT_ID")

	cfg = defaults()
	cfg.Transport.Reconnect.MaxInterval = time.Millisecond
	assert.ErrorContains(t, cfg.ValidateCore(), "WS_RECONNECT_MAX")

	cfg = defaults()
	cfg.API.BaseURL = "mailto:ops@example.com"
	assert.Error(t, cfg.ValidateCore())
}
