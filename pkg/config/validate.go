// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"strings"
)

// ValidateCore ensures critical configuration is present and coherent.
func (c *Config) ValidateCore() error {
	var missing []string

	if strings.TrimSpace(c.API.BaseURL) == "" {
		missing = append(missing, "API_BASE_URL")
	}
	if c.Auth.TokenURL != "" && (c.Auth.ClientID == "" || c.Auth.ClientSecret == "") {
		missing = append(missing, "OAUTH_CLIENT_ID/OAUTH_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if _, err := c.WebSocketBaseURL(); err != nil {
		return fmt.Errorf("invalid transport endpoint: %w", err)
	}

	r := c.Transport.Reconnect
	if r.Enabled {
		if r.InitialInterval <= 0 {
			return fmt.Errorf("WS_RECONNECT_INITIAL must be positive")
		}
		if r.MaxInterval < r.InitialInterval {
			return fmt.Errorf("WS_RECONNECT_MAX must be >= WS_RECONNECT_INITIAL")
		}
		if r.Multiplier < 1 {
			return fmt.Errorf("WS_RECONNECT_MULTIPLIER must be >= 1")
		}
	}
	if c.Transport.OutboundQueueSize < 1 {
		return fmt.Errorf("WS_OUTBOUND_QUEUE must be >= 1")
	}
	return nil
}

// ValidateRelay checks the settings the dev relay needs.
func (c *Config) ValidateRelay() error {
	if strings.TrimSpace(c.Server.Port) == "" {
		return fmt.Errorf("missing required configuration: SERVER_PORT")
	}
	if c.Relay.JWTSecret == "change-this-secret" {
		return fmt.Errorf("RELAY_JWT_SECRET must not use the placeholder value")
	}
	if p := c.Relay.APIPrefix; p != "" && !strings.HasPrefix(p, "/") {
		return fmt.Errorf("RELAY_API_PREFIX must start with /")
	}
	if c.Relay.TelemetryRateLimit < 0 {
		return fmt.Errorf("RELAY_TELEMETRY_RATE_LIMIT must be >= 0")
	}
	return nil
}
