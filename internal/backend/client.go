// ==============================================================================
// REST BACKEND CLIENT - internal/backend/client.go
// ==============================================================================
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleetsync/pkg/config"
	"fleetsync/pkg/domain"
	kerrors "fleetsync/pkg/errors"
	"fleetsync/pkg/logger"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// maxErrorBody caps how much of a failed response is kept in StatusError.
const maxErrorBody = 4 << 10

// Client talks to the device and telemetry REST collaborators.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logger.Logger
}

// TokenSource returns the token source described by cfg: OAuth2 client
// credentials when a token URL is set, a static bearer token otherwise, or
// nil when neither is configured.
func TokenSource(ctx context.Context, cfg config.AuthConfig) oauth2.TokenSource {
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		return cc.TokenSource(ctx)
	}
	if cfg.StaticToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.StaticToken, TokenType: "Bearer"})
	}
	return nil
}

// NewClient builds a client for baseURL. Requests carry a bearer token from ts
// when it is non-nil.
func NewClient(baseURL string, timeout time.Duration, ts oauth2.TokenSource, log logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	hc := &http.Client{Timeout: timeout}
	if ts != nil {
		hc.Transport = &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, ts), Base: http.DefaultTransport}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		logger:  log.With(map[string]interface{}{"component": "backend"}),
	}
}

// ListDevices fetches every device bound to vesselID.
func (c *Client) ListDevices(ctx context.Context, vesselID string) ([]*domain.Device, error) {
	path := "/devices?vessel_id=" + url.QueryEscape(vesselID)

	var devices []*domain.Device
	if err := c.do(ctx, http.MethodGet, path, nil, &devices); err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []*domain.Device{}
	}
	return devices, nil
}

// CreateDevice registers a new pending device for vesselID.
func (c *Client) CreateDevice(ctx context.Context, vesselID string) (*domain.Device, error) {
	var device domain.Device
	if err := c.do(ctx, http.MethodPost, "/devices", domain.CreateDeviceRequest{VesselID: vesselID}, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

// DeleteDevice removes a device.
func (c *Client) DeleteDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/devices/"+url.PathEscape(deviceID), nil, nil)
}

// PostTelemetry reports one position fix for vesselID.
func (c *Client) PostTelemetry(ctx context.Context, vesselID string, req domain.TelemetryRequest) error {
	return c.do(ctx, http.MethodPost, "/vessels/"+url.PathEscape(vesselID)+"/telemetry", req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", kerrors.ErrBackendUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Backend request", map[string]interface{}{
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &kerrors.StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.Body),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a failed response, falling back
// to the raw body.
func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}
