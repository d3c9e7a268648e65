package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/nexus-edge/device-server/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// ControlPlaneConfig configures the outbound REST client against the
// fleet's system-of-record control plane.
type ControlPlaneConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// ControlPlaneClient is a Bearer-auth'd REST client for the handful of
// endpoints the device server needs: device registration, status/snapshot
// updates, site lookup, and anomaly event reporting. Status, snapshot,
// anomaly and command-progress calls are non-fatal on failure (logged and
// swallowed); RegisterDevice, GetSiteForDevice, FetchPendingCommands and
// ExpireStaleCommands return their errors to the caller.
type ControlPlaneClient struct {
	cfg     ControlPlaneConfig
	http    *http.Client
	logger  zerolog.Logger
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewControlPlaneClient builds a ControlPlaneClient.
func NewControlPlaneClient(cfg ControlPlaneConfig, logger zerolog.Logger) *ControlPlaneClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}

	return &ControlPlaneClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With().Str("component", "control-plane-client").Logger(),
		breaker: newHTTPBreaker("control-plane-client"),
	}
}

// RegisterDeviceRequest is the payload for RegisterDevice.
type RegisterDeviceRequest struct {
	SiteID       string `json:"site_id,omitempty"`
	SerialNumber string `json:"serial_number"`
	DeviceType   string `json:"device_type"`
	ProtocolID   string `json:"protocol_id"`
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
}

type registerDeviceResponse struct {
	DeviceID string `json:"device_id"`
}

// RegisterDevice registers (or re-discovers) a device with the control
// plane, returning its device_id. A 201 means newly created; a 409 means
// the device already exists, and the body still carries the existing id —
// both are treated as success here.
func (c *ControlPlaneClient) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/devices", req)
	if err != nil {
		return "", fmt.Errorf("storage: register device: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return "", fmt.Errorf("storage: register device: unexpected status %d", resp.StatusCode)
	}

	var out registerDeviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("storage: decode register response: %w", err)
	}
	return out.DeviceID, nil
}

// UpdateDeviceStatus reports a device's current status. Non-fatal: errors
// are logged, not returned, since a status update is informational.
func (c *ControlPlaneClient) UpdateDeviceStatus(ctx context.Context, deviceID, status, message string) {
	body := map[string]string{"status": status, "message": message}
	resp, err := c.doRequest(ctx, http.MethodPut, fmt.Sprintf("/api/v1/devices/%s/status", deviceID), body)
	if err != nil {
		c.logger.Warn().Err(err).Str("device_id", deviceID).Msg("failed to update device status")
		return
	}
	resp.Body.Close()
}

// UpdateDeviceSnapshot pushes the latest telemetry snapshot (metadata
// fields prefixed with "_" already excluded by the caller) for a device's
// current-state view in the control plane. Non-fatal on failure.
func (c *ControlPlaneClient) UpdateDeviceSnapshot(ctx context.Context, deviceID string, metrics map[string]any) {
	resp, err := c.doRequest(ctx, http.MethodPut, fmt.Sprintf("/api/v1/devices/%s/snapshot", deviceID), metrics)
	if err != nil {
		c.logger.Warn().Err(err).Str("device_id", deviceID).Msg("failed to update device snapshot")
		return
	}
	resp.Body.Close()
}

type siteResponse struct {
	SiteID string `json:"site_id"`
}

// GetSiteForDevice looks up the site a remote address should be
// auto-assigned to, used by discovery and first-contact registration. An
// empty string means no assignment is known; this is not an error.
func (c *ControlPlaneClient) GetSiteForDevice(ctx context.Context, remoteAddr string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/sites/lookup?remote_addr="+remoteAddr, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storage: get site for device: unexpected status %d", resp.StatusCode)
	}

	var out siteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("storage: decode site response: %w", err)
	}
	return out.SiteID, nil
}

// ReportAnomaly implements telemetry.EventSink: it posts a telemetry
// anomaly as a control-plane event, best-effort.
func (c *ControlPlaneClient) ReportAnomaly(ctx context.Context, a telemetry.Anomaly) {
	body := map[string]any{
		"event_type": "telemetry_anomaly",
		"severity":   "warning",
		"device_id":  a.DeviceID,
		"metric":     a.MetricName,
		"value":      a.Value,
		"kind":       a.Kind,
		"timestamp":  a.Timestamp,
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/events", body)
	if err != nil {
		c.logger.Debug().Err(err).Str("device_id", a.DeviceID).Msg("failed to report anomaly event")
		return
	}
	resp.Body.Close()
}

// PendingCommand is one queued write command returned by FetchPendingCommands.
type PendingCommand struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	RegisterID string    `json:"register_id"`
	Command    string    `json:"command,omitempty"`
	Value      any       `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Priority   int       `json:"priority,omitempty"`
}

type pendingCommandsResponse struct {
	Commands []PendingCommand `json:"commands"`
}

// FetchPendingCommands pulls up to limit queued commands for dispatch. An
// empty slice and nil error means the queue is simply empty right now.
func (c *ControlPlaneClient) FetchPendingCommands(ctx context.Context, limit int) ([]PendingCommand, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/commands/pending?limit=%d", limit), nil)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch pending commands: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("storage: fetch pending commands: unexpected status %d", resp.StatusCode)
	}

	var out pendingCommandsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("storage: decode pending commands: %w", err)
	}
	return out.Commands, nil
}

// MarkCommandSent tells the control plane a command has been dispatched to
// its device, before the write is actually attempted. Non-fatal on failure.
func (c *ControlPlaneClient) MarkCommandSent(ctx context.Context, commandID string) {
	resp, err := c.doRequest(ctx, http.MethodPut, fmt.Sprintf("/api/v1/commands/%s/sent", commandID), nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("command_id", commandID).Msg("failed to mark command sent")
		return
	}
	resp.Body.Close()
}

// ReportCommandResult reports the outcome of a dispatched command. Non-fatal
// on failure: a lost result report does not retry the write itself.
func (c *ControlPlaneClient) ReportCommandResult(ctx context.Context, commandID string, success bool, errMsg string) {
	body := map[string]any{"success": success, "error": errMsg}
	resp, err := c.doRequest(ctx, http.MethodPut, fmt.Sprintf("/api/v1/commands/%s/result", commandID), body)
	if err != nil {
		c.logger.Warn().Err(err).Str("command_id", commandID).Msg("failed to report command result")
		return
	}
	resp.Body.Close()
}

// ExpireStaleCommands asks the control plane to expire commands that have
// sat pending too long, returning how many were expired.
func (c *ControlPlaneClient) ExpireStaleCommands(ctx context.Context) (int, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/commands/expire-stale", nil)
	if err != nil {
		return 0, fmt.Errorf("storage: expire stale commands: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Expired int `json:"expired"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("storage: decode expire-stale response: %w", err)
	}
	return out.Expired, nil
}

// doRequest marshals body (if any) with goccy/go-json, sends the request
// with bounded retries through the circuit breaker, and returns the raw
// response for the caller to interpret. The caller owns closing the body.
func (c *ControlPlaneClient) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = encoded
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			return c.send(ctx, method, path, payload)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *ControlPlaneClient) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("control plane returned status %d", resp.StatusCode)
	}
	return resp, nil
}

func newHTTPBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}
