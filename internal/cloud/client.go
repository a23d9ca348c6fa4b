// Package cloud provides communication with the AgSys backend.
// Uses HTTPS REST for data submission and WebSocket for pushed commands.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agsys/edge-sync/internal/command"
)

var (
	// ErrBackendUnavailable means the backend could not be reached or
	// failed server-side. The request may be retried later.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrNotAccepted means the backend answered but reported success=false
	ErrNotAccepted = errors.New("backend did not accept request")
)

// APIError is a 4xx answer from the backend
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Config holds cloud client configuration
type Config struct {
	BaseURL      string // REST API base URL (https://api.agsys.io/api/v1)
	WebSocketURL string // WebSocket URL (wss://api.agsys.io/ws/controller)
	ControllerID string // Controller UUID
	Token        string // Bearer token

	PingInterval time.Duration // Interval for ping/keepalive
	WriteTimeout time.Duration // Timeout for write operations
	ReadTimeout  time.Duration // Timeout for read operations
	HTTPTimeout  time.Duration // Timeout for HTTP requests

	// Reconnection settings (exponential backoff)
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
}

// DefaultConfig returns default cloud client configuration
func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		HTTPTimeout:       30 * time.Second,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// Client calls the backend REST API
type Client struct {
	config     Config
	httpClient *http.Client
	log        zerolog.Logger
}

// New creates a new cloud client
func New(config Config, log zerolog.Logger) *Client {
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = DefaultConfig().HTTPTimeout
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		log: log.With().Str("component", "cloud").Logger(),
	}
}

// =============================================================================
// Commands
// =============================================================================

type mirrorRequest struct {
	DeviceID   string          `json:"deviceId"`
	Command    string          `json:"command"`
	Parameters *command.Params `json:"parameters"`
}

type mirrorResponse struct {
	Success   bool   `json:"success"`
	CommandID string `json:"commandId"`
	Message   string `json:"message,omitempty"`
}

// MirrorCommand records a locally executed command with the backend and
// returns the backend's id for it.
func (c *Client) MirrorCommand(ctx context.Context, cmd *command.Command) (string, error) {
	params := cmd.Parameters
	if params == nil {
		params = command.NewParams()
	}
	var resp mirrorResponse
	err := c.do(ctx, http.MethodPost, "/commands", mirrorRequest{
		DeviceID:   cmd.DeviceID,
		Command:    cmd.Name(),
		Parameters: params,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("mirror command %s: %w: %s", cmd.ID, ErrNotAccepted, resp.Message)
	}
	return resp.CommandID, nil
}

type statusRequest struct {
	CommandID string  `json:"commandId"`
	Status    string  `json:"status"`
	Result    *string `json:"result"`
}

// UpdateCommandStatus reports a command's outcome against its backend id
func (c *Client) UpdateCommandStatus(ctx context.Context, remoteID string, status command.Status, result *string) error {
	return c.do(ctx, http.MethodPut, "/commands", statusRequest{
		CommandID: remoteID,
		Status:    string(status),
		Result:    result,
	}, nil)
}

// =============================================================================
// Telemetry
// =============================================================================

// TelemetryItem is one reading in a batch upload
type TelemetryItem struct {
	SensorType string  `json:"sensorType"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit,omitempty"`
	Timestamp  int64   `json:"timestamp"` // unix ms
}

type telemetryRequest struct {
	DeviceToken   string          `json:"deviceToken"`
	TelemetryData []TelemetryItem `json:"telemetryData"`
}

type ackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// UploadTelemetry sends one device's readings as a single batch
func (c *Client) UploadTelemetry(ctx context.Context, deviceToken string, items []TelemetryItem) error {
	var resp ackResponse
	if err := c.do(ctx, http.MethodPost, "/telemetry/batch", telemetryRequest{
		DeviceToken:   deviceToken,
		TelemetryData: items,
	}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("telemetry for %s: %w: %s", deviceToken, ErrNotAccepted, resp.Message)
	}
	return nil
}

// =============================================================================
// Devices
// =============================================================================

type deviceRequest struct {
	ID            string         `json:"id"`
	Configuration map[string]any `json:"configuration"`
}

// PushDeviceConfig stores a device's configuration on the backend and
// returns the backend's device representation.
func (c *Client) PushDeviceConfig(ctx context.Context, id string, configuration map[string]any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodPut, "/devices", deviceRequest{ID: id, Configuration: configuration}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do sends a JSON request and decodes the JSON answer into out (if set).
// Network failures and 5xx answers wrap ErrBackendUnavailable; 4xx
// answers are *APIError.
func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	if c.config.ControllerID != "" {
		req.Header.Set("X-Controller-ID", c.config.ControllerID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrBackendUnavailable, method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrBackendUnavailable, endpoint, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: %s", ErrBackendUnavailable, method, endpoint, resp.Status)
	case resp.StatusCode >= 400:
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	c.log.Debug().Str("method", method).Str("endpoint", endpoint).Int("status", resp.StatusCode).Msg("backend call")
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}
