package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/smartcoop/coop-simulator/internal/infrastructure/config"
)

const (
	defaultTimeout = 10 * time.Second
	retryMax       = 2
	retryWaitMin   = 200 * time.Millisecond
	retryWaitMax   = 2 * time.Second

	// maxBodySize bounds a response body.
	maxBodySize = 4 << 20
)

var (
	// ErrNoToken is returned by calls that need a bearer token when none is configured.
	ErrNoToken = errors.New("management: no API token configured")

	// ErrUnexpectedStatus is returned for non-2xx responses.
	ErrUnexpectedStatus = errors.New("management: unexpected response status")

	// ErrAuthRejected is returned when the backend refuses a device login.
	ErrAuthRejected = errors.New("management: device authentication rejected")
)

// Logger defines the logging interface used by the client. It matches
// retryablehttp.LeveledLogger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ID is an identifier the backend sends as either a JSON number or a string.
type ID string

// UnmarshalJSON accepts numbers and strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// RemoteModule is a module registered on the backend for a device.
type RemoteModule struct {
	ModuleID       string `json:"moduleId"`
	Type           string `json:"type"`
	Name           string `json:"name"`
	ConnectionType string `json:"connectionType"`
	HasWifi        bool   `json:"hasWifi"`
}

// Device is the backend's view of a coop controller.
type Device struct {
	ID          ID             `json:"id"`
	DeviceID    ID             `json:"deviceId"`
	Name        string         `json:"name"`
	CoopID      ID             `json:"coopId"`
	MQTTModules []RemoteModule `json:"mqttModules"`
	Modules     []RemoteModule `json:"modules"`
}

// ViaDevice returns the modules that talk through this device rather than
// holding their own broker connection.
func (d Device) ViaDevice() []RemoteModule {
	var out []RemoteModule
	for _, m := range d.Modules {
		if m.ConnectionType == "via_device" && !m.HasWifi {
			out = append(out, m)
		}
	}
	return out
}

// Credentials are broker credentials issued to a device.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Broker   string `json:"broker,omitempty"`
	BrokerWS string `json:"brokerWs,omitempty"`
}

// NewChicken is the body of a chicken registration.
type NewChicken struct {
	Name          string `json:"name"`
	CoopID        string `json:"coopId"`
	AssignedTagID string `json:"assignedTagId"`
	Location      string `json:"location"`
}

// Client talks to the management API.
//
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

// New creates a client from the management config section. logger may be nil.
func New(cfg config.ManagementConfig, logger Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.HTTPClient.Timeout = defaultTimeout
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = time.Duration(cfg.Timeout) * time.Second
	}
	if logger != nil {
		rc.Logger = retryablehttp.LeveledLogger(logger)
	} else {
		rc.Logger = nil
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		http:    rc,
	}
}

// HasToken reports whether authenticated calls can be made.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// Authenticate trades a device's factory password for broker credentials.
func (c *Client) Authenticate(ctx context.Context, deviceID, password string) (Credentials, error) {
	var resp struct {
		Success bool         `json:"success"`
		Error   string       `json:"error"`
		MQTT    *Credentials `json:"mqtt"`
	}
	body := map[string]string{"deviceId": deviceID, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/mqtt/devices/auth", body, false, &resp); err != nil {
		return Credentials{}, err
	}
	if !resp.Success || resp.MQTT == nil {
		msg := resp.Error
		if msg == "" {
			msg = "invalid response"
		}
		return Credentials{}, fmt.Errorf("%w: %s", ErrAuthRejected, msg)
	}
	return *resp.MQTT, nil
}

// Device fetches the device record with its module inventory.
func (c *Client) Device(ctx context.Context, deviceID string) (Device, error) {
	var resp struct {
		Device *Device `json:"device"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/mqtt/devices/"+url.PathEscape(deviceID), nil, true, &resp); err != nil {
		return Device{}, err
	}
	if resp.Device == nil {
		return Device{}, fmt.Errorf("device %s: response has no device", deviceID)
	}
	return *resp.Device, nil
}

// ChickensByCoop fetches the coop's flock as raw backend objects, ready
// for chickens.Merge. The backend answers with either a bare array or
// {"chickens": [...]}.
func (c *Client) ChickensByCoop(ctx context.Context, coopID string) ([]map[string]any, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/chickens/coop/"+url.PathEscape(coopID), nil, true, &raw); err != nil {
		return nil, err
	}
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Chickens []map[string]any `json:"chickens"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding chickens: %w", err)
	}
	return wrapped.Chickens, nil
}

// SunTimes fetches the coop's sunrise/sunset table as raw entries, ready
// for door.ParseSunTimes.
func (c *Client) SunTimes(ctx context.Context, coopID string) ([]map[string]any, error) {
	var resp struct {
		Times []map[string]any `json:"times"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/coops/"+url.PathEscape(coopID)+"/sun-times", nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Times, nil
}

// CreateChicken registers a chicken and returns the server id.
func (c *Client) CreateChicken(ctx context.Context, ch NewChicken) (string, error) {
	var resp struct {
		ID ID `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/chickens", ch, true, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("management: created chicken has no id")
	}
	return string(resp.ID), nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, auth bool, out any) error {
	if auth && c.token == "" {
		return ErrNoToken
	}

	var raw any
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		raw = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, raw)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s: %s %s", ErrUnexpectedStatus, method, path,
			strconv.Itoa(resp.StatusCode), strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
