package phyn

import (
	"bytes"
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

	"github.com/sony/gobreaker"

	"github.com/nerrad567/phyn-bridge/internal/device"
	"github.com/nerrad567/phyn-bridge/internal/infrastructure/config"
)

const (
	defaultTimeout = 20 * time.Second

	// maxErrorBody bounds how much of a failed response is kept in
	// StatusError.Body.
	maxErrorBody = 512

	// consumptionPrecision is the decimal precision requested for
	// consumption totals.
	consumptionPrecision = 6
)

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Client is the request/response transport against the Phyn REST API.
// It implements device.PollClient and fleet.HomeLister.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Client struct {
	base    *url.URL
	token   string
	apiKey  string
	userID  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The configured timeout is not
// applied to a replacement.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client from configuration.
//
// Parameters:
//   - cfg: API section of the configuration; BaseURL and Token are required
//   - opts: optional overrides
//
// Returns:
//   - *Client: ready for use, no request is made
//   - error: if the base URL cannot be parsed
func New(cfg config.PhynAPIConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("phyn: invalid base url %q", cfg.BaseURL)
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		base:   base,
		token:  cfg.Token,
		apiKey: cfg.APIKey,
		userID: cfg.UserID,
		http:   &http.Client{Timeout: timeout},
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = newBreaker("phyn-api", cfg.Breaker)
	return c, nil
}

func newBreaker(name string, cfg config.BreakerConfig) *gobreaker.CircuitBreaker {
	fails := cfg.FailureThreshold
	if fails <= 0 {
		fails = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: time.Duration(cfg.Interval) * time.Second,
		Timeout:  time.Duration(cfg.OpenTimeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(fails)
		},
		IsSuccessful: breakerSuccess,
	})
}

// breakerSuccess decides what counts against the breaker. Rejected
// requests and caller cancellation say nothing about upstream health.
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.clientError()
}

// BreakerState reports the breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// =============================================================================
// Request plumbing
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, query, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s %s", ErrCircuitOpen, method, path)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("phyn: encoding %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("phyn: building %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.token)
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// Prefer the context error so callers can match deadlines.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("phyn: %s %s: %w", method, path, ctxErr)
		}
		return fmt.Errorf("phyn: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("phyn request", "method", method, "path", path,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %s %s: %w", ErrUnexpectedResponse, method, path, err)
	}
	return nil
}

func devicePath(deviceID string, parts ...string) string {
	p := "/devices/" + url.PathEscape(deviceID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// =============================================================================
// Homes
// =============================================================================

// ListHomes returns every home for the configured user with its devices.
func (c *Client) ListHomes(ctx context.Context) ([]device.Home, error) {
	var homes []device.Home
	err := c.do(ctx, http.MethodGet, "/homes", url.Values{"user_id": {c.userID}}, nil, &homes)
	if err != nil {
		return nil, err
	}
	return homes, nil
}

// =============================================================================
// device.PollClient
// =============================================================================

// GetState returns the device record.
func (c *Client) GetState(ctx context.Context, deviceID string) (device.Fields, error) {
	var state device.Fields
	if err := c.do(ctx, http.MethodGet, devicePath(deviceID, "state"), nil, nil, &state); err != nil {
		return nil, err
	}
	if state == nil {
		state = device.Fields{}
	}
	return state, nil
}

// GetConsumption returns consumption details for a duration such as
// "2026/10/17".
func (c *Client) GetConsumption(ctx context.Context, deviceID, duration string) (device.Fields, error) {
	q := url.Values{
		"device_id": {deviceID},
		"duration":  {duration},
		"precision": {strconv.Itoa(consumptionPrecision)},
	}
	var out device.Fields
	if err := c.do(ctx, http.MethodGet, devicePath(deviceID, "consumption", "details"), q, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = device.Fields{}
	}
	return out, nil
}

// wirePreference is a preference as the API sends it. Values are usually
// the strings "true"/"false" but some firmware returns JSON booleans.
type wirePreference struct {
	DeviceID string `json:"device_id,omitempty"`
	Name     string `json:"name"`
	Value    any    `json:"value"`
}

// GetPreferences returns the device's boolean preferences. Entries whose
// value is not a boolean are skipped.
func (c *Client) GetPreferences(ctx context.Context, deviceID string) ([]device.PreferenceEntry, error) {
	var raw []wirePreference
	path := "/preferences/device/" + url.PathEscape(deviceID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, err
	}

	out := make([]device.PreferenceEntry, 0, len(raw))
	for _, p := range raw {
		var (
			v   bool
			err error
		)
		switch val := p.Value.(type) {
		case bool:
			v = val
		case string:
			v, err = device.ParsePreferenceValue(val)
		default:
			err = fmt.Errorf("unsupported type %T", val)
		}
		if err != nil {
			c.logger.Debug("skipping preference", "device_id", deviceID, "name", p.Name, "error", err)
			continue
		}
		out = append(out, device.PreferenceEntry{Name: p.Name, Value: v})
	}
	return out, nil
}

// SetPreferences writes preference entries in the wire string form.
func (c *Client) SetPreferences(ctx context.Context, deviceID string, prefs []device.PreferenceEntry) error {
	body := make([]wirePreference, 0, len(prefs))
	for _, p := range prefs {
		body = append(body, wirePreference{
			DeviceID: deviceID,
			Name:     p.Name,
			Value:    device.FormatPreferenceValue(p.Value),
		})
	}
	return c.do(ctx, http.MethodPost, "/preferences/device/"+url.PathEscape(deviceID), nil, body, nil)
}

// GetLatestFirmware returns the newest firmware for the device. An empty
// listing yields a zero FirmwareInfo.
func (c *Client) GetLatestFirmware(ctx context.Context, deviceID string) (device.FirmwareInfo, error) {
	var list []device.FirmwareInfo
	q := url.Values{"device_id": {deviceID}}
	if err := c.do(ctx, http.MethodGet, "/firmware/latestVersion/v2", q, nil, &list); err != nil {
		return device.FirmwareInfo{}, err
	}
	if len(list) == 0 {
		return device.FirmwareInfo{}, nil
	}
	return list[0], nil
}

// GetWaterStatistics returns statistics entries recorded in [from, to].
func (c *Client) GetWaterStatistics(ctx context.Context, deviceID string, from, to time.Time) ([]device.Fields, error) {
	q := url.Values{
		"from_ts": {strconv.FormatInt(from.UnixMilli(), 10)},
		"to_ts":   {strconv.FormatInt(to.UnixMilli(), 10)},
	}
	var out []device.Fields
	if err := c.do(ctx, http.MethodGet, devicePath(deviceID, "water_statistics", "history")+"/", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenValve asks the device to open its shutoff valve.
func (c *Client) OpenValve(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, devicePath(deviceID, "sov", "Open"), nil, nil, nil)
}

// CloseValve asks the device to close its shutoff valve.
func (c *Client) CloseValve(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, devicePath(deviceID, "sov", "Close"), nil, nil, nil)
}

var _ device.PollClient = (*Client)(nil)
