// Package api provides the client for the irrigation platform's REST
// API. Every call returns a uniform Result value; HTTP and transport
// failures are data, not panics, so callers decide per call site
// whether a failure is worth surfacing.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fernbed/drip/internal/devstate"
	"github.com/fernbed/drip/internal/httpkit"
)

// Result is the uniform outcome of every API call.
//
// A 204 response yields {IsError:false, Code:204} with zero-value
// Data. Status >= 400 yields {IsError:true, Code, Message} with the
// message read from the error body. Transport failures that never
// produced a status yield Code 0.
type Result[T any] struct {
	IsError bool
	Code    int
	Data    T
	Message string
}

// TokenSource supplies the bearer token for outgoing requests. The
// session store satisfies it. Token is read at call time, never
// cached, so a login or logout takes effect on the next request.
type TokenSource interface {
	Token() (string, error)
}

// Client is an irrigation platform REST API client.
type Client struct {
	baseURL        string
	tokens         TokenSource
	httpClient     *http.Client
	logger         *slog.Logger
	onUnauthorized func()
}

// NewClient creates a platform API client. tokens may be nil, in which
// case requests carry an empty bearer value.
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// SetOnUnauthorized registers a callback fired whenever the platform
// answers 401. The 401 still comes back to the caller as a normal
// Result; the callback is the session-invalidation signal (clear the
// stored token, drop to the login screen).
func (c *Client) SetOnUnauthorized(fn func()) {
	c.onUnauthorized = fn
}

// User is the authenticated account as returned by the auth endpoints.
type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Credentials carries a login or registration request.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Preset is a watering schedule for a device. Pattern is "continuous"
// (run WateringTime seconds) or "step" (WateringTime split into Steps
// bursts, Delay seconds apart).
type Preset struct {
	Pattern      string `json:"pattern"`
	WateringTime int    `json:"watering_time"`
	Steps        int    `json:"steps,omitempty"`
	Delay        int    `json:"delay,omitempty"`
}

// ContinuousPreset builds a continuous watering preset.
func ContinuousPreset(wateringTime int) Preset {
	return Preset{Pattern: "continuous", WateringTime: wateringTime}
}

// StepPreset builds a stepped watering preset.
func StepPreset(wateringTime, steps, delay int) Preset {
	return Preset{Pattern: "step", WateringTime: wateringTime, Steps: steps, Delay: delay}
}

type claimRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"apiKey"`
}

// Devices fetches the account's device summaries.
func (c *Client) Devices(ctx context.Context) Result[[]devstate.Summary] {
	return do[[]devstate.Summary](ctx, c, http.MethodGet, "/devices/", nil)
}

// Device fetches the full record for one device.
func (c *Client) Device(ctx context.Context, id int64) Result[devstate.Device] {
	return do[devstate.Device](ctx, c, http.MethodGet, fmt.Sprintf("/devices/%d", id), nil)
}

// FetchDevice adapts Device for consumers that want a plain error
// instead of the result envelope.
func (c *Client) FetchDevice(ctx context.Context, id int64) (devstate.Device, error) {
	res := c.Device(ctx, id)
	if res.IsError {
		if res.Message != "" {
			return devstate.Device{}, fmt.Errorf("fetch device: %s (status %d)", res.Message, res.Code)
		}
		return devstate.Device{}, fmt.Errorf("fetch device: status %d", res.Code)
	}
	return res.Data, nil
}

// ClaimDevice registers a new device against the account using the
// key printed on the hardware.
func (c *Client) ClaimDevice(ctx context.Context, name, apiKey string) Result[devstate.Device] {
	return do[devstate.Device](ctx, c, http.MethodPost, "/devices/claim",
		claimRequest{Name: name, APIKey: apiKey})
}

// SetPreset stores a watering preset for a device.
func (c *Client) SetPreset(ctx context.Context, deviceID int64, p Preset) Result[struct{}] {
	return do[struct{}](ctx, c, http.MethodPost, fmt.Sprintf("/presets/%d", deviceID), p)
}

// Login authenticates and returns the account including its bearer
// token. Persisting the token is the caller's job.
func (c *Client) Login(ctx context.Context, creds Credentials) Result[User] {
	return do[User](ctx, c, http.MethodPost, "/auth/login", creds)
}

// Register creates an account. The platform does not log the new
// account in; callers follow up with Login.
func (c *Client) Register(ctx context.Context, creds Credentials) Result[User] {
	return do[User](ctx, c, http.MethodPost, "/auth/register", creds)
}

// Logout invalidates the current token server-side.
func (c *Client) Logout(ctx context.Context) Result[struct{}] {
	return do[struct{}](ctx, c, http.MethodPost, "/auth/logout", struct{}{})
}

// Ping checks that the platform API is reachable. Used by connwatch
// for health monitoring. Any HTTP status counts as reachable; an auth
// failure still proves the service is up.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/devices/", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// do runs one API round trip and folds every outcome into a Result.
func do[T any](ctx context.Context, c *Client, method, path string, body any) Result[T] {
	var res Result[T]

	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			res.IsError = true
			res.Message = fmt.Sprintf("marshal request: %v", err)
			return res
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		res.IsError = true
		res.Message = fmt.Sprintf("build request: %v", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.bearerToken())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		res.IsError = true
		res.Message = fmt.Sprintf("request %s: %v", path, err)
		return res
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	res.Code = resp.StatusCode
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return res

	case resp.StatusCode >= 400:
		res.IsError = true
		var errBody struct {
			Message string `json:"message"`
		}
		// A non-JSON error body leaves Message empty; the code alone
		// is enough for callers.
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		res.Message = errBody.Message
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return res

	default:
		if err := json.NewDecoder(resp.Body).Decode(&res.Data); err != nil {
			res.IsError = true
			res.Message = fmt.Sprintf("decode response: %v", err)
		}
		return res
	}
}

// bearerToken reads the current token. The Authorization header is
// always sent; a missing token means an empty bearer value, never an
// omitted header.
func (c *Client) bearerToken() string {
	if c.tokens == nil {
		return ""
	}
	token, err := c.tokens.Token()
	if err != nil {
		c.logger.Warn("read session token", "error", err)
		return ""
	}
	return token
}
