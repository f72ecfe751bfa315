package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	ServiceName    = "betterclock"
	ServiceVersion = 1

	HeaderClientID       = "X-Client-Id"
	HeaderClientInstance = "X-Client-Instance"
)

var (
	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrMalformedResponse is returned when a response body cannot be parsed.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrStatus is returned for non-2xx responses.
	ErrStatus = errors.New("unexpected status")
)

// Client is a thin HTTP client for the BetterClock server API.
type Client struct {
	baseURL  string
	http     *http.Client
	clientID string
	instance string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout of the underlying http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying http.Client, e.g. to share a transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithIdentity attaches client identity headers to every request.
func WithIdentity(clientID, instanceID string) Option {
	return func(c *Client) {
		c.clientID = clientID
		c.instance = instanceID
	}
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Healthz checks the liveness endpoint.
func (c *Client) Healthz(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return classify(err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 64))
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrStatus, res.Status)
	}
	if strings.TrimSpace(string(body)) != "ok" {
		return fmt.Errorf("%w: healthz body %q", ErrMalformedResponse, string(body))
	}
	return nil
}

// State fetches the current server state.
func (c *Client) State(ctx context.Context) (StateResponse, error) {
	var resp StateResponse
	err := c.getJSON(ctx, "/v1/state", &resp)
	return resp, err
}

// Connect registers a client session and returns its instance id.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (ConnectResponse, error) {
	var resp ConnectResponse
	if err := c.postJSON(ctx, "/v1/clients/connect", req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Disconnect removes a client session.
func (c *Client) Disconnect(ctx context.Context, req DisconnectRequest) (DisconnectResponse, error) {
	var resp DisconnectResponse
	if err := c.postJSON(ctx, "/v1/clients/disconnect", req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Clients lists connected sessions.
func (c *Client) Clients(ctx context.Context) (ClientsResponse, error) {
	var resp ClientsResponse
	err := c.getJSON(ctx, "/v1/clients", &resp)
	return resp, err
}

// Alarms lists scheduled warning windows.
func (c *Client) Alarms(ctx context.Context) (AlarmsResponse, error) {
	var resp AlarmsResponse
	err := c.getJSON(ctx, "/v1/alarms", &resp)
	return resp, err
}

// Acknowledge clears a triggered alarm.
func (c *Client) Acknowledge(ctx context.Context, id string) (AcknowledgeResponse, error) {
	var resp AcknowledgeResponse
	err := c.postJSON(ctx, "/v1/alarms/acknowledge", AcknowledgeRequest{ID: id}, &resp)
	return resp, err
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.clientID != "" {
		req.Header.Set(HeaderClientID, c.clientID)
	}
	if c.instance != "" {
		req.Header.Set(HeaderClientInstance, c.instance)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return classify(err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("%w: %s: %s", ErrStatus, res.Status, msg)
		}
		return fmt.Errorf("%w: %s", ErrStatus, res.Status)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func classify(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
