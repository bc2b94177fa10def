package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
	}
}

// Status retrieves the server status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Bridges retrieves the registered bridges.
func (c *Client) Bridges(ctx context.Context) (*BridgesResponse, error) {
	var bridges BridgesResponse
	if err := c.do(ctx, http.MethodGet, "/bridges", nil, &bridges); err != nil {
		return nil, err
	}
	return &bridges, nil
}

// Heartbeats reports whether heartbeat transmission is enabled.
func (c *Client) Heartbeats(ctx context.Context) (bool, error) {
	var resp HeartbeatsResponse
	if err := c.do(ctx, http.MethodGet, "/heartbeats", nil, &resp); err != nil {
		return false, err
	}
	return resp.Enabled, nil
}

// SetHeartbeats enables or disables heartbeat transmission.
func (c *Client) SetHeartbeats(ctx context.Context, enabled bool) (bool, error) {
	var resp HeartbeatsResponse
	if err := c.do(ctx, http.MethodPost, "/heartbeats", HeartbeatsRequest{Enabled: enabled}, &resp); err != nil {
		return false, err
	}
	return resp.Enabled, nil
}

// Wake submits a wakeup payload to the server. A routing failure is
// returned as an error together with the decision.
func (c *Client) Wake(ctx context.Context, payload string) (*WakeResponse, error) {
	var resp WakeResponse
	err := c.do(ctx, http.MethodPost, "/wake", WakeRequest{Payload: payload}, &resp)
	if err != nil && resp.Action == "" {
		return nil, err
	}
	return &resp, err
}

// do performs a request against the control socket and decodes the reply
// into out. Error replies are decoded into out as well when they are JSON.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	// The host is ignored since the transport always dials the socket
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			json.Unmarshal(data, out)
			return errors.New(e.Error)
		}
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
