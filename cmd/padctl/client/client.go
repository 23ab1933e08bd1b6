// Package client is a thin HTTP client for the relay's admin REST
// surface, used by padctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to one relay instance with one bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates an admin API client.
func New(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("server endpoint is required (flag --server or PADSIGN_SERVER)")
	}
	if token == "" {
		return nil, fmt.Errorf("auth token is required (flag --token or PADSIGN_TOKEN)")
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do sends one JSON request and decodes the JSON response into out.
// Non-2xx responses become errors carrying the server's error body.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// CreateSession creates and dispatches a signature session.
func (c *Client) CreateSession(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", req, &out)
	return out, err
}

// ListSessions lists the tenant's sessions, optionally narrowed by
// status and kind.
func (c *Client) ListSessions(ctx context.Context, status, kind string) (map[string]interface{}, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if kind != "" {
		query.Set("kind", kind)
	}
	path := "/api/v1/sessions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetSession fetches one session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID, nil, &out)
	return out, err
}

// CancelSession cancels a non-terminal session.
func (c *Client) CancelSession(ctx context.Context, sessionID, reason string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/cancel", map[string]string{"reason": reason}, &out)
	return out, err
}

// FinalizeSession promotes a completed document session to durable storage.
func (c *Client) FinalizeSession(ctx context.Context, sessionID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/finalize", nil, &out)
	return out, err
}

// PairDevice registers a tablet and returns the one-time API key.
func (c *Client) PairDevice(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodPost, "/api/v1/devices", req, &out)
	return out, err
}

// ListDevices lists the tenant's paired devices.
func (c *Client) ListDevices(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/api/v1/devices", nil, &out)
	return out, err
}

// DeactivateDevice blocks a device from authenticating.
func (c *Client) DeactivateDevice(ctx context.Context, deviceID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodDelete, "/api/v1/devices/"+deviceID, nil, &out)
	return out, err
}

// ListConnections lists the tenant's live tablet connections.
func (c *Client) ListConnections(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/api/v1/connections", nil, &out)
	return out, err
}

// DisconnectDevice force-closes a live tablet connection.
func (c *Client) DisconnectDevice(ctx context.Context, deviceID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodPost, "/api/v1/connections/"+deviceID+"/disconnect", nil, &out)
	return out, err
}

// PingDevice checks whether a tablet is reachable.
func (c *Client) PingDevice(ctx context.Context, deviceID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodPost, "/api/v1/connections/"+deviceID+"/ping", nil, &out)
	return out, err
}

// Broadcast pushes a message to all of the tenant's tablets.
func (c *Client) Broadcast(ctx context.Context, message, locationID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodPost, "/api/v1/broadcast", map[string]string{
		"message":     message,
		"location_id": locationID,
	}, &out)
	return out, err
}
