package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/seamlessvm/seamless/vm"
)

// Client talks to a running daemon over its unix socket. Requests
// inherit the daemon's timing: lifecycle calls can block for the full
// start timeout, so the HTTP timeout stays generous.
type Client struct {
	http *http.Client
}

// NewClient creates a client for the daemon socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// State fetches the current VM state.
func (c *Client) State(ctx context.Context) (StateResponse, error) {
	var resp StateResponse
	err := c.do(ctx, http.MethodGet, "/v1/state", nil, &resp)
	return resp, err
}

// EnsureRunning drives the VM to running.
func (c *Client) EnsureRunning(ctx context.Context) (StateResponse, error) {
	var resp StateResponse
	err := c.do(ctx, http.MethodPost, "/v1/vm/ensure", nil, &resp)
	return resp, err
}

// Start cold-boots the VM.
func (c *Client) Start(ctx context.Context) (StateResponse, error) {
	var resp StateResponse
	err := c.do(ctx, http.MethodPost, "/v1/vm/start", nil, &resp)
	return resp, err
}

// Shutdown stops the VM.
func (c *Client) Shutdown(ctx context.Context) (StateResponse, error) {
	var resp StateResponse
	err := c.do(ctx, http.MethodPost, "/v1/vm/shutdown", nil, &resp)
	return resp, err
}

// Suspend suspends the VM when it is running with no sessions.
func (c *Client) Suspend(ctx context.Context) (StateResponse, error) {
	var resp StateResponse
	err := c.do(ctx, http.MethodPost, "/v1/vm/suspend", nil, &resp)
	return resp, err
}

// RegisterSession adjusts the active session count.
func (c *Client) RegisterSession(ctx context.Context, delta int) (int, error) {
	var resp SessionResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions", SessionRequest{Delta: delta}, &resp)
	return resp.ActiveSessions, err
}

// SaveSnapshot snapshots the running VM.
func (c *Client) SaveSnapshot(ctx context.Context) (*vm.SnapshotRecord, error) {
	var record vm.SnapshotRecord
	if err := c.do(ctx, http.MethodPost, "/v1/snapshots", nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListSnapshots fetches the snapshot catalog.
func (c *Client) ListSnapshots(ctx context.Context) ([]*vm.SnapshotRecord, error) {
	var resp SnapshotListResponse
	err := c.do(ctx, http.MethodGet, "/v1/snapshots", nil, &resp)
	return resp.Snapshots, err
}

// LaunchProgram starts a program inside the guest.
func (c *Client) LaunchProgram(ctx context.Context, req LaunchRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/programs", req, nil)
}

// ConsolePath fetches the guest's serial PTY path.
func (c *Client) ConsolePath(ctx context.Context) (string, error) {
	var resp ConsoleResponse
	err := c.do(ctx, http.MethodGet, "/v1/console", nil, &resp)
	return resp.PTYPath, err
}

// GuestShutdown asks the guest agent for an in-guest shutdown.
func (c *Client) GuestShutdown(ctx context.Context, timeoutSeconds int) error {
	return c.do(ctx, http.MethodPost, "/v1/guest/shutdown", GuestShutdownRequest{TimeoutSeconds: timeoutSeconds}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w (is the daemon running?)", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("daemon returned %d on %s", resp.StatusCode, path)
		}
		return restoreError(resp.StatusCode, errResp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
