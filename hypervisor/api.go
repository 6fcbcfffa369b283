package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// apiTimeout is the per-request timeout for hypervisor REST API calls.
const apiTimeout = 30 * time.Second

// APIError carries the HTTP status code from a hypervisor API response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// socketHTTPClient dials the hypervisor's Unix domain API socket.
func socketHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Timeout: apiTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// doPUT sends a PUT with an optional JSON body and expects 204.
// Returns an *APIError for other statuses.
func doPUT(ctx context.Context, socketPath, path string, body any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost"+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := socketHTTPClient(socketPath).Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusNoContent {
		rb, _ := io.ReadAll(resp.Body)
		return &APIError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("PUT %s → %d: %s", path, resp.StatusCode, rb),
		}
	}
	return nil
}

// doGET sends a GET and decodes the JSON response into out.
func doGET(ctx context.Context, socketPath, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost"+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := socketHTTPClient(socketPath).Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		rb, _ := io.ReadAll(resp.Body)
		return &APIError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("GET %s → %d: %s", path, resp.StatusCode, rb),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// checkSocket verifies that a Unix domain socket is connectable.
func checkSocket(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}
