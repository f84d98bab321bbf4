package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/health"
)

// Client queries a running worker through its control socket
type Client struct {
	path string
	http *http.Client
}

// NewClient creates a client for the socket at path
func NewClient(path string) *Client {
	if path == "" {
		path = DefaultSocket
	}
	return &Client{
		path: path,
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		},
	}
}

// Health fetches /health. An unhealthy worker is not an error.
func (c *Client) Health(ctx context.Context) (health.Status, error) {
	var st health.Status
	err := c.get(ctx, "/health", &st, http.StatusOK, http.StatusServiceUnavailable)
	return st, err
}

// Status fetches /status into v
func (c *Client) Status(ctx context.Context, v any) error {
	return c.get(ctx, "/status", v, http.StatusOK)
}

func (c *Client) get(ctx context.Context, path string, v any, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://control"+path, nil)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "get", "build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Client", "get", fmt.Sprintf("query %s on %s", path, c.path))
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.WrapTransient(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body),
			"Client", "get", fmt.Sprintf("query %s", path))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.WrapInvalid(err, "Client", "get", fmt.Sprintf("decode %s", path))
	}
	return nil
}
