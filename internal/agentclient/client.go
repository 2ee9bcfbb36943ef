// Package agentclient is the host-side VSOCK dialer that speaks the
// AgentServer's HTTP/1.1 surface to a single VM. It performs the Firecracker
// vsock UDS CONNECT handshake and exposes a net/http.Client whose transport
// dials through it, so callers just issue ordinary HTTP requests.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vmforge/manager/pkg/types"
)

const (
	AgentPort      = 1024
	DefaultBootWindow = 15 * time.Second
)

// Client dials a single VM's agent over its Firecracker vsock UDS.
type Client struct {
	VsockPath string
	HTTP      *http.Client
}

func New(vsockPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialVsock(ctx, vsockPath, AgentPort)
		},
	}
	return &Client{
		VsockPath: vsockPath,
		HTTP:      &http.Client{Transport: transport},
	}
}

// dialVsock connects to a guest port via Firecracker's vsock UDS protocol:
// connect to the UDS, send "CONNECT <port>\n", read "OK ...\n".
func dialVsock(ctx context.Context, vsockPath string, port int) (net.Conn, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	d := net.Dialer{Deadline: deadline}
	conn, err := d.DialContext(ctx, "unix", vsockPath)
	if err != nil {
		return nil, fmt.Errorf("dial vsock UDS %s: %w", vsockPath, err)
	}

	_ = conn.SetDeadline(deadline)
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT %d: %w", port, err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read vsock response: %w", err)
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "OK") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", line)
	}

	_ = conn.SetDeadline(time.Time{})
	return &vsockConn{Conn: conn, reader: reader}, nil
}

// vsockConn wraps a net.Conn with a bufio.Reader to retain bytes buffered
// while reading the CONNECT handshake's response line.
type vsockConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *vsockConn) Read(p []byte) (int, error) { return c.reader.Read(p) }

func (c *Client) url(path, query string) string {
	u := url.URL{Scheme: "http", Host: "agent", Path: path, RawQuery: query}
	return u.String()
}

// WaitHealthy polls /health with exponential backoff for up to window.
func (c *Client) WaitHealthy(ctx context.Context, window time.Duration) error {
	if window <= 0 {
		window = DefaultBootWindow
	}
	deadline := time.Now().Add(window)
	backoff := 50 * time.Millisecond
	var lastErr error
	for time.Now().Before(deadline) {
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		ok, err := c.health(reqCtx)
		cancel()
		if err == nil && ok {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("agent did not become healthy within %s", window)
	}
	return fmt.Errorf("agentclient: health: %w", lastErr)
}

func (c *Client) health(ctx context.Context) (bool, error) {
	var resp types.HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", "", nil, &resp); err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (c *Client) ConfigureNetwork(ctx context.Context, req types.NetworkConfigRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/network", "", req, nil)
}

func (c *Client) ApplyAllowlist(ctx context.Context, req types.AllowlistRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/allowlist", "", req, nil)
}

func (c *Client) Exec(ctx context.Context, req types.ExecRequest) (*types.ExecResult, error) {
	var res types.ExecResult
	if err := c.doJSON(ctx, http.MethodPost, "/exec", "", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) RunTs(ctx context.Context, req types.ExecRequest) (*types.ExecResult, error) {
	var res types.ExecResult
	if err := c.doJSON(ctx, http.MethodPost, "/run-ts", "", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) RunJs(ctx context.Context, req types.ExecRequest) (*types.ExecResult, error) {
	var res types.ExecResult
	if err := c.doJSON(ctx, http.MethodPost, "/run-js", "", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Upload streams a gzip tar body to dest.
func (c *Client) Upload(ctx context.Context, dest string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/upload", "dest="+url.QueryEscape(dest)), body)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("agentclient: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agentclient: upload: status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// Download streams the gzip tar body of path.
func (c *Client) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/download", "path="+url.QueryEscape(path)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentclient: download: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agentclient: download: status %d: %s", resp.StatusCode, string(b))
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, query string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), bodyReader)
	if err != nil {
		return err
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("agentclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agentclient: %s %s: status %d: %s", method, path, resp.StatusCode, string(b))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("agentclient: %s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// Close releases the underlying transport's idle connections.
func (c *Client) Close() {
	c.HTTP.CloseIdleConnections()
}
