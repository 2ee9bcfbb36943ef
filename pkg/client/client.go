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

	"github.com/vmforge/manager/pkg/types"
)

// Client is an HTTP client for the vmforge manager API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new vmforge API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// doRequest performs an HTTP request with API key authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	reqURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

// CreateVm creates a new VM.
func (c *Client) CreateVm(ctx context.Context, req types.CreateVmRequest) (*types.VmPublic, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/vms", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var vm types.VmPublic
	if err := json.NewDecoder(resp.Body).Decode(&vm); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &vm, nil
}

// ListVms lists all VMs.
func (c *Client) ListVms(ctx context.Context) ([]types.VmPublic, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/vms", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var vms []types.VmPublic
	if err := json.NewDecoder(resp.Body).Decode(&vms); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return vms, nil
}

// GetVm gets a VM by id.
func (c *Client) GetVm(ctx context.Context, id string) (*types.VmPublic, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/vms/%s", id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var vm types.VmPublic
	if err := json.NewDecoder(resp.Body).Decode(&vm); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &vm, nil
}

// StartVm starts a stopped VM.
func (c *Client) StartVm(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%s/start", id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// StopVm stops a running VM.
func (c *Client) StopVm(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%s/stop", id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// DestroyVm destroys a VM.
func (c *Client) DestroyVm(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/v1/vms/%s", id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// Exec runs a command inside a VM and waits for completion.
func (c *Client) Exec(ctx context.Context, id string, req types.ExecRequest) (*types.ExecResult, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%s/exec", id), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result types.ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// RunTs runs a TypeScript snippet inside a VM.
func (c *Client) RunTs(ctx context.Context, id string, req types.ExecRequest) (*types.ExecResult, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%s/run-ts", id), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result types.ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// RunJs runs a JavaScript snippet inside a VM.
func (c *Client) RunJs(ctx context.Context, id string, req types.ExecRequest) (*types.ExecResult, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%s/run-js", id), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result types.ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// UploadFile streams r to dest inside the VM's workspace.
func (c *Client) UploadFile(ctx context.Context, id, dest string, r io.Reader) error {
	reqURL := fmt.Sprintf("%s/v1/vms/%s/files/upload?dest=%s", c.baseURL, id, url.QueryEscape(dest))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// DownloadFile streams path out of the VM's workspace. Caller closes the
// returned ReadCloser.
func (c *Client) DownloadFile(ctx context.Context, id, path string) (io.ReadCloser, error) {
	reqURL := fmt.Sprintf("/v1/vms/%s/files/download?path=%s", id, url.QueryEscape(path))
	resp, err := c.doRequest(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// ListSnapshots lists all VM snapshots.
func (c *Client) ListSnapshots(ctx context.Context) ([]types.SnapshotMeta, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/snapshots", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var snaps []types.SnapshotMeta
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return snaps, nil
}

// CreateSnapshot pauses a VM, captures its state, and resumes it.
func (c *Client) CreateSnapshot(ctx context.Context, id string) (*types.SnapshotMeta, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%s/snapshots", id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var meta types.SnapshotMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &meta, nil
}
