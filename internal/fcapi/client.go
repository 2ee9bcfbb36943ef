// Package fcapi is a minimal HTTP client for the Firecracker VMM API socket.
package fcapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// Client talks to a single Firecracker instance over its UNIX domain API socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// New builds a Client bound to socketPath. The socket need not exist yet.
func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		socketPath: socketPath,
		http:       &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// WaitForSocket polls until the API socket file appears on disk.
func (c *Client) WaitForSocket(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(c.socketPath); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("fcapi: socket %s not ready after %v", c.socketPath, timeout)
}

// PutMachineConfig sets vCPU count and memory size.
func (c *Client) PutMachineConfig(ctx context.Context, vcpuCount, memSizeMib int) error {
	return c.put(ctx, "/machine-config", map[string]interface{}{
		"vcpu_count":   vcpuCount,
		"mem_size_mib": memSizeMib,
		"smt":          false,
	})
}

// PutBootSource configures the kernel boot source.
func (c *Client) PutBootSource(ctx context.Context, kernelPath, bootArgs string) error {
	return c.put(ctx, "/boot-source", map[string]string{
		"kernel_image_path": kernelPath,
		"boot_args":         bootArgs,
	})
}

// PutDrive attaches a block device to the VM.
func (c *Client) PutDrive(ctx context.Context, driveID, pathOnHost string, isRootDevice, isReadOnly bool) error {
	return c.putWithID(ctx, "/drives", driveID, map[string]interface{}{
		"drive_id":       driveID,
		"path_on_host":   pathOnHost,
		"is_root_device": isRootDevice,
		"is_read_only":   isReadOnly,
	})
}

// PutNetworkInterface attaches a TAP-backed network interface.
func (c *Client) PutNetworkInterface(ctx context.Context, ifaceID, guestMAC, hostDevName string) error {
	return c.putWithID(ctx, "/network-interfaces", ifaceID, map[string]interface{}{
		"iface_id":      ifaceID,
		"guest_mac":     guestMAC,
		"host_dev_name": hostDevName,
	})
}

// PutVsock configures the VM's vsock device.
func (c *Client) PutVsock(ctx context.Context, guestCID uint32, udsPath string) error {
	return c.put(ctx, "/vsock", map[string]interface{}{
		"guest_cid": guestCID,
		"uds_path":  udsPath,
	})
}

// StartInstance boots the fully-configured VM.
func (c *Client) StartInstance(ctx context.Context) error {
	return c.put(ctx, "/actions", map[string]string{"action_type": "InstanceStart"})
}

// SendCtrlAltDel asks the guest kernel to shut down cleanly, the same signal
// a physical machine's power button sends. The guest must have an ACPI
// handler registered (the default init does) or this has no effect and the
// caller should fall back to a hard kill after a grace period.
func (c *Client) SendCtrlAltDel(ctx context.Context) error {
	return c.put(ctx, "/actions", map[string]string{"action_type": "SendCtrlAltDel"})
}

// PauseVM pauses a running VM ahead of a snapshot.
func (c *Client) PauseVM(ctx context.Context) error {
	return c.patch(ctx, "/vm", map[string]string{"state": "Paused"})
}

// ResumeVM resumes a paused VM.
func (c *Client) ResumeVM(ctx context.Context) error {
	return c.patch(ctx, "/vm", map[string]string{"state": "Resumed"})
}

// CreateSnapshot writes a full snapshot (vmstate + memory). The VM must
// already be paused.
func (c *Client) CreateSnapshot(ctx context.Context, snapshotPath, memFilePath string) error {
	return c.put(ctx, "/snapshot/create", map[string]string{
		"snapshot_type": "Full",
		"snapshot_path": snapshotPath,
		"mem_file_path": memFilePath,
	})
}

// LoadSnapshot restores a VM from a snapshot. If resumeVM is true the VM
// starts running as soon as the load completes.
func (c *Client) LoadSnapshot(ctx context.Context, snapshotPath, memFilePath string, resumeVM bool) error {
	return c.put(ctx, "/snapshot/load", map[string]interface{}{
		"snapshot_path": snapshotPath,
		"mem_backend": map[string]string{
			"backend_path": memFilePath,
			"backend_type": "File",
		},
		"enable_diff_snapshots": false,
		"resume_vm":             resumeVM,
	})
}

func (c *Client) put(ctx context.Context, path string, body interface{}) error {
	return c.doRequest(ctx, http.MethodPut, path, body)
}

func (c *Client) putWithID(ctx context.Context, basePath, id string, body interface{}) error {
	return c.doRequest(ctx, http.MethodPut, basePath+"/"+id, body)
}

func (c *Client) patch(ctx context.Context, path string, body interface{}) error {
	return c.doRequest(ctx, http.MethodPatch, path, body)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("fcapi: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("fcapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fcapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("fcapi: %s %s returned %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	return nil
}
