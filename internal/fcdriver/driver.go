// Package fcdriver spawns and controls a single Firecracker VMM process per
// VM: jailer spawn, machine/boot/drive/network/vsock configuration over the
// API socket, instance start, pause/snapshot, and snapshot restore.
package fcdriver

import (
	"context"
	"crypto/sha1"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vmforge/manager/internal/fcapi"
)

// Driver holds host-wide configuration shared by every VM it boots.
type Driver struct {
	FirecrackerBin string
	JailerBin      string
	ChrootBaseDir  string
	Uid            int
	Gid            int
}

// New builds a Driver. Empty firecrackerBin/jailerBin default to looking the
// binaries up on PATH.
func New(firecrackerBin, jailerBin, chrootBaseDir string, uid, gid int) *Driver {
	if firecrackerBin == "" {
		firecrackerBin = "firecracker"
	}
	if jailerBin == "" {
		jailerBin = "jailer"
	}
	return &Driver{
		FirecrackerBin: firecrackerBin,
		JailerBin:      jailerBin,
		ChrootBaseDir:  chrootBaseDir,
		Uid:            uid,
		Gid:            gid,
	}
}

// BootSpec describes a VM to configure and start.
type BootSpec struct {
	VmId       string
	Cpu        int
	MemMb      int
	KernelPath string
	RootfsPath string
	TapName    string
	GuestMac   string
	VsockCid   uint32
	GuestIp    string
	HostIp     string
	Mask       string
}

// Handle is a running Firecracker VMM process under jailer supervision.
type Handle struct {
	VmId        string
	Cmd         *exec.Cmd
	JailRoot    string // <ChrootBaseDir>/firecracker/<VmId>/root
	ApiSockPath string // host-visible path to the chrooted API socket
	VsockPath   string // host-visible path to the chrooted vsock UDS
	Api         *fcapi.Client
}

const apiSockRelPath = "run/api.sock"
const vsockRelPath = "run/vsock.sock"

// Boot starts a fresh VM: spawns the jailer, waits for the API socket, pushes
// machine/boot/drive/network/vsock config, and issues InstanceStart.
func (d *Driver) Boot(ctx context.Context, spec BootSpec) (*Handle, error) {
	h, err := d.spawnJailed(ctx, spec.VmId)
	if err != nil {
		return nil, err
	}

	if err := h.Api.WaitForSocket(ctx, 5*time.Second); err != nil {
		d.Kill(h)
		return nil, fmt.Errorf("fcdriver: wait for api socket: %w", err)
	}

	if err := d.configure(ctx, h, spec); err != nil {
		d.Kill(h)
		return nil, err
	}

	if err := h.Api.StartInstance(ctx); err != nil {
		d.Kill(h)
		return nil, fmt.Errorf("fcdriver: start instance: %w", err)
	}
	return h, nil
}

// Restore starts a VM from a paused snapshot (vmstate + memory file), baked
// with the same TAP/MAC/CID recorded at snapshot time.
func (d *Driver) Restore(ctx context.Context, spec BootSpec, vmstatePath, memPath string, resume bool) (*Handle, error) {
	h, err := d.spawnJailed(ctx, spec.VmId)
	if err != nil {
		return nil, err
	}

	if err := h.Api.WaitForSocket(ctx, 5*time.Second); err != nil {
		d.Kill(h)
		return nil, fmt.Errorf("fcdriver: wait for api socket: %w", err)
	}

	jailedVmstate, err := d.copyIntoJail(h, vmstatePath, "vmstate")
	if err != nil {
		d.Kill(h)
		return nil, err
	}
	jailedMem, err := d.copyIntoJail(h, memPath, "mem")
	if err != nil {
		d.Kill(h)
		return nil, err
	}

	if err := h.Api.LoadSnapshot(ctx, jailedVmstate, jailedMem, resume); err != nil {
		d.Kill(h)
		return nil, fmt.Errorf("fcdriver: load snapshot: %w", err)
	}
	return h, nil
}

// PauseAndSnapshot pauses a running VM and writes a full snapshot to
// vmstatePath/memPath (host paths — copied out of the jail after capture).
func (d *Driver) PauseAndSnapshot(ctx context.Context, h *Handle, vmstatePath, memPath string) error {
	if err := h.Api.PauseVM(ctx); err != nil {
		return fmt.Errorf("fcdriver: pause: %w", err)
	}

	jailedVmstate := "snapshot-vmstate"
	jailedMem := "snapshot-mem"
	if err := h.Api.CreateSnapshot(ctx, jailedVmstate, jailedMem); err != nil {
		return fmt.Errorf("fcdriver: create snapshot: %w", err)
	}

	if err := h.Api.ResumeVM(ctx); err != nil {
		return fmt.Errorf("fcdriver: resume after snapshot: %w", err)
	}

	if err := copyFile(filepath.Join(h.JailRoot, jailedVmstate), vmstatePath); err != nil {
		return fmt.Errorf("fcdriver: export vmstate: %w", err)
	}
	if err := copyFile(filepath.Join(h.JailRoot, jailedMem), memPath); err != nil {
		return fmt.Errorf("fcdriver: export mem: %w", err)
	}
	return nil
}

// Shutdown asks the guest to power off via SendCtrlAltDel and waits up to
// grace for the jailer/Firecracker process to exit on its own. If it hasn't
// exited by then, it falls back to Kill. Returns true if the guest shut down
// cleanly.
func (d *Driver) Shutdown(ctx context.Context, h *Handle, grace time.Duration) bool {
	if h == nil {
		return true
	}

	if err := h.Api.SendCtrlAltDel(ctx); err != nil {
		d.Kill(h)
		return false
	}

	exited := make(chan struct{})
	go func() {
		if h.Cmd != nil {
			_ = h.Cmd.Wait()
		}
		close(exited)
	}()

	select {
	case <-exited:
		if h.JailRoot != "" {
			_ = os.RemoveAll(filepath.Dir(h.JailRoot))
		}
		return true
	case <-time.After(grace):
		d.Kill(h)
		return false
	}
}

// Kill terminates the jailer/Firecracker process tree and releases its jail
// directory. Safe to call on a partially-initialized Handle.
func (d *Driver) Kill(h *Handle) {
	if h == nil {
		return
	}
	if h.Cmd != nil && h.Cmd.Process != nil {
		_ = h.Cmd.Process.Kill()
		_ = h.Cmd.Wait()
	}
	if h.JailRoot != "" {
		_ = os.RemoveAll(filepath.Dir(h.JailRoot))
	}
}

func (d *Driver) spawnJailed(ctx context.Context, vmID string) (*Handle, error) {
	jailIDDir := filepath.Join(d.ChrootBaseDir, "firecracker", vmID)
	jailRoot := filepath.Join(jailIDDir, "root")
	runDir := filepath.Join(jailRoot, "run")
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("fcdriver: mkdir jail root: %w", err)
	}
	if err := os.Chown(jailRoot, d.Uid, d.Gid); err != nil {
		return nil, fmt.Errorf("fcdriver: chown jail root: %w", err)
	}
	if err := os.Chown(runDir, d.Uid, d.Gid); err != nil {
		return nil, fmt.Errorf("fcdriver: chown run dir: %w", err)
	}

	apiSockPath := filepath.Join(jailRoot, apiSockRelPath)
	os.Remove(apiSockPath)

	args := []string{
		"--id", vmID,
		"--exec-file", d.FirecrackerBin,
		"--uid", fmt.Sprintf("%d", d.Uid),
		"--gid", fmt.Sprintf("%d", d.Gid),
		"--chroot-base-dir", d.ChrootBaseDir,
		"--cgroup-version", "2",
		"--",
		"--api-sock", "/" + apiSockRelPath,
	}

	logPath := filepath.Join(jailIDDir, "firecracker.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("fcdriver: open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, d.JailerBin, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("fcdriver: start jailer: %w", err)
	}

	return &Handle{
		VmId:        vmID,
		Cmd:         cmd,
		JailRoot:    jailRoot,
		ApiSockPath: apiSockPath,
		VsockPath:   filepath.Join(jailRoot, vsockRelPath),
		Api:         fcapi.New(apiSockPath),
	}, nil
}

func (d *Driver) configure(ctx context.Context, h *Handle, spec BootSpec) error {
	bootArgs := fmt.Sprintf(
		"keep_bootcon console=ttyS0 reboot=k panic=1 pci=off root=/dev/vda ip=%s::%s:%s::eth0:off init=/sbin/init vmforge.gateway=%s",
		spec.GuestIp, spec.HostIp, spec.Mask, spec.HostIp,
	)

	jailedKernel, err := d.copyIntoJail(h, spec.KernelPath, "vmlinux")
	if err != nil {
		return err
	}
	jailedRootfs, err := d.copyIntoJail(h, spec.RootfsPath, "rootfs.ext4")
	if err != nil {
		return err
	}

	if err := h.Api.PutMachineConfig(ctx, spec.Cpu, spec.MemMb); err != nil {
		return fmt.Errorf("fcdriver: put machine config: %w", err)
	}
	if err := h.Api.PutBootSource(ctx, jailedKernel, bootArgs); err != nil {
		return fmt.Errorf("fcdriver: put boot source: %w", err)
	}
	if err := h.Api.PutDrive(ctx, "rootfs", jailedRootfs, true, false); err != nil {
		return fmt.Errorf("fcdriver: put drive: %w", err)
	}
	if err := h.Api.PutNetworkInterface(ctx, "eth0", spec.GuestMac, spec.TapName); err != nil {
		return fmt.Errorf("fcdriver: put network interface: %w", err)
	}
	if err := h.Api.PutVsock(ctx, spec.VsockCid, "/"+vsockRelPath); err != nil {
		return fmt.Errorf("fcdriver: put vsock: %w", err)
	}
	return nil
}

// copyIntoJail hardlinks (falling back to copying) a host file into the
// jail root under name, and chowns it to the jailer's uid/gid. Returns the
// in-jail absolute path to pass to the Firecracker API.
func (d *Driver) copyIntoJail(h *Handle, hostPath, name string) (string, error) {
	dst := filepath.Join(h.JailRoot, name)
	if err := os.Link(hostPath, dst); err != nil {
		if err := copyFile(hostPath, dst); err != nil {
			return "", fmt.Errorf("fcdriver: stage %s into jail: %w", name, err)
		}
	}
	if err := os.Chown(dst, d.Uid, d.Gid); err != nil {
		return "", fmt.Errorf("fcdriver: chown %s: %w", name, err)
	}
	return "/" + name, nil
}

func copyFile(src, dst string) error {
	out, err := exec.Command("cp", "-p", src, dst).CombinedOutput()
	if err != nil {
		return fmt.Errorf("cp %s %s: %w (%s)", src, dst, err, string(out))
	}
	return nil
}

// DeriveMAC builds a deterministic, locally-administered, unicast MAC
// address from a VM id so the same id always yields the same MAC.
func DeriveMAC(vmID string) string {
	sum := sha1.Sum([]byte(vmID))
	b := make([]byte, 6)
	copy(b, sum[:6])
	b[0] &^= 0x01 // clear multicast bit
	b[0] |= 0x02  // set locally-administered bit
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}
