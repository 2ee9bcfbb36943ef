// Package storage manages on-disk VM rootfs disks and snapshot artifacts
// under a single storage root: <root>/vms/<vmId>/ for live disks and
// <root>/snapshots/<snapshotId>/ for paused-state captures.
package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/vmforge/manager/internal/config"
	"github.com/vmforge/manager/pkg/types"
)

// Provider owns the on-disk layout for VM disks and snapshots.
type Provider struct {
	Root      string
	ImagesDir string
	CloneMode config.RootfsCloneMode
}

// New builds a Provider rooted at root, resolving base images from imagesDir
// and cloning new disks per cloneMode. An empty cloneMode behaves like
// config.CloneModeAuto.
func New(root, imagesDir string, cloneMode config.RootfsCloneMode) *Provider {
	return &Provider{Root: root, ImagesDir: imagesDir, CloneMode: cloneMode}
}

func (p *Provider) vmDir(vmID string) string {
	return filepath.Join(p.Root, "vms", vmID)
}

func (p *Provider) snapshotDir(snapshotID string) string {
	return filepath.Join(p.Root, "snapshots", snapshotID)
}

// RootfsPath returns the live disk path for a VM.
func (p *Provider) RootfsPath(vmID string) string {
	return filepath.Join(p.vmDir(vmID), "rootfs.ext4")
}

// ResolveBaseImage finds the base rootfs image file for an image id.
func (p *Provider) ResolveBaseImage(imageID string) (string, error) {
	if imageID == "" {
		imageID = "default"
	}
	candidates := []string{
		filepath.Join(p.ImagesDir, imageID+".ext4"),
		filepath.Join(p.ImagesDir, imageID),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("storage: base image not found for %q in %s", imageID, p.ImagesDir)
}

// PrepareVmStorage provisions a fresh VM disk cloned from a base image.
func (p *Provider) PrepareVmStorage(vmID, imageID string, diskSizeMb int) (string, error) {
	baseImage, err := p.ResolveBaseImage(imageID)
	if err != nil {
		return "", err
	}

	dest := p.RootfsPath(vmID)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("storage: mkdir vm dir: %w", err)
	}
	if err := p.CloneDisk(baseImage, dest); err != nil {
		return "", err
	}
	if diskSizeMb > 0 {
		if err := growExt4(dest, diskSizeMb); err != nil {
			os.Remove(dest)
			return "", err
		}
	}
	return dest, nil
}

// PrepareVmStorageFromDisk provisions a VM disk cloned from a snapshot's
// captured disk image, for VMs restored with ProvisionMode=snapshot.
func (p *Provider) PrepareVmStorageFromDisk(vmID, snapshotID string) (string, error) {
	_, _, diskPath := p.GetSnapshotArtifactPaths(snapshotID)
	if _, err := os.Stat(diskPath); err != nil {
		return "", fmt.Errorf("storage: snapshot %s has no disk artifact: %w", snapshotID, err)
	}
	dest := p.RootfsPath(vmID)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("storage: mkdir vm dir: %w", err)
	}
	if err := p.CloneDisk(diskPath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// CloneDisk materializes dst from src per the Provider's configured
// RootfsCloneMode, then fsyncs the result so the clone survives a crash
// before the VM that depends on it ever boots.
func (p *Provider) CloneDisk(src, dst string) error {
	switch p.CloneMode {
	case config.CloneModeReflink:
		return p.cloneCp(src, dst, "always")
	case config.CloneModeCopy:
		return p.cloneCp(src, dst, "never")
	case config.CloneModeOverlay:
		return p.cloneOverlay(src, dst)
	default: // CloneModeAuto and unset
		return p.cloneCp(src, dst, "auto")
	}
}

// cloneCp shells out to cp with the given --reflink mode. "always" fails
// loudly if the filesystem can't share extents; "never" forces a full
// byte copy; "auto" tries a reflink and silently falls back to a copy.
func (p *Provider) cloneCp(src, dst, reflinkMode string) error {
	out, err := exec.Command("cp", "--reflink="+reflinkMode, src, dst).CombinedOutput()
	if err != nil {
		return fmt.Errorf("storage: clone disk %s -> %s: %w (%s)", src, dst, err, strings.TrimSpace(string(out)))
	}
	return fsyncPath(dst)
}

// cloneOverlay defers the copy entirely: it hardlinks src into a read-only
// lower layer and mounts an overlayfs with an empty upper layer over a
// per-VM merged directory, then symlinks dst into the merged view. The VM's
// first write to the disk triggers overlayfs's own copy-up of just that
// file, so VM creation never pays for the full disk size up front.
func (p *Provider) cloneOverlay(src, dst string) error {
	vmDir := filepath.Dir(dst)
	lowerDir := filepath.Join(vmDir, ".overlay-lower")
	upperDir := filepath.Join(vmDir, ".overlay-upper")
	workDir := filepath.Join(vmDir, ".overlay-work")
	mergedDir := filepath.Join(vmDir, ".overlay-merged")
	for _, d := range []string{lowerDir, upperDir, workDir, mergedDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("storage: mkdir overlay layer %s: %w", d, err)
		}
	}

	name := filepath.Base(dst)
	lowerFile := filepath.Join(lowerDir, name)
	if err := os.Link(src, lowerFile); err != nil {
		if err := copyFileContents(src, lowerFile); err != nil {
			return fmt.Errorf("storage: stage overlay lower layer: %w", err)
		}
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerDir, upperDir, workDir)
	if err := unix.Mount("overlay", mergedDir, "overlay", 0, opts); err != nil {
		return fmt.Errorf("storage: mount overlay at %s: %w", mergedDir, err)
	}

	if err := os.Symlink(filepath.Join(mergedDir, name), dst); err != nil {
		_ = unix.Unmount(mergedDir, 0)
		return fmt.Errorf("storage: symlink overlay target: %w", err)
	}
	return fsyncPath(dst)
}

func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CleanupVmStorage removes a VM's on-disk directory, unmounting its overlay
// layer first if CloneModeOverlay was used to provision it.
func (p *Provider) CleanupVmStorage(vmID string) error {
	dir := p.vmDir(vmID)
	merged := filepath.Join(dir, ".overlay-merged")
	if _, err := os.Stat(merged); err == nil {
		_ = unix.Unmount(merged, 0)
	}
	return os.RemoveAll(dir)
}

// GetSnapshotArtifactPaths returns the vmstate, memory, and disk artifact
// paths for a snapshot id. The disk path may not exist (HasDisk=false).
func (p *Provider) GetSnapshotArtifactPaths(snapshotID string) (vmstatePath, memPath, diskPath string) {
	dir := p.snapshotDir(snapshotID)
	return filepath.Join(dir, "vmstate"), filepath.Join(dir, "mem"), filepath.Join(dir, "disk.ext4")
}

// SaveSnapshotMeta writes a snapshot's metadata record alongside its artifacts.
func (p *Provider) SaveSnapshotMeta(meta types.SnapshotMeta) error {
	dir := p.snapshotDir(meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("storage: mkdir snapshot dir: %w", err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("storage: marshal snapshot meta: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "meta.json"), data, 0644)
}

// ReadSnapshotMeta reads a snapshot's metadata record.
func (p *Provider) ReadSnapshotMeta(snapshotID string) (*types.SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(p.snapshotDir(snapshotID), "meta.json"))
	if err != nil {
		return nil, fmt.Errorf("storage: read snapshot meta: %w", err)
	}
	var meta types.SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("storage: parse snapshot meta: %w", err)
	}
	return &meta, nil
}

// ListSnapshots scans the snapshots directory and returns the metadata read
// from each meta.json on disk; directories without a readable meta.json are
// skipped. Snapshots have no database index: these files are their only record.
func (p *Provider) ListSnapshots() ([]types.SnapshotMeta, error) {
	dir := filepath.Join(p.Root, "snapshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list snapshots: %w", err)
	}

	var metas []types.SnapshotMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := p.ReadSnapshotMeta(e.Name())
		if err != nil {
			continue
		}
		metas = append(metas, *meta)
	}
	return metas, nil
}

// DeleteSnapshot removes a snapshot's artifacts and metadata.
func (p *Provider) DeleteSnapshot(snapshotID string) error {
	return os.RemoveAll(p.snapshotDir(snapshotID))
}

func growExt4(path string, sizeMb int) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("storage: open disk to grow: %w", err)
	}
	if err := f.Truncate(int64(sizeMb) * 1024 * 1024); err != nil {
		f.Close()
		return fmt.Errorf("storage: truncate disk: %w", err)
	}
	f.Close()

	out, err := exec.Command("resize2fs", path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("storage: resize2fs: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func fsyncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("storage: open for fsync: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}

	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return nil
	}
	defer dir.Close()
	_ = dir.Sync()
	return nil
}
