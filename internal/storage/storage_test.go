package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vmforge/manager/internal/config"
	"github.com/vmforge/manager/pkg/types"
)

func TestResolveBaseImageExactMatch(t *testing.T) {
	imagesDir := t.TempDir()
	imgPath := filepath.Join(imagesDir, "ubuntu.ext4")
	if err := os.WriteFile(imgPath, []byte("fake"), 0644); err != nil {
		t.Fatal(err)
	}

	p := New(t.TempDir(), imagesDir, config.CloneModeAuto)
	got, err := p.ResolveBaseImage("ubuntu")
	if err != nil {
		t.Fatal(err)
	}
	if got != imgPath {
		t.Fatalf("expected %s, got %s", imgPath, got)
	}
}

func TestResolveBaseImageDefaultsWhenEmpty(t *testing.T) {
	imagesDir := t.TempDir()
	imgPath := filepath.Join(imagesDir, "default.ext4")
	os.WriteFile(imgPath, []byte("fake"), 0644)

	p := New(t.TempDir(), imagesDir, config.CloneModeAuto)
	got, err := p.ResolveBaseImage("")
	if err != nil {
		t.Fatal(err)
	}
	if got != imgPath {
		t.Fatalf("expected %s, got %s", imgPath, got)
	}
}

func TestResolveBaseImageNotFound(t *testing.T) {
	p := New(t.TempDir(), t.TempDir(), config.CloneModeAuto)
	if _, err := p.ResolveBaseImage("nonexistent"); err == nil {
		t.Fatal("expected error for missing image")
	}
}

func TestSnapshotMetaRoundTrip(t *testing.T) {
	p := New(t.TempDir(), t.TempDir(), config.CloneModeAuto)
	meta := types.SnapshotMeta{ID: "snap-1", Kind: types.SnapshotKindVm, SourceVmId: "vm-1", HasDisk: true}

	if err := p.SaveSnapshotMeta(meta); err != nil {
		t.Fatal(err)
	}
	got, err := p.ReadSnapshotMeta("snap-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != meta.ID || got.SourceVmId != meta.SourceVmId {
		t.Fatalf("unexpected round-tripped meta: %+v", got)
	}
}

func TestListSnapshotsEmptyWhenNoDir(t *testing.T) {
	p := New(t.TempDir(), t.TempDir(), config.CloneModeAuto)
	metas, err := p.ListSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 0 {
		t.Fatalf("expected no snapshots, got %d", len(metas))
	}
}

func TestListSnapshotsFindsSaved(t *testing.T) {
	p := New(t.TempDir(), t.TempDir(), config.CloneModeAuto)
	p.SaveSnapshotMeta(types.SnapshotMeta{ID: "a"})
	p.SaveSnapshotMeta(types.SnapshotMeta{ID: "b"})

	metas, err := p.ListSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(metas))
	}
}

func TestCloneDiskCopyModeProducesIndependentFile(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "base.ext4")
	if err := os.WriteFile(src, []byte("base-content"), 0644); err != nil {
		t.Fatal(err)
	}

	p := New(t.TempDir(), srcDir, config.CloneModeCopy)
	dst := filepath.Join(t.TempDir(), "rootfs.ext4")
	if err := p.CloneDisk(src, dst); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(src, []byte("mutated"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "base-content" {
		t.Fatalf("expected clone to be independent of source mutation, got %q", got)
	}
}

func TestCloneDiskUnknownModeFallsBackToAuto(t *testing.T) {
	// Unknown modes fall through to the auto (best-effort reflink) branch
	// rather than erroring, matching config.Load's own validation boundary:
	// invalid modes are rejected at config parse time, not by the provider.
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "base.ext4")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	p := New(t.TempDir(), srcDir, config.RootfsCloneMode("bogus"))
	dst := filepath.Join(t.TempDir(), "rootfs.ext4")
	if err := p.CloneDisk(src, dst); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("expected clone to succeed via auto fallback: %v", err)
	}
}

func TestGetSnapshotArtifactPaths(t *testing.T) {
	p := New("/data", "/images", config.CloneModeAuto)
	vmstate, mem, disk := p.GetSnapshotArtifactPaths("snap-1")
	if vmstate != "/data/snapshots/snap-1/vmstate" {
		t.Fatalf("unexpected vmstate path: %s", vmstate)
	}
	if mem != "/data/snapshots/snap-1/mem" {
		t.Fatalf("unexpected mem path: %s", mem)
	}
	if disk != "/data/snapshots/snap-1/disk.ext4" {
		t.Fatalf("unexpected disk path: %s", disk)
	}
}
