package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "PORT", "API_KEY", "MAX_VMS", "ROOTFS_CLONE_MODE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.MaxVms != 50 {
		t.Errorf("expected MaxVms 50, got %d", cfg.MaxVms)
	}
	if cfg.RootfsCloneMode != CloneModeAuto {
		t.Errorf("expected default clone mode auto, got %s", cfg.RootfsCloneMode)
	}
	if cfg.S3Enabled() {
		t.Error("expected S3 disabled by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t, "PORT", "API_KEY", "MAX_VMS", "S3_BUCKET")
	os.Setenv("PORT", "9999")
	os.Setenv("API_KEY", "test-key")
	os.Setenv("MAX_VMS", "5")
	os.Setenv("S3_BUCKET", "vmforge-snapshots")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.APIKey != "test-key" {
		t.Errorf("expected API key test-key, got %s", cfg.APIKey)
	}
	if cfg.MaxVms != 5 {
		t.Errorf("expected MaxVms 5, got %d", cfg.MaxVms)
	}
	if !cfg.S3Enabled() {
		t.Error("expected S3 enabled when S3_BUCKET is set")
	}
}

func TestLoadInvalidCloneMode(t *testing.T) {
	clearEnv(t, "ROOTFS_CLONE_MODE")
	os.Setenv("ROOTFS_CLONE_MODE", "not-a-mode")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid ROOTFS_CLONE_MODE, got nil")
	}
}

func TestLoadDefaultsKernelPathUnderImagesDir(t *testing.T) {
	clearEnv(t, "KERNEL_PATH", "IMAGES_DIR")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.KernelPath == "" {
		t.Fatal("expected a default kernel path")
	}
	if want := filepath.Join(cfg.ImagesDir, "vmlinux"); cfg.KernelPath != want {
		t.Errorf("expected kernel path %s, got %s", want, cfg.KernelPath)
	}
}
