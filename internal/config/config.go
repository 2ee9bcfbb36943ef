// Package config reads manager configuration from environment variables,
// optionally seeded from AWS Secrets Manager before the environment is read.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// RootfsCloneMode is the disk-cloning policy StorageProvider applies when
// materializing a VM's rootfs from a base image or snapshot disk.
type RootfsCloneMode string

const (
	CloneModeAuto    RootfsCloneMode = "auto"
	CloneModeReflink RootfsCloneMode = "reflink"
	CloneModeOverlay RootfsCloneMode = "overlay"
	CloneModeCopy    RootfsCloneMode = "copy"
)

// Config holds all configuration for the manager.
type Config struct {
	Port   int
	APIKey string

	StorageRoot string
	ImagesDir   string
	KernelPath  string

	FirecrackerBin string
	JailerBin      string
	ChrootBaseDir  string
	JailerUid      int
	JailerGid      int

	NetworkPool string // CIDR pool /30s are carved from, e.g. "172.16.0.0/16"

	AgentVsockPort int

	MaxVms            int
	MaxCpu            int
	MaxMemMb           int
	MaxAllowIps        int
	MaxExecTimeoutMs   int
	MaxRunTsTimeoutMs  int

	EnableSnapshots       bool
	SnapshotTemplateCpu   int
	SnapshotTemplateMemMb int
	RootfsCloneMode       RootfsCloneMode

	// S3-compatible object storage for off-host snapshot archival (optional).
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool

	MetricsAddr string

	// If set, secrets are fetched at startup from AWS Secrets Manager using
	// IAM credentials. The secret must be a JSON object with keys matching
	// env var names above; explicit env vars still take precedence.
	SecretsARN string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	if arn := os.Getenv("SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	storageRoot := envOrDefault("STORAGE_ROOT", "/data/vmforge")

	cfg := &Config{
		Port:   envOrDefaultInt("PORT", 8080),
		APIKey: os.Getenv("API_KEY"),

		StorageRoot: storageRoot,
		ImagesDir:   envOrDefault("IMAGES_DIR", filepath.Join(storageRoot, "images")),
		KernelPath:  os.Getenv("KERNEL_PATH"),

		FirecrackerBin: envOrDefault("FIRECRACKER_BIN", "firecracker"),
		JailerBin:      envOrDefault("JAILER_BIN", "jailer"),
		ChrootBaseDir:  envOrDefault("CHROOT_BASE_DIR", "/srv/jailer"),
		JailerUid:      envOrDefaultInt("JAILER_UID", 10000),
		JailerGid:      envOrDefaultInt("JAILER_GID", 10000),

		NetworkPool: envOrDefault("NETWORK_POOL", "172.16.0.0/16"),

		AgentVsockPort: envOrDefaultInt("AGENT_VSOCK_PORT", 1024),

		MaxVms:            envOrDefaultInt("MAX_VMS", 50),
		MaxCpu:            envOrDefaultInt("MAX_CPU", 8),
		MaxMemMb:          envOrDefaultInt("MAX_MEM_MB", 8192),
		MaxAllowIps:       envOrDefaultInt("MAX_ALLOW_IPS", 64),
		MaxExecTimeoutMs:  envOrDefaultInt("MAX_EXEC_TIMEOUT_MS", 120000),
		MaxRunTsTimeoutMs: envOrDefaultInt("MAX_RUN_TS_TIMEOUT_MS", 120000),

		EnableSnapshots:       envOrDefault("ENABLE_SNAPSHOTS", "true") == "true",
		SnapshotTemplateCpu:   envOrDefaultInt("SNAPSHOT_TEMPLATE_CPU", 2),
		SnapshotTemplateMemMb: envOrDefaultInt("SNAPSHOT_TEMPLATE_MEM_MB", 1024),
		RootfsCloneMode:       RootfsCloneMode(envOrDefault("ROOTFS_CLONE_MODE", string(CloneModeAuto))),

		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Region:          envOrDefault("S3_REGION", "us-east-1"),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("S3_FORCE_PATH_STYLE") == "true",

		MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),

		SecretsARN: os.Getenv("SECRETS_ARN"),
	}

	switch cfg.RootfsCloneMode {
	case CloneModeAuto, CloneModeReflink, CloneModeOverlay, CloneModeCopy:
	default:
		return nil, fmt.Errorf("invalid ROOTFS_CLONE_MODE %q", cfg.RootfsCloneMode)
	}
	if cfg.KernelPath == "" {
		cfg.KernelPath = filepath.Join(cfg.ImagesDir, "vmlinux")
	}

	return cfg, nil
}

// S3Enabled reports whether off-host snapshot mirroring is configured.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain (IAM instance
// profile on EC2, or ~/.aws/credentials locally).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}
	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
