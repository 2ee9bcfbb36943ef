// Command manager runs the vmforge control plane: the HTTP API, the VM
// lifecycle orchestrator, and the Prometheus metrics endpoint.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vmforge/manager/internal/api"
	"github.com/vmforge/manager/internal/config"
	"github.com/vmforge/manager/internal/fcdriver"
	"github.com/vmforge/manager/internal/metrics"
	"github.com/vmforge/manager/internal/netmanager"
	"github.com/vmforge/manager/internal/storage"
	"github.com/vmforge/manager/internal/vmservice"
	"github.com/vmforge/manager/internal/vmstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("vmforge: load config: %v", err)
	}

	store, err := vmstore.Open(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("vmforge: open vm store: %v", err)
	}

	storageProvider := storage.New(cfg.StorageRoot, cfg.ImagesDir, cfg.RootfsCloneMode)

	net, err := netmanager.NewSubnetAllocator(cfg.NetworkPool)
	if err != nil {
		log.Fatalf("vmforge: init subnet allocator: %v", err)
	}

	driver := fcdriver.New(cfg.FirecrackerBin, cfg.JailerBin, cfg.ChrootBaseDir, cfg.JailerUid, cfg.JailerGid)

	var mirror *storage.S3Mirror
	if cfg.S3Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		mirror, err = storage.NewS3Mirror(ctx, storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		cancel()
		if err != nil {
			log.Fatalf("vmforge: init s3 mirror: %v", err)
		}
		log.Printf("vmforge: snapshot mirroring enabled (bucket=%s)", cfg.S3Bucket)
	}

	svc := vmservice.New(vmservice.Config{
		KernelPath:      cfg.KernelPath,
		AgentBootWindow: 10 * time.Second,
		Limits: vmservice.Limits{
			MaxVms:            cfg.MaxVms,
			MaxCpu:            cfg.MaxCpu,
			MaxMemMb:          cfg.MaxMemMb,
			MaxAllowIps:       cfg.MaxAllowIps,
			MaxExecTimeoutMs:  cfg.MaxExecTimeoutMs,
			MaxRunTsTimeoutMs: cfg.MaxRunTsTimeoutMs,
		},
	}, store, storageProvider, net, driver, mirror)

	server := api.NewServer(svc, cfg.APIKey)

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsAddr)
	log.Printf("vmforge: metrics listening on %s", cfg.MetricsAddr)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("vmforge: manager listening on %s", addr)

	go func() {
		if err := server.Start(addr); err != nil {
			log.Printf("vmforge: server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("vmforge: shutting down")
	if err := server.Close(); err != nil {
		log.Printf("vmforge: error closing server: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(ctx); err != nil {
		log.Printf("vmforge: error closing metrics server: %v", err)
	}
}
