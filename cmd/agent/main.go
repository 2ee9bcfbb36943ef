// vmforge-agent is the guest agent that runs inside each Firecracker
// microVM. It serves HTTP/1.1 over a VSOCK-listen socket and handles exec,
// run-ts, run-js, and file transfer for its own VM.
//
// Build: CGO_ENABLED=0 GOOS=linux GOARCH=arm64 go build -o vmforge-agent ./cmd/agent
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vmforge/manager/internal/agent"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("vmforge-agent %s starting", version)

	lis, err := listenVsock()
	if err != nil {
		log.Fatalf("agent: failed to listen: %v", err)
	}

	root := os.Getenv("AGENT_CHROOT_ROOT")
	if root == "" {
		root = "/"
	}
	srv := agent.NewServer(root, version)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("agent: received %v, shutting down", sig)
		cancel()
	}()

	if err := srv.Serve(ctx, lis); err != nil {
		log.Fatalf("agent: serve failed: %v", err)
	}
}
