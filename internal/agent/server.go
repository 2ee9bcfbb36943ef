// Package agent implements the guest-side AgentServer: an HTTP/1.1 server
// bound to a VSOCK-listen socket exposing health, network setup, allowlist,
// exec/run-ts/run-js, and upload/download endpoints.
package agent

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/vmforge/manager/internal/execrunner"
	"github.com/vmforge/manager/internal/pathpolicy"
)

const DefaultVsockPort = 1024

// Server holds the guest-side agent state: jail root, execrunner, path
// policy, and whether networking has been primed (gates /health).
type Server struct {
	Root      string
	Runner    *execrunner.Runner
	Policy    *pathpolicy.Policy
	startTime time.Time
	version   string

	readyCh chan struct{}
}

func NewServer(root, version string) *Server {
	return &Server{
		Root:      root,
		Runner:    execrunner.New(root),
		Policy:    pathpolicy.New(root),
		startTime: time.Now(),
		version:   version,
		readyCh:   make(chan struct{}),
	}
}

// markReady flips /health to report ok once networking and the chroot are
// primed. Idempotent.
func (s *Server) markReady() {
	select {
	case <-s.readyCh:
	default:
		close(s.readyCh)
	}
}

func (s *Server) isReady() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

// Routes builds the HTTP handler tree for the agent surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/network", s.handleNetwork)
	mux.HandleFunc("/allowlist", s.handleAllowlist)
	mux.HandleFunc("/exec", s.handleExec)
	mux.HandleFunc("/run-ts", s.handleRunTs)
	mux.HandleFunc("/run-js", s.handleRunJs)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/download", s.handleDownload)
	return mux
}

// Serve runs the HTTP server on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  0, // exec/run-ts/run-js may legitimately run long
		WriteTimeout: 0,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	// Cold-booted VMs configure networking via kernel boot args, not the
	// /network endpoint, so nothing else would ever flip readyCh for them.
	// The listener is already bound by the caller, so once Serve is running
	// the agent is reachable and /health can report ok.
	s.markReady()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Printf("agent: shutting down")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
