package fcapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.Handler) (*Client, func()) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "api.sock")
	lis, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener.Close()
	srv.Listener = lis
	srv.Start()
	return New(sockPath), srv.Close
}

func TestPutMachineConfig(t *testing.T) {
	var gotBody map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/machine-config", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	})
	c, closeFn := newTestServer(t, mux)
	defer closeFn()

	if err := c.PutMachineConfig(context.Background(), 2, 512); err != nil {
		t.Fatal(err)
	}
	if gotBody["vcpu_count"].(float64) != 2 {
		t.Fatalf("unexpected vcpu_count: %v", gotBody["vcpu_count"])
	}
}

func TestDoRequestErrorsOnNon2xx(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/actions", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})
	c, closeFn := newTestServer(t, mux)
	defer closeFn()

	if err := c.StartInstance(context.Background()); err == nil {
		t.Fatal("expected error on 400 response")
	}
}

func TestWaitForSocketTimesOut(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "never-created.sock"))
	err := c.WaitForSocket(context.Background(), 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestWaitForSocketSucceedsWhenPresent(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "api.sock")
	f, err := os.Create(sockPath)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	c := New(sockPath)
	if err := c.WaitForSocket(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
}
