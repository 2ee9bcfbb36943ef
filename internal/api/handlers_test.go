package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/vmforge/manager/pkg/apierror"
	"github.com/vmforge/manager/pkg/types"
)

func TestWriteErrMapsApierrorKindToStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := writeErr(c, apierror.New(apierror.Quota, "max vm count reached")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestWriteErrFallsBackTo500ForUntypedError(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := writeErr(c, errors.New("boom")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestValidateExecPathsDefaultsEmptyCwd(t *testing.T) {
	req := &types.ExecRequest{}
	if err := validateExecPaths(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Cwd != "/workspace" {
		t.Fatalf("expected default cwd /workspace, got %q", req.Cwd)
	}
}

func TestValidateExecPathsRejectsHomeDirCwd(t *testing.T) {
	req := &types.ExecRequest{Cwd: "/home/user/app"}
	if err := validateExecPaths(req); err == nil {
		t.Fatal("expected error for cwd outside /workspace")
	}
}

func TestValidateExecPathsRejectsHomeDirScriptPath(t *testing.T) {
	req := &types.ExecRequest{Path: "/home/user/main.ts"}
	if err := validateExecPaths(req); err == nil {
		t.Fatal("expected error for path outside /workspace")
	}
}

func TestValidateExecPathsAcceptsWorkspacePaths(t *testing.T) {
	req := &types.ExecRequest{Cwd: "/workspace/app", Path: "/workspace/app/main.ts"}
	if err := validateExecPaths(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRateLimitRejectsAfterBurstExhausted(t *testing.T) {
	s := &Server{createLimiter: newEndpointLimiter(1, 1)}
	e := echo.New()
	h := s.rateLimit(s.createLimiter)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/vms", nil)
	req.Header.Set("X-API-Key", "k")

	rec1 := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", rec2.Code)
	}
}

func TestRateLimitSeparatesKeysIndependently(t *testing.T) {
	s := &Server{createLimiter: newEndpointLimiter(1, 1)}
	e := echo.New()
	h := s.rateLimit(s.createLimiter)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	for _, key := range []string{"key-a", "key-b"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/vms", nil)
		req.Header.Set("X-API-Key", key)
		rec := httptest.NewRecorder()
		if err := h(e.NewContext(req, rec)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("expected %s's first request to succeed, got %d", key, rec.Code)
		}
	}
}
