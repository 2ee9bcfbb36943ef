package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vmforge/manager/internal/pathpolicy"
	"github.com/vmforge/manager/pkg/apierror"
	"github.com/vmforge/manager/pkg/types"
)

// writeErr maps an error returned by vmservice to the HTTP response
// apierror.Status describes, falling back to 500 for anything untyped.
func writeErr(c echo.Context, err error) error {
	if apiErr, ok := apierror.As(err); ok {
		return c.JSON(apiErr.Status(), map[string]string{"error": apiErr.Error()})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (s *Server) listVms(c echo.Context) error {
	recs, err := s.svc.List()
	if err != nil {
		return writeErr(c, err)
	}
	out := make([]types.VmPublic, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ToPublic())
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getVm(c echo.Context) error {
	rec, err := s.svc.Get(c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, rec.ToPublic())
}

func (s *Server) createVm(c echo.Context) error {
	var req types.CreateVmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	rec, err := s.svc.Create(c.Request().Context(), req)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, rec.ToPublic())
}

func (s *Server) startVm(c echo.Context) error {
	if err := s.svc.Start(c.Request().Context(), c.Param("id")); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) stopVm(c echo.Context) error {
	if err := s.svc.Stop(c.Request().Context(), c.Param("id")); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) destroyVm(c echo.Context) error {
	if err := s.svc.Destroy(c.Request().Context(), c.Param("id")); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) exec(c echo.Context) error {
	var req types.ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	if err := validateExecPaths(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	res, err := s.svc.Exec(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) runTs(c echo.Context) error {
	var req types.ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	if err := validateExecPaths(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	res, err := s.svc.RunTs(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) runJs(c echo.Context) error {
	var req types.ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	if err := validateExecPaths(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	res, err := s.svc.RunJs(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// validateExecPaths confines cwd and path (used as the script file for
// run-ts/run-js) to /workspace before the request ever reaches the guest.
func validateExecPaths(req *types.ExecRequest) error {
	cwd, err := pathpolicy.ValidateShape(req.Cwd)
	if err != nil {
		return err
	}
	req.Cwd = cwd
	if req.Path != "" {
		path, err := pathpolicy.ValidateShape(req.Path)
		if err != nil {
			return err
		}
		req.Path = path
	}
	return nil
}

func (s *Server) uploadFiles(c echo.Context) error {
	dest, err := pathpolicy.ValidateShape(c.QueryParam("dest"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := s.svc.UploadFiles(c.Request().Context(), c.Param("id"), dest, c.Request().Body); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) downloadFiles(c echo.Context) error {
	path, err := pathpolicy.ValidateShape(c.QueryParam("path"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	rc, err := s.svc.DownloadFiles(c.Request().Context(), c.Param("id"), path)
	if err != nil {
		return writeErr(c, err)
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, "application/gzip", rc)
}

func (s *Server) listSnapshots(c echo.Context) error {
	snaps, err := s.svc.ListSnapshots()
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, snaps)
}

func (s *Server) createSnapshot(c echo.Context) error {
	meta, err := s.svc.CreateSnapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, meta)
}
