package agent

import (
	"encoding/json"
	"net/http"

	"github.com/vmforge/manager/internal/execrunner"
	"github.com/vmforge/manager/pkg/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{Ok: s.isReady()})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req types.ExecRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := s.Runner.Exec(r.Context(), toExecRunnerRequest(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toWireResult(res))
}

func (s *Server) handleRunTs(w http.ResponseWriter, r *http.Request) {
	var req types.ExecRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.Runner.RunTs(r.Context(), toExecRunnerRequest(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toWireResult(res))
}

func (s *Server) handleRunJs(w http.ResponseWriter, r *http.Request) {
	var req types.ExecRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.Runner.RunJs(r.Context(), toExecRunnerRequest(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toWireResult(res))
}

func toExecRunnerRequest(req types.ExecRequest) execrunner.Request {
	return execrunner.Request{
		Cmd:       req.Cmd,
		Code:      req.Code,
		Path:      req.Path,
		Args:      req.Args,
		Cwd:       req.Cwd,
		Env:       req.Env,
		TimeoutMs: req.TimeoutMs,
		DenoFlags: req.DenoFlags,
		NodeFlags: req.NodeFlags,
		AllowNet:  req.AllowNet,
	}
}

func toWireResult(r *execrunner.Result) types.ExecResult {
	return types.ExecResult{
		ExitCode: r.ExitCode,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		Result:   r.Result,
		Error:    r.Error,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
