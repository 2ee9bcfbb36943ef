// Package execrunner shapes exec, run-ts, and run-js: it derives a cwd via
// pathpolicy, materializes a wrapper entrypoint (and an optional inline
// snippet) under /workspace, invokes jailrunner on the right interpreter,
// and reads back the structured {result, error} channel the wrapper writes.
package execrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmforge/manager/internal/jailrunner"
	"github.com/vmforge/manager/internal/pathpolicy"
)

type Kind string

const (
	KindExec  Kind = "exec"
	KindRunTs Kind = "run-ts"
	KindRunJs Kind = "run-js"
)

// Request mirrors types.ExecRequest but is independent of the wire package
// so execrunner has no HTTP-layer dependency.
type Request struct {
	Cmd       string
	Code      string
	Path      string
	Args      []string
	Cwd       string
	Env       map[string]string
	TimeoutMs int
	DenoFlags []string
	NodeFlags []string
	AllowNet  bool
}

// Result mirrors types.ExecResult.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Result   interface{}
	Error    interface{}
}

type Runner struct {
	Jail   *jailrunner.Runner
	Policy *pathpolicy.Policy
}

func New(root string) *Runner {
	return &Runner{
		Jail:   jailrunner.New(root),
		Policy: pathpolicy.New(root),
	}
}

func (r *Runner) resolveCwd(cwd string) string {
	resolved, err := r.Policy.Resolve(cwd, false)
	if err != nil {
		return pathpolicy.Workspace
	}
	return resolved.GuestPath
}

// Exec runs req.Cmd as-is via jailrunner.
func (r *Runner) Exec(ctx context.Context, req Request) (*Result, error) {
	out, err := r.Jail.Run(ctx, req.Cmd, jailrunner.Options{
		Cwd:     r.resolveCwd(req.Cwd),
		Env:     req.Env,
		Timeout: timeoutOf(req.TimeoutMs),
	})
	if err != nil {
		return nil, err
	}
	return &Result{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}, nil
}

// RunTs invokes Deno on the user's code/path per the wrapper contract.
func (r *Runner) RunTs(ctx context.Context, req Request) (*Result, error) {
	return r.runScripted(ctx, KindRunTs, req)
}

// RunJs invokes Node on the user's code/path per the wrapper contract.
func (r *Runner) RunJs(ctx context.Context, req Request) (*Result, error) {
	return r.runScripted(ctx, KindRunJs, req)
}

func (r *Runner) runScripted(ctx context.Context, kind Kind, req Request) (*Result, error) {
	id := uuid.NewString()
	ext := extFor(kind)

	cwd := r.resolveCwd(req.Cwd)

	var moduleGuestPath string
	var snippetHostPath string
	if req.Code != "" {
		snippetGuestPath := fmt.Sprintf("/workspace/.run-%s-snippet-%s.%s", kind, id, ext)
		snippetHostPath = filepath.Join(r.Jail.Root, snippetGuestPath)
		if err := os.WriteFile(snippetHostPath, []byte(req.Code), 0o644); err != nil {
			return nil, fmt.Errorf("execrunner: write snippet: %w", err)
		}
		moduleGuestPath = snippetGuestPath
	} else {
		resolved, err := r.Policy.Resolve(req.Path, true)
		if err != nil {
			return nil, fmt.Errorf("execrunner: %w", err)
		}
		moduleGuestPath = resolved.GuestPath
	}

	wrapperGuestPath := fmt.Sprintf("/workspace/.run-%s-wrapper-%s.%s", kind, id, ext)
	wrapperHostPath := filepath.Join(r.Jail.Root, wrapperGuestPath)
	resultGuestPath := fmt.Sprintf("/workspace/.run-%s-result-%s.json", kind, id)
	resultHostPath := filepath.Join(r.Jail.Root, resultGuestPath)

	tmpl := jsWrapperTemplate
	moduleRef := "file://" + moduleGuestPath
	if kind == KindRunTs {
		tmpl = tsWrapperTemplate
	}
	wrapperSrc := fmt.Sprintf(tmpl, resultGuestPath, moduleRef)
	if err := os.WriteFile(wrapperHostPath, []byte(wrapperSrc), 0o644); err != nil {
		return nil, fmt.Errorf("execrunner: write wrapper: %w", err)
	}

	defer func() {
		os.Remove(wrapperHostPath)
		os.Remove(resultHostPath)
		if snippetHostPath != "" {
			os.Remove(snippetHostPath)
		}
	}()

	cmdline := buildCommandLine(kind, wrapperGuestPath, req)

	out, err := r.Jail.Run(ctx, cmdline, jailrunner.Options{
		Cwd:     cwd,
		Env:     req.Env,
		Timeout: timeoutOf(req.TimeoutMs),
	})
	if err != nil {
		return nil, err
	}

	res := &Result{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}
	if kind == KindRunTs {
		res.Stdout = stripANSI(res.Stdout)
		res.Stderr = stripANSI(res.Stderr)
	}

	if payload, err := os.ReadFile(resultHostPath); err == nil {
		var decoded struct {
			Result interface{} `json:"result"`
			Error  interface{} `json:"error"`
		}
		if jsonErr := json.Unmarshal(payload, &decoded); jsonErr == nil {
			res.Result = decoded.Result
			res.Error = decoded.Error
		}
	}

	return res, nil
}

func buildCommandLine(kind Kind, wrapperGuestPath string, req Request) string {
	var parts []string
	if kind == KindRunTs {
		parts = append(parts, "deno", "run")
		parts = append(parts, "--allow-read="+strings.Join([]string{
			"/workspace", "/tmp", "/etc/resolv.conf", "/etc/hosts",
			"/etc/nsswitch.conf", "/etc/ssl/certs/ca-certificates.crt",
		}, ","))
		parts = append(parts, "--allow-write=/workspace,/tmp")
		if len(req.Env) > 0 {
			names := make([]string, 0, len(req.Env))
			for k := range req.Env {
				names = append(names, k)
			}
			parts = append(parts, "--allow-env="+strings.Join(names, ","))
		}
		if req.AllowNet {
			parts = append(parts, "--allow-net")
		}
		parts = append(parts, req.DenoFlags...)
		parts = append(parts, jailrunner.ShellQuote(wrapperGuestPath))
	} else {
		parts = append(parts, "node")
		parts = append(parts, req.NodeFlags...)
		parts = append(parts, jailrunner.ShellQuote(wrapperGuestPath))
	}
	for _, a := range req.Args {
		parts = append(parts, jailrunner.ShellQuote(a))
	}
	return strings.Join(parts, " ")
}

func extFor(kind Kind) string {
	if kind == KindRunTs {
		return "ts"
	}
	return "js"
}

func timeoutOf(ms int) time.Duration {
	if ms <= 0 {
		return jailrunner.DefaultTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}
