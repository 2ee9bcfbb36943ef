package agent

import (
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	"github.com/vmforge/manager/pkg/types"
)

// handleNetwork configures the guest's own interface per the host-assigned
// lease, then marks the agent ready.
func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req types.NetworkConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cmds := [][]string{
		{"ip", "link", "set", req.Iface, "up"},
		{"ip", "addr", "add", fmt.Sprintf("%s/%s", req.Ip, req.Cidr), "dev", req.Iface},
		{"ip", "route", "replace", "default", "via", req.Gateway, "dev", req.Iface},
	}
	if req.Mac != "" {
		cmds = append([][]string{{"ip", "link", "set", req.Iface, "address", req.Mac}}, cmds...)
	}

	for _, c := range cmds {
		if err := run(c[0], c[1:]...); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	s.markReady()
	w.WriteHeader(http.StatusNoContent)
}

// handleAllowlist installs an egress allowlist inside the guest: accept
// destinations in cidrs (the manager includes the VM's gateway address among
// them), drop everything else, unless allowOutbound is true in which case all egress is
// permitted. This is defense-in-depth alongside the host-side NetworkManager
// chain — a guest that somehow reaches a raw socket past its own netns still
// meets the same policy.
func (s *Server) handleAllowlist(w http.ResponseWriter, r *http.Request) {
	var req types.AllowlistRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	flush := [][]string{{"iptables", "-F", "OUTPUT"}}
	for _, c := range flush {
		_ = run(c[0], c[1:]...)
	}

	if req.AllowOutbound {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	for _, cidr := range req.Cidrs {
		if err := run("iptables", "-A", "OUTPUT", "-d", cidr, "-j", "ACCEPT"); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := run("iptables", "-A", "OUTPUT", "-j", "DROP"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
