// Package pathpolicy confines guest-facing path operations to /workspace.
//
// It generalizes the plain join-under-/workspace helper the agent used to
// rely on into the stricter contract the rest of the system needs: symlink
// components are resolved before the confinement check, so a symlink planted
// inside /workspace that points outside it is rejected rather than silently
// followed.
package pathpolicy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const Workspace = "/workspace"

var (
	ErrInvalidPath = errors.New("INVALID_PATH")
	ErrNotFound    = errors.New("NOT_FOUND")
)

// Resolved is the outcome of resolving a guest-facing path against a chroot.
type Resolved struct {
	GuestPath string // canonical absolute path as seen from inside the guest
	HostPath  string // the same path rooted at the chroot, as seen from the host
}

// Policy confines paths to Workspace under a given chroot root.
type Policy struct {
	ChrootRoot string
}

func New(chrootRoot string) *Policy {
	return &Policy{ChrootRoot: chrootRoot}
}

// Resolve canonicalizes p (a guest-absolute path) and confines it under
// /workspace. requireExists controls whether a missing base path is an error.
func (p *Policy) Resolve(guestPath string, requireExists bool) (*Resolved, error) {
	if guestPath == "" {
		guestPath = Workspace
	}
	if !strings.HasPrefix(guestPath, "/") {
		guestPath = "/" + guestPath
	}

	clean := filepath.Clean(guestPath)
	if clean != "/" {
		clean = strings.TrimSuffix(clean, "/")
	}

	if hasDotDotComponent(clean) {
		return nil, ErrInvalidPath
	}
	if clean != Workspace && !strings.HasPrefix(clean, Workspace+"/") {
		return nil, ErrInvalidPath
	}

	hostPath := filepath.Join(p.ChrootRoot, clean)

	real, err := p.realpathWithinRoot(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			if requireExists {
				return nil, ErrNotFound
			}
			// base doesn't exist yet (e.g. a write target) — confine by
			// walking up to the nearest existing ancestor instead.
			real, err = p.realpathNearestAncestor(hostPath)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	hostRoot := filepath.Clean(p.ChrootRoot)
	if real != hostRoot && !strings.HasPrefix(real, hostRoot+string(filepath.Separator)) {
		return nil, ErrInvalidPath
	}

	guestReal := strings.TrimPrefix(real, hostRoot)
	if guestReal == "" {
		guestReal = "/"
	}
	if !strings.HasPrefix(guestReal, "/") {
		guestReal = "/" + guestReal
	}
	if guestReal != Workspace && !strings.HasPrefix(guestReal, Workspace+"/") {
		return nil, ErrInvalidPath
	}

	return &Resolved{GuestPath: guestReal, HostPath: real}, nil
}

// ValidateShape checks a guest-facing path string without touching any
// filesystem — the confinement check ApiSurface can run before a request
// ever reaches the guest agent. Empty defaults to Workspace. It does not
// resolve symlinks; Resolve does that on the agent side where the chroot
// is actually mounted.
func ValidateShape(guestPath string) (string, error) {
	if guestPath == "" {
		return Workspace, nil
	}
	if !strings.HasPrefix(guestPath, "/") {
		guestPath = "/" + guestPath
	}
	clean := filepath.Clean(guestPath)
	if clean != "/" {
		clean = strings.TrimSuffix(clean, "/")
	}
	if hasDotDotComponent(clean) {
		return "", ErrInvalidPath
	}
	if clean != Workspace && !strings.HasPrefix(clean, Workspace+"/") {
		return "", ErrInvalidPath
	}
	return clean, nil
}

func hasDotDotComponent(clean string) bool {
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// realpathWithinRoot resolves symlinks in hostPath without escaping hostRoot
// being checked by the caller; filepath.EvalSymlinks itself may resolve a
// symlink to an arbitrary target, which is exactly what the caller's prefix
// check below is for.
func (p *Policy) realpathWithinRoot(hostPath string) (string, error) {
	return filepath.EvalSymlinks(hostPath)
}

func (p *Policy) realpathNearestAncestor(hostPath string) (string, error) {
	dir := filepath.Dir(hostPath)
	base := filepath.Base(hostPath)
	for {
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(real, base), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		if dir == p.ChrootRoot || dir == "/" || dir == "." {
			return "", ErrInvalidPath
		}
		base = filepath.Join(filepath.Base(dir), base)
		dir = filepath.Dir(dir)
	}
}
