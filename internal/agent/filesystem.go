package agent

import (
	"archive/tar"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/vmforge/manager/internal/pathpolicy"
)

const maxUploadBytes = 10 << 20 // 10 MiB compressed, matches the host-side cap

// handleUpload extracts a gzip-compressed tar body under the confined dest
// path. It rejects any entry that resolves outside dest, any symlink entry,
// and any absolute path.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	dest := r.URL.Query().Get("dest")
	resolved, err := s.Policy.Resolve(dest, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "dest: "+err.Error())
		return
	}
	if err := os.MkdirAll(resolved.HostPath, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	limited := io.LimitReader(r.Body, maxUploadBytes+1)
	gz, err := gzip.NewReader(limited)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gzip body: "+err.Error())
		return
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tar body: "+err.Error())
			return
		}

		if filepath.IsAbs(hdr.Name) {
			writeError(w, http.StatusBadRequest, "absolute path in archive: "+hdr.Name)
			return
		}
		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			writeError(w, http.StatusBadRequest, "symlink entry rejected: "+hdr.Name)
			return
		}

		entryGuestPath := strings.TrimSuffix(resolved.GuestPath, "/") + "/" + hdr.Name
		entryResolved, err := s.Policy.Resolve(entryGuestPath, false)
		if err != nil {
			writeError(w, http.StatusBadRequest, "entry escapes dest: "+hdr.Name)
			return
		}
		destPrefix := strings.TrimSuffix(resolved.HostPath, "/") + "/"
		if entryResolved.HostPath != resolved.HostPath && !strings.HasPrefix(entryResolved.HostPath, destPrefix) {
			writeError(w, http.StatusBadRequest, "entry escapes dest: "+hdr.Name)
			return
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(entryResolved.HostPath, 0o755); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(entryResolved.HostPath), 0o755); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			f, err := os.OpenFile(entryResolved.HostPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			f.Close()
		default:
			// skip devices, fifos, etc.
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDownload streams a gzip-compressed tar of path (file or directory),
// including only regular files and directories.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	resolved, err := s.Policy.Resolve(path, true)
	if err != nil {
		status := http.StatusBadRequest
		if err == pathpolicy.ErrNotFound {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.WriteHeader(http.StatusOK)

	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	base := resolved.HostPath
	_ = filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return nil
		}
		if rel == "." {
			rel = filepath.Base(base)
		} else {
			rel = filepath.Base(base) + "/" + rel
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return nil
		}
		hdr.Name = rel

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}
