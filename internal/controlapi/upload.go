package controlapi

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// maxUploadBytes bounds the multipart body read into memory before the
// remainder spills to a temp file (standard multipart.Reader behavior).
const maxUploadBytes = 32 << 20

// handleUpload implements "POST /upload → accepts a media file upload;
// writes atomically into the inbox (so InboxWatcher picks it up)" (spec
// §4.8). The file is written to a temp path inside the inbox root and
// renamed into place, matching the atomic write-then-rename idiom used
// everywhere else the orchestrator writes a file another component reads.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart upload: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "missing form field \"file\"")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		writeJSONError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	if !allowedUploadExtension(name, s.cfg.AllowedExtensions) {
		writeJSONError(w, http.StatusBadRequest, "unsupported file extension")
		return
	}

	finalPath := filepath.Join(s.layout.InboxRoot, name)
	tmpPath := finalPath + ".uploading"

	out, err := os.Create(tmpPath)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("create temp upload file: %v", err))
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(tmpPath)
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("write upload: %v", err))
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("close upload: %v", err))
		return
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("rename upload into inbox: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"filename": name})
}

// allowedUploadExtension applies the same extension allowlist
// InboxWatcher enforces for files dropped directly into the inbox (spec
// §6.1), so an upload and a manual drop are held to one standard.
func allowedUploadExtension(name string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range allowed {
		if ext == strings.ToLower(a) {
			return true
		}
	}
	return false
}
