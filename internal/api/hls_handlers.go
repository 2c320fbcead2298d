package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamcast/internal/media/hls"
)

// ServeHLS serves playlists and segments from the converter's output
// directory. Only paths that resolve inside the root are served; playlists
// must never be cached because the window advances every segment.
func (h *Handler) ServeHLS(w http.ResponseWriter, r *http.Request) {
	streamKey := chi.URLParam(r, "streamKey")
	file := chi.URLParam(r, "file")
	if !hls.ValidStreamKey(streamKey) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}

	resolved, err := resolveHLSPath(h.HLSRoot, streamKey, file)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}

	switch {
	case strings.HasSuffix(resolved, ".m3u8"):
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	case strings.HasSuffix(resolved, ".ts"):
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Cache-Control", "max-age=60")
	default:
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	http.ServeFile(w, r, resolved)
}

// resolveHLSPath joins the request path under root and rejects anything that
// escapes it after cleaning.
func resolveHLSPath(root, streamKey, file string) (string, error) {
	if file == "" || strings.Contains(file, "/") || strings.Contains(file, "\\") {
		return "", errors.New("invalid file name")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolved := filepath.Clean(filepath.Join(absRoot, streamKey, file))
	if !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return "", errors.New("path escapes root")
	}
	return resolved, nil
}
