package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// PlaybackInfo answers "can I watch this stream right now". Unknown keys are
// 404; keys that streamed earlier in this process lifetime report ENDED.
func (h *Handler) PlaybackInfo(w http.ResponseWriter, r *http.Request) {
	streamKey := chi.URLParam(r, "streamKey")
	info := h.Discovery.PlaybackInfo(streamKey)
	if info == nil {
		writeError(w, http.StatusNotFound, errors.New("stream not found"))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ListActiveStreams enumerates streams with fresh HLS output.
func (h *Handler) ListActiveStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": h.Discovery.ListActive(),
	})
}

// StopStream force-ends a broadcast from the control plane.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	streamKey := chi.URLParam(r, "streamKey")
	h.Pipeline.StopStream(streamKey, "operator request")
	writeJSON(w, http.StatusNoContent, nil)
}
