// Package api implements the HTTP control surface: channel and simulcast
// target management, stream playback lookups, clip capture, and serving the
// HLS output directory.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"streamcast/internal/media"
	"streamcast/internal/media/clips"
	"streamcast/internal/media/discovery"
	"streamcast/internal/storage"
)

// Handler carries the collaborators every endpoint group needs.
type Handler struct {
	Store     storage.Repository
	Pipeline  *media.Pipeline
	Discovery *discovery.Discovery
	Clips     *clips.Extractor
	// HLSRoot is the directory the converter writes playlists and segments
	// under. Served read-only by ServeHLS.
	HLSRoot string
	Logger  *slog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(h Handler) *Handler {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	return &h
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// Health reports process liveness and datastore reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	storeStatus := "ok"
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			storeStatus = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"store":  storeStatus,
	})
}
